package store

import (
	"time"

	"github.com/afnanhaq/yaad/internal/model"
)

// SaveExchange appends a user/bot exchange to the conversation history.
// Overlong messages are truncated rather than rejected.
func (s *Store) SaveExchange(userMessage, botResponse string) error {
	return s.db.Create(&model.ConversationMessage{
		UserMessage: truncate(userMessage, 1000),
		BotResponse: truncate(botResponse, 2000),
	}).Error
}

// RecentExchanges returns up to limit exchanges in chronological order.
func (s *Store) RecentExchanges(limit int) ([]model.ConversationMessage, error) {
	var messages []model.ConversationMessage
	err := s.db.Order("created_at DESC, id DESC").Limit(limit).Find(&messages).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// CleanupExchanges removes conversation rows older than cutoff.
func (s *Store) CleanupExchanges(cutoff time.Time) error {
	return s.db.Where("created_at < ?", cutoff).Delete(&model.ConversationMessage{}).Error
}

func truncate(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return text[:max]
}
