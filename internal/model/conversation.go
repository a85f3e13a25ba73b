package model

import "time"

// ConversationMessage stores one user/bot exchange. Recent exchanges are fed
// back into intent parsing so follow-up messages like "make it 8pm instead"
// have context.
type ConversationMessage struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	UserMessage string    `gorm:"size:1000;not null"`
	BotResponse string    `gorm:"size:2000;not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index"`
}
