package store

import (
	"errors"
	"time"

	"github.com/afnanhaq/yaad/internal/model"
	"gorm.io/gorm"
)

// Guard deduplicates inbound messages by their Twilio SID. The insert of the
// primary-keyed row is the atomic check-and-record: of two concurrent
// deliveries of the same SID exactly one insert succeeds.
type Guard struct {
	db *gorm.DB
}

// NewGuard creates a Guard on top of an initialised database handle.
func NewGuard(db *gorm.DB) *Guard {
	return &Guard{db: db}
}

// Admit records messageSID as processed. It returns admitted=true the first
// time a SID is seen. On a duplicate it returns admitted=false together with
// the reply produced for the original delivery, so the caller can replay it.
func (g *Guard) Admit(messageSID string) (admitted bool, previous string, err error) {
	record := model.ProcessedMessage{MessageSID: messageSID}
	err = g.db.Create(&record).Error
	if err == nil {
		return true, "", nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		var prev model.ProcessedMessage
		if lookupErr := g.db.First(&prev, "message_sid = ?", messageSID).Error; lookupErr != nil {
			return false, "", lookupErr
		}
		return false, prev.Response, nil
	}
	return false, "", err
}

// RecordResponse stores the reply produced for an admitted message so later
// duplicates can replay it.
func (g *Guard) RecordResponse(messageSID, response string) error {
	return g.db.Model(&model.ProcessedMessage{}).
		Where("message_sid = ?", messageSID).
		Update("response", response).Error
}

// Cleanup removes processed-message rows older than cutoff.
func (g *Guard) Cleanup(cutoff time.Time) error {
	return g.db.Where("processed_at < ?", cutoff).Delete(&model.ProcessedMessage{}).Error
}
