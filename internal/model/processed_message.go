package model

import "time"

// ProcessedMessage records an inbound Twilio message SID that has already
// been handled. Its existence means the associated command was fully applied;
// Response holds the reply that was produced so duplicate deliveries can be
// answered without reapplying anything.
type ProcessedMessage struct {
	MessageSID  string    `gorm:"primaryKey;column:message_sid;size:64"`
	Response    string    `gorm:"size:2000"`
	ProcessedAt time.Time `gorm:"autoCreateTime;index"`
}
