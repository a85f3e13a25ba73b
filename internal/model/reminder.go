package model

import "time"

// State is the lifecycle state of a reminder. Transitions are driven
// exclusively by the engine's dispatcher; see internal/engine.
type State string

const (
	StateScheduled        State = "scheduled"
	StateNotified         State = "notified"
	StateAwaitingResponse State = "awaiting_response"
	StateCompleted        State = "completed"
	StatePaused           State = "paused"
	StateCancelled        State = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Reminder is a single time-bound reminder for the configured user.
// DueAt, NotifiedAt and FollowUpAt are stored in UTC; presentation in the
// local timezone is a formatting concern.
type Reminder struct {
	ID               string    `gorm:"primaryKey;size:36"`
	Title            string    `gorm:"size:255;not null"`
	Description      string    `gorm:"size:1000"`
	DueAt            time.Time `gorm:"not null;index"`
	FollowUpMinutes  int       // 0 means no follow-up
	CallOnNoResponse bool
	State            State `gorm:"size:32;not null;index"`
	// NotifiedAt is set when the notify trigger fires. FollowUpAt is the
	// absolute time the follow-up trigger was registered for, kept so the
	// trigger set can be rebuilt from storage after a restart.
	NotifiedAt      *time.Time
	FollowUpAt      *time.Time
	Acknowledged    bool
	NotificationSID string    `gorm:"size:64"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime"`
}
