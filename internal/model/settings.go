package model

import "time"

// Settings is the single process-wide settings row. CallsEnabled is the
// global call opt-out flag consulted on every escalation decision.
type Settings struct {
	ID           uint `gorm:"primaryKey"`
	CallsEnabled bool `gorm:"not null;default:true"`
	UpdatedAt    time.Time
}

// SettingsRowID is the primary key of the only settings row.
const SettingsRowID uint = 1
