// Package store owns all persisted state: reminders, the settings row,
// processed inbound messages and conversation history. It is the only
// package that touches the database.
package store

import (
	"errors"
	"strings"
	"time"

	"github.com/afnanhaq/yaad/internal/model"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// matchableStates are the states a title fragment can resolve against.
var matchableStates = []model.State{
	model.StateScheduled,
	model.StatePaused,
	model.StateNotified,
	model.StateAwaitingResponse,
}

// Store is the reminder repository.
type Store struct {
	db *gorm.DB
}

// New creates a Store on top of an initialised database handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new reminder and returns its generated id.
func (s *Store) Create(r *model.Reminder) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.State == "" {
		r.State = model.StateScheduled
	}
	if err := s.db.Create(r).Error; err != nil {
		return "", err
	}
	return r.ID, nil
}

// Get fetches a reminder by id. gorm.ErrRecordNotFound is returned when the
// id is unknown.
func (s *Store) Get(id string) (*model.Reminder, error) {
	var r model.Reminder
	if err := s.db.First(&r, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// Update applies mutate to the stored reminder inside a transaction. The
// record is either fully updated or left untouched; the mutated reminder is
// returned on success.
func (s *Store) Update(id string, mutate func(*model.Reminder) error) (*model.Reminder, error) {
	var out model.Reminder
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&out, "id = ?", id).Error; err != nil {
			return err
		}
		if err := mutate(&out); err != nil {
			return err
		}
		return tx.Save(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// FindByTitleFragment returns non-terminal reminders whose title contains the
// fragment, case-insensitively, most recently created first.
func (s *Store) FindByTitleFragment(fragment string) ([]model.Reminder, error) {
	var reminders []model.Reminder
	err := s.db.
		Where("state IN ?", matchableStates).
		Where("LOWER(title) LIKE ?", "%"+strings.ToLower(strings.TrimSpace(fragment))+"%").
		Order("created_at DESC").
		Find(&reminders).Error
	return reminders, err
}

// ListActive returns every reminder except cancelled ones, ordered by due
// time ascending.
func (s *Store) ListActive() ([]model.Reminder, error) {
	var reminders []model.Reminder
	err := s.db.
		Where("state <> ?", model.StateCancelled).
		Order("due_at ASC").
		Find(&reminders).Error
	return reminders, err
}

// FindSimilar looks for a scheduled reminder with the same title due within
// the window around due. Used to avoid inserting near-duplicate reminders.
func (s *Store) FindSimilar(title string, due time.Time, window time.Duration) (*model.Reminder, error) {
	var r model.Reminder
	err := s.db.
		Where("state = ?", model.StateScheduled).
		Where("LOWER(title) = ?", strings.ToLower(title)).
		Where("due_at BETWEEN ? AND ?", due.Add(-window), due.Add(window)).
		First(&r).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// MostRecentlyNotified returns the latest notified-but-unacknowledged
// reminder, the default target of a bare acknowledgment.
func (s *Store) MostRecentlyNotified() (*model.Reminder, error) {
	var r model.Reminder
	err := s.db.
		Where("state IN ?", []model.State{model.StateNotified, model.StateAwaitingResponse}).
		Where("acknowledged = ?", false).
		Order("notified_at DESC").
		First(&r).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// Settings returns the single settings row, creating it with defaults on
// first use.
func (s *Store) Settings() (*model.Settings, error) {
	settings := model.Settings{ID: model.SettingsRowID, CallsEnabled: true}
	if err := s.db.FirstOrCreate(&settings, model.Settings{ID: model.SettingsRowID}).Error; err != nil {
		return nil, err
	}
	return &settings, nil
}

// SetCallsEnabled flips the global call opt-out flag.
func (s *Store) SetCallsEnabled(enabled bool) error {
	if _, err := s.Settings(); err != nil {
		return err
	}
	return s.db.Model(&model.Settings{}).
		Where("id = ?", model.SettingsRowID).
		Update("calls_enabled", enabled).Error
}
