// Package engine implements the reminder lifecycle: the command dispatcher
// that turns parsed intents into store mutations and trigger registrations,
// the trigger callbacks, and the call escalation decision.
package engine

import (
	"errors"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/afnanhaq/yaad/internal/model"
	"github.com/afnanhaq/yaad/internal/openai"
	"github.com/afnanhaq/yaad/internal/scheduler"
	"github.com/afnanhaq/yaad/internal/store"
)

// Messenger sends an outbound text and returns its delivery id.
type Messenger interface {
	SendWhatsAppMessage(to, body string) (string, error)
}

// CallPlacer places an outbound voice call and returns its id.
type CallPlacer interface {
	PlaceCall(to, reminderTitle string) (string, error)
}

const (
	// duplicateWindow is how close in time a same-titled reminder must be
	// to count as a duplicate at creation.
	duplicateWindow = 5 * time.Minute

	maxFollowUpMinutes = 60
)

// Engine is the single scheduling authority over the reminder set.
type Engine struct {
	store     *store.Store
	sched     *scheduler.Scheduler
	messenger Messenger
	caller    CallPlacer
	loc       *time.Location
	logger    *log.Logger

	userWhatsApp string
	userPhone    string

	// Mutations for a given reminder id are serialised; distinct ids
	// proceed in parallel.
	locks *KeyedMutex

	settingsMu sync.Mutex
}

// New wires an Engine from its collaborators.
func New(st *store.Store, sched *scheduler.Scheduler, messenger Messenger, caller CallPlacer, userWhatsApp, userPhone string, loc *time.Location, logger *log.Logger) *Engine {
	return &Engine{
		store:        st,
		sched:        sched,
		messenger:    messenger,
		caller:       caller,
		loc:          loc,
		logger:       logger,
		userWhatsApp: userWhatsApp,
		userPhone:    userPhone,
		locks:        NewKeyedMutex(),
	}
}

func (e *Engine) lockReminder(id string) func() {
	return e.locks.Lock(id)
}

// HandleIntent applies a parsed intent and returns the reply to send back.
// Taxonomy errors (validation, not-found, ambiguity, already-finalized) are
// rendered as user-facing replies; nothing in here is fatal.
func (e *Engine) HandleIntent(intent openai.ParsedIntent) string {
	reply, err := e.dispatch(intent)
	if err != nil {
		return e.errorReply(err)
	}
	return reply
}

// dispatch is the exhaustive transition table over the closed intent enum.
func (e *Engine) dispatch(intent openai.ParsedIntent) (string, error) {
	switch intent.Kind {
	case openai.IntentCreateReminder:
		return e.handleCreate(intent)
	case openai.IntentUpdateReminder:
		return e.handleUpdate(intent)
	case openai.IntentPauseReminder:
		return e.handlePause(intent)
	case openai.IntentResumeReminder:
		return e.handleResume(intent)
	case openai.IntentDeleteReminder:
		return e.handleDelete(intent)
	case openai.IntentListReminders:
		return e.handleList()
	case openai.IntentAcknowledge:
		return e.handleAcknowledge(intent)
	case openai.IntentOptOutCalls:
		return e.handleOptOut()
	case openai.IntentOptInCalls:
		return e.handleOptIn()
	case openai.IntentUnknown:
		fallthrough
	default:
		if intent.ResponseMessage != "" {
			return intent.ResponseMessage, nil
		}
		return helpReply(), nil
	}
}

func (e *Engine) handleCreate(intent openai.ParsedIntent) (string, error) {
	if intent.Title == "" {
		return "I need a title for your reminder. What would you like to be reminded about?", nil
	}
	if intent.DueAt == nil {
		return "When would you like to be reminded? Please include a time, like 'tomorrow at 9am'.", nil
	}

	now := time.Now().UTC()
	if !intent.DueAt.After(now) {
		return "", &ValidationError{Reason: "that time is already in the past. Please pick a future time."}
	}

	followUp := 0
	if intent.FollowUpMinutes != nil {
		followUp = *intent.FollowUpMinutes
		if followUp < 0 || followUp > maxFollowUpMinutes {
			return "", &ValidationError{Reason: "follow-up must be between 1 and 60 minutes."}
		}
	}

	existing, err := e.store.FindSimilar(intent.Title, intent.DueAt.UTC(), duplicateWindow)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return duplicateReply(existing, e.loc), nil
	}

	reminder := &model.Reminder{
		Title:           intent.Title,
		Description:     intent.Description,
		DueAt:           intent.DueAt.UTC(),
		FollowUpMinutes: followUp,
		State:           model.StateScheduled,
	}
	if intent.CallOnNoResponse != nil {
		reminder.CallOnNoResponse = *intent.CallOnNoResponse
	}

	id, err := e.store.Create(reminder)
	if err != nil {
		return "", err
	}
	e.scheduleNotify(id, reminder.DueAt)

	e.logger.Printf("[INFO] engine: created reminder %s (%s) due %s", id, reminder.Title, reminder.DueAt.Format(time.RFC3339))
	return createdReply(reminder, e.loc), nil
}

func (e *Engine) handleUpdate(intent openai.ParsedIntent) (string, error) {
	if intent.Target == "" {
		return "Which reminder would you like to update? Please mention its name.", nil
	}
	target, err := e.resolveTarget(intent.Target)
	if err != nil {
		return "", err
	}

	unlock := e.lockReminder(target.ID)
	defer unlock()

	var changed []string
	updated, err := e.store.Update(target.ID, func(r *model.Reminder) error {
		if r.State.Terminal() {
			return ErrAlreadyFinalized
		}
		if intent.Title != "" {
			r.Title = intent.Title
			changed = append(changed, "title")
		}
		if intent.Description != "" {
			r.Description = intent.Description
			changed = append(changed, "description")
		}
		if intent.DueAt != nil {
			if !intent.DueAt.After(time.Now().UTC()) {
				return &ValidationError{Reason: "the new time is already in the past. Please pick a future time."}
			}
			r.DueAt = intent.DueAt.UTC()
			changed = append(changed, "time")
		}
		if intent.FollowUpMinutes != nil {
			if *intent.FollowUpMinutes < 0 || *intent.FollowUpMinutes > maxFollowUpMinutes {
				return &ValidationError{Reason: "follow-up must be between 1 and 60 minutes."}
			}
			r.FollowUpMinutes = *intent.FollowUpMinutes
			changed = append(changed, "follow-up time")
		}
		if intent.CallOnNoResponse != nil {
			r.CallOnNoResponse = *intent.CallOnNoResponse
			changed = append(changed, "call settings")
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if intent.DueAt != nil && updated.State == model.StateScheduled {
		e.scheduleNotify(updated.ID, updated.DueAt)
	}

	return updatedReply(updated, changed), nil
}

func (e *Engine) handlePause(intent openai.ParsedIntent) (string, error) {
	if intent.Target == "" {
		return "Which reminder would you like to pause? Please mention its name.", nil
	}
	target, err := e.resolveTarget(intent.Target)
	if err != nil {
		return "", err
	}

	unlock := e.lockReminder(target.ID)
	defer unlock()

	alreadyPaused := false
	updated, err := e.store.Update(target.ID, func(r *model.Reminder) error {
		if r.State.Terminal() {
			return ErrAlreadyFinalized
		}
		if r.State == model.StatePaused {
			alreadyPaused = true
			return nil
		}
		if r.State != model.StateScheduled {
			return &ValidationError{Reason: "only upcoming reminders can be paused."}
		}
		r.State = model.StatePaused
		return nil
	})
	if err != nil {
		return "", err
	}
	if alreadyPaused {
		return "*" + updated.Title + "* is already paused.", nil
	}

	e.sched.CancelAll(updated.ID)
	return pausedReply(updated, intent.Target), nil
}

func (e *Engine) handleResume(intent openai.ParsedIntent) (string, error) {
	if intent.Target == "" {
		return "Which reminder would you like to resume? Please mention its name.", nil
	}
	target, err := e.resolveTarget(intent.Target)
	if err != nil {
		return "", err
	}

	unlock := e.lockReminder(target.ID)
	defer unlock()

	alreadyActive := false
	updated, err := e.store.Update(target.ID, func(r *model.Reminder) error {
		if r.State.Terminal() {
			return ErrAlreadyFinalized
		}
		if r.State != model.StatePaused {
			alreadyActive = true
			return nil
		}
		// A paused reminder whose time has elapsed needs a new time; firing
		// an old reminder immediately on resume would surprise the user.
		if !r.DueAt.After(time.Now().UTC()) {
			return &ValidationError{Reason: "*" + r.Title + "* was scheduled for the past. Please update the time first."}
		}
		r.State = model.StateScheduled
		return nil
	})
	if err != nil {
		return "", err
	}
	if alreadyActive {
		return "*" + updated.Title + "* is already active.", nil
	}

	e.scheduleNotify(updated.ID, updated.DueAt)
	return resumedReply(updated, e.loc), nil
}

func (e *Engine) handleDelete(intent openai.ParsedIntent) (string, error) {
	if intent.Target == "" {
		return "Which reminder would you like to delete? Please mention its name.", nil
	}
	target, err := e.resolveTarget(intent.Target)
	if err != nil {
		return "", err
	}

	unlock := e.lockReminder(target.ID)
	defer unlock()

	// The record is retained as cancelled for audit, not removed.
	updated, err := e.store.Update(target.ID, func(r *model.Reminder) error {
		if r.State.Terminal() {
			return ErrAlreadyFinalized
		}
		r.State = model.StateCancelled
		return nil
	})
	if err != nil {
		return "", err
	}

	e.sched.CancelAll(updated.ID)
	e.logger.Printf("[INFO] engine: cancelled reminder %s (%s)", updated.ID, updated.Title)
	return "🗑️ Deleted reminder: *" + updated.Title + "*", nil
}

func (e *Engine) handleList() (string, error) {
	reminders, err := e.store.ListActive()
	if err != nil {
		return "", err
	}
	return listReply(reminders, e.loc), nil
}

func (e *Engine) handleAcknowledge(intent openai.ParsedIntent) (string, error) {
	var target *model.Reminder
	var err error
	if intent.Target != "" {
		target, err = e.resolveTarget(intent.Target)
		if err != nil {
			return "", err
		}
	} else {
		target, err = e.store.MostRecentlyNotified()
		if err != nil {
			return "", err
		}
		if target == nil {
			return "👍 Thanks for your response!", nil
		}
	}

	unlock := e.lockReminder(target.ID)
	defer unlock()

	updated, err := e.store.Update(target.ID, func(r *model.Reminder) error {
		if r.State.Terminal() {
			return ErrAlreadyFinalized
		}
		r.Acknowledged = true
		r.State = model.StateCompleted
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyFinalized) {
			return "👍 That one is already done.", nil
		}
		return "", err
	}

	e.sched.CancelAll(updated.ID)
	return "👍 Got it! Marked *" + updated.Title + "* as completed.", nil
}

func (e *Engine) handleOptOut() (string, error) {
	e.settingsMu.Lock()
	defer e.settingsMu.Unlock()
	if err := e.store.SetCallsEnabled(false); err != nil {
		return "", err
	}
	e.logger.Printf("[INFO] engine: calls disabled globally")
	return "🔕 *Phone calls disabled*\n\nI won't call you for any reminders. You'll only receive WhatsApp messages.", nil
}

func (e *Engine) handleOptIn() (string, error) {
	e.settingsMu.Lock()
	defer e.settingsMu.Unlock()
	if err := e.store.SetCallsEnabled(true); err != nil {
		return "", err
	}
	e.logger.Printf("[INFO] engine: calls enabled globally")
	return "🔔 *Phone calls enabled*\n\nI can now call you for reminders that have call notifications enabled.", nil
}

// resolveTarget maps a title fragment onto exactly one reminder.
func (e *Engine) resolveTarget(fragment string) (*model.Reminder, error) {
	matches, err := e.store.FindByTitleFragment(fragment)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, &NotFoundError{Target: fragment}
	case 1:
		return &matches[0], nil
	default:
		titles := make([]string, len(matches))
		for i, m := range matches {
			titles[i] = m.Title
		}
		return nil, &AmbiguousTargetError{Target: fragment, Titles: titles}
	}
}

func (e *Engine) errorReply(err error) string {
	var validation *ValidationError
	if errors.As(err, &validation) {
		return "⚠️ " + validation.Reason
	}
	var notFound *NotFoundError
	if errors.As(err, &notFound) {
		return "I couldn't find a reminder matching '" + notFound.Target + "'. Try 'list my reminders' to see your active reminders."
	}
	var ambiguous *AmbiguousTargetError
	if errors.As(err, &ambiguous) {
		return ambiguousReply(ambiguous)
	}
	if errors.Is(err, ErrAlreadyFinalized) {
		return "That reminder is already completed or deleted, so there's nothing to change."
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "I couldn't find that reminder anymore."
	}
	e.logger.Printf("[ERROR] engine: %v", err)
	return "Sorry, I encountered an error handling that. Please try again."
}
