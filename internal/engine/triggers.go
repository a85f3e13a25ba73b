package engine

import (
	"time"

	"github.com/afnanhaq/yaad/internal/model"
	"github.com/afnanhaq/yaad/internal/scheduler"
)

func (e *Engine) scheduleNotify(reminderID string, dueAt time.Time) {
	e.sched.Schedule(scheduler.Trigger{
		ReminderID: reminderID,
		Kind:       scheduler.KindNotify,
		FireAt:     dueAt,
		Callback:   func() { e.onNotify(reminderID) },
	})
}

func (e *Engine) scheduleFollowUp(reminderID string, fireAt time.Time) {
	e.sched.Schedule(scheduler.Trigger{
		ReminderID: reminderID,
		Kind:       scheduler.KindFollowUp,
		FireAt:     fireAt,
		Callback:   func() { e.onFollowUp(reminderID) },
	})
}

// onNotify runs when a notify trigger fires. The lifecycle advances whether
// or not the outbound send succeeds; delivery retries belong to Twilio.
func (e *Engine) onNotify(reminderID string) {
	unlock := e.lockReminder(reminderID)
	defer unlock()

	reminder, err := e.store.Get(reminderID)
	if err != nil {
		e.logger.Printf("[ERROR] engine: notify %s: %v", reminderID, err)
		return
	}
	// Paused, cancelled or completed since the trigger was registered.
	if reminder.State != model.StateScheduled {
		e.logger.Printf("[DEBUG] engine: notify %s skipped, state %s", reminderID, reminder.State)
		return
	}

	now := time.Now().UTC()
	var followUpAt *time.Time
	if reminder.FollowUpMinutes > 0 {
		at := now.Add(time.Duration(reminder.FollowUpMinutes) * time.Minute)
		followUpAt = &at
	}

	updated, err := e.store.Update(reminderID, func(r *model.Reminder) error {
		r.State = model.StateNotified
		r.NotifiedAt = &now
		r.FollowUpAt = followUpAt
		r.Acknowledged = false
		return nil
	})
	if err != nil {
		e.logger.Printf("[ERROR] engine: notify %s: mark notified: %v", reminderID, err)
		return
	}

	if followUpAt != nil {
		e.scheduleFollowUp(reminderID, *followUpAt)
	}

	go e.sendNotification(updated)
}

func (e *Engine) sendNotification(reminder *model.Reminder) {
	body := notificationBody(reminder)
	sid, err := e.messenger.SendWhatsAppMessage(e.userWhatsApp, body)
	if err != nil {
		// Transient delivery failure; the reminder stays notified.
		e.logger.Printf("[WARN] engine: send notification for %s failed: %v", reminder.ID, err)
		return
	}
	e.logger.Printf("[INFO] engine: notified %s (message %s)", reminder.ID, sid)

	unlock := e.lockReminder(reminder.ID)
	defer unlock()
	if _, err := e.store.Update(reminder.ID, func(r *model.Reminder) error {
		r.NotificationSID = sid
		return nil
	}); err != nil {
		e.logger.Printf("[WARN] engine: record notification sid for %s: %v", reminder.ID, err)
	}
}

// onFollowUp runs when a follow-up trigger fires: the escalation decision.
// A call is placed iff the reminder asked for one and calls are globally
// enabled; either way the reminder moves to awaiting_response and stays
// acknowledgeable.
func (e *Engine) onFollowUp(reminderID string) {
	unlock := e.lockReminder(reminderID)
	defer unlock()

	reminder, err := e.store.Get(reminderID)
	if err != nil {
		e.logger.Printf("[ERROR] engine: follow-up %s: %v", reminderID, err)
		return
	}
	if reminder.Acknowledged || reminder.State != model.StateNotified {
		e.logger.Printf("[DEBUG] engine: follow-up %s skipped, state %s acknowledged=%t", reminderID, reminder.State, reminder.Acknowledged)
		return
	}

	updated, err := e.store.Update(reminderID, func(r *model.Reminder) error {
		r.State = model.StateAwaitingResponse
		return nil
	})
	if err != nil {
		e.logger.Printf("[ERROR] engine: follow-up %s: %v", reminderID, err)
		return
	}

	if !updated.CallOnNoResponse {
		return
	}
	settings, err := e.store.Settings()
	if err != nil {
		e.logger.Printf("[ERROR] engine: follow-up %s: load settings: %v", reminderID, err)
		return
	}
	if !settings.CallsEnabled {
		e.logger.Printf("[INFO] engine: follow-up %s: calls disabled globally, not calling", reminderID)
		return
	}

	go e.placeCall(updated)
}

func (e *Engine) placeCall(reminder *model.Reminder) {
	sid, err := e.caller.PlaceCall(e.userPhone, reminder.Title)
	if err != nil {
		// Fire and forget: a failed call never reverts reminder state.
		e.logger.Printf("[WARN] engine: call for %s failed: %v", reminder.ID, err)
		return
	}
	e.logger.Printf("[INFO] engine: placed call for %s (call %s)", reminder.ID, sid)
}

// RestoreTriggers rebuilds the scheduler's trigger set from persisted state
// after a restart. Past-due times fire immediately via the scheduler.
func (e *Engine) RestoreTriggers() error {
	reminders, err := e.store.ListActive()
	if err != nil {
		return err
	}

	restored := 0
	for _, r := range reminders {
		switch r.State {
		case model.StateScheduled:
			e.scheduleNotify(r.ID, r.DueAt)
			restored++
		case model.StateNotified:
			if !r.Acknowledged && r.FollowUpAt != nil {
				e.scheduleFollowUp(r.ID, *r.FollowUpAt)
				restored++
			}
		}
	}
	e.logger.Printf("[INFO] engine: restored %d trigger(s) from storage", restored)
	return nil
}
