// Package scheduler maintains the set of pending one-shot triggers, at most
// one per (reminder, kind). The in-memory set is a cache: it is rebuilt from
// the store on startup, never treated as the source of truth.
package scheduler

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind distinguishes the two trigger types a reminder can carry.
type Kind string

const (
	KindNotify   Kind = "notify"
	KindFollowUp Kind = "follow_up"
)

// Trigger is a future callback tied to a reminder and a kind.
type Trigger struct {
	ReminderID string
	Kind       Kind
	FireAt     time.Time
	Callback   func()
}

// Pending describes a registered trigger for the diagnostics surface.
type Pending struct {
	ReminderID string    `json:"reminder_id"`
	Kind       Kind      `json:"kind"`
	FireAt     time.Time `json:"fire_at"`
}

type triggerKey struct {
	id   string
	kind Kind
}

type entry struct {
	entryID cron.EntryID
	fireAt  time.Time
}

// Scheduler registers one-shot trigger entries on a cron runner.
type Scheduler struct {
	cron   *cron.Cron
	logger *log.Logger

	mu      sync.Mutex
	entries map[triggerKey]entry
}

// New creates a stopped Scheduler in the given timezone.
func New(loc *time.Location, logger *log.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(loc)),
		logger:  logger,
		entries: make(map[triggerKey]entry),
	}
}

// Start begins the scheduling loop.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the loop and waits for running callbacks to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// onceAt is a cron.Schedule that fires a single time. The cron run loop
// calls Next once when it first sees the entry and once after each dispatch,
// so the first call must always return a fire time: a deadline that elapsed
// between registration and the run loop's first look would otherwise yield
// the zero time and the trigger would never fire. Next is only ever called
// from the run loop goroutine, so the fired flag needs no locking.
type onceAt struct {
	at    time.Time
	fired bool
}

func (o *onceAt) Next(t time.Time) time.Time {
	if o.fired {
		// Zero time: the entry never runs again.
		return time.Time{}
	}
	o.fired = true
	if t.Before(o.at) {
		return o.at
	}
	return t.Add(time.Millisecond)
}

// Schedule registers t, replacing any existing trigger with the same
// (reminder, kind). A fire time at or before now fires immediately, which
// covers reminders restored from storage after a restart.
func (s *Scheduler) Schedule(t Trigger) {
	k := triggerKey{t.ReminderID, t.Kind}

	s.mu.Lock()
	if prev, ok := s.entries[k]; ok {
		s.cron.Remove(prev.entryID)
		delete(s.entries, k)
	}

	if !t.FireAt.After(time.Now()) {
		s.mu.Unlock()
		s.logger.Printf("[DEBUG] scheduler: %s trigger for %s is past due, firing now", t.Kind, t.ReminderID)
		go t.Callback()
		return
	}

	var entryID cron.EntryID
	entryID = s.cron.Schedule(&onceAt{at: t.FireAt}, cron.FuncJob(func() {
		s.mu.Lock()
		if current, ok := s.entries[k]; ok && current.entryID == entryID {
			s.cron.Remove(entryID)
			delete(s.entries, k)
		}
		s.mu.Unlock()
		t.Callback()
	}))
	s.entries[k] = entry{entryID: entryID, fireAt: t.FireAt}
	s.mu.Unlock()

	s.logger.Printf("[INFO] scheduler: registered %s trigger for %s at %s", t.Kind, t.ReminderID, t.FireAt.Format(time.RFC3339))
}

// Cancel removes the trigger of the given kind for a reminder. Cancelling a
// trigger that does not exist is a no-op. A trigger whose callback has
// already started cannot be recalled; the callback is expected to observe
// reminder state and back off.
func (s *Scheduler) Cancel(reminderID string, kind Kind) {
	k := triggerKey{reminderID, kind}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.entries[k]; ok {
		s.cron.Remove(prev.entryID)
		delete(s.entries, k)
		s.logger.Printf("[DEBUG] scheduler: cancelled %s trigger for %s", kind, reminderID)
	}
}

// CancelAll removes both trigger kinds for a reminder.
func (s *Scheduler) CancelAll(reminderID string) {
	s.Cancel(reminderID, KindNotify)
	s.Cancel(reminderID, KindFollowUp)
}

// PendingTriggers lists registered triggers ordered by fire time.
func (s *Scheduler) PendingTriggers() []Pending {
	s.mu.Lock()
	pending := make([]Pending, 0, len(s.entries))
	for k, e := range s.entries {
		pending = append(pending, Pending{ReminderID: k.id, Kind: k.kind, FireAt: e.fireAt})
	}
	s.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool {
		if pending[i].FireAt.Equal(pending[j].FireAt) {
			return pending[i].ReminderID < pending[j].ReminderID
		}
		return pending[i].FireAt.Before(pending[j].FireAt)
	})
	return pending
}

// AddCron registers a recurring housekeeping job using a standard cron
// expression, alongside the one-shot trigger entries.
func (s *Scheduler) AddCron(spec string, fn func()) error {
	_, err := s.cron.AddFunc(spec, fn)
	return err
}
