package engine

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/afnanhaq/yaad/internal/model"
	myopenai "github.com/afnanhaq/yaad/internal/openai"
	"github.com/afnanhaq/yaad/internal/scheduler"
	"github.com/afnanhaq/yaad/internal/store"
)

type fakeMessenger struct {
	mu   sync.Mutex
	sent []string
	ch   chan string
	fail bool
}

func (f *fakeMessenger) SendWhatsAppMessage(to, body string) (string, error) {
	f.mu.Lock()
	fail := f.fail
	if !fail {
		f.sent = append(f.sent, body)
	}
	f.mu.Unlock()
	if fail {
		f.ch <- body
		return "", fmt.Errorf("transient delivery failure")
	}
	f.ch <- body
	return "SM_TEST", nil
}

type fakeCaller struct {
	mu     sync.Mutex
	placed []string
	ch     chan string
}

func (f *fakeCaller) PlaceCall(to, title string) (string, error) {
	f.mu.Lock()
	f.placed = append(f.placed, title)
	f.mu.Unlock()
	f.ch <- title
	return "CA_TEST", nil
}

type fixture struct {
	engine    *Engine
	store     *store.Store
	sched     *scheduler.Scheduler
	messenger *fakeMessenger
	caller    *fakeCaller
}

func newTestEngine(t *testing.T) *fixture {
	t.Helper()

	name := strings.ReplaceAll(t.Name(), "/", "_")
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared&_fk=1", name, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite memory: %v", err)
	}
	if err := db.AutoMigrate(&model.Reminder{}, &model.Settings{}, &model.ProcessedMessage{}, &model.ConversationMessage{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}

	logger := log.New(io.Discard, "", 0)
	st := store.New(db)
	sched := scheduler.New(time.UTC, logger)
	sched.Start()
	t.Cleanup(sched.Stop)

	messenger := &fakeMessenger{ch: make(chan string, 8)}
	caller := &fakeCaller{ch: make(chan string, 8)}
	eng := New(st, sched, messenger, caller, "+923001234567", "+923001234567", time.UTC, logger)

	return &fixture{engine: eng, store: st, sched: sched, messenger: messenger, caller: caller}
}

func ptr[T any](v T) *T { return &v }

func createIntent(title string, due time.Time) myopenai.ParsedIntent {
	return myopenai.ParsedIntent{
		Kind:  myopenai.IntentCreateReminder,
		Title: title,
		DueAt: &due,
	}
}

func (f *fixture) mustCreate(t *testing.T, intent myopenai.ParsedIntent) *model.Reminder {
	t.Helper()
	reply := f.engine.HandleIntent(intent)
	if !strings.Contains(reply, "Reminder created") {
		t.Fatalf("create failed: %q", reply)
	}
	matches, err := f.store.FindByTitleFragment(intent.Title)
	if err != nil || len(matches) == 0 {
		t.Fatalf("created reminder not found: %v", err)
	}
	return &matches[0]
}

func (f *fixture) pendingFor(id string, kind scheduler.Kind) int {
	count := 0
	for _, p := range f.sched.PendingTriggers() {
		if p.ReminderID == id && (kind == "" || p.Kind == kind) {
			count++
		}
	}
	return count
}

func waitOn(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("expected async dispatch, got none")
		return ""
	}
}

func assertNoDispatch(t *testing.T, ch <-chan string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected dispatch: %q", v)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestCreateSchedulesNotifyTrigger(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)

	due := time.Now().UTC().Add(time.Hour)
	r := f.mustCreate(t, createIntent("Pay electricity bill", due))

	if r.State != model.StateScheduled {
		t.Fatalf("state = %s, want scheduled", r.State)
	}
	if got := f.pendingFor(r.ID, scheduler.KindNotify); got != 1 {
		t.Fatalf("expected 1 notify trigger, got %d", got)
	}
	if got := f.pendingFor(r.ID, scheduler.KindFollowUp); got != 0 {
		t.Fatalf("expected no follow-up trigger yet, got %d", got)
	}
}

func TestCreateRejectsPastDue(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)

	reply := f.engine.HandleIntent(createIntent("too late", time.Now().UTC().Add(-time.Minute)))
	if !strings.Contains(reply, "in the past") {
		t.Fatalf("expected validation reply, got %q", reply)
	}

	active, err := f.store.ListActive()
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("rejected create still stored a reminder")
	}
}

func TestCreateDetectsDuplicate(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)

	due := time.Now().UTC().Add(time.Hour)
	f.mustCreate(t, createIntent("Pay rent", due))

	reply := f.engine.HandleIntent(createIntent("pay rent", due.Add(2*time.Minute)))
	if !strings.Contains(reply, "similar reminder") {
		t.Fatalf("expected duplicate reply, got %q", reply)
	}

	matches, _ := f.store.FindByTitleFragment("pay rent")
	if len(matches) != 1 {
		t.Fatalf("duplicate create inserted a twin, %d reminders", len(matches))
	}
}

func TestNotifyTransitionAndAcknowledge(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)

	r := f.mustCreate(t, createIntent("Pay electricity bill", time.Now().UTC().Add(time.Hour)))

	f.engine.onNotify(r.ID)
	body := waitOn(t, f.messenger.ch)
	if !strings.Contains(body, "Pay electricity bill") {
		t.Fatalf("notification body = %q", body)
	}

	got, err := f.store.Get(r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != model.StateNotified {
		t.Fatalf("state = %s, want notified", got.State)
	}
	if got.NotifiedAt == nil {
		t.Fatalf("notified_at not recorded")
	}

	reply := f.engine.HandleIntent(myopenai.ParsedIntent{Kind: myopenai.IntentAcknowledge})
	if !strings.Contains(reply, "completed") {
		t.Fatalf("acknowledge reply = %q", reply)
	}
	got, _ = f.store.Get(r.ID)
	if got.State != model.StateCompleted {
		t.Fatalf("state = %s, want completed", got.State)
	}
}

func TestNotifyAdvancesStateOnDeliveryFailure(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)
	f.messenger.fail = true

	r := f.mustCreate(t, createIntent("flaky transport", time.Now().UTC().Add(time.Hour)))
	f.engine.onNotify(r.ID)
	waitOn(t, f.messenger.ch)

	got, _ := f.store.Get(r.ID)
	if got.State != model.StateNotified {
		t.Fatalf("delivery failure must not block the lifecycle, state = %s", got.State)
	}
}

func TestFollowUpEscalatesWithCall(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)

	intent := createIntent("Call Mark", time.Now().UTC().Add(time.Hour))
	intent.FollowUpMinutes = ptr(10)
	intent.CallOnNoResponse = ptr(true)
	r := f.mustCreate(t, intent)

	f.engine.onNotify(r.ID)
	waitOn(t, f.messenger.ch)

	if got := f.pendingFor(r.ID, scheduler.KindFollowUp); got != 1 {
		t.Fatalf("expected a follow-up trigger after notify, got %d", got)
	}

	f.engine.onFollowUp(r.ID)
	title := waitOn(t, f.caller.ch)
	if title != "Call Mark" {
		t.Fatalf("call placed for %q", title)
	}

	got, _ := f.store.Get(r.ID)
	if got.State != model.StateAwaitingResponse {
		t.Fatalf("state = %s, want awaiting_response", got.State)
	}

	// Acknowledgment after escalation still completes the reminder.
	reply := f.engine.HandleIntent(myopenai.ParsedIntent{Kind: myopenai.IntentAcknowledge})
	if !strings.Contains(reply, "completed") {
		t.Fatalf("acknowledge reply = %q", reply)
	}
	got, _ = f.store.Get(r.ID)
	if got.State != model.StateCompleted {
		t.Fatalf("state = %s, want completed", got.State)
	}
}

func TestFollowUpWithoutCallFlagDoesNotCall(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)

	intent := createIntent("quiet one", time.Now().UTC().Add(time.Hour))
	intent.FollowUpMinutes = ptr(5)
	r := f.mustCreate(t, intent)

	f.engine.onNotify(r.ID)
	waitOn(t, f.messenger.ch)
	f.engine.onFollowUp(r.ID)

	assertNoDispatch(t, f.caller.ch)
	got, _ := f.store.Get(r.ID)
	if got.State != model.StateAwaitingResponse {
		t.Fatalf("state = %s, want awaiting_response", got.State)
	}
}

func TestGlobalOptOutSuppressesCalls(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)

	intent := createIntent("Call Mark", time.Now().UTC().Add(time.Hour))
	intent.FollowUpMinutes = ptr(10)
	intent.CallOnNoResponse = ptr(true)
	r := f.mustCreate(t, intent)

	reply := f.engine.HandleIntent(myopenai.ParsedIntent{Kind: myopenai.IntentOptOutCalls})
	if !strings.Contains(reply, "calls disabled") {
		t.Fatalf("opt-out reply = %q", reply)
	}

	f.engine.onNotify(r.ID)
	waitOn(t, f.messenger.ch)
	f.engine.onFollowUp(r.ID)
	assertNoDispatch(t, f.caller.ch)

	// The per-reminder flag is untouched by the global opt-out.
	got, _ := f.store.Get(r.ID)
	if !got.CallOnNoResponse {
		t.Fatalf("opt-out mutated the stored per-reminder flag")
	}

	// Opt back in and a later follow-up escalates again.
	f.engine.HandleIntent(myopenai.ParsedIntent{Kind: myopenai.IntentOptInCalls})
	if _, err := f.store.Update(r.ID, func(rem *model.Reminder) error {
		rem.State = model.StateNotified
		return nil
	}); err != nil {
		t.Fatalf("reset state: %v", err)
	}
	f.engine.onFollowUp(r.ID)
	waitOn(t, f.caller.ch)
}

func TestAcknowledgeBeforeFollowUpCancelsEscalation(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)

	intent := createIntent("Call Mark", time.Now().UTC().Add(time.Hour))
	intent.FollowUpMinutes = ptr(10)
	intent.CallOnNoResponse = ptr(true)
	r := f.mustCreate(t, intent)

	f.engine.onNotify(r.ID)
	waitOn(t, f.messenger.ch)

	f.engine.HandleIntent(myopenai.ParsedIntent{Kind: myopenai.IntentAcknowledge})
	if got := f.pendingFor(r.ID, ""); got != 0 {
		t.Fatalf("acknowledged reminder still has %d pending triggers", got)
	}

	// A follow-up callback that lost the race is a no-op.
	f.engine.onFollowUp(r.ID)
	assertNoDispatch(t, f.caller.ch)
	got, _ := f.store.Get(r.ID)
	if got.State != model.StateCompleted {
		t.Fatalf("state = %s, want completed", got.State)
	}
}

func TestPauseResumeLifecycle(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)

	r := f.mustCreate(t, createIntent("wifi renewal", time.Now().UTC().Add(time.Hour)))

	reply := f.engine.HandleIntent(myopenai.ParsedIntent{Kind: myopenai.IntentPauseReminder, Target: "wifi"})
	if !strings.Contains(reply, "Paused") {
		t.Fatalf("pause reply = %q", reply)
	}
	if got := f.pendingFor(r.ID, ""); got != 0 {
		t.Fatalf("paused reminder still has %d pending triggers", got)
	}
	got, _ := f.store.Get(r.ID)
	if got.State != model.StatePaused {
		t.Fatalf("state = %s, want paused", got.State)
	}

	reply = f.engine.HandleIntent(myopenai.ParsedIntent{Kind: myopenai.IntentResumeReminder, Target: "wifi"})
	if !strings.Contains(reply, "Resumed") {
		t.Fatalf("resume reply = %q", reply)
	}
	if got := f.pendingFor(r.ID, scheduler.KindNotify); got != 1 {
		t.Fatalf("resume should re-establish exactly one notify trigger, got %d", got)
	}
}

func TestResumeElapsedRequiresNewTime(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)

	r := f.mustCreate(t, createIntent("stale", time.Now().UTC().Add(time.Hour)))
	f.engine.HandleIntent(myopenai.ParsedIntent{Kind: myopenai.IntentPauseReminder, Target: "stale"})

	past := time.Now().UTC().Add(-time.Hour)
	if _, err := f.store.Update(r.ID, func(rem *model.Reminder) error {
		rem.DueAt = past
		return nil
	}); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	reply := f.engine.HandleIntent(myopenai.ParsedIntent{Kind: myopenai.IntentResumeReminder, Target: "stale"})
	if !strings.Contains(reply, "update the time") {
		t.Fatalf("expected validation reply, got %q", reply)
	}
	got, _ := f.store.Get(r.ID)
	if got.State != model.StatePaused {
		t.Fatalf("failed resume mutated state to %s", got.State)
	}
}

func TestDeleteCancelsAndExcludesFromList(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)

	r := f.mustCreate(t, createIntent("doomed", time.Now().UTC().Add(time.Hour)))
	f.engine.HandleIntent(myopenai.ParsedIntent{Kind: myopenai.IntentPauseReminder, Target: "doomed"})

	reply := f.engine.HandleIntent(myopenai.ParsedIntent{Kind: myopenai.IntentDeleteReminder, Target: "doomed"})
	if !strings.Contains(reply, "Deleted") {
		t.Fatalf("delete reply = %q", reply)
	}

	got, _ := f.store.Get(r.ID)
	if got.State != model.StateCancelled {
		t.Fatalf("state = %s, want cancelled", got.State)
	}
	active, _ := f.store.ListActive()
	if len(active) != 0 {
		t.Fatalf("cancelled reminder still listed")
	}

	// Terminal states reject further commands without mutation.
	reply = f.engine.HandleIntent(myopenai.ParsedIntent{Kind: myopenai.IntentDeleteReminder, Target: "doomed"})
	if !strings.Contains(reply, "couldn't find") {
		t.Fatalf("expected not-found for cancelled target, got %q", reply)
	}
}

func TestAmbiguousTargetLeavesBothUntouched(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)

	a := f.mustCreate(t, createIntent("wifi renewal", time.Now().UTC().Add(time.Hour)))
	b := f.mustCreate(t, createIntent("wifi bill payment", time.Now().UTC().Add(2*time.Hour)))

	reply := f.engine.HandleIntent(myopenai.ParsedIntent{Kind: myopenai.IntentPauseReminder, Target: "wifi"})
	if !strings.Contains(reply, "more than one") {
		t.Fatalf("expected ambiguity reply, got %q", reply)
	}

	for _, id := range []string{a.ID, b.ID} {
		got, _ := f.store.Get(id)
		if got.State != model.StateScheduled {
			t.Fatalf("ambiguous command mutated %s to %s", got.Title, got.State)
		}
	}
}

func TestUpdateMovesNotifyTrigger(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)

	r := f.mustCreate(t, createIntent("movable", time.Now().UTC().Add(time.Hour)))

	newDue := time.Now().UTC().Add(3 * time.Hour)
	reply := f.engine.HandleIntent(myopenai.ParsedIntent{
		Kind:   myopenai.IntentUpdateReminder,
		Target: "movable",
		DueAt:  &newDue,
	})
	if !strings.Contains(reply, "Updated") {
		t.Fatalf("update reply = %q", reply)
	}

	pending := f.sched.PendingTriggers()
	if len(pending) != 1 || pending[0].ReminderID != r.ID {
		t.Fatalf("expected one pending notify trigger, got %v", pending)
	}
	if !pending[0].FireAt.Equal(newDue) {
		t.Fatalf("trigger not moved: fire_at %s, want %s", pending[0].FireAt, newDue)
	}
}

func TestRestoreTriggersFromStorage(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)

	due := time.Now().UTC().Add(time.Hour)
	scheduled := f.mustCreate(t, createIntent("upcoming", due))

	intent := createIntent("awaiting follow-up", time.Now().UTC().Add(2*time.Hour))
	intent.FollowUpMinutes = ptr(10)
	notified := f.mustCreate(t, intent)
	followUpAt := time.Now().UTC().Add(30 * time.Minute)
	if _, err := f.store.Update(notified.ID, func(r *model.Reminder) error {
		r.State = model.StateNotified
		r.FollowUpAt = &followUpAt
		return nil
	}); err != nil {
		t.Fatalf("seed notified state: %v", err)
	}

	// Simulate a restart: wipe the in-memory trigger set and rebuild.
	f.sched.CancelAll(scheduled.ID)
	f.sched.CancelAll(notified.ID)
	if err := f.engine.RestoreTriggers(); err != nil {
		t.Fatalf("restore triggers: %v", err)
	}

	if got := f.pendingFor(scheduled.ID, scheduler.KindNotify); got != 1 {
		t.Fatalf("scheduled reminder restored %d notify triggers", got)
	}
	if got := f.pendingFor(notified.ID, scheduler.KindFollowUp); got != 1 {
		t.Fatalf("notified reminder restored %d follow-up triggers", got)
	}
	if got := f.pendingFor(notified.ID, scheduler.KindNotify); got != 0 {
		t.Fatalf("notified reminder must not get a fresh notify trigger")
	}
}

func TestKeyedMutexEvictsReleasedKeys(t *testing.T) {
	t.Parallel()
	km := NewKeyedMutex()

	const workers = 8
	var wg sync.WaitGroup
	n := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("reminder-1")
			defer unlock()
			n++
		}()
	}
	wg.Wait()

	if n != workers {
		t.Fatalf("increments lost under the key lock: %d of %d", n, workers)
	}
	if got := km.Len(); got != 0 {
		t.Fatalf("%d keys retained after all holders released", got)
	}
}

func TestReminderLocksReleasedAfterLifecycle(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)

	r := f.mustCreate(t, createIntent("short lived", time.Now().UTC().Add(time.Hour)))
	f.engine.onNotify(r.ID)
	waitOn(t, f.messenger.ch)
	f.engine.HandleIntent(myopenai.ParsedIntent{Kind: myopenai.IntentAcknowledge})

	// The notification sender records the delivery SID asynchronously, so
	// give it a moment to release its lock.
	deadline := time.Now().Add(2 * time.Second)
	for f.engine.locks.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("%d reminder locks retained after the lifecycle finished", f.engine.locks.Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestListReply(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)

	reply := f.engine.HandleIntent(myopenai.ParsedIntent{Kind: myopenai.IntentListReminders})
	if !strings.Contains(reply, "don't have any") {
		t.Fatalf("empty list reply = %q", reply)
	}

	f.mustCreate(t, createIntent("task one", time.Now().UTC().Add(time.Hour)))
	f.mustCreate(t, createIntent("task two", time.Now().UTC().Add(2*time.Hour)))

	reply = f.engine.HandleIntent(myopenai.ParsedIntent{Kind: myopenai.IntentListReminders})
	for _, want := range []string{"Your Reminders", "task one", "task two"} {
		if !strings.Contains(reply, want) {
			t.Fatalf("list reply missing %q: %q", want, reply)
		}
	}
}
