package store

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/afnanhaq/yaad/internal/model"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.ReplaceAll(t.Name(), "/", "_")
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared&_fk=1", name, time.Now().UnixNano())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite memory: %v", err)
	}
	if err := db.AutoMigrate(
		&model.Reminder{},
		&model.Settings{},
		&model.ProcessedMessage{},
		&model.ConversationMessage{},
	); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func seedReminder(t *testing.T, s *Store, title string, state model.State, due time.Time, createdAt time.Time) string {
	t.Helper()
	r := &model.Reminder{Title: title, State: state, DueAt: due}
	id, err := s.Create(r)
	if err != nil {
		t.Fatalf("seed reminder %q: %v", title, err)
	}
	if !createdAt.IsZero() {
		if err := s.db.Model(&model.Reminder{}).Where("id = ?", id).Update("created_at", createdAt).Error; err != nil {
			t.Fatalf("set created_at: %v", err)
		}
	}
	return id
}

func TestFindByTitleFragment(t *testing.T) {
	t.Parallel()
	s := New(newTestDB(t))

	now := time.Now().UTC()
	due := now.Add(time.Hour)
	seedReminder(t, s, "WiFi renewal", model.StateScheduled, due, now.Add(-2*time.Hour))
	seedReminder(t, s, "wifi bill payment", model.StatePaused, due, now.Add(-time.Hour))
	seedReminder(t, s, "Pay rent", model.StateScheduled, due, now)
	seedReminder(t, s, "wifi contract", model.StateCancelled, due, now)

	matches, err := s.FindByTitleFragment("WIFI")
	if err != nil {
		t.Fatalf("find by fragment: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	// Most recently created first; cancelled never matches.
	if matches[0].Title != "wifi bill payment" || matches[1].Title != "WiFi renewal" {
		t.Fatalf("unexpected order: %q, %q", matches[0].Title, matches[1].Title)
	}

	none, err := s.FindByTitleFragment("dentist")
	if err != nil {
		t.Fatalf("find by fragment: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no matches, got %d", len(none))
	}
}

func TestListActiveExcludesCancelled(t *testing.T) {
	t.Parallel()
	s := New(newTestDB(t))

	now := time.Now().UTC()
	seedReminder(t, s, "later", model.StateScheduled, now.Add(2*time.Hour), time.Time{})
	seedReminder(t, s, "sooner", model.StatePaused, now.Add(time.Hour), time.Time{})
	seedReminder(t, s, "gone", model.StateCancelled, now.Add(30*time.Minute), time.Time{})

	active, err := s.ListActive()
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active reminders, got %d", len(active))
	}
	if active[0].Title != "sooner" || active[1].Title != "later" {
		t.Fatalf("expected due-time ordering, got %q, %q", active[0].Title, active[1].Title)
	}
}

func TestUpdateIsAllOrNothing(t *testing.T) {
	t.Parallel()
	s := New(newTestDB(t))

	id := seedReminder(t, s, "original", model.StateScheduled, time.Now().UTC().Add(time.Hour), time.Time{})

	_, err := s.Update(id, func(r *model.Reminder) error {
		r.Title = "clobbered"
		return fmt.Errorf("mutation rejected")
	})
	if err == nil {
		t.Fatalf("expected mutation error")
	}

	got, err := s.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "original" {
		t.Fatalf("failed mutation leaked: title = %q", got.Title)
	}

	if _, err := s.Update("missing-id", func(*model.Reminder) error { return nil }); err == nil {
		t.Fatalf("expected error updating unknown id")
	}
}

func TestFindSimilar(t *testing.T) {
	t.Parallel()
	s := New(newTestDB(t))

	due := time.Now().UTC().Add(time.Hour)
	seedReminder(t, s, "Pay bill", model.StateScheduled, due, time.Time{})

	similar, err := s.FindSimilar("pay BILL", due.Add(2*time.Minute), 5*time.Minute)
	if err != nil {
		t.Fatalf("find similar: %v", err)
	}
	if similar == nil {
		t.Fatalf("expected a similar reminder within the window")
	}

	distant, err := s.FindSimilar("pay bill", due.Add(time.Hour), 5*time.Minute)
	if err != nil {
		t.Fatalf("find similar: %v", err)
	}
	if distant != nil {
		t.Fatalf("expected no similar reminder outside the window")
	}
}

func TestMostRecentlyNotified(t *testing.T) {
	t.Parallel()
	s := New(newTestDB(t))

	now := time.Now().UTC()
	earlier := now.Add(-time.Hour)

	firstID := seedReminder(t, s, "first", model.StateNotified, now, time.Time{})
	secondID := seedReminder(t, s, "second", model.StateNotified, now, time.Time{})
	if _, err := s.Update(firstID, func(r *model.Reminder) error {
		r.NotifiedAt = &earlier
		return nil
	}); err != nil {
		t.Fatalf("set notified_at: %v", err)
	}
	if _, err := s.Update(secondID, func(r *model.Reminder) error {
		r.NotifiedAt = &now
		return nil
	}); err != nil {
		t.Fatalf("set notified_at: %v", err)
	}

	got, err := s.MostRecentlyNotified()
	if err != nil {
		t.Fatalf("most recently notified: %v", err)
	}
	if got == nil || got.ID != secondID {
		t.Fatalf("expected latest notified reminder, got %+v", got)
	}
}

func TestSettingsDefaultsAndToggle(t *testing.T) {
	t.Parallel()
	s := New(newTestDB(t))

	settings, err := s.Settings()
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if !settings.CallsEnabled {
		t.Fatalf("calls should be enabled by default")
	}

	if err := s.SetCallsEnabled(false); err != nil {
		t.Fatalf("disable calls: %v", err)
	}
	settings, err = s.Settings()
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if settings.CallsEnabled {
		t.Fatalf("calls should be disabled after opt-out")
	}
}

func TestGuardAdmitAndReplay(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	g := NewGuard(db)

	admitted, _, err := g.Admit("SM123")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !admitted {
		t.Fatalf("first admit should succeed")
	}
	if err := g.RecordResponse("SM123", "done!"); err != nil {
		t.Fatalf("record response: %v", err)
	}

	for i := 0; i < 3; i++ {
		admitted, previous, err := g.Admit("SM123")
		if err != nil {
			t.Fatalf("duplicate admit: %v", err)
		}
		if admitted {
			t.Fatalf("duplicate admit %d should be rejected", i)
		}
		if previous != "done!" {
			t.Fatalf("expected replayed response, got %q", previous)
		}
	}

	admitted, _, err = g.Admit("SM456")
	if err != nil {
		t.Fatalf("admit distinct sid: %v", err)
	}
	if !admitted {
		t.Fatalf("distinct sid should be admitted")
	}
}

func TestConversationHistoryRoundTrip(t *testing.T) {
	t.Parallel()
	s := New(newTestDB(t))

	exchanges := [][2]string{
		{"remind me to pay rent", "Reminder created"},
		{"list my reminders", "Your Reminders"},
		{"done", "Marked as completed"},
	}
	for _, e := range exchanges {
		if err := s.SaveExchange(e[0], e[1]); err != nil {
			t.Fatalf("save exchange: %v", err)
		}
	}

	recent, err := s.RecentExchanges(2)
	if err != nil {
		t.Fatalf("recent exchanges: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 exchanges, got %d", len(recent))
	}
	// Chronological order, most recent two.
	if recent[0].UserMessage != "list my reminders" || recent[1].UserMessage != "done" {
		t.Fatalf("unexpected history order: %q, %q", recent[0].UserMessage, recent[1].UserMessage)
	}
}
