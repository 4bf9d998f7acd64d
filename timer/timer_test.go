package timer

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"dealdrip/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

var noon = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, *storage.Store) {
	t.Helper()
	store := storage.New(nil, "", t.TempDir(), testLogger())
	s := New(store, testLogger())
	s.now = func() time.Time { return noon }
	return s, store
}

func TestDue(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t)

	if err := s.ScheduleOnce(ctx, "dripfeed", noon.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := s.ScheduleRecurringFrom(ctx, "reconcile", noon.Add(30*time.Second), time.Hour); err != nil {
		t.Fatal(err)
	}

	if events := s.Due(ctx, noon); len(events) != 0 {
		t.Fatalf("Due() before anything is due = %v", events)
	}

	events := s.Due(ctx, noon.Add(time.Minute))
	if len(events) != 2 || events[0].Name != "reconcile" || events[1].Name != "dripfeed" {
		t.Fatalf("Due() = %v, want reconcile then dripfeed", events)
	}

	if _, ok := s.NextFireTime("dripfeed"); ok {
		t.Error("one-shot timer still armed after firing")
	}
	next, ok := s.NextFireTime("reconcile")
	if !ok || !next.Equal(noon.Add(time.Hour+30*time.Second)) {
		t.Errorf("NextFireTime(reconcile) = %v, %v", next, ok)
	}
}

func TestRecurringSkipsMissedPeriods(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t)

	if err := s.ScheduleRecurringFrom(ctx, "sweep", noon, time.Hour); err != nil {
		t.Fatal(err)
	}
	events := s.Due(ctx, noon.Add(5*time.Hour+time.Minute))
	if len(events) != 1 {
		t.Fatalf("Due() fired %d events, want 1", len(events))
	}
	next, _ := s.NextFireTime("sweep")
	if !next.Equal(noon.Add(6 * time.Hour)) {
		t.Errorf("NextFireTime() = %v, want %v", next, noon.Add(6*time.Hour))
	}
}

func TestClearAndPersistence(t *testing.T) {
	ctx := context.Background()
	s, store := newService(t)

	if err := s.ScheduleOnce(ctx, "a", noon.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := s.ScheduleRecurring(ctx, "b", 2*time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(ctx, "unknown"); err != nil {
		t.Errorf("Clear(unknown) error = %v", err)
	}

	reloaded := New(store, testLogger())
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, ok := reloaded.NextFireTime("a"); ok {
		t.Error("cleared timer survived reload")
	}
	next, ok := reloaded.NextFireTime("b")
	if !ok || !next.Equal(noon.Add(2*time.Hour)) {
		t.Errorf("reloaded NextFireTime(b) = %v, %v", next, ok)
	}
	if got := reloaded.Timers(); len(got) != 1 || got[0].Every != 2*time.Hour {
		t.Errorf("Timers() = %v", got)
	}
}

func TestScheduleRecurringRejectsZeroPeriod(t *testing.T) {
	s, _ := newService(t)
	if err := s.ScheduleRecurring(context.Background(), "bad", 0); err == nil {
		t.Error("ScheduleRecurring() with zero period succeeded")
	}
}

func TestRunDeliversEvents(t *testing.T) {
	store := storage.New(nil, "", t.TempDir(), testLogger())
	s := New(store, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := make(chan Event, 1)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, out) }()

	if err := s.ScheduleOnce(ctx, "dripfeed", time.Now().Add(20*time.Millisecond)); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-out:
		if ev.Name != "dripfeed" {
			t.Errorf("event = %+v, want dripfeed", ev)
		}
	case <-ctx.Done():
		t.Fatal("timer never fired")
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}
