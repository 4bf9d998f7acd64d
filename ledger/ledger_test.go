package ledger

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"dealdrip/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newLedger(t *testing.T) (*Ledger, *storage.Store) {
	t.Helper()
	store := storage.New(nil, "", t.TempDir(), testLogger())
	l := New(store, testLogger())
	if err := l.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return l, store
}

func TestAddIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	added, err := l.Add(ctx, "fp1")
	if err != nil || !added {
		t.Fatalf("first Add() = %v, %v; want true", added, err)
	}
	added, err = l.Add(ctx, "fp1")
	if err != nil || added {
		t.Fatalf("second Add() = %v, %v; want false", added, err)
	}
	if l.Len() != 1 {
		t.Errorf("Len() = %d, want 1", l.Len())
	}
	if !l.Contains("fp1") || l.Contains("fp2") {
		t.Error("Contains() mismatch")
	}
}

func TestConcurrentAddsRecordOnce(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			added, err := l.Add(ctx, "same")
			if err != nil {
				t.Errorf("Add() error = %v", err)
				return
			}
			if added {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("fingerprint added %d times, want 1", wins)
	}
	if l.Len() != 1 {
		t.Errorf("Len() = %d, want 1", l.Len())
	}
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()
	l, store := newLedger(t)

	for _, fp := range []string{"a", "b", "c"} {
		if _, err := l.Add(ctx, fp); err != nil {
			t.Fatalf("Add(%q) error = %v", fp, err)
		}
	}
	if _, err := l.Remove(ctx, "b"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	reloaded := New(store, testLogger())
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if reloaded.Len() != 2 || !reloaded.Contains("a") || reloaded.Contains("b") || !reloaded.Contains("c") {
		t.Errorf("reloaded ledger has %d entries, want a and c", reloaded.Len())
	}
}

type fakeVerifier struct {
	live   map[string]bool
	failOn string
}

func (v fakeVerifier) FingerprintLive(_ context.Context, fp string) (bool, error) {
	if fp == v.failOn {
		return false, errors.New("query failed")
	}
	return v.live[fp], nil
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	for _, fp := range []string{"live", "deleted", "flaky"} {
		if _, err := l.Add(ctx, fp); err != nil {
			t.Fatalf("Add(%q) error = %v", fp, err)
		}
	}

	removed, err := l.Reconcile(ctx, fakeVerifier{live: map[string]bool{"live": true}, failOn: "flaky"})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("Reconcile() removed %d, want 1", removed)
	}
	if l.Contains("deleted") {
		t.Error("deleted content's fingerprint was kept")
	}
	if !l.Contains("flaky") {
		t.Error("fingerprint with failed verification was evicted")
	}
	if !l.Contains("live") {
		t.Error("live fingerprint was evicted")
	}
	if l.Len() != 2 {
		t.Errorf("Len() = %d, want 2", l.Len())
	}
}
