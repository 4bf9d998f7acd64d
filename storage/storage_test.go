package storage

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newLocalStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(nil, "", t.TempDir(), logger)
}

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	if err := s.Put(ctx, "state/queue.json", record{Name: "q", Count: 3}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	var got record
	if err := s.Get(ctx, "state/queue.json", &got); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "q" || got.Count != 3 {
		t.Errorf("Get() = %+v, want {q 3}", got)
	}

	if err := s.Delete(ctx, "state/queue.json"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Get(ctx, "state/queue.json", &got); !IsNotFound(err) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}

	// Deleting twice is fine.
	if err := s.Delete(ctx, "state/queue.json"); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
}

func TestInvalidKeys(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	keys := []string{
		"",
		"../escape.json",
		"a/../../b.json",
		"/absolute.json",
		"Upper.json",
		"trailing/",
	}
	for _, key := range keys {
		t.Run(key, func(t *testing.T) {
			if err := s.Put(ctx, key, record{}); err == nil {
				t.Errorf("Put(%q) succeeded, want error", key)
			}
		})
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	for _, key := range []string{"locks/b.lock", "locks/a.lock", "queue.json"} {
		if err := s.Put(ctx, key, record{Name: key}); err != nil {
			t.Fatalf("Put(%q) error = %v", key, err)
		}
	}

	keys, err := s.List(ctx, "locks/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{"locks/a.lock", "locks/b.lock"}
	if len(keys) != len(want) {
		t.Fatalf("List() = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestLock(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	unlock, ok, err := s.Lock(ctx, "dripfeed", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first Lock() = %v, %v; want acquired", ok, err)
	}

	if _, ok, err := s.Lock(ctx, "dripfeed", time.Minute); err != nil || ok {
		t.Fatalf("second Lock() = %v, %v; want held", ok, err)
	}

	// Different names don't conflict.
	unlockOther, ok, err := s.Lock(ctx, "status-refresh", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Lock(status-refresh) = %v, %v; want acquired", ok, err)
	}
	unlockOther()

	unlock()
	unlock2, ok, err := s.Lock(ctx, "dripfeed", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Lock() after unlock = %v, %v; want acquired", ok, err)
	}
	unlock2()
}

func TestLockStaleIsStolen(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	unlockOld, ok, err := s.Lock(ctx, "dripfeed", time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("Lock() = %v, %v; want acquired", ok, err)
	}
	time.Sleep(5 * time.Millisecond)

	unlockNew, ok, err := s.Lock(ctx, "dripfeed", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Lock() on stale lock = %v, %v; want stolen", ok, err)
	}

	// The previous holder's release must not drop the new lock.
	unlockOld()
	if _, ok, _ := s.Lock(ctx, "dripfeed", time.Minute); ok {
		t.Error("old unlock released the new holder's lock")
	}
	unlockNew()
}

func TestLockCorruptRecordIsStolen(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	path := filepath.Join(s.localPath, "locks", "dripfeed.lock")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	unlock, ok, err := s.Lock(ctx, "dripfeed", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Lock() over corrupt record = %v, %v; want acquired", ok, err)
	}
	unlock()
}
