package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dealdrip/catalog"
	"dealdrip/content"
	"dealdrip/email"
	"dealdrip/ledger"
	"dealdrip/pkg/deal"
	"dealdrip/settings"
	"dealdrip/storage"
	"dealdrip/timer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSource struct {
	err      error
	products []deal.Product
	opts     catalog.FetchOptions
}

func (f *fakeSource) FetchAll(_ context.Context, opts catalog.FetchOptions) ([]deal.Product, error) {
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	return f.products, nil
}

type recorder struct {
	stats []*deal.ReconcileStats
}

func (r *recorder) RecordReconcile(s *deal.ReconcileStats) { r.stats = append(r.stats, s) }

type harness struct {
	rec     *Reconciler
	source  *fakeSource
	content *content.Store
	store   *storage.Store
	timers  *timer.Service
	status  *recorder
	mail    *email.MockProvider
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := testLogger()
	store := storage.New(nil, "", t.TempDir(), logger)
	cs, err := content.Open(filepath.Join(t.TempDir(), "content.db"), logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = cs.Close() })

	h := &harness{
		source:  &fakeSource{},
		content: cs,
		store:   store,
		timers:  timer.New(store, logger),
		status:  &recorder{},
		mail:    email.NewMockProvider(logger),
	}
	h.rec = New(&Config{
		Source:   h.source,
		Content:  cs,
		Ledger:   ledger.New(store, logger),
		Backend:  store,
		Settings: settings.New(store, logger),
		Timers:   h.timers,
		Locker:   store,
		Status:   h.status,
		Mailer:   email.New(h.mail, logger, "", "ops@example.com", time.UTC),
		Logger:   logger,
		Location: time.UTC,
	})
	return h
}

func product(id string, avail deal.Availability) deal.Product {
	return deal.Product{
		ID:           id,
		Availability: avail,
		Price:        100,
		SalePrice:    60,
		AdvertiserID: "adv",
		TrackingLink: "https://track.example/" + id,
		Title:        "Deal " + id,
	}
}

func (h *harness) post(t *testing.T, p deal.Product, when time.Time, archived bool) string {
	t.Helper()
	ctx := context.Background()
	id, _, err := h.content.Create(ctx, &p, deal.Advertiser{}, deal.Schedule{Status: deal.StatusPublish, When: when})
	if err != nil {
		t.Fatal(err)
	}
	if archived {
		if err := h.content.Archive(ctx, id, when); err != nil {
			t.Fatal(err)
		}
	}
	return id
}

func TestRunArchivesAndReactivates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	earlier := time.Date(2025, 3, 9, 10, 0, 0, 0, time.UTC)
	runAt := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	h.rec.now = func() time.Time { return runAt }

	kept := h.post(t, product("kept", deal.InStock), earlier, false)
	gone := h.post(t, product("gone", deal.InStock), earlier, false)
	sold := h.post(t, product("sold", deal.InStock), earlier, false)
	back := h.post(t, product("back", deal.InStock), earlier, true)
	still := h.post(t, product("still", deal.InStock), earlier, true)

	h.source.products = []deal.Product{
		product("kept", deal.InStock),
		product("sold", "out_of_stock"),
		product("back", deal.InStock),
		product("still", "out_of_stock"),
		product("new", deal.InStock),
	}

	stats, err := h.rec.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !h.source.opts.ForceRefresh {
		t.Error("Run() did not bypass the catalog cache")
	}

	want := deal.ReconcileStats{RunAt: runAt, TotalFetched: 5, Eligible: 1, Archived: 2, Reactivated: 1, ArchiveTotal: 3}
	if *stats != want {
		t.Errorf("stats = %+v, want %+v", *stats, want)
	}

	for id, wantArchived := range map[string]bool{kept: false, gone: true, sold: true, back: false, still: true} {
		p, err := h.content.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if p.Archived != wantArchived {
			t.Errorf("post %s (%s) archived = %v, want %v", id, p.ProductID, p.Archived, wantArchived)
		}
	}

	p, err := h.content.Get(ctx, back)
	if err != nil {
		t.Fatal(err)
	}
	if !p.PublishAt.Equal(runAt) {
		t.Errorf("reactivated PublishAt = %v, want %v", p.PublishAt, runAt)
	}

	persisted, err := LoadStats(ctx, h.store)
	if err != nil || persisted == nil || persisted.Archived != 2 {
		t.Errorf("LoadStats() = %+v, %v", persisted, err)
	}
	if len(h.status.stats) != 1 {
		t.Errorf("status recorded %d times, want 1", len(h.status.stats))
	}
	if sent := h.mail.Sent(); len(sent) != 1 {
		t.Errorf("digests sent = %d, want 1", len(sent))
	}
	next, ok := h.timers.NextFireTime(TimerName)
	if !ok || !next.Equal(time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC)) {
		t.Errorf("reconcile timer = %v, %v; want 13:00", next, ok)
	}
}

// A returning product is reactivated once, stamped with the run time.
func TestReactivateOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	runAt := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	h.rec.now = func() time.Time { return runAt }

	id := h.post(t, product("p", deal.InStock), runAt.Add(-48*time.Hour), true)
	h.source.products = []deal.Product{product("p", deal.InStock)}

	first, err := h.rec.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	h.rec.now = func() time.Time { return runAt.Add(time.Hour) }
	second, err := h.rec.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if first.Reactivated != 1 || second.Reactivated != 0 {
		t.Errorf("reactivated = %d then %d, want 1 then 0", first.Reactivated, second.Reactivated)
	}
	p, err := h.content.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !p.PublishAt.Equal(runAt) {
		t.Errorf("PublishAt = %v, want first run time %v", p.PublishAt, runAt)
	}
	if sent := h.mail.Sent(); len(sent) != 1 {
		t.Errorf("digests sent = %d, want only the run that changed something", len(sent))
	}
}

func TestFetchFailureHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.post(t, product("p", deal.InStock), time.Date(2025, 3, 9, 10, 0, 0, 0, time.UTC), false)
	h.source.err = errors.New("connection reset")

	stats, err := h.rec.Run(ctx)
	if !deal.IsFetchError(err) {
		t.Fatalf("Run() error = %v, want FetchError", err)
	}
	if stats != nil {
		t.Errorf("stats = %+v, want nil", stats)
	}

	p, err := h.content.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if p.Archived {
		t.Error("post archived after a failed fetch")
	}
	if s, _ := LoadStats(ctx, h.store); s != nil {
		t.Errorf("stats persisted after a failed fetch: %+v", s)
	}
	if _, ok := h.timers.NextFireTime(TimerName); ok {
		t.Error("reconciler re-armed after a failed fetch")
	}
	if len(h.status.stats) != 0 {
		t.Error("status updated after a failed fetch")
	}
}

func TestRunSkipsWhenLocked(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	unlock, ok, err := h.store.Lock(ctx, lockName, time.Minute)
	if err != nil || !ok {
		t.Fatalf("Lock() = %v, %v", ok, err)
	}
	defer unlock()

	if _, err := h.rec.Run(ctx); !errors.Is(err, deal.ErrRaceSkip) {
		t.Errorf("Run() error = %v, want ErrRaceSkip", err)
	}
}

func TestRearmFollowsInterval(t *testing.T) {
	tests := []struct {
		interval deal.CheckInterval
		want     time.Time
		every    time.Duration
	}{
		{deal.Hourly, time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC), time.Hour},
		{deal.TwiceDaily, time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC), 12 * time.Hour},
		{deal.Daily, time.Date(2025, 3, 11, 6, 0, 0, 0, time.UTC), 24 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(string(tt.interval), func(t *testing.T) {
			h := newHarness(t)
			h.rec.now = func() time.Time { return time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC) }
			h.rec.Rearm(context.Background(), tt.interval)

			var got timer.Timer
			for _, tm := range h.timers.Timers() {
				if tm.Name == TimerName {
					got = tm
				}
			}
			if !got.Next.Equal(tt.want) || got.Every != tt.every {
				t.Errorf("timer = %+v, want next %v every %v", got, tt.want, tt.every)
			}
		})
	}
}
