package drip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"dealdrip/catalog"
	"dealdrip/content"
	"dealdrip/ledger"
	"dealdrip/pkg/deal"
	"dealdrip/queue"
	"dealdrip/schedule"
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
	calls    int
	mu       sync.Mutex
}

func (f *fakeSource) FetchAll(context.Context, catalog.FetchOptions) ([]deal.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]deal.Product(nil), f.products...), nil
}

func (f *fakeSource) Advertisers(context.Context, time.Duration) (map[string]deal.Advertiser, error) {
	return map[string]deal.Advertiser{"adv": {ID: "adv", DisplayName: "Shop"}}, nil
}

// memQueue is an in-memory FIFO with id de-duplication.
type memQueue struct {
	items []deal.Product
	mu    sync.Mutex
}

func (q *memQueue) Load(context.Context) error { return nil }

func (q *memQueue) Enqueue(_ context.Context, p deal.Product) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.ID == p.ID {
			return false, nil
		}
	}
	q.items = append(q.items, p)
	return true, nil
}

func (q *memQueue) Dequeue(context.Context) (deal.Product, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return deal.Product{}, false, nil
	}
	p := q.items[0]
	q.items = q.items[1:]
	return p, true, nil
}

func (q *memQueue) PushFront(_ context.Context, p deal.Product) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]deal.Product{p}, q.items...)
	return nil
}

func (q *memQueue) Discard(deal.Product) {}

func (q *memQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type countingAnnouncer struct {
	seen map[string]int
	mu   sync.Mutex
}

func (a *countingAnnouncer) Announce(_ context.Context, post *deal.Post) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen[post.ID]++
	return nil
}

type failingContent struct {
	*content.Store
}

func (failingContent) Create(context.Context, *deal.Product, deal.Advertiser, deal.Schedule) (string, bool, error) {
	return "", false, &deal.PersistError{Op: "create", Err: errors.New("disk full")}
}

type harness struct {
	driver    *Driver
	source    *fakeSource
	queue     *memQueue
	content   *content.Store
	ledger    *ledger.Ledger
	timers    *timer.Service
	settings  *settings.Store
	announcer *countingAnnouncer
	now       time.Time
}

func products(n int) []deal.Product {
	out := make([]deal.Product, n)
	for i := range out {
		out[i] = deal.Product{
			ID:           fmt.Sprintf("p%d", i),
			Availability: deal.InStock,
			Price:        100,
			SalePrice:    50,
			AdvertiserID: "adv",
			TrackingLink: fmt.Sprintf("https://track.example/p%d", i),
			Title:        fmt.Sprintf("Deal %d", i),
		}
	}
	return out
}

func newHarness(t *testing.T, st deal.Settings, catalogSize int) *harness {
	t.Helper()
	ctx := context.Background()
	logger := testLogger()
	store := storage.New(nil, "", t.TempDir(), logger)

	cs, err := content.Open(filepath.Join(t.TempDir(), "content.db"), logger)
	if err != nil {
		t.Fatalf("content.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })

	sets := settings.New(store, logger)
	if err := sets.Save(ctx, st); err != nil {
		t.Fatal(err)
	}

	h := &harness{
		source:    &fakeSource{products: products(catalogSize)},
		queue:     &memQueue{},
		content:   cs,
		ledger:    ledger.New(store, logger),
		timers:    timer.New(store, logger),
		settings:  sets,
		announcer: &countingAnnouncer{seen: make(map[string]int)},
	}
	h.driver = New(&Config{
		Source:    h.source,
		Content:   cs,
		Ledger:    h.ledger,
		Queue:     h.queue,
		Settings:  sets,
		Timers:    h.timers,
		Locker:    store,
		Announcer: h.announcer,
		Logger:    logger,
		Location:  time.UTC,
	})
	h.driver.now = func() time.Time { return h.now }
	return h
}

func enabled(maxPerDay, interval int) deal.Settings {
	st := deal.DefaultSettings()
	st.AutomationEnabled = true
	st.MaxPostsPerDay = maxPerDay
	st.DripfeedIntervalMinutes = interval
	return st
}

func day(d, hour, minute int) time.Time {
	return time.Date(2025, 3, d, hour, minute, 0, 0, time.UTC)
}

func (h *harness) slotsOn(t *testing.T, d int) []time.Time {
	t.Helper()
	slots, err := h.content.ScheduledBetween(context.Background(), day(d, 0, 0), day(d+1, 0, 0))
	if err != nil {
		t.Fatal(err)
	}
	return slots
}

// Three posts a day, five candidates, hourly spacing from 08:00.
func TestQuotaScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, enabled(3, 60), 5)

	wantWakes := []time.Time{day(10, 9, 0), day(10, 10, 0), day(11, 6, 0)}
	h.now = day(10, 8, 0)
	for i, want := range wantWakes {
		res := h.driver.Wake(ctx)
		if res.State != Rescheduled || res.Err != nil || res.PostID == "" {
			t.Fatalf("wake %d = %+v, want a publish", i, res)
		}
		if !res.NextWake.Equal(want) {
			t.Errorf("wake %d NextWake = %v, want %v", i, res.NextWake, want)
		}
		h.now = res.NextWake
	}

	// An extra wake later the same day finds the quota used up.
	h.now = day(10, 11, 0)
	res := h.driver.Wake(ctx)
	if res.Reason != "no_slot" || !res.NextWake.Equal(day(11, 6, 0)) {
		t.Errorf("wake after quota = %+v, want no_slot until 06:00 tomorrow", res)
	}

	slots := h.slotsOn(t, 10)
	want := []time.Time{day(10, 8, 0), day(10, 9, 0), day(10, 10, 0)}
	if len(slots) != len(want) {
		t.Fatalf("slots = %v, want %v", slots, want)
	}
	for i := range want {
		if !slots[i].Equal(want[i]) {
			t.Errorf("slot %d = %v, want %v", i, slots[i], want[i])
		}
	}
	if n := h.queue.size(); n != 2 {
		t.Errorf("queue size = %d, want 2 left over", n)
	}
	if h.ledger.Len() != 3 {
		t.Errorf("ledger size = %d, want 3", h.ledger.Len())
	}
	if next, ok := h.timers.NextFireTime(TimerName); !ok || !next.Equal(day(11, 6, 0)) {
		t.Errorf("dripfeed timer = %v, %v; want 06:00 tomorrow", next, ok)
	}
}

func TestBlackoutGates(t *testing.T) {
	h := newHarness(t, enabled(10, 60), 5)
	h.now = day(10, 2, 0)

	res := h.driver.Wake(context.Background())
	if res.State != Gated || res.Reason != "blackout" {
		t.Fatalf("Wake() = %+v, want gated by blackout", res)
	}
	if !res.NextWake.Equal(day(10, 6, 0)) {
		t.Errorf("NextWake = %v, want 06:00 same day", res.NextWake)
	}
	if next, ok := h.timers.NextFireTime(TimerName); !ok || !next.Equal(day(10, 6, 0)) {
		t.Errorf("dripfeed timer = %v, %v", next, ok)
	}
	if h.source.calls != 0 {
		t.Errorf("source fetched %d times during blackout", h.source.calls)
	}
}

func TestDisabledGatesWithoutRearm(t *testing.T) {
	st := enabled(10, 60)
	st.AutomationEnabled = false
	h := newHarness(t, st, 5)
	h.now = day(10, 12, 0)

	res := h.driver.Wake(context.Background())
	if res.State != Gated || res.Reason != "disabled" {
		t.Fatalf("Wake() = %+v, want gated by disabled automation", res)
	}
	if _, ok := h.timers.NextFireTime(TimerName); ok {
		t.Error("disabled driver re-armed its timer")
	}
}

func TestSkipsAlreadyPublished(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, enabled(10, 60), 2)
	h.now = day(10, 12, 0)

	first := h.source.products[0]
	existing, _, err := h.content.Create(ctx, &first, deal.Advertiser{}, deal.Schedule{Status: deal.StatusPublish, When: day(9, 12, 0)})
	if err != nil {
		t.Fatal(err)
	}
	// The stale queue still holds the published product.
	if _, err := h.queue.Enqueue(ctx, first); err != nil {
		t.Fatal(err)
	}

	res := h.driver.Wake(ctx)
	if res.Err != nil || res.ProductID != "p1" {
		t.Fatalf("Wake() = %+v, want p1 published", res)
	}
	if res.PostID == existing {
		t.Error("Wake() reused the existing post")
	}
	if !h.ledger.Contains(first.Fingerprint()) {
		t.Error("existing product's fingerprint was not recorded")
	}
	if got := h.announcer.seen[res.PostID]; got != 1 {
		t.Errorf("post announced %d times, want 1", got)
	}
}

// A post reactivated today uses up part of today's quota.
func TestReactivationCountsTowardQuota(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, enabled(2, 60), 5)

	old := deal.Product{ID: "old", Availability: deal.InStock, Price: 100, SalePrice: 50, TrackingLink: "https://track.example/old"}
	id, _, err := h.content.Create(ctx, &old, deal.Advertiser{}, deal.Schedule{Status: deal.StatusPublish, When: day(9, 12, 0)})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.content.Archive(ctx, id, day(9, 20, 0)); err != nil {
		t.Fatal(err)
	}
	if err := h.content.Reactivate(ctx, id, day(10, 7, 0)); err != nil {
		t.Fatal(err)
	}

	h.now = day(10, 8, 0)
	res := h.driver.Wake(ctx)
	if res.Reason != "published" {
		t.Fatalf("Wake() = %+v, want a publish", res)
	}
	if !res.NextWake.Equal(day(11, 6, 0)) {
		t.Errorf("NextWake = %v, want 06:00 tomorrow once the quota is used", res.NextWake)
	}

	h.now = day(10, 9, 0)
	if res := h.driver.Wake(ctx); res.Reason != "no_slot" {
		t.Errorf("second Wake() = %+v, want no_slot", res)
	}
	if n := len(h.slotsOn(t, 10)); n != 1 {
		t.Errorf("posts scheduled today = %d, want 1", n)
	}
}

// openingClock returns the current time and a zone in which it reads 06:00,
// so a real queue sees the opening minute.
func openingClock(t *testing.T) (time.Time, *time.Location) {
	t.Helper()
	now := time.Now()
	if sec := now.Second(); sec >= 55 {
		time.Sleep(time.Duration(60-sec) * time.Second)
		now = time.Now()
	}
	utc := now.UTC()
	sinceMidnight := utc.Sub(utc.Truncate(24 * time.Hour)).Truncate(time.Minute)
	offset := time.Duration(schedule.OpenHour)*time.Hour - sinceMidnight
	return now, time.FixedZone("opening", int(offset/time.Second))
}

func (h *harness) useRealQueue(t *testing.T, loc *time.Location) *queue.Queue {
	t.Helper()
	store := storage.New(nil, "", t.TempDir(), testLogger())
	q := queue.New(store, Gate(h.settings, loc), loc, testLogger())
	h.driver.cfg.Queue = q
	h.driver.cfg.Location = loc
	return q
}

func TestOpeningMinuteSkipsStaleHead(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, enabled(10, 60), 0)
	now, loc := openingClock(t)
	h.now = now
	q := h.useRealQueue(t, loc)

	ps := products(3)
	if _, _, err := h.content.Create(ctx, &ps[0], deal.Advertiser{}, deal.Schedule{Status: deal.StatusPublish, When: now.Add(-24 * time.Hour)}); err != nil {
		t.Fatal(err)
	}
	for _, p := range ps {
		if ok, err := q.Enqueue(ctx, p); !ok || err != nil {
			t.Fatalf("Enqueue(%s) = %v, %v", p.ID, ok, err)
		}
	}

	res := h.driver.Wake(ctx)
	if res.Reason != "published" || res.ProductID != "p1" {
		t.Fatalf("Wake() = %+v, want p1 published", res)
	}
	if res.State != Rescheduled {
		t.Errorf("State = %v, want rescheduled", res.State)
	}
	if next, ok := h.timers.NextFireTime(TimerName); !ok || !next.After(now) {
		t.Errorf("dripfeed timer = %v, %v; want armed in the future", next, ok)
	}
	if n := q.Size(); n != 1 {
		t.Errorf("queue size = %d, want 1", n)
	}
}

func TestSecondOpeningWakeIsIdle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, enabled(10, 60), 0)
	now, loc := openingClock(t)
	h.now = now
	q := h.useRealQueue(t, loc)
	for _, p := range products(3) {
		if _, err := q.Enqueue(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	first := h.driver.Wake(ctx)
	if first.Reason != "published" {
		t.Fatalf("first Wake() = %+v, want a publish", first)
	}

	tests := []struct {
		name      string
		clear     bool
		wantState State
		wantWake  time.Time
	}{
		{"chain already armed", false, Idle, first.NextWake},
		{"chain lost", true, Rescheduled, now.Add(minRearmDelay)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.clear {
				if err := h.timers.Clear(ctx, TimerName); err != nil {
					t.Fatal(err)
				}
			}
			res := h.driver.Wake(ctx)
			if res.Reason != "race_skip" || res.State != tt.wantState || res.Err != nil {
				t.Fatalf("Wake() = %+v, want race_skip in state %v", res, tt.wantState)
			}
			if !res.NextWake.Equal(tt.wantWake) {
				t.Errorf("NextWake = %v, want %v", res.NextWake, tt.wantWake)
			}
			if next, ok := h.timers.NextFireTime(TimerName); !ok || !next.Equal(tt.wantWake) {
				t.Errorf("dripfeed timer = %v, %v; want %v", next, ok, tt.wantWake)
			}
		})
	}
	if n := q.Size(); n != 2 {
		t.Errorf("queue size = %d, want 2", n)
	}
}

func TestFetchFailureRearms(t *testing.T) {
	h := newHarness(t, enabled(10, 60), 0)
	h.source.err = &deal.FetchError{Op: "products", Err: errors.New("timeout")}
	h.now = day(10, 12, 0)

	res := h.driver.Wake(context.Background())
	if !deal.IsFetchError(res.Err) {
		t.Fatalf("Wake() error = %v, want FetchError", res.Err)
	}
	if res.State != Rescheduled || !res.NextWake.Equal(day(10, 13, 0)) {
		t.Errorf("Wake() = %+v, want re-armed an interval later", res)
	}
	if len(h.slotsOn(t, 10)) != 0 {
		t.Error("posts were created after a fetch failure")
	}
}

func TestPersistFailureRequeues(t *testing.T) {
	h := newHarness(t, enabled(10, 60), 3)
	h.driver.cfg.Content = failingContent{h.content}
	h.now = day(10, 12, 0)

	res := h.driver.Wake(context.Background())
	if !deal.IsPersistError(res.Err) {
		t.Fatalf("Wake() error = %v, want PersistError", res.Err)
	}
	if res.State != Rescheduled {
		t.Errorf("State = %v, want rescheduled", res.State)
	}
	if h.queue.size() != 3 || h.queue.items[0].ID != "p0" {
		t.Errorf("queue = %v, want p0 back at the head", h.queue.items)
	}
	if h.ledger.Contains(h.source.products[0].Fingerprint()) {
		t.Error("fingerprint recorded for a failed publish")
	}
}

func TestEmptyCatalogWaitsForTomorrow(t *testing.T) {
	h := newHarness(t, enabled(10, 60), 0)
	h.now = day(10, 12, 0)

	res := h.driver.Wake(context.Background())
	if res.Reason != "empty" || !res.NextWake.Equal(day(11, 6, 0)) {
		t.Errorf("Wake() = %+v, want empty until 06:00 tomorrow", res)
	}
}

func TestOverlappingWakesPublishOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, enabled(10, 0), 1)
	h.now = day(10, 12, 0)

	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.driver.Wake(ctx)
		}()
	}
	wg.Wait()

	published := 0
	for _, r := range results {
		if r.Reason == "published" {
			published++
		}
	}
	if published != 1 {
		t.Errorf("results = %+v, want exactly one publish", results)
	}
	if n := len(h.slotsOn(t, 10)); n != 1 {
		t.Errorf("posts = %d, want 1", n)
	}
}

// Follow the chained timer across several days and check every invariant.
func TestSimulatedDays(t *testing.T) {
	ctx := context.Background()
	const maxPerDay, interval = 4, 90
	h := newHarness(t, enabled(maxPerDay, interval), 30)
	h.driver.cfg.Jitter = schedule.DefaultJitter
	h.now = day(10, 7, 13)

	for range 60 {
		res := h.driver.Wake(ctx)
		if res.NextWake.IsZero() {
			t.Fatalf("Wake() at %v left the timer unarmed: %+v", h.now, res)
		}
		if !res.NextWake.After(h.now) {
			t.Fatalf("Wake() at %v re-armed into the past: %v", h.now, res.NextWake)
		}
		h.now = res.NextWake
		if h.now.After(day(13, 0, 0)) {
			break
		}
	}

	total := 0
	for d := 10; d <= 12; d++ {
		slots := h.slotsOn(t, d)
		if len(slots) > maxPerDay {
			t.Errorf("day %d has %d posts, quota %d", d, len(slots), maxPerDay)
		}
		for i, s := range slots {
			if s.Hour() < schedule.OpenHour {
				t.Errorf("slot %v inside blackout", s)
			}
			if s.After(day(d, schedule.CloseHour, 0)) {
				t.Errorf("slot %v after close", s)
			}
			if i > 0 && s.Sub(slots[i-1]) < interval*time.Minute {
				t.Errorf("slots %v and %v closer than %d minutes", slots[i-1], s, interval)
			}
		}
		total += len(slots)
	}
	if total != 3*maxPerDay {
		t.Errorf("published %d posts over three days, want %d", total, 3*maxPerDay)
	}
	if h.ledger.Len() != total {
		t.Errorf("ledger has %d fingerprints for %d posts", h.ledger.Len(), total)
	}
	for id, n := range h.announcer.seen {
		if n != 1 {
			t.Errorf("post %s announced %d times", id, n)
		}
	}
}
