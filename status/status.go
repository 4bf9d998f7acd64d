// Package status assembles the read-mostly engine snapshot served on /status.
package status

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"dealdrip/pkg/deal"
	"dealdrip/schedule"
)

// TTL is how long a snapshot is served before it is rebuilt.
const TTL = 2 * time.Minute

const (
	lockName = "status-refresh"
	lockTTL  = 5 * time.Minute
)

// Timer names reported in the snapshot.
const (
	dripfeedTimer  = "dripfeed"
	reconcileTimer = "reconcile"
)

// Settings loads the runtime knobs.
type Settings interface {
	Load(ctx context.Context) (deal.Settings, error)
}

// ContentStore reports post counts.
type ContentStore interface {
	CountPublishedBetween(ctx context.Context, start, end time.Time) (int, error)
	CountArchived(ctx context.Context) (int, error)
}

// Sizer reports a collection size without blocking writers.
type Sizer interface {
	Size() int
}

// Counter reports a set size without blocking writers.
type Counter interface {
	Len() int
}

// Timers reports when a named timer fires next.
type Timers interface {
	NextFireTime(name string) (time.Time, bool)
}

// StatsLoader reads the last persisted reconcile stats.
type StatsLoader func(ctx context.Context) (*deal.ReconcileStats, error)

// Locker hands out advisory locks.
type Locker interface {
	Lock(ctx context.Context, name string, ttl time.Duration) (unlock func(), ok bool, err error)
}

// Snapshot is a point-in-time view of the engine.
type Snapshot struct {
	GeneratedAt       time.Time            `json:"generated_at"`
	NextDripfeed      *time.Time           `json:"next_dripfeed,omitempty"`
	NextReconcile     *time.Time           `json:"next_reconcile,omitempty"`
	LastReconcile     *deal.ReconcileStats `json:"last_reconcile,omitempty"`
	CheckInterval     deal.CheckInterval   `json:"check_interval"`
	PostsToday        int                  `json:"posts_today"`
	MaxPostsPerDay    int                  `json:"max_posts_per_day"`
	QueueSize         int                  `json:"queue_size"`
	LedgerSize        int                  `json:"ledger_size"`
	ArchiveTotal      int                  `json:"archive_total"`
	IntervalMinutes   int                  `json:"dripfeed_interval_minutes"`
	MinDiscount       int                  `json:"min_discount_percent"`
	AutomationEnabled bool                 `json:"automation_enabled"`
	Blackout          bool                 `json:"blackout"`
}

func (s *Snapshot) clone() *Snapshot {
	c := *s
	if s.NextDripfeed != nil {
		t := *s.NextDripfeed
		c.NextDripfeed = &t
	}
	if s.NextReconcile != nil {
		t := *s.NextReconcile
		c.NextReconcile = &t
	}
	if s.LastReconcile != nil {
		st := *s.LastReconcile
		c.LastReconcile = &st
	}
	return &c
}

// Config holds the aggregator's sources.
type Config struct {
	Settings Settings
	Content  ContentStore
	Queue    Sizer
	Ledger   Counter
	Timers   Timers
	Stats    StatsLoader // optional
	Locker   Locker      // optional
	Logger   *slog.Logger
	Location *time.Location
}

// Aggregator caches snapshots in an atomic pointer. Readers get copies and
// never hold a lock that writers need.
type Aggregator struct {
	cfg       Config
	now       func() time.Time
	cached    atomic.Pointer[Snapshot]
	lastStats atomic.Pointer[deal.ReconcileStats]
}

// New creates an aggregator.
func New(cfg *Config) *Aggregator {
	c := *cfg
	if c.Location == nil {
		c.Location = time.UTC
	}
	return &Aggregator{cfg: c, now: time.Now}
}

// Invalidate drops the cached snapshot.
func (a *Aggregator) Invalidate() {
	a.cached.Store(nil)
}

// RecordReconcile stores the latest reconcile stats and invalidates.
func (a *Aggregator) RecordReconcile(stats *deal.ReconcileStats) {
	st := *stats
	a.lastStats.Store(&st)
	a.Invalidate()
}

// Snapshot returns the cached snapshot while fresh, otherwise rebuilds it.
// When another process holds the refresh lock a stale snapshot is served.
func (a *Aggregator) Snapshot(ctx context.Context) (*Snapshot, error) {
	now := a.now()
	cached := a.cached.Load()
	if cached != nil && now.Sub(cached.GeneratedAt) < TTL {
		return cached.clone(), nil
	}

	if a.cfg.Locker != nil {
		unlock, ok, err := a.cfg.Locker.Lock(ctx, lockName, lockTTL)
		switch {
		case err != nil:
			a.cfg.Logger.Warn("Status lock unavailable, refreshing anyway", "error", err)
		case !ok && cached != nil:
			return cached.clone(), nil
		case ok:
			defer unlock()
		}
	}

	snap, err := a.build(ctx, now)
	if err != nil {
		if cached != nil {
			a.cfg.Logger.Warn("Status refresh failed, serving stale snapshot", "error", err)
			return cached.clone(), nil
		}
		return nil, err
	}
	a.cached.Store(snap)
	return snap.clone(), nil
}

func (a *Aggregator) build(ctx context.Context, now time.Time) (*Snapshot, error) {
	st, err := a.cfg.Settings.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	sched := schedule.New(a.cfg.Location, st, schedule.Jitter{})

	today, err := a.cfg.Content.CountPublishedBetween(ctx, sched.DayStart(now), sched.DayEnd(now))
	if err != nil {
		return nil, fmt.Errorf("count posts today: %w", err)
	}
	archived, err := a.cfg.Content.CountArchived(ctx)
	if err != nil {
		return nil, fmt.Errorf("count archived: %w", err)
	}

	snap := &Snapshot{
		GeneratedAt:       now,
		AutomationEnabled: st.AutomationEnabled,
		Blackout:          sched.InBlackout(now),
		PostsToday:        today,
		MaxPostsPerDay:    st.MaxPostsPerDay,
		IntervalMinutes:   st.DripfeedIntervalMinutes,
		MinDiscount:       st.MinDiscountPercent,
		CheckInterval:     st.CheckInterval,
		QueueSize:         a.cfg.Queue.Size(),
		LedgerSize:        a.cfg.Ledger.Len(),
		ArchiveTotal:      archived,
	}
	if t, ok := a.cfg.Timers.NextFireTime(dripfeedTimer); ok {
		snap.NextDripfeed = &t
	}
	if t, ok := a.cfg.Timers.NextFireTime(reconcileTimer); ok {
		snap.NextReconcile = &t
	}

	snap.LastReconcile = a.lastStats.Load()
	if snap.LastReconcile == nil && a.cfg.Stats != nil {
		stats, err := a.cfg.Stats(ctx)
		if err != nil {
			a.cfg.Logger.Warn("Failed to load reconcile stats", "error", err)
		} else if stats != nil {
			a.lastStats.CompareAndSwap(nil, stats)
			snap.LastReconcile = stats
		}
	}
	return snap, nil
}
