// Package reconcile keeps published deals in step with catalog availability.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dealdrip/catalog"
	"dealdrip/eligibility"
	"dealdrip/email"
	"dealdrip/pkg/deal"
	"dealdrip/schedule"
	"dealdrip/storage"
)

// TimerName is the recurring reconciler timer.
const TimerName = "reconcile"

// StatsKey is where the last run's stats are persisted.
const StatsKey = "reconcile-stats.json"

const (
	lockName       = "reconcile"
	defaultLockTTL = 10 * time.Minute
)

// Source fetches the catalog.
type Source interface {
	FetchAll(ctx context.Context, opts catalog.FetchOptions) ([]deal.Product, error)
}

// ContentStore is the subset of the post store the reconciler uses.
type ContentStore interface {
	Exists(ctx context.Context, trackingLink string) (string, bool, error)
	ListByArchived(ctx context.Context, archived bool) ([]deal.Post, error)
	Archive(ctx context.Context, id string, now time.Time) error
	Reactivate(ctx context.Context, id string, now time.Time) error
	CountArchived(ctx context.Context) (int, error)
	PublishedBetween(ctx context.Context, start, end time.Time) ([]deal.Post, error)
}

// Backend persists JSON objects.
type Backend interface {
	Get(ctx context.Context, key string, v any) error
	Put(ctx context.Context, key string, v any) error
}

// Settings loads the runtime knobs.
type Settings interface {
	Load(ctx context.Context) (deal.Settings, error)
}

// Timers arms recurring timers.
type Timers interface {
	ScheduleRecurringFrom(ctx context.Context, name string, first time.Time, every time.Duration) error
}

// Locker hands out advisory locks.
type Locker interface {
	Lock(ctx context.Context, name string, ttl time.Duration) (unlock func(), ok bool, err error)
}

// Recorder receives the stats of each successful run.
type Recorder interface {
	RecordReconcile(stats *deal.ReconcileStats)
}

// Mailer sends the digest.
type Mailer interface {
	SendDigest(ctx context.Context, d *email.Digest) error
}

// Config holds the reconciler's collaborators.
type Config struct {
	Source   Source
	Content  ContentStore
	Ledger   eligibility.Ledger
	Backend  Backend
	Settings Settings
	Timers   Timers
	Locker   Locker   // optional
	Status   Recorder // optional
	Mailer   Mailer   // optional
	Logger   *slog.Logger
	Location *time.Location
}

// Reconciler archives delisted or out-of-stock deals and brings back the ones
// that returned.
type Reconciler struct {
	cfg Config
	now func() time.Time
}

// New creates a reconciler.
func New(cfg *Config) *Reconciler {
	c := *cfg
	if c.Location == nil {
		c.Location = time.UTC
	}
	return &Reconciler{cfg: c, now: time.Now}
}

// Run performs one reconciliation. A fetch failure returns a *deal.FetchError
// before anything is changed. A concurrent run returns deal.ErrRaceSkip.
func (r *Reconciler) Run(ctx context.Context) (*deal.ReconcileStats, error) {
	log := r.cfg.Logger

	if r.cfg.Locker != nil {
		unlock, ok, err := r.cfg.Locker.Lock(ctx, lockName, defaultLockTTL)
		switch {
		case err != nil:
			log.Warn("Reconcile lock unavailable, continuing without it", "error", err)
		case !ok:
			log.Info("Reconciliation already running elsewhere, skipping")
			return nil, deal.ErrRaceSkip
		default:
			defer unlock()
		}
	}

	st, err := r.cfg.Settings.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	start := time.Now()
	products, err := r.cfg.Source.FetchAll(ctx, catalog.FetchOptions{ForceRefresh: true})
	if err != nil {
		if !deal.IsFetchError(err) {
			err = &deal.FetchError{Op: "catalog", Err: err}
		}
		log.Error("Catalog fetch failed, reconciliation aborted", "error", err)
		return nil, err
	}
	now := r.now()

	avail := make(map[string]deal.Availability, len(products))
	for i := range products {
		avail[products[i].ID] = products[i].Availability
	}

	stats := &deal.ReconcileStats{RunAt: now, TotalFetched: len(products)}
	digest := &email.Digest{}

	active, err := r.cfg.Content.ListByArchived(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("list active posts: %w", err)
	}
	for i := range active {
		p := &active[i]
		if a, ok := avail[p.ProductID]; ok && a == deal.InStock {
			continue
		}
		if r.apply(ctx, "archive", r.cfg.Content.Archive, p, now) {
			stats.Archived++
			digest.Archived = append(digest.Archived, *p)
		}
	}

	archived, err := r.cfg.Content.ListByArchived(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list archived posts: %w", err)
	}
	for i := range archived {
		p := &archived[i]
		if avail[p.ProductID] != deal.InStock {
			continue
		}
		if r.apply(ctx, "reactivate", r.cfg.Content.Reactivate, p, now) {
			p.PublishAt = now
			p.Archived = false
			stats.Reactivated++
			digest.Reactivated = append(digest.Reactivated, *p)
		}
	}

	stats.Eligible = r.countEligible(ctx, products, st.MinDiscountPercent)

	if n, err := r.cfg.Content.CountArchived(ctx); err != nil {
		log.Warn("Failed to count archived posts", "error", err)
	} else {
		stats.ArchiveTotal = n
	}

	if err := r.cfg.Backend.Put(ctx, StatsKey, stats); err != nil {
		log.Error("Failed to persist reconcile stats", "error", err)
	}
	if r.cfg.Status != nil {
		r.cfg.Status.RecordReconcile(stats)
	}

	log.Info("Reconciliation complete",
		"total_fetched", stats.TotalFetched,
		"eligible", stats.Eligible,
		"archived", stats.Archived,
		"reactivated", stats.Reactivated,
		"archive_total", stats.ArchiveTotal,
		"duration_ms", time.Since(start).Milliseconds())

	r.sendDigest(ctx, digest, stats, now)
	r.Rearm(ctx, st.CheckInterval)
	return stats, nil
}

// apply runs one archive or reactivate and reports whether it changed state.
func (r *Reconciler) apply(ctx context.Context, op string, fn func(context.Context, string, time.Time) error, p *deal.Post, now time.Time) bool {
	err := fn(ctx, p.ID, now)
	switch {
	case err == nil:
		r.cfg.Logger.Info("Post state changed", "op", op, "post_id", p.ID, "product_id", p.ProductID)
		return true
	case errors.Is(err, deal.ErrRaceSkip):
		return false
	default:
		r.cfg.Logger.Error("Failed to update post", "op", op, "post_id", p.ID, "error", err)
		return false
	}
}

func (r *Reconciler) countEligible(ctx context.Context, products []deal.Product, minDiscount int) int {
	exists := func(link string) bool {
		_, ok, err := r.cfg.Content.Exists(ctx, link)
		if err != nil {
			r.cfg.Logger.Warn("Existence check failed during reconcile", "error", err)
			return false
		}
		return ok
	}
	eligible, _ := eligibility.Filter(products, r.cfg.Ledger, exists)
	n := 0
	for i := range eligible {
		if eligibility.MeetsDiscount(&eligible[i], minDiscount) {
			n++
		}
	}
	return n
}

func (r *Reconciler) sendDigest(ctx context.Context, digest *email.Digest, stats *deal.ReconcileStats, now time.Time) {
	if r.cfg.Mailer == nil {
		return
	}
	sched := schedule.New(r.cfg.Location, deal.DefaultSettings(), schedule.Jitter{})
	published, err := r.cfg.Content.PublishedBetween(ctx, sched.DayStart(now), sched.DayEnd(now))
	if err != nil {
		r.cfg.Logger.Warn("Failed to list today's posts for digest", "error", err)
	}
	for i := range published {
		if !published[i].Archived && !published[i].PublishAt.After(now) {
			digest.Published = append(digest.Published, published[i])
		}
	}
	// Only runs that changed something are worth an email.
	if stats.Archived == 0 && stats.Reactivated == 0 {
		return
	}
	digest.Stats = *stats
	if err := r.cfg.Mailer.SendDigest(ctx, digest); err != nil {
		r.cfg.Logger.Warn("Failed to send digest", "error", err)
	}
}

// Rearm anchors the recurring timer on the next check time for interval.
func (r *Reconciler) Rearm(ctx context.Context, interval deal.CheckInterval) {
	sched := schedule.New(r.cfg.Location, deal.DefaultSettings(), schedule.Jitter{})
	next := sched.NextCheck(r.now(), interval)
	if err := r.cfg.Timers.ScheduleRecurringFrom(ctx, TimerName, next, interval.Duration()); err != nil {
		r.cfg.Logger.Error("Failed to re-arm reconciler", "error", err)
		return
	}
	r.cfg.Logger.Info("Reconciler re-armed", "next_run", next.Format(time.RFC3339), "check_interval", interval)
}

// LoadStats returns the last persisted stats, or nil when none exist.
func LoadStats(ctx context.Context, backend Backend) (*deal.ReconcileStats, error) {
	var stats deal.ReconcileStats
	if err := backend.Get(ctx, StatsKey, &stats); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load reconcile stats: %w", err)
	}
	return &stats, nil
}
