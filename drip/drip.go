// Package drip runs the dripfeed cycle: each wake-up publishes at most one
// queued product and re-arms the next wake-up.
package drip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dealdrip/catalog"
	"dealdrip/eligibility"
	"dealdrip/pkg/deal"
	"dealdrip/queue"
	"dealdrip/schedule"
)

// TimerName is the chained one-shot dripfeed timer.
const TimerName = "dripfeed"

const (
	lockName        = "dripfeed"
	defaultLockTTL  = 5 * time.Minute
	maxPickAttempts = 10
	advertiserTTL   = 24 * time.Hour
	minRearmDelay   = time.Minute
)

// Source fetches catalog products and advertisers.
type Source interface {
	FetchAll(ctx context.Context, opts catalog.FetchOptions) ([]deal.Product, error)
	Advertisers(ctx context.Context, maxAge time.Duration) (map[string]deal.Advertiser, error)
}

// ContentStore is the subset of the post store the driver uses.
type ContentStore interface {
	Exists(ctx context.Context, trackingLink string) (string, bool, error)
	Create(ctx context.Context, p *deal.Product, adv deal.Advertiser, sched deal.Schedule) (string, bool, error)
	Get(ctx context.Context, id string) (*deal.Post, error)
	ScheduledBetween(ctx context.Context, start, end time.Time) ([]time.Time, error)
	CountPublishedBetween(ctx context.Context, start, end time.Time) (int, error)
	PromoteDue(ctx context.Context, now time.Time) ([]deal.Post, error)
}

// Ledger records used fingerprints.
type Ledger interface {
	Load(ctx context.Context) error
	Contains(fingerprint string) bool
	Add(ctx context.Context, fingerprint string) (bool, error)
}

// Queue is the durable product FIFO.
type Queue interface {
	Load(ctx context.Context) error
	Enqueue(ctx context.Context, p deal.Product) (bool, error)
	Dequeue(ctx context.Context) (deal.Product, bool, error)
	PushFront(ctx context.Context, p deal.Product) error
	Discard(p deal.Product)
}

// Settings loads the runtime knobs.
type Settings interface {
	Load(ctx context.Context) (deal.Settings, error)
}

// Timers arms one-shot timers.
type Timers interface {
	ScheduleOnce(ctx context.Context, name string, when time.Time) error
	NextFireTime(name string) (time.Time, bool)
}

// Locker hands out advisory locks.
type Locker interface {
	Lock(ctx context.Context, name string, ttl time.Duration) (unlock func(), ok bool, err error)
}

// Announcer is told about posts that just went live.
type Announcer interface {
	Announce(ctx context.Context, post *deal.Post) error
}

// Invalidator drops cached status snapshots.
type Invalidator interface {
	Invalidate()
}

// State is where a wake-up ended.
type State int

const (
	Idle State = iota
	Gated
	Publishing
	Rescheduled
)

func (s State) String() string {
	switch s {
	case Gated:
		return "gated"
	case Publishing:
		return "publishing"
	case Rescheduled:
		return "rescheduled"
	default:
		return "idle"
	}
}

// Result describes one wake-up.
type Result struct {
	Slot      time.Time
	NextWake  time.Time
	Err       error
	Reason    string
	PostID    string
	ProductID string
	State     State
}

// Config holds the driver's collaborators and knobs.
type Config struct {
	Source    Source
	Content   ContentStore
	Ledger    Ledger
	Queue     Queue
	Settings  Settings
	Timers    Timers
	Locker    Locker
	Announcer Announcer   // optional
	Status    Invalidator // optional
	Logger    *slog.Logger
	Location  *time.Location
	Jitter    schedule.Jitter
	LockTTL   time.Duration
}

// Driver is the dripfeed state machine.
type Driver struct {
	cfg Config
	now func() time.Time
}

// New creates a driver.
func New(cfg *Config) *Driver {
	c := *cfg
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaultLockTTL
	}
	return &Driver{cfg: c, now: time.Now}
}

// Gate returns the queue gate: open while automation is enabled and outside
// the blackout.
func Gate(settings Settings, loc *time.Location) queue.Gate {
	return func(ctx context.Context, now time.Time) bool {
		st, err := settings.Load(ctx)
		if err != nil || !st.AutomationEnabled {
			return false
		}
		return !schedule.New(loc, st, schedule.Jitter{}).InBlackout(now)
	}
}

// Wake runs one cycle. It never returns an error: failures are logged, carried
// in Result.Err, and the timer is re-armed unless automation is disabled or a
// concurrent wake-up already armed it.
func (d *Driver) Wake(ctx context.Context) Result {
	log := d.cfg.Logger
	now := d.now()

	unlock, ok, err := d.cfg.Locker.Lock(ctx, lockName, d.cfg.LockTTL)
	switch {
	case err != nil:
		log.Warn("Dripfeed lock unavailable, continuing without it", "error", err)
	case !ok:
		log.Info("Dripfeed cycle already running elsewhere, skipping")
		return Result{State: Idle, Reason: "race_skip"}
	default:
		defer unlock()
	}

	st, err := d.cfg.Settings.Load(ctx)
	sched := schedule.New(d.cfg.Location, st, d.cfg.Jitter)
	if err != nil {
		log.Error("Failed to load settings, aborting cycle", "error", err)
		return d.rearm(ctx, sched, now, Result{State: Rescheduled, Reason: "config_error", Err: err})
	}

	if !st.AutomationEnabled {
		log.Info("Automation disabled, dripfeed gated")
		return Result{State: Gated, Reason: "disabled"}
	}
	if sched.InBlackout(now) {
		wake := sched.NextOpen(now)
		log.Info("Inside blackout window, dripfeed gated", "next_wake", wake)
		if err := d.cfg.Timers.ScheduleOnce(ctx, TimerName, wake); err != nil {
			log.Error("Failed to re-arm dripfeed", "error", err)
		}
		return Result{State: Gated, Reason: "blackout", NextWake: wake}
	}

	res := d.publish(ctx, sched, st, now)
	if res.Reason == "race_skip" {
		// The wake-up that took the opening slot re-armed the chain.
		if next, ok := d.cfg.Timers.NextFireTime(TimerName); ok && next.After(now) {
			log.Info("Opening slot taken by a concurrent wake-up", "next_wake", next)
			res.NextWake = next
			return res
		}
	}
	return d.rearm(ctx, sched, now, res)
}

// today returns the slots scheduled today, for spacing, and the number of
// posts whose publish time falls today, for the quota.
func (d *Driver) today(ctx context.Context, sched *schedule.Scheduler, now time.Time) ([]time.Time, int, error) {
	start, end := sched.DayStart(now), sched.DayEnd(now)
	scheduled, err := d.cfg.Content.ScheduledBetween(ctx, start, end)
	if err != nil {
		return nil, 0, fmt.Errorf("list scheduled posts: %w", err)
	}
	n, err := d.cfg.Content.CountPublishedBetween(ctx, start, end)
	if err != nil {
		return nil, 0, fmt.Errorf("count posts today: %w", err)
	}
	return scheduled, n, nil
}

func (d *Driver) publish(ctx context.Context, sched *schedule.Scheduler, st deal.Settings, now time.Time) Result {
	log := d.cfg.Logger
	res := Result{State: Publishing}

	d.promoteDue(ctx, now)

	if err := d.cfg.Ledger.Load(ctx); err != nil {
		log.Warn("Failed to refresh ledger, using cached copy", "error", err)
	}
	if err := d.cfg.Queue.Load(ctx); err != nil {
		log.Warn("Failed to refresh queue, using cached copy", "error", err)
	}

	scheduled, postsToday, err := d.today(ctx, sched, now)
	if err != nil {
		res.Err = err
		log.Error("Dripfeed cycle failed", "error", res.Err)
		return res
	}

	slot, ok := sched.NextSlot(now, scheduled, postsToday)
	if !ok {
		log.Info("No slot left today", "posts_today", postsToday, "max_posts_per_day", st.MaxPostsPerDay)
		res.Reason = "no_slot"
		return res
	}
	res.Slot = slot

	p, found, err := d.pick(ctx, st)
	if errors.Is(err, deal.ErrRaceSkip) {
		log.Info("Opening slot already taken this minute")
		return Result{State: Idle, Reason: "race_skip", Slot: slot}
	}
	if err != nil {
		res.Err = err
		log.Error("Failed to obtain a product", "error", err)
		return res
	}
	if !found {
		log.Info("Nothing to publish after refill")
		res.Reason = "empty"
		return res
	}
	res.ProductID = p.ID

	adv := deal.Advertiser{ID: p.AdvertiserID}
	if advs, err := d.cfg.Source.Advertisers(ctx, advertiserTTL); err != nil {
		log.Warn("Failed to load advertisers, publishing without metadata", "error", err)
	} else if a, ok := advs[p.AdvertiserID]; ok {
		adv = a
	}

	sch := deal.Schedule{Status: deal.StatusPublish, When: slot}
	if slot.After(now) {
		sch.Status = deal.StatusFuture
	} else {
		sch.When = now
	}

	id, created, err := d.cfg.Content.Create(ctx, &p, adv, sch)
	if err != nil {
		res.Err = err
		log.Error("Failed to create post, returning product to queue", "product_id", p.ID, "error", err)
		if perr := d.cfg.Queue.PushFront(ctx, p); perr != nil {
			log.Error("Failed to requeue product", "product_id", p.ID, "error", perr)
		}
		return res
	}
	res.PostID = id

	// Only after the create succeeded.
	if _, err := d.cfg.Ledger.Add(ctx, p.Fingerprint()); err != nil {
		log.Error("Failed to record fingerprint", "product_id", p.ID, "error", err)
	}
	if d.cfg.Status != nil {
		d.cfg.Status.Invalidate()
	}

	if !created {
		log.Info("Product was already published by a concurrent cycle", "product_id", p.ID, "post_id", id)
		res.Reason = "already_published"
		return res
	}
	res.Reason = "published"

	log.Info("Product scheduled",
		"product_id", p.ID,
		"post_id", id,
		"status", sch.Status,
		"slot", slot.Format(time.RFC3339))

	if sch.Status == deal.StatusPublish {
		d.announce(ctx, id)
	}
	return res
}

// pick dequeues the next publishable product, refilling once from the source
// when the queue runs dry.
func (d *Driver) pick(ctx context.Context, st deal.Settings) (deal.Product, bool, error) {
	log := d.cfg.Logger
	refilled := false

	for range maxPickAttempts {
		p, ok, err := d.cfg.Queue.Dequeue(ctx)
		if err != nil {
			return deal.Product{}, false, err
		}
		if !ok {
			if refilled {
				return deal.Product{}, false, nil
			}
			if _, err := d.Refill(ctx, st); err != nil {
				return deal.Product{}, false, err
			}
			refilled = true
			continue
		}

		fp := p.Fingerprint()
		if d.cfg.Ledger.Contains(fp) {
			log.Info("Dropping queued product with used fingerprint", "product_id", p.ID)
			d.cfg.Queue.Discard(p)
			continue
		}
		id, exists, err := d.cfg.Content.Exists(ctx, p.TrackingLink)
		if err != nil {
			if perr := d.cfg.Queue.PushFront(ctx, p); perr != nil {
				log.Error("Failed to requeue product", "product_id", p.ID, "error", perr)
			}
			return deal.Product{}, false, &deal.PersistError{Op: "exists", Err: err}
		}
		if exists {
			log.Info("Dropping queued product that is already published", "product_id", p.ID, "post_id", id)
			if _, err := d.cfg.Ledger.Add(ctx, fp); err != nil {
				log.Warn("Failed to record fingerprint", "product_id", p.ID, "error", err)
			}
			d.cfg.Queue.Discard(p)
			continue
		}
		return p, true, nil
	}
	return deal.Product{}, false, nil
}

// Refill fetches the catalog, filters it, and enqueues what passes. It
// returns the number of products enqueued.
func (d *Driver) Refill(ctx context.Context, st deal.Settings) (int, error) {
	log := d.cfg.Logger

	products, err := d.cfg.Source.FetchAll(ctx, catalog.FetchOptions{
		MinDiscount: st.MinDiscountPercent,
		MaxAge:      st.CheckInterval.Duration(),
	})
	if err != nil {
		return 0, fmt.Errorf("refill: %w", err)
	}

	exists := func(link string) bool {
		_, ok, err := d.cfg.Content.Exists(ctx, link)
		if err != nil {
			log.Warn("Existence check failed during refill", "error", err)
			return false
		}
		return ok
	}
	eligible, skipped := eligibility.Filter(products, d.cfg.Ledger, exists)

	enqueued, belowDiscount := 0, 0
	for i := range eligible {
		if !eligibility.MeetsDiscount(&eligible[i], st.MinDiscountPercent) {
			belowDiscount++
			continue
		}
		ok, err := d.cfg.Queue.Enqueue(ctx, eligible[i])
		if err != nil {
			return enqueued, fmt.Errorf("enqueue: %w", err)
		}
		if ok {
			enqueued++
		}
	}

	log.Info("Queue refilled",
		"fetched", len(products),
		"eligible", len(eligible),
		"enqueued", enqueued,
		"below_discount", belowDiscount,
		"skipped_out_of_stock", skipped[eligibility.OutOfStock],
		"skipped_duplicate", skipped[eligibility.DuplicateFingerprint],
		"skipped_published", skipped[eligibility.AlreadyPublished],
		"skipped_malformed", skipped[eligibility.Malformed])

	if d.cfg.Status != nil && enqueued > 0 {
		d.cfg.Status.Invalidate()
	}
	return enqueued, nil
}

func (d *Driver) promoteDue(ctx context.Context, now time.Time) {
	promoted, err := d.cfg.Content.PromoteDue(ctx, now)
	if err != nil {
		d.cfg.Logger.Warn("Failed to promote due posts", "error", err)
	}
	for i := range promoted {
		if d.cfg.Announcer == nil {
			break
		}
		if err := d.cfg.Announcer.Announce(ctx, &promoted[i]); err != nil {
			d.cfg.Logger.Warn("Failed to announce post", "post_id", promoted[i].ID, "error", err)
		}
	}
	if len(promoted) > 0 && d.cfg.Status != nil {
		d.cfg.Status.Invalidate()
	}
}

func (d *Driver) announce(ctx context.Context, id string) {
	if d.cfg.Announcer == nil {
		return
	}
	post, err := d.cfg.Content.Get(ctx, id)
	if err != nil {
		d.cfg.Logger.Warn("Failed to load post for announcement", "post_id", id, "error", err)
		return
	}
	if err := d.cfg.Announcer.Announce(ctx, post); err != nil {
		d.cfg.Logger.Warn("Failed to announce post", "post_id", id, "error", err)
	}
}

// rearm arms the next wake-up. After a publish it targets the following slot;
// after a failure it retries one interval later. Either falls back to the
// next window opening.
func (d *Driver) rearm(ctx context.Context, sched *schedule.Scheduler, now time.Time, res Result) Result {
	log := d.cfg.Logger
	earliest := now.Add(minRearmDelay)

	var wake time.Time
	switch {
	case res.Err != nil:
		wake = now.Add(max(sched.Interval(), minRearmDelay))
		if sched.InBlackout(wake) || !sched.DayStart(wake).Equal(sched.DayStart(now)) {
			wake = sched.NextOpen(now)
		}
	case res.Reason == "already_published", res.Reason == "race_skip":
		wake = earliest
	case res.Reason == "published":
		wake = sched.NextOpen(now)
		from := later(res.Slot, now)
		scheduled, postsToday, err := d.today(ctx, sched, now)
		if err != nil {
			log.Warn("Failed to list today's posts for re-arm", "error", err)
			scheduled, postsToday = []time.Time{res.Slot}, 1
		}
		if next, ok := sched.NextSlot(from, scheduled, postsToday); ok {
			wake = next
		}
	default:
		wake = sched.NextOpen(now)
	}

	wake = sched.Jittered(wake, earliest)
	if err := d.cfg.Timers.ScheduleOnce(ctx, TimerName, wake); err != nil {
		log.Error("Failed to re-arm dripfeed", "error", err)
	}

	res.State = Rescheduled
	res.NextWake = wake
	log.Info("Dripfeed re-armed",
		"next_wake", wake.Format(time.RFC3339),
		"reason", res.Reason,
		"product_id", res.ProductID,
		"post_id", res.PostID)
	return res
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
