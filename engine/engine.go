// Package engine owns the job loop: one goroutine receives timer events and
// commands and runs them one at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"dealdrip/drip"
	"dealdrip/ledger"
	"dealdrip/pkg/deal"
	"dealdrip/reconcile"
	"dealdrip/schedule"
	"dealdrip/timer"
)

// Timer names besides drip.TimerName and reconcile.TimerName.
const (
	DailyTimer = "dripfeed-daily"
	SweepTimer = "ledger-sweep"
)

// SweepHour is the local hour of the daily ledger sweep.
const SweepHour = 3

// ErrStopped is returned by commands submitted after the loop exited.
var ErrStopped = errors.New("engine stopped")

// Driver runs dripfeed cycles.
type Driver interface {
	Wake(ctx context.Context) drip.Result
}

// Reconciler runs catalog reconciliation.
type Reconciler interface {
	Run(ctx context.Context) (*deal.ReconcileStats, error)
	Rearm(ctx context.Context, interval deal.CheckInterval)
}

// Ledger is swept against live content and trimmed on deletions.
type Ledger interface {
	Reconcile(ctx context.Context, v ledger.Verifier) (int, error)
	Remove(ctx context.Context, fingerprint string) (bool, error)
}

// ContentStore deletes posts and verifies fingerprints.
type ContentStore interface {
	ledger.Verifier
	Delete(ctx context.Context, id string) (*deal.Post, error)
}

// Queue can be emptied.
type Queue interface {
	Clear(ctx context.Context) error
}

// Settings loads and stores the runtime knobs.
type Settings interface {
	Load(ctx context.Context) (deal.Settings, error)
	Save(ctx context.Context, st deal.Settings) error
}

// Timers is the durable timer facility.
type Timers interface {
	ScheduleOnce(ctx context.Context, name string, when time.Time) error
	ScheduleRecurringFrom(ctx context.Context, name string, first time.Time, every time.Duration) error
	Clear(ctx context.Context, name string) error
	NextFireTime(name string) (time.Time, bool)
	Run(ctx context.Context, out chan<- timer.Event) error
}

// Invalidator drops cached state.
type Invalidator interface {
	Invalidate()
}

// Config holds the engine's collaborators.
type Config struct {
	Driver     Driver
	Reconciler Reconciler
	Ledger     Ledger
	Content    ContentStore
	Queue      Queue
	Settings   Settings
	Timers     Timers
	Status     Invalidator // optional
	Logger     *slog.Logger
	Location   *time.Location
	// ManualOnly keeps persisted timers from firing; commands still run.
	ManualOnly bool
}

type command struct {
	fn   func(ctx context.Context)
	done chan struct{}
	name string
}

// Engine serializes every job.
type Engine struct {
	cfg     Config
	now     func() time.Time
	cmds    chan command
	stopped chan struct{}
}

// New creates an engine. Nothing runs until Run is called.
func New(cfg *Config) *Engine {
	c := *cfg
	if c.Location == nil {
		c.Location = time.UTC
	}
	return &Engine{
		cfg:     c,
		now:     time.Now,
		cmds:    make(chan command),
		stopped: make(chan struct{}),
	}
}

// Run processes timer events and commands until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)

	events := make(chan timer.Event)
	g, ctx := errgroup.WithContext(ctx)
	if !e.cfg.ManualOnly {
		g.Go(func() error {
			return e.cfg.Timers.Run(ctx, events)
		})
	}
	g.Go(func() error {
		e.cfg.Logger.Info("Engine started", "manual_only", e.cfg.ManualOnly)
		for {
			select {
			case <-ctx.Done():
				e.cfg.Logger.Info("Engine stopping", "reason", ctx.Err())
				return ctx.Err()
			case ev := <-events:
				e.fire(ctx, ev)
			case cmd := <-e.cmds:
				e.cfg.Logger.Debug("Running command", "command", cmd.name)
				cmd.fn(ctx)
				close(cmd.done)
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// submit runs fn on the loop goroutine and waits for it.
func (e *Engine) submit(ctx context.Context, name string, fn func(ctx context.Context)) error {
	cmd := command{name: name, fn: fn, done: make(chan struct{})}
	select {
	case e.cmds <- cmd:
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-cmd.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) fire(ctx context.Context, ev timer.Event) {
	log := e.cfg.Logger.With("timer", ev.Name, "due", ev.Due)
	switch ev.Name {
	case drip.TimerName:
		e.cfg.Driver.Wake(ctx)
	case DailyTimer:
		e.cfg.Driver.Wake(ctx)
		st, err := e.cfg.Settings.Load(ctx)
		if err != nil {
			log.Warn("Failed to load settings, daily dripfeed keeps its period", "error", err)
			return
		}
		e.reanchor(ctx, DailyTimer, e.scheduler(st).NextOpen(e.now()))
	case reconcile.TimerName:
		if _, err := e.cfg.Reconciler.Run(ctx); err != nil && !errors.Is(err, deal.ErrRaceSkip) {
			log.Error("Reconciliation failed", "error", err)
		}
	case SweepTimer:
		if _, err := e.sweep(ctx); err != nil {
			log.Error("Ledger sweep failed", "error", err)
		}
		e.reanchor(ctx, SweepTimer, e.nextSweep(e.now()))
	default:
		log.Warn("Unknown timer fired, ignoring")
	}
}

// reanchor moves a daily timer back to its local wall-clock time. A plain 24h
// period drifts by an hour across a DST change.
func (e *Engine) reanchor(ctx context.Context, name string, next time.Time) {
	cur, ok := e.cfg.Timers.NextFireTime(name)
	if !ok || cur.Equal(next) {
		return
	}
	if err := e.cfg.Timers.ScheduleRecurringFrom(ctx, name, next, 24*time.Hour); err != nil {
		e.cfg.Logger.Warn("Failed to re-anchor timer", "timer", name, "error", err)
		return
	}
	e.cfg.Logger.Debug("Timer re-anchored", "timer", name, "from", cur, "to", next)
}

func (e *Engine) sweep(ctx context.Context) (int, error) {
	removed, err := e.cfg.Ledger.Reconcile(ctx, e.cfg.Content)
	if err != nil {
		return 0, fmt.Errorf("sweep ledger: %w", err)
	}
	if removed > 0 {
		e.invalidate()
	}
	return removed, nil
}

func (e *Engine) invalidate() {
	if e.cfg.Status != nil {
		e.cfg.Status.Invalidate()
	}
}

func (e *Engine) scheduler(st deal.Settings) *schedule.Scheduler {
	return schedule.New(e.cfg.Location, st, schedule.Jitter{})
}

// nextSweep returns the next SweepHour:00 strictly after now.
func (e *Engine) nextSweep(now time.Time) time.Time {
	now = now.In(e.cfg.Location)
	y, m, d := now.Date()
	t := time.Date(y, m, d, SweepHour, 0, 0, 0, e.cfg.Location)
	if !t.After(now) {
		t = time.Date(y, m, d+1, SweepHour, 0, 0, 0, e.cfg.Location)
	}
	return t
}

// arm (re)initializes every schedule for st. Called with the loop held.
func (e *Engine) arm(ctx context.Context, st deal.Settings) error {
	now := e.now()
	sched := e.scheduler(st)

	e.cfg.Reconciler.Rearm(ctx, st.CheckInterval)
	if err := e.cfg.Timers.ScheduleRecurringFrom(ctx, SweepTimer, e.nextSweep(now), 24*time.Hour); err != nil {
		return fmt.Errorf("arm ledger sweep: %w", err)
	}
	if !st.AutomationEnabled {
		return nil
	}
	if err := e.cfg.Timers.ScheduleRecurringFrom(ctx, DailyTimer, sched.NextOpen(now), 24*time.Hour); err != nil {
		return fmt.Errorf("arm daily dripfeed: %w", err)
	}
	// The first wake computes its own slot and handles the blackout.
	if err := e.cfg.Timers.ScheduleOnce(ctx, drip.TimerName, now); err != nil {
		return fmt.Errorf("arm dripfeed: %w", err)
	}
	e.cfg.Logger.Info("Schedules armed",
		"daily_start", sched.NextOpen(now).Format(time.RFC3339),
		"check_interval", st.CheckInterval)
	return nil
}

// disarm stops the dripfeed and empties the queue.
func (e *Engine) disarm(ctx context.Context) error {
	var errs []error
	for _, name := range []string{drip.TimerName, DailyTimer} {
		if err := e.cfg.Timers.Clear(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("clear %s timer: %w", name, err))
		}
	}
	if err := e.cfg.Queue.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	e.cfg.Logger.Info("Dripfeed disarmed and queue cleared")
	return errors.Join(errs...)
}

// Bootstrap arms any schedule that is missing, e.g. on first start.
func (e *Engine) Bootstrap(ctx context.Context) error {
	var err error
	serr := e.submit(ctx, "bootstrap", func(ctx context.Context) {
		var st deal.Settings
		st, err = e.cfg.Settings.Load(ctx)
		if err != nil {
			return
		}
		_, haveReconcile := e.cfg.Timers.NextFireTime(reconcile.TimerName)
		_, haveSweep := e.cfg.Timers.NextFireTime(SweepTimer)
		_, haveDaily := e.cfg.Timers.NextFireTime(DailyTimer)
		if haveReconcile && haveSweep && (haveDaily || !st.AutomationEnabled) {
			return
		}
		err = e.arm(ctx, st)
	})
	return errors.Join(serr, err)
}

// TriggerDripfeed runs one dripfeed cycle now.
func (e *Engine) TriggerDripfeed(ctx context.Context) (drip.Result, error) {
	var res drip.Result
	err := e.submit(ctx, "dripfeed", func(ctx context.Context) {
		res = e.cfg.Driver.Wake(ctx)
	})
	return res, err
}

// TriggerReconcile runs one reconciliation now.
func (e *Engine) TriggerReconcile(ctx context.Context) (*deal.ReconcileStats, error) {
	var stats *deal.ReconcileStats
	var err error
	serr := e.submit(ctx, "reconcile", func(ctx context.Context) {
		stats, err = e.cfg.Reconciler.Run(ctx)
	})
	if serr != nil {
		return nil, serr
	}
	return stats, err
}

// TriggerSweep drops ledger fingerprints no live content carries.
func (e *Engine) TriggerSweep(ctx context.Context) (int, error) {
	var removed int
	var err error
	serr := e.submit(ctx, "sweep", func(ctx context.Context) {
		removed, err = e.sweep(ctx)
	})
	if serr != nil {
		return 0, serr
	}
	return removed, err
}

// UpdateSettings stores st and adjusts schedules. Enabling automation arms
// every schedule; disabling clears the queue and the dripfeed timers.
func (e *Engine) UpdateSettings(ctx context.Context, st deal.Settings) error {
	var err error
	serr := e.submit(ctx, "settings", func(ctx context.Context) {
		err = e.updateSettings(ctx, st)
	})
	return errors.Join(serr, err)
}

func (e *Engine) updateSettings(ctx context.Context, st deal.Settings) error {
	prev, err := e.cfg.Settings.Load(ctx)
	if err != nil {
		return err
	}
	if err := e.cfg.Settings.Save(ctx, st); err != nil {
		return err
	}
	defer e.invalidate()

	log := e.cfg.Logger
	switch {
	case st.AutomationEnabled && !prev.AutomationEnabled:
		log.Info("Automation enabled")
		return e.arm(ctx, st)
	case !st.AutomationEnabled && prev.AutomationEnabled:
		log.Info("Automation disabled")
		return e.disarm(ctx)
	}

	if st.CheckInterval != prev.CheckInterval {
		e.cfg.Reconciler.Rearm(ctx, st.CheckInterval)
	}
	if st.AutomationEnabled && (st.DripfeedIntervalMinutes != prev.DripfeedIntervalMinutes || st.MaxPostsPerDay != prev.MaxPostsPerDay) {
		// Recompute the next slot under the new spacing.
		if err := e.cfg.Timers.ScheduleOnce(ctx, drip.TimerName, e.now()); err != nil {
			return fmt.Errorf("re-arm dripfeed: %w", err)
		}
	}
	return nil
}

// DeletePost removes a post and releases its fingerprint.
func (e *Engine) DeletePost(ctx context.Context, id string) (*deal.Post, error) {
	var post *deal.Post
	var err error
	serr := e.submit(ctx, "delete", func(ctx context.Context) {
		post, err = e.cfg.Content.Delete(ctx, id)
		if err != nil {
			return
		}
		if _, rerr := e.cfg.Ledger.Remove(ctx, post.Fingerprint); rerr != nil {
			e.cfg.Logger.Warn("Failed to release fingerprint", "post_id", id, "error", rerr)
		}
		e.invalidate()
	})
	if serr != nil {
		return nil, serr
	}
	return post, err
}
