// Package timer is a persisted named-timer facility: jobs fire once or on a
// fixed period, and survive restarts.
package timer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"dealdrip/storage"
)

const objectKey = "timers.json"

// Backend persists JSON objects.
type Backend interface {
	Get(ctx context.Context, key string, v any) error
	Put(ctx context.Context, key string, v any) error
}

// Timer is one named job.
type Timer struct {
	Next  time.Time     `json:"next"`
	Name  string        `json:"name"`
	Every time.Duration `json:"every,omitempty"` // zero for one-shot timers
}

// Event is delivered when a timer comes due.
type Event struct {
	Due  time.Time
	Name string
}

// Service owns the timer table.
type Service struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time
	timers  map[string]Timer
	changed chan struct{}
	mu      sync.Mutex
}

// New creates an empty timer service. Call Load to read persisted timers.
func New(backend Backend, logger *slog.Logger) *Service {
	return &Service{
		backend: backend,
		logger:  logger,
		now:     time.Now,
		timers:  make(map[string]Timer),
		changed: make(chan struct{}, 1),
	}
}

// Load reads persisted timers.
func (s *Service) Load(ctx context.Context) error {
	var timers map[string]Timer
	if err := s.backend.Get(ctx, objectKey, &timers); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("load timers: %w", err)
		}
	}
	if timers == nil {
		timers = make(map[string]Timer)
	}

	s.mu.Lock()
	s.timers = timers
	s.mu.Unlock()
	s.notify()

	s.logger.Info("Timers loaded", "count", len(timers))
	return nil
}

func (s *Service) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// save must be called with mu held.
func (s *Service) save(ctx context.Context) error {
	if err := s.backend.Put(ctx, objectKey, s.timers); err != nil {
		return fmt.Errorf("save timers: %w", err)
	}
	return nil
}

func (s *Service) set(ctx context.Context, t Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.timers[t.Name]
	s.timers[t.Name] = t
	if err := s.save(ctx); err != nil {
		if had {
			s.timers[t.Name] = prev
		} else {
			delete(s.timers, t.Name)
		}
		return err
	}
	s.notify()
	s.logger.Debug("Timer armed", "timer", t.Name, "next", t.Next, "every", t.Every)
	return nil
}

// ScheduleOnce arms name to fire once at when, replacing any existing timer.
func (s *Service) ScheduleOnce(ctx context.Context, name string, when time.Time) error {
	return s.set(ctx, Timer{Name: name, Next: when})
}

// ScheduleRecurring arms name to fire every period, starting one period from now.
func (s *Service) ScheduleRecurring(ctx context.Context, name string, every time.Duration) error {
	return s.ScheduleRecurringFrom(ctx, name, s.now().Add(every), every)
}

// ScheduleRecurringFrom arms name to fire at first and every period after.
func (s *Service) ScheduleRecurringFrom(ctx context.Context, name string, first time.Time, every time.Duration) error {
	if every <= 0 {
		return fmt.Errorf("timer %q: period must be positive", name)
	}
	return s.set(ctx, Timer{Name: name, Next: first, Every: every})
}

// Clear disarms name. Clearing an unknown timer is a no-op.
func (s *Service) Clear(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.timers[name]
	if !ok {
		return nil
	}
	delete(s.timers, name)
	if err := s.save(ctx); err != nil {
		s.timers[name] = prev
		return err
	}
	s.notify()
	return nil
}

// NextFireTime returns when name fires next.
func (s *Service) NextFireTime(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[name]
	return t.Next, ok
}

// Timers returns a snapshot of every armed timer, soonest first.
func (s *Service) Timers() []Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Timer, 0, len(s.timers))
	for _, t := range s.timers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Next.Before(out[j].Next) })
	return out
}

// Due removes or advances every timer due at now and returns their events.
// A recurring timer that missed several periods fires once.
func (s *Service) Due(ctx context.Context, now time.Time) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []Event
	for name, t := range s.timers {
		if t.Next.After(now) {
			continue
		}
		events = append(events, Event{Name: name, Due: t.Next})
		if t.Every <= 0 {
			delete(s.timers, name)
			continue
		}
		next := t.Next
		for !next.After(now) {
			next = next.Add(t.Every)
		}
		t.Next = next
		s.timers[name] = t
	}
	if len(events) == 0 {
		return nil
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Due.Before(events[j].Due) })

	// At-least-once: a failed save means the timers fire again after restart.
	if err := s.save(ctx); err != nil {
		s.logger.Warn("Failed to persist fired timers", "error", err)
	}
	return events
}

func (s *Service) earliest() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first time.Time
	for _, t := range s.timers {
		if first.IsZero() || t.Next.Before(first) {
			first = t.Next
		}
	}
	return first, !first.IsZero()
}

// Run delivers due events on out until ctx is done.
func (s *Service) Run(ctx context.Context, out chan<- Event) error {
	const idle = time.Hour
	for {
		events := s.Due(ctx, s.now())
		for _, ev := range events {
			s.logger.Info("Timer fired", "timer", ev.Name, "due", ev.Due)
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		wait := idle
		if next, ok := s.earliest(); ok {
			wait = max(next.Sub(s.now()), 0)
		}
		wake := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			wake.Stop()
			return ctx.Err()
		case <-s.changed:
			wake.Stop()
		case <-wake.C:
		}
	}
}
