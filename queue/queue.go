// Package queue holds accepted products waiting for a publish slot.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"dealdrip/pkg/deal"
	"dealdrip/schedule"
	"dealdrip/storage"
)

const objectKey = "queue.json"

// TTL is how long a persisted queue stays valid after its last write.
const TTL = 24 * time.Hour

// Backend persists JSON objects.
type Backend interface {
	Get(ctx context.Context, key string, v any) error
	Put(ctx context.Context, key string, v any) error
	Delete(ctx context.Context, key string) error
}

// Gate reports whether the queue accepts traffic at now: automation is
// enabled and now is outside the blackout.
type Gate func(ctx context.Context, now time.Time) bool

type state struct {
	UpdatedAt time.Time      `json:"updated_at"`
	Items     []deal.Product `json:"items"`
}

// Queue is a durable FIFO of products.
type Queue struct {
	lastBoundaryPop time.Time
	lastBoundaryID  string
	backend         Backend
	gate            Gate
	now             func() time.Time
	logger          *slog.Logger
	loc             *time.Location
	items           []deal.Product
	size            atomic.Int64
	mu              sync.Mutex
}

// New creates an empty queue. Call Load to read persisted state.
func New(backend Backend, gate Gate, loc *time.Location, logger *slog.Logger) *Queue {
	if loc == nil {
		loc = time.UTC
	}
	return &Queue{
		backend: backend,
		gate:    gate,
		now:     time.Now,
		logger:  logger,
		loc:     loc,
	}
}

// Load replaces the in-memory queue with the persisted one. State older than
// TTL is treated as empty.
func (q *Queue) Load(ctx context.Context) error {
	var st state
	if err := q.backend.Get(ctx, objectKey, &st); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("load queue: %w", err)
		}
	}
	if !st.UpdatedAt.IsZero() && q.now().Sub(st.UpdatedAt) > TTL {
		q.logger.Info("Persisted queue expired, starting empty", "updated_at", st.UpdatedAt, "items", len(st.Items))
		st.Items = nil
	}

	q.mu.Lock()
	q.items = st.Items
	q.size.Store(int64(len(st.Items)))
	q.mu.Unlock()
	return nil
}

// save must be called with mu held.
func (q *Queue) save(ctx context.Context) error {
	if err := q.backend.Put(ctx, objectKey, state{UpdatedAt: q.now(), Items: q.items}); err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	q.size.Store(int64(len(q.items)))
	return nil
}

// Enqueue appends p. It returns false with no error when the gate is closed
// or a product with the same id is already queued.
func (q *Queue) Enqueue(ctx context.Context, p deal.Product) (bool, error) {
	if !q.gate(ctx, q.now()) {
		return false, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.items {
		if q.items[i].ID == p.ID {
			return false, nil
		}
	}
	q.items = append(q.items, p)
	if err := q.save(ctx); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false, err
	}
	return true, nil
}

// Dequeue pops the head. It returns false when the queue is empty or the gate
// is closed. A second pop during the 06:00 minute returns deal.ErrRaceSkip.
func (q *Queue) Dequeue(ctx context.Context) (deal.Product, bool, error) {
	now := q.now()
	if !q.gate(ctx, now) {
		return deal.Product{}, false, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return deal.Product{}, false, nil
	}

	// Simultaneous opening timers must not both take the first item of the day.
	minute := now.In(q.loc).Truncate(time.Minute)
	boundary := minute.Hour() == schedule.OpenHour && minute.Minute() == 0
	if boundary && q.lastBoundaryPop.Equal(minute) {
		q.logger.Info("Skipping second dequeue in the opening minute")
		return deal.Product{}, false, deal.ErrRaceSkip
	}

	head := q.items[0]
	rest := q.items[1:]
	prev := q.items
	q.items = rest
	if err := q.save(ctx); err != nil {
		q.items = prev
		return deal.Product{}, false, err
	}
	if boundary {
		q.lastBoundaryPop = minute
		q.lastBoundaryID = head.ID
	}
	return head, true, nil
}

// Discard tells the queue that p was popped but dropped without publishing.
// If p was the opening-minute pop, the next Dequeue in that minute is allowed.
func (q *Queue) Discard(p deal.Product) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.lastBoundaryPop.IsZero() && q.lastBoundaryID == p.ID {
		q.lastBoundaryPop = time.Time{}
		q.lastBoundaryID = ""
	}
}

// PushFront returns p to the head of the queue so the next cycle retries it.
// The gate is not consulted.
func (q *Queue) PushFront(ctx context.Context, p deal.Product) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.items {
		if q.items[i].ID == p.ID {
			return nil
		}
	}
	items := make([]deal.Product, 0, len(q.items)+1)
	items = append(items, p)
	items = append(items, q.items...)
	prev := q.items
	q.items = items
	if err := q.save(ctx); err != nil {
		q.items = prev
		return err
	}
	return nil
}

// Size returns the number of queued products without blocking writers.
func (q *Queue) Size() int {
	return int(q.size.Load())
}

// Items returns a copy of the queued products.
func (q *Queue) Items() []deal.Product {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]deal.Product(nil), q.items...)
}

// Clear drops every queued product.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = nil
	q.size.Store(0)
	if err := q.backend.Delete(ctx, objectKey); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	return nil
}
