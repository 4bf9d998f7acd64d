// Package ledger keeps the persistent set of fingerprints that were published
// or are in flight, so a product is never offered twice.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"dealdrip/storage"
)

const objectKey = "ledger.json"

// Backend persists JSON objects.
type Backend interface {
	Get(ctx context.Context, key string, v any) error
	Put(ctx context.Context, key string, v any) error
}

// Verifier reports whether live content still carries a fingerprint.
type Verifier interface {
	FingerprintLive(ctx context.Context, fingerprint string) (bool, error)
}

type state struct {
	UpdatedAt    time.Time `json:"updated_at"`
	Fingerprints []string  `json:"fingerprints"`
}

// Ledger is the fingerprint set. Writers serialize on a mutex; Len is lock-free.
type Ledger struct {
	backend Backend
	logger  *slog.Logger
	set     map[string]struct{}
	count   atomic.Int64
	mu      sync.RWMutex
}

// New creates an empty ledger. Call Load to read persisted state.
func New(backend Backend, logger *slog.Logger) *Ledger {
	return &Ledger{
		backend: backend,
		logger:  logger,
		set:     make(map[string]struct{}),
	}
}

// Load replaces the in-memory set with the persisted one.
func (l *Ledger) Load(ctx context.Context) error {
	var st state
	if err := l.backend.Get(ctx, objectKey, &st); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("load ledger: %w", err)
		}
	}

	set := make(map[string]struct{}, len(st.Fingerprints))
	for _, fp := range st.Fingerprints {
		set[fp] = struct{}{}
	}

	l.mu.Lock()
	l.set = set
	l.count.Store(int64(len(set)))
	l.mu.Unlock()

	l.logger.Debug("Ledger loaded", "fingerprints", len(set))
	return nil
}

// save must be called with mu held.
func (l *Ledger) save(ctx context.Context) error {
	fps := make([]string, 0, len(l.set))
	for fp := range l.set {
		fps = append(fps, fp)
	}
	sort.Strings(fps)
	if err := l.backend.Put(ctx, objectKey, state{UpdatedAt: time.Now(), Fingerprints: fps}); err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	return nil
}

// Contains reports whether fingerprint is recorded.
func (l *Ledger) Contains(fingerprint string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.set[fingerprint]
	return ok
}

// Add records fingerprint. It returns false, without writing, when the
// fingerprint was already present.
func (l *Ledger) Add(ctx context.Context, fingerprint string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.set[fingerprint]; ok {
		return false, nil
	}
	l.set[fingerprint] = struct{}{}
	if err := l.save(ctx); err != nil {
		delete(l.set, fingerprint)
		return false, err
	}
	l.count.Add(1)
	return true, nil
}

// Remove evicts fingerprint so its product can be offered again.
func (l *Ledger) Remove(ctx context.Context, fingerprint string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.set[fingerprint]; !ok {
		return false, nil
	}
	delete(l.set, fingerprint)
	if err := l.save(ctx); err != nil {
		l.set[fingerprint] = struct{}{}
		return false, err
	}
	l.count.Add(-1)
	return true, nil
}

// Len returns the number of recorded fingerprints.
func (l *Ledger) Len() int {
	return int(l.count.Load())
}

// Reconcile evicts every fingerprint whose content no longer exists. A failed
// verification is logged and the fingerprint kept. It returns how many were evicted.
func (l *Ledger) Reconcile(ctx context.Context, v Verifier) (int, error) {
	l.mu.RLock()
	fps := make([]string, 0, len(l.set))
	for fp := range l.set {
		fps = append(fps, fp)
	}
	l.mu.RUnlock()
	sort.Strings(fps)

	var stale []string
	for _, fp := range fps {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		live, err := v.FingerprintLive(ctx, fp)
		if err != nil {
			l.logger.Warn("Failed to verify fingerprint, keeping it", "fingerprint", fp, "error", err)
			continue
		}
		if !live {
			stale = append(stale, fp)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	var removed []string
	for _, fp := range stale {
		if _, ok := l.set[fp]; ok {
			delete(l.set, fp)
			removed = append(removed, fp)
		}
	}
	if err := l.save(ctx); err != nil {
		for _, fp := range removed {
			l.set[fp] = struct{}{}
		}
		return 0, err
	}
	l.count.Store(int64(len(l.set)))

	l.logger.Info("Ledger sweep complete", "checked", len(fps), "evicted", len(removed))
	return len(removed), nil
}
