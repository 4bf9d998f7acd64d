// Package settings is the key-value settings store backing the engine's runtime knobs.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"dealdrip/pkg/deal"
	"dealdrip/storage"
)

const objectKey = "settings.json"

// Setting keys.
const (
	KeyAutomationEnabled       = "automation_enabled"
	KeyMinDiscountPercent      = "min_discount_percent"
	KeyMaxPostsPerDay          = "max_posts_per_day"
	KeyDripfeedIntervalMinutes = "dripfeed_interval_minutes"
	KeyCheckInterval           = "check_interval"
)

// Backend persists JSON objects.
type Backend interface {
	Get(ctx context.Context, key string, v any) error
	Put(ctx context.Context, key string, v any) error
}

// Store reads and writes individual settings.
type Store struct {
	backend Backend
	logger  *slog.Logger
	mu      sync.Mutex
}

// New creates a settings store.
func New(backend Backend, logger *slog.Logger) *Store {
	return &Store{backend: backend, logger: logger}
}

func (s *Store) loadAll(ctx context.Context) (map[string]json.RawMessage, error) {
	values := make(map[string]json.RawMessage)
	if err := s.backend.Get(ctx, objectKey, &values); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return values, nil
		}
		return nil, err
	}
	return values, nil
}

// Get decodes key into v. A missing key leaves v untouched and returns false.
func (s *Store) Get(ctx context.Context, key string, v any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.loadAll(ctx)
	if err != nil {
		return false, &deal.ConfigError{Key: key, Err: err}
	}
	raw, ok := values[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, &deal.ConfigError{Key: key, Err: err}
	}
	return true, nil
}

// Set stores value under key.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	return s.SetMany(ctx, map[string]any{key: value})
}

// SetMany stores several keys in one write.
func (s *Store) SetMany(ctx context.Context, updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.loadAll(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	for key, value := range updates {
		raw, err := json.Marshal(value)
		if err != nil {
			return &deal.ConfigError{Key: key, Err: err}
		}
		values[key] = raw
	}
	if err := s.backend.Put(ctx, objectKey, values); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// Load returns the typed settings. Missing keys take defaults; invalid values
// are logged and replaced by defaults. An error means the store itself failed.
func (s *Store) Load(ctx context.Context) (deal.Settings, error) {
	def := deal.DefaultSettings()
	out := def

	s.mu.Lock()
	values, err := s.loadAll(ctx)
	s.mu.Unlock()
	if err != nil {
		return def, &deal.ConfigError{Key: objectKey, Err: err}
	}

	decode := func(key string, v any) bool {
		raw, ok := values[key]
		if !ok {
			return false
		}
		if err := json.Unmarshal(raw, v); err != nil {
			s.logger.Warn("Invalid setting, using default", "key", key, "error", err)
			return false
		}
		return true
	}

	var enabled bool
	if decode(KeyAutomationEnabled, &enabled) {
		out.AutomationEnabled = enabled
	}

	var minDiscount int
	if decode(KeyMinDiscountPercent, &minDiscount) {
		if minDiscount < 0 || minDiscount > 100 {
			s.logger.Warn("Setting out of range, using default", "key", KeyMinDiscountPercent, "value", minDiscount)
		} else {
			out.MinDiscountPercent = minDiscount
		}
	}

	var maxPosts int
	if decode(KeyMaxPostsPerDay, &maxPosts) {
		if maxPosts < 0 {
			s.logger.Warn("Setting out of range, using default", "key", KeyMaxPostsPerDay, "value", maxPosts)
		} else {
			out.MaxPostsPerDay = maxPosts
		}
	}

	var interval int
	if decode(KeyDripfeedIntervalMinutes, &interval) {
		if interval < 0 || interval > 24*60 {
			s.logger.Warn("Setting out of range, using default", "key", KeyDripfeedIntervalMinutes, "value", interval)
		} else {
			out.DripfeedIntervalMinutes = interval
		}
	}

	var check deal.CheckInterval
	if decode(KeyCheckInterval, &check) {
		if !check.Valid() {
			s.logger.Warn("Unknown check interval, using default", "key", KeyCheckInterval, "value", check)
		} else {
			out.CheckInterval = check
		}
	}

	return out, nil
}

// Save writes every field of st.
func (s *Store) Save(ctx context.Context, st deal.Settings) error {
	return s.SetMany(ctx, map[string]any{
		KeyAutomationEnabled:       st.AutomationEnabled,
		KeyMinDiscountPercent:      st.MinDiscountPercent,
		KeyMaxPostsPerDay:          st.MaxPostsPerDay,
		KeyDripfeedIntervalMinutes: st.DripfeedIntervalMinutes,
		KeyCheckInterval:           st.CheckInterval,
	})
}
