package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
)

const lockPrefix = "locks/"

type lockRecord struct {
	Acquired time.Time `json:"acquired"`
	Expires  time.Time `json:"expires"`
	Token    string    `json:"token"`
}

func (r lockRecord) expired(now time.Time) bool {
	return !now.Before(r.Expires)
}

// Lock takes the named advisory lock for ttl. It returns ok=false when another
// holder owns an unexpired lock. A stale lock is stolen. The returned unlock
// releases the lock only if it is still ours.
func (s *Store) Lock(ctx context.Context, name string, ttl time.Duration) (unlock func(), ok bool, err error) {
	key := lockPrefix + name + ".lock"
	if !validKey(key) {
		return nil, false, fmt.Errorf("invalid lock name %q", name)
	}

	now := time.Now()
	rec := lockRecord{Token: uuid.NewString(), Acquired: now, Expires: now.Add(ttl)}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, false, fmt.Errorf("marshal lock: %w", err)
	}

	if s.localPath != "" {
		ok, err = s.lockLocal(key, data)
	} else {
		ok, err = s.lockGCS(ctx, key, data)
	}
	if err != nil || !ok {
		return nil, ok, err
	}

	s.logger.Debug("Lock acquired", "lock", name, "ttl", ttl)
	return func() { s.unlock(key, rec.Token) }, true, nil
}

func (s *Store) lockLocal(key string, data []byte) (bool, error) {
	path := s.localFile(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create lock directory: %w", err)
	}

	// Two attempts: the second follows removal of a stale lock.
	for range 2 {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, werr := f.Write(data)
			cerr := f.Close()
			if werr != nil {
				return false, fmt.Errorf("write lock: %w", werr)
			}
			if cerr != nil {
				return false, fmt.Errorf("close lock: %w", cerr)
			}
			return true, nil
		}
		if !os.IsExist(err) {
			return false, fmt.Errorf("create lock: %w", err)
		}

		held, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return false, fmt.Errorf("read lock: %w", err)
		}
		var rec lockRecord
		if err := json.Unmarshal(held, &rec); err == nil && !rec.expired(time.Now()) {
			return false, nil
		}
		s.logger.Info("Removing stale lock", "key", key)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return false, fmt.Errorf("remove stale lock: %w", err)
		}
	}
	return false, nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

func (s *Store) lockGCS(ctx context.Context, key string, data []byte) (bool, error) {
	obj := s.client.Bucket(s.bucket).Object(key)

	for range 2 {
		w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
		w.ContentType = "application/json"
		if _, err := w.Write(data); err != nil {
			if cerr := w.Close(); cerr != nil {
				s.logger.Warn("Failed to close lock writer after error", "error", cerr)
			}
			return false, fmt.Errorf("write lock: %w", err)
		}
		err := w.Close()
		if err == nil {
			return true, nil
		}
		if !isPreconditionFailed(err) {
			return false, fmt.Errorf("create lock: %w", err)
		}

		r, err := obj.NewReader(ctx)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotExist) {
				continue
			}
			return false, fmt.Errorf("open lock: %w", err)
		}
		gen := r.Attrs.Generation
		held, err := io.ReadAll(r)
		if cerr := r.Close(); cerr != nil {
			s.logger.Warn("Failed to close lock reader", "error", cerr)
		}
		if err != nil {
			return false, fmt.Errorf("read lock: %w", err)
		}

		var rec lockRecord
		if err := json.Unmarshal(held, &rec); err == nil && !rec.expired(time.Now()) {
			return false, nil
		}
		s.logger.Info("Removing stale lock", "key", key, "generation", gen)
		err = obj.If(storage.Conditions{GenerationMatch: gen}).Delete(ctx)
		if err != nil && !errors.Is(err, storage.ErrObjectNotExist) && !isPreconditionFailed(err) {
			return false, fmt.Errorf("remove stale lock: %w", err)
		}
	}
	return false, nil
}

func (s *Store) unlock(key, token string) {
	// Release outlives the caller's context.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var rec lockRecord
	if err := s.Get(ctx, key, &rec); err != nil {
		if !IsNotFound(err) {
			s.logger.Warn("Failed to read lock for release", "key", key, "error", err)
		}
		return
	}
	if rec.Token != token {
		s.logger.Info("Lock was taken over, not releasing", "key", key)
		return
	}
	if err := s.Delete(ctx, key); err != nil {
		s.logger.Warn("Failed to release lock", "key", key, "error", err)
	}
}
