package deal

import (
	"errors"
	"fmt"
)

// ErrRaceSkip means a concurrent operation already consumed the resource.
// Callers treat it as success with nothing done.
var ErrRaceSkip = errors.New("race skip: resource already consumed")

// FetchError indicates a network or parse failure against the product source.
type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsFetchError checks if an error is a product source failure.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// PersistError indicates the content store rejected a create or update.
type PersistError struct {
	Op  string
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// IsPersistError checks if an error is a content store failure.
func IsPersistError(err error) bool {
	var pe *PersistError
	return errors.As(err, &pe)
}

// ConfigError indicates a missing or invalid setting.
type ConfigError struct {
	Key string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("setting %q: %v", e.Key, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsConfigError checks if an error is a settings failure.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
