// Package sequence allocates per-year invoice sequence numbers.
//
// Counters never cache the current value in process. Every allocation is a
// single atomic read-modify-write against shared storage, so concurrent
// callers in any number of processes never observe the same number.
package sequence

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

const (
	BackendDatabase = "database"
	BackendRedis    = "redis"
)

var (
	ErrInvalidYear   = errors.New("invalid_sequence_year")
	ErrNoTransaction = errors.New("sequence_requires_transaction")
	ErrNoValue       = errors.New("sequence_returned_no_value")
)

// Counter hands out the next sequence value for a calendar year, starting
// at 1 for a year never seen before.
type Counter interface {
	Backend() string
	Next(ctx context.Context, tx *gorm.DB, year int) (int64, error)
}

// StorageError reports a failed allocation. No number was assigned.
type StorageError struct {
	Backend string
	Year    int
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("invoice sequence %s: year %d: %v", e.Backend, e.Year, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func validYear(year int) bool {
	return year >= 1 && year <= 9999
}
