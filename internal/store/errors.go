package store

import (
	"errors"
	"fmt"
)

var (
	// ErrLockTimeout means the advisory lock was not acquired within the
	// configured bound. Transient: callers retry the whole cycle.
	ErrLockTimeout = errors.New("store: lock not acquired within timeout")

	// ErrCorruptRecord means a durable record failed to decode. Fatal for the
	// affected record: it is never auto-repaired, an operator must resolve it.
	ErrCorruptRecord = errors.New("store: corrupt record")

	// ErrNotFound means the requested record or blob does not exist yet.
	ErrNotFound = errors.New("store: not found")
)

// Corrupt wraps a decode failure so errors.Is(err, ErrCorruptRecord) holds
// while keeping the record name and root cause visible.
func Corrupt(record string, cause error) error {
	return fmt.Errorf("%w: %s: %v", ErrCorruptRecord, record, cause)
}
