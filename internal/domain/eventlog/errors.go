package eventlog

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyViolation indicates the stream moved past the expected version.
	ErrConcurrencyViolation = errors.New("concurrency violation")
	// ErrStreamNotFound indicates the stream has never been appended to.
	ErrStreamNotFound = errors.New("stream not found")
	// ErrStreamDeleted indicates the stream carries a tombstone.
	ErrStreamDeleted = errors.New("stream deleted")
	// ErrInvalidEvent indicates a malformed append request.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrSnapshotNotFound indicates no snapshot satisfies the lookup.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// ConcurrencyViolationError carries both versions of a failed conditional append.
type ConcurrencyViolationError struct {
	StreamID string
	Expected int64
	Actual   int64
}

func (e *ConcurrencyViolationError) Error() string {
	return fmt.Sprintf("concurrency violation on stream %s: expected version %d, actual %d", e.StreamID, e.Expected, e.Actual)
}

func (e *ConcurrencyViolationError) Unwrap() error {
	return ErrConcurrencyViolation
}
