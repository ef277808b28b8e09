package eventlog

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the durable append-only persistence collaborator.
type Store interface {
	// Append writes the batch atomically when the stream is at
	// batch.ExpectedVersion and returns the new version. A mismatch returns
	// *ConcurrencyViolationError; a tombstoned stream returns ErrStreamDeleted.
	Append(ctx context.Context, batch AppendBatch) (int64, error)
	// ReadRange returns up to limit events with from <= seq (and seq <= to when to > 0).
	ReadRange(ctx context.Context, streamID string, from, to int64, limit int) ([]DomainEvent, error)
	GetStream(ctx context.Context, streamID string) (*Stream, error)
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	// LatestSnapshot returns the highest-version snapshot whose Timestamp is
	// not after atOrBefore, or the latest one when atOrBefore is nil.
	LatestSnapshot(ctx context.Context, streamID string, atOrBefore *time.Time) (*Snapshot, error)
}

// Snapshotter produces serialized state for a stream type.
type Snapshotter interface {
	SnapshotState(ctx context.Context, streamID string, upTo int64) (json.RawMessage, error)
}

// Subscriber is invoked after every successful append.
type Subscriber func(ctx context.Context, streamID string, events []DomainEvent)
