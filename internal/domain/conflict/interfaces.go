package conflict

import (
	"context"

	"github.com/rpggio/accord/internal/domain/content"
	"github.com/rpggio/accord/internal/domain/eventlog"
)

// EventLog is the subset of the event log used by the detector.
type EventLog interface {
	Append(ctx context.Context, req eventlog.AppendRequest) (*eventlog.AppendResult, error)
	AppendWithRetry(ctx context.Context, streamID, streamType string, build eventlog.BuildFunc) (*eventlog.AppendResult, error)
	ReadAll(ctx context.Context, streamID string, opts eventlog.ReadOptions) ([]eventlog.DomainEvent, error)
	Delete(ctx context.Context, streamID, reason, userID string) error
}

// ContentReader lists the versions of a content item.
type ContentReader interface {
	List(ctx context.Context, contentID string) ([]content.Version, error)
}

// Notifier delivers detections to interested users. Delivery is best effort.
type Notifier interface {
	NotifyConflictDetected(ctx context.Context, d *Detection)
}

// Metrics observes the conflict lifecycle.
type Metrics interface {
	ConflictDetected(d *Detection)
	ConflictClosed(d *Detection)
}
