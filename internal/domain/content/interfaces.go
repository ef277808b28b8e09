package content

import (
	"context"

	"github.com/rpggio/accord/internal/domain/eventlog"
)

// EventLog is the subset of the event log used for content streams.
type EventLog interface {
	Append(ctx context.Context, req eventlog.AppendRequest) (*eventlog.AppendResult, error)
	AppendWithRetry(ctx context.Context, streamID, streamType string, build eventlog.BuildFunc) (*eventlog.AppendResult, error)
	ReadAll(ctx context.Context, streamID string, opts eventlog.ReadOptions) ([]eventlog.DomainEvent, error)
}
