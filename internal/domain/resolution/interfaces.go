package resolution

import (
	"context"
	"time"

	"github.com/rpggio/accord/internal/domain/conflict"
	"github.com/rpggio/accord/internal/domain/eventlog"
	"github.com/rpggio/accord/internal/domain/merge"
)

// EventLog is the subset of the event log used by the orchestrator.
type EventLog interface {
	Append(ctx context.Context, req eventlog.AppendRequest) (*eventlog.AppendResult, error)
	AppendWithRetry(ctx context.Context, streamID, streamType string, build eventlog.BuildFunc) (*eventlog.AppendResult, error)
	ReadAll(ctx context.Context, streamID string, opts eventlog.ReadOptions) ([]eventlog.DomainEvent, error)
}

// ConflictStore reads detections and advances their status.
type ConflictStore interface {
	Get(ctx context.Context, conflictID string) (*conflict.Detection, error)
	UpdateStatus(ctx context.Context, conflictID string, to conflict.Status, reason string) (*conflict.Detection, error)
}

// Merger commits the content a session decided on.
type Merger interface {
	Finalize(ctx context.Context, conflictID, mergedContent string, strategy merge.Strategy, decidedBy, rationale string) (*merge.Result, error)
}

// Notifier tells participants and moderators what a session needs.
// Delivery is best effort.
type Notifier interface {
	NotifyResolutionRequired(ctx context.Context, s *Session)
	NotifyVotingRequired(ctx context.Context, s *Session)
	NotifyResolutionCompleted(ctx context.Context, s *Session)
	NotifyEscalated(ctx context.Context, s *Session, reason string)
}

// Metrics observes session outcomes.
type Metrics interface {
	ResolutionFinished(status Status, conflictType string, elapsed time.Duration)
}

// Timer is a scheduled callback that can be stopped.
type Timer interface {
	Stop() bool
}
