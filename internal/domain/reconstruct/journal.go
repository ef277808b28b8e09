package reconstruct

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rpggio/accord/internal/domain/conflict"
	"github.com/rpggio/accord/internal/domain/eventlog"
)

// Appender is the subset of the event log the journal writes to.
type Appender interface {
	AppendWithRetry(ctx context.Context, streamID, streamType string, build eventlog.BuildFunc) (*eventlog.AppendResult, error)
}

// Journal records collaboration activity on session streams.
type Journal struct {
	events Appender
	source string
}

func NewJournal(events Appender) *Journal {
	return &Journal{events: events, source: "journal"}
}

// Join records a participant entering the session.
func (j *Journal) Join(ctx context.Context, sessionID string, p ParticipantJoined) (*eventlog.AppendResult, error) {
	if p.UserID == "" {
		return nil, fmt.Errorf("%w: user id required", eventlog.ErrInvalidEvent)
	}
	return j.record(ctx, sessionID, p.UserID, EventParticipantJoined, p)
}

// Leave records a participant leaving the session.
func (j *Journal) Leave(ctx context.Context, sessionID, userID string) (*eventlog.AppendResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id required", eventlog.ErrInvalidEvent)
	}
	return j.record(ctx, sessionID, userID, EventParticipantLeft, ParticipantLeft{UserID: userID})
}

// Annotate records an annotation over [a.Start, a.End) of a content item and
// fills in a.AnnotationID when empty.
func (j *Journal) Annotate(ctx context.Context, sessionID string, a *AnnotationAdded) (*eventlog.AppendResult, error) {
	switch {
	case a.UserID == "" || a.ContentID == "":
		return nil, fmt.Errorf("%w: user and content id required", eventlog.ErrInvalidEvent)
	case a.Start < 0 || a.End < a.Start:
		return nil, fmt.Errorf("%w: bad annotation range [%d, %d)", eventlog.ErrInvalidEvent, a.Start, a.End)
	}
	if a.AnnotationID == "" {
		a.AnnotationID = uuid.NewString()
	}
	return j.record(ctx, sessionID, a.UserID, EventAnnotationAdded, a)
}

// RemoveAnnotation records an annotation being withdrawn.
func (j *Journal) RemoveAnnotation(ctx context.Context, sessionID, annotationID, userID string) (*eventlog.AppendResult, error) {
	if annotationID == "" {
		return nil, fmt.Errorf("%w: annotation id required", eventlog.ErrInvalidEvent)
	}
	return j.record(ctx, sessionID, userID, EventAnnotationRemoved, AnnotationRemoved{AnnotationID: annotationID})
}

// Search records a query a participant ran.
func (j *Journal) Search(ctx context.Context, sessionID string, s SearchPerformed) (*eventlog.AppendResult, error) {
	if s.UserID == "" {
		return nil, fmt.Errorf("%w: user id required", eventlog.ErrInvalidEvent)
	}
	return j.record(ctx, sessionID, s.UserID, EventSearchPerformed, s)
}

func (j *Journal) record(ctx context.Context, sessionID, userID, eventType string, payload any) (*eventlog.AppendResult, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id required", eventlog.ErrInvalidEvent)
	}
	ev, err := eventlog.NewEvent(eventType, payload, eventlog.Metadata{
		UserID:    userID,
		SessionID: sessionID,
		Source:    j.source,
	})
	if err != nil {
		return nil, err
	}
	return j.events.AppendWithRetry(ctx, conflict.SessionStreamID(sessionID), StreamType,
		func(context.Context, int64) ([]eventlog.DomainEvent, error) {
			return []eventlog.DomainEvent{ev}, nil
		})
}
