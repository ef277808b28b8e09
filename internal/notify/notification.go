// Package notify delivers conflict and resolution notifications. Delivery is
// best effort: failures are logged and never reach the caller.
package notify

import (
	"context"
	"time"

	"github.com/rpggio/accord/internal/domain/conflict"
	"github.com/rpggio/accord/internal/domain/resolution"
)

// Kind names what happened.
type Kind string

const (
	KindConflictDetected    Kind = "conflict_detected"
	KindResolutionRequired  Kind = "resolution_required"
	KindVotingRequired      Kind = "voting_required"
	KindResolutionCompleted Kind = "resolution_completed"
	KindEscalated           Kind = "resolution_escalated"
)

// Notification is the message handed to a Sink.
type Notification struct {
	Kind                   Kind       `json:"kind"`
	ConflictID             string     `json:"conflict_id"`
	ContentID              string     `json:"content_id,omitempty"`
	ResolutionID           string     `json:"resolution_id,omitempty"`
	CollaborationSessionID string     `json:"collaboration_session_id,omitempty"`
	Recipients             []string   `json:"recipients"`
	Severity               string     `json:"severity,omitempty"`
	Status                 string     `json:"status,omitempty"`
	Reason                 string     `json:"reason,omitempty"`
	Deadline               *time.Time `json:"deadline,omitempty"`
	At                     time.Time  `json:"at"`
}

// Sink receives notifications.
type Sink interface {
	Send(ctx context.Context, n Notification)
}

// Notifier adapts a Sink to the conflict and resolution notifier contracts.
type Notifier struct {
	sink Sink
	now  func() time.Time
}

var (
	_ conflict.Notifier   = (*Notifier)(nil)
	_ resolution.Notifier = (*Notifier)(nil)
)

// New creates a Notifier over sink.
func New(sink Sink) *Notifier {
	return &Notifier{sink: sink, now: func() time.Time { return time.Now().UTC() }}
}

func (n *Notifier) NotifyConflictDetected(ctx context.Context, d *conflict.Detection) {
	n.sink.Send(ctx, Notification{
		Kind:                   KindConflictDetected,
		ConflictID:             d.ID,
		ContentID:              d.ContentID,
		CollaborationSessionID: d.SessionID,
		Recipients:             d.InvolvedUsers,
		Severity:               string(d.Severity),
		Status:                 string(d.Status),
		At:                     n.now(),
	})
}

func (n *Notifier) NotifyResolutionRequired(ctx context.Context, s *resolution.Session) {
	n.sink.Send(ctx, n.fromSession(KindResolutionRequired, s, s.ParticipantIDs, ""))
}

func (n *Notifier) NotifyVotingRequired(ctx context.Context, s *resolution.Session) {
	msg := n.fromSession(KindVotingRequired, s, s.ParticipantIDs, "")
	msg.Deadline = s.VotingDeadline
	n.sink.Send(ctx, msg)
}

func (n *Notifier) NotifyResolutionCompleted(ctx context.Context, s *resolution.Session) {
	n.sink.Send(ctx, n.fromSession(KindResolutionCompleted, s, recipients(s), ""))
}

// NotifyEscalated goes to the moderator only.
func (n *Notifier) NotifyEscalated(ctx context.Context, s *resolution.Session, reason string) {
	n.sink.Send(ctx, n.fromSession(KindEscalated, s, []string{s.ModeratorID}, reason))
}

func (n *Notifier) fromSession(kind Kind, s *resolution.Session, to []string, reason string) Notification {
	return Notification{
		Kind:                   kind,
		ConflictID:             s.ConflictID,
		ContentID:              s.ContentID,
		ResolutionID:           s.ID,
		CollaborationSessionID: s.CollaborationSessionID,
		Recipients:             to,
		Status:                 string(s.Status),
		Reason:                 reason,
		At:                     n.now(),
	}
}

func recipients(s *resolution.Session) []string {
	out := make([]string, 0, len(s.ParticipantIDs)+1)
	out = append(out, s.ModeratorID)
	for _, id := range s.ParticipantIDs {
		if id != s.ModeratorID {
			out = append(out, id)
		}
	}
	return out
}

// Fanout sends every notification to each sink in order.
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, n Notification) {
	for _, s := range f {
		s.Send(ctx, n)
	}
}
