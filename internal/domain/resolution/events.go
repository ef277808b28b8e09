package resolution

import (
	"fmt"
	"time"

	"github.com/rpggio/accord/internal/domain/eventlog"
)

// Event types on resolution streams.
const (
	EventStarted       = "resolution_started"
	EventStatusChanged = "resolution_status_changed"
	EventProposed      = "solution_proposed"
	EventVoteCast      = "vote_cast"
	EventDecided       = "resolution_decided"
	EventCompleted     = "resolution_completed"
	EventEscalated     = "resolution_escalated"
	EventExpired       = "resolution_expired"
	EventCancelled     = "resolution_cancelled"
)

// StreamID is the event stream of one resolution session.
func StreamID(sessionID string) string {
	return "resolution-" + sessionID
}

type statusChanged struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	By     string    `json:"by,omitempty"`
	At     time.Time `json:"at"`
	// Deadline is set when voting opens.
	Deadline *time.Time `json:"deadline,omitempty"`
	// SolutionID is the candidate submitted for review.
	SolutionID string `json:"solution_id,omitempty"`
}

type voteCast struct {
	SolutionID string    `json:"solution_id"`
	UserID     string    `json:"user_id"`
	Vote       Vote      `json:"vote"`
	At         time.Time `json:"at"`
}

// statusEventType names the event recording a move to status.
func statusEventType(to Status) string {
	switch to {
	case StatusCompleted:
		return EventCompleted
	case StatusEscalated:
		return EventEscalated
	case StatusExpired:
		return EventExpired
	case StatusCancelled:
		return EventCancelled
	default:
		return EventStatusChanged
	}
}

// apply folds one event into s. It is the only code that changes a session.
func apply(s *Session, ev eventlog.DomainEvent) error {
	switch ev.EventType {
	case EventStarted:
		var started Session
		if err := ev.Decode(&started); err != nil {
			return err
		}
		*s = started
	case EventStatusChanged, EventCompleted, EventEscalated, EventExpired, EventCancelled:
		var change statusChanged
		if err := ev.Decode(&change); err != nil {
			return err
		}
		if !CanTransition(s.Status, change.To) {
			return fmt.Errorf("%w: stored %s -> %s", ErrInvalidTransition, s.Status, change.To)
		}
		s.Status = change.To
		s.CurrentStep = stepFor(change.To)
		s.UpdatedAt = change.At
		if change.To == StatusVoting {
			s.VotingDeadline = change.Deadline
		} else {
			s.VotingDeadline = nil
		}
		if change.SolutionID != "" {
			s.ReviewSolutionID = change.SolutionID
		}
		if change.To == StatusEscalated || change.To == StatusExpired {
			s.EscalationReason = change.Reason
		}
		if change.To.Terminal() {
			at := change.At
			s.CompletedAt = &at
		}
	case EventProposed:
		var p Proposal
		if err := ev.Decode(&p); err != nil {
			return err
		}
		if p.Votes == nil {
			p.Votes = make(map[string]Vote)
		}
		s.ProposedSolutions = append(s.ProposedSolutions, p)
		s.UpdatedAt = p.CreatedAt
	case EventVoteCast:
		var v voteCast
		if err := ev.Decode(&v); err != nil {
			return err
		}
		p := s.proposal(v.SolutionID)
		if p == nil {
			return fmt.Errorf("%w: %s", ErrSolutionNotFound, v.SolutionID)
		}
		p.Votes[v.UserID] = v.Vote
		s.UpdatedAt = v.At
	case EventDecided:
		var d Decision
		if err := ev.Decode(&d); err != nil {
			return err
		}
		s.FinalDecision = &d
		s.UpdatedAt = d.DecidedAt
	}
	return nil
}

// fold rebuilds a session from its full history.
func fold(events []eventlog.DomainEvent) (*Session, error) {
	if len(events) == 0 || events[0].EventType != EventStarted {
		return nil, ErrSessionNotFound
	}
	s := &Session{}
	for _, ev := range events {
		if err := apply(s, ev); err != nil {
			return nil, err
		}
	}
	return s, nil
}
