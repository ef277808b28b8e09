package reconstruct

import (
	"fmt"
	"slices"

	"github.com/rpggio/accord/internal/domain/conflict"
	"github.com/rpggio/accord/internal/domain/eventlog"
	"github.com/rpggio/accord/internal/domain/merge"
	"github.com/rpggio/accord/internal/domain/resolution"
)

// reducer folds one event into s and returns the timeline summary.
// Reducers only touch s; everything they need comes from the event.
type reducer func(s *CollaborationSession, ev eventlog.DomainEvent) (string, error)

var reducers = map[string]reducer{
	EventParticipantJoined:         participantJoined,
	EventParticipantLeft:           participantLeft,
	EventAnnotationAdded:           annotationAdded,
	EventAnnotationRemoved:         annotationRemoved,
	EventSearchPerformed:           searchPerformed,
	conflict.EventConflictDetected: conflictDetected,
	merge.EventMergeCompleted:      mergeCompleted,
	resolution.EventStarted:        workflowChanged,
	resolution.EventCompleted:      workflowChanged,
	resolution.EventEscalated:      workflowChanged,
	resolution.EventExpired:        workflowChanged,
	resolution.EventCancelled:      workflowChanged,
	eventlog.TombstoneEventType:    tombstoned,
}

// Fold applies events in order to a copy of base, or to an empty session
// when base is nil. Event types without a reducer only reach the timeline.
func Fold(sessionID string, base *CollaborationSession, events []eventlog.DomainEvent) (*CollaborationSession, error) {
	var s *CollaborationSession
	if base == nil {
		s = newSession(sessionID)
	} else {
		s = base.Clone()
	}
	for _, ev := range events {
		if ev.SequenceNumber <= s.Version {
			continue
		}
		summary := ev.EventType
		if fn, ok := reducers[ev.EventType]; ok {
			var err error
			if summary, err = fn(s, ev); err != nil {
				return nil, fmt.Errorf("folding event %d (%s): %w", ev.SequenceNumber, ev.EventType, err)
			}
		}
		s.Timeline = append(s.Timeline, TimelineEntry{
			Sequence:  ev.SequenceNumber,
			EventType: ev.EventType,
			UserID:    ev.Metadata.UserID,
			Summary:   summary,
			At:        ev.Timestamp,
		})
		s.Version = ev.SequenceNumber
		s.AsOf = ev.Timestamp
	}
	return s, nil
}

func participantJoined(s *CollaborationSession, ev eventlog.DomainEvent) (string, error) {
	var p ParticipantJoined
	if err := ev.Decode(&p); err != nil {
		return "", err
	}
	if existing := s.participant(p.UserID); existing != nil {
		existing.Active = true
		existing.LeftAt = nil
		if p.DisplayName != "" {
			existing.DisplayName = p.DisplayName
		}
		if p.Role != "" {
			existing.Role = p.Role
		}
		return p.UserID + " rejoined", nil
	}
	s.Participants = append(s.Participants, Participant{
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		Role:        p.Role,
		Active:      true,
		JoinedAt:    ev.Timestamp,
	})
	return p.UserID + " joined", nil
}

func participantLeft(s *CollaborationSession, ev eventlog.DomainEvent) (string, error) {
	var p ParticipantLeft
	if err := ev.Decode(&p); err != nil {
		return "", err
	}
	if existing := s.participant(p.UserID); existing != nil {
		at := ev.Timestamp
		existing.Active = false
		existing.LeftAt = &at
	}
	return p.UserID + " left", nil
}

func annotationAdded(s *CollaborationSession, ev eventlog.DomainEvent) (string, error) {
	var a AnnotationAdded
	if err := ev.Decode(&a); err != nil {
		return "", err
	}
	s.Annotations = slices.DeleteFunc(s.Annotations, func(x Annotation) bool { return x.AnnotationID == a.AnnotationID })
	s.Annotations = append(s.Annotations, Annotation{
		AnnotationID: a.AnnotationID,
		ContentID:    a.ContentID,
		UserID:       a.UserID,
		Text:         a.Text,
		Start:        a.Start,
		End:          a.End,
		CreatedAt:    ev.Timestamp,
	})
	return fmt.Sprintf("%s annotated %s [%d,%d)", a.UserID, a.ContentID, a.Start, a.End), nil
}

func annotationRemoved(s *CollaborationSession, ev eventlog.DomainEvent) (string, error) {
	var a AnnotationRemoved
	if err := ev.Decode(&a); err != nil {
		return "", err
	}
	s.Annotations = slices.DeleteFunc(s.Annotations, func(x Annotation) bool { return x.AnnotationID == a.AnnotationID })
	return "annotation " + a.AnnotationID + " removed", nil
}

func searchPerformed(s *CollaborationSession, ev eventlog.DomainEvent) (string, error) {
	var q SearchPerformed
	if err := ev.Decode(&q); err != nil {
		return "", err
	}
	s.SearchActivity = append(s.SearchActivity, Search{
		UserID:      q.UserID,
		Query:       q.Query,
		Filters:     q.Filters,
		ResultCount: q.ResultCount,
		At:          ev.Timestamp,
	})
	return fmt.Sprintf("%s searched %q (%d results)", q.UserID, q.Query, q.ResultCount), nil
}

func conflictDetected(s *CollaborationSession, ev eventlog.DomainEvent) (string, error) {
	var d conflict.SessionConflictSummary
	if err := ev.Decode(&d); err != nil {
		return "", err
	}
	if s.conflict(d.ConflictID) == nil {
		s.Conflicts = append(s.Conflicts, Conflict{
			ConflictID:   d.ConflictID,
			ContentID:    d.ContentID,
			ConflictType: string(d.ConflictType),
			Severity:     string(d.Severity),
			Users:        d.Users,
			Status:       ConflictOpen,
			DetectedAt:   d.DetectedAt,
			UpdatedAt:    ev.Timestamp,
		})
	}
	return fmt.Sprintf("%s %s conflict on %s", d.Severity, d.ConflictType, d.ContentID), nil
}

func mergeCompleted(s *CollaborationSession, ev eventlog.DomainEvent) (string, error) {
	var m merge.SessionMergeSummary
	if err := ev.Decode(&m); err != nil {
		return "", err
	}
	c := s.conflict(m.ConflictID)
	if c == nil {
		return "merged unknown conflict " + m.ConflictID, nil
	}
	c.Strategy = m.Strategy.String()
	c.Confidence = m.ConfidenceScore
	c.UpdatedAt = ev.Timestamp
	if m.MergedVersionID != "" {
		c.Status = ConflictResolved
		c.MergedVersionID = m.MergedVersionID
		return fmt.Sprintf("conflict %s merged with %s", m.ConflictID, m.Strategy), nil
	}
	c.Status = ConflictInReview
	return fmt.Sprintf("conflict %s merge needs review (%.2f)", m.ConflictID, m.ConfidenceScore), nil
}

func workflowChanged(s *CollaborationSession, ev eventlog.DomainEvent) (string, error) {
	var w resolution.WorkflowSummary
	if err := ev.Decode(&w); err != nil {
		return "", err
	}
	existing := s.workflow(w.ResolutionID)
	if existing == nil {
		s.Workflows = append(s.Workflows, Workflow{
			ResolutionID: w.ResolutionID,
			ConflictID:   w.ConflictID,
			StartedAt:    ev.Timestamp,
		})
		existing = &s.Workflows[len(s.Workflows)-1]
	}
	existing.ModeratorID = w.ModeratorID
	existing.Participants = w.Participants
	existing.Status = string(w.Status)
	existing.Reason = w.Reason
	existing.UpdatedAt = ev.Timestamp

	if c := s.conflict(w.ConflictID); c != nil {
		switch w.Status {
		case resolution.StatusEscalated, resolution.StatusExpired:
			c.Status = ConflictEscalated
			c.UpdatedAt = ev.Timestamp
		case resolution.StatusInProgress:
			if c.Status == ConflictOpen || c.Status == ConflictInReview {
				c.Status = ConflictResolving
				c.UpdatedAt = ev.Timestamp
			}
		}
	}
	return fmt.Sprintf("resolution %s %s", w.ResolutionID, w.Status), nil
}

func tombstoned(s *CollaborationSession, _ eventlog.DomainEvent) (string, error) {
	s.Deleted = true
	return "session deleted", nil
}
