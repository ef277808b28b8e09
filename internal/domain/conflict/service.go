package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rpggio/accord/internal/domain/content"
	"github.com/rpggio/accord/internal/domain/diff"
	"github.com/rpggio/accord/internal/domain/eventlog"
	"github.com/rpggio/accord/internal/domain/ot"
	"github.com/rpggio/accord/internal/domain/vclock"
)

// Service detects conflicts between concurrent versions and tracks their
// lifecycle on conflict streams.
type Service struct {
	events   EventLog
	contents ContentReader
	notifier Notifier
	metrics  Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a detector. notifier and metrics may be nil.
func NewService(events EventLog, contents ContentReader, notifier Notifier, metrics Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		events:   events,
		contents: contents,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Detect scans the leaves of a content item for concurrent, divergent
// version pairs that share an ancestor and records a detection for each pair
// not seen before.
func (s *Service) Detect(ctx context.Context, contentID, sessionID string) ([]*Detection, error) {
	versions, err := s.contents.List(ctx, contentID)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}
	known, err := s.knownPairs(ctx, contentID)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*content.Version, len(versions))
	for i := range versions {
		byID[versions[i].ID] = &versions[i]
	}

	leaves := content.Leaves(versions)
	var detections []*Detection
	for i := 0; i < len(leaves); i++ {
		for j := i + 1; j < len(leaves); j++ {
			a, b := &leaves[i], &leaves[j]
			// Sibling edits by one author carry equal clocks but still diverge.
			if rel := vclock.Compare(a.Clock, b.Clock); rel != vclock.Concurrent && rel != vclock.Equal {
				continue
			}
			if a.ContentHash == b.ContentHash {
				continue
			}
			if known[pairKey(a.ID, b.ID)] {
				continue
			}
			base := commonAncestor(byID, a.ID, b.ID)
			if base == nil {
				s.logger.Warn("divergent versions share no ancestor",
					"content_id", contentID, "version_a", a.ID, "version_b", b.ID)
				continue
			}

			det := s.analyze(byID, base, a, b)
			det.SessionID = sessionID
			if err := s.record(ctx, det); errors.Is(err, errAlreadyRecorded) {
				continue
			} else if err != nil {
				return detections, err
			}
			detections = append(detections, det)
		}
	}
	return detections, nil
}

func (s *Service) analyze(byID map[string]*content.Version, base, a, b *content.Version) *Detection {
	det := &Detection{
		ID:            uuid.NewString(),
		ContentID:     a.ContentID,
		ContentType:   a.ContentType,
		BaseVersionID: base.ID,
		VersionAID:    a.ID,
		VersionBID:    b.ID,
		Status:        StatusDetected,
		DetectedAt:    s.now(),
	}

	baseAncestry := ancestors(byID, base.ID)
	branch := append(branchVersions(byID, a.ID, baseAncestry), branchVersions(byID, b.ID, baseAncestry)...)
	det.InvolvedUsers = involvedUsers(branch)

	if err := verify(base, a, b); err != nil {
		s.logger.Error("conflict detection failed; manual follow-up required",
			"content_id", a.ContentID, "version_a", a.ID, "version_b", b.ID, "error", err)
		det.ConflictType = Classify(a.ContentType, nil, 0)
		det.Severity = SeverityHigh
		det.RecommendedStrategy = StrategyManual
		det.StatusReason = err.Error()
		return det
	}

	regions := diff.Regions(base.Content, a.Content, b.Content)
	var ops []ot.Operation
	for _, v := range branch {
		if v.Operation != nil {
			ops = append(ops, *v.Operation)
		}
	}
	analysis := Analyze(a.ContentType, regions, ops, len(det.InvolvedUsers), len([]rune(base.Content)))

	det.Regions = regions
	det.ConflictType = analysis.ConflictType
	det.Severity = analysis.Severity
	det.ComplexityScore = analysis.ComplexityScore
	det.OverlapRatio = analysis.OverlapRatio
	det.RecommendedStrategy = analysis.RecommendedStrategy
	det.EstimatedConfidence = analysis.EstimatedConfidence
	det.CanAutoResolve = analysis.CanAutoResolve
	return det
}

func verify(versions ...*content.Version) error {
	for _, v := range versions {
		if !v.Intact() {
			return fmt.Errorf("%w: version %s content hash mismatch", ErrDetection, v.ID)
		}
	}
	return nil
}

func (s *Service) record(ctx context.Context, det *Detection) error {
	ev, err := eventlog.NewEvent(EventConflictDetected, det, eventlog.Metadata{SessionID: det.SessionID, Source: "conflict"})
	if err != nil {
		return err
	}
	if _, err := s.events.Append(ctx, eventlog.AppendRequest{
		StreamID:        StreamID(det.ID),
		StreamType:      "conflict",
		ExpectedVersion: 0,
		Events:          []eventlog.DomainEvent{ev},
	}); err != nil {
		return fmt.Errorf("recording conflict: %w", err)
	}

	marker, err := eventlog.NewEvent(EventConflictRecorded, conflictRecorded{
		ConflictID: det.ID,
		VersionAID: det.VersionAID,
		VersionBID: det.VersionBID,
	}, eventlog.Metadata{SessionID: det.SessionID, Source: "conflict"})
	if err != nil {
		return err
	}
	_, err = s.events.AppendWithRetry(ctx, content.StreamID(det.ContentID), "content",
		func(ctx context.Context, _ int64) ([]eventlog.DomainEvent, error) {
			known, err := s.knownPairs(ctx, det.ContentID)
			if err != nil {
				return nil, err
			}
			if known[pairKey(det.VersionAID, det.VersionBID)] {
				return nil, errAlreadyRecorded
			}
			return []eventlog.DomainEvent{marker}, nil
		})
	if errors.Is(err, errAlreadyRecorded) {
		// A concurrent Detect won the pair; drop the orphaned conflict stream.
		if err := s.events.Delete(ctx, StreamID(det.ID), "duplicate detection", "conflict"); err != nil {
			s.logger.Warn("tombstoning duplicate conflict", "conflict_id", det.ID, "error", err)
		}
		return errAlreadyRecorded
	}
	if err != nil {
		return fmt.Errorf("marking content stream: %w", err)
	}

	if det.SessionID != "" {
		summary, err := eventlog.NewEvent(EventConflictDetected, SessionConflictSummary{
			ConflictID:   det.ID,
			ContentID:    det.ContentID,
			ConflictType: det.ConflictType,
			Severity:     det.Severity,
			Users:        det.InvolvedUsers,
			DetectedAt:   det.DetectedAt,
		}, eventlog.Metadata{SessionID: det.SessionID, Source: "conflict"})
		if err != nil {
			return err
		}
		if _, err := s.events.AppendWithRetry(ctx, SessionStreamID(det.SessionID), "session", staticEvents(summary)); err != nil {
			return fmt.Errorf("mirroring to session stream: %w", err)
		}
	}

	s.logger.Info("conflict detected",
		"conflict_id", det.ID,
		"content_id", det.ContentID,
		"type", det.ConflictType,
		"severity", det.Severity,
		"recommended", det.RecommendedStrategy,
	)
	if s.metrics != nil {
		s.metrics.ConflictDetected(det)
	}
	if s.notifier != nil {
		s.notifier.NotifyConflictDetected(ctx, det)
	}
	return nil
}

func staticEvents(events ...eventlog.DomainEvent) eventlog.BuildFunc {
	return func(context.Context, int64) ([]eventlog.DomainEvent, error) {
		return events, nil
	}
}

func (s *Service) knownPairs(ctx context.Context, contentID string) (map[string]bool, error) {
	events, err := s.events.ReadAll(ctx, content.StreamID(contentID), eventlog.ReadOptions{})
	if err != nil && !errors.Is(err, eventlog.ErrStreamNotFound) {
		return nil, fmt.Errorf("reading content stream: %w", err)
	}
	known := make(map[string]bool)
	for _, ev := range events {
		if ev.EventType != EventConflictRecorded {
			continue
		}
		var marker conflictRecorded
		if err := ev.Decode(&marker); err != nil {
			return nil, err
		}
		known[pairKey(marker.VersionAID, marker.VersionBID)] = true
	}
	return known, nil
}

// ListByContent returns every detection recorded for a content item.
func (s *Service) ListByContent(ctx context.Context, contentID string) ([]*Detection, error) {
	events, err := s.events.ReadAll(ctx, content.StreamID(contentID), eventlog.ReadOptions{})
	if errors.Is(err, eventlog.ErrStreamNotFound) {
		return nil, content.ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading content stream: %w", err)
	}
	var out []*Detection
	for _, ev := range events {
		if ev.EventType != EventConflictRecorded {
			continue
		}
		var marker conflictRecorded
		if err := ev.Decode(&marker); err != nil {
			return nil, err
		}
		det, err := s.Get(ctx, marker.ConflictID)
		if err != nil {
			return nil, err
		}
		out = append(out, det)
	}
	return out, nil
}

// Get folds a conflict stream into its current detection.
func (s *Service) Get(ctx context.Context, conflictID string) (*Detection, error) {
	return s.load(ctx, conflictID)
}

func (s *Service) load(ctx context.Context, conflictID string) (*Detection, error) {
	events, err := s.events.ReadAll(ctx, StreamID(conflictID), eventlog.ReadOptions{})
	if errors.Is(err, eventlog.ErrStreamNotFound) {
		return nil, ErrConflictNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading conflict %s: %w", conflictID, err)
	}

	var det *Detection
	for _, ev := range events {
		switch ev.EventType {
		case EventConflictDetected:
			det = &Detection{}
			if err := ev.Decode(det); err != nil {
				return nil, err
			}
		case EventStatusChanged:
			if det == nil {
				continue
			}
			var change statusChanged
			if err := ev.Decode(&change); err != nil {
				return nil, err
			}
			det.Status = change.To
			det.StatusReason = change.Reason
			if change.To.Terminal() {
				at := change.At
				det.ResolvedAt = &at
			}
		}
	}
	if det == nil {
		return nil, ErrConflictNotFound
	}
	return det, nil
}

// UpdateStatus moves a detection forward, or to escalated from any
// non-terminal status.
func (s *Service) UpdateStatus(ctx context.Context, conflictID string, to Status, reason string) (*Detection, error) {
	var updated *Detection
	_, err := s.events.AppendWithRetry(ctx, StreamID(conflictID), "conflict", func(ctx context.Context, current int64) ([]eventlog.DomainEvent, error) {
		// A state newer than current makes the append below fail and retry.
		det, err := s.load(ctx, conflictID)
		if err != nil {
			return nil, err
		}
		if !det.Status.CanTransition(to) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, det.Status, to)
		}
		at := s.now()
		ev, err := eventlog.NewEvent(EventStatusChanged, statusChanged{From: det.Status, To: to, Reason: reason, At: at}, eventlog.Metadata{SessionID: det.SessionID, Source: "conflict"})
		if err != nil {
			return nil, err
		}
		det.Status = to
		det.StatusReason = reason
		if to.Terminal() {
			det.ResolvedAt = &at
		}
		updated = det
		return []eventlog.DomainEvent{ev}, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("conflict status changed", "conflict_id", conflictID, "status", to, "reason", reason)
	if to.Terminal() && s.metrics != nil {
		s.metrics.ConflictClosed(updated)
	}
	return updated, nil
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// ancestors returns id and every version reachable through parent links.
func ancestors(byID map[string]*content.Version, id string) map[string]bool {
	seen := map[string]bool{id: true}
	queue := []string{id}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		v, ok := byID[current]
		if !ok {
			continue
		}
		for _, p := range v.Parents() {
			if !seen[p] {
				seen[p] = true
				queue = append(queue, p)
			}
		}
	}
	return seen
}

// commonAncestor walks b's ancestry breadth first and returns the first
// version that is also an ancestor of a.
func commonAncestor(byID map[string]*content.Version, a, b string) *content.Version {
	fromA := ancestors(byID, a)
	seen := map[string]bool{b: true}
	queue := []string{b}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if fromA[current] {
			return byID[current]
		}
		v, ok := byID[current]
		if !ok {
			continue
		}
		for _, p := range v.Parents() {
			if !seen[p] {
				seen[p] = true
				queue = append(queue, p)
			}
		}
	}
	return nil
}

// branchVersions returns the versions between id (inclusive) and the base
// ancestry (exclusive).
func branchVersions(byID map[string]*content.Version, id string, baseAncestry map[string]bool) []*content.Version {
	var out []*content.Version
	for vid := range ancestors(byID, id) {
		if baseAncestry[vid] {
			continue
		}
		if v, ok := byID[vid]; ok {
			out = append(out, v)
		}
	}
	slices.SortFunc(out, func(x, y *content.Version) int {
		return x.CreatedAt.Compare(y.CreatedAt)
	})
	return out
}

func involvedUsers(versions []*content.Version) []string {
	set := make(map[string]bool)
	for _, v := range versions {
		set[v.AuthorID] = true
	}
	users := make([]string, 0, len(set))
	for u := range set {
		users = append(users, u)
	}
	slices.Sort(users)
	return users
}
