package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rpggio/accord/internal/domain/eventlog"
	"github.com/rpggio/accord/internal/domain/ot"
	"github.com/rpggio/accord/internal/domain/vclock"
)

// Service derives content versions and persists them to content streams.
type Service struct {
	events EventLog
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a new content service.
func NewService(events EventLog, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		events: events,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateRequest describes a new content item.
type CreateRequest struct {
	ContentID   string
	ContentType Type
	Content     string
	AuthorID    string
	SessionID   string
}

// EditRequest derives a version by applying Operation to ParentVersionID.
// Observed is the editor's clock, merged into the parent's before ticking.
type EditRequest struct {
	ContentID       string
	ParentVersionID string
	Operation       ot.Operation
	Observed        *vclock.Clock
	AuthorID        string
	SessionID       string
}

// Create appends the root version of a new content item.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Version, error) {
	if req.AuthorID == "" {
		return nil, fmt.Errorf("%w: author required", ErrInvalidInput)
	}
	contentID := req.ContentID
	if contentID == "" {
		contentID = uuid.NewString()
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = TypeDocument
	}

	now := s.now()
	v := &Version{
		ID:          uuid.NewString(),
		ContentID:   contentID,
		ContentType: contentType,
		Content:     req.Content,
		ContentHash: Hash(req.Content),
		Clock:       vclock.New(req.SessionID).IncrementAt(req.AuthorID, now),
		AuthorID:    req.AuthorID,
		SessionID:   req.SessionID,
		CreatedAt:   now,
	}

	ev, err := versionEvent(v)
	if err != nil {
		return nil, err
	}
	_, err = s.events.Append(ctx, eventlog.AppendRequest{
		StreamID:        StreamID(contentID),
		StreamType:      "content",
		ExpectedVersion: 0,
		Events:          []eventlog.DomainEvent{ev},
		Source:          "content",
	})
	if errors.Is(err, eventlog.ErrConcurrencyViolation) {
		return nil, ErrContentExists
	}
	if err != nil {
		return nil, fmt.Errorf("creating content: %w", err)
	}

	s.logger.Info("content created", "content_id", contentID, "version_id", v.ID, "author_id", v.AuthorID)
	return v, nil
}

// ApplyEdit derives a new version from its parent. Index errors from the
// operation are returned wrapped; the caller re-syncs from the latest version.
func (s *Service) ApplyEdit(ctx context.Context, req EditRequest) (*Version, error) {
	if req.AuthorID == "" || req.ParentVersionID == "" {
		return nil, fmt.Errorf("%w: author and parent version required", ErrInvalidInput)
	}
	parent, err := s.Get(ctx, req.ContentID, req.ParentVersionID)
	if err != nil {
		return nil, err
	}

	updated, err := ot.Apply(parent.Content, req.Operation)
	if err != nil {
		return nil, fmt.Errorf("applying edit to %s: %w", parent.ID, err)
	}

	op := req.Operation
	if op.UserID == "" {
		op.UserID = req.AuthorID
	}
	if op.SessionID == "" {
		op.SessionID = req.SessionID
	}
	now := s.now()
	if op.Timestamp.IsZero() {
		op.Timestamp = now
	}

	clock := parent.Clock
	if req.Observed != nil {
		clock = clock.Merge(*req.Observed)
	}
	parentID := parent.ID
	v := &Version{
		ID:              uuid.NewString(),
		ContentID:       parent.ContentID,
		ContentType:     parent.ContentType,
		Content:         updated,
		ContentHash:     Hash(updated),
		Clock:           clock.IncrementAt(req.AuthorID, now),
		ParentVersionID: &parentID,
		AuthorID:        req.AuthorID,
		SessionID:       req.SessionID,
		Operation:       &op,
		CreatedAt:       now,
	}
	if err := s.Commit(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// Commit appends a fully built version, such as a merge result. Missing ids,
// hashes and timestamps are filled in.
func (s *Service) Commit(ctx context.Context, v *Version) error {
	if v.ContentID == "" {
		return fmt.Errorf("%w: content id required", ErrInvalidInput)
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.now()
	}
	v.ContentHash = Hash(v.Content)

	ev, err := versionEvent(v)
	if err != nil {
		return err
	}
	_, err = s.events.AppendWithRetry(ctx, StreamID(v.ContentID), "content", func(ctx context.Context, current int64) ([]eventlog.DomainEvent, error) {
		if current == 0 {
			return nil, ErrContentNotFound
		}
		return []eventlog.DomainEvent{ev}, nil
	})
	if err != nil {
		return fmt.Errorf("committing version %s: %w", v.ID, err)
	}

	s.logger.Debug("version committed", "content_id", v.ContentID, "version_id", v.ID, "author_id", v.AuthorID)
	return nil
}

// List folds the content stream into its versions in append order.
func (s *Service) List(ctx context.Context, contentID string) ([]Version, error) {
	events, err := s.events.ReadAll(ctx, StreamID(contentID), eventlog.ReadOptions{})
	if errors.Is(err, eventlog.ErrStreamNotFound) {
		return nil, ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading content %s: %w", contentID, err)
	}

	versions := make([]Version, 0, len(events))
	for _, ev := range events {
		if ev.EventType != EventVersionCreated {
			continue
		}
		var v Version
		if err := ev.Decode(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// Get returns one version of a content item.
func (s *Service) Get(ctx context.Context, contentID, versionID string) (*Version, error) {
	versions, err := s.List(ctx, contentID)
	if err != nil {
		return nil, err
	}
	for i := range versions {
		if versions[i].ID == versionID {
			return &versions[i], nil
		}
	}
	return nil, ErrVersionNotFound
}

// Latest returns the most recently appended version.
func (s *Service) Latest(ctx context.Context, contentID string) (*Version, error) {
	versions, err := s.List(ctx, contentID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, ErrContentNotFound
	}
	return &versions[len(versions)-1], nil
}

// Leaves returns versions that no other version names as a parent.
func Leaves(versions []Version) []Version {
	referenced := make(map[string]bool, len(versions))
	for _, v := range versions {
		for _, p := range v.Parents() {
			referenced[p] = true
		}
	}
	var leaves []Version
	for _, v := range versions {
		if !referenced[v.ID] {
			leaves = append(leaves, v)
		}
	}
	return leaves
}

func versionEvent(v *Version) (eventlog.DomainEvent, error) {
	return eventlog.NewEvent(EventVersionCreated, v, eventlog.Metadata{
		UserID:    v.AuthorID,
		SessionID: v.SessionID,
		Source:    "content",
	})
}
