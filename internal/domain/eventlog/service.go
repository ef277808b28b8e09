package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultSnapshotInterval = 100
	DefaultMaxAppendRetries = 3
	DefaultPageSize         = 256
)

// Options tunes the event log service.
type Options struct {
	SnapshotInterval int
	MaxAppendRetries int
	PageSize         int
}

func (o Options) withDefaults() Options {
	if o.SnapshotInterval <= 0 {
		o.SnapshotInterval = DefaultSnapshotInterval
	}
	if o.MaxAppendRetries <= 0 {
		o.MaxAppendRetries = DefaultMaxAppendRetries
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	return o
}

// Service validates, sequences and persists events and fans out
// post-append hooks.
type Service struct {
	store  Store
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu           sync.RWMutex
	snapshotters map[string]Snapshotter
	subscribers  map[int]Subscriber
	nextSub      int
}

// NewService creates an event log over store.
func NewService(store Store, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		store:        store,
		opts:         opts.withDefaults(),
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		snapshotters: make(map[string]Snapshotter),
		subscribers:  make(map[int]Subscriber),
	}
}

// AppendRequest describes a conditional append.
type AppendRequest struct {
	StreamID        string
	StreamType      string
	ExpectedVersion int64
	Events          []DomainEvent
	Source          string
	CorrelationID   string
}

// AppendResult reports the stream version after an append.
type AppendResult struct {
	StreamID   string `json:"stream_id"`
	NewVersion int64  `json:"new_version"`
}

// Append writes req.Events iff the stream is at req.ExpectedVersion.
func (s *Service) Append(ctx context.Context, req AppendRequest) (*AppendResult, error) {
	return s.append(ctx, req, false)
}

func (s *Service) append(ctx context.Context, req AppendRequest, tombstone bool) (*AppendResult, error) {
	batch, err := s.prepare(req)
	if err != nil {
		return nil, err
	}
	batch.Tombstone = tombstone

	newVersion, err := s.store.Append(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("appending to %s: %w", req.StreamID, err)
	}

	s.logger.Debug("events appended",
		"stream_id", batch.StreamID,
		"count", len(batch.Events),
		"version", newVersion,
	)

	s.publish(ctx, batch.StreamID, batch.Events)
	s.maybeSnapshot(ctx, batch.StreamID, batch.StreamType, req.ExpectedVersion, newVersion)

	return &AppendResult{StreamID: batch.StreamID, NewVersion: newVersion}, nil
}

func (s *Service) prepare(req AppendRequest) (AppendBatch, error) {
	if req.StreamID == "" {
		return AppendBatch{}, fmt.Errorf("%w: stream id required", ErrInvalidEvent)
	}
	if req.ExpectedVersion < 0 {
		return AppendBatch{}, fmt.Errorf("%w: negative expected version %d", ErrInvalidEvent, req.ExpectedVersion)
	}
	if len(req.Events) == 0 {
		return AppendBatch{}, fmt.Errorf("%w: no events", ErrInvalidEvent)
	}

	streamType := req.StreamType
	if streamType == "" {
		streamType = StreamTypeOf(req.StreamID)
	}

	now := s.now()
	events := make([]DomainEvent, len(req.Events))
	for i, ev := range req.Events {
		if ev.EventType == "" {
			return AppendBatch{}, fmt.Errorf("%w: event %d has no type", ErrInvalidEvent, i)
		}
		if len(ev.Data) == 0 {
			ev.Data = json.RawMessage(`{}`)
		}
		if !json.Valid(ev.Data) {
			return AppendBatch{}, fmt.Errorf("%w: event %d data is not JSON", ErrInvalidEvent, i)
		}
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if ev.EventVersion == 0 {
			ev.EventVersion = 1
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
		if ev.Metadata.Source == "" {
			ev.Metadata.Source = req.Source
		}
		ev.StreamID = req.StreamID
		ev.SequenceNumber = req.ExpectedVersion + int64(i) + 1
		events[i] = ev
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = events[0].ID
	}
	for i := range events {
		if events[i].CorrelationID == "" {
			events[i].CorrelationID = correlationID
		}
	}

	return AppendBatch{
		StreamID:        req.StreamID,
		StreamType:      streamType,
		ExpectedVersion: req.ExpectedVersion,
		Events:          events,
	}, nil
}

// BuildFunc produces the events to append given the current stream version.
type BuildFunc func(ctx context.Context, currentVersion int64) ([]DomainEvent, error)

// AppendWithRetry re-reads the stream version and rebuilds events after each
// concurrency violation, up to Options.MaxAppendRetries attempts.
func (s *Service) AppendWithRetry(ctx context.Context, streamID, streamType string, build BuildFunc) (*AppendResult, error) {
	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxAppendRetries; attempt++ {
		current, err := s.StreamVersion(ctx, streamID)
		if err != nil && !errors.Is(err, ErrStreamNotFound) {
			return nil, err
		}
		events, err := build(ctx, current)
		if err != nil {
			return nil, err
		}
		result, err := s.Append(ctx, AppendRequest{
			StreamID:        streamID,
			StreamType:      streamType,
			ExpectedVersion: current,
			Events:          events,
		})
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, ErrConcurrencyViolation) {
			return nil, err
		}
		lastErr = err
		s.logger.Debug("append retry", "stream_id", streamID, "attempt", attempt)
	}
	return nil, lastErr
}

// Read lazily yields events in sequence order, fetching one page at a time.
func (s *Service) Read(ctx context.Context, streamID string, opts ReadOptions) iter.Seq2[DomainEvent, error] {
	return func(yield func(DomainEvent, error) bool) {
		if _, err := s.store.GetStream(ctx, streamID); err != nil {
			yield(DomainEvent{}, err)
			return
		}
		from := max(opts.From, 1)
		for {
			if opts.To > 0 && from > opts.To {
				return
			}
			page, err := s.store.ReadRange(ctx, streamID, from, opts.To, s.opts.PageSize)
			if err != nil {
				yield(DomainEvent{}, fmt.Errorf("reading %s from %d: %w", streamID, from, err))
				return
			}
			for _, ev := range page {
				if !yield(ev, nil) {
					return
				}
			}
			if len(page) < s.opts.PageSize {
				return
			}
			from = page[len(page)-1].SequenceNumber + 1
		}
	}
}

// ReadAll collects Read into a slice.
func (s *Service) ReadAll(ctx context.Context, streamID string, opts ReadOptions) ([]DomainEvent, error) {
	var events []DomainEvent
	for ev, err := range s.Read(ctx, streamID, opts) {
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// StreamVersion returns the number of events in the stream.
func (s *Service) StreamVersion(ctx context.Context, streamID string) (int64, error) {
	stream, err := s.store.GetStream(ctx, streamID)
	if err != nil {
		return 0, err
	}
	return stream.Version, nil
}

// StreamExists reports whether any event was ever appended to the stream.
func (s *Service) StreamExists(ctx context.Context, streamID string) (bool, error) {
	_, err := s.store.GetStream(ctx, streamID)
	if errors.Is(err, ErrStreamNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetStream returns stream metadata.
func (s *Service) GetStream(ctx context.Context, streamID string) (*Stream, error) {
	return s.store.GetStream(ctx, streamID)
}

type tombstoneData struct {
	Reason string `json:"reason"`
}

// Delete appends a tombstone. Later appends fail with ErrStreamDeleted.
func (s *Service) Delete(ctx context.Context, streamID, reason, userID string) error {
	stream, err := s.store.GetStream(ctx, streamID)
	if err != nil {
		return err
	}
	if stream.Deleted {
		return ErrStreamDeleted
	}
	ev, err := NewEvent(TombstoneEventType, tombstoneData{Reason: reason}, Metadata{UserID: userID, Source: "eventlog"})
	if err != nil {
		return err
	}
	_, err = s.append(ctx, AppendRequest{
		StreamID:        streamID,
		StreamType:      stream.Type,
		ExpectedVersion: stream.Version,
		Events:          []DomainEvent{ev},
	}, true)
	if err != nil {
		return err
	}
	s.logger.Info("stream tombstoned", "stream_id", streamID, "user_id", userID, "reason", reason)
	return nil
}

// RegisterSnapshotter installs the snapshot producer for a stream type.
func (s *Service) RegisterSnapshotter(streamType string, snapshotter Snapshotter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotters[streamType] = snapshotter
}

// Subscribe registers fn for post-append notification and returns a func
// that removes it.
func (s *Service) Subscribe(fn Subscriber) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *Service) publish(ctx context.Context, streamID string, events []DomainEvent) {
	s.mu.RLock()
	subs := make([]Subscriber, 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.RUnlock()

	for _, fn := range subs {
		fn(ctx, streamID, events)
	}
}

// Snapshot asks the stream type's snapshotter for the current state and
// stores it.
func (s *Service) Snapshot(ctx context.Context, streamID string) (*Snapshot, error) {
	stream, err := s.store.GetStream(ctx, streamID)
	if err != nil {
		return nil, err
	}
	return s.takeSnapshot(ctx, streamID, stream.Type, stream.Version)
}

// LatestSnapshot returns the nearest snapshot at or before atOrBefore.
func (s *Service) LatestSnapshot(ctx context.Context, streamID string, atOrBefore *time.Time) (*Snapshot, error) {
	return s.store.LatestSnapshot(ctx, streamID, atOrBefore)
}

func (s *Service) maybeSnapshot(ctx context.Context, streamID, streamType string, before, after int64) {
	interval := int64(s.opts.SnapshotInterval)
	if before/interval == after/interval {
		return
	}
	if _, err := s.takeSnapshot(ctx, streamID, streamType, after); err != nil && !errors.Is(err, errNoSnapshotter) {
		s.logger.Warn("snapshot failed", "stream_id", streamID, "version", after, "error", err)
	}
}

var errNoSnapshotter = errors.New("no snapshotter registered")

func (s *Service) takeSnapshot(ctx context.Context, streamID, streamType string, version int64) (*Snapshot, error) {
	s.mu.RLock()
	snapshotter, ok := s.snapshotters[streamType]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w for %q", errNoSnapshotter, streamType)
	}

	events, err := s.store.ReadRange(ctx, streamID, version, version, 1)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot boundary: %w", err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: version %d", ErrStreamNotFound, version)
	}

	state, err := snapshotter.SnapshotState(ctx, streamID, version)
	if err != nil {
		return nil, fmt.Errorf("building snapshot state: %w", err)
	}
	snap := Snapshot{
		StreamID:  streamID,
		Version:   version,
		State:     state,
		Timestamp: events[0].Timestamp,
		CreatedAt: s.now(),
	}
	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("saving snapshot: %w", err)
	}
	s.logger.Debug("snapshot saved", "stream_id", streamID, "version", version)
	return &snap, nil
}
