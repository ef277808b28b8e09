// Package reconstruct rebuilds collaboration session read models from their
// event streams, at the head of the stream or at any earlier point in time.
package reconstruct

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rpggio/accord/internal/domain/conflict"
	"github.com/rpggio/accord/internal/domain/eventlog"
	"golang.org/x/sync/singleflight"
)

// StreamType is the event log stream type of collaboration sessions.
const StreamType = "session"

const DefaultCacheSize = 256

// ErrSessionNotFound indicates the session stream has no events.
var ErrSessionNotFound = errors.New("collaboration session not found")

// EventLog is the subset of the event log the reconstructor reads.
type EventLog interface {
	ReadAll(ctx context.Context, streamID string, opts eventlog.ReadOptions) ([]eventlog.DomainEvent, error)
	LatestSnapshot(ctx context.Context, streamID string, atOrBefore *time.Time) (*eventlog.Snapshot, error)
}

// Metrics observes reconstructions.
type Metrics interface {
	Reconstructed(cacheHit bool, events int, elapsed time.Duration)
}

// Options configures a Reconstructor.
type Options struct {
	CacheSize int
}

type cacheKey struct {
	sessionID string
	latest    bool
	at        int64
}

// Reconstructor serves session projections. Results are cached by session
// and point in time until a later append could change them.
type Reconstructor struct {
	events  EventLog
	metrics Metrics
	logger  *slog.Logger
	cache   *lru.Cache[cacheKey, *CollaborationSession]
	group   singleflight.Group

	mu   sync.Mutex
	gens map[string]uint64
}

// New creates a Reconstructor. metrics may be nil.
func New(events EventLog, metrics Metrics, opts Options, logger *slog.Logger) (*Reconstructor, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[cacheKey, *CollaborationSession](size)
	if err != nil {
		return nil, fmt.Errorf("creating projection cache: %w", err)
	}
	return &Reconstructor{
		events:  events,
		metrics: metrics,
		logger:  logger,
		cache:   cache,
		gens:    make(map[string]uint64),
	}, nil
}

// Reconstruct returns the session as of pointInTime, or its latest state
// when pointInTime is nil. The caller owns the returned value.
func (r *Reconstructor) Reconstruct(ctx context.Context, sessionID string, pointInTime *time.Time) (*CollaborationSession, error) {
	start := time.Now()
	key := cacheKey{sessionID: sessionID, latest: pointInTime == nil}
	if pointInTime != nil {
		key.at = pointInTime.UnixNano()
	}
	if s, ok := r.cache.Get(key); ok {
		r.observe(true, 0, start)
		return s.Clone(), nil
	}

	v, err, _ := r.group.Do(key.String(), func() (any, error) {
		gen := r.generation(sessionID)
		s, folded, err := r.build(ctx, sessionID, 0, pointInTime)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		if r.gens[sessionID] == gen {
			r.cache.Add(key, s)
		}
		r.mu.Unlock()
		r.observe(false, folded, start)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*CollaborationSession).Clone(), nil
}

// SnapshotState folds the session stream up to version upTo. It makes the
// reconstructor the event log's snapshotter for session streams.
func (r *Reconstructor) SnapshotState(ctx context.Context, streamID string, upTo int64) (json.RawMessage, error) {
	s, _, err := r.build(ctx, sessionIDOf(streamID), upTo, nil)
	if err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

// Invalidate drops cached projections an append to streamID may have changed.
// It has the eventlog.Subscriber signature.
func (r *Reconstructor) Invalidate(_ context.Context, streamID string, events []eventlog.DomainEvent) {
	if eventlog.StreamTypeOf(streamID) != StreamType || len(events) == 0 {
		return
	}
	sessionID := sessionIDOf(streamID)
	earliest := events[0].Timestamp.UnixNano()

	r.mu.Lock()
	r.gens[sessionID]++
	r.mu.Unlock()

	for _, k := range r.cache.Keys() {
		if k.sessionID == sessionID && (k.latest || k.at >= earliest) {
			r.cache.Remove(k)
		}
	}
}

// build folds from the nearest usable snapshot. upTo > 0 bounds the version,
// pointInTime bounds event timestamps.
func (r *Reconstructor) build(ctx context.Context, sessionID string, upTo int64, pointInTime *time.Time) (*CollaborationSession, int, error) {
	streamID := conflict.SessionStreamID(sessionID)

	var base *CollaborationSession
	snap, err := r.events.LatestSnapshot(ctx, streamID, pointInTime)
	switch {
	case errors.Is(err, eventlog.ErrSnapshotNotFound):
	case err != nil:
		return nil, 0, fmt.Errorf("loading snapshot of %s: %w", streamID, err)
	case upTo > 0 && snap.Version > upTo:
	default:
		base = newSession(sessionID)
		if err := json.Unmarshal(snap.State, base); err != nil {
			r.logger.Warn("ignoring unreadable snapshot", "stream_id", streamID, "version", snap.Version, "error", err)
			base = nil
		}
	}

	opts := eventlog.ReadOptions{To: upTo}
	if base != nil {
		opts.From = base.Version + 1
	}
	events, err := r.events.ReadAll(ctx, streamID, opts)
	if errors.Is(err, eventlog.ErrStreamNotFound) {
		return nil, 0, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, 0, err
	}
	if pointInTime != nil {
		for i, ev := range events {
			if ev.Timestamp.After(*pointInTime) {
				events = events[:i]
				break
			}
		}
	}
	if base == nil && len(events) == 0 {
		return nil, 0, fmt.Errorf("%w: %s has no events in range", ErrSessionNotFound, sessionID)
	}

	s, err := Fold(sessionID, base, events)
	if err != nil {
		return nil, 0, err
	}
	return s, len(events), nil
}

func (r *Reconstructor) generation(sessionID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gens[sessionID]
}

func (r *Reconstructor) observe(hit bool, events int, start time.Time) {
	if r.metrics != nil {
		r.metrics.Reconstructed(hit, events, time.Since(start))
	}
}

func (k cacheKey) String() string {
	if k.latest {
		return k.sessionID + "@latest"
	}
	return k.sessionID + "@" + strconv.FormatInt(k.at, 10)
}

func sessionIDOf(streamID string) string {
	if id, ok := strings.CutPrefix(streamID, StreamType+"-"); ok {
		return id
	}
	return streamID
}
