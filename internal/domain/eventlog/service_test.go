package eventlog_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rpggio/accord/internal/domain/eventlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEvent(t *testing.T, eventType string, data any) eventlog.DomainEvent {
	t.Helper()
	ev, err := eventlog.NewEvent(eventType, data, eventlog.Metadata{UserID: "alice", SessionID: "s1"})
	require.NoError(t, err)
	return ev
}

func appendN(t *testing.T, svc *eventlog.Service, streamID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		version, err := svc.StreamVersion(ctx, streamID)
		if err != nil {
			require.ErrorIs(t, err, eventlog.ErrStreamNotFound)
		}
		_, err = svc.Append(ctx, eventlog.AppendRequest{
			StreamID:        streamID,
			ExpectedVersion: version,
			Events:          []eventlog.DomainEvent{newEvent(t, "note_added", map[string]int{"n": i})},
		})
		require.NoError(t, err)
	}
}

func TestAppend_AssignsConsecutiveSequenceNumbers(t *testing.T) {
	ctx := context.Background()
	svc := eventlog.NewService(eventlog.NewMemoryStore(), eventlog.Options{}, nil)

	result, err := svc.Append(ctx, eventlog.AppendRequest{
		StreamID:        "session-1",
		ExpectedVersion: 0,
		Source:          "test",
		Events: []eventlog.DomainEvent{
			newEvent(t, "participant_joined", map[string]string{"user_id": "alice"}),
			newEvent(t, "participant_joined", map[string]string{"user_id": "bob"}),
		},
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), result.NewVersion)

	events, err := svc.ReadAll(ctx, "session-1", eventlog.ReadOptions{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.SequenceNumber)
		assert.Equal(t, "session-1", ev.StreamID)
		assert.Equal(t, "test", ev.Metadata.Source)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	}
	assert.Equal(t, events[0].ID, events[1].CorrelationID)

	stream, err := svc.GetStream(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, "session", stream.Type)
}

func TestAppend_ConcurrencyViolationCarriesVersions(t *testing.T) {
	ctx := context.Background()
	svc := eventlog.NewService(eventlog.NewMemoryStore(), eventlog.Options{}, nil)
	appendN(t, svc, "content-1", 2)

	_, err := svc.Append(ctx, eventlog.AppendRequest{
		StreamID:        "content-1",
		ExpectedVersion: 1,
		Events:          []eventlog.DomainEvent{newEvent(t, "version_created", nil)},
	})
	require.ErrorIs(t, err, eventlog.ErrConcurrencyViolation)

	var violation *eventlog.ConcurrencyViolationError
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, int64(1), violation.Expected)
	assert.Equal(t, int64(2), violation.Actual)
}

func TestAppend_SingleWriterPerExpectedVersion(t *testing.T) {
	ctx := context.Background()
	svc := eventlog.NewService(eventlog.NewMemoryStore(), eventlog.Options{}, nil)
	appendN(t, svc, "session-race", 1)

	const writers = 2
	var wg sync.WaitGroup
	var successes, violations atomic.Int32
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := svc.Append(ctx, eventlog.AppendRequest{
				StreamID:        "session-race",
				ExpectedVersion: 1,
				Events:          []eventlog.DomainEvent{newEvent(t, "annotation_added", map[string]int{"writer": i})},
			})
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, eventlog.ErrConcurrencyViolation):
				violations.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(1), violations.Load())

	version, err := svc.StreamVersion(ctx, "session-race")
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
}

func TestAppendWithRetry_AllWritersEventuallySucceed(t *testing.T) {
	ctx := context.Background()
	const writers = 8
	svc := eventlog.NewService(eventlog.NewMemoryStore(), eventlog.Options{MaxAppendRetries: writers}, nil)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.AppendWithRetry(ctx, "session-busy", "session", func(ctx context.Context, current int64) ([]eventlog.DomainEvent, error) {
				return []eventlog.DomainEvent{newEvent(t, "search_performed", map[string]int{"writer": i})}, nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	events, err := svc.ReadAll(ctx, "session-busy", eventlog.ReadOptions{})
	require.NoError(t, err)
	require.Len(t, events, writers)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.SequenceNumber)
	}
}

func TestAppendWithRetry_SurfacesViolationAfterBoundedAttempts(t *testing.T) {
	ctx := context.Background()
	store := eventlog.NewMemoryStore()
	svc := eventlog.NewService(store, eventlog.Options{MaxAppendRetries: 3}, nil)

	attempts := 0
	_, err := svc.AppendWithRetry(ctx, "content-hot", "content", func(ctx context.Context, current int64) ([]eventlog.DomainEvent, error) {
		attempts++
		// A competing writer lands between the version read and our append.
		_, err := store.Append(ctx, eventlog.AppendBatch{
			StreamID:        "content-hot",
			StreamType:      "content",
			ExpectedVersion: current,
			Events:          []eventlog.DomainEvent{{ID: fmt.Sprint(attempts), EventType: "version_created", Data: json.RawMessage(`{}`), SequenceNumber: current + 1}},
		})
		require.NoError(t, err)
		return []eventlog.DomainEvent{newEvent(t, "version_created", nil)}, nil
	})
	require.ErrorIs(t, err, eventlog.ErrConcurrencyViolation)
	assert.Equal(t, 3, attempts)
}

func TestAppend_RejectsInvalidEvents(t *testing.T) {
	ctx := context.Background()
	svc := eventlog.NewService(eventlog.NewMemoryStore(), eventlog.Options{}, nil)

	tests := []struct {
		name string
		req  eventlog.AppendRequest
	}{
		{name: "missing stream", req: eventlog.AppendRequest{Events: []eventlog.DomainEvent{{EventType: "x"}}}},
		{name: "negative version", req: eventlog.AppendRequest{StreamID: "s-1", ExpectedVersion: -1, Events: []eventlog.DomainEvent{{EventType: "x"}}}},
		{name: "no events", req: eventlog.AppendRequest{StreamID: "s-1"}},
		{name: "missing type", req: eventlog.AppendRequest{StreamID: "s-1", Events: []eventlog.DomainEvent{{}}}},
		{name: "bad data", req: eventlog.AppendRequest{StreamID: "s-1", Events: []eventlog.DomainEvent{{EventType: "x", Data: json.RawMessage(`{nope`)}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Append(ctx, tt.req)
			require.ErrorIs(t, err, eventlog.ErrInvalidEvent)
		})
	}

	exists, err := svc.StreamExists(ctx, "s-1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRead_PagesLazilyWithinBounds(t *testing.T) {
	ctx := context.Background()
	svc := eventlog.NewService(eventlog.NewMemoryStore(), eventlog.Options{PageSize: 2}, nil)
	appendN(t, svc, "session-read", 7)

	events, err := svc.ReadAll(ctx, "session-read", eventlog.ReadOptions{})
	require.NoError(t, err)
	require.Len(t, events, 7)

	bounded, err := svc.ReadAll(ctx, "session-read", eventlog.ReadOptions{From: 3, To: 5})
	require.NoError(t, err)
	require.Len(t, bounded, 3)
	assert.Equal(t, int64(3), bounded[0].SequenceNumber)
	assert.Equal(t, int64(5), bounded[2].SequenceNumber)

	var seen []int64
	for ev, err := range svc.Read(ctx, "session-read", eventlog.ReadOptions{}) {
		require.NoError(t, err)
		seen = append(seen, ev.SequenceNumber)
		if len(seen) == 3 {
			break
		}
	}
	assert.Equal(t, []int64{1, 2, 3}, seen)
}

func TestRead_UnknownStream(t *testing.T) {
	svc := eventlog.NewService(eventlog.NewMemoryStore(), eventlog.Options{}, nil)
	_, err := svc.ReadAll(context.Background(), "session-missing", eventlog.ReadOptions{})
	require.ErrorIs(t, err, eventlog.ErrStreamNotFound)

	_, err = svc.StreamVersion(context.Background(), "session-missing")
	require.ErrorIs(t, err, eventlog.ErrStreamNotFound)
}

func TestDelete_TombstonesStream(t *testing.T) {
	ctx := context.Background()
	svc := eventlog.NewService(eventlog.NewMemoryStore(), eventlog.Options{}, nil)
	appendN(t, svc, "content-gone", 2)

	require.NoError(t, svc.Delete(ctx, "content-gone", "gdpr request", "admin"))

	_, err := svc.Append(ctx, eventlog.AppendRequest{
		StreamID:        "content-gone",
		ExpectedVersion: 3,
		Events:          []eventlog.DomainEvent{newEvent(t, "version_created", nil)},
	})
	require.ErrorIs(t, err, eventlog.ErrStreamDeleted)

	events, err := svc.ReadAll(ctx, "content-gone", eventlog.ReadOptions{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, eventlog.TombstoneEventType, events[2].EventType)

	require.ErrorIs(t, svc.Delete(ctx, "content-gone", "again", "admin"), eventlog.ErrStreamDeleted)
}

type countingSnapshotter struct {
	calls []int64
}

func (c *countingSnapshotter) SnapshotState(ctx context.Context, streamID string, upTo int64) (json.RawMessage, error) {
	c.calls = append(c.calls, upTo)
	return json.Marshal(map[string]int64{"version": upTo})
}

func TestAppend_SnapshotsEveryInterval(t *testing.T) {
	ctx := context.Background()
	svc := eventlog.NewService(eventlog.NewMemoryStore(), eventlog.Options{SnapshotInterval: 2}, nil)
	snapshotter := &countingSnapshotter{}
	svc.RegisterSnapshotter("session", snapshotter)

	appendN(t, svc, "session-snap", 5)
	assert.Equal(t, []int64{2, 4}, snapshotter.calls)

	snap, err := svc.LatestSnapshot(ctx, "session-snap", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.Version)
	assert.JSONEq(t, `{"version":4}`, string(snap.State))

	before := snap.Timestamp.Add(-time.Nanosecond)
	earlier, err := svc.LatestSnapshot(ctx, "session-snap", &before)
	if err == nil {
		assert.Less(t, earlier.Version, int64(4))
	} else {
		require.ErrorIs(t, err, eventlog.ErrSnapshotNotFound)
	}

	_, err = svc.LatestSnapshot(ctx, "session-other", nil)
	require.ErrorIs(t, err, eventlog.ErrSnapshotNotFound)
}

func TestSubscribe_ReceivesAppendsUntilUnsubscribed(t *testing.T) {
	svc := eventlog.NewService(eventlog.NewMemoryStore(), eventlog.Options{}, nil)

	var received []string
	unsubscribe := svc.Subscribe(func(ctx context.Context, streamID string, events []eventlog.DomainEvent) {
		received = append(received, fmt.Sprintf("%s:%d", streamID, len(events)))
	})

	appendN(t, svc, "session-sub", 1)
	unsubscribe()
	appendN(t, svc, "session-sub", 1)

	assert.Equal(t, []string{"session-sub:1"}, received)
}

func TestStreamTypeOf(t *testing.T) {
	assert.Equal(t, "resolution", eventlog.StreamTypeOf("resolution-abc-123"))
	assert.Equal(t, "plain", eventlog.StreamTypeOf("plain"))
}
