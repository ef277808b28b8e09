package reconstruct_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rpggio/accord/internal/domain/conflict"
	"github.com/rpggio/accord/internal/domain/eventlog"
	"github.com/rpggio/accord/internal/domain/merge"
	"github.com/rpggio/accord/internal/domain/reconstruct"
	"github.com/rpggio/accord/internal/domain/resolution"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type step struct {
	eventType string
	userID    string
	data      any
}

// history is one session's worth of activity, one event per step.
func history() []step {
	return []step{
		{reconstruct.EventParticipantJoined, "alice", reconstruct.ParticipantJoined{UserID: "alice", DisplayName: "Alice", Role: "editor"}},
		{reconstruct.EventParticipantJoined, "bob", reconstruct.ParticipantJoined{UserID: "bob"}},
		{reconstruct.EventAnnotationAdded, "alice", reconstruct.AnnotationAdded{AnnotationID: "a1", ContentID: "c1", UserID: "alice", Text: "check this", Start: 0, End: 6}},
		{reconstruct.EventSearchPerformed, "bob", reconstruct.SearchPerformed{UserID: "bob", Query: "status:open", Filters: map[string]string{"type": "query"}, ResultCount: 12}},
		{conflict.EventConflictDetected, "", conflict.SessionConflictSummary{
			ConflictID: "k1", ContentID: "c1", ConflictType: conflict.TypeSemanticConflict,
			Severity: conflict.SeverityHigh, Users: []string{"alice", "bob"}, DetectedAt: epoch,
		}},
		{merge.EventMergeCompleted, "merge-engine", merge.SessionMergeSummary{ConflictID: "k1", ContentID: "c1", Strategy: merge.StrategyThreeWay, ConfidenceScore: 0.4, RequiresUserReview: true}},
		{resolution.EventStarted, "mod", resolution.WorkflowSummary{ResolutionID: "r1", ConflictID: "k1", ModeratorID: "mod", Participants: []string{"alice", "bob"}, Status: resolution.StatusInProgress}},
		{reconstruct.EventAnnotationRemoved, "alice", reconstruct.AnnotationRemoved{AnnotationID: "a1"}},
		{reconstruct.EventParticipantLeft, "bob", reconstruct.ParticipantLeft{UserID: "bob"}},
		{merge.EventMergeCompleted, "mod", merge.SessionMergeSummary{ConflictID: "k1", ContentID: "c1", Strategy: merge.StrategyManual, ConfidenceScore: 1, MergedVersionID: "v9"}},
		{resolution.EventCompleted, "mod", resolution.WorkflowSummary{ResolutionID: "r1", ConflictID: "k1", ModeratorID: "mod", Participants: []string{"alice", "bob"}, Status: resolution.StatusCompleted}},
	}
}

func events(t *testing.T, steps []step) []eventlog.DomainEvent {
	t.Helper()
	out := make([]eventlog.DomainEvent, 0, len(steps))
	for i, st := range steps {
		ev, err := eventlog.NewEvent(st.eventType, st.data, eventlog.Metadata{UserID: st.userID, SessionID: "s1"})
		require.NoError(t, err)
		ev.StreamID = "session-s1"
		ev.SequenceNumber = int64(i + 1)
		ev.Timestamp = epoch.Add(time.Duration(i+1) * time.Minute)
		out = append(out, ev)
	}
	return out
}

func marshal(t *testing.T, s *reconstruct.CollaborationSession) string {
	t.Helper()
	b, err := json.Marshal(s)
	require.NoError(t, err)
	return string(b)
}

func TestFold_ProjectsSessionActivity(t *testing.T) {
	s, err := reconstruct.Fold("s1", nil, events(t, history()))
	require.NoError(t, err)

	assert.Equal(t, int64(11), s.Version)
	assert.Equal(t, epoch.Add(11*time.Minute), s.AsOf)
	assert.Equal(t, []string{"alice"}, s.ActiveParticipants())
	require.Len(t, s.Participants, 2)
	assert.Equal(t, "Alice", s.Participants[0].DisplayName)
	require.NotNil(t, s.Participants[1].LeftAt)
	assert.Equal(t, epoch.Add(9*time.Minute), *s.Participants[1].LeftAt)

	assert.Empty(t, s.Annotations)
	require.Len(t, s.SearchActivity, 1)
	assert.Equal(t, "status:open", s.SearchActivity[0].Query)

	require.Len(t, s.Conflicts, 1)
	c := s.Conflicts[0]
	assert.Equal(t, reconstruct.ConflictResolved, c.Status)
	assert.Equal(t, "manual", c.Strategy)
	assert.Equal(t, "v9", c.MergedVersionID)
	assert.Equal(t, []string{"alice", "bob"}, c.Users)

	require.Len(t, s.Workflows, 1)
	assert.Equal(t, "completed", s.Workflows[0].Status)
	assert.Equal(t, epoch.Add(7*time.Minute), s.Workflows[0].StartedAt)

	require.Len(t, s.Timeline, 11)
	assert.Equal(t, "alice joined", s.Timeline[0].Summary)
	assert.Equal(t, "high semantic_conflict conflict on c1", s.Timeline[4].Summary)
	assert.Equal(t, "conflict k1 merge needs review (0.40)", s.Timeline[5].Summary)
}

func TestFold_IntermediateStates(t *testing.T) {
	evs := events(t, history())

	s, err := reconstruct.Fold("s1", nil, evs[:3])
	require.NoError(t, err)
	require.Len(t, s.Annotations, 1)
	assert.Equal(t, epoch.Add(3*time.Minute), s.Annotations[0].CreatedAt)
	assert.Empty(t, s.Conflicts)

	s, err = reconstruct.Fold("s1", nil, evs[:7])
	require.NoError(t, err)
	require.Len(t, s.Conflicts, 1)
	assert.Equal(t, reconstruct.ConflictResolving, s.Conflicts[0].Status)
	assert.Equal(t, "three_way_merge", s.Conflicts[0].Strategy)
}

func TestFold_IsDeterministic(t *testing.T) {
	evs := events(t, history())
	first, err := reconstruct.Fold("s1", nil, evs)
	require.NoError(t, err)
	second, err := reconstruct.Fold("s1", nil, evs)
	require.NoError(t, err)
	assert.Equal(t, marshal(t, first), marshal(t, second))

	// Resuming from a decoded prefix matches a full replay.
	prefix, err := reconstruct.Fold("s1", nil, evs[:4])
	require.NoError(t, err)
	var decoded reconstruct.CollaborationSession
	require.NoError(t, json.Unmarshal([]byte(marshal(t, prefix)), &decoded))
	resumed, err := reconstruct.Fold("s1", &decoded, evs)
	require.NoError(t, err)
	assert.Equal(t, marshal(t, first), marshal(t, resumed))
}

func TestFold_DoesNotMutateBase(t *testing.T) {
	evs := events(t, history())
	base, err := reconstruct.Fold("s1", nil, evs[:2])
	require.NoError(t, err)
	before := marshal(t, base)

	_, err = reconstruct.Fold("s1", base, evs)
	require.NoError(t, err)
	assert.Equal(t, before, marshal(t, base))
}

func TestFold_UnknownEventsOnlyReachTimeline(t *testing.T) {
	ev, err := eventlog.NewEvent("cursor_moved", map[string]int{"pos": 4}, eventlog.Metadata{UserID: "alice"})
	require.NoError(t, err)
	ev.SequenceNumber = 1
	ev.Timestamp = epoch

	s, err := reconstruct.Fold("s1", nil, []eventlog.DomainEvent{ev})
	require.NoError(t, err)
	require.Len(t, s.Timeline, 1)
	assert.Equal(t, "cursor_moved", s.Timeline[0].Summary)
	assert.Empty(t, s.Participants)
}

type countingMetrics struct {
	mu     sync.Mutex
	hits   int
	misses int
	folded []int
}

func (m *countingMetrics) Reconstructed(cacheHit bool, events int, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cacheHit {
		m.hits++
		return
	}
	m.misses++
	m.folded = append(m.folded, events)
}

type harness struct {
	log     *eventlog.Service
	rec     *reconstruct.Reconstructor
	metrics *countingMetrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := eventlog.NewService(eventlog.NewMemoryStore(), eventlog.Options{SnapshotInterval: 3}, nil)
	metrics := &countingMetrics{}
	rec, err := reconstruct.New(log, metrics, reconstruct.Options{CacheSize: 8}, nil)
	require.NoError(t, err)
	log.RegisterSnapshotter(reconstruct.StreamType, rec)
	t.Cleanup(log.Subscribe(rec.Invalidate))
	return &harness{log: log, rec: rec, metrics: metrics}
}

func (h *harness) append(t *testing.T, evs ...eventlog.DomainEvent) {
	t.Helper()
	ctx := context.Background()
	for _, ev := range evs {
		version, err := h.log.StreamVersion(ctx, "session-s1")
		if err != nil {
			require.ErrorIs(t, err, eventlog.ErrStreamNotFound)
		}
		_, err = h.log.Append(ctx, eventlog.AppendRequest{
			StreamID:        "session-s1",
			StreamType:      reconstruct.StreamType,
			ExpectedVersion: version,
			Events:          []eventlog.DomainEvent{ev},
		})
		require.NoError(t, err)
	}
}

func TestReconstruct_ReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	evs := events(t, history())
	h.append(t, evs...)

	first, err := h.rec.Reconstruct(ctx, "s1", nil)
	require.NoError(t, err)
	second, err := h.rec.Reconstruct(ctx, "s1", nil)
	require.NoError(t, err)
	assert.Equal(t, marshal(t, first), marshal(t, second))

	// A cold reconstructor starts from the stored snapshot.
	cold, err := reconstruct.New(h.log, nil, reconstruct.Options{}, nil)
	require.NoError(t, err)
	third, err := cold.Reconstruct(ctx, "s1", nil)
	require.NoError(t, err)
	assert.Equal(t, marshal(t, first), marshal(t, third))

	stored, err := h.log.ReadAll(ctx, "session-s1", eventlog.ReadOptions{})
	require.NoError(t, err)
	full, err := reconstruct.Fold("s1", nil, stored)
	require.NoError(t, err)
	assert.Equal(t, marshal(t, full), marshal(t, first))
}

func TestReconstruct_UsesSnapshots(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.append(t, events(t, history())...)

	snap, err := h.log.LatestSnapshot(ctx, "session-s1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(9), snap.Version)
	var state reconstruct.CollaborationSession
	require.NoError(t, json.Unmarshal(snap.State, &state))
	assert.Equal(t, int64(9), state.Version)

	_, err = h.rec.Reconstruct(ctx, "s1", nil)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, h.metrics.folded)
}

func TestReconstruct_PointInTime(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.append(t, events(t, history())...)

	at := epoch.Add(4 * time.Minute)
	s, err := h.rec.Reconstruct(ctx, "s1", &at)
	require.NoError(t, err)
	assert.Equal(t, int64(4), s.Version)
	assert.Len(t, s.Timeline, 4)
	assert.Len(t, s.Annotations, 1)
	assert.Empty(t, s.Conflicts)

	// Between snapshots: snapshot 6 plus event 7.
	at = epoch.Add(7*time.Minute + 30*time.Second)
	s, err = h.rec.Reconstruct(ctx, "s1", &at)
	require.NoError(t, err)
	assert.Equal(t, int64(7), s.Version)
	require.Len(t, s.Workflows, 1)
	assert.Equal(t, "in_progress", s.Workflows[0].Status)

	before := epoch
	_, err = h.rec.Reconstruct(ctx, "s1", &before)
	require.ErrorIs(t, err, reconstruct.ErrSessionNotFound)
}

func TestReconstruct_CacheInvalidatedOnAppend(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	evs := events(t, history()[:2])
	h.append(t, evs...)

	past := epoch.Add(90 * time.Second)
	_, err := h.rec.Reconstruct(ctx, "s1", &past)
	require.NoError(t, err)
	s, err := h.rec.Reconstruct(ctx, "s1", nil)
	require.NoError(t, err)
	assert.Len(t, s.Participants, 2)
	_, err = h.rec.Reconstruct(ctx, "s1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, h.metrics.hits)

	// Callers own their copy.
	s.Participants[0].UserID = "mallory"

	joined, err := eventlog.NewEvent(reconstruct.EventParticipantJoined, reconstruct.ParticipantJoined{UserID: "carol"}, eventlog.Metadata{UserID: "carol"})
	require.NoError(t, err)
	joined.Timestamp = epoch.Add(time.Hour)
	h.append(t, joined)

	s, err = h.rec.Reconstruct(ctx, "s1", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, s.ActiveParticipants())

	// The earlier point in time is unaffected and still cached.
	s, err = h.rec.Reconstruct(ctx, "s1", &past)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, s.ActiveParticipants())
	assert.Equal(t, 2, h.metrics.hits)
}

func TestReconstruct_ConcurrentCallsAgree(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.append(t, events(t, history())...)

	want, err := reconstruct.Fold("s1", nil, events(t, history()))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := h.rec.Reconstruct(ctx, "s1", nil)
			if err == nil {
				b, _ := json.Marshal(s)
				results[i] = string(b)
			}
		}()
	}
	wg.Wait()

	for _, got := range results {
		assert.JSONEq(t, marshal(t, want), got)
	}
}

func TestReconstruct_UnknownSession(t *testing.T) {
	h := newHarness(t)
	_, err := h.rec.Reconstruct(context.Background(), "nope", nil)
	require.ErrorIs(t, err, reconstruct.ErrSessionNotFound)
}
