package telemetry_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rpggio/accord/internal/domain/conflict"
	"github.com/rpggio/accord/internal/domain/content"
	"github.com/rpggio/accord/internal/domain/eventlog"
	"github.com/rpggio/accord/internal/domain/merge"
	"github.com/rpggio/accord/internal/domain/ot"
	"github.com/rpggio/accord/internal/domain/resolution"
	"github.com/rpggio/accord/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ conflict.Metrics   = (*telemetry.Recorder)(nil)
	_ merge.Metrics      = (*telemetry.Recorder)(nil)
	_ resolution.Metrics = (*telemetry.Recorder)(nil)
)

func detection(typ conflict.Type, status conflict.Status, lifetime time.Duration) *conflict.Detection {
	detected := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := &conflict.Detection{ConflictType: typ, Severity: conflict.SeverityMedium, Status: status, DetectedAt: detected}
	if status.Terminal() {
		closed := detected.Add(lifetime)
		d.ResolvedAt = &closed
	}
	return d
}

func TestRecorder_Stats(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := telemetry.NewRecorder(reg)

	for range 3 {
		rec.ConflictDetected(detection(conflict.TypeContentModification, conflict.StatusDetected, 0))
	}
	rec.ConflictDetected(detection(conflict.TypeAnnotationOverlap, conflict.StatusDetected, 0))

	rec.ConflictClosed(detection(conflict.TypeContentModification, conflict.StatusResolved, 2*time.Second))
	rec.ConflictClosed(detection(conflict.TypeContentModification, conflict.StatusResolved, 4*time.Second))
	rec.ConflictClosed(detection(conflict.TypeContentModification, conflict.StatusEscalated, time.Minute))

	rec.MergeCompleted("three_way_merge", true, 10*time.Millisecond)
	rec.MergeCompleted("ai_assisted", false, time.Second)
	rec.ResolutionFinished(resolution.StatusCancelled, "semantic_conflict", time.Minute)

	stats := rec.Stats()
	assert.Equal(t, 4, stats.TotalConflicts)
	assert.Equal(t, 2, stats.Resolved)
	assert.Equal(t, 1, stats.Escalated)
	assert.Equal(t, 1, stats.Open)
	assert.Equal(t, 3*time.Second, stats.AverageResolutionTime)
	assert.InDelta(t, 2.0/3.0, stats.SuccessRateByType["content_modification"], 1e-9)
	assert.NotContains(t, stats.SuccessRateByType, "annotation_overlap")
	assert.Equal(t, telemetry.MergeCounts{Attempts: 1, Successes: 1}, stats.Merges["three_way_merge"])
	assert.Equal(t, telemetry.MergeCounts{Attempts: 1}, stats.Merges["ai_assisted"])
	assert.Equal(t, 1, stats.Sessions["cancelled"])

	// Snapshots are copies.
	stats.Merges["three_way_merge"] = telemetry.MergeCounts{}
	assert.Equal(t, 1, rec.Stats().Merges["three_way_merge"].Attempts)
}

func TestRecorder_PrometheusCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := telemetry.NewRecorder(reg)

	rec.MergeCompleted("operational_transform", true, time.Millisecond)
	rec.MergeCompleted("operational_transform", false, time.Millisecond)
	rec.MergeCompleted("operational_transform", true, time.Millisecond)
	rec.Reconstructed(true, 0, time.Millisecond)
	rec.Reconstructed(false, 40, time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "accord_merge_executions_total")
	assert.Contains(t, names, "accord_merge_duration_seconds")
	assert.Contains(t, names, "accord_reconstruct_requests_total")
	assert.Contains(t, names, "accord_reconstruct_replayed_events")

	count, err := testutil.GatherAndCount(reg, "accord_merge_executions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	count, err = testutil.GatherAndCount(reg, "accord_reconstruct_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRecorder_WiredIntoDetector(t *testing.T) {
	ctx := context.Background()
	rec := telemetry.NewRecorder(prometheus.NewRegistry())
	events := eventlog.NewService(eventlog.NewMemoryStore(), eventlog.Options{}, nil)
	contents := content.NewService(events, nil)
	detector := conflict.NewService(events, contents, nil, rec, nil)

	root, err := contents.Create(ctx, content.CreateRequest{ContentID: "c1", Content: "status: draft", AuthorID: "owner"})
	require.NoError(t, err)
	for _, op := range []ot.Operation{ot.NewReplace("alice", 8, 5, "12345"), ot.NewReplace("bob", 8, 5, "67890")} {
		_, err := contents.ApplyEdit(ctx, content.EditRequest{ContentID: "c1", ParentVersionID: root.ID, Operation: op, AuthorID: op.UserID})
		require.NoError(t, err)
	}
	detections, err := detector.Detect(ctx, "c1", "")
	require.NoError(t, err)
	require.Len(t, detections, 1)

	_, err = detector.UpdateStatus(ctx, detections[0].ID, conflict.StatusEscalated, "stuck")
	require.NoError(t, err)

	stats := rec.Stats()
	assert.Equal(t, 1, stats.TotalConflicts)
	assert.Equal(t, 1, stats.Escalated)
	assert.Equal(t, 0, stats.Open)
}
