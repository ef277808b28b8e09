package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rpggio/accord/internal/domain/conflict"
	"github.com/rpggio/accord/internal/domain/content"
	"github.com/rpggio/accord/internal/domain/eventlog"
	"github.com/rpggio/accord/internal/domain/merge"
	"github.com/rpggio/accord/internal/domain/reconstruct"
	"github.com/rpggio/accord/internal/domain/resolution"
	"github.com/rpggio/accord/internal/sqlite"
	"github.com/rpggio/accord/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServices(t *testing.T) Services {
	t.Helper()
	metrics := telemetry.NewRecorder(prometheus.NewRegistry())
	events := eventlog.NewService(eventlog.NewMemoryStore(), eventlog.Options{}, nil)
	contents := content.NewService(events, nil)
	detector := conflict.NewService(events, contents, nil, metrics, nil)

	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations())
	t.Cleanup(func() { db.Close() })
	rules := sqlite.NewRuleRepository(db)

	engine := merge.NewEngine(merge.Deps{
		Conflicts: detector,
		Contents:  contents,
		Events:    events,
		Rules:     rules,
		Metrics:   metrics,
	}, merge.Options{}, nil)
	orch := resolution.NewOrchestrator(resolution.Deps{
		Events:    events,
		Conflicts: detector,
		Merger:    engine,
		Metrics:   metrics,
	}, resolution.Options{}, nil)
	t.Cleanup(orch.Close)

	rec, err := reconstruct.New(events, metrics, reconstruct.Options{}, nil)
	require.NoError(t, err)
	events.Subscribe(rec.Invalidate)

	return Services{
		Contents:    contents,
		Conflicts:   detector,
		Merges:      engine,
		Resolutions: orch,
		Journal:     reconstruct.NewJournal(events),
		Sessions:    rec,
		Rules:       rules,
		Stats:       metrics,
	}
}

func connect(t *testing.T, svc Services) *sdkmcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	server := NewServer(Config{Services: svc, TransportMode: "stdio", DefaultActor: "owner", Version: "test"})

	serverT, clientT := sdkmcp.NewInMemoryTransports()
	ss, err := server.Connect(ctx, serverT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ss.Close() })

	client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "test-client", Version: "test"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })
	return cs
}

func callTool(t *testing.T, cs *sdkmcp.ClientSession, name string, args map[string]any) *sdkmcp.CallToolResult {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &sdkmcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	return res
}

func resultText(t *testing.T, res *sdkmcp.CallToolResult) string {
	t.Helper()
	text, ok := res.Content[0].(*sdkmcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return text.Text
}

// call runs a tool that must succeed and decodes its JSON result into out.
func call(t *testing.T, cs *sdkmcp.ClientSession, name string, args map[string]any, out any) {
	t.Helper()
	res := callTool(t, cs, name, args)
	require.False(t, res.IsError, "%s failed: %s", name, resultText(t, res))
	if out != nil {
		require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), out))
	}
}

// callErr runs a tool that must fail and returns its error body.
func callErr(t *testing.T, cs *sdkmcp.ClientSession, name string, args map[string]any) APIError {
	t.Helper()
	res := callTool(t, cs, name, args)
	require.True(t, res.IsError, "%s unexpectedly succeeded: %s", name, resultText(t, res))
	var apiErr APIError
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &apiErr))
	return apiErr
}

// seedConflict creates "status: draft" and two concurrent edits of its last word.
func seedConflict(t *testing.T, cs *sdkmcp.ClientSession) (contentID, conflictID string) {
	t.Helper()
	var root content.Version
	call(t, cs, "create_content", map[string]any{
		"content_id":   "doc-1",
		"content_type": "document",
		"content":      "status: draft",
		"session_id":   "s1",
	}, &root)
	assert.Equal(t, "owner", root.AuthorID)

	for _, edit := range []struct{ user, text string }{{"alice", "12345"}, {"bob", "67890"}} {
		call(t, cs, "edit_content", map[string]any{
			"content_id":        "doc-1",
			"parent_version_id": root.ID,
			"author_id":         edit.user,
			"session_id":        "s1",
			"operation":         map[string]any{"type": "replace", "position": 8, "length": 5, "content": edit.text},
		}, nil)
	}

	var detections []conflict.Detection
	call(t, cs, "detect_conflicts", map[string]any{"content_id": "doc-1", "session_id": "s1"}, &detections)
	require.Len(t, detections, 1)
	return "doc-1", detections[0].ID
}

func TestListTools(t *testing.T) {
	cs := connect(t, newTestServices(t))

	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, tool := range res.Tools {
		names[tool.Name] = true
		assert.NotEmpty(t, tool.Description, tool.Name)
		assert.NotNil(t, tool.InputSchema, tool.Name)
	}
	for _, want := range []string{
		"create_content", "edit_content", "list_versions",
		"detect_conflicts", "list_conflicts", "get_conflict",
		"evaluate_strategies", "execute_merge", "apply_rule",
		"start_resolution", "get_resolution", "propose_solution", "open_voting", "cast_vote",
		"enter_manual_resolution", "submit_for_review", "finalize_resolution",
		"escalate_resolution", "cancel_resolution",
		"join_session", "leave_session", "add_annotation", "remove_annotation",
		"record_search", "reconstruct_session",
		"create_rule", "list_rules", "delete_rule", "get_stats",
	} {
		assert.True(t, names[want], "missing tool %s", want)
	}
}

func TestListTools_OmitsUnconfiguredServices(t *testing.T) {
	svc := newTestServices(t)
	svc.Resolutions = nil
	svc.Rules = nil
	cs := connect(t, svc)

	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)
	for _, tool := range res.Tools {
		assert.NotContains(t, []string{"start_resolution", "cast_vote", "create_rule", "list_rules"}, tool.Name)
	}
}

func TestDocResources(t *testing.T) {
	cs := connect(t, newTestServices(t))
	ctx := context.Background()

	list, err := cs.ListResources(ctx, nil)
	require.NoError(t, err)
	require.Len(t, list.Resources, len(docResources))

	res, err := cs.ReadResource(ctx, &sdkmcp.ReadResourceParams{URI: "accord://docs/resolution"})
	require.NoError(t, err)
	require.Len(t, res.Contents, 1)
	assert.Contains(t, res.Contents[0].Text, "# Resolution sessions")
}

func TestMergeFlow(t *testing.T) {
	cs := connect(t, newTestServices(t))
	contentID, conflictID := seedConflict(t, cs)

	var det conflict.Detection
	call(t, cs, "get_conflict", map[string]any{"conflict_id": conflictID}, &det)
	assert.Equal(t, conflict.StatusDetected, det.Status)
	assert.ElementsMatch(t, []string{"alice", "bob"}, det.InvolvedUsers)

	var evals []merge.Evaluation
	call(t, cs, "evaluate_strategies", map[string]any{"conflict_id": conflictID}, &evals)
	require.NotEmpty(t, evals)
	for i := 1; i < len(evals); i++ {
		assert.GreaterOrEqual(t, evals[i-1].SuccessRate, evals[i].SuccessRate)
	}

	var preview merge.Result
	call(t, cs, "execute_merge", map[string]any{
		"conflict_id":    conflictID,
		"strategy":       "user_priority",
		"priority_users": []string{"bob", "alice"},
		"dry_run":        true,
	}, &preview)
	assert.Equal(t, "status: 67890", preview.MergedContent)
	assert.False(t, preview.Committed)

	var result merge.Result
	call(t, cs, "execute_merge", map[string]any{
		"conflict_id":    conflictID,
		"strategy":       "user_priority",
		"priority_users": []string{"bob", "alice"},
	}, &result)
	assert.True(t, result.Committed)
	assert.Equal(t, merge.StrategyUserPriority, result.Strategy)

	var versions []content.Version
	call(t, cs, "list_versions", map[string]any{"content_id": contentID}, &versions)
	require.Len(t, versions, 4)
	assert.Equal(t, "status: 67890", versions[3].Content)

	call(t, cs, "get_conflict", map[string]any{"conflict_id": conflictID}, &det)
	assert.Equal(t, conflict.StatusResolved, det.Status)

	var stats telemetry.Stats
	call(t, cs, "get_stats", map[string]any{}, &stats)
	assert.Equal(t, 1, stats.TotalConflicts)
	assert.Equal(t, 1, stats.Resolved)

	var session reconstruct.CollaborationSession
	call(t, cs, "reconstruct_session", map[string]any{"session_id": "s1"}, &session)
	require.Len(t, session.Conflicts, 1)
	assert.Equal(t, reconstruct.ConflictResolved, session.Conflicts[0].Status)

	apiErr := callErr(t, cs, "execute_merge", map[string]any{"conflict_id": conflictID, "strategy": "last_writer_wins"})
	assert.Equal(t, "CONFLICT_CLOSED", apiErr.Code)
}

func TestResolutionFlow(t *testing.T) {
	cs := connect(t, newTestServices(t))
	_, conflictID := seedConflict(t, cs)

	var s resolution.Session
	call(t, cs, "start_resolution", map[string]any{
		"conflict_id":     conflictID,
		"moderator_id":    "mod",
		"participant_ids": []string{"alice", "bob"},
	}, &s)
	assert.Equal(t, resolution.StatusInProgress, s.Status)

	var p resolution.Proposal
	call(t, cs, "propose_solution", map[string]any{
		"resolution_id": s.ID,
		"user_id":       "alice",
		"content":       "status: 12345-67890",
	}, &p)

	apiErr := callErr(t, cs, "open_voting", map[string]any{"resolution_id": s.ID, "user_id": "alice"})
	assert.Equal(t, "NOT_MODERATOR", apiErr.Code)

	call(t, cs, "open_voting", map[string]any{"resolution_id": s.ID, "user_id": "mod"}, &s)
	assert.Equal(t, resolution.StatusVoting, s.Status)

	apiErr = callErr(t, cs, "cast_vote", map[string]any{"resolution_id": s.ID, "solution_id": p.ID, "user_id": "mallory", "vote": "approve"})
	assert.Equal(t, "NOT_PARTICIPANT", apiErr.Code)

	for _, user := range []string{"alice", "bob"} {
		call(t, cs, "cast_vote", map[string]any{"resolution_id": s.ID, "solution_id": p.ID, "user_id": user, "vote": "approve"}, &s)
	}
	assert.Equal(t, resolution.StatusCompleted, s.Status)
	require.NotNil(t, s.FinalDecision)
	assert.True(t, s.FinalDecision.Consensus)

	apiErr = callErr(t, cs, "cancel_resolution", map[string]any{"resolution_id": s.ID, "user_id": "mod"})
	assert.Equal(t, "INVALID_TRANSITION", apiErr.Code)

	var det conflict.Detection
	call(t, cs, "get_conflict", map[string]any{"conflict_id": conflictID}, &det)
	assert.Equal(t, conflict.StatusResolved, det.Status)
}

func TestSessionTools(t *testing.T) {
	cs := connect(t, newTestServices(t))

	call(t, cs, "join_session", map[string]any{"session_id": "s2", "display_name": "Owner"}, nil)
	call(t, cs, "join_session", map[string]any{"session_id": "s2", "user_id": "alice"}, nil)

	var a reconstruct.AnnotationAdded
	call(t, cs, "add_annotation", map[string]any{
		"session_id": "s2", "content_id": "doc-1", "text": "check this", "start": 0, "end": 6,
	}, &a)
	assert.NotEmpty(t, a.AnnotationID)
	assert.Equal(t, "owner", a.UserID)

	call(t, cs, "record_search", map[string]any{"session_id": "s2", "user_id": "alice", "query": "status", "result_count": 3}, nil)
	call(t, cs, "leave_session", map[string]any{"session_id": "s2", "user_id": "alice"}, nil)

	var session reconstruct.CollaborationSession
	call(t, cs, "reconstruct_session", map[string]any{"session_id": "s2"}, &session)
	assert.Len(t, session.Participants, 2)
	assert.Len(t, session.Annotations, 1)
	assert.Len(t, session.SearchActivity, 1)
	assert.Len(t, session.Timeline, 5)

	apiErr := callErr(t, cs, "reconstruct_session", map[string]any{"session_id": "s2", "point_in_time": "yesterday"})
	assert.Equal(t, "INVALID_INPUT", apiErr.Code)

	apiErr = callErr(t, cs, "add_annotation", map[string]any{"session_id": "s2", "content_id": "doc-1", "text": "x", "start": 5, "end": 2})
	assert.Equal(t, "INVALID_INPUT", apiErr.Code)
}

func TestRuleTools(t *testing.T) {
	cs := connect(t, newTestServices(t))
	_, conflictID := seedConflict(t, cs)

	var rule merge.Rule
	call(t, cs, "create_rule", map[string]any{
		"name":       "prefer-bob",
		"strategy":   "user_priority",
		"parameters": map[string]string{"priority_users": "bob,alice"},
		"priority":   10,
	}, &rule)
	assert.True(t, rule.Enabled)
	assert.NotEmpty(t, rule.ID)

	apiErr := callErr(t, cs, "create_rule", map[string]any{"name": "prefer-bob", "strategy": "user_priority"})
	assert.Equal(t, "DUPLICATE", apiErr.Code)
	apiErr = callErr(t, cs, "create_rule", map[string]any{"name": "bad", "strategy": "coin_flip"})
	assert.Equal(t, "INVALID_INPUT", apiErr.Code)

	var result merge.Result
	call(t, cs, "apply_rule", map[string]any{"conflict_id": conflictID, "rule_id": rule.ID}, &result)
	assert.Equal(t, "status: 67890", result.MergedContent)
	assert.Equal(t, rule.ID, result.RuleID)

	var rules []merge.Rule
	call(t, cs, "list_rules", map[string]any{}, &rules)
	require.Len(t, rules, 1)
	assert.Equal(t, int64(1), rules[0].UsageCount)

	call(t, cs, "delete_rule", map[string]any{"rule_id": rule.ID}, nil)
	call(t, cs, "list_rules", map[string]any{}, &rules)
	assert.Empty(t, rules)

	apiErr = callErr(t, cs, "apply_rule", map[string]any{"conflict_id": conflictID, "rule_id": "missing"})
	assert.Equal(t, "RULE_NOT_FOUND", apiErr.Code)
}

func TestToolErrors(t *testing.T) {
	cs := connect(t, newTestServices(t))

	apiErr := callErr(t, cs, "get_conflict", map[string]any{"conflict_id": "nope"})
	assert.Equal(t, "CONFLICT_NOT_FOUND", apiErr.Code)
	assert.NotEmpty(t, apiErr.RecoveryHint)

	apiErr = callErr(t, cs, "execute_merge", map[string]any{"conflict_id": "nope", "strategy": "magic"})
	assert.Equal(t, "INVALID_INPUT", apiErr.Code)

	apiErr = callErr(t, cs, "get_resolution", map[string]any{"resolution_id": "nope"})
	assert.Equal(t, "RESOLUTION_NOT_FOUND", apiErr.Code)
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{&eventlog.ConcurrencyViolationError{StreamID: "s", Expected: 1, Actual: 2}, "CONCURRENCY_VIOLATION"},
		{fmt.Errorf("wrapped: %w", &resolution.TransitionError{SessionID: "r", From: resolution.StatusCompleted, Op: "vote"}), "INVALID_TRANSITION"},
		{&merge.StrategyError{ConflictID: "c", Strategy: merge.StrategyThreeWay, Cause: errors.New("boom")}, "MERGE_FAILED"},
		{fmt.Errorf("%w: bad", ErrInvalidArgument), "INVALID_INPUT"},
		{content.ErrVersionNotFound, "CONTENT_NOT_FOUND"},
		{merge.ErrConflictClosed, "CONFLICT_CLOSED"},
		{merge.ErrAIAssistedMerge, "AI_UNAVAILABLE"},
		{errors.New("disk on fire"), "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.code, MapError(tt.err).Code)
		})
	}
	assert.Nil(t, MapError(nil))

	apiErr := MapError(&resolution.TransitionError{SessionID: "r", From: resolution.StatusVoting, Op: "propose"})
	assert.Equal(t, map[string]string{"status": "voting", "operation": "propose"}, apiErr.Details)
}

func TestStaticTokens(t *testing.T) {
	tokens := StaticTokens{"secret-a": "alice", "secret-b": "bob"}

	actor, err := tokens.ResolveActor(context.Background(), "secret-b")
	require.NoError(t, err)
	assert.Equal(t, "bob", actor)

	_, err = tokens.ResolveActor(context.Background(), "secret-c")
	assert.ErrorIs(t, err, ErrUnknownToken)
}
