package merge_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rpggio/accord/internal/domain/conflict"
	"github.com/rpggio/accord/internal/domain/content"
	"github.com/rpggio/accord/internal/domain/eventlog"
	"github.com/rpggio/accord/internal/domain/merge"
	"github.com/rpggio/accord/internal/domain/ot"
	"github.com/rpggio/accord/internal/repository"
	"github.com/rpggio/accord/internal/repository/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	events   *eventlog.Service
	contents *content.Service
	detector *conflict.Service
	rules    *mocks.RuleRepository
	engine   *merge.Engine
}

func newFixture(ai merge.AIAssistant) *fixture {
	events := eventlog.NewService(eventlog.NewMemoryStore(), eventlog.Options{}, nil)
	contents := content.NewService(events, nil)
	detector := conflict.NewService(events, contents, nil, nil, nil)
	rules := &mocks.RuleRepository{}
	return &fixture{
		events:   events,
		contents: contents,
		detector: detector,
		rules:    rules,
		engine: merge.NewEngine(merge.Deps{
			Conflicts: detector,
			Contents:  contents,
			Events:    events,
			Rules:     rules,
			AI:        ai,
		}, merge.Options{}, nil),
	}
}

// conflictOn creates base, applies both edits concurrently and returns the
// single detection.
func (f *fixture) conflictOn(t *testing.T, base string, opA, opB ot.Operation) *conflict.Detection {
	t.Helper()
	ctx := context.Background()
	root, err := f.contents.Create(ctx, content.CreateRequest{ContentID: "c1", Content: base, AuthorID: "owner", SessionID: "s1"})
	require.NoError(t, err)
	_, err = f.contents.ApplyEdit(ctx, content.EditRequest{ContentID: "c1", ParentVersionID: root.ID, Operation: opA, AuthorID: opA.UserID, SessionID: "s1"})
	require.NoError(t, err)
	_, err = f.contents.ApplyEdit(ctx, content.EditRequest{ContentID: "c1", ParentVersionID: root.ID, Operation: opB, AuthorID: opB.UserID, SessionID: "s1"})
	require.NoError(t, err)

	detections, err := f.detector.Detect(ctx, "c1", "s1")
	require.NoError(t, err)
	require.Len(t, detections, 1)
	return detections[0]
}

func (f *fixture) overlapping(t *testing.T) *conflict.Detection {
	return f.conflictOn(t, "status: draft",
		ot.NewReplace("alice", 8, 5, "12345"),
		ot.NewReplace("bob", 8, 5, "67890"))
}

func (f *fixture) disjoint(t *testing.T) *conflict.Detection {
	return f.conflictOn(t, "alpha beta gamma delta",
		ot.NewReplace("alice", 0, 5, "ALPHA"),
		ot.NewReplace("bob", 17, 5, "DELTA"))
}

func (f *fixture) status(t *testing.T, id string) conflict.Status {
	t.Helper()
	det, err := f.detector.Get(context.Background(), id)
	require.NoError(t, err)
	return det.Status
}

func TestExecuteMerge_ThreeWayCommitsAndResolves(t *testing.T) {
	ctx := context.Background()
	f := newFixture(nil)
	det := f.disjoint(t)

	result, err := f.engine.ExecuteMerge(ctx, det.ID, merge.StrategyThreeWay, merge.ExecuteOptions{ActorID: "carol"})
	require.NoError(t, err)
	assert.Equal(t, "ALPHA beta gamma DELTA", result.MergedContent)
	assert.Equal(t, 1.0, result.ConfidenceScore)
	assert.False(t, result.RequiresUserReview)
	assert.True(t, result.Committed)
	assert.Empty(t, result.ConflictingRegions)
	assert.Len(t, result.AppliedOperations, 2)

	merged := result.MergedVersion
	require.NotNil(t, merged.ParentVersionID)
	require.NotNil(t, merged.MergeParentID)
	assert.Equal(t, det.VersionAID, *merged.ParentVersionID)
	assert.Equal(t, det.VersionBID, *merged.MergeParentID)
	assert.Equal(t, "carol", merged.AuthorID)
	assert.Equal(t, uint64(1), merged.Clock.Get("alice"))
	assert.Equal(t, uint64(1), merged.Clock.Get("bob"))
	assert.Equal(t, uint64(1), merged.Clock.Get("carol"))

	latest, err := f.contents.Latest(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, merged.ID, latest.ID)
	assert.True(t, latest.Intact())

	assert.Equal(t, conflict.StatusResolved, f.status(t, det.ID))

	again, err := f.detector.Detect(ctx, "c1", "s1")
	require.NoError(t, err)
	assert.Empty(t, again)

	events, err := f.events.ReadAll(ctx, conflict.StreamID(det.ID), eventlog.ReadOptions{})
	require.NoError(t, err)
	var types []string
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	assert.Contains(t, types, merge.EventMergeCompleted)

	_, err = f.engine.ExecuteMerge(ctx, det.ID, merge.StrategyThreeWay, merge.ExecuteOptions{})
	require.ErrorIs(t, err, merge.ErrConflictClosed)
}

func TestExecuteMerge_OperationalTransformKeepsBothEdits(t *testing.T) {
	f := newFixture(nil)
	det := f.overlapping(t)

	result, err := f.engine.ExecuteMerge(context.Background(), det.ID, merge.StrategyOperationalTransform, merge.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "status: 1234567890", result.MergedContent)
	assert.Equal(t, 0.75, result.ConfidenceScore)
	assert.True(t, result.Committed)
	assert.Equal(t, "merge-engine", result.MergedVersion.AuthorID)
	assert.Equal(t, conflict.StatusResolved, f.status(t, det.ID))
}

func TestExecuteMerge_ThreeWayConflictNeedsReview(t *testing.T) {
	f := newFixture(nil)
	det := f.overlapping(t)

	result, err := f.engine.ExecuteMerge(context.Background(), det.ID, merge.StrategyThreeWay, merge.ExecuteOptions{})
	require.NoError(t, err)
	assert.True(t, result.RequiresUserReview)
	assert.False(t, result.Committed)
	assert.Less(t, result.ConfidenceScore, merge.ReviewThreshold)
	assert.Len(t, result.ConflictingRegions, 1)
	assert.NotEmpty(t, result.RejectedOperations)
	assert.Equal(t, conflict.StatusResolving, f.status(t, det.ID))
}

func TestExecuteMerge_LastWriterWinsPicksOneSide(t *testing.T) {
	f := newFixture(nil)
	det := f.overlapping(t)

	result, err := f.engine.ExecuteMerge(context.Background(), det.ID, merge.StrategyLastWriterWins, merge.ExecuteOptions{})
	require.NoError(t, err)
	assert.Contains(t, []string{"status: 12345", "status: 67890"}, result.MergedContent)
	assert.Equal(t, 0.6, result.ConfidenceScore)
	assert.True(t, result.Committed)
	assert.Len(t, result.RejectedOperations, 1)
}

func TestExecuteMerge_UserPriority(t *testing.T) {
	f := newFixture(nil)
	det := f.overlapping(t)

	result, err := f.engine.ExecuteMerge(context.Background(), det.ID, merge.StrategyUserPriority, merge.ExecuteOptions{
		PriorityUsers: []string{"bob", "alice"},
	})
	require.NoError(t, err)
	assert.Equal(t, "status: 67890", result.MergedContent)
	assert.Equal(t, 0.7, result.ConfidenceScore)
	assert.True(t, result.Committed)
	require.Len(t, result.RejectedOperations, 1)
	assert.Equal(t, "alice", result.RejectedOperations[0].UserID)
}

func TestExecuteMerge_UserPriorityWithoutRankingFallsBack(t *testing.T) {
	f := newFixture(nil)
	det := f.disjoint(t)

	result, err := f.engine.ExecuteMerge(context.Background(), det.ID, merge.StrategyUserPriority, merge.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, merge.StrategyThreeWay, result.Strategy)
	require.NotNil(t, result.FallbackFrom)
	assert.Equal(t, merge.StrategyUserPriority, *result.FallbackFrom)
	assert.Equal(t, "ALPHA beta gamma DELTA", result.MergedContent)
}

func TestExecuteMerge_ManualAlwaysNeedsReview(t *testing.T) {
	f := newFixture(nil)
	det := f.disjoint(t)

	result, err := f.engine.ExecuteMerge(context.Background(), det.ID, merge.StrategyManual, merge.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0.0, result.ConfidenceScore)
	assert.True(t, result.RequiresUserReview)
	assert.False(t, result.Committed)
	assert.Equal(t, "ALPHA beta gamma DELTA", result.MergedContent)
}

func TestExecuteMerge_DryRunChangesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(nil)
	det := f.disjoint(t)

	result, err := f.engine.ExecuteMerge(ctx, det.ID, merge.StrategyThreeWay, merge.ExecuteOptions{DryRun: true})
	require.NoError(t, err)
	assert.False(t, result.Committed)
	assert.Equal(t, conflict.StatusDetected, f.status(t, det.ID))

	versions, err := f.contents.List(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, versions, 3)
}

func TestExecuteMerge_AIAssisted(t *testing.T) {
	ai := &mocks.AIAssistant{}
	f := newFixture(ai)
	det := f.overlapping(t)

	sc := &merge.SemanticContext{Summary: "both set a status code"}
	ai.On("AnalyzeSemantic", mock.Anything, mock.MatchedBy(func(req merge.SemanticRequest) bool {
		return req.ConflictID == det.ID && req.Base == "status: draft"
	})).Return(sc, nil)
	ai.On("GenerateMergeSuggestions", mock.Anything, sc).Return([]merge.Suggestion{
		{Content: "", Confidence: 0.99},
		{Content: "status: 12345", Confidence: 0.4},
		{Content: "status: 67890", Confidence: 0.9, Rationale: "bob's code is newer"},
	}, nil)

	result, err := f.engine.ExecuteMerge(context.Background(), det.ID, merge.StrategyAIAssisted, merge.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, merge.StrategyAIAssisted, result.Strategy)
	assert.Equal(t, "status: 67890", result.MergedContent)
	assert.Equal(t, 0.9, result.ConfidenceScore)
	assert.Equal(t, "bob's code is newer", result.Rationale)
	assert.True(t, result.Committed)
	ai.AssertExpectations(t)
}

func TestExecuteMerge_AIFailureFallsBackToThreeWay(t *testing.T) {
	ai := &mocks.AIAssistant{}
	f := newFixture(ai)
	det := f.overlapping(t)

	ai.On("AnalyzeSemantic", mock.Anything, mock.Anything).Return(nil, errors.New("model unavailable"))

	result, err := f.engine.ExecuteMerge(context.Background(), det.ID, merge.StrategyAIAssisted, merge.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, merge.StrategyThreeWay, result.Strategy)
	require.NotNil(t, result.FallbackFrom)
	assert.Equal(t, merge.StrategyAIAssisted, *result.FallbackFrom)
	assert.True(t, result.RequiresUserReview)
	assert.Equal(t, conflict.StatusResolving, f.status(t, det.ID))
}

func TestExecuteMerge_WithoutAssistantFallsBack(t *testing.T) {
	f := newFixture(nil)
	det := f.disjoint(t)

	result, err := f.engine.ExecuteMerge(context.Background(), det.ID, merge.StrategyAIAssisted, merge.ExecuteOptions{})
	require.NoError(t, err)
	require.NotNil(t, result.FallbackFrom)
	assert.Equal(t, merge.StrategyThreeWay, result.Strategy)
}

func TestCustomRuleMerge_UpdatesStatistics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(nil)
	det := f.overlapping(t)

	rule := &merge.Rule{
		ID:      "r1",
		Name:    "prefer bob",
		Enabled: true,
		Resolution: merge.Resolution{
			Strategy:   merge.StrategyUserPriority,
			Parameters: map[string]string{"priority_users": "bob"},
		},
		UsageCount: 1,
	}
	f.rules.On("Get", mock.Anything, "r1").Return(rule, nil)
	f.rules.On("Update", mock.Anything, mock.MatchedBy(func(r *merge.Rule) bool {
		return r.UsageCount == 2 && r.SuccessRate == 0.5
	}), int64(1)).Return(nil).Once()

	result, err := f.engine.CustomRuleMerge(ctx, det.ID, "r1", merge.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, merge.StrategyRuleBased, result.Strategy)
	assert.Equal(t, "r1", result.RuleID)
	assert.Equal(t, "status: 67890", result.MergedContent)
	assert.True(t, result.Committed)
	f.rules.AssertExpectations(t)
}

func TestCustomRuleMerge_RetriesStaleStatistics(t *testing.T) {
	f := newFixture(nil)
	det := f.disjoint(t)

	rule := &merge.Rule{ID: "r1", Name: "merge text", Enabled: true, Resolution: merge.Resolution{Strategy: merge.StrategyThreeWay}}
	f.rules.On("Get", mock.Anything, "r1").Return(rule, nil)
	f.rules.On("Update", mock.Anything, mock.Anything, int64(0)).Return(repository.ErrConflict).Once()
	f.rules.On("Update", mock.Anything, mock.Anything, int64(0)).Return(nil).Once()

	_, err := f.engine.CustomRuleMerge(context.Background(), det.ID, "r1", merge.ExecuteOptions{})
	require.NoError(t, err)
	f.rules.AssertNumberOfCalls(t, "Update", 2)
}

func TestCustomRuleMerge_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(nil)
	det := f.disjoint(t)

	f.rules.On("Get", mock.Anything, "missing").Return(nil, repository.ErrNotFound)
	f.rules.On("Get", mock.Anything, "off").Return(&merge.Rule{ID: "off", Name: "off", Enabled: false}, nil)

	_, err := f.engine.CustomRuleMerge(ctx, det.ID, "missing", merge.ExecuteOptions{})
	require.ErrorIs(t, err, merge.ErrRuleNotFound)

	_, err = f.engine.CustomRuleMerge(ctx, det.ID, "off", merge.ExecuteOptions{})
	require.ErrorIs(t, err, merge.ErrRuleDisabled)

	f.rules.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
}

func TestEvaluateStrategies_RanksByHistoryThenTime(t *testing.T) {
	f := newFixture(nil)
	det := f.disjoint(t)

	f.rules.On("List", mock.Anything, merge.ListRulesOptions{EnabledOnly: true}).Return([]merge.Rule{{
		ID:          "r1",
		Name:        "newest wins",
		Enabled:     true,
		Resolution:  merge.Resolution{Strategy: merge.StrategyLastWriterWins},
		UsageCount:  10,
		SuccessRate: 0.95,
	}}, nil)

	evals, err := f.engine.EvaluateStrategies(context.Background(), det.ID)
	require.NoError(t, err)

	var order []merge.Strategy
	for _, ev := range evals {
		order = append(order, ev.Strategy)
	}
	assert.Equal(t, []merge.Strategy{
		merge.StrategyLastWriterWins,
		merge.StrategyRuleBased,
		merge.StrategyOperationalTransform,
		merge.StrategyThreeWay,
		merge.StrategyUserPriority,
		merge.StrategyManual,
	}, order)
	assert.Equal(t, "r1", evals[1].RuleID)
	assert.True(t, evals[3].Recommended)
}

func TestFinalize_RepeatedDecisionReturnsCommittedResult(t *testing.T) {
	ctx := context.Background()
	f := newFixture(nil)
	det := f.overlapping(t)

	first, err := f.engine.Finalize(ctx, det.ID, "status: agreed", merge.StrategyManual, "mod", "agreed in review")
	require.NoError(t, err)
	require.True(t, first.Committed)

	again, err := f.engine.Finalize(ctx, det.ID, "status: agreed", merge.StrategyManual, "mod", "agreed in review")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.MergedVersion.ID, again.MergedVersion.ID)

	versions, err := f.contents.List(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, versions, 4)

	_, err = f.engine.Finalize(ctx, det.ID, "status: different", merge.StrategyManual, "mod", "")
	require.ErrorIs(t, err, merge.ErrConflictClosed)
}
