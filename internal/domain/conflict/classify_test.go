package conflict_test

import (
	"testing"

	"github.com/rpggio/accord/internal/domain/conflict"
	"github.com/rpggio/accord/internal/domain/content"
	"github.com/rpggio/accord/internal/domain/diff"
	"github.com/rpggio/accord/internal/domain/ot"
	"github.com/stretchr/testify/assert"
)

func TestScoreSeverity(t *testing.T) {
	tests := []struct {
		regions int
		overlap float64
		users   int
		want    conflict.Severity
	}{
		{regions: 0, overlap: 0, users: 1, want: conflict.SeverityLow},
		{regions: 2, overlap: 0.3, users: 2, want: conflict.SeverityMedium},
		{regions: 1, overlap: 1, users: 2, want: conflict.SeverityHigh},
		{regions: 5, overlap: 1, users: 5, want: conflict.SeverityCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, conflict.ScoreSeverity(tt.regions, tt.overlap, tt.users), "%+v", tt)
	}
}

func TestClassify(t *testing.T) {
	move := []ot.Operation{ot.NewMove("a", 0, 1, 3)}
	assert.Equal(t, conflict.TypeStructuralConflict, conflict.Classify(content.TypeDocument, move, 0))
	assert.Equal(t, conflict.TypeFilterModification, conflict.Classify(content.TypeFilter, nil, 0))
	assert.Equal(t, conflict.TypeAnnotationOverlap, conflict.Classify(content.TypeAnnotation, nil, 0))
	assert.Equal(t, conflict.TypeCursorCollision, conflict.Classify(content.TypeCursor, nil, 0))
	assert.Equal(t, conflict.TypeStateDivergence, conflict.Classify(content.TypeCanvas, nil, 0))
	assert.Equal(t, conflict.TypeSemanticConflict, conflict.Classify(content.TypeDocument, nil, 0.9))
	assert.Equal(t, conflict.TypeContentModification, conflict.Classify(content.TypeDocument, nil, 0.2))
}

func TestRecommend(t *testing.T) {
	assert.Equal(t, conflict.StrategyThreeWay, conflict.Recommend(conflict.TypeSemanticConflict, conflict.SeverityCritical, 0))
	assert.Equal(t, conflict.StrategyLastWriterWins, conflict.Recommend(conflict.TypeCursorCollision, conflict.SeverityHigh, 1))
	assert.Equal(t, conflict.StrategyManual, conflict.Recommend(conflict.TypeStructuralConflict, conflict.SeverityLow, 1))
	assert.Equal(t, conflict.StrategyManual, conflict.Recommend(conflict.TypeContentModification, conflict.SeverityHigh, 1))
	assert.Equal(t, conflict.StrategyOperationalTransform, conflict.Recommend(conflict.TypeContentModification, conflict.SeverityMedium, 1))
}

func TestAnalyze_ComplexityStaysInRange(t *testing.T) {
	regions := diff.Regions("one two three", "ONE two", "one 2 three four")
	a := conflict.Analyze(content.TypeDocument, regions, nil, 3, 13)
	assert.GreaterOrEqual(t, a.ComplexityScore, 0.0)
	assert.LessOrEqual(t, a.ComplexityScore, 1.0)
	assert.GreaterOrEqual(t, a.OverlapRatio, 0.0)
	assert.LessOrEqual(t, a.OverlapRatio, 1.0)
}

func TestStatus_CanTransition(t *testing.T) {
	assert.True(t, conflict.StatusDetected.CanTransition(conflict.StatusResolving))
	assert.True(t, conflict.StatusResolving.CanTransition(conflict.StatusEscalated))
	assert.False(t, conflict.StatusResolving.CanTransition(conflict.StatusAnalyzing))
	assert.False(t, conflict.StatusResolved.CanTransition(conflict.StatusEscalated))
	assert.False(t, conflict.StatusEscalated.CanTransition(conflict.StatusResolved))
	assert.False(t, conflict.StatusDetected.CanTransition(conflict.StatusDetected))
}
