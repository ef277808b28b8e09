package conflict

import (
	"github.com/rpggio/accord/internal/domain/content"
	"github.com/rpggio/accord/internal/domain/diff"
	"github.com/rpggio/accord/internal/domain/ot"
)

// semanticOverlap is the overlap ratio above which two edits are treated as
// competing rewrites of the same passage.
const semanticOverlap = 0.8

// Analysis is the scored shape of a divergence.
type Analysis struct {
	ConflictType        Type
	Severity            Severity
	ComplexityScore     float64
	OverlapRatio        float64
	RecommendedStrategy string
	EstimatedConfidence float64
	CanAutoResolve      bool
}

// Classify picks the conflict type from the content type and the shape of
// the divergent operations.
func Classify(contentType content.Type, ops []ot.Operation, overlapRatio float64) Type {
	for _, op := range ops {
		if op.Type == ot.OpMove {
			return TypeStructuralConflict
		}
	}
	switch contentType {
	case content.TypeSearchQuery:
		return TypeSearchQueryChange
	case content.TypeFilter:
		return TypeFilterModification
	case content.TypeAnnotation:
		return TypeAnnotationOverlap
	case content.TypeCursor:
		return TypeCursorCollision
	case content.TypeBoard, content.TypeCanvas:
		return TypeStateDivergence
	}
	if overlapRatio >= semanticOverlap {
		return TypeSemanticConflict
	}
	return TypeContentModification
}

// OverlapRatio is the share of changed base runes that sit in conflicting
// regions.
func OverlapRatio(regions []diff.Region) float64 {
	var total, conflicting int
	for _, r := range regions {
		total += r.Size()
		if r.Conflicting {
			conflicting += r.Size()
		}
	}
	if total == 0 {
		return 0
	}
	return float64(conflicting) / float64(total)
}

// ScoreSeverity combines conflicting region count, overlap ratio and the
// number of involved users.
func ScoreSeverity(conflictingRegions int, overlapRatio float64, users int) Severity {
	score := 0.4*min(1, float64(conflictingRegions)/5) +
		0.4*overlapRatio +
		0.2*min(1, float64(max(users-1, 0))/4)
	switch {
	case score < 0.25:
		return SeverityLow
	case score < 0.5:
		return SeverityMedium
	case score < 0.75:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Complexity combines how much of the base changed with how many kinds of
// change (insert, delete, replace) are involved. The result is in [0, 1].
func Complexity(regions []diff.Region, baseLen int) float64 {
	changed := 0
	kinds := make(map[ot.OpType]bool)
	for _, r := range regions {
		changed += r.Size()
		for _, h := range append(append([]diff.Hunk(nil), r.HunksA...), r.HunksB...) {
			kinds[h.Operation("").Type] = true
		}
	}
	size := min(1, float64(changed)/float64(max(baseLen, 1)))
	return 0.5*size + 0.5*float64(len(kinds))/3
}

// Recommend picks the strategy the merge engine should try first.
func Recommend(t Type, severity Severity, conflictingRegions int) string {
	switch {
	case conflictingRegions == 0:
		return StrategyThreeWay
	case t == TypeCursorCollision || t == TypeSearchQueryChange || t == TypeFilterModification:
		return StrategyLastWriterWins
	case t == TypeSemanticConflict:
		return StrategyAIAssisted
	case t == TypeStructuralConflict || !severity.AtMost(SeverityMedium):
		return StrategyManual
	default:
		return StrategyOperationalTransform
	}
}

// EstimateConfidence predicts the merge confidence of strategy.
func EstimateConfidence(strategy string, regions []diff.Region) float64 {
	conflicting := 0
	for _, r := range regions {
		if r.Conflicting {
			conflicting++
		}
	}
	switch strategy {
	case StrategyThreeWay:
		if len(regions) == 0 {
			return 1
		}
		return float64(len(regions)-conflicting) / float64(len(regions))
	case StrategyOperationalTransform:
		if conflicting == 0 {
			return 1
		}
		return 0.75
	case StrategyLastWriterWins:
		return 0.6
	case StrategyAIAssisted:
		return 0.5
	default:
		return 0
	}
}

// Analyze scores a set of regions.
func Analyze(contentType content.Type, regions []diff.Region, ops []ot.Operation, users int, baseLen int) Analysis {
	conflicting := 0
	for _, r := range regions {
		if r.Conflicting {
			conflicting++
		}
	}
	overlap := OverlapRatio(regions)
	t := Classify(contentType, ops, overlap)
	severity := ScoreSeverity(conflicting, overlap, users)
	strategy := Recommend(t, severity, conflicting)
	confidence := EstimateConfidence(strategy, regions)
	return Analysis{
		ConflictType:        t,
		Severity:            severity,
		ComplexityScore:     Complexity(regions, baseLen),
		OverlapRatio:        overlap,
		RecommendedStrategy: strategy,
		EstimatedConfidence: confidence,
		CanAutoResolve:      severity.AtMost(SeverityMedium) && confidence >= 0.7,
	}
}
