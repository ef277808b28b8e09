package merge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rpggio/accord/internal/domain/conflict"
	"github.com/rpggio/accord/internal/domain/content"
	"github.com/rpggio/accord/internal/domain/diff"
	"github.com/rpggio/accord/internal/domain/ot"
	"github.com/rpggio/accord/internal/domain/vclock"
)

// mergeInput is everything an executor needs for one conflict.
type mergeInput struct {
	conflict *conflict.Detection
	base     *content.Version
	a        *content.Version
	b        *content.Version
	opts     ExecuteOptions
}

// outcome is an executor's raw result before the engine builds a Result.
type outcome struct {
	content     string
	confidence  float64
	applied     []ot.Operation
	rejected    []ot.Operation
	conflicting []diff.Region
	rationale   string
	ruleID      string
}

type executor func(e *Engine, ctx context.Context, in *mergeInput) (*outcome, error)

// executors is filled in init to keep the rule-based executor, which
// dispatches through the table, out of an initialization cycle.
var executors [strategyCount]executor

func init() {
	executors = [strategyCount]executor{
		StrategyThreeWay:             (*Engine).threeWay,
		StrategyOperationalTransform: (*Engine).operationalTransform,
		StrategyLastWriterWins:       (*Engine).lastWriterWins,
		StrategyUserPriority:         (*Engine).userPriority,
		StrategyAIAssisted:           (*Engine).aiAssisted,
		StrategyManual:               (*Engine).manual,
		StrategyRuleBased:            (*Engine).ruleBased,
	}
}

// ThreeWayResult is a pure three-way merge of text.
type ThreeWayResult struct {
	Content     string
	Confidence  float64
	Regions     []diff.Region
	Conflicting []diff.Region
}

// ThreeWayMerge combines both sides' changes to base. Regions changed
// differently by both sides keep a's text and are reported as conflicting;
// confidence is 1.0 exactly when there are none. With conflicts, confidence
// stays below the review threshold.
func ThreeWayMerge(base, a, b string) ThreeWayResult {
	regions := diff.Regions(base, a, b)
	var conflicting []diff.Region
	for _, r := range regions {
		if r.Conflicting {
			conflicting = append(conflicting, r)
		}
	}
	confidence := 1.0
	if len(conflicting) > 0 {
		clean := float64(len(regions)-len(conflicting)) / float64(len(regions))
		confidence = 0.5 * clean
	}
	return ThreeWayResult{
		Content:     diff.Render(base, regions, diff.Combine(diff.PreferA)),
		Confidence:  confidence,
		Regions:     regions,
		Conflicting: conflicting,
	}
}

func (e *Engine) threeWay(_ context.Context, in *mergeInput) (*outcome, error) {
	res := ThreeWayMerge(in.base.Content, in.a.Content, in.b.Content)
	out := &outcome{
		content:     res.Content,
		confidence:  res.Confidence,
		conflicting: res.Conflicting,
	}
	for _, r := range res.Regions {
		out.applied = append(out.applied, hunkOps(r.HunksA, in.a.AuthorID)...)
		if r.Conflicting {
			out.rejected = append(out.rejected, hunkOps(r.HunksB, in.b.AuthorID)...)
		} else {
			out.applied = append(out.applied, hunkOps(r.HunksB, in.b.AuthorID)...)
		}
	}
	if len(res.Conflicting) > 0 {
		out.rationale = fmt.Sprintf("%d of %d regions changed differently on both sides", len(res.Conflicting), len(res.Regions))
	}
	return out, nil
}

func (e *Engine) operationalTransform(_ context.Context, in *mergeInput) (*outcome, error) {
	aOps := branchOps(in.base, in.a)
	bOps := branchOps(in.base, in.b)
	bPrime, err := ot.TransformAll(bOps, aOps)
	if err != nil {
		return nil, fmt.Errorf("transforming operations: %w", err)
	}
	merged, err := ot.ApplyAll(in.base.Content, append(slices.Clone(aOps), bPrime...))
	if err != nil {
		return nil, fmt.Errorf("applying transformed operations: %w", err)
	}

	regions := diff.Regions(in.base.Content, in.a.Content, in.b.Content)
	var conflicting []diff.Region
	for _, r := range regions {
		if r.Conflicting {
			conflicting = append(conflicting, r)
		}
	}
	confidence := 1.0
	if len(conflicting) > 0 {
		confidence = 0.75
	}
	return &outcome{
		content:     merged,
		confidence:  confidence,
		applied:     append(aOps, bPrime...),
		conflicting: conflicting,
	}, nil
}

func (e *Engine) lastWriterWins(_ context.Context, in *mergeInput) (*outcome, error) {
	winner, loser := latest(in.a, in.b)
	return &outcome{
		content:    winner.Content,
		confidence: 0.6,
		applied:    hunkOps(diff.Hunks(in.base.Content, winner.Content), winner.AuthorID),
		rejected:   hunkOps(diff.Hunks(in.base.Content, loser.Content), loser.AuthorID),
		rationale:  fmt.Sprintf("kept the later version by %s", winner.AuthorID),
	}, nil
}

// latest orders two versions by clock, then timestamp, then id.
func latest(a, b *content.Version) (winner, loser *content.Version) {
	switch vclock.Compare(a.Clock, b.Clock) {
	case vclock.After:
		return a, b
	case vclock.Before:
		return b, a
	}
	ta, tb := stamp(a), stamp(b)
	switch {
	case ta.After(tb):
		return a, b
	case tb.After(ta):
		return b, a
	case a.ID >= b.ID:
		return a, b
	default:
		return b, a
	}
}

func stamp(v *content.Version) time.Time {
	if !v.Clock.Timestamp.IsZero() {
		return v.Clock.Timestamp
	}
	return v.CreatedAt
}

func (e *Engine) userPriority(_ context.Context, in *mergeInput) (*outcome, error) {
	priority := in.opts.PriorityUsers
	if len(priority) == 0 {
		if list := in.opts.Parameters["priority_users"]; list != "" {
			for _, u := range strings.Split(list, ",") {
				priority = append(priority, strings.TrimSpace(u))
			}
		}
	}
	rankA := slices.Index(priority, in.a.AuthorID)
	rankB := slices.Index(priority, in.b.AuthorID)
	if rankA < 0 && rankB < 0 {
		return nil, errors.New("neither author has a priority")
	}

	preferred, resolve := in.a, diff.Resolve(diff.PreferA)
	if rankA < 0 || (rankB >= 0 && rankB < rankA) {
		preferred, resolve = in.b, diff.PreferB
	}

	res := ThreeWayMerge(in.base.Content, in.a.Content, in.b.Content)
	out := &outcome{
		content:    diff.Render(in.base.Content, res.Regions, diff.Combine(resolve)),
		confidence: 1.0,
		rationale:  fmt.Sprintf("overlapping changes resolved in favor of %s", preferred.AuthorID),
	}
	if len(res.Conflicting) > 0 {
		out.confidence = 0.7
	}
	for _, r := range res.Regions {
		aOps := hunkOps(r.HunksA, in.a.AuthorID)
		bOps := hunkOps(r.HunksB, in.b.AuthorID)
		switch {
		case !r.Conflicting:
			out.applied = append(out.applied, aOps...)
			out.applied = append(out.applied, bOps...)
		case preferred == in.a:
			out.applied = append(out.applied, aOps...)
			out.rejected = append(out.rejected, bOps...)
		default:
			out.applied = append(out.applied, bOps...)
			out.rejected = append(out.rejected, aOps...)
		}
	}
	return out, nil
}

func (e *Engine) aiAssisted(ctx context.Context, in *mergeInput) (*outcome, error) {
	if e.ai == nil {
		return nil, fmt.Errorf("%w: no assistant configured", ErrAIAssistedMerge)
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.AITimeout)
	defer cancel()

	sc, err := e.ai.AnalyzeSemantic(ctx, SemanticRequest{
		ConflictID:   in.conflict.ID,
		ConflictType: in.conflict.ConflictType,
		ContentType:  in.conflict.ContentType,
		Base:         in.base.Content,
		VersionA:     in.a.Content,
		VersionB:     in.b.Content,
		AuthorA:      in.a.AuthorID,
		AuthorB:      in.b.AuthorID,
		Regions:      in.conflict.Regions,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: semantic analysis: %v", ErrAIAssistedMerge, err)
	}
	suggestions, err := e.ai.GenerateMergeSuggestions(ctx, sc)
	if err != nil {
		return nil, fmt.Errorf("%w: generating suggestions: %v", ErrAIAssistedMerge, err)
	}

	var best *Suggestion
	for i := range suggestions {
		s := &suggestions[i]
		if s.Content == "" {
			continue
		}
		if best == nil || s.Confidence > best.Confidence {
			best = s
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no usable suggestion", ErrAIAssistedMerge)
	}
	return &outcome{
		content:    best.Content,
		confidence: min(max(best.Confidence, 0), 1),
		applied:    hunkOps(diff.Hunks(in.base.Content, best.Content), "ai-assistant"),
		rationale:  best.Rationale,
	}, nil
}

func (e *Engine) manual(ctx context.Context, in *mergeInput) (*outcome, error) {
	draft, err := e.threeWay(ctx, in)
	if err != nil {
		return nil, err
	}
	draft.confidence = 0
	draft.rationale = "awaiting manual resolution"
	return draft, nil
}

func (e *Engine) ruleBased(ctx context.Context, in *mergeInput) (*outcome, error) {
	rule := in.opts.rule
	if rule == nil {
		if e.rules == nil {
			return nil, ErrNoMatchingRule
		}
		rules, err := e.rules.List(ctx, ListRulesOptions{EnabledOnly: true})
		if err != nil {
			return nil, fmt.Errorf("listing rules: %w", err)
		}
		rule = bestRule(rules, in.conflict)
		if rule == nil {
			return nil, ErrNoMatchingRule
		}
	}
	if rule.Resolution.Strategy == StrategyRuleBased || !rule.Resolution.Strategy.Valid() {
		return nil, fmt.Errorf("%w: rule %s", ErrInvalidRule, rule.ID)
	}

	if timeout := rule.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ruleIn := *in
	ruleIn.opts.Parameters = rule.Resolution.Parameters
	out, err := executors[rule.Resolution.Strategy](e, ctx, &ruleIn)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", rule.Name, err)
	}
	out.ruleID = rule.ID
	if out.rationale == "" {
		out.rationale = "applied rule " + rule.Name
	}
	return out, nil
}

// branchOps recovers the edits taking base to v. A version edited directly
// from base carries its operation; anything else is diffed.
func branchOps(base, v *content.Version) []ot.Operation {
	if v.Operation != nil && v.ParentVersionID != nil && *v.ParentVersionID == base.ID {
		return []ot.Operation{*v.Operation}
	}
	return sequentialOps(diff.Hunks(base.Content, v.Content), v.AuthorID)
}

// sequentialOps turns base-coordinate hunks into operations that apply in order.
func sequentialOps(hunks []diff.Hunk, userID string) []ot.Operation {
	ops := make([]ot.Operation, 0, len(hunks))
	shift := 0
	for _, h := range hunks {
		op := h.Operation(userID)
		op.Position += shift
		shift += utf8.RuneCountInString(h.Text) - (h.End - h.Start)
		ops = append(ops, op)
	}
	return ops
}

// hunkOps expresses hunks as base-coordinate operations.
func hunkOps(hunks []diff.Hunk, userID string) []ot.Operation {
	if len(hunks) == 0 {
		return nil
	}
	ops := make([]ot.Operation, 0, len(hunks))
	for _, h := range hunks {
		ops = append(ops, h.Operation(userID))
	}
	return ops
}
