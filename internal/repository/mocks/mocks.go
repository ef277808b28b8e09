package mocks

import (
	"context"

	"github.com/rpggio/accord/internal/domain/merge"
	"github.com/stretchr/testify/mock"
)

// RuleRepository is a mock for merge.RuleRepository.
type RuleRepository struct {
	mock.Mock
}

func (m *RuleRepository) Create(ctx context.Context, rule *merge.Rule) error {
	args := m.Called(ctx, rule)
	return args.Error(0)
}

func (m *RuleRepository) Get(ctx context.Context, id string) (*merge.Rule, error) {
	args := m.Called(ctx, id)
	if rule, ok := args.Get(0).(*merge.Rule); ok {
		// Callers mutate the rule they get back.
		clone := *rule
		return &clone, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *RuleRepository) List(ctx context.Context, opts merge.ListRulesOptions) ([]merge.Rule, error) {
	args := m.Called(ctx, opts)
	if list, ok := args.Get(0).([]merge.Rule); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *RuleRepository) Update(ctx context.Context, rule *merge.Rule, expectedUsage int64) error {
	args := m.Called(ctx, rule, expectedUsage)
	return args.Error(0)
}

func (m *RuleRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// AIAssistant is a mock for merge.AIAssistant.
type AIAssistant struct {
	mock.Mock
}

func (m *AIAssistant) AnalyzeSemantic(ctx context.Context, req merge.SemanticRequest) (*merge.SemanticContext, error) {
	args := m.Called(ctx, req)
	if sc, ok := args.Get(0).(*merge.SemanticContext); ok {
		return sc, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *AIAssistant) GenerateMergeSuggestions(ctx context.Context, sc *merge.SemanticContext) ([]merge.Suggestion, error) {
	args := m.Called(ctx, sc)
	if list, ok := args.Get(0).([]merge.Suggestion); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}
