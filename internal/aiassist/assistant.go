// Package aiassist implements AI-assisted merging on the Anthropic Messages API.
package aiassist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rpggio/accord/internal/domain/merge"
)

const (
	DefaultModel     = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens = 4096
)

// ErrMalformedResponse indicates the model's reply wasn't the requested JSON.
var ErrMalformedResponse = errors.New("malformed assistant response")

// MessagesClient is the part of the Anthropic client the assistant calls.
type MessagesClient interface {
	New(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error)
}

type messagesService struct {
	svc *anthropic.MessageService
}

func (m messagesService) New(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	return m.svc.New(ctx, params)
}

// Config configures the assistant. An empty APIKey falls back to the
// ANTHROPIC_API_KEY environment variable read by the SDK.
type Config struct {
	APIKey    string
	Model     string
	MaxTokens int
}

// Assistant implements merge.AIAssistant.
type Assistant struct {
	messages  MessagesClient
	model     string
	maxTokens int64
	logger    *slog.Logger
}

var _ merge.AIAssistant = (*Assistant)(nil)

// New creates an assistant backed by the Anthropic API.
func New(cfg Config, logger *slog.Logger) *Assistant {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	client := anthropic.NewClient(opts...)
	return NewWithClient(messagesService{svc: &client.Messages}, cfg, logger)
}

// NewWithClient creates an assistant over an existing messages client.
func NewWithClient(messages MessagesClient, cfg Config, logger *slog.Logger) *Assistant {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := int64(DefaultMaxTokens)
	if cfg.MaxTokens > 0 {
		maxTokens = int64(cfg.MaxTokens)
	}
	return &Assistant{messages: messages, model: model, maxTokens: maxTokens, logger: logger}
}

type analysis struct {
	Summary string   `json:"summary"`
	Intents []string `json:"intents"`
}

// AnalyzeSemantic asks the model what each side of the conflict meant to do.
func (a *Assistant) AnalyzeSemantic(ctx context.Context, req merge.SemanticRequest) (*merge.SemanticContext, error) {
	var out analysis
	if err := a.ask(ctx, analysisPrompt, renderRequest(req), &out); err != nil {
		return nil, fmt.Errorf("analyzing conflict %s: %w", req.ConflictID, err)
	}
	return &merge.SemanticContext{Request: req, Summary: out.Summary, Intents: out.Intents}, nil
}

type suggestions struct {
	Suggestions []merge.Suggestion `json:"suggestions"`
}

// GenerateMergeSuggestions asks for candidate merged texts. Confidence is
// clamped to [0, 1]; empty candidates are dropped.
func (a *Assistant) GenerateMergeSuggestions(ctx context.Context, sc *merge.SemanticContext) ([]merge.Suggestion, error) {
	var b strings.Builder
	b.WriteString(renderRequest(sc.Request))
	fmt.Fprintf(&b, "\nAnalysis: %s\n", sc.Summary)
	for i, intent := range sc.Intents {
		fmt.Fprintf(&b, "Intent %d: %s\n", i+1, intent)
	}

	var out suggestions
	if err := a.ask(ctx, suggestionPrompt, b.String(), &out); err != nil {
		return nil, fmt.Errorf("suggesting merges for %s: %w", sc.Request.ConflictID, err)
	}
	result := make([]merge.Suggestion, 0, len(out.Suggestions))
	for _, s := range out.Suggestions {
		if s.Content == "" {
			continue
		}
		s.Confidence = min(max(s.Confidence, 0), 1)
		if s.Strategy == "" {
			s.Strategy = merge.StrategyAIAssisted.String()
		}
		result = append(result, s)
	}
	return result, nil
}

func (a *Assistant) ask(ctx context.Context, system, prompt string, v any) error {
	msg, err := a.messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return err
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	a.logger.Debug("assistant replied",
		"model", a.model,
		"input_tokens", msg.Usage.InputTokens,
		"output_tokens", msg.Usage.OutputTokens,
	)

	raw := extractJSON(text.String())
	if raw == "" {
		return fmt.Errorf("%w: no JSON object in reply", ErrMalformedResponse)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

// extractJSON returns the outermost {...} span, which also strips code fences.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

func renderRequest(req merge.SemanticRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Conflict type: %s\nContent type: %s\n", req.ConflictType, req.ContentType)
	fmt.Fprintf(&b, "<base>\n%s\n</base>\n", req.Base)
	fmt.Fprintf(&b, "<version author=%q>\n%s\n</version>\n", req.AuthorA, req.VersionA)
	fmt.Fprintf(&b, "<version author=%q>\n%s\n</version>\n", req.AuthorB, req.VersionB)
	for _, r := range req.Regions {
		if r.Conflicting {
			fmt.Fprintf(&b, "Both versions changed base[%d:%d] %q: %q vs %q\n", r.Start, r.End, r.BaseText, r.TextA, r.TextB)
		}
	}
	return b.String()
}

const analysisPrompt = `You review edit conflicts in shared collaborative content.
Two users edited the same base text concurrently. Describe what each edit was
trying to achieve. Reply with a single JSON object:
{"summary": "<one paragraph>", "intents": ["<intent of first version>", "<intent of second version>"]}`

const suggestionPrompt = `You merge conflicting edits in shared collaborative content.
Produce up to three complete merged texts that preserve both users' intent.
Reply with a single JSON object:
{"suggestions": [{"content": "<full merged text>", "rationale": "<why>", "confidence": <0..1>}]}`
