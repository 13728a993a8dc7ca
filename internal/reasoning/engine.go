package reasoning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/taskloop/internal/model"
	"github.com/fyrsmithlabs/taskloop/internal/orchestrator"
)

// Defaults for model calls.
const (
	DefaultMaxTokens   = 2048
	DefaultTemperature = 0.2
	defaultRate        = 2.0
	defaultBurst       = 2
)

// ErrEmptyResponse is returned when the model produced no choices.
var ErrEmptyResponse = errors.New("empty model response")

// Engine is an orchestrator.Engine backed by a language model.
type Engine struct {
	llm         llms.Model
	limiter     *rate.Limiter
	maxTokens   int
	temperature float64
	logger      *zap.Logger
}

var _ orchestrator.Engine = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithRateLimit bounds model calls per second.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(e *Engine) { e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithMaxTokens bounds the reply length.
func WithMaxTokens(n int) Option {
	return func(e *Engine) { e.maxTokens = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(e *Engine) { e.temperature = t }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine backed by llm.
func New(llm llms.Model, opts ...Option) *Engine {
	e := &Engine{
		llm:         llm,
		limiter:     rate.NewLimiter(rate.Limit(defaultRate), defaultBurst),
		maxTokens:   DefaultMaxTokens,
		temperature: DefaultTemperature,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Plan implements orchestrator.Engine.
func (e *Engine) Plan(ctx context.Context, req orchestrator.PlanRequest) ([]string, error) {
	text, err := e.generate(ctx, req.Conversation, planMessage(req))
	if err != nil {
		return nil, err
	}
	return parsePlan(text)
}

// Next implements orchestrator.Engine.
func (e *Engine) Next(ctx context.Context, req orchestrator.StepRequest) (orchestrator.Decision, error) {
	text, err := e.generate(ctx, req.Conversation, stepMessage(req))
	if err != nil {
		return orchestrator.Decision{}, err
	}
	dec, err := parseDecision(text)
	if err != nil {
		e.logger.Debug("unparseable step reply", zap.String("reply", truncate(text, 500)), zap.Error(err))
	}
	return dec, err
}

// Replan implements orchestrator.Engine.
func (e *Engine) Replan(ctx context.Context, req orchestrator.ReplanRequest) (orchestrator.Verdict, error) {
	text, err := e.generate(ctx, req.Conversation, replanMessage(req))
	if err != nil {
		return orchestrator.Verdict{}, err
	}
	return parseVerdict(text)
}

func (e *Engine) generate(ctx context.Context, conversation []model.Message, instruction string) (string, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	resp, err := e.llm.GenerateContent(ctx, Messages(conversation, instruction),
		llms.WithMaxTokens(e.maxTokens),
		llms.WithTemperature(e.temperature),
	)
	if err != nil {
		return "", fmt.Errorf("generating content: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Content, nil
}

// Messages converts a conversation log into model messages. The protocol
// prompt comes first, conversation system messages are merged into it, and
// instruction is appended as the final human message. Tool results are
// sent as human messages since no tool call IDs exist for them.
func Messages(conversation []model.Message, instruction string) []llms.MessageContent {
	system := []string{protocol}
	var rest []llms.MessageContent
	for _, m := range conversation {
		switch m.Role {
		case model.RoleSystem:
			system = append(system, m.Content)
		case model.RoleAssistant:
			rest = append(rest, llms.TextParts(schema.ChatMessageTypeAI, m.Content))
		case model.RoleTool:
			rest = append(rest, llms.TextParts(schema.ChatMessageTypeHuman, "RESULT: "+m.Content))
		default:
			rest = append(rest, llms.TextParts(schema.ChatMessageTypeHuman, m.Content))
		}
	}
	out := make([]llms.MessageContent, 0, len(rest)+2)
	out = append(out, llms.TextParts(schema.ChatMessageTypeSystem, strings.Join(system, "\n\n")))
	out = append(out, rest...)
	return append(out, llms.TextParts(schema.ChatMessageTypeHuman, instruction))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return model.Clip(s, n) + "..."
}
