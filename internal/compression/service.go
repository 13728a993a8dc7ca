package compression

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskloop/internal/model"
)

const tracerName = "github.com/fyrsmithlabs/taskloop/internal/compression"
const meterName = "compression"

// Service runs both compressors and records telemetry for each run.
type Service struct {
	config       Config
	conversation *ConversationCompressor
	trace        *TraceCompressor
	logger       *zap.Logger

	tracer trace.Tracer
	meter  metric.Meter

	runs      metric.Int64Counter
	fallbacks metric.Int64Counter
	ratio     metric.Float64Histogram
}

// NewService creates a compression service. A nil summarizer falls back to
// ExtractiveSummarizer.
func NewService(cfg Config, s Summarizer, logger *zap.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if s == nil {
		s = ExtractiveSummarizer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &Service{
		config:       cfg,
		conversation: NewConversationCompressor(cfg, s),
		trace:        NewTraceCompressor(cfg),
		logger:       logger,
		tracer:       otel.Tracer(tracerName),
		meter:        otel.Meter(meterName),
	}
	if err := svc.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	return svc, nil
}

// Config returns the tunables.
func (s *Service) Config() Config { return s.config }

// CompressConversation compresses the conversation log when it is over
// the trigger.
func (s *Service) CompressConversation(ctx context.Context, msgs []model.Message) ([]model.Message, Result) {
	if len(msgs) <= s.config.ConversationTrigger {
		return msgs, Result{Outcome: OutcomeSkipped, Before: len(msgs), After: len(msgs)}
	}
	ctx, span := s.tracer.Start(ctx, "compression.conversation",
		trace.WithAttributes(attribute.Int("messages", len(msgs))))
	defer span.End()

	out, res := s.conversation.Compress(ctx, msgs)
	s.record(ctx, span, "conversation", res)
	return out, res
}

// CompressTrace compresses an action trace when it is over the trigger in
// effect for contextSize.
func (s *Service) CompressTrace(ctx context.Context, entries []model.TraceEntry, contextSize int) ([]model.TraceEntry, Result) {
	trigger, _, tight := s.trace.Limits(contextSize)
	if len(entries) <= trigger {
		return entries, Result{Outcome: OutcomeSkipped, Before: len(entries), After: len(entries), Tight: tight}
	}
	ctx, span := s.tracer.Start(ctx, "compression.trace",
		trace.WithAttributes(
			attribute.Int("entries", len(entries)),
			attribute.Int("context_size", contextSize),
			attribute.Bool("tight", tight),
		))
	defer span.End()

	out, res := s.trace.Compress(entries, contextSize)
	s.record(ctx, span, "trace", res)
	return out, res
}

func (s *Service) record(ctx context.Context, span trace.Span, kind string, res Result) {
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", string(res.Outcome)),
	)
	s.runs.Add(ctx, 1, attrs)
	s.ratio.Record(ctx, res.Reduction(), metric.WithAttributes(attribute.String("kind", kind)))
	span.SetAttributes(
		attribute.String("outcome", string(res.Outcome)),
		attribute.Int("before", res.Before),
		attribute.Int("after", res.After),
		attribute.Float64("reduction", res.Reduction()),
	)

	if res.Outcome == OutcomeTruncated {
		s.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
		s.logger.Warn("compression fell back to truncation",
			zap.String("kind", kind),
			zap.String("reason", res.Reason),
			zap.Int("before", res.Before),
			zap.Int("after", res.After))
		return
	}
	s.logger.Debug("context compressed",
		zap.String("kind", kind),
		zap.Int("before", res.Before),
		zap.Int("after", res.After),
		zap.Float64("reduction", res.Reduction()))
}

// initMetrics initializes OpenTelemetry metrics
func (s *Service) initMetrics() error {
	var err error

	s.runs, err = s.meter.Int64Counter(
		"compression.runs_total",
		metric.WithDescription("Compression runs by kind and outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create runs counter: %w", err)
	}

	s.fallbacks, err = s.meter.Int64Counter(
		"compression.fallbacks_total",
		metric.WithDescription("Compression runs that fell back to truncation"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create fallbacks counter: %w", err)
	}

	s.ratio, err = s.meter.Float64Histogram(
		"compression.reduction",
		metric.WithDescription("Fraction of the replaced span saved"),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(0.0, 0.1, 0.25, 0.5, 0.75, 0.9, 1.0),
	)
	if err != nil {
		return fmt.Errorf("failed to create reduction histogram: %w", err)
	}

	return nil
}
