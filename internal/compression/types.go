package compression

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/taskloop/internal/model"
)

const (
	// SummaryHeader opens a conversation summary message.
	SummaryHeader = "[CONVERSATION SUMMARY]"
	// SummaryFooter closes a conversation summary message.
	SummaryFooter = "[END OF SUMMARY]"
	// TraceSummaryHeader opens an action trace summary entry.
	TraceSummaryHeader = "[PREVIOUS ACTIONS SUMMARY]"
)

var (
	// ErrEmptySummary is returned by summarizers that produced no text.
	ErrEmptySummary = errors.New("summarizer returned an empty summary")

	// ErrInvalidConfig wraps configuration validation failures.
	ErrInvalidConfig = errors.New("invalid compression config")
)

// Config holds the compression tunables.
type Config struct {
	ConversationTrigger int
	ConversationTail    int

	TraceTrigger int
	TraceTail    int
	// TraceTightTrigger and TraceTightTail apply once the accumulated
	// context exceeds SizeThreshold characters.
	TraceTightTrigger int
	TraceTightTail    int
	SizeThreshold     int

	// ObservationCap bounds each preserved observation, in characters.
	ObservationCap int

	// MinReduction is the smallest fraction of the summarized span a
	// summary must save to be kept.
	MinReduction float64
}

// DefaultConfig returns the default tunables.
func DefaultConfig() Config {
	return Config{
		ConversationTrigger: 50,
		ConversationTail:    10,
		TraceTrigger:        10,
		TraceTail:           5,
		TraceTightTrigger:   5,
		TraceTightTail:      3,
		SizeThreshold:       30000,
		ObservationCap:      1000,
		MinReduction:        0.10,
	}
}

// Validate checks the tunables.
func (c Config) Validate() error {
	switch {
	case c.ConversationTrigger <= 0 || c.ConversationTail < 0:
		return fmt.Errorf("%w: conversation trigger must be positive and tail non-negative", ErrInvalidConfig)
	case c.ConversationTail >= c.ConversationTrigger:
		return fmt.Errorf("%w: conversation tail %d must be below trigger %d", ErrInvalidConfig, c.ConversationTail, c.ConversationTrigger)
	case c.TraceTrigger <= 0 || c.TraceTail < 0 || c.TraceTail > c.TraceTrigger:
		return fmt.Errorf("%w: trace tail %d must not exceed trigger %d", ErrInvalidConfig, c.TraceTail, c.TraceTrigger)
	case c.TraceTightTrigger <= 0 || c.TraceTightTail < 0 || c.TraceTightTail > c.TraceTightTrigger:
		return fmt.Errorf("%w: tight trace tail %d must not exceed tight trigger %d", ErrInvalidConfig, c.TraceTightTail, c.TraceTightTrigger)
	case c.SizeThreshold <= 0:
		return fmt.Errorf("%w: size threshold must be positive", ErrInvalidConfig)
	case c.ObservationCap <= 0:
		return fmt.Errorf("%w: observation cap must be positive", ErrInvalidConfig)
	case c.MinReduction <= 0 || c.MinReduction >= 1:
		return fmt.Errorf("%w: min reduction %.2f must be in (0,1)", ErrInvalidConfig, c.MinReduction)
	}
	return nil
}

// Summarizer condenses a span of conversation into current-state text.
type Summarizer interface {
	Summarize(ctx context.Context, messages []model.Message) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, messages []model.Message) (string, error)

// Summarize calls f.
func (f SummarizerFunc) Summarize(ctx context.Context, messages []model.Message) (string, error) {
	return f(ctx, messages)
}

// Outcome describes what a compression run did.
type Outcome string

const (
	OutcomeSkipped    Outcome = "skipped"
	OutcomeSummarized Outcome = "summarized"
	OutcomeTruncated  Outcome = "truncated"
)

// Result reports one compression run.
type Result struct {
	Outcome Outcome
	// Before and After are entry counts.
	Before int
	After  int
	// SpanSize and SummarySize are character counts of the replaced span
	// and of what replaced it.
	SpanSize    int
	SummarySize int
	// Reason explains a fallback.
	Reason string
	Tight  bool
}

// Applied reports whether the input changed.
func (r Result) Applied() bool { return r.Outcome != OutcomeSkipped }

// Reduction is the fraction of the span saved.
func (r Result) Reduction() float64 {
	return reduction(r.SpanSize, r.SummarySize)
}

func reduction(before, after int) float64 {
	if before <= 0 {
		return 0
	}
	return 1 - float64(after)/float64(before)
}
