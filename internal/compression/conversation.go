package compression

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/taskloop/internal/model"
)

// ConversationCompressor replaces older conversation messages with one
// current-state summary.
type ConversationCompressor struct {
	trigger      int
	tail         int
	minReduction float64
	summarizer   Summarizer
}

// NewConversationCompressor creates a compressor using s for summaries.
func NewConversationCompressor(cfg Config, s Summarizer) *ConversationCompressor {
	return &ConversationCompressor{
		trigger:      cfg.ConversationTrigger,
		tail:         cfg.ConversationTail,
		minReduction: cfg.MinReduction,
		summarizer:   s,
	}
}

// Compress returns msgs unchanged while there are at most trigger
// messages. Otherwise it returns the system messages, one summary message
// and the last tail non-system messages.
func (c *ConversationCompressor) Compress(ctx context.Context, msgs []model.Message) ([]model.Message, Result) {
	res := Result{Outcome: OutcomeSkipped, Before: len(msgs), After: len(msgs)}
	if len(msgs) <= c.trigger {
		return msgs, res
	}

	var system, rest []model.Message
	for _, m := range msgs {
		if m.Role == model.RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}
	if len(rest) <= c.tail {
		return msgs, res
	}

	span := rest[:len(rest)-c.tail]
	tail := rest[len(rest)-c.tail:]
	res.SpanSize = messagesSize(span)

	out := make([]model.Message, 0, len(system)+1+len(tail))
	out = append(out, system...)

	summary, err := c.summarize(ctx, span)
	switch {
	case err != nil:
		res.Outcome = OutcomeTruncated
		res.Reason = fmt.Sprintf("summary failed: %v", err)
	case reduction(res.SpanSize, len(summary)) < c.minReduction:
		res.Outcome = OutcomeTruncated
		res.Reason = fmt.Sprintf("summary saved %.0f%%, below %.0f%%",
			100*reduction(res.SpanSize, len(summary)), 100*c.minReduction)
	default:
		res.Outcome = OutcomeSummarized
	}

	if res.Outcome == OutcomeSummarized {
		out = append(out, model.Message{Role: model.RoleAssistant, Content: summary})
		res.SummarySize = len(summary)
	} else {
		marker := fmt.Sprintf("[%d earlier messages truncated]", len(span))
		out = append(out, model.Message{Role: model.RoleAssistant, Content: marker})
		res.SummarySize = len(marker)
	}
	out = append(out, tail...)
	res.After = len(out)
	return out, res
}

func (c *ConversationCompressor) summarize(ctx context.Context, span []model.Message) (string, error) {
	if c.summarizer == nil {
		return "", ErrEmptySummary
	}
	text, err := c.summarizer.Summarize(ctx, span)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptySummary
	}
	return SummaryHeader + "\n" + text + "\n" + SummaryFooter, nil
}

// IsSummary reports whether m is a conversation summary message.
func IsSummary(m model.Message) bool {
	return m.Role == model.RoleAssistant && strings.HasPrefix(m.Content, SummaryHeader)
}

func messagesSize(msgs []model.Message) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Content)
	}
	return n
}
