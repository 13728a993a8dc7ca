package compression

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/taskloop/internal/model"
	"github.com/fyrsmithlabs/taskloop/internal/tools"
)

// Rate limiter defaults for summary calls.
const (
	defaultSummaryRate  = 1.0
	defaultSummaryBurst = 1
	defaultMaxTokens    = 1024
)

const summaryPrompt = `You compress the history of an autonomous coding session so the agent can keep working without the full transcript.

Write a summary of the CURRENT STATE, not a narrative. Use exactly these sections:

ORIGINAL REQUEST: the task the user asked for, in one or two sentences.
COMPLETED WORK: concrete things that were done (files written, commands that succeeded).
WHAT EXISTS: files, directories and components that exist now.
WHAT DOES NOT EXIST YET: things the task needs that have not been created.
TECHNICAL SETUP: languages, frameworks, paths and commands in use.
NEXT STEP: the single most useful next action.

Be specific: name files and paths. Omit pleasantries and repeated failures unless they explain the current state.`

// LLMSummarizer summarizes conversation spans with a language model.
type LLMSummarizer struct {
	llm         llms.Model
	limiter     *rate.Limiter
	maxTokens   int
	temperature float64
}

// LLMOption configures an LLMSummarizer.
type LLMOption func(*LLMSummarizer)

// WithRateLimit sets the call rate and burst.
func WithRateLimit(perSecond float64, burst int) LLMOption {
	return func(s *LLMSummarizer) {
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithMaxTokens bounds the summary length.
func WithMaxTokens(n int) LLMOption {
	return func(s *LLMSummarizer) { s.maxTokens = n }
}

// NewLLMSummarizer creates a summarizer backed by llm.
func NewLLMSummarizer(llm llms.Model, opts ...LLMOption) *LLMSummarizer {
	s := &LLMSummarizer{
		llm:         llm,
		limiter:     rate.NewLimiter(rate.Limit(defaultSummaryRate), defaultSummaryBurst),
		maxTokens:   defaultMaxTokens,
		temperature: 0,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Summarize implements Summarizer.
func (s *LLMSummarizer) Summarize(ctx context.Context, messages []model.Message) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	resp, err := s.llm.GenerateContent(ctx,
		[]llms.MessageContent{
			llms.TextParts(schema.ChatMessageTypeSystem, summaryPrompt),
			llms.TextParts(schema.ChatMessageTypeHuman, Transcript(messages)),
		},
		llms.WithMaxTokens(s.maxTokens),
		llms.WithTemperature(s.temperature),
	)
	if err != nil {
		return "", fmt.Errorf("generating summary: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrEmptySummary
	}
	text := strings.TrimSpace(resp.Choices[0].Content)
	if text == "" {
		return "", ErrEmptySummary
	}
	return text, nil
}

// Transcript renders messages as role-tagged plain text.
func Transcript(messages []model.Message) string {
	var sb strings.Builder
	for i, m := range messages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "%s: %s", strings.ToUpper(string(m.Role)), m.Content)
	}
	return sb.String()
}

// ExtractiveSummarizer builds the current-state sections from the messages
// themselves without calling a model. It is used when no model is
// configured.
//
// Assistant messages of the form "→ op(args)" announce an action; the tool
// message that follows is its result. Paths written, created or read
// successfully exist; paths a read or listing did not find do not exist
// yet; successful commands make up the technical setup.
type ExtractiveSummarizer struct {
	// MaxItems bounds each list section.
	MaxItems int
}

// ActionPrefix starts an assistant message that announces an action.
const ActionPrefix = "→ "

var (
	pathArg    = regexp.MustCompile(`\bpath=("(?:[^"\\]|\\.)*")`)
	commandArg = regexp.MustCompile(`\bcommand=("(?:[^"\\]|\\.)*")`)
)

// Summarize implements Summarizer.
func (e ExtractiveSummarizer) Summarize(_ context.Context, messages []model.Message) (string, error) {
	limit := e.MaxItems
	if limit <= 0 {
		limit = 8
	}

	var (
		request, next       string
		completed, failed   []string
		exists, missing     []string
		setup               []string
		pendingOp, pendingA string
	)
	for _, m := range messages {
		switch m.Role {
		case model.RoleUser:
			if request == "" {
				request = firstLine(m.Content, 300)
			}
		case model.RoleAssistant:
			if IsSummary(m) {
				if prev := sectionOf(m.Content, "ORIGINAL REQUEST:"); prev != "" && request == "" {
					request = prev
				}
				exists = appendUnique(exists, listSection(m.Content, "WHAT EXISTS:"), limit)
				missing = appendUnique(missing, listSection(m.Content, "WHAT DOES NOT EXIST YET:"), limit)
				setup = appendUnique(setup, listSection(m.Content, "TECHNICAL SETUP:"), limit)
				continue
			}
			if call, ok := strings.CutPrefix(m.Content, ActionPrefix); ok {
				pendingA = firstLine(call, 2000)
				pendingOp, _, _ = strings.Cut(pendingA, "(")
				continue
			}
			next = firstLine(m.Content, 200)
		case model.RoleTool:
			line := firstLine(m.Content, 160)
			ok := strings.HasPrefix(line, "OK")
			switch {
			case strings.HasPrefix(line, "ERROR") || strings.HasPrefix(line, "FAILED"):
				failed = appendBounded(failed, line, limit)
			case line != "":
				completed = appendBounded(completed, line, limit)
			}

			path := quotedArg(pathArg, pendingA)
			switch pendingOp {
			case tools.WriteToFile, tools.ReplaceInFile, tools.CreateDirectory, tools.ReadFile, tools.ListFiles:
				if path == "" {
					break
				}
				if ok {
					exists = appendUnique(exists, []string{path}, limit)
					missing = remove(missing, path)
				} else if strings.Contains(line, "("+string(model.FailureNotFound)+")") {
					missing = appendUnique(missing, []string{path}, limit)
				}
			case tools.DeletePath:
				if ok && path != "" {
					exists = remove(exists, path)
				}
			case tools.ExecuteCommand:
				if c := quotedArg(commandArg, pendingA); ok && c != "" {
					setup = appendUnique(setup, []string{"ran: " + truncate(c, 120)}, limit)
				}
			}
			pendingOp, pendingA = "", ""
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "ORIGINAL REQUEST: %s\n", orNone(request))
	sb.WriteString("COMPLETED WORK:\n")
	writeList(&sb, completed)
	sb.WriteString("FAILED ATTEMPTS:\n")
	writeList(&sb, failed)
	sb.WriteString("WHAT EXISTS:\n")
	writeList(&sb, exists)
	sb.WriteString("WHAT DOES NOT EXIST YET:\n")
	writeList(&sb, missing)
	sb.WriteString("TECHNICAL SETUP:\n")
	writeList(&sb, setup)
	fmt.Fprintf(&sb, "NEXT STEP: %s", orNone(next))
	return sb.String(), nil
}

func quotedArg(re *regexp.Regexp, call string) string {
	m := re.FindStringSubmatch(call)
	if m == nil {
		return ""
	}
	v, err := strconv.Unquote(m[1])
	if err != nil {
		return ""
	}
	return v
}

// listSection returns the "- " items under header in a previous summary.
func listSection(text, header string) []string {
	i := strings.Index(text, header)
	if i < 0 {
		return nil
	}
	var items []string
	for _, line := range strings.Split(text[i+len(header):], "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		item, ok := strings.CutPrefix(line, "- ")
		if !ok {
			break
		}
		if item != "none" {
			items = append(items, item)
		}
	}
	return items
}

func appendUnique(list, items []string, limit int) []string {
	for _, it := range items {
		if !slices.Contains(list, it) {
			list = appendBounded(list, it, limit)
		}
	}
	return list
}

func remove(list []string, s string) []string {
	return slices.DeleteFunc(list, func(v string) bool { return v == s })
}

func sectionOf(text, header string) string {
	i := strings.Index(text, header)
	if i < 0 {
		return ""
	}
	return firstLine(strings.TrimSpace(text[i+len(header):]), 300)
}

func firstLine(s string, n int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return truncate(s, n)
}

func appendBounded(list []string, s string, limit int) []string {
	list = append(list, s)
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list
}

func writeList(sb *strings.Builder, items []string) {
	if len(items) == 0 {
		sb.WriteString("- none\n")
		return
	}
	for _, it := range items {
		fmt.Fprintf(sb, "- %s\n", it)
	}
}

func orNone(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
