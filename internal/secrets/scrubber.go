// Package secrets redacts credentials from tool output before it enters
// the conversation, the trace or a checkpoint.
package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// DefaultRedaction replaces every detected secret.
const DefaultRedaction = "[REDACTED]"

// Rule detects one kind of secret.
type Rule struct {
	ID      string
	Pattern string
	// Keywords, when set, must appear in the content (case-insensitive)
	// before the pattern is tried.
	Keywords []string
}

// Config configures a Scrubber.
type Config struct {
	Rules     []Rule
	AllowList []string
	Redaction string
}

// DefaultConfig returns the built-in rule set.
func DefaultConfig() Config {
	return Config{Rules: DefaultRules(), Redaction: DefaultRedaction}
}

// Finding locates one redacted secret. The matched text is never kept.
type Finding struct {
	RuleID string `json:"rule_id"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
	Line   int    `json:"line"`
}

// Result is the outcome of Scrub.
type Result struct {
	Scrubbed string
	Findings []Finding
}

// ByRule counts findings per rule.
func (r Result) ByRule() map[string]int {
	out := make(map[string]int, len(r.Findings))
	for _, f := range r.Findings {
		out[f.RuleID]++
	}
	return out
}

type compiledRule struct {
	id       string
	pattern  *regexp.Regexp
	keywords []string
}

// Scrubber detects and redacts secrets. It is immutable after New and
// safe for concurrent use.
type Scrubber struct {
	rules     []compiledRule
	allow     []*regexp.Regexp
	redaction string
}

// New compiles cfg.
func New(cfg Config) (*Scrubber, error) {
	s := &Scrubber{redaction: cfg.Redaction}
	if s.redaction == "" {
		s.redaction = DefaultRedaction
	}
	for i, r := range cfg.Rules {
		if r.ID == "" || r.Pattern == "" {
			return nil, fmt.Errorf("rule %d: id and pattern are required", i)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		kws := make([]string, len(r.Keywords))
		for j, kw := range r.Keywords {
			kws[j] = strings.ToLower(kw)
		}
		s.rules = append(s.rules, compiledRule{id: r.ID, pattern: re, keywords: kws})
	}
	for i, p := range cfg.AllowList {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("allow list %d: %w", i, err)
		}
		s.allow = append(s.allow, re)
	}
	return s, nil
}

// Scrub finds every secret in content and returns the redacted text.
// Overlapping matches collapse into one redaction.
func (s *Scrubber) Scrub(content string) Result {
	if content == "" {
		return Result{}
	}
	lower := strings.ToLower(content)

	var findings []Finding
	for _, r := range s.rules {
		if !hasKeyword(lower, r.keywords) {
			continue
		}
		for _, m := range r.pattern.FindAllStringIndex(content, -1) {
			if s.allowed(content[m[0]:m[1]]) {
				continue
			}
			findings = append(findings, Finding{
				RuleID: r.id,
				Start:  m[0],
				End:    m[1],
				Line:   strings.Count(content[:m[0]], "\n") + 1,
			})
		}
	}
	if len(findings) == 0 {
		return Result{Scrubbed: content}
	}

	sort.Slice(findings, func(i, j int) bool { return findings[i].Start < findings[j].Start })
	var b strings.Builder
	pos, open := 0, false
	for _, f := range findings {
		if open && f.Start <= pos {
			pos = max(pos, f.End)
			continue
		}
		b.WriteString(content[pos:f.Start])
		b.WriteString(s.redaction)
		pos, open = f.End, true
	}
	b.WriteString(content[pos:])
	return Result{Scrubbed: b.String(), Findings: findings}
}

// Redact returns content with secrets replaced.
func (s *Scrubber) Redact(content string) string {
	return s.Scrub(content).Scrubbed
}

func (s *Scrubber) allowed(match string) bool {
	for _, re := range s.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

func hasKeyword(lower string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
