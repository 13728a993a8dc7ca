package model

// Severity is the escalation tier of repetition feedback.
type Severity string

const (
	SeverityHint     Severity = "hint"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// SeverityFor maps a consecutive-block count to its tier: 1-2 hint,
// 3-4 warning, 5 and above critical.
func SeverityFor(consecutiveBlocks int) Severity {
	switch {
	case consecutiveBlocks >= 5:
		return SeverityCritical
	case consecutiveBlocks >= 3:
		return SeverityWarning
	default:
		return SeverityHint
	}
}

// Rank orders severities for comparison.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityHint:
		return 1
	default:
		return 0
	}
}

// Rule names the repetition rule that blocked an action.
type Rule string

const (
	RuleConsecutive   Rule = "consecutive_duplicate"
	RuleWindow        Rule = "window_threshold"
	RuleDeterministic Rule = "deterministic_repeat"
)

// Feedback is the structured result of a blocked action. It is rendered to
// text only when handed to the reasoning engine.
type Feedback struct {
	Rule      Rule     `json:"rule"`
	Severity  Severity `json:"severity"`
	Operation string   `json:"operation"`
	Action    string   `json:"action"`
	// Consecutive is the number of contiguous blocks including this one.
	Consecutive int `json:"consecutive"`
	// Occurrences is how many times the action appears in the window,
	// counting the proposed call. Zero for rules that do not count.
	Occurrences int    `json:"occurrences,omitempty"`
	Window      int    `json:"window,omitempty"`
	Reason      string `json:"reason"`
}
