package guard

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/taskloop/internal/model"
)

// Render turns feedback into the text handed to the reasoning engine.
func Render(fb model.Feedback) string {
	var sb strings.Builder
	switch fb.Severity {
	case model.SeverityCritical:
		sb.WriteString("CRITICAL: ")
	case model.SeverityWarning:
		sb.WriteString("WARNING: ")
	default:
		sb.WriteString("NOTE: ")
	}
	fmt.Fprintf(&sb, "call blocked, %s was not executed because it %s.", fb.Action, fb.Reason)
	if fb.Consecutive > 1 {
		fmt.Fprintf(&sb, " This is blocked call %d in a row.", fb.Consecutive)
	}
	sb.WriteString(" ")
	sb.WriteString(advice(fb))
	return sb.String()
}

func advice(fb model.Feedback) string {
	switch fb.Severity {
	case model.SeverityCritical:
		return "Your current approach is not making progress. Do not propose any variant of this call again. " +
			"If the subtask is done, signal finished; if it cannot be done this way, request a replan."
	case model.SeverityWarning:
		return "Stop repeating calls. Work from the results already in the history, or pick a different " +
			"operation or different arguments that move the subtask forward."
	}
	switch fb.Rule {
	case model.RuleDeterministic:
		return "Use the earlier result instead of asking again."
	case model.RuleWindow:
		return "Repeating it will not give a different result; try another approach."
	default:
		return "Use the result you already have, or choose a different action."
	}
}
