package orchestrator

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/taskloop/internal/guard"
	"github.com/fyrsmithlabs/taskloop/internal/model"
)

// maxRenderedEntries caps listing entries written to the conversation.
const maxRenderedEntries = 200

func renderPlan(title string, steps []string) string {
	var sb strings.Builder
	sb.WriteString(title)
	sb.WriteString(":")
	for i, st := range steps {
		fmt.Fprintf(&sb, "\n%d. %s", i+1, st)
	}
	return sb.String()
}

// renderObservation formats an observation as the tool message the
// reasoning engine reads.
func renderObservation(a model.Action, obs model.Observation) string {
	switch obs.Status {
	case model.StatusBlocked:
		if obs.Feedback == nil {
			return "BLOCKED " + a.Name
		}
		return "BLOCKED " + guard.Render(*obs.Feedback)
	case model.StatusFailure:
		if obs.Failure == nil {
			return fmt.Sprintf("ERROR %s", a.Name)
		}
		return fmt.Sprintf("ERROR (%s) %s: %s", obs.Failure.Kind, a.Name, obs.Failure.Message)
	}

	var sb strings.Builder
	sb.WriteString("OK ")
	sb.WriteString(a.Name)
	if obs.Cached {
		sb.WriteString(" (cached, no I/O)")
	}
	if obs.ContentRef != "" {
		fmt.Fprintf(&sb, " [content_ref %s]", obs.ContentRef)
	}
	if obs.Entries != nil {
		n := len(obs.Entries)
		fmt.Fprintf(&sb, ": %d entries", n)
		shown := obs.Entries
		if n > maxRenderedEntries {
			shown = shown[:maxRenderedEntries]
		}
		for _, e := range shown {
			sb.WriteString("\n")
			sb.WriteString(e)
		}
		if n > maxRenderedEntries {
			fmt.Fprintf(&sb, "\n... %d more", n-maxRenderedEntries)
		}
		return sb.String()
	}
	if obs.Content != "" {
		sb.WriteString("\n")
		sb.WriteString(obs.Content)
	}
	return sb.String()
}
