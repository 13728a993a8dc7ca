package reasoning

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/taskloop/internal/model"
	"github.com/fyrsmithlabs/taskloop/internal/orchestrator"
	"github.com/fyrsmithlabs/taskloop/internal/session"
	"github.com/fyrsmithlabs/taskloop/internal/tools"
)

const protocol = `You are the reasoning engine of a task orchestrator working inside a project directory.
You never run anything yourself: you propose one operation at a time and read its result on the next turn.
Always answer with exactly one JSON object and nothing else.`

const planInstruction = `Break the task into a short ordered list of concrete subtasks, each one achievable with the operations below.
Answer with: {"plan": ["first subtask", "second subtask", ...]}`

const stepInstruction = `Decide the next step for the CURRENT SUBTASK only.
To run an operation answer with: {"thought": "...", "action": {"name": "<operation>", "args": {...}}}
When the subtask is done answer with: {"thought": "...", "signal": "finished"}
If the plan is wrong and must be revised now: {"signal": "replan", "reason": "..."}
If the whole task is already done: {"signal": "complete", "reason": "..."}
If the task cannot be done at all: {"signal": "fail", "reason": "..."}
Calls that repeat earlier calls are blocked. Results marked cached came from memory. A read result carries a
content_ref you may pass as the "content_ref" argument instead of repeating the content.`

const replanInstruction = `All subtasks of the current plan have been worked on. Judge the overall task.
If it is done answer with: {"verdict": "complete", "reason": "..."}
If more work is needed answer with: {"verdict": "revise", "plan": ["next subtask", ...], "reason": "..."}
If it cannot be done answer with: {"verdict": "fail", "reason": "..."}`

func renderOperations(specs []tools.Spec) string {
	var sb strings.Builder
	sb.WriteString("OPERATIONS:")
	for _, s := range specs {
		fmt.Fprintf(&sb, "\n- %s (%s): %s", s.Name, s.Kind, s.Description)
		if len(s.Parameters) > 0 {
			if b, err := json.Marshal(s.Parameters); err == nil {
				sb.WriteString("\n  parameters: ")
				sb.Write(b)
			}
		}
	}
	return sb.String()
}

func planMessage(req orchestrator.PlanRequest) string {
	return strings.Join([]string{
		"TASK: " + req.Task,
		renderOperations(req.Operations),
		planInstruction,
	}, "\n\n")
}

func stepMessage(req orchestrator.StepRequest) string {
	parts := []string{
		"TASK: " + req.Task,
		renderProgress(req.Plan),
		fmt.Sprintf("CURRENT SUBTASK: %s\nREASONING CALL: %d of %d", req.Subtask, req.Cycle, req.Limit),
	}
	if len(req.Trace) > 0 {
		parts = append(parts, "ACTIONS SO FAR IN THIS SUBTASK:\n"+renderTrace(req.Trace))
	}
	parts = append(parts, renderOperations(req.Operations), stepInstruction)
	return strings.Join(parts, "\n\n")
}

func replanMessage(req orchestrator.ReplanRequest) string {
	parts := []string{
		"TASK: " + req.Task,
		renderProgress(req.Plan),
		fmt.Sprintf("PLAN REVISIONS SO FAR: %d", req.Revision),
	}
	if len(req.Subtasks) > 0 {
		var sb strings.Builder
		sb.WriteString("SUBTASK OUTCOMES:")
		for _, st := range req.Subtasks {
			fmt.Fprintf(&sb, "\n- %s: %s", st.Description, st.Outcome)
			if st.Reason != "" {
				fmt.Fprintf(&sb, " (%s)", st.Reason)
			}
			if len(st.Trace) > 0 {
				sb.WriteString("\n")
				sb.WriteString(indent(renderTrace(st.Trace), "    "))
			}
		}
		parts = append(parts, sb.String())
	}
	parts = append(parts, renderOperations(req.Operations), replanInstruction)
	return strings.Join(parts, "\n\n")
}

func renderProgress(p session.Plan) string {
	var sb strings.Builder
	sb.WriteString("PLAN:")
	for i, st := range p.Steps {
		mark := " "
		switch {
		case i < p.Cursor:
			mark = "x"
		case i == p.Cursor:
			mark = ">"
		}
		fmt.Fprintf(&sb, "\n[%s] %d. %s", mark, i+1, st)
	}
	return sb.String()
}

func renderTrace(entries []model.TraceEntry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsSummary() {
			lines = append(lines, e.Summary)
			continue
		}
		lines = append(lines, fmt.Sprintf("%s → %s", e.Action.String(), outcome(e.Observation)))
	}
	return strings.Join(lines, "\n")
}

func outcome(obs model.Observation) string {
	switch obs.Status {
	case model.StatusBlocked:
		if obs.Feedback != nil {
			return fmt.Sprintf("blocked (%s, %s)", obs.Feedback.Rule, obs.Feedback.Severity)
		}
		return "blocked"
	case model.StatusFailure:
		if obs.Failure != nil {
			return "failed: " + obs.Failure.Error()
		}
		return "failed"
	}
	s := "ok"
	if obs.Cached {
		s += " (cached)"
	}
	if obs.ContentRef != "" {
		s += " content_ref=" + obs.ContentRef
	}
	return s
}

func indent(s, prefix string) string {
	return prefix + strings.ReplaceAll(s, "\n", "\n"+prefix)
}
