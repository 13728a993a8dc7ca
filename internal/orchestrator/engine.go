package orchestrator

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/taskloop/internal/model"
	"github.com/fyrsmithlabs/taskloop/internal/session"
	"github.com/fyrsmithlabs/taskloop/internal/tools"
)

// ErrMalformedOutput is returned by engines whose response could not be
// interpreted. It is recorded as an observation, not a session failure.
var ErrMalformedOutput = errors.New("malformed reasoning output")

// Signal is a control signal returned in place of an action.
type Signal string

const (
	SignalNone Signal = ""
	// SignalFinished ends the current subtask.
	SignalFinished Signal = "finished"
	// SignalReplan abandons the rest of the plan and replans now.
	SignalReplan Signal = "replan"
	// SignalComplete ends the session successfully.
	SignalComplete Signal = "complete"
	// SignalFail ends the session as failed.
	SignalFail Signal = "fail"
)

// Decision is the engine's answer for one reasoning step.
type Decision struct {
	Thought string
	Action  *model.Action
	Signal  Signal
	Reason  string
}

// VerdictKind is the outcome of replanning.
type VerdictKind string

const (
	VerdictComplete VerdictKind = "complete"
	VerdictRevise   VerdictKind = "revise"
	VerdictFail     VerdictKind = "fail"
)

// Verdict is the engine's answer to a replanning request.
type Verdict struct {
	Kind   VerdictKind
	Plan   []string
	Reason string
}

// PlanRequest asks for the initial plan.
type PlanRequest struct {
	Task         string
	Conversation []model.Message
	Operations   []tools.Spec
}

// StepRequest asks for the next action of the current subtask.
type StepRequest struct {
	Task         string
	Subtask      string
	Plan         session.Plan
	Conversation []model.Message
	// Trace is the current subtask's action history, compressed.
	Trace      []model.TraceEntry
	Operations []tools.Spec
	// Cycle is the 1-based inner cycle number and Limit the inner limit.
	Cycle int
	Limit int
}

// ReplanRequest asks whether the task is complete, needs a new plan, or
// has failed.
type ReplanRequest struct {
	Task         string
	Plan         session.Plan
	Subtasks     []session.Subtask
	Conversation []model.Message
	Operations   []tools.Spec
	// Revision is the number of plan revisions made so far.
	Revision int
}

// Engine is the reasoning collaborator. Implementations are treated as
// nondeterministic and fallible.
type Engine interface {
	Plan(ctx context.Context, req PlanRequest) ([]string, error)
	Next(ctx context.Context, req StepRequest) (Decision, error)
	Replan(ctx context.Context, req ReplanRequest) (Verdict, error)
}

// Toolset is the tool collaborator: operation classification plus
// dispatch. *tools.Registry satisfies it.
type Toolset interface {
	tools.Class
	Specs() []tools.Spec
	Execute(ctx context.Context, action model.Action) model.Observation
}

// Checkpointer persists session snapshots.
type Checkpointer interface {
	Save(ctx context.Context, snap session.Snapshot) error
}
