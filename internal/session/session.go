// Package session holds the mutable record of one orchestrated run: the
// plan and its cursor, cycle counters, the action trace of the current
// subtask, archived subtasks, the conversation log, the operation cache and
// the repetition state.
//
// A Session has exactly one writer, the orchestrator driving it. Readers on
// other goroutines must use snapshots.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/taskloop/internal/guard"
	"github.com/fyrsmithlabs/taskloop/internal/model"
	"github.com/fyrsmithlabs/taskloop/internal/opcache"
)

// State is the orchestrator state of a session.
type State string

const (
	StatePlanning   State = "planning"
	StateExecuting  State = "executing"
	StateAdvancing  State = "advancing"
	StateReplanning State = "replanning"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
	StateFailed     State = "failed"
)

// Terminal reports whether s ends the session.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Outcome records how a subtask ended.
type Outcome string

const (
	OutcomeFinished   Outcome = "finished"
	OutcomeCycleLimit Outcome = "cycle_limit"
	OutcomeReplan     Outcome = "replan"
	OutcomeAborted    Outcome = "aborted"
)

// MaxSpawnedSubtasks bounds how many subtasks one subtask may insert.
const MaxSpawnedSubtasks = 5

var (
	// ErrPlanExhausted is returned when there is no current subtask.
	ErrPlanExhausted = errors.New("plan exhausted")

	// ErrSpawnLimit is returned when a subtask inserted too many subtasks.
	ErrSpawnLimit = errors.New("subtask creation limit reached")

	// ErrEmptyPlan is returned when a plan has no steps.
	ErrEmptyPlan = errors.New("plan has no steps")
)

// Plan is an ordered list of subtask descriptions and a cursor.
type Plan struct {
	Steps  []string `json:"steps"`
	Cursor int      `json:"cursor"`
}

// Current returns the subtask under the cursor.
func (p Plan) Current() (string, bool) {
	if p.Cursor < 0 || p.Cursor >= len(p.Steps) {
		return "", false
	}
	return p.Steps[p.Cursor], true
}

// Remaining returns the number of subtasks from the cursor on.
func (p Plan) Remaining() int {
	if p.Cursor >= len(p.Steps) {
		return 0
	}
	return len(p.Steps) - p.Cursor
}

// Subtask is an archived subtask with its full trace.
type Subtask struct {
	Index       int                `json:"index"`
	Plan        int                `json:"plan"`
	Description string             `json:"description"`
	Outcome     Outcome            `json:"outcome"`
	Reason      string             `json:"reason,omitempty"`
	InnerCycles int                `json:"inner_cycles"`
	Trace       []model.TraceEntry `json:"trace"`
}

// Session is the single owned aggregate of a run.
type Session struct {
	ID    string
	Task  string
	State State
	// Reason explains the terminal state.
	Reason string

	Plan Plan
	// Plans counts plans produced, including the first.
	Plans       int
	InnerCycles int
	OuterCycles int

	Trace        []model.TraceEntry
	Subtasks     []Subtask
	Conversation []model.Message

	Cache      *opcache.Cache
	Repetition guard.State

	CreatedAt time.Time
	UpdatedAt time.Time

	// spawned counts subtasks inserted per cursor position of the current plan.
	spawned map[int]int
}

// New creates a session in the planning state.
func New(id, task string, cache *opcache.Cache) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        id,
		Task:      task,
		State:     StatePlanning,
		Cache:     cache,
		CreatedAt: now,
		UpdatedAt: now,
		spawned:   make(map[int]int),
	}
}

// Transition moves the session to st.
func (s *Session) Transition(st State) {
	s.State = st
	s.touch()
}

// Finish moves the session to a terminal state with a reason.
func (s *Session) Finish(st State, reason string) {
	s.State = st
	s.Reason = reason
	s.touch()
}

// SetPlan installs a new plan with the cursor at the first step and clears
// the current subtask's trace and counters.
func (s *Session) SetPlan(steps []string) error {
	clean := make([]string, 0, len(steps))
	for _, st := range steps {
		if st != "" {
			clean = append(clean, st)
		}
	}
	if len(clean) == 0 {
		return ErrEmptyPlan
	}
	s.Plan = Plan{Steps: clean}
	s.Plans++
	s.InnerCycles = 0
	s.Trace = nil
	s.spawned = make(map[int]int)
	s.touch()
	return nil
}

// Current returns the current subtask description.
func (s *Session) Current() (string, bool) { return s.Plan.Current() }

// Record appends an action/observation pair to the current trace.
func (s *Session) Record(a model.Action, obs model.Observation) {
	s.Trace = append(s.Trace, model.TraceEntry{Action: a, Observation: obs})
	s.touch()
}

// Say appends a message to the conversation log.
func (s *Session) Say(role model.Role, content string) {
	s.Conversation = append(s.Conversation, model.Message{Role: role, Content: content})
	s.touch()
}

// Advance archives the current subtask with outcome, moves the cursor and
// resets the inner counter and the escalation counter. It reports whether
// subtasks remain.
func (s *Session) Advance(outcome Outcome, reason string) bool {
	if desc, ok := s.Plan.Current(); ok {
		s.Subtasks = append(s.Subtasks, Subtask{
			Index:       s.Plan.Cursor,
			Plan:        s.Plans,
			Description: desc,
			Outcome:     outcome,
			Reason:      reason,
			InnerCycles: s.InnerCycles,
			Trace:       s.Trace,
		})
		s.Plan.Cursor++
	}
	s.Trace = nil
	s.InnerCycles = 0
	s.Repetition.ResetEscalation()
	s.touch()
	return s.Plan.Remaining() > 0
}

// InsertSubtask adds a subtask right after the current one.
func (s *Session) InsertSubtask(desc string) error {
	if desc == "" {
		return fmt.Errorf("%w: empty description", ErrEmptyPlan)
	}
	if _, ok := s.Plan.Current(); !ok {
		return ErrPlanExhausted
	}
	if s.spawned == nil {
		s.spawned = make(map[int]int)
	}
	cur := s.Plan.Cursor
	if s.spawned[cur] >= MaxSpawnedSubtasks {
		return fmt.Errorf("%w: %d per subtask", ErrSpawnLimit, MaxSpawnedSubtasks)
	}
	at := cur + 1 + s.spawned[cur]
	steps := make([]string, 0, len(s.Plan.Steps)+1)
	steps = append(steps, s.Plan.Steps[:at]...)
	steps = append(steps, desc)
	steps = append(steps, s.Plan.Steps[at:]...)
	s.Plan.Steps = steps
	s.spawned[cur]++
	s.touch()
	return nil
}

// History returns every trace entry of the session, archived subtasks
// first, in call order.
func (s *Session) History() []model.TraceEntry {
	var out []model.TraceEntry
	for _, st := range s.Subtasks {
		out = append(out, st.Trace...)
	}
	return append(out, s.Trace...)
}

// ContextSize approximates the characters of context the reasoning engine
// receives: the conversation and the current trace.
func (s *Session) ContextSize() int {
	n := 0
	for _, m := range s.Conversation {
		n += len(m.Content)
	}
	for _, e := range s.Trace {
		n += e.Size()
	}
	return n
}

func (s *Session) touch() { s.UpdatedAt = time.Now().UTC() }
