// Package guard decides whether a proposed action may run.
//
// Three rules are evaluated in order and the first match blocks:
//
//  1. consecutive duplicate: the action equals the previous allowed action;
//  2. window threshold: the action already occurs Threshold times among
//     the last WindowSize allowed actions;
//  3. deterministic repeat: a read-only action already succeeded with the
//     same arguments and no later mutation touched its path.
//
// Blocked actions are not recorded, since they never ran. Consecutive
// blocks escalate the feedback severity until an action is allowed.
package guard

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskloop/internal/model"
	"github.com/fyrsmithlabs/taskloop/internal/tools"
)

// Config holds the guard tunables.
type Config struct {
	WindowSize           int
	Threshold            int
	DeterministicEnabled bool
	// DeterministicHistory bounds the number of remembered successes.
	DeterministicHistory int
}

// DefaultConfig returns the default tunables.
func DefaultConfig() Config {
	return Config{
		WindowSize:           10,
		Threshold:            3,
		DeterministicEnabled: true,
		DeterministicHistory: 50,
	}
}

// Decision is the outcome of a check.
type Decision struct {
	Allowed  bool
	Feedback *model.Feedback
}

// Guard evaluates actions against a session's State. It holds no session
// state itself.
type Guard struct {
	cfg    Config
	class  tools.Class
	logger *zap.Logger
}

// New creates a guard. class declares which operations are read-only.
func New(cfg Config, class tools.Class, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.DeterministicHistory <= 0 {
		cfg.DeterministicHistory = def.DeterministicHistory
	}
	return &Guard{cfg: cfg, class: class, logger: logger}
}

// Config returns the effective configuration.
func (g *Guard) Config() Config { return g.cfg }

// Check evaluates a proposed action and updates st. Allowed actions are
// recorded in the window and the last-action slot before they execute.
func (g *Guard) Check(st *State, a model.Action) Decision {
	key := a.Key()

	if fb := g.match(st, a, key); fb != nil {
		st.ConsecutiveBlocks++
		fb.Consecutive = st.ConsecutiveBlocks
		fb.Severity = model.SeverityFor(st.ConsecutiveBlocks)
		fb.Operation = a.Name
		fb.Action = a.String()
		st.TotalBlocks++
		g.logger.Debug("action blocked",
			zap.String("operation", a.Name),
			zap.String("rule", string(fb.Rule)),
			zap.String("severity", string(fb.Severity)),
			zap.Int("consecutive", fb.Consecutive))
		return Decision{Allowed: false, Feedback: fb}
	}

	st.ConsecutiveBlocks = 0
	st.record(a.Name, key, g.cfg.WindowSize)
	return Decision{Allowed: true}
}

func (g *Guard) match(st *State, a model.Action, key string) *model.Feedback {
	if st.Last != nil && st.Last.Key == key {
		return &model.Feedback{
			Rule:   model.RuleConsecutive,
			Reason: "identical to the immediately preceding call",
		}
	}

	if n := st.count(key); n >= g.cfg.Threshold {
		return &model.Feedback{
			Rule:        model.RuleWindow,
			Occurrences: n + 1,
			Window:      g.cfg.WindowSize,
			Reason: fmt.Sprintf("would be call number %d of the same action within the last %d actions (limit %d)",
				n+1, g.cfg.WindowSize, g.cfg.Threshold),
		}
	}

	if g.cfg.DeterministicEnabled && g.readOnly(a.Name) {
		if _, ok := st.findSuccess(key); ok {
			return &model.Feedback{
				Rule:   model.RuleDeterministic,
				Reason: "already succeeded with identical arguments and nothing it reads has changed since; its result is in the history",
			}
		}
	}
	return nil
}

// Observe records the outcome of an executed or cache-served action.
// Successful read-only actions become deterministic records. Successful
// mutations forget records that depend on the mutated path, and command
// execution forgets all of them.
func (g *Guard) Observe(st *State, a model.Action, obs model.Observation) {
	spec, known := g.lookup(a.Name)
	if !known {
		return
	}
	path := ""
	if spec.PathArg != "" {
		path = a.StringArg(spec.PathArg)
	}

	switch {
	case spec.Kind == tools.KindCommand || spec.Kind == tools.KindMutate:
		st.Successes = nil
	case spec.Kind.ReadOnly():
		if obs.OK() && g.cfg.DeterministicEnabled {
			st.addSuccess(Record{Key: a.Key(), Operation: a.Name, Path: path}, g.cfg.DeterministicHistory)
		}
	case obs.OK():
		st.forgetPath(path)
	}
}

func (g *Guard) readOnly(name string) bool {
	spec, ok := g.lookup(name)
	return ok && spec.Kind.ReadOnly()
}

func (g *Guard) lookup(name string) (tools.Spec, bool) {
	if g.class == nil {
		return tools.Spec{}, false
	}
	return g.class.Lookup(name)
}
