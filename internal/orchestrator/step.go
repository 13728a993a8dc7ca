package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskloop/internal/compression"
	"github.com/fyrsmithlabs/taskloop/internal/events"
	"github.com/fyrsmithlabs/taskloop/internal/model"
	"github.com/fyrsmithlabs/taskloop/internal/session"
	"github.com/fyrsmithlabs/taskloop/internal/tools"
)

// Pseudo-operations recorded in the trace for events that are not tool
// calls. They are never dispatched.
const (
	reasoningOperation  = "reasoning"
	cycleLimitOperation = "inner_cycle_limit"
)

// step runs one inner cycle: reasoning, then dispatch or a signal.
func (r *Run) step(ctx context.Context) {
	s := r.sess
	desc, ok := s.Current()
	if !ok {
		r.transition(session.StateReplanning)
		return
	}

	if s.InnerCycles >= r.o.cfg.InnerLimit {
		obs := model.Failed(model.FailureCycleLimit,
			"inner cycle limit of %d reasoning calls reached for subtask %q", r.o.cfg.InnerLimit, desc)
		a := model.NewAction(cycleLimitOperation, map[string]any{"limit": r.o.cfg.InnerLimit})
		s.Record(a, obs)
		s.Say(model.RoleTool, renderObservation(a, obs))
		r.logger.Warn("inner cycle limit reached",
			zap.String("subtask", desc),
			zap.Int("limit", r.o.cfg.InnerLimit))
		r.advanceWith(session.OutcomeCycleLimit, obs.Failure.Message)
		return
	}

	r.compressConversation(ctx)
	view := r.compressTrace(ctx)

	s.InnerCycles++
	dec, err := r.callNext(ctx, StepRequest{
		Task:         s.Task,
		Subtask:      desc,
		Plan:         s.Plan,
		Conversation: r.conversation(),
		Trace:        view,
		Operations:   r.o.tools.Specs(),
		Cycle:        s.InnerCycles,
		Limit:        r.o.cfg.InnerLimit,
	})
	if err != nil {
		r.recordReasoningFailure(err)
		return
	}
	if dec.Thought != "" {
		s.Say(model.RoleAssistant, dec.Thought)
	}

	switch dec.Signal {
	case SignalFinished:
		r.advanceWith(session.OutcomeFinished, dec.Reason)
		return
	case SignalReplan:
		s.Advance(session.OutcomeReplan, dec.Reason)
		r.logger.Info("replan requested", zap.String("subtask", desc), zap.String("reason", dec.Reason))
		r.transition(session.StateReplanning)
		r.checkpoint(ctx)
		return
	case SignalComplete:
		s.Advance(session.OutcomeFinished, dec.Reason)
		r.finish(ctx, session.StateCompleted, reasonOr(dec.Reason, "task complete"), nil)
		return
	case SignalFail:
		reason := reasonOr(dec.Reason, "declared failed by the reasoning engine")
		s.Advance(session.OutcomeAborted, reason)
		r.fail(ctx, fmt.Errorf("%w: %s", ErrTaskFailed, reason))
		return
	case SignalNone:
	default:
		r.recordReasoningFailure(fmt.Errorf("%w: unknown signal %q", ErrMalformedOutput, dec.Signal))
		return
	}

	if dec.Action == nil || dec.Action.Name == "" {
		r.recordReasoningFailure(fmt.Errorf("%w: neither an action nor a signal", ErrMalformedOutput))
		return
	}
	r.dispatch(ctx, *dec.Action)
}

func (r *Run) advanceWith(outcome session.Outcome, reason string) {
	r.pending.outcome, r.pending.reason = outcome, reason
	r.transition(session.StateAdvancing)
}

func (r *Run) callNext(ctx context.Context, req StepRequest) (Decision, error) {
	ctx, cancel := r.reasoningContext(ctx)
	defer cancel()
	defer observeReasoning("next", time.Now())
	return r.o.engine.Next(ctx, req)
}

// recordReasoningFailure turns a failed reasoning call into an observation
// the engine sees on its next call.
func (r *Run) recordReasoningFailure(err error) {
	kind := model.FailureReasoning
	switch {
	case errors.Is(err, ErrMalformedOutput):
		kind = model.FailureMalformedOutput
	case errors.Is(err, context.DeadlineExceeded):
		kind = model.FailureTimeout
	}
	obs := model.Failed(kind, "%v", err)
	a := model.NewAction(reasoningOperation, nil)
	r.sess.Record(a, obs)
	r.sess.Say(model.RoleTool, renderObservation(a, obs))
	r.logger.Warn("reasoning call failed", zap.String("kind", string(kind)), zap.Error(err))
}

// dispatch routes an action through the guard, the cache and the tools,
// and records the observation. Cache updates complete before it returns.
func (r *Run) dispatch(ctx context.Context, a model.Action) {
	s := r.sess
	spec, known := r.o.tools.Lookup(a.Name)
	if known {
		a = r.normalize(a, spec)
	}
	s.Say(model.RoleAssistant, compression.ActionPrefix+a.String())

	decision := r.o.guard.Check(&s.Repetition, a)
	if !decision.Allowed {
		fb := *decision.Feedback
		obs := model.Blocked(fb)
		s.Record(a, obs)
		s.Say(model.RoleTool, renderObservation(a, obs))
		BlocksTotal.WithLabelValues(string(fb.Rule), string(fb.Severity)).Inc()
		r.emit(ctx, events.ActionBlocked, map[string]any{
			"operation":   a.Name,
			"rule":        string(fb.Rule),
			"severity":    string(fb.Severity),
			"consecutive": fb.Consecutive,
		})
		return
	}

	var obs model.Observation
	switch {
	case !known:
		obs = r.execute(ctx, a)
	case spec.Kind == tools.KindSubtask:
		obs = r.insertSubtask(a)
	default:
		obs = r.serve(ctx, a, spec)
	}

	r.o.guard.Observe(&s.Repetition, a, obs)
	s.Record(a, obs)
	s.Say(model.RoleTool, renderObservation(a, obs))

	outcome := "success"
	typ := events.ActionExecuted
	switch {
	case obs.Cached:
		outcome = "cached"
		typ = events.ActionCached
	case !obs.OK():
		outcome = "failure"
	}
	ToolCallsTotal.WithLabelValues(a.Name, outcome).Inc()
	data := map[string]any{"operation": a.Name, "status": string(obs.Status)}
	if k := obs.FailureKind(); k != "" {
		data["failure"] = string(k)
	}
	r.emit(ctx, typ, data)
}

// serve resolves content references, then answers from the cache or runs
// the tool and updates the cache with its result.
func (r *Run) serve(ctx context.Context, a model.Action, spec tools.Spec) model.Observation {
	cache := r.sess.Cache
	resolved, failure := cache.ResolveRefs(a)
	if failure != nil {
		return model.Observation{Status: model.StatusFailure, Failure: failure, At: time.Now().UTC()}
	}
	exec := toolExecutor{r}
	if obs, hit := cache.Lookup(ctx, resolved, spec, exec); hit {
		return obs
	}
	obs := exec.Execute(ctx, resolved)
	return cache.Apply(ctx, resolved, spec, obs, exec)
}

func (r *Run) insertSubtask(a model.Action) model.Observation {
	desc := a.StringArg("description")
	if err := r.sess.InsertSubtask(desc); err != nil {
		kind := model.FailureValidation
		if errors.Is(err, session.ErrSpawnLimit) {
			kind = model.FailurePermission
		}
		return model.Failed(kind, "%v", err)
	}
	return model.Success(fmt.Sprintf("subtask added after the current one: %s", desc))
}

// execute runs an action through the tools with the tool timeout.
func (r *Run) execute(ctx context.Context, a model.Action) model.Observation {
	if r.o.cfg.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.o.cfg.ToolTimeout)
		defer cancel()
	}
	obs := r.o.tools.Execute(ctx, a)
	if !obs.OK() && errors.Is(ctx.Err(), context.DeadlineExceeded) && obs.FailureKind() != model.FailureTimeout {
		obs = model.Failed(model.FailureTimeout, "%s timed out after %s", a.Name, r.o.cfg.ToolTimeout)
	}
	return obs
}

// toolExecutor lets the cache issue its own tool calls under the tool
// timeout.
type toolExecutor struct{ r *Run }

func (e toolExecutor) Execute(ctx context.Context, a model.Action) model.Observation {
	return e.r.execute(ctx, a)
}

// normalize makes the path argument absolute against the project root so
// the guard and the cache see one key per file.
func (r *Run) normalize(a model.Action, spec tools.Spec) model.Action {
	if spec.PathArg == "" {
		return a
	}
	p := a.StringArg(spec.PathArg)
	if p == "" {
		return a
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(r.o.cfg.ProjectRoot, p)
	}
	return a.WithArg(spec.PathArg, filepath.Clean(p))
}

func (r *Run) compressConversation(ctx context.Context) {
	s := r.sess
	msgs, res := r.o.compressor.CompressConversation(ctx, s.Conversation)
	if !res.Applied() {
		return
	}
	s.Conversation = msgs
	r.compressed(ctx, "conversation", res)
}

// compressTrace returns the trace view handed to the engine. The session
// keeps the full trace for the subtask archive.
func (r *Run) compressTrace(ctx context.Context) []model.TraceEntry {
	s := r.sess
	view, res := r.o.compressor.CompressTrace(ctx, s.Trace, s.ContextSize())
	if res.Applied() {
		r.compressed(ctx, "trace", res)
	}
	return view
}

func (r *Run) compressed(ctx context.Context, kind string, res compression.Result) {
	CompressionsTotal.WithLabelValues(kind, string(res.Outcome)).Inc()
	r.emit(ctx, events.ContextCompressed, map[string]any{
		"kind":    kind,
		"outcome": string(res.Outcome),
		"before":  res.Before,
		"after":   res.After,
	})
}
