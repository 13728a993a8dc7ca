package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskloop/internal/events"
	"github.com/fyrsmithlabs/taskloop/internal/model"
	"github.com/fyrsmithlabs/taskloop/internal/session"
)

// Run drives one session. Execute must be called at most once; Report and
// Cancel may be called from any goroutine.
type Run struct {
	o      *Orchestrator
	sess   *session.Session
	logger *zap.Logger

	started atomic.Bool
	report  atomic.Pointer[Report]
	done    chan struct{}

	mu           sync.Mutex
	cancelled    bool
	cancelReason string

	// pending holds the outcome of the subtask being advanced.
	pending struct {
		outcome session.Outcome
		reason  string
	}
	err error
}

func newRun(o *Orchestrator, sess *session.Session) *Run {
	r := &Run{
		o:      o,
		sess:   sess,
		logger: o.logger.With(zap.String("session.id", sess.ID)),
		done:   make(chan struct{}),
	}
	r.publish()
	return r
}

// ID returns the session ID.
func (r *Run) ID() string { return r.sess.ID }

// Report returns the latest published report.
func (r *Run) Report() Report { return *r.report.Load() }

// Done is closed when Execute returns.
func (r *Run) Done() <-chan struct{} { return r.done }

// Cancel requests cancellation. The run stops before its next step.
func (r *Run) Cancel(reason string) {
	if reason == "" {
		reason = "cancelled by user"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.cancelled {
		r.cancelled = true
		r.cancelReason = reason
	}
}

func (r *Run) cancelRequested(ctx context.Context) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return r.cancelReason, true
	}
	if err := ctx.Err(); err != nil {
		return err.Error(), true
	}
	return "", false
}

// Execute drives the session to a terminal state. The returned error is
// nil for Completed, wraps ErrCancelled for Cancelled and describes the
// failure for Failed. The report is returned in every case.
func (r *Run) Execute(ctx context.Context) (Report, error) {
	if !r.started.CompareAndSwap(false, true) {
		return r.Report(), ErrRunInProgress
	}
	defer close(r.done)

	s := r.sess
	if s.State.Terminal() {
		return r.Report(), ErrAlreadyTerminal
	}

	ctx, span := r.o.tracer.Start(ctx, "orchestrator.run",
		trace.WithAttributes(attribute.String("session.id", s.ID)))
	defer span.End()

	r.logger.Info("session started", zap.String("task", s.Task), zap.String("state", string(s.State)))
	r.emit(ctx, events.SessionStarted, map[string]any{"task": s.Task, "state": string(s.State)})

	for !s.State.Terminal() {
		if r.stopIfCancelled(ctx) {
			r.publish()
			break
		}
		switch s.State {
		case session.StatePlanning:
			r.plan(ctx)
		case session.StateExecuting:
			r.step(ctx)
		case session.StateAdvancing:
			r.advance(ctx)
		case session.StateReplanning:
			r.replan(ctx)
		default:
			r.fail(ctx, fmt.Errorf("unknown state %q", s.State))
		}
		r.publish()
	}

	span.SetAttributes(attribute.String("state", string(s.State)))
	if r.err != nil && !errors.Is(r.err, ErrCancelled) {
		span.RecordError(r.err)
		span.SetStatus(codes.Error, r.err.Error())
	}
	return r.Report(), r.err
}

func (r *Run) publish() {
	rep := reportOf(r.sess)
	r.report.Store(&rep)
}

func (r *Run) transition(st session.State) {
	r.sess.Transition(st)
	TransitionsTotal.WithLabelValues(string(st)).Inc()
}

// finish ends the session. err is what Execute returns.
func (r *Run) finish(ctx context.Context, st session.State, reason string, err error) {
	s := r.sess
	s.Finish(st, reason)
	TransitionsTotal.WithLabelValues(string(st)).Inc()
	r.err = err

	current, _ := s.Current()
	fields := []zap.Field{
		zap.String("state", string(st)),
		zap.String("reason", reason),
		zap.Int("cursor", s.Plan.Cursor),
		zap.Int("plan_steps", len(s.Plan.Steps)),
		zap.String("current", current),
		zap.Int("outer_cycles", s.OuterCycles),
	}
	typ := events.SessionCompleted
	switch st {
	case session.StateFailed:
		typ = events.SessionFailed
		r.logger.Warn("session failed", fields...)
	case session.StateCancelled:
		typ = events.SessionCancelled
		r.logger.Info("session cancelled", fields...)
	default:
		r.logger.Info("session completed", fields...)
	}
	r.emit(ctx, typ, map[string]any{
		"reason": reason,
		"cursor": s.Plan.Cursor,
		"plan":   append([]string(nil), s.Plan.Steps...),
	})
	r.checkpoint(ctx)
}

// stopIfCancelled finishes the session as cancelled when Cancel was called
// or ctx is done.
func (r *Run) stopIfCancelled(ctx context.Context) bool {
	reason, ok := r.cancelRequested(ctx)
	if !ok {
		return false
	}
	r.finish(ctx, session.StateCancelled, reason, fmt.Errorf("%w: %s", ErrCancelled, reason))
	return true
}

func (r *Run) fail(ctx context.Context, err error) {
	r.finish(ctx, session.StateFailed, err.Error(), err)
}

// plan asks for the initial plan. Engine errors are retried like replanning
// errors; when none of the attempts yields a non-empty plan the session
// fails.
func (r *Run) plan(ctx context.Context) {
	s := r.sess
	if len(s.Conversation) == 0 {
		if r.o.cfg.SystemPrompt != "" {
			s.Say(model.RoleSystem, r.o.cfg.SystemPrompt)
		}
		s.Say(model.RoleUser, s.Task)
	}

	var lastErr error
	for attempt := 0; attempt <= r.o.cfg.ReplanRetries; attempt++ {
		steps, err := r.callPlan(ctx)
		if err == nil {
			err = s.SetPlan(steps)
		}
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		r.logger.Warn("planning attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
		if r.stopIfCancelled(ctx) {
			return
		}
	}
	if lastErr != nil {
		r.fail(ctx, fmt.Errorf("%w: %v", ErrPlanningFailed, lastErr))
		return
	}

	s.Say(model.RoleAssistant, renderPlan("Plan", s.Plan.Steps))
	r.logger.Info("plan created", zap.Int("steps", len(s.Plan.Steps)))
	r.emit(ctx, events.PlanCreated, map[string]any{"plan": append([]string(nil), s.Plan.Steps...)})
	r.transition(session.StateExecuting)
}

func (r *Run) callPlan(ctx context.Context) ([]string, error) {
	ctx, cancel := r.reasoningContext(ctx)
	defer cancel()
	defer observeReasoning("plan", time.Now())
	return r.o.engine.Plan(ctx, PlanRequest{
		Task:         r.sess.Task,
		Conversation: r.conversation(),
		Operations:   r.o.tools.Specs(),
	})
}

// advance archives the current subtask and moves to the next one, or to
// replanning once the plan is exhausted.
func (r *Run) advance(ctx context.Context) {
	s := r.sess
	outcome, reason := r.pending.outcome, r.pending.reason
	if outcome == "" {
		outcome = session.OutcomeFinished
	}
	desc, _ := s.Current()
	more := s.Advance(outcome, reason)
	r.pending.outcome, r.pending.reason = "", ""

	r.logger.Info("subtask advanced",
		zap.String("subtask", desc),
		zap.String("outcome", string(outcome)),
		zap.Int("cursor", s.Plan.Cursor),
		zap.Bool("remaining", more))
	r.emit(ctx, events.SubtaskAdvanced, map[string]any{
		"subtask": desc,
		"outcome": string(outcome),
		"reason":  reason,
		"cursor":  s.Plan.Cursor,
	})

	if more {
		r.transition(session.StateExecuting)
	} else {
		r.transition(session.StateReplanning)
	}
	r.checkpoint(ctx)
}

// replan asks whether the task is complete, needs a revised plan or has
// failed. Each revised plan consumes an outer cycle.
func (r *Run) replan(ctx context.Context) {
	s := r.sess

	var (
		verdict Verdict
		lastErr error
	)
	for attempt := 0; attempt <= r.o.cfg.ReplanRetries; attempt++ {
		v, err := r.callReplan(ctx)
		if err == nil {
			err = validateVerdict(v)
		}
		if err == nil {
			verdict, lastErr = v, nil
			break
		}
		lastErr = err
		r.logger.Warn("replanning attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
		if r.stopIfCancelled(ctx) {
			return
		}
	}
	if lastErr != nil {
		r.fail(ctx, fmt.Errorf("%w: %v", ErrReplanFailed, lastErr))
		return
	}

	switch verdict.Kind {
	case VerdictComplete:
		if verdict.Reason != "" {
			s.Say(model.RoleAssistant, verdict.Reason)
		}
		r.finish(ctx, session.StateCompleted, reasonOr(verdict.Reason, "task complete"), nil)
	case VerdictFail:
		r.fail(ctx, fmt.Errorf("%w: %s", ErrTaskFailed, reasonOr(verdict.Reason, "declared failed during replanning")))
	case VerdictRevise:
		s.OuterCycles++
		if s.OuterCycles > r.o.cfg.OuterLimit {
			r.fail(ctx, fmt.Errorf("%w: %d revisions allowed", ErrOuterCycleLimit, r.o.cfg.OuterLimit))
			return
		}
		if err := s.SetPlan(verdict.Plan); err != nil {
			r.fail(ctx, fmt.Errorf("%w: %v", ErrReplanFailed, err))
			return
		}
		s.Say(model.RoleAssistant, renderPlan("Revised plan", s.Plan.Steps))
		r.logger.Info("plan revised",
			zap.Int("revision", s.OuterCycles),
			zap.Int("steps", len(s.Plan.Steps)))
		r.emit(ctx, events.PlanRevised, map[string]any{
			"revision": s.OuterCycles,
			"plan":     append([]string(nil), s.Plan.Steps...),
			"reason":   verdict.Reason,
		})
		r.transition(session.StateExecuting)
		r.checkpoint(ctx)
	}
}

func validateVerdict(v Verdict) error {
	switch v.Kind {
	case VerdictComplete, VerdictFail:
		return nil
	case VerdictRevise:
		for _, st := range v.Plan {
			if strings.TrimSpace(st) != "" {
				return nil
			}
		}
		return session.ErrEmptyPlan
	}
	return fmt.Errorf("%w: unknown verdict %q", ErrMalformedOutput, v.Kind)
}

func (r *Run) callReplan(ctx context.Context) (Verdict, error) {
	s := r.sess
	r.compressConversation(ctx)

	subtasks := make([]session.Subtask, len(s.Subtasks))
	for i, st := range s.Subtasks {
		st.Trace, _ = r.o.compressor.CompressTrace(ctx, st.Trace, s.ContextSize())
		subtasks[i] = st
	}

	ctx, cancel := r.reasoningContext(ctx)
	defer cancel()
	defer observeReasoning("replan", time.Now())
	return r.o.engine.Replan(ctx, ReplanRequest{
		Task:         s.Task,
		Plan:         s.Plan,
		Subtasks:     subtasks,
		Conversation: r.conversation(),
		Operations:   r.o.tools.Specs(),
		Revision:     s.OuterCycles,
	})
}

func (r *Run) reasoningContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.o.cfg.ReasoningTimeout > 0 {
		return context.WithTimeout(ctx, r.o.cfg.ReasoningTimeout)
	}
	return context.WithCancel(ctx)
}

func (r *Run) conversation() []model.Message {
	return append([]model.Message(nil), r.sess.Conversation...)
}

// checkpoint saves a snapshot. Failures are logged; they never affect the
// run.
func (r *Run) checkpoint(ctx context.Context) {
	if r.o.checkpointer == nil {
		return
	}
	snap, err := r.sess.Snapshot()
	if err == nil {
		err = r.o.checkpointer.Save(context.WithoutCancel(ctx), snap)
	}
	if err != nil {
		r.logger.Warn("checkpoint failed", zap.Error(err))
	}
}

func (r *Run) emit(ctx context.Context, typ events.Type, data map[string]any) {
	if err := r.o.sink.Publish(context.WithoutCancel(ctx), events.New(typ, r.sess.ID, data)); err != nil {
		r.logger.Warn("event publish failed", zap.String("type", string(typ)), zap.Error(err))
	}
}

func observeReasoning(call string, start time.Time) {
	ReasoningDuration.WithLabelValues(call).Observe(time.Since(start).Seconds())
}

func reasonOr(reason, def string) string {
	if reason == "" {
		return def
	}
	return reason
}
