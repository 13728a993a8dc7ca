package orchestrator

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskloop/internal/events"
	"github.com/fyrsmithlabs/taskloop/internal/logging"
	"github.com/fyrsmithlabs/taskloop/internal/model"
	"github.com/fyrsmithlabs/taskloop/internal/session"
	"github.com/fyrsmithlabs/taskloop/internal/telemetry"
	"github.com/fyrsmithlabs/taskloop/internal/tools"
)

const root = "/project"

// step is one scripted answer of the engine's Next call.
type step struct {
	dec Decision
	err error
	// fn computes the answer instead of dec and err when set.
	fn func(ctx context.Context, req StepRequest) (Decision, error)
}

type verdictStep struct {
	v   Verdict
	err error
}

// scriptedEngine replays canned plans, decisions and verdicts. When the
// decisions run out every subtask is finished; when the verdicts run out
// the task is complete.
type scriptedEngine struct {
	mu       sync.Mutex
	plan     []string
	planErr  error
	planFn   func(ctx context.Context) ([]string, error)
	replanFn func(ctx context.Context) (Verdict, error)
	steps    []step
	verdicts []verdictStep

	planCalls  int
	stepReqs   []StepRequest
	replanReqs []ReplanRequest
}

func (e *scriptedEngine) Plan(ctx context.Context, _ PlanRequest) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.planCalls++
	if e.planFn != nil {
		return e.planFn(ctx)
	}
	if e.planErr != nil {
		return nil, e.planErr
	}
	return e.plan, nil
}

func (e *scriptedEngine) Next(ctx context.Context, req StepRequest) (Decision, error) {
	e.mu.Lock()
	e.stepReqs = append(e.stepReqs, req)
	if len(e.steps) == 0 {
		e.mu.Unlock()
		return Decision{Signal: SignalFinished}, nil
	}
	st := e.steps[0]
	e.steps = e.steps[1:]
	e.mu.Unlock()
	if st.fn != nil {
		return st.fn(ctx, req)
	}
	return st.dec, st.err
}

func (e *scriptedEngine) Replan(ctx context.Context, req ReplanRequest) (Verdict, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.replanReqs = append(e.replanReqs, req)
	if e.replanFn != nil {
		return e.replanFn(ctx)
	}
	if len(e.verdicts) == 0 {
		return Verdict{Kind: VerdictComplete, Reason: "done"}, nil
	}
	v := e.verdicts[0]
	e.verdicts = e.verdicts[1:]
	return v.v, v.err
}

func act(name string, args map[string]any) step {
	a := model.NewAction(name, args)
	return step{dec: Decision{Action: &a}}
}

func finished() step { return step{dec: Decision{Signal: SignalFinished}} }

// fakeTools is an in-memory workspace behind a real registry.
type fakeTools struct {
	*tools.Registry
	mu    sync.Mutex
	files map[string]string
	dirs  map[string]bool
	calls map[string]int
	last  map[string]model.Action
}

func newFakeTools(t *testing.T) *fakeTools {
	t.Helper()
	f := &fakeTools{
		Registry: tools.NewRegistry(),
		files:    map[string]string{root + "/README.md": "# readme", root + "/src/main.go": "package main"},
		dirs:     map[string]bool{root: true, root + "/src": true},
		calls:    make(map[string]int),
		last:     make(map[string]model.Action),
	}
	specs := []struct {
		spec tools.Spec
		h    tools.Handler
	}{
		{tools.Spec{Name: tools.ReadFile, Kind: tools.KindRead, PathArg: "path"}, f.read},
		{tools.Spec{Name: tools.WriteToFile, Kind: tools.KindWrite, PathArg: "path"}, f.write},
		{tools.Spec{Name: tools.ListFiles, Kind: tools.KindList, PathArg: "path"}, f.list},
		{tools.Spec{Name: tools.SearchFiles, Kind: tools.KindSearch, PathArg: "path"}, f.search},
		{tools.Spec{Name: tools.ExecuteCommand, Kind: tools.KindCommand}, f.command},
		{tools.Spec{Name: tools.CreateSubtask, Kind: tools.KindSubtask}, nil},
	}
	for _, s := range specs {
		require.NoError(t, f.Register(s.spec, s.h))
	}
	return f
}

func (f *fakeTools) Execute(ctx context.Context, a model.Action) model.Observation {
	f.mu.Lock()
	f.calls[a.Name]++
	f.last[a.Name] = a
	f.mu.Unlock()
	return f.Registry.Execute(ctx, a)
}

func (f *fakeTools) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeTools) read(_ context.Context, a model.Action) (model.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.files[a.StringArg("path")]
	if !ok {
		return model.Observation{}, tools.Fail(model.FailureNotFound, tools.ReadFile, a.StringArg("path"), errors.New("no such file"))
	}
	return model.Success(s), nil
}

func (f *fakeTools) write(_ context.Context, a model.Action) (model.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[a.StringArg("path")] = a.StringArg("content")
	return model.Success("wrote " + a.StringArg("path")), nil
}

func (f *fakeTools) list(_ context.Context, a model.Action) (model.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dir := a.StringArg("path")
	var out []string
	for d := range f.dirs {
		if rel, ok := relUnder(dir, d); ok {
			out = append(out, rel+"/")
		}
	}
	for p := range f.files {
		if rel, ok := relUnder(dir, p); ok {
			out = append(out, rel)
		}
	}
	sort.Strings(out)
	return model.Listing(out), nil
}

func relUnder(dir, p string) (string, bool) {
	if p == dir || !strings.HasPrefix(p, dir+"/") {
		return "", false
	}
	return strings.TrimPrefix(p, dir+"/"), true
}

func (f *fakeTools) search(_ context.Context, a model.Action) (model.Observation, error) {
	return model.Success("match for " + a.StringArg("pattern")), nil
}

func (f *fakeTools) command(_ context.Context, a model.Action) (model.Observation, error) {
	return model.Success("ran " + a.StringArg("command")), nil
}

// recordingSink collects events.
type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Publish(_ context.Context, e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) types() []events.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Type, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

// memCheckpointer keeps every saved snapshot.
type memCheckpointer struct {
	mu    sync.Mutex
	saved []session.Snapshot
}

func (m *memCheckpointer) Save(_ context.Context, snap session.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, snap)
	return nil
}

func (m *memCheckpointer) latest() session.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved[len(m.saved)-1]
}

type fixture struct {
	orch  *Orchestrator
	eng   *scriptedEngine
	tools *fakeTools
	sink  *recordingSink
	ckpt  *memCheckpointer
	logs  *logging.TestLogger
	tel   *telemetry.TestTelemetry
}

func newFixture(t *testing.T, eng *scriptedEngine, mutate ...func(*Config)) *fixture {
	t.Helper()
	cfg := DefaultConfig(root)
	for _, m := range mutate {
		m(&cfg)
	}
	f := &fixture{
		eng:   eng,
		tools: newFakeTools(t),
		sink:  &recordingSink{},
		ckpt:  &memCheckpointer{},
		logs:  logging.NewTestLogger(),
		tel:   telemetry.NewTestTelemetry(),
	}
	orch, err := New(cfg, Deps{
		Engine:         eng,
		Tools:          f.tools,
		Checkpointer:   f.ckpt,
		Sink:           f.sink,
		Logger:         f.logs.Zap(),
		TracerProvider: f.tel.TracerProvider(),
	})
	require.NoError(t, err)
	f.orch = orch
	return f
}

// prepare creates a run whose session is exposed for inspection.
func (f *fixture) prepare(t *testing.T, task string) *Run {
	t.Helper()
	r, err := f.orch.Prepare(task)
	require.NoError(t, err)
	return r
}

// archived returns every archived entry in call order.
func archived(r *Run) []model.TraceEntry {
	return r.sess.History()
}
