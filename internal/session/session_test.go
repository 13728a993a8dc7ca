package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskloop/internal/model"
	"github.com/fyrsmithlabs/taskloop/internal/opcache"
	"github.com/fyrsmithlabs/taskloop/internal/tools"
)

func newSession(t *testing.T) *Session {
	t.Helper()
	s := New("s-1", "build a thing", opcache.New(opcache.DefaultConfig("/p"), nil))
	require.NoError(t, s.SetPlan([]string{"one", "", "two"}))
	return s
}

func TestSession_SetPlan(t *testing.T) {
	s := newSession(t)
	assert.Equal(t, []string{"one", "two"}, s.Plan.Steps)
	assert.Equal(t, 1, s.Plans)

	cur, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, "one", cur)

	assert.ErrorIs(t, s.SetPlan([]string{"", ""}), ErrEmptyPlan)
	assert.Equal(t, []string{"one", "two"}, s.Plan.Steps, "failed SetPlan keeps the old plan")
}

func TestSession_AdvanceArchivesTrace(t *testing.T) {
	s := newSession(t)
	a := model.NewAction("read_file", map[string]any{"path": "/p/a"})
	s.Record(a, model.Success("x"))
	s.InnerCycles = 3
	s.Repetition.ConsecutiveBlocks = 4

	more := s.Advance(OutcomeFinished, "")
	assert.True(t, more)
	assert.Equal(t, 1, s.Plan.Cursor)
	assert.Equal(t, 0, s.InnerCycles)
	assert.Equal(t, 0, s.Repetition.ConsecutiveBlocks)
	assert.Empty(t, s.Trace)
	require.Len(t, s.Subtasks, 1)
	assert.Equal(t, "one", s.Subtasks[0].Description)
	assert.Equal(t, 3, s.Subtasks[0].InnerCycles)
	assert.Len(t, s.Subtasks[0].Trace, 1)

	s.Record(a, model.Success("y"))
	assert.False(t, s.Advance(OutcomeCycleLimit, "inner limit"))
	assert.Len(t, s.History(), 2)

	_, ok := s.Current()
	assert.False(t, ok)
}

func TestSession_InsertSubtask(t *testing.T) {
	s := newSession(t)
	require.NoError(t, s.InsertSubtask("one-a"))
	require.NoError(t, s.InsertSubtask("one-b"))
	assert.Equal(t, []string{"one", "one-a", "one-b", "two"}, s.Plan.Steps)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertSubtask("more"))
	}
	assert.ErrorIs(t, s.InsertSubtask("too many"), ErrSpawnLimit)

	s.Advance(OutcomeFinished, "")
	assert.NoError(t, s.InsertSubtask("from one-a"), "limit is per subtask")
}

func TestSession_ContextSize(t *testing.T) {
	s := newSession(t)
	s.Say(model.RoleUser, "12345")
	s.Record(model.NewAction("x", nil), model.Success("abc"))
	assert.Equal(t, 5+len("x{}")+3, s.ContextSize())
}

func TestSnapshot_RoundTrip(t *testing.T) {
	s := newSession(t)
	s.Transition(StateExecuting)
	s.Say(model.RoleUser, "build a thing")
	read := model.NewAction("read_file", map[string]any{"path": "/p/a", "limit": 3})
	s.Record(read, s.Cache.Apply(context.Background(), read, readSpec, model.Success("content"), nil))
	s.Repetition.ConsecutiveBlocks = 2
	require.NoError(t, s.InsertSubtask("extra"))
	s.OuterCycles = 1

	snap, err := s.Snapshot()
	require.NoError(t, err)
	b, err := snap.Encode()
	require.NoError(t, err)

	decoded, err := Decode(b)
	require.NoError(t, err)
	restored, err := Restore(decoded, opcache.New(opcache.DefaultConfig("/p"), nil))
	require.NoError(t, err)

	assert.Equal(t, s.ID, restored.ID)
	assert.Equal(t, s.Plan, restored.Plan)
	assert.Equal(t, StateExecuting, restored.State)
	assert.Equal(t, 1, restored.OuterCycles)
	assert.Equal(t, 2, restored.Repetition.ConsecutiveBlocks)
	require.Len(t, restored.Trace, 1)
	assert.True(t, read.Equal(restored.Trace[0].Action), "numeric args survive the round trip")

	got, ok := restored.Cache.Content().Get("/p/a")
	require.True(t, ok)
	assert.Equal(t, "content", got)

	require.NoError(t, restored.InsertSubtask("extra 2"))
	assert.Equal(t, []string{"one", "extra", "extra 2", "two"}, restored.Plan.Steps)
}

func TestSnapshot_IsIndependent(t *testing.T) {
	s := newSession(t)
	s.Record(model.NewAction("x", nil), model.Success("a"))
	snap, err := s.Snapshot()
	require.NoError(t, err)

	s.Trace[0].Observation.Content = "mutated"
	s.Plan.Steps[0] = "mutated"
	assert.Equal(t, "a", snap.Trace[0].Observation.Content)
	assert.Equal(t, "one", snap.Plan.Steps[0])
}

func TestDecode_RejectsUnknownVersion(t *testing.T) {
	_, err := Decode([]byte(`{"version": 99}`))
	assert.ErrorIs(t, err, ErrSnapshotVersion)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestState_Terminal(t *testing.T) {
	for _, st := range []State{StateCompleted, StateCancelled, StateFailed} {
		assert.True(t, st.Terminal())
	}
	for _, st := range []State{StatePlanning, StateExecuting, StateAdvancing, StateReplanning} {
		assert.False(t, st.Terminal())
	}
}

var readSpec = tools.Spec{Name: "read_file", Kind: tools.KindRead, PathArg: "path"}
