package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskloop/internal/session"
)

func snapshot(id, task string, st session.State, updated time.Time) session.Snapshot {
	return session.Snapshot{
		Version:   session.SnapshotVersion,
		ID:        id,
		Task:      task,
		State:     st,
		Plan:      session.Plan{Steps: []string{"a", "b"}, Cursor: 1},
		Plans:     1,
		CreatedAt: updated.Add(-time.Minute),
		UpdatedAt: updated,
	}
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(Config{}, nil)
	require.NoError(t, err)
	return s
}

func TestStore_SaveLoad(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	snap := snapshot("s1", "add a health endpoint", session.StateExecuting, now)
	require.NoError(t, s.Save(ctx, snap))

	got, err := s.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, snap.Task, got.Task)
	assert.Equal(t, snap.Plan, got.Plan)
	assert.True(t, snap.UpdatedAt.Equal(got.UpdatedAt))

	// Saving again replaces the checkpoint.
	snap.State = session.StateCompleted
	snap.Plan.Cursor = 2
	require.NoError(t, s.Save(ctx, snap))
	assert.Equal(t, 1, s.Count())
	got, err = s.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StateCompleted, got.State)
	assert.Equal(t, 2, got.Plan.Cursor)
}

func TestStore_Errors(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "missing"), ErrNotFound)
	_, err = s.Load(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidID)
	assert.ErrorIs(t, s.Save(ctx, session.Snapshot{}), ErrInvalidID)
	_, err = s.Similar(ctx, "x", 0)
	assert.Error(t, err)
}

func TestStore_ListNewestFirst(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	empty, err := s.List(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, s.Save(ctx, snapshot("old", "refactor the parser", session.StateFailed, base.Add(-2*time.Hour))))
	require.NoError(t, s.Save(ctx, snapshot("new", "write release notes", session.StateCompleted, base)))
	require.NoError(t, s.Save(ctx, snapshot("mid", "", session.StateCancelled, base.Add(-time.Hour))))

	recs, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []string{"new", "mid", "old"}, []string{recs[0].SessionID, recs[1].SessionID, recs[2].SessionID})
	assert.Equal(t, session.StateCompleted, recs[0].State)
	assert.Equal(t, 1, recs[0].Cursor)
	assert.Equal(t, 2, recs[0].Steps)

	recs, err = s.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestStore_Similar(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Save(ctx, snapshot("http", "add an http health endpoint to the server", session.StateCompleted, now)))
	require.NoError(t, s.Save(ctx, snapshot("docs", "fix typos in the readme", session.StateCompleted, now)))

	recs, err := s.Similar(ctx, "health endpoint for the http server", 5)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "http", recs[0].SessionID)
	assert.Greater(t, recs[0].Similarity, recs[1].Similarity)
}

func TestStore_Delete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, snapshot("s1", "task", session.StateFailed, time.Now())))
	require.NoError(t, s.Delete(ctx, "s1"))
	assert.Equal(t, 0, s.Count())
}

func TestStore_Persistent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewStore(Config{Path: dir}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, snapshot("s1", "persist me", session.StateExecuting, time.Now())))

	reopened, err := NewStore(Config{Path: dir}, nil)
	require.NoError(t, err)
	got, err := reopened.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "persist me", got.Task)
}

func TestHashEmbedder(t *testing.T) {
	e := HashEmbedder{Dimensions: 64}
	a, err := e.Embed(context.Background(), "Fix the HTTP server")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "fix the http server!")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	empty, err := e.Embed(context.Background(), "")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, empty[0], 1e-6)
}
