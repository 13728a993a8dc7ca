package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskloop/internal/checkpoint"
	"github.com/fyrsmithlabs/taskloop/internal/orchestrator"
	"github.com/fyrsmithlabs/taskloop/internal/session"
	"github.com/fyrsmithlabs/taskloop/internal/tools"
)

// finishingEngine plans one subtask, finishes it and completes.
type finishingEngine struct{}

func (finishingEngine) Plan(context.Context, orchestrator.PlanRequest) ([]string, error) {
	return []string{"inspect the project"}, nil
}

func (finishingEngine) Next(context.Context, orchestrator.StepRequest) (orchestrator.Decision, error) {
	return orchestrator.Decision{Signal: orchestrator.SignalFinished}, nil
}

func (finishingEngine) Replan(context.Context, orchestrator.ReplanRequest) (orchestrator.Verdict, error) {
	return orchestrator.Verdict{Kind: orchestrator.VerdictComplete, Reason: "done"}, nil
}

// memoryCheckpoints keeps the latest snapshot per session.
type memoryCheckpoints struct {
	mu    sync.Mutex
	snaps map[string]session.Snapshot
}

func newMemoryCheckpoints() *memoryCheckpoints {
	return &memoryCheckpoints{snaps: make(map[string]session.Snapshot)}
}

func (m *memoryCheckpoints) Save(_ context.Context, snap session.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.ID] = snap
	return nil
}

func (m *memoryCheckpoints) Load(_ context.Context, id string) (session.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[id]
	if !ok {
		return session.Snapshot{}, checkpoint.ErrNotFound
	}
	return snap, nil
}

func (m *memoryCheckpoints) List(_ context.Context, limit int) ([]checkpoint.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []checkpoint.Record
	for id, snap := range m.snaps {
		if len(out) == limit {
			break
		}
		out = append(out, checkpoint.Record{SessionID: id, Task: snap.Task, State: snap.State})
	}
	return out, nil
}

type fixture struct {
	srv   *Server
	orch  *orchestrator.Orchestrator
	store *memoryCheckpoints
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMemoryCheckpoints()
	orch, err := orchestrator.New(orchestrator.DefaultConfig(t.TempDir()), orchestrator.Deps{
		Engine:       finishingEngine{},
		Tools:        tools.NewRegistry(),
		Checkpointer: store,
	})
	require.NoError(t, err)

	srv, err := NewServer(orch.Runs(), store, zap.NewNop(), nil)
	require.NoError(t, err)
	return &fixture{srv: srv, orch: orch, store: store}
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.srv.Echo().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(nil, nil, zap.NewNop(), nil)
	assert.Error(t, err)

	_, err = NewServer(orchestrator.NewRuns(), nil, nil, nil)
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Prepare("pending task")
	require.NoError(t, err)
	_, err = f.orch.Run(context.Background(), "finished task")
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))

	h := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 2, h.Sessions)
	assert.Equal(t, 1, h.Active)
}

func TestSessions(t *testing.T) {
	f := newFixture(t)

	t.Run("empty list", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/sessions", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"sessions":[]}`, rec.Body.String())
	})

	rep, err := f.orch.Run(context.Background(), "summarize the repo")
	require.NoError(t, err)
	require.Equal(t, session.StateCompleted, rep.State)

	t.Run("list", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/sessions", "")
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[SessionsResponse](t, rec)
		require.Len(t, resp.Sessions, 1)
		assert.Equal(t, rep.SessionID, resp.Sessions[0].SessionID)
	})

	t.Run("get", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/sessions/"+rep.SessionID, "")
		require.Equal(t, http.StatusOK, rec.Code)
		got := decode[orchestrator.Report](t, rec)
		assert.Equal(t, "summarize the repo", got.Task)
		assert.Equal(t, session.StateCompleted, got.State)
		assert.Equal(t, []string{"inspect the project"}, got.Plan)
	})

	t.Run("get unknown", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/sessions/nope", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestCancel(t *testing.T) {
	f := newFixture(t)

	t.Run("unknown session", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/sessions/nope/cancel", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("finished session", func(t *testing.T) {
		rep, err := f.orch.Run(context.Background(), "already done")
		require.NoError(t, err)
		rec := f.do(t, http.MethodPost, "/api/v1/sessions/"+rep.SessionID+"/cancel", "")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("bad body", func(t *testing.T) {
		run, err := f.orch.Prepare("waiting")
		require.NoError(t, err)
		rec := f.do(t, http.MethodPost, "/api/v1/sessions/"+run.ID()+"/cancel", "{")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("pending session", func(t *testing.T) {
		run, err := f.orch.Prepare("long task")
		require.NoError(t, err)

		rec := f.do(t, http.MethodPost, "/api/v1/sessions/"+run.ID()+"/cancel", `{"reason":"operator stop"}`)
		require.Equal(t, http.StatusAccepted, rec.Code)

		rep, err := run.Execute(context.Background())
		require.ErrorIs(t, err, orchestrator.ErrCancelled)
		assert.Equal(t, session.StateCancelled, rep.State)
		assert.Equal(t, "operator stop", rep.Reason)

		rec = f.do(t, http.MethodGet, "/api/v1/sessions/"+run.ID(), "")
		require.Equal(t, http.StatusOK, rec.Code)
		got := decode[orchestrator.Report](t, rec)
		assert.Equal(t, session.StateCancelled, got.State)
		assert.Equal(t, "operator stop", got.Reason)
	})
}

func TestCheckpoints(t *testing.T) {
	f := newFixture(t)
	rep, err := f.orch.Run(context.Background(), "checkpointed task")
	require.NoError(t, err)

	t.Run("list", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/checkpoints", "")
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[CheckpointsResponse](t, rec)
		require.Len(t, resp.Checkpoints, 1)
		assert.Equal(t, rep.SessionID, resp.Checkpoints[0].SessionID)
	})

	t.Run("invalid limit", func(t *testing.T) {
		for _, q := range []string{"0", "-2", "ten"} {
			rec := f.do(t, http.MethodGet, "/api/v1/checkpoints?limit="+q, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		}
	})

	t.Run("get", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/checkpoints/"+rep.SessionID, "")
		require.Equal(t, http.StatusOK, rec.Code)
		got := decode[orchestrator.Report](t, rec)
		assert.Equal(t, rep.SessionID, got.SessionID)
		assert.Equal(t, session.StateCompleted, got.State)
	})

	t.Run("get unknown", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/checkpoints/missing", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestCheckpointsDisabled(t *testing.T) {
	srv, err := NewServer(orchestrator.NewRuns(), nil, zap.NewNop(), nil)
	require.NoError(t, err)

	for _, target := range []string{"/api/v1/checkpoints", "/api/v1/checkpoints/abc"} {
		rec := httptest.NewRecorder()
		srv.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestStartShutdown(t *testing.T) {
	srv, err := NewServer(orchestrator.NewRuns(), nil, zap.NewNop(), &Config{Host: "127.0.0.1", Port: 0})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	require.Eventually(t, func() bool { return srv.Echo().ListenerAddr() != nil }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.NoError(t, <-errCh)
}
