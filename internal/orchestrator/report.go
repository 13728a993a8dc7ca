package orchestrator

import (
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/taskloop/internal/opcache"
	"github.com/fyrsmithlabs/taskloop/internal/session"
)

// Report is a read-only view of a run, safe to hand to other goroutines.
type Report struct {
	SessionID   string          `json:"session_id"`
	Task        string          `json:"task"`
	State       session.State   `json:"state"`
	Plan        []string        `json:"plan"`
	Cursor      int             `json:"cursor"`
	Current     string          `json:"current,omitempty"`
	Plans       int             `json:"plans"`
	InnerCycles int             `json:"inner_cycles"`
	OuterCycles int             `json:"outer_cycles"`
	Reason      string          `json:"reason,omitempty"`
	Actions     int             `json:"actions"`
	Blocks      int             `json:"blocks"`
	Subtasks    []SubtaskReport `json:"subtasks,omitempty"`
	Cache       opcache.Stats   `json:"cache"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// SubtaskReport summarizes an archived subtask.
type SubtaskReport struct {
	Index       int             `json:"index"`
	Description string          `json:"description"`
	Outcome     session.Outcome `json:"outcome"`
	Reason      string          `json:"reason,omitempty"`
	Actions     int             `json:"actions"`
	InnerCycles int             `json:"inner_cycles"`
}

// Terminal reports whether the run has ended.
func (r Report) Terminal() bool { return r.State.Terminal() }

func reportOf(s *session.Session) Report {
	rep := Report{
		SessionID:   s.ID,
		Task:        s.Task,
		State:       s.State,
		Plan:        append([]string(nil), s.Plan.Steps...),
		Cursor:      s.Plan.Cursor,
		Plans:       s.Plans,
		InnerCycles: s.InnerCycles,
		OuterCycles: s.OuterCycles,
		Reason:      s.Reason,
		Actions:     len(s.Trace),
		Blocks:      s.Repetition.TotalBlocks,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
	rep.Current, _ = s.Current()
	for _, st := range s.Subtasks {
		rep.Actions += len(st.Trace)
		rep.Subtasks = append(rep.Subtasks, SubtaskReport{
			Index:       st.Index,
			Description: st.Description,
			Outcome:     st.Outcome,
			Reason:      st.Reason,
			Actions:     len(st.Trace),
			InnerCycles: st.InnerCycles,
		})
	}
	if s.Cache != nil {
		rep.Cache = s.Cache.Stats()
	}
	return rep
}

// SnapshotReport builds a report from a checkpoint. Cache statistics are
// not part of a snapshot and stay zero.
func SnapshotReport(snap session.Snapshot) (Report, error) {
	sess, err := session.Restore(snap, nil)
	if err != nil {
		return Report{}, err
	}
	return reportOf(sess), nil
}

// Runs tracks the runs of an orchestrator by session ID.
type Runs struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewRuns creates an empty registry.
func NewRuns() *Runs {
	return &Runs{runs: make(map[string]*Run)}
}

// Add registers r, replacing any run with the same session ID.
func (rs *Runs) Add(r *Run) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.runs[r.ID()] = r
}

// Get returns the run for id.
func (rs *Runs) Get(id string) (*Run, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	r, ok := rs.runs[id]
	return r, ok
}

// Remove forgets the run for id.
func (rs *Runs) Remove(id string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	delete(rs.runs, id)
}

// Reports returns the current report of every run, oldest first.
func (rs *Runs) Reports() []Report {
	rs.mu.RLock()
	out := make([]Report, 0, len(rs.runs))
	for _, r := range rs.runs {
		out = append(out, r.Report())
	}
	rs.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
