package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/taskloop/internal/guard"
	"github.com/fyrsmithlabs/taskloop/internal/model"
	"github.com/fyrsmithlabs/taskloop/internal/opcache"
)

// SnapshotVersion is the current checkpoint format.
const SnapshotVersion = 1

// ErrSnapshotVersion is returned for checkpoints of an unknown format.
var ErrSnapshotVersion = errors.New("unsupported snapshot version")

// Snapshot is the serializable full state of a session.
type Snapshot struct {
	Version      int                `json:"version"`
	ID           string             `json:"id"`
	Task         string             `json:"task"`
	State        State              `json:"state"`
	Reason       string             `json:"reason,omitempty"`
	Plan         Plan               `json:"plan"`
	Plans        int                `json:"plans"`
	InnerCycles  int                `json:"inner_cycles"`
	OuterCycles  int                `json:"outer_cycles"`
	Trace        []model.TraceEntry `json:"trace,omitempty"`
	Subtasks     []Subtask          `json:"subtasks,omitempty"`
	Conversation []model.Message    `json:"conversation,omitempty"`
	Cache        opcache.State      `json:"cache"`
	Repetition   guard.State        `json:"repetition"`
	Spawned      map[int]int        `json:"spawned,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Snapshot captures the full session state. The result shares no mutable
// data with the session.
func (s *Session) Snapshot() (Snapshot, error) {
	snap := Snapshot{
		Version:      SnapshotVersion,
		ID:           s.ID,
		Task:         s.Task,
		State:        s.State,
		Reason:       s.Reason,
		Plan:         s.Plan,
		Plans:        s.Plans,
		InnerCycles:  s.InnerCycles,
		OuterCycles:  s.OuterCycles,
		Trace:        s.Trace,
		Subtasks:     s.Subtasks,
		Conversation: s.Conversation,
		Repetition:   s.Repetition,
		Spawned:      s.spawned,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
	if s.Cache != nil {
		snap.Cache = s.Cache.Snapshot()
	}
	// A JSON round trip deep-copies every nested slice and map.
	b, err := json.Marshal(snap)
	if err != nil {
		return Snapshot{}, fmt.Errorf("encoding snapshot: %w", err)
	}
	return Decode(b)
}

// Encode serializes a snapshot.
func (snap Snapshot) Encode() ([]byte, error) {
	return json.Marshal(snap)
}

// Decode parses a serialized snapshot.
func Decode(b []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decoding snapshot: %w", err)
	}
	if snap.Version != SnapshotVersion {
		return Snapshot{}, fmt.Errorf("%w: %d", ErrSnapshotVersion, snap.Version)
	}
	return snap, nil
}

// Restore rebuilds a session from snap. cache receives the cached state
// and becomes the session's cache.
func Restore(snap Snapshot, cache *opcache.Cache) (*Session, error) {
	if snap.Version != SnapshotVersion {
		return nil, fmt.Errorf("%w: %d", ErrSnapshotVersion, snap.Version)
	}
	if cache != nil {
		cache.Restore(snap.Cache)
	}
	spawned := snap.Spawned
	if spawned == nil {
		spawned = make(map[int]int)
	}
	return &Session{
		ID:           snap.ID,
		Task:         snap.Task,
		State:        snap.State,
		Reason:       snap.Reason,
		Plan:         snap.Plan,
		Plans:        snap.Plans,
		InnerCycles:  snap.InnerCycles,
		OuterCycles:  snap.OuterCycles,
		Trace:        snap.Trace,
		Subtasks:     snap.Subtasks,
		Conversation: snap.Conversation,
		Cache:        cache,
		Repetition:   snap.Repetition,
		CreatedAt:    snap.CreatedAt,
		UpdatedAt:    snap.UpdatedAt,
		spawned:      spawned,
	}, nil
}
