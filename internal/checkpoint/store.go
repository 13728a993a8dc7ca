package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskloop/internal/session"
)

const instrumentationName = "github.com/fyrsmithlabs/taskloop/internal/checkpoint"

// DefaultCollection holds one document per session.
const DefaultCollection = "sessions"

var (
	// ErrNotFound is returned when no checkpoint exists for a session.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrInvalidID is returned for an empty session ID.
	ErrInvalidID = errors.New("session id is required")
)

// Config configures a Store.
type Config struct {
	// Path is the persistence directory. Empty keeps checkpoints in memory.
	Path       string
	Compress   bool
	Collection string
	Dimensions int
}

// Record describes a stored checkpoint without its full state.
type Record struct {
	SessionID string        `json:"session_id"`
	Task      string        `json:"task"`
	State     session.State `json:"state"`
	Reason    string        `json:"reason,omitempty"`
	Cursor    int           `json:"cursor"`
	Steps     int           `json:"steps"`
	UpdatedAt time.Time     `json:"updated_at"`
	// Similarity is set by Similar.
	Similarity float32 `json:"similarity,omitempty"`
}

// Store saves session snapshots in a chromem-go collection.
type Store struct {
	db       *chromem.DB
	coll     *chromem.Collection
	embedder HashEmbedder
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewStore opens or creates the checkpoint collection.
func NewStore(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandPath(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
		cfg.Path = path
	}

	s := &Store{
		db:       db,
		embedder: HashEmbedder{Dimensions: cfg.Dimensions},
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
	}
	coll, err := db.GetOrCreateCollection(cfg.Collection, nil, s.embedder.Embed)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", cfg.Collection, err)
	}
	s.coll = coll

	logger.Debug("checkpoint store opened",
		zap.String("path", cfg.Path),
		zap.String("collection", cfg.Collection),
		zap.Int("checkpoints", coll.Count()))
	return s, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// Save stores snap, replacing any earlier checkpoint of the same session.
func (s *Store) Save(ctx context.Context, snap session.Snapshot) error {
	ctx, span := s.tracer.Start(ctx, "checkpoint.save",
		trace.WithAttributes(attribute.String("session.id", snap.ID)))
	defer span.End()

	if snap.ID == "" {
		return ErrInvalidID
	}
	content, err := snap.Encode()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	emb, err := s.embedder.Embed(ctx, snap.Task)
	if err != nil {
		return fmt.Errorf("embedding task: %w", err)
	}

	doc := chromem.Document{
		ID:        snap.ID,
		Content:   string(content),
		Embedding: emb,
		Metadata: map[string]string{
			"task":       snap.Task,
			"state":      string(snap.State),
			"reason":     snap.Reason,
			"cursor":     strconv.Itoa(snap.Plan.Cursor),
			"steps":      strconv.Itoa(len(snap.Plan.Steps)),
			"updated_at": snap.UpdatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if err := s.coll.AddDocument(ctx, doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding checkpoint: %w", err)
	}

	s.logger.Debug("checkpoint saved",
		zap.String("session.id", snap.ID),
		zap.String("state", string(snap.State)),
		zap.Int("bytes", len(content)))
	return nil
}

// Load returns the latest snapshot of a session.
func (s *Store) Load(ctx context.Context, sessionID string) (session.Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.load",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	if sessionID == "" {
		return session.Snapshot{}, ErrInvalidID
	}
	doc, err := s.coll.GetByID(ctx, sessionID)
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	snap, err := session.Decode([]byte(doc.Content))
	if err != nil {
		span.RecordError(err)
		return session.Snapshot{}, err
	}
	return snap, nil
}

// List returns up to limit checkpoints, most recently updated first. A
// non-positive limit returns all of them.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.list")
	defer span.End()

	n := s.coll.Count()
	if n == 0 {
		return []Record{}, nil
	}
	// Every embedding carries the same bias dimension, so querying by the
	// bias axis ranks all documents and returns each of them.
	probe := make([]float32, s.dimensions())
	probe[0] = 1
	results, err := s.coll.QueryEmbedding(ctx, probe, n, nil, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}

	out := make([]Record, 0, len(results))
	for _, r := range results {
		out = append(out, recordOf(r.ID, r.Metadata, 0))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Similar returns up to k checkpoints whose tasks are most similar to task.
func (s *Store) Similar(ctx context.Context, task string, k int) ([]Record, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.similar")
	defer span.End()

	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	n := s.coll.Count()
	if n == 0 {
		return []Record{}, nil
	}
	if k > n {
		k = n
	}
	results, err := s.coll.Query(ctx, task, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("querying checkpoints: %w", err)
	}
	out := make([]Record, 0, len(results))
	for _, r := range results {
		out = append(out, recordOf(r.ID, r.Metadata, r.Similarity))
	}
	return out, nil
}

// Delete removes the checkpoint of a session.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	ctx, span := s.tracer.Start(ctx, "checkpoint.delete",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	if sessionID == "" {
		return ErrInvalidID
	}
	if _, err := s.coll.GetByID(ctx, sessionID); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err := s.coll.Delete(ctx, nil, nil, sessionID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("deleting checkpoint: %w", err)
	}
	return nil
}

// Count returns the number of stored checkpoints.
func (s *Store) Count() int { return s.coll.Count() }

func (s *Store) dimensions() int {
	if s.embedder.Dimensions < 2 {
		return DefaultDimensions
	}
	return s.embedder.Dimensions
}

func recordOf(id string, md map[string]string, similarity float32) Record {
	cursor, _ := strconv.Atoi(md["cursor"])
	steps, _ := strconv.Atoi(md["steps"])
	updated, _ := time.Parse(time.RFC3339Nano, md["updated_at"])
	return Record{
		SessionID:  id,
		Task:       md["task"],
		State:      session.State(md["state"]),
		Reason:     md["reason"],
		Cursor:     cursor,
		Steps:      steps,
		UpdatedAt:  updated,
		Similarity: similarity,
	}
}
