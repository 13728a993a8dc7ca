package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskloop/internal/compression"
	"github.com/fyrsmithlabs/taskloop/internal/events"
	"github.com/fyrsmithlabs/taskloop/internal/guard"
	"github.com/fyrsmithlabs/taskloop/internal/opcache"
	"github.com/fyrsmithlabs/taskloop/internal/session"
)

const tracerName = "github.com/fyrsmithlabs/taskloop/internal/orchestrator"

// Deps are the collaborators of an Orchestrator. Engine and Tools are
// required.
type Deps struct {
	Engine       Engine
	Tools        Toolset
	Compressor   *compression.Service
	Checkpointer Checkpointer
	Sink         events.Sink
	Logger       *zap.Logger
	// TracerProvider defaults to the otel global.
	TracerProvider trace.TracerProvider
}

// Orchestrator creates and drives runs. It is safe for concurrent use;
// each Run it creates has its own session.
type Orchestrator struct {
	cfg          Config
	engine       Engine
	tools        Toolset
	guard        *guard.Guard
	compressor   *compression.Service
	checkpointer Checkpointer
	sink         events.Sink
	logger       *zap.Logger
	tracer       trace.Tracer
	runs         *Runs
}

// New validates cfg and creates an orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}
	if deps.Engine == nil {
		return nil, errors.New("reasoning engine is required")
	}
	if deps.Tools == nil {
		return nil, errors.New("toolset is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	comp := deps.Compressor
	if comp == nil {
		var err error
		comp, err = compression.NewService(cfg.Compression, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("creating compressor: %w", err)
		}
	}
	sink := deps.Sink
	if sink == nil {
		sink = events.Nop{}
	}
	tp := deps.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if cfg.Cache.Root == "" {
		cfg.Cache.Root = cfg.ProjectRoot
	}

	return &Orchestrator{
		cfg:          cfg,
		engine:       deps.Engine,
		tools:        deps.Tools,
		guard:        guard.New(cfg.Guard, deps.Tools, logger.Named("guard")),
		compressor:   comp,
		checkpointer: deps.Checkpointer,
		sink:         sink,
		logger:       logger,
		tracer:       tp.Tracer(tracerName),
		runs:         NewRuns(),
	}, nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Runs returns the registry of runs created by this orchestrator.
func (o *Orchestrator) Runs() *Runs { return o.runs }

// Prepare creates a run for task in the planning state without starting it.
func (o *Orchestrator) Prepare(task string) (*Run, error) {
	if task == "" {
		return nil, errors.New("task is required")
	}
	sess := session.New(uuid.NewString(), task, o.newCache())
	return o.track(sess), nil
}

// Resume rebuilds a run from a checkpoint. Terminal sessions cannot be
// resumed.
func (o *Orchestrator) Resume(snap session.Snapshot) (*Run, error) {
	if snap.State.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, snap.ID, snap.State)
	}
	sess, err := session.Restore(snap, o.newCache())
	if err != nil {
		return nil, err
	}
	return o.track(sess), nil
}

// Run prepares and executes a run for task.
func (o *Orchestrator) Run(ctx context.Context, task string) (Report, error) {
	r, err := o.Prepare(task)
	if err != nil {
		return Report{}, err
	}
	return r.Execute(ctx)
}

func (o *Orchestrator) newCache() *opcache.Cache {
	return opcache.New(o.cfg.Cache, o.logger.Named("cache"))
}

func (o *Orchestrator) track(sess *session.Session) *Run {
	r := newRun(o, sess)
	o.runs.Add(r)
	return r
}
