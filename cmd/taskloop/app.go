package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskloop/internal/checkpoint"
	"github.com/fyrsmithlabs/taskloop/internal/compression"
	"github.com/fyrsmithlabs/taskloop/internal/config"
	"github.com/fyrsmithlabs/taskloop/internal/events"
	"github.com/fyrsmithlabs/taskloop/internal/guard"
	"github.com/fyrsmithlabs/taskloop/internal/logging"
	"github.com/fyrsmithlabs/taskloop/internal/opcache"
	"github.com/fyrsmithlabs/taskloop/internal/orchestrator"
	"github.com/fyrsmithlabs/taskloop/internal/reasoning"
	"github.com/fyrsmithlabs/taskloop/internal/secrets"
	"github.com/fyrsmithlabs/taskloop/internal/telemetry"
	"github.com/fyrsmithlabs/taskloop/internal/tools"
)

// app holds the process-wide dependencies built from configuration.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	tel    *telemetry.Telemetry
	store  *checkpoint.Store

	closers []func(context.Context) error
}

// newApp loads configuration and initializes logging, telemetry and the
// checkpoint store. The model and workspace are built by buildOrchestrator.
func newApp(ctx context.Context, path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.New(ctx, telemetry.NewConfig(cfg.Telemetry, version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a := &app{cfg: cfg, tel: tel}
	a.closers = append(a.closers, tel.Shutdown)

	logCfg, err := logging.NewConfig(cfg.Logging)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	lp := tel.LoggerProvider()
	if lp == nil && cfg.Logging.OTEL {
		lp = global.GetLoggerProvider()
	}
	logger, err := logging.NewLogger(logCfg, lp)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.logger = logger
	a.closers = append(a.closers, func(context.Context) error {
		_ = logger.Sync()
		return nil
	})

	if h := tel.Health(); !h.Healthy || h.Degraded {
		logger.Warn(ctx, "telemetry degraded", zap.Strings("problems", h.Problems))
	}

	if cfg.Checkpoint.Enabled {
		store, err := checkpoint.NewStore(checkpoint.Config{
			Path:     cfg.Checkpoint.Path,
			Compress: cfg.Checkpoint.Compress,
		}, logger.Zap().Named("checkpoint"))
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
		}
		a.store = store
	}
	return a, nil
}

// requireStore fails when checkpoints are disabled.
func (a *app) requireStore() (*checkpoint.Store, error) {
	if a.store == nil {
		return nil, errors.New("checkpoints are disabled (checkpoint.enabled: false)")
	}
	return a.store, nil
}

// close runs the registered closers in reverse order.
func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && a.logger != nil {
			a.logger.Warn(ctx, "shutdown step failed", zap.Error(err))
		}
	}
	a.closers = nil
}

// newLLM builds the OpenAI-compatible client. An unset llm.api_key falls
// back to OPENAI_API_KEY, which the client reads itself.
func newLLM(c config.LLMConfig) (llms.Model, error) {
	opts := []openai.Option{openai.WithModel(c.Model)}
	if c.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(c.BaseURL))
	}
	if c.APIKey.IsSet() {
		opts = append(opts, openai.WithToken(c.APIKey.Value()))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm client: %w", err)
	}
	return llm, nil
}

// orchestratorConfig maps the file configuration onto the engine tunables.
func orchestratorConfig(cfg *config.Config) (orchestrator.Config, error) {
	root := cfg.Orchestrator.ProjectRoot
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return orchestrator.Config{}, fmt.Errorf("failed to get working directory: %w", err)
		}
		root = wd
	}

	o := orchestrator.DefaultConfig(root)
	o.InnerLimit = cfg.Orchestrator.InnerLimit
	o.OuterLimit = cfg.Orchestrator.OuterLimit
	o.ReplanRetries = cfg.Orchestrator.ReplanRetries
	o.ReasoningTimeout = cfg.Orchestrator.ReasoningTimeout.Duration()
	o.ToolTimeout = cfg.Orchestrator.ToolTimeout.Duration()
	o.SystemPrompt = cfg.Orchestrator.SystemPrompt

	o.Guard = guard.Config{
		WindowSize:           cfg.Guard.WindowSize,
		Threshold:            cfg.Guard.Threshold,
		DeterministicEnabled: cfg.Guard.DeterministicEnabled,
		DeterministicHistory: cfg.Guard.DeterministicHistory,
	}
	o.Cache = opcache.Config{
		Root:                       root,
		ContentEnabled:             cfg.Cache.ContentEnabled,
		DirectoryEnabled:           cfg.Cache.DirectoryEnabled,
		ReadOperation:              cfg.Cache.ReadOperation,
		ListOperation:              cfg.Cache.ListOperation,
		ContentRefArg:              cfg.Cache.ContentRefArg,
		InvalidateContentOnCommand: cfg.Cache.InvalidateContentOnCommand,
	}
	cc := cfg.Compression
	o.Compression = compression.Config{
		ConversationTrigger: cc.ConversationTrigger,
		ConversationTail:    cc.ConversationTail,
		TraceTrigger:        cc.TraceTrigger,
		TraceTail:           cc.TraceTail,
		TraceTightTrigger:   cc.TraceTightTrigger,
		TraceTightTail:      cc.TraceTightTail,
		SizeThreshold:       cc.SizeThreshold,
		ObservationCap:      cc.ObservationCap,
		MinReduction:        cc.MinReduction,
	}
	return o, nil
}

// buildOrchestrator builds the model client, workspace tools, event sinks and
// compressor, and returns the wired orchestrator.
func (a *app) buildOrchestrator() (*orchestrator.Orchestrator, error) {
	cfg := a.cfg
	z := a.logger.Zap()

	ocfg, err := orchestratorConfig(cfg)
	if err != nil {
		return nil, err
	}

	llm, err := newLLM(cfg.LLM)
	if err != nil {
		return nil, err
	}
	engine := reasoning.New(llm,
		reasoning.WithRateLimit(cfg.LLM.RateLimit, cfg.LLM.Burst),
		reasoning.WithMaxTokens(cfg.LLM.MaxTokens),
		reasoning.WithTemperature(cfg.LLM.Temperature),
		reasoning.WithLogger(z.Named("reasoning")),
	)

	var summarizer compression.Summarizer = compression.ExtractiveSummarizer{}
	if cfg.Compression.Summarizer == "llm" {
		summarizer = compression.NewLLMSummarizer(llm,
			compression.WithRateLimit(cfg.LLM.RateLimit, cfg.LLM.Burst),
			compression.WithMaxTokens(cfg.LLM.MaxTokens),
		)
	}
	compressor, err := compression.NewService(ocfg.Compression, summarizer, z.Named("compression"))
	if err != nil {
		return nil, err
	}

	registry := tools.NewRegistry()
	ws, err := tools.NewWorkspace(tools.WorkspaceConfig{
		Root:           ocfg.ProjectRoot,
		CommandTimeout: cfg.Tools.CommandTimeout.Duration(),
		Shell:          cfg.Tools.Shell,
	}, z.Named("tools"))
	if err != nil {
		return nil, err
	}
	if err := ws.Register(registry); err != nil {
		return nil, err
	}
	ocfg.Cache.Ignore = ws.Ignore()
	if cfg.Tools.RedactSecrets {
		scrubber, err := secrets.New(secrets.DefaultConfig())
		if err != nil {
			return nil, err
		}
		registry.RedactCommandOutput(scrubber)
	}

	sink := events.Multi{events.NewLogSink(z.Named("events"))}
	if cfg.Events.NATSURL != "" {
		pub, err := events.ConnectNATS(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, z.Named("nats"))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return pub.Close() })
		sink = append(sink, pub)
	}

	deps := orchestrator.Deps{
		Engine:         engine,
		Tools:          registry,
		Compressor:     compressor,
		Sink:           sink,
		Logger:         z,
		TracerProvider: a.tel.TracerProvider(),
	}
	if a.store != nil {
		deps.Checkpointer = a.store
	}
	return orchestrator.New(ocfg, deps)
}
