// Package config loads taskloop configuration from defaults, an optional
// YAML file and TASKLOOP_ environment variables.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config is the complete taskloop configuration.
type Config struct {
	Orchestrator OrchestratorConfig `koanf:"orchestrator" json:"orchestrator"`
	Guard        GuardConfig        `koanf:"guard" json:"guard"`
	Cache        CacheConfig        `koanf:"cache" json:"cache"`
	Compression  CompressionConfig  `koanf:"compression" json:"compression"`
	LLM          LLMConfig          `koanf:"llm" json:"llm"`
	Tools        ToolsConfig        `koanf:"tools" json:"tools"`
	Checkpoint   CheckpointConfig   `koanf:"checkpoint" json:"checkpoint"`
	Server       ServerConfig       `koanf:"server" json:"server"`
	Events       EventsConfig       `koanf:"events" json:"events"`
	Logging      LoggingConfig      `koanf:"logging" json:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry" json:"telemetry"`
}

// OrchestratorConfig bounds the state machine.
type OrchestratorConfig struct {
	// ProjectRoot defaults to the working directory when empty.
	ProjectRoot      string   `koanf:"project_root" json:"project_root"`
	InnerLimit       int      `koanf:"inner_limit" json:"inner_limit"`
	OuterLimit       int      `koanf:"outer_limit" json:"outer_limit"`
	ReplanRetries    int      `koanf:"replan_retries" json:"replan_retries"`
	ReasoningTimeout Duration `koanf:"reasoning_timeout" json:"reasoning_timeout"`
	ToolTimeout      Duration `koanf:"tool_timeout" json:"tool_timeout"`
	SystemPrompt     string   `koanf:"system_prompt" json:"system_prompt"`
}

// GuardConfig tunes repetition detection.
type GuardConfig struct {
	WindowSize           int  `koanf:"window_size" json:"window_size"`
	Threshold            int  `koanf:"threshold" json:"threshold"`
	DeterministicEnabled bool `koanf:"deterministic_enabled" json:"deterministic_enabled"`
	DeterministicHistory int  `koanf:"deterministic_history" json:"deterministic_history"`
}

// CacheConfig tunes the operation cache.
type CacheConfig struct {
	ContentEnabled             bool   `koanf:"content_enabled" json:"content_enabled"`
	DirectoryEnabled           bool   `koanf:"directory_enabled" json:"directory_enabled"`
	ReadOperation              string `koanf:"read_operation" json:"read_operation"`
	ListOperation              string `koanf:"list_operation" json:"list_operation"`
	ContentRefArg              string `koanf:"content_ref_arg" json:"content_ref_arg"`
	InvalidateContentOnCommand bool   `koanf:"invalidate_content_on_command" json:"invalidate_content_on_command"`
}

// CompressionConfig tunes context compression.
type CompressionConfig struct {
	ConversationTrigger int     `koanf:"conversation_trigger" json:"conversation_trigger"`
	ConversationTail    int     `koanf:"conversation_tail" json:"conversation_tail"`
	TraceTrigger        int     `koanf:"trace_trigger" json:"trace_trigger"`
	TraceTail           int     `koanf:"trace_tail" json:"trace_tail"`
	TraceTightTrigger   int     `koanf:"trace_tight_trigger" json:"trace_tight_trigger"`
	TraceTightTail      int     `koanf:"trace_tight_tail" json:"trace_tight_tail"`
	SizeThreshold       int     `koanf:"size_threshold" json:"size_threshold"`
	ObservationCap      int     `koanf:"observation_cap" json:"observation_cap"`
	MinReduction        float64 `koanf:"min_reduction" json:"min_reduction"`
	// Summarizer is "llm" or "extractive".
	Summarizer string `koanf:"summarizer" json:"summarizer"`
}

// LLMConfig selects the OpenAI-compatible model backing the reasoning engine.
type LLMConfig struct {
	BaseURL     string  `koanf:"base_url" json:"base_url"`
	Model       string  `koanf:"model" json:"model"`
	APIKey      Secret  `koanf:"api_key" json:"api_key"`
	RateLimit   float64 `koanf:"rate_limit" json:"rate_limit"`
	Burst       int     `koanf:"burst" json:"burst"`
	Temperature float64 `koanf:"temperature" json:"temperature"`
	MaxTokens   int     `koanf:"max_tokens" json:"max_tokens"`
}

// ToolsConfig configures the built-in workspace tools.
type ToolsConfig struct {
	CommandTimeout Duration `koanf:"command_timeout" json:"command_timeout"`
	Shell          string   `koanf:"shell" json:"shell"`
	// RedactSecrets scrubs credentials from command output.
	RedactSecrets  bool     `koanf:"redact_secrets" json:"redact_secrets"`
}

// CheckpointConfig configures the session checkpoint store.
type CheckpointConfig struct {
	Enabled  bool   `koanf:"enabled" json:"enabled"`
	Path     string `koanf:"path" json:"path"`
	Compress bool   `koanf:"compress" json:"compress"`
}

// ServerConfig configures the inspection HTTP server.
type ServerConfig struct {
	Enabled         bool     `koanf:"enabled" json:"enabled"`
	Host            string   `koanf:"host" json:"host"`
	Port            int      `koanf:"port" json:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout" json:"shutdown_timeout"`
}

// EventsConfig configures lifecycle event publishing. An empty NATSURL
// disables NATS and events are only logged.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url" json:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix" json:"subject_prefix"`
}

// LoggingConfig holds the logging options exposed in the config file.
type LoggingConfig struct {
	Level  string `koanf:"level" json:"level"`
	Format string `koanf:"format" json:"format"`
	OTEL   bool   `koanf:"otel" json:"otel"`
}

// TelemetryConfig holds the OpenTelemetry options exposed in the config file.
type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled" json:"enabled"`
	Endpoint     string  `koanf:"endpoint" json:"endpoint"`
	Protocol     string  `koanf:"protocol" json:"protocol"`
	Insecure     bool    `koanf:"insecure" json:"insecure"`
	SamplingRate float64 `koanf:"sampling_rate" json:"sampling_rate"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			InnerLimit:    25,
			OuterLimit:    3,
			ReplanRetries: 2,
		},
		Guard: GuardConfig{
			WindowSize:           10,
			Threshold:            3,
			DeterministicEnabled: true,
			DeterministicHistory: 50,
		},
		Cache: CacheConfig{
			ContentEnabled:             true,
			DirectoryEnabled:           true,
			ReadOperation:              "read_file",
			ListOperation:              "list_files",
			ContentRefArg:              "content_ref",
			InvalidateContentOnCommand: true,
		},
		Compression: CompressionConfig{
			ConversationTrigger: 50,
			ConversationTail:    10,
			TraceTrigger:        10,
			TraceTail:           5,
			TraceTightTrigger:   5,
			TraceTightTail:      3,
			SizeThreshold:       30000,
			ObservationCap:      1000,
			MinReduction:        0.10,
			Summarizer:          "llm",
		},
		LLM: LLMConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			RateLimit:   2,
			Burst:       2,
			Temperature: 0.2,
			MaxTokens:   2048,
		},
		Tools: ToolsConfig{
			CommandTimeout: Duration(2 * time.Minute),
			Shell:          "sh",
			RedactSecrets:  true,
		},
		Checkpoint: CheckpointConfig{
			Enabled: true,
			Path:    "~/.local/share/taskloop/checkpoints",
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Events: EventsConfig{
			SubjectPrefix: "taskloop",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Telemetry: TelemetryConfig{
			Endpoint:     "localhost:4317",
			Protocol:     "grpc",
			Insecure:     true,
			SamplingRate: 1.0,
		},
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	o := c.Orchestrator
	if o.InnerLimit <= 0 {
		add("orchestrator.inner_limit must be positive, got %d", o.InnerLimit)
	}
	if o.OuterLimit <= 0 {
		add("orchestrator.outer_limit must be positive, got %d", o.OuterLimit)
	}
	if o.ReplanRetries < 0 {
		add("orchestrator.replan_retries must not be negative, got %d", o.ReplanRetries)
	}

	if c.Guard.WindowSize <= 0 {
		add("guard.window_size must be positive, got %d", c.Guard.WindowSize)
	}
	if c.Guard.Threshold <= 0 {
		add("guard.threshold must be positive, got %d", c.Guard.Threshold)
	}
	if c.Guard.DeterministicEnabled && c.Guard.DeterministicHistory <= 0 {
		add("guard.deterministic_history must be positive, got %d", c.Guard.DeterministicHistory)
	}

	if c.Cache.ReadOperation == "" || c.Cache.ListOperation == "" {
		add("cache.read_operation and cache.list_operation are required")
	}

	cc := c.Compression
	if cc.ConversationTrigger <= 0 || cc.ConversationTail >= cc.ConversationTrigger {
		add("compression.conversation_tail (%d) must be below a positive conversation_trigger (%d)", cc.ConversationTail, cc.ConversationTrigger)
	}
	if cc.TraceTrigger <= 0 || cc.TraceTail < 0 || cc.TraceTail > cc.TraceTrigger {
		add("compression.trace_tail (%d) must not exceed a positive trace_trigger (%d)", cc.TraceTail, cc.TraceTrigger)
	}
	if cc.TraceTightTrigger <= 0 || cc.TraceTightTail < 0 || cc.TraceTightTail > cc.TraceTightTrigger {
		add("compression.trace_tight_tail (%d) must not exceed a positive trace_tight_trigger (%d)", cc.TraceTightTail, cc.TraceTightTrigger)
	}
	if cc.MinReduction <= 0 || cc.MinReduction >= 1 {
		add("compression.min_reduction must be in (0,1), got %v", cc.MinReduction)
	}
	if cc.Summarizer != "llm" && cc.Summarizer != "extractive" {
		add("compression.summarizer must be llm or extractive, got %q", cc.Summarizer)
	}

	if c.LLM.Model == "" {
		add("llm.model is required")
	}
	if c.LLM.RateLimit <= 0 || c.LLM.Burst <= 0 {
		add("llm.rate_limit and llm.burst must be positive")
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server.port must be in 1-65535, got %d", c.Server.Port)
	}
	if c.Checkpoint.Enabled && c.Checkpoint.Path == "" {
		add("checkpoint.path is required when checkpoints are enabled")
	}
	if c.Events.SubjectPrefix == "" {
		add("events.subject_prefix is required")
	}
	if p := c.Telemetry.Protocol; p != "grpc" && p != "http" {
		add("telemetry.protocol must be grpc or http, got %q", p)
	}

	return errors.Join(errs...)
}
