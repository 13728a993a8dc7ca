package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 25, cfg.Orchestrator.InnerLimit)
	assert.Equal(t, 3, cfg.Orchestrator.OuterLimit)
	assert.Equal(t, 10, cfg.Guard.WindowSize)
	assert.Equal(t, 3, cfg.Guard.Threshold)
	assert.True(t, cfg.Guard.DeterministicEnabled)
	assert.Equal(t, 50, cfg.Compression.ConversationTrigger)
	assert.Equal(t, 10, cfg.Compression.ConversationTail)
	assert.InDelta(t, 0.10, cfg.Compression.MinReduction, 1e-9)
	assert.True(t, cfg.Tools.RedactSecrets)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "taskloop", cfg.Events.SubjectPrefix)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero inner limit", func(c *Config) { c.Orchestrator.InnerLimit = 0 }, "orchestrator.inner_limit"},
		{"negative outer limit", func(c *Config) { c.Orchestrator.OuterLimit = -1 }, "orchestrator.outer_limit"},
		{"negative retries", func(c *Config) { c.Orchestrator.ReplanRetries = -1 }, "orchestrator.replan_retries"},
		{"zero window", func(c *Config) { c.Guard.WindowSize = 0 }, "guard.window_size"},
		{"zero threshold", func(c *Config) { c.Guard.Threshold = 0 }, "guard.threshold"},
		{"tail not below trigger", func(c *Config) { c.Compression.ConversationTail = 50 }, "conversation_tail"},
		{"trace tail above trigger", func(c *Config) { c.Compression.TraceTail = 11 }, "trace_tail"},
		{"tight trace tail above trigger", func(c *Config) { c.Compression.TraceTightTail = 6 }, "trace_tight_tail"},
		{"min reduction out of range", func(c *Config) { c.Compression.MinReduction = 1.5 }, "min_reduction"},
		{"unknown summarizer", func(c *Config) { c.Compression.Summarizer = "magic" }, "compression.summarizer"},
		{"missing model", func(c *Config) { c.LLM.Model = "" }, "llm.model"},
		{"bad port when serving", func(c *Config) { c.Server.Enabled = true; c.Server.Port = 70000 }, "server.port"},
		{"unknown telemetry protocol", func(c *Config) { c.Telemetry.Protocol = "udp" }, "telemetry.protocol"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_TraceTailMayEqualTrigger(t *testing.T) {
	cfg := Default()
	cfg.Compression.TraceTail = cfg.Compression.TraceTrigger
	cfg.Compression.TraceTightTail = cfg.Compression.TraceTightTrigger
	assert.NoError(t, cfg.Validate())
}

func TestConfig_ValidateReportsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Orchestrator.InnerLimit = 0
	cfg.Guard.Threshold = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inner_limit")
	assert.Contains(t, err.Error(), "guard.threshold")
}

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))

	b, err := json.Marshal(Duration(2 * time.Minute))
	require.NoError(t, err)
	assert.JSONEq(t, `"2m0s"`, string(b))
}

func TestSecret_Redacted(t *testing.T) {
	s := Secret("sk-live-123")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "sk-live-123", s.Value())
	assert.True(t, s.IsSet())

	b, err := json.Marshal(struct{ Key Secret }{s})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "sk-live-123")
	assert.NotContains(t, fmt.Sprintf("%v %+v %#v", s, struct{ K Secret }{s}, s), "sk-live-123")

	assert.Equal(t, "", Secret("").String())
	assert.False(t, Secret("").IsSet())
}
