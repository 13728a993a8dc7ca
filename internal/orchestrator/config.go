package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/taskloop/internal/compression"
	"github.com/fyrsmithlabs/taskloop/internal/guard"
	"github.com/fyrsmithlabs/taskloop/internal/opcache"
)

// Config holds the orchestration tunables.
type Config struct {
	// ProjectRoot anchors relative path arguments and the directory cache.
	ProjectRoot string

	InnerLimit    int
	OuterLimit    int
	ReplanRetries int

	// ReasoningTimeout and ToolTimeout bound single calls; zero disables.
	ReasoningTimeout time.Duration
	ToolTimeout      time.Duration

	// SystemPrompt opens the conversation when set.
	SystemPrompt string

	Guard       guard.Config
	Cache       opcache.Config
	Compression compression.Config
}

// DefaultConfig returns defaults for a project root.
func DefaultConfig(root string) Config {
	return Config{
		ProjectRoot:   root,
		InnerLimit:    25,
		OuterLimit:    3,
		ReplanRetries: 2,
		Guard:         guard.DefaultConfig(),
		Cache:         opcache.DefaultConfig(root),
		Compression:   compression.DefaultConfig(),
	}
}

// Validate checks the tunables.
func (c Config) Validate() error {
	var errs []error
	if c.ProjectRoot == "" {
		errs = append(errs, errors.New("project root is required"))
	}
	if c.InnerLimit <= 0 {
		errs = append(errs, fmt.Errorf("inner limit must be positive, got %d", c.InnerLimit))
	}
	if c.OuterLimit < 0 {
		errs = append(errs, fmt.Errorf("outer limit must not be negative, got %d", c.OuterLimit))
	}
	if c.ReplanRetries < 0 {
		errs = append(errs, fmt.Errorf("replan retries must not be negative, got %d", c.ReplanRetries))
	}
	if err := c.Compression.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
