// Package events delivers orchestrator lifecycle events to observers.
//
// Events are published to NATS subjects:
//
//	{prefix}.sessions.{session_id}.{event_type}
//
// for example taskloop.sessions.4f1c….action.blocked. A log sink writes the
// same events through zap, and Multi fans out to several sinks.
package events

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Type names an event.
type Type string

const (
	SessionStarted    Type = "session.started"
	PlanCreated       Type = "plan.created"
	PlanRevised       Type = "plan.revised"
	ActionBlocked     Type = "action.blocked"
	ActionExecuted    Type = "action.executed"
	ActionCached      Type = "action.cached"
	ContextCompressed Type = "context.compressed"
	SubtaskAdvanced   Type = "subtask.advanced"
	SessionCompleted  Type = "session.completed"
	SessionFailed     Type = "session.failed"
	SessionCancelled  Type = "session.cancelled"
)

// Event is one lifecycle notification.
type Event struct {
	Type      Type           `json:"type"`
	SessionID string         `json:"session_id"`
	Time      time.Time      `json:"time"`
	Data      map[string]any `json:"data,omitempty"`
}

// New creates an event stamped with the current time.
func New(t Type, sessionID string, data map[string]any) Event {
	return Event{Type: t, SessionID: sessionID, Time: time.Now().UTC(), Data: data}
}

// Sink receives events. Publish must not block for long; the orchestrator
// calls it inline between steps.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

// Publish implements Sink.
func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans out to several sinks, joining their errors.
type Multi []Sink

// Publish implements Sink.
func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes events to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink writing to logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Publish implements Sink. Failures and blocks log at warn, the rest at
// info or debug.
func (s *LogSink) Publish(_ context.Context, e Event) error {
	fields := make([]zap.Field, 0, len(e.Data)+2)
	fields = append(fields, zap.String("event", string(e.Type)), zap.String("session.id", e.SessionID))
	for k, v := range e.Data {
		fields = append(fields, zap.Any(k, v))
	}
	switch e.Type {
	case SessionFailed, ActionBlocked:
		s.logger.Warn("session event", fields...)
	case ActionExecuted, ActionCached, ContextCompressed:
		s.logger.Debug("session event", fields...)
	default:
		s.logger.Info("session event", fields...)
	}
	return nil
}
