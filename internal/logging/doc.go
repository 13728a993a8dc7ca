// Package logging builds the zap logger used across taskloop.
//
// The Logger wrapper adds context-aware methods that prepend correlation
// fields carried on the context: session.id, subtask.index, request.id and
// the OpenTelemetry trace_id/span_id of the active span.
//
//	ctx = logging.WithSessionID(ctx, run.ID())
//	logger.Info(ctx, "run finished", zap.String("state", "completed"))
//
// Core packages take a plain *zap.Logger; pass Logger.Zap() to them.
//
// Output is JSON or console on stderr, optionally teed into an OpenTelemetry
// log provider through the otelzap bridge. Sampling is level-aware and never
// drops errors. The encoder redacts sensitive field names and values that look
// like credentials, since tool observations often echo file contents and
// command output verbatim.
//
// Tests use NewTestLogger, which records entries through zaptest/observer.
package logging
