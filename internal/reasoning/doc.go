// Package reasoning implements the orchestrator's reasoning engine on top of
// a langchaingo language model.
//
// Every call sends the conversation log plus one instruction message and
// expects a single JSON object back. Replies that cannot be parsed wrap
// orchestrator.ErrMalformedOutput so the orchestrator records them as
// observations instead of failing the session.
package reasoning
