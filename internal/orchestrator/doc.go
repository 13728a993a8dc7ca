// Package orchestrator drives a session through the plan, execute and
// replan cycle.
//
// # Overview
//
// A run moves through these states:
//
//	Planning → Executing → Advancing → Replanning → {Completed | Cancelled | Failed}
//
// Executing is an inner loop of reasoning, dispatch and observation for
// the current subtask. Each reasoning call yields an action or a signal.
// Every proposed action passes the repetition guard first; blocked actions
// are recorded with structured feedback and never reach a tool. Allowed
// actions are served from the operation cache when possible and otherwise
// executed by the tool collaborator, whose result updates the cache before
// the next reasoning call.
//
// # Limits
//
// The inner limit bounds reasoning calls per subtask. Exceeding it records
// a cycle-limit failure for the subtask and advances; it never ends the
// session. The outer limit bounds plan revisions; exceeding it ends the
// session in Failed with the plan and full history kept.
//
// # Errors
//
// Tool failures, blocked actions, unresolved content references, malformed
// or timed-out reasoning output all become observations the engine sees on
// its next call. Only a failed initial plan, an exhausted outer limit,
// repeated replanning errors or an explicit fail signal end the session in
// Failed.
//
// # Concurrency
//
// A Run has a single writer, the goroutine calling Execute. Other
// goroutines may call Report and Cancel at any time. Cancellation is
// checked between steps; an in-flight engine or tool call is not
// interrupted by Cancel, but the context passed to Execute is forwarded to
// those calls.
package orchestrator
