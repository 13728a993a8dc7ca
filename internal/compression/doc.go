// Package compression bounds the size of a session's running context.
//
// Two compressors share one shape: watch a count, and once it exceeds a
// trigger, replace everything but the most recent entries with a single
// summary.
//
// # Conversation
//
// ConversationCompressor keeps every system message and the last
// ConversationTail messages verbatim. The rest becomes one assistant
// message produced by a Summarizer that describes the current state of the
// work: the original request, what was completed, what exists, what does
// not exist yet, the technical setup and the next step.
//
// # Action trace
//
// TraceCompressor groups older trace entries by operation and renders one
// line per group. When the accumulated context is larger than
// SizeThreshold the trigger and tail shrink so compression happens sooner.
// Preserved observations are capped at ObservationCap characters.
//
// # Fallback
//
// When a summary fails or saves less than MinReduction of the span it
// replaces, the span is dropped and a short truncation marker is inserted
// instead. Neither compressor ever returns an error to the caller.
package compression
