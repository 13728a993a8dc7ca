// Package model holds the value types shared by the orchestration engine:
// actions proposed by the reasoning engine, the observations recorded for
// them, structured repetition feedback and conversation messages.
//
// Values in this package are treated as immutable once appended to a
// session's history. Nothing here performs I/O.
package model
