package model

import (
	"fmt"
	"time"
)

// Status is the outcome class of an observation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusBlocked Status = "blocked"
)

// FailureKind classifies a failed observation.
type FailureKind string

const (
	// Tool execution failures reported by the tool collaborator.
	FailureNotFound   FailureKind = "not_found"
	FailurePermission FailureKind = "permission"
	FailureValidation FailureKind = "validation"
	FailureTimeout    FailureKind = "timeout"
	FailureExecution  FailureKind = "execution"

	// Failures raised by the core itself.
	FailureUnknownOperation   FailureKind = "unknown_operation"
	FailureCacheInconsistency FailureKind = "cache_inconsistency"
	FailureMalformedOutput    FailureKind = "malformed_output"
	FailureReasoning          FailureKind = "reasoning"
	FailureCycleLimit         FailureKind = "cycle_limit"
)

// Failure is a typed failure payload.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
	// ValidRefs lists the content references that resolved at the time a
	// cache inconsistency was detected.
	ValidRefs []string `json:"valid_refs,omitempty"`
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Observation records the result of executing, serving from cache, or
// blocking an action. Observations are never mutated after creation.
type Observation struct {
	Status  Status   `json:"status"`
	Content string   `json:"content,omitempty"`
	Entries []string `json:"entries,omitempty"`
	// ContentRef is set when Content was also stored in the content cache and
	// can be reused by later actions without re-transmitting it.
	ContentRef string    `json:"content_ref,omitempty"`
	Cached     bool      `json:"cached,omitempty"`
	Failure    *Failure  `json:"failure,omitempty"`
	Feedback   *Feedback `json:"feedback,omitempty"`
	At         time.Time `json:"at"`
}

// Success builds a successful observation carrying content.
func Success(content string) Observation {
	return Observation{Status: StatusSuccess, Content: content, At: time.Now().UTC()}
}

// Listing builds a successful observation carrying directory entries.
func Listing(entries []string) Observation {
	cp := append([]string(nil), entries...)
	return Observation{Status: StatusSuccess, Entries: cp, At: time.Now().UTC()}
}

// Failed builds a failed observation.
func Failed(kind FailureKind, format string, args ...any) Observation {
	return Observation{
		Status:  StatusFailure,
		Failure: &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)},
		At:      time.Now().UTC(),
	}
}

// Blocked builds the observation recorded in place of a blocked action.
func Blocked(fb Feedback) Observation {
	return Observation{Status: StatusBlocked, Feedback: &fb, At: time.Now().UTC()}
}

// OK reports whether the observation is a success.
func (o Observation) OK() bool { return o.Status == StatusSuccess }

// FailureKind returns the failure kind or "" for non-failures.
func (o Observation) FailureKind() FailureKind {
	if o.Failure == nil {
		return ""
	}
	return o.Failure.Kind
}

// Size approximates the number of characters the observation contributes to
// the running context.
func (o Observation) Size() int {
	n := len(o.Content)
	for _, e := range o.Entries {
		n += len(e) + 1
	}
	if o.Failure != nil {
		n += len(o.Failure.Message)
	}
	if o.Feedback != nil {
		n += len(o.Feedback.Reason) + 64
	}
	return n
}
