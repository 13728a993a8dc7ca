package orchestrator

import "errors"

var (
	// ErrPlanningFailed is returned when no usable initial plan was produced.
	ErrPlanningFailed = errors.New("planning failed")

	// ErrReplanFailed is returned when replanning kept failing.
	ErrReplanFailed = errors.New("replanning failed")

	// ErrOuterCycleLimit is returned when plan revisions exceed the outer limit.
	ErrOuterCycleLimit = errors.New("outer cycle limit exceeded")

	// ErrTaskFailed is returned when the engine declared the task failed.
	ErrTaskFailed = errors.New("task failed")

	// ErrCancelled is returned when the run was cancelled.
	ErrCancelled = errors.New("run cancelled")

	// ErrAlreadyTerminal is returned when resuming a finished session.
	ErrAlreadyTerminal = errors.New("session already finished")

	// ErrRunInProgress is returned when Execute is called twice.
	ErrRunInProgress = errors.New("run already executing")
)
