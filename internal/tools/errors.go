package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/fyrsmithlabs/taskloop/internal/model"
)

var (
	// ErrDuplicateTool is returned when a name is registered twice.
	ErrDuplicateTool = errors.New("tool already registered")

	// ErrInvalidSpec is returned for specs with an empty name or unknown kind.
	ErrInvalidSpec = errors.New("invalid tool spec")

	// ErrOutsideRoot is returned when a path escapes the project root.
	ErrOutsideRoot = errors.New("path is outside the project root")

	// ErrMissingArgument is returned when a required argument is absent.
	ErrMissingArgument = errors.New("missing required argument")
)

// Error is a typed tool failure.
type Error struct {
	Kind model.FailureKind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fail wraps err as a typed failure of kind.
func Fail(kind model.FailureKind, op, path string, err error) error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf maps an error returned by a handler to a failure kind.
func KindOf(err error) model.FailureKind {
	var te *Error
	switch {
	case errors.As(err, &te) && te.Kind != "":
		return te.Kind
	case errors.Is(err, context.DeadlineExceeded):
		return model.FailureTimeout
	case errors.Is(err, fs.ErrNotExist):
		return model.FailureNotFound
	case errors.Is(err, fs.ErrPermission), errors.Is(err, ErrOutsideRoot):
		return model.FailurePermission
	case errors.Is(err, ErrMissingArgument):
		return model.FailureValidation
	default:
		return model.FailureExecution
	}
}
