// Package tools provides the registry that maps operation names to handlers
// together with the read-only/mutating classification the guard and cache
// rely on, plus a reference set of workspace tools rooted at a project
// directory.
package tools

// Kind classifies an operation by its effect on the workspace.
type Kind string

const (
	KindRead    Kind = "read"
	KindList    Kind = "list"
	KindSearch  Kind = "search"
	KindWrite   Kind = "write"
	KindPatch   Kind = "patch"
	KindMkdir   Kind = "mkdir"
	KindDelete  Kind = "delete"
	KindCommand Kind = "command"
	// KindSubtask operations are handled by the orchestrator and never reach a handler.
	KindSubtask Kind = "subtask"
	// KindMutate is any other operation with side effects.
	KindMutate Kind = "mutate"
)

// ReadOnly reports whether repeating a successful call is redundant.
func (k Kind) ReadOnly() bool {
	switch k {
	case KindRead, KindList, KindSearch:
		return true
	default:
		return false
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindRead, KindList, KindSearch, KindWrite, KindPatch, KindMkdir,
		KindDelete, KindCommand, KindSubtask, KindMutate:
		return true
	default:
		return false
	}
}

// Spec declares an operation.
type Spec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Kind        Kind   `json:"kind"`
	// PathArg names the argument holding the target path, if any.
	PathArg string `json:"path_arg,omitempty"`
	// Parameters is a JSON schema object describing the arguments.
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Class is the classification lookup used by the guard and cache.
type Class interface {
	Lookup(name string) (Spec, bool)
}
