package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/taskloop/internal/model"
)

// Handler executes one action. Returned errors become typed failure
// observations; handlers never need to build failures themselves.
type Handler func(ctx context.Context, action model.Action) (model.Observation, error)

// Registry maps operation names to specs and handlers. It is populated at
// startup and read-only afterwards.
type Registry struct {
	specs    map[string]Spec
	handlers map[string]Handler
	order    []string
	redactor Redactor
}

// Redactor removes secrets from text. *secrets.Scrubber satisfies it.
type Redactor interface {
	Redact(content string) string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		specs:    make(map[string]Spec),
		handlers: make(map[string]Handler),
	}
}

// Register adds an operation. Subtask operations may have a nil handler.
func (r *Registry) Register(spec Spec, h Handler) error {
	if spec.Name == "" || !spec.Kind.Valid() {
		return fmt.Errorf("%w: name=%q kind=%q", ErrInvalidSpec, spec.Name, spec.Kind)
	}
	if h == nil && spec.Kind != KindSubtask {
		return fmt.Errorf("%w: %s has no handler", ErrInvalidSpec, spec.Name)
	}
	if _, ok := r.specs[spec.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, spec.Name)
	}
	r.specs[spec.Name] = spec
	r.handlers[spec.Name] = h
	r.order = append(r.order, spec.Name)
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(spec Spec, h Handler) {
	if err := r.Register(spec, h); err != nil {
		panic(err)
	}
}

// Lookup returns the spec registered under name.
func (r *Registry) Lookup(name string) (Spec, bool) {
	s, ok := r.specs[name]
	return s, ok
}

// Specs returns all specs in registration order.
func (r *Registry) Specs() []Spec {
	out := make([]Spec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.specs[name])
	}
	return out
}

// Names returns the registered operation names, sorted.
func (r *Registry) Names() []string {
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// RedactCommandOutput filters the output of command operations through rd
// before it is returned. File contents are left intact so cached content
// stays byte-identical to disk.
func (r *Registry) RedactCommandOutput(rd Redactor) {
	r.redactor = rd
}

// Execute dispatches the action to its handler.
func (r *Registry) Execute(ctx context.Context, action model.Action) model.Observation {
	h, ok := r.handlers[action.Name]
	if !ok || h == nil {
		return model.Failed(model.FailureUnknownOperation,
			"operation %q does not exist; available operations: %s",
			action.Name, strings.Join(r.Names(), ", "))
	}
	obs, err := h(ctx, action)
	if err != nil {
		obs = model.Failed(KindOf(err), "%s", err.Error())
	}
	if r.redactor != nil && r.specs[action.Name].Kind == KindCommand {
		obs.Content = r.redactor.Redact(obs.Content)
		if obs.Failure != nil {
			f := *obs.Failure
			f.Message = r.redactor.Redact(f.Message)
			obs.Failure = &f
		}
	}
	return obs
}
