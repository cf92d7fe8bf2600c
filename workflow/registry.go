package workflow

import (
	"encoding/json"
	"fmt"
	"sync"
)

// RunnerFunc is a type-erased workflow runner that accepts raw JSON input.
// The typed Definition[T] is converted to a RunnerFunc at registration
// time by closing over JSON unmarshal + the typed handler.
type RunnerFunc func(wf *Workflow, input []byte) error

// Definition is a typed workflow definition with a handler function.
// T is the input type (must be JSON-serializable for Run.Input storage).
// The handler may return an output value, recorded as the run's result.
type Definition[T any] struct {
	// Name is the unique identifier for this workflow type.
	Name Name

	// Handler executes the workflow logic. It receives a *Workflow which
	// provides Step, StepWithCompensation, Receive, Publish, and friends.
	Handler func(wf *Workflow, input T) (any, error)
}

// NewDefinition creates a typed workflow definition.
func NewDefinition[T any](name Name, handler func(wf *Workflow, input T) (any, error)) *Definition[T] {
	return &Definition[T]{
		Name:    name,
		Handler: handler,
	}
}

// Registry maps workflow names to runner functions. It is constructed once
// at startup, populated in dependency order, and passed by reference to
// anything that starts workflows — there is no process-global registry.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	runners map[Name]RunnerFunc
}

// NewRegistry creates an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{
		runners: make(map[Name]RunnerFunc),
	}
}

// RegisterDefinition registers a typed workflow definition. The generic
// handler is wrapped in a closure that JSON-unmarshals the input into T
// before calling the typed handler, and records the handler's output on
// the workflow context.
//
// Registering the same name twice replaces the previous runner.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	runner := func(wf *Workflow, input []byte) error {
		var t T
		if len(input) > 0 {
			if err := json.Unmarshal(input, &t); err != nil {
				return fmt.Errorf("unmarshal input for workflow %q: %w", def.Name, err)
			}
		}
		out, err := def.Handler(wf, t)
		if err != nil {
			return err
		}
		return wf.setOutput(out)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[def.Name] = runner
}

// Get returns the runner for the given workflow name.
// Returns false if no runner is registered.
func (r *Registry) Get(name Name) (RunnerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[name]
	return runner, ok
}

// Names returns all registered workflow names.
func (r *Registry) Names() []Name {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]Name, 0, len(r.runners))
	for name := range r.runners {
		names = append(names, name)
	}
	return names
}
