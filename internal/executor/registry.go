// Package executor provides the stage executor adapters the pipeline can be
// configured with.
package executor

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kingrea/appfactory/internal/pipeline"
)

// KindCommand runs an external program per stage.
const KindCommand = "command"

// Spec is the executor section of the project configuration.
type Spec struct {
	Kind    string
	Command []string
	Timeout time.Duration
	// Env entries are KEY=VALUE pairs appended to the process environment.
	Env []string
	// Dir is the working directory of external executors.
	Dir    string
	Logger *slog.Logger
}

// Factory constructs an executor from its spec.
type Factory func(Spec) (pipeline.Executor, error)

// Registry maintains known executor factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// DefaultRegistry returns a registry with the built-in executor kinds.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(KindCommand, func(spec Spec) (pipeline.Executor, error) {
		cmd, err := NewCommand(spec)
		if err != nil {
			return nil, err
		}
		return cmd, nil
	})
	return r
}

// Register installs a factory. Returns an error if the kind already exists.
func (r *Registry) Register(kind string, factory Factory) error {
	if kind == "" {
		return fmt.Errorf("executor: kind is required")
	}
	if factory == nil {
		return fmt.Errorf("executor: factory is required for %s", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("executor: %s already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(kind string, factory Factory) {
	if err := r.Register(kind, factory); err != nil {
		panic(err)
	}
}

// Build constructs the executor named by spec.Kind.
func (r *Registry) Build(spec Spec) (pipeline.Executor, error) {
	r.mu.RLock()
	factory, ok := r.factories[spec.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("executor: unknown kind %q (known: %v)", spec.Kind, r.Kinds())
	}
	return factory(spec)
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
