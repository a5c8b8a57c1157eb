package task

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kingrea/flowstate/internal/flow"
)

// Factory constructs a runnable from a task's configuration.
type Factory func(flow.Config) (Runnable, error)

// Registry maintains the known task types.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register installs a factory for typ. Returns an error if typ already exists.
func (r *Registry) Register(typ string, factory Factory) error {
	typ = strings.ToLower(strings.TrimSpace(typ))
	if typ == "" {
		return fmt.Errorf("task: type is required")
	}
	if typ == flow.TypeSequential {
		return fmt.Errorf("task: %s is reserved for flowable tasks", typ)
	}
	if factory == nil {
		return fmt.Errorf("task: factory is required for %s", typ)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[typ]; exists {
		return fmt.Errorf("task: %s already registered", typ)
	}
	r.factories[typ] = factory
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(typ string, factory Factory) {
	if err := r.Register(typ, factory); err != nil {
		panic(err)
	}
}

// Resolve constructs the runnable for t.
func (r *Registry) Resolve(t flow.Task) (Runnable, error) {
	typ := strings.ToLower(strings.TrimSpace(t.Type))
	r.mu.RLock()
	factory, ok := r.factories[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("task: unknown type %q for %s", t.Type, t.ID)
	}
	runnable, err := factory(t.Config.Clone())
	if err != nil {
		return nil, fmt.Errorf("task: configure %s: %w", t.ID, err)
	}
	return runnable, nil
}

// Has reports whether typ is registered.
func (r *Registry) Has(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[strings.ToLower(strings.TrimSpace(typ))]
	return ok
}

// Types returns the registered task types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for typ := range r.factories {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// Validate checks that every runnable task in def has a registered type.
func (r *Registry) Validate(def flow.Flow) error {
	var missing []string
	var walk func([]flow.Task)
	walk = func(tasks []flow.Task) {
		for _, t := range tasks {
			if t.IsFlowable() {
				walk(t.Tasks)
				walk(t.Errors)
				continue
			}
			if !r.Has(t.Type) {
				missing = append(missing, fmt.Sprintf("%s (%s)", t.ID, t.Type))
			}
		}
	}
	walk(def.Tasks)
	walk(def.Errors)
	if len(missing) > 0 {
		return fmt.Errorf("task: unknown types: %s", strings.Join(missing, ", "))
	}
	return nil
}
