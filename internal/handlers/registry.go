package handlers

import (
	"sort"
	"sync"

	"github.com/rendis/runengine/pkg/schema"
)

// Registry is a thread-safe map from handler name to StepHandler.
// Names default to step names; asset sub-steps use "<step>/placements" and
// "<step>/item".
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]StepHandler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]StepHandler)}
}

// Register adds a handler. Returns a CONFLICT error on duplicate name.
func (r *Registry) Register(name string, h StepHandler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// Replace registers h under name, overwriting any previous handler.
func (r *Registry) Replace(name string, h StepHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Get retrieves a handler by name. A missing handler is a HANDLER_NOT_FOUND
// error, which the executor classifies as non-retryable.
func (r *Registry) Get(name string) (StepHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeHandlerNotFound, "handler %q not registered", name)
	}
	return h, nil
}

// Has checks if a handler is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Names returns the registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var _ Lookup = (*Registry)(nil)
