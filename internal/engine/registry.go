package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/connector"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/models"
)

// HandlerRequest is passed to a Handler for one execution or rollback.
type HandlerRequest struct {
	Finding    models.Finding
	Action     models.RemediationAction
	Parameters map[string]any
	Connector  connector.Connector
	// DryRun handlers must report intended changes without applying them.
	DryRun bool
	// Changes holds the recorded changes of the attempt being rolled back.
	Changes *models.ChangeSet
}

// HandlerResult is what a Handler reports back.
type HandlerResult struct {
	Success bool
	Output  string
	Error   string
	Changes *models.ChangeSet
}

// Handler performs one named remediation action. Long-running handlers must
// return promptly once ctx is done.
type Handler interface {
	Execute(ctx context.Context, req HandlerRequest) (*HandlerResult, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req HandlerRequest) (*HandlerResult, error)

// Execute calls f(ctx, req).
func (f HandlerFunc) Execute(ctx context.Context, req HandlerRequest) (*HandlerResult, error) {
	return f(ctx, req)
}

// Registry maps action names to handlers. It is populated at startup by the
// host application and is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler under name. Empty names, nil handlers and
// duplicate names are rejected.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("engine: handler name is required")
	}
	if h == nil {
		return fmt.Errorf("engine: handler %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("engine: handler %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(name string, h Handler) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns all registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
