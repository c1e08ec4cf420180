// Package gateway exposes the ACP control plane as named methods. The
// registry is transport-agnostic: any frontend (CLI, RPC server, tests)
// dispatches by method name with a JSON-shaped parameter map.
package gateway

import (
	"context"
	"sort"
	"sync"

	"github.com/smallnest/acpgate/errors"
)

// MethodHandler handles one gateway method invocation.
type MethodHandler func(ctx context.Context, params map[string]any) (any, error)

// MethodRegistry is a name-to-handler dispatch table.
type MethodRegistry struct {
	mu       sync.RWMutex
	handlers map[string]MethodHandler
}

// NewMethodRegistry creates an empty registry.
func NewMethodRegistry() *MethodRegistry {
	return &MethodRegistry{
		handlers: make(map[string]MethodHandler),
	}
}

// Register adds a handler, replacing any previous one under the same name.
func (r *MethodRegistry) Register(method string, handler MethodHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = handler
}

// Dispatch invokes the handler for method.
func (r *MethodRegistry) Dispatch(ctx context.Context, method string, params map[string]any) (any, error) {
	r.mu.RLock()
	handler, exists := r.handlers[method]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.NotFound("gateway method '" + method + "'")
	}
	return handler(ctx, params)
}

// Methods lists registered method names, sorted.
func (r *MethodRegistry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methods := make([]string, 0, len(r.handlers))
	for method := range r.handlers {
		methods = append(methods, method)
	}
	sort.Strings(methods)
	return methods
}
