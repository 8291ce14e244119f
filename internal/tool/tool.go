package tool

import (
	"context"
	"fmt"
	"sync"

	"github.com/nidhogg/agent-mesh/internal/provider"
)

// Handler executes a tool call and returns the result as a string.
type Handler func(ctx context.Context, args string) (string, error)

// Registry holds available tools and their handlers. Agent nodes
// reference tools by name; the validator resolves those names here.
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]provider.Tool
	order    []string
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:     make(map[string]provider.Tool),
		handlers: make(map[string]Handler),
	}
}

// Register adds a tool definition and its handler.
func (r *Registry) Register(def provider.Tool, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := def.Function.Name
	if _, exists := r.defs[name]; !exists {
		r.order = append(r.order, name)
	}
	r.defs[name] = def
	r.handlers[name] = handler
}

// Lookup returns the handler for a tool name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// HasTool reports whether a tool name is registered. Satisfies the
// topology validator's ToolResolver.
func (r *Registry) HasTool(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Definitions returns the tool definitions for the given names, in
// registration order. Unknown names are skipped; the validator has
// already rejected topologies that reference them.
func (r *Registry) Definitions(names ...string) []provider.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []provider.Tool
	for _, name := range r.order {
		if want[name] {
			out = append(out, r.defs[name])
		}
	}
	return out
}

// Invoke runs a tool by name with the given JSON arguments.
func (r *Registry) Invoke(ctx context.Context, name, args string) (string, error) {
	h, ok := r.Lookup(name)
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return h(ctx, args)
}
