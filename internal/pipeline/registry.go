package pipeline

import (
	"context"
	"fmt"
	"sync"
)

// ToolHandler runs one named tool for the agentic loop. Arguments arrive as
// the raw JSON string produced by the model.
type ToolHandler func(ctx context.Context, arguments string) (string, error)

// ToolRegistry maps tool names to handlers. Populated at startup; lookups are
// by exact name, never by naming convention or reflection.
type ToolRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ToolHandler
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{handlers: make(map[string]ToolHandler)}
}

// Register adds a handler; registering a duplicate name is a programming
// error and panics at startup.
func (r *ToolRegistry) Register(name string, h ToolHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[name]; dup {
		panic(fmt.Sprintf("tool %q registered twice", name))
	}
	r.handlers[name] = h
}

// Execute runs the named tool, erroring on unknown names.
func (r *ToolRegistry) Execute(ctx context.Context, name, arguments string) (string, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	return h(ctx, arguments)
}

// Names lists registered tools.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
