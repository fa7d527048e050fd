package tools

import (
	"context"
	"sync"

	"github.com/MrWong99/auricle/pkg/types"
)

// Handler executes one in-process plugin function. args is the decoded
// argument object; handlers never see raw JSON.
type Handler func(ctx context.Context, args map[string]any) types.ToolResult

// Function pairs an LLM-facing definition with its handler.
type Function struct {
	Definition types.ToolDefinition
	Handler    Handler
}

// Registry is the in-process plugin function backend. It implements [Source].
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Function
	order []string
}

var _ Source = (*Registry)(nil)

// NewRegistry creates an empty function registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Function)}
}

// Register adds or replaces a function under its definition name.
func (r *Registry) Register(f Function) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := f.Definition.Name
	if _, exists := r.funcs[name]; !exists {
		r.order = append(r.order, name)
	}
	r.funcs[name] = f
}

// Functions returns the definitions in registration order.
func (r *Registry) Functions() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]types.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.funcs[name].Definition)
	}
	return defs
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.funcs[name]
	return ok
}

// Execute runs the named function. Argument parse failures yield ERROR; the
// dispatcher validates object shape, but handlers still get a decoded map.
func (r *Registry) Execute(ctx context.Context, call types.ToolCall) types.ToolResult {
	r.mu.RLock()
	f, ok := r.funcs[call.Name]
	r.mu.RUnlock()
	if !ok {
		return types.ToolResult{Action: types.ActionNotFound, Response: "Unknown function."}
	}

	args, err := ParseArguments(call.Arguments)
	if err != nil {
		return types.ToolResult{Action: types.ActionError, Response: "The function arguments could not be parsed."}
	}
	return f.Handler(ctx, args)
}
