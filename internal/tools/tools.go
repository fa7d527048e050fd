// Package tools implements the unified tool dispatcher the turn engine calls
// into.
//
// Three backends hide behind one interface: in-process plugin functions
// (seeded by the server), device-side MCP tools invoked over the WebSocket
// channel, and IoT command descriptors announced by the device. The
// dispatcher selects the backend by tool name and normalizes every outcome
// into a [types.ToolResult] so the turn loop never sees a raw error.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/auricle/pkg/types"
)

// Source is one tool backend. Implementations must be safe for concurrent
// use; the dispatcher may be queried while a reload swaps sources.
type Source interface {
	// Functions lists the tool definitions this source currently offers.
	Functions() []types.ToolDefinition

	// Has reports whether the source owns the named tool.
	Has(name string) bool

	// Execute runs the named tool. It is only called when Has returned true.
	Execute(ctx context.Context, call types.ToolCall) types.ToolResult
}

// Dispatcher fans tool calls out to an ordered list of sources. Earlier
// sources win name conflicts.
type Dispatcher struct {
	mu      sync.RWMutex
	sources []Source
	log     *slog.Logger
}

// NewDispatcher creates a Dispatcher over the given sources. Nil sources are
// skipped so callers can pass optional backends unconditionally.
func NewDispatcher(logger *slog.Logger, sources ...Source) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{log: logger.With("component", "tools")}
	for _, s := range sources {
		if s != nil {
			d.sources = append(d.sources, s)
		}
	}
	return d
}

// AddSource appends a backend at runtime. Device MCP tools arrive after the
// hello exchange, well after the dispatcher is built.
func (d *Dispatcher) AddSource(s Source) {
	if s == nil {
		return
	}
	d.mu.Lock()
	d.sources = append(d.sources, s)
	d.mu.Unlock()
}

// Functions returns the merged tool definitions across all sources, first
// registration winning duplicate names.
func (d *Dispatcher) Functions() []types.ToolDefinition {
	d.mu.RLock()
	defer d.mu.RUnlock()

	seen := make(map[string]struct{})
	var defs []types.ToolDefinition
	for _, s := range d.sources {
		for _, def := range s.Functions() {
			if _, dup := seen[def.Name]; dup {
				continue
			}
			seen[def.Name] = struct{}{}
			defs = append(defs, def)
		}
	}
	return defs
}

// Execute dispatches one tool call. Malformed arguments yield ERROR, an
// unknown name yields NOTFOUND, and context cancellation during execution is
// reported as ERROR rather than propagated, so the turn loop always gets a
// speakable result.
func (d *Dispatcher) Execute(ctx context.Context, call types.ToolCall) types.ToolResult {
	if !validArguments(call.Arguments) {
		d.log.Warn("tool call with malformed arguments", "tool", call.Name)
		return types.ToolResult{
			Action:   types.ActionError,
			Response: fmt.Sprintf("The arguments for %s could not be understood.", call.Name),
		}
	}

	d.mu.RLock()
	sources := d.sources
	d.mu.RUnlock()

	for _, s := range sources {
		if !s.Has(call.Name) {
			continue
		}
		res := s.Execute(ctx, call)
		if err := ctx.Err(); err != nil && res.Action == types.ActionReqLLM {
			// A cancelled turn must not re-enter the LLM.
			d.log.Debug("tool call cancelled", "tool", call.Name)
			return types.ToolResult{Action: types.ActionError, Response: "The request was interrupted."}
		}
		return res
	}

	d.log.Warn("tool not found", "tool", call.Name)
	return types.ToolResult{
		Action:   types.ActionNotFound,
		Response: fmt.Sprintf("I don't have a tool called %s.", call.Name),
	}
}

// validArguments reports whether args is an empty string (no arguments) or a
// JSON object.
func validArguments(args string) bool {
	if args == "" {
		return true
	}
	var obj map[string]any
	return json.Unmarshal([]byte(args), &obj) == nil
}

// ParseArguments decodes a tool call's argument string into a map. An empty
// string decodes to an empty map. Backends share this so "no arguments" and
// "{}" behave identically.
func ParseArguments(args string) (map[string]any, error) {
	if args == "" {
		return map[string]any{}, nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(args), &obj); err != nil {
		return nil, fmt.Errorf("tools: parse arguments: %w", err)
	}
	return obj, nil
}
