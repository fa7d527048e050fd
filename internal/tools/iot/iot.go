// Package iot turns device-announced IoT descriptors into callable tools.
//
// Devices describe their onboard things (speaker, lamp, screen) in an `iot`
// descriptors message and keep the gateway updated with `iot` states
// messages. Each described method becomes a command tool that sends an IoT
// command frame back to the device; each thing additionally gets a status
// tool that answers from the last reported states.
package iot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode"

	"github.com/MrWong99/auricle/internal/tools"
	"github.com/MrWong99/auricle/pkg/types"
)

// SendFunc transmits one IoT command message to the device.
type SendFunc func(ctx context.Context, command json.RawMessage) error

// descriptor is one thing in a descriptors message.
type descriptor struct {
	Name        string                `json:"name"`
	Description string                `json:"description"`
	Properties  map[string]property   `json:"properties"`
	Methods     map[string]methodSpec `json:"methods"`
}

type property struct {
	Description string `json:"description"`
	Type        string `json:"type"`
}

type methodSpec struct {
	Description string              `json:"description"`
	Parameters  map[string]property `json:"parameters"`
}

// command is the outbound invocation shape.
type command struct {
	Name       string         `json:"name"`
	Method     string         `json:"method"`
	Parameters map[string]any `json:"parameters"`
}

// Controller is the IoT tool backend for one connection. It implements
// [tools.Source] and is safe for concurrent use.
type Controller struct {
	send SendFunc
	log  *slog.Logger

	mu     sync.RWMutex
	defs   []types.ToolDefinition
	byName map[string]boundTool
	states map[string]json.RawMessage
}

// boundTool links a generated tool name back to its thing and method.
// method is empty for status tools.
type boundTool struct {
	thing  string
	method string
}

var _ tools.Source = (*Controller)(nil)

// NewController creates a Controller that sends commands via send.
func NewController(send SendFunc, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		send:   send,
		log:    logger.With("component", "iot"),
		byName: make(map[string]boundTool),
		states: make(map[string]json.RawMessage),
	}
}

// HandleDescriptors registers the things described in an `iot` descriptors
// payload. Re-announcing a thing replaces its tools.
func (c *Controller) HandleDescriptors(raw json.RawMessage) error {
	var descs []descriptor
	if err := json.Unmarshal(raw, &descs); err != nil {
		return fmt.Errorf("iot: decode descriptors: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range descs {
		if d.Name == "" {
			continue
		}
		c.removeThingLocked(d.Name)

		statusName := toolName("get", d.Name, "status")
		c.addLocked(statusName, boundTool{thing: d.Name}, types.ToolDefinition{
			Name:        statusName,
			Description: fmt.Sprintf("Get the current state of %s. %s", d.Name, d.Description),
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		})

		for method, spec := range d.Methods {
			name := toolName("", d.Name, method)
			props := make(map[string]any, len(spec.Parameters))
			var required []string
			for pname, p := range spec.Parameters {
				props[pname] = map[string]any{"type": jsonType(p.Type), "description": p.Description}
				required = append(required, pname)
			}
			params := map[string]any{"type": "object", "properties": props}
			if len(required) > 0 {
				params["required"] = required
			}
			c.addLocked(name, boundTool{thing: d.Name, method: method}, types.ToolDefinition{
				Name:        name,
				Description: fmt.Sprintf("%s (%s)", spec.Description, d.Name),
				Parameters:  params,
			})
		}
		c.log.Info("iot thing registered", "thing", d.Name, "methods", len(d.Methods))
	}
	return nil
}

// HandleStates merges an `iot` states payload into the last-known state map.
// The payload is a list of `{name, state}` objects.
func (c *Controller) HandleStates(raw json.RawMessage) error {
	var states []struct {
		Name  string          `json:"name"`
		State json.RawMessage `json:"state"`
	}
	if err := json.Unmarshal(raw, &states); err != nil {
		return fmt.Errorf("iot: decode states: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range states {
		if s.Name != "" {
			c.states[s.Name] = s.State
		}
	}
	return nil
}

// Functions implements [tools.Source].
func (c *Controller) Functions() []types.ToolDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.ToolDefinition, len(c.defs))
	copy(out, c.defs)
	return out
}

// Has implements [tools.Source].
func (c *Controller) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byName[name]
	return ok
}

// Execute implements [tools.Source]. Status tools answer from the state map;
// method tools send a command frame to the device.
func (c *Controller) Execute(ctx context.Context, call types.ToolCall) types.ToolResult {
	c.mu.RLock()
	bound, ok := c.byName[call.Name]
	state := c.states[bound.thing]
	c.mu.RUnlock()
	if !ok {
		return types.ToolResult{Action: types.ActionNotFound, Response: "Unknown device tool."}
	}

	if bound.method == "" {
		if state == nil {
			return types.ToolResult{
				Action: types.ActionReqLLM,
				Result: fmt.Sprintf("%s has not reported any state yet.", bound.thing),
			}
		}
		return types.ToolResult{
			Action: types.ActionReqLLM,
			Result: fmt.Sprintf("Current state of %s: %s", bound.thing, state),
		}
	}

	args, err := tools.ParseArguments(call.Arguments)
	if err != nil {
		return types.ToolResult{Action: types.ActionError, Response: "The command arguments could not be parsed."}
	}

	payload, err := json.Marshal(map[string]any{
		"type":     "iot",
		"commands": []command{{Name: bound.thing, Method: bound.method, Parameters: args}},
	})
	if err != nil {
		return types.ToolResult{Action: types.ActionError, Response: "The command could not be encoded."}
	}
	if err := c.send(ctx, payload); err != nil {
		c.log.Warn("iot command send failed", "thing", bound.thing, "method", bound.method, "error", err)
		return types.ToolResult{Action: types.ActionError, Response: "The device did not accept the command."}
	}
	return types.ToolResult{
		Action: types.ActionReqLLM,
		Result: fmt.Sprintf("The command %s was sent to %s.", bound.method, bound.thing),
	}
}

// addLocked registers one tool. Must be called with c.mu held.
func (c *Controller) addLocked(name string, b boundTool, def types.ToolDefinition) {
	c.byName[name] = b
	c.defs = append(c.defs, def)
}

// removeThingLocked drops all tools belonging to a thing. Must be called with
// c.mu held.
func (c *Controller) removeThingLocked(thing string) {
	kept := c.defs[:0]
	for _, def := range c.defs {
		if c.byName[def.Name].thing == thing {
			delete(c.byName, def.Name)
			continue
		}
		kept = append(kept, def)
	}
	c.defs = kept
}

// toolName builds a snake_case tool name from its parts, converting CamelCase
// method names ("SetVolume" → "set_volume").
func toolName(prefix, thing, method string) string {
	parts := make([]string, 0, 3)
	if prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts, snake(thing), snake(method))
	return strings.Join(parts, "_")
}

// snake lowercases CamelCase with underscores at word boundaries.
func snake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) && i > 0 {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// jsonType maps descriptor property types onto JSON Schema types.
func jsonType(t string) string {
	switch strings.ToLower(t) {
	case "number", "integer", "int", "float":
		return "number"
	case "boolean", "bool":
		return "boolean"
	default:
		return "string"
	}
}
