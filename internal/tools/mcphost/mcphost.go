// Package mcphost connects the gateway to the external MCP endpoint named by
// mcp_endpoint in the configuration.
//
// Unlike the device-side tool protocol, this endpoint is a standalone MCP
// server reached over streamable HTTP, so the official MCP Go SDK drives the
// session. The discovered tools are exposed through [tools.Source] and share
// the dispatcher with plugin functions and device tools.
package mcphost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/auricle/internal/tools"
	"github.com/MrWong99/auricle/pkg/types"
)

// Host is the client for one external MCP endpoint. It implements
// [tools.Source]; before Connect succeeds it advertises no tools, so wiring
// it into the dispatcher unconditionally is safe.
type Host struct {
	client *mcpsdk.Client
	log    *slog.Logger

	mu      sync.RWMutex
	session *mcpsdk.ClientSession
	defs    []types.ToolDefinition
}

var _ tools.Source = (*Host)(nil)

// New creates a disconnected Host.
func New(logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		client: mcpsdk.NewClient(&mcpsdk.Implementation{Name: "auricle", Version: "1.0.0"}, nil),
		log:    logger.With("component", "mcphost"),
	}
}

// Connect establishes the session and imports the endpoint's tool catalogue.
// ws/wss endpoint URLs are normalized to their HTTP equivalents, matching the
// forms accepted by the configuration. Reconnecting replaces the previous
// session.
func (h *Host) Connect(ctx context.Context, endpoint string) error {
	normalized, err := normalizeEndpoint(endpoint)
	if err != nil {
		return err
	}

	session, err := h.client.Connect(ctx, &mcpsdk.StreamableClientTransport{Endpoint: normalized}, nil)
	if err != nil {
		return fmt.Errorf("mcphost: connect %q: %w", endpoint, err)
	}

	var defs []types.ToolDefinition
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcphost: list tools: %w", err)
		}
		defs = append(defs, types.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schemaToMap(tool.InputSchema),
		})
	}

	h.mu.Lock()
	old := h.session
	h.session = session
	h.defs = defs
	h.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	h.log.Info("mcp endpoint connected", "endpoint", normalized, "tools", len(defs))
	return nil
}

// Close shuts the session down. Safe to call more than once.
func (h *Host) Close() error {
	h.mu.Lock()
	session := h.session
	h.session = nil
	h.defs = nil
	h.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Close()
}

// Functions implements [tools.Source].
func (h *Host) Functions() []types.ToolDefinition {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]types.ToolDefinition, len(h.defs))
	copy(out, h.defs)
	return out
}

// Has implements [tools.Source].
func (h *Host) Has(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, d := range h.defs {
		if d.Name == name {
			return true
		}
	}
	return false
}

// Execute implements [tools.Source]: one CallTool round trip.
func (h *Host) Execute(ctx context.Context, call types.ToolCall) types.ToolResult {
	h.mu.RLock()
	session := h.session
	h.mu.RUnlock()
	if session == nil {
		return types.ToolResult{Action: types.ActionError, Response: "The tool service is not connected."}
	}

	args, err := tools.ParseArguments(call.Arguments)
	if err != nil {
		return types.ToolResult{Action: types.ActionError, Response: "The tool arguments could not be parsed."}
	}

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: call.Name, Arguments: args})
	if err != nil {
		h.log.Warn("mcp tool call failed", "tool", call.Name, "error", err)
		return types.ToolResult{Action: types.ActionError, Response: "The tool call failed."}
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	text := sb.String()

	if result.IsError {
		if text == "" {
			text = "The tool reported an error."
		}
		return types.ToolResult{Action: types.ActionError, Response: text}
	}
	return types.ToolResult{Action: types.ActionReqLLM, Result: text}
}

// normalizeEndpoint maps ws/wss schemes onto http/https for the streamable
// transport.
func normalizeEndpoint(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("mcphost: parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("mcphost: unsupported endpoint scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// schemaToMap converts the SDK's schema value into the plain map the LLM
// providers expect.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
