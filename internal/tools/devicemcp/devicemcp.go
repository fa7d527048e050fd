// Package devicemcp speaks the device-side MCP tool protocol: a JSON-RPC 2.0
// subset carried as `mcp` text frames on the gateway WebSocket channel.
//
// The device acts as the MCP server and the gateway as the client. Only the
// methods the devices implement are supported: initialize, the initialized
// notification, tools/list (with cursor paging) and tools/call. The official
// MCP SDK is not used here; its transports own their socket,
// while these frames share the single multiplexed device channel with audio
// and control traffic.
package devicemcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/auricle/internal/tools"
	"github.com/MrWong99/auricle/pkg/types"
)

// protocolVersion is the MCP revision the shipped firmwares implement.
const protocolVersion = "2024-11-05"

// callTimeout bounds a single device round trip. Device tools run on
// microcontrollers; anything slower than this is gone.
const callTimeout = 30 * time.Second

// SendFunc transmits one JSON-RPC payload to the device wrapped in an mcp
// frame. Implemented by the gateway connection.
type SendFunc func(ctx context.Context, payload json.RawMessage) error

// request is an outbound JSON-RPC request or notification (no ID).
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// response is an inbound JSON-RPC response.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("devicemcp: rpc error %d: %s", e.Code, e.Message)
}

// toolInfo is one entry of a tools/list result.
type toolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// callResult is the result shape of tools/call.
type callResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// Client manages the MCP session with one device. It implements
// [tools.Source] once Initialize has completed; before that it advertises no
// tools. Safe for concurrent use.
type Client struct {
	send SendFunc
	log  *slog.Logger

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan response
	defs    []types.ToolDefinition
	ready   bool
}

var _ tools.Source = (*Client)(nil)

// NewClient creates a Client that transmits via send.
func NewClient(send SendFunc, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		send:    send,
		log:     logger.With("component", "devicemcp"),
		pending: make(map[int64]chan response),
	}
}

// Initialize performs the session handshake and loads the device tool list:
// initialize, the initialized notification, then tools/list pages until the
// cursor runs out. Called detached after a hello with the mcp feature flag.
func (c *Client) Initialize(ctx context.Context) error {
	_, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "auricle", "version": "1.0"},
	})
	if err != nil {
		return fmt.Errorf("devicemcp: initialize: %w", err)
	}

	if err := c.notify(ctx, "notifications/initialized", nil); err != nil {
		return fmt.Errorf("devicemcp: initialized notification: %w", err)
	}

	var defs []types.ToolDefinition
	cursor := ""
	for {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		raw, err := c.call(ctx, "tools/list", params)
		if err != nil {
			return fmt.Errorf("devicemcp: tools/list: %w", err)
		}
		var page struct {
			Tools      []toolInfo `json:"tools"`
			NextCursor string     `json:"nextCursor"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return fmt.Errorf("devicemcp: decode tools/list result: %w", err)
		}
		for _, t := range page.Tools {
			defs = append(defs, types.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			})
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	c.mu.Lock()
	c.defs = defs
	c.ready = true
	c.mu.Unlock()
	c.log.Info("device mcp session ready", "tools", len(defs))
	return nil
}

// HandleMessage feeds an inbound mcp frame payload to the client. Unmatched
// responses and device-originated requests are logged and dropped.
func (c *Client) HandleMessage(data json.RawMessage) {
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil || resp.ID == nil {
		c.log.Debug("dropping unexpected mcp payload", "payload", string(data))
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[*resp.ID]
	if ok {
		delete(c.pending, *resp.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Debug("mcp response without pending request", "id", *resp.ID)
		return
	}
	ch <- resp
}

// Functions implements [tools.Source].
func (c *Client) Functions() []types.ToolDefinition {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		return nil
	}
	out := make([]types.ToolDefinition, len(c.defs))
	copy(out, c.defs)
	return out
}

// Has implements [tools.Source].
func (c *Client) Has(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.defs {
		if d.Name == name {
			return true
		}
	}
	return false
}

// Execute implements [tools.Source]: a tools/call round trip to the device.
func (c *Client) Execute(ctx context.Context, call types.ToolCall) types.ToolResult {
	args, err := tools.ParseArguments(call.Arguments)
	if err != nil {
		return types.ToolResult{Action: types.ActionError, Response: "The tool arguments could not be parsed."}
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	raw, err := c.call(ctx, "tools/call", map[string]any{
		"name":      call.Name,
		"arguments": args,
	})
	if err != nil {
		c.log.Warn("device tool call failed", "tool", call.Name, "error", err)
		return types.ToolResult{Action: types.ActionError, Response: "The device could not run that action."}
	}

	var res callResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return types.ToolResult{Action: types.ActionError, Response: "The device returned an unreadable result."}
	}

	var texts []string
	for _, part := range res.Content {
		if part.Type == "text" && part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	text := strings.Join(texts, "\n")

	if res.IsError {
		if text == "" {
			text = "The device reported an error."
		}
		return types.ToolResult{Action: types.ActionError, Response: text}
	}
	return types.ToolResult{Action: types.ActionReqLLM, Result: text}
}

// call sends a request and waits for the matching response.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	payload, err := json.Marshal(request{JSONRPC: "2.0", ID: &id, Method: method, Params: params})
	if err != nil {
		cleanup()
		return nil, err
	}
	if err := c.send(ctx, payload); err != nil {
		cleanup()
		return nil, err
	}

	select {
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

// notify sends a notification (no response expected).
func (c *Client) notify(ctx context.Context, method string, params any) error {
	payload, err := json.Marshal(request{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return err
	}
	return c.send(ctx, payload)
}
