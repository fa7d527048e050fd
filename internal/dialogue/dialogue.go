// Package dialogue provides the ordered message log owned by each gateway
// connection.
//
// A dialogue holds at most one system message, always in the first slot, and
// guarantees that a tool message directly follows the assistant message that
// requested it. The turn engine appends to it, memory saves read from it, and
// the prompt manager replaces the system slot atomically on reconfigure.
//
// All methods are safe for concurrent use.
package dialogue

import (
	"errors"
	"sync"

	"github.com/MrWong99/auricle/pkg/types"
)

// ErrToolWithoutCall is returned when a tool message is appended without a
// preceding assistant message carrying the matching tool call id.
var ErrToolWithoutCall = errors.New("dialogue: tool message without matching assistant tool call")

// trimThreshold is the message count above which old exchanges are dropped
// before an LLM call. Roughly bounds the prompt for long-lived connections.
const trimThreshold = 60

// Dialogue is the per-connection conversation history.
type Dialogue struct {
	mu       sync.Mutex
	system   *types.Message
	messages []types.Message
}

// New creates an empty dialogue. systemPrompt may be empty; it can be set
// later via SetSystem.
func New(systemPrompt string) *Dialogue {
	d := &Dialogue{}
	if systemPrompt != "" {
		d.system = &types.Message{Role: "system", Content: systemPrompt}
	}
	return d
}

// SetSystem atomically replaces the system prompt. An empty prompt removes
// the system slot entirely.
func (d *Dialogue) SetSystem(prompt string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if prompt == "" {
		d.system = nil
		return
	}
	d.system = &types.Message{Role: "system", Content: prompt}
}

// Put appends a non-system message. System messages must go through
// SetSystem; passing one here replaces the slot instead of appending, so the
// at-most-one invariant holds no matter which path callers take.
//
// A tool message is validated against the preceding assistant message: its
// ToolCallID must match one of the assistant's tool call ids.
func (d *Dialogue) Put(msg types.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if msg.Role == "system" {
		d.system = &msg
		return nil
	}
	if msg.Role == "tool" {
		if !d.lastAssistantRequested(msg.ToolCallID) {
			return ErrToolWithoutCall
		}
	}
	d.messages = append(d.messages, msg)
	return nil
}

// lastAssistantRequested reports whether the most recent message is an
// assistant message carrying a tool call with the given id. Must be called
// with d.mu held.
func (d *Dialogue) lastAssistantRequested(toolCallID string) bool {
	if len(d.messages) == 0 {
		return false
	}
	last := d.messages[len(d.messages)-1]
	if last.Role != "assistant" {
		return false
	}
	for _, tc := range last.ToolCalls {
		if tc.ID == toolCallID {
			return true
		}
	}
	return false
}

// Messages returns a copy of the full history with the system message first
// when present.
func (d *Dialogue) Messages() []types.Message {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]types.Message, 0, len(d.messages)+1)
	if d.system != nil {
		out = append(out, *d.system)
	}
	out = append(out, d.messages...)
	return out
}

// ForLLM returns the history prepared for a model call: system first, then
// the most recent messages, trimmed at an exchange boundary when the log has
// grown past the threshold. Trimming never splits an assistant tool call from
// its tool response.
func (d *Dialogue) ForLLM() []types.Message {
	d.mu.Lock()
	defer d.mu.Unlock()

	msgs := d.messages
	if len(msgs) > trimThreshold {
		start := len(msgs) - trimThreshold
		// Never begin the window on a tool response or mid-call.
		for start < len(msgs) && msgs[start].Role == "tool" {
			start++
		}
		msgs = msgs[start:]
	}

	out := make([]types.Message, 0, len(msgs)+1)
	if d.system != nil {
		out = append(out, *d.system)
	}
	out = append(out, msgs...)
	return out
}

// Len returns the number of messages including the system slot.
func (d *Dialogue) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.messages)
	if d.system != nil {
		n++
	}
	return n
}

// Last returns the most recent non-system message, or false when the
// dialogue is empty.
func (d *Dialogue) Last() (types.Message, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.messages) == 0 {
		return types.Message{}, false
	}
	return d.messages[len(d.messages)-1], true
}
