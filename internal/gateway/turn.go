package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/auricle/internal/config"
	"github.com/MrWong99/auricle/pkg/provider/llm"
	"github.com/MrWong99/auricle/pkg/types"
)

const (
	// inlineToolMarker is emitted by models that were prompt-trained for tool
	// calling but lack native support. Only honored at the very start of the
	// assistant's output.
	inlineToolMarker = "<tool_call>"

	// maxToolDepth bounds tool-result recursion so a model that keeps asking
	// for tools cannot spin forever.
	maxToolDepth = 5

	memoryQueryLimit = 5

	llmApology = "Sorry, I'm having trouble thinking right now."
)

// chat runs one assistant turn: LLM streaming, sentence flushing, and the
// tool loop. toolCall marks a re-entry carrying a tool result; depth counts
// re-entries.
func (c *Connection) chat(ctx context.Context, query string, toolCall bool, depth int) {
	if depth > maxToolDepth {
		c.log.Warn("tool recursion limit reached")
		return
	}

	m := c.deps.Metrics
	if depth == 0 {
		if m != nil {
			m.ActiveTurns.Add(ctx, 1)
			start := time.Now()
			defer func() {
				m.ActiveTurns.Add(ctx, -1)
				m.TurnDuration.Record(ctx, time.Since(start).Seconds())
			}()
		}

		sid := uuid.NewString()
		c.turnMu.Lock()
		c.sentenceID = sid
		c.turnMu.Unlock()
		c.pushSpeech(ctx, types.SpeechMessage{SentenceID: sid, Type: types.SentenceFirst, Content: types.ContentAction})

		if !toolCall {
			if err := c.dialog.Put(types.Message{Role: "user", Content: query}); err != nil {
				c.log.Error("dialogue append failed", "error", err)
			}
		}
	}
	sid := c.currentSentenceID()

	defer func() {
		if depth == 0 && !c.aborted.Load() && ctx.Err() == nil {
			c.pushSpeech(ctx, types.SpeechMessage{SentenceID: sid, Type: types.SentenceLast, Content: types.ContentAction})
		}
	}()

	if c.deps.LLM == nil {
		c.pushSpeech(ctx, types.SpeechMessage{SentenceID: sid, Type: types.SentenceMiddle, Content: types.ContentText, Text: llmApology})
		return
	}

	// Memory retrieval overlaps with dialogue assembly.
	memCh := make(chan string, 1)
	go func() {
		memCh <- c.queryMemory(ctx, query)
	}()

	req := llm.CompletionRequest{Messages: c.dialog.ForLLM()}
	if mem := <-memCh; mem != "" {
		req.SystemPrompt = "Relevant things you remember about this user:\n" + mem
	}
	if fns := c.toolFunctions(); len(fns) > 0 {
		req.Tools = fns
	}

	llmStart := time.Now()
	ch, err := c.deps.LLM.StreamCompletion(ctx, req)
	if err != nil {
		if m != nil {
			m.RecordProviderError(ctx, "llm", "stream")
		}
		c.log.Error("completion stream failed", "error", err)
		c.pushSpeech(ctx, types.SpeechMessage{SentenceID: sid, Type: types.SentenceMiddle, Content: types.ContentText, Text: llmApology})
		return
	}
	if m != nil {
		m.RecordProviderRequest(ctx, "llm", "stream", "ok")
	}

	var (
		full        strings.Builder // everything the model said
		pending     strings.Builder // unflushed sentence fragment
		structured  types.ToolCall
		gotTool     bool
		inline      bool
		flushed     bool
		emotionSent bool
	)

	flushSentences := func(final bool) {
		for {
			idx := firstSentenceBoundary(pending.String())
			if idx < 0 {
				break
			}
			sentence := pending.String()[:idx+1]
			rest := strings.TrimLeft(pending.String()[idx+1:], " \t\n\r")
			pending.Reset()
			pending.WriteString(rest)
			flushed = true
			c.pushSpeech(ctx, types.SpeechMessage{SentenceID: sid, Type: types.SentenceMiddle, Content: types.ContentText, Text: sentence})
		}
		if final && strings.TrimSpace(pending.String()) != "" {
			flushed = true
			c.pushSpeech(ctx, types.SpeechMessage{SentenceID: sid, Type: types.SentenceMiddle, Content: types.ContentText, Text: pending.String()})
			pending.Reset()
		}
	}

consume:
	for chunk := range ch {
		if c.aborted.Load() || ctx.Err() != nil {
			go drainChunks(ch)
			break consume
		}

		if len(chunk.ToolCalls) > 0 {
			gotTool = true
			for _, tc := range chunk.ToolCalls {
				if tc.ID != "" {
					structured.ID = tc.ID
				}
				structured.Name += tc.Name
				structured.Arguments += tc.Arguments
			}
		}

		if chunk.Text != "" {
			full.WriteString(chunk.Text)
			s := full.String()
			if !inline && !flushed {
				if strings.HasPrefix(s, inlineToolMarker) {
					inline = true
				} else if strings.HasPrefix(inlineToolMarker, s) {
					// Could still grow into the marker; hold the text back.
					continue
				}
			}
			if !inline {
				if !emotionSent {
					emotionSent = true
					c.sendEmotion(ctx, s)
				}
				if flushed {
					pending.WriteString(chunk.Text)
				} else {
					// Re-sync with any chunks held back during marker sniffing.
					pending.Reset()
					pending.WriteString(s)
				}
				flushSentences(false)
			}
		}

		if chunk.FinishReason == "error" {
			if m != nil {
				m.RecordProviderError(ctx, "llm", "stream")
			}
			c.log.Error("completion stream errored mid-turn")
			break consume
		}
	}
	if m != nil {
		m.LLMDuration.Record(ctx, time.Since(llmStart).Seconds())
	}

	// An aborted or superseded turn emits nothing further: the abort handler
	// already sent the closing frame, and a barge-in's replacement turn owns
	// the queue from here on.
	if c.aborted.Load() || ctx.Err() != nil {
		return
	}

	content := full.String()

	// Structured calls win over the inline marker when both appear.
	if gotTool || inline {
		call := structured
		if !gotTool {
			parsed, err := parseInlineToolCall(content)
			if err != nil {
				c.log.Warn("inline tool call unparseable, treating as text", "error", err)
				pending.Reset()
				pending.WriteString(content)
				flushSentences(true)
				c.putAssistant(content)
				return
			}
			call = parsed
		}
		if call.ID == "" {
			call.ID = uuid.NewString()
		}
		c.runTool(ctx, sid, call, depth)
		return
	}

	flushSentences(true)
	if strings.TrimSpace(content) != "" {
		c.putAssistant(content)
	}
}

// runTool dispatches one tool call and feeds its result back per action.
func (c *Connection) runTool(ctx context.Context, sid string, call types.ToolCall, depth int) {
	m := c.deps.Metrics
	start := time.Now()
	res := c.tools.Execute(ctx, call)
	if m != nil {
		m.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds())
		status := "ok"
		if res.Action == types.ActionError || res.Action == types.ActionNotFound {
			status = "error"
		}
		m.RecordToolCall(ctx, call.Name, status)
	}
	c.log.Debug("tool executed", "tool", call.Name, "action", res.Action.String())

	switch res.Action {
	case types.ActionResponse:
		c.pushSpeech(ctx, types.SpeechMessage{SentenceID: sid, Type: types.SentenceMiddle, Content: types.ContentText, Text: res.Response})
		c.putAssistant(res.Response)
	case types.ActionReqLLM:
		if err := c.dialog.Put(types.Message{Role: "assistant", ToolCalls: []types.ToolCall{call}}); err != nil {
			c.log.Error("dialogue append failed", "error", err)
			return
		}
		if err := c.dialog.Put(types.Message{Role: "tool", Content: res.Result, ToolCallID: call.ID}); err != nil {
			c.log.Error("dialogue append failed", "error", err)
			return
		}
		c.chat(ctx, res.Result, true, depth+1)
	case types.ActionError, types.ActionNotFound:
		c.pushSpeech(ctx, types.SpeechMessage{SentenceID: sid, Type: types.SentenceMiddle, Content: types.ContentText, Text: res.Response})
		c.putAssistant(res.Response)
	case types.ActionNone:
		// Intentionally silent.
	}
}

func (c *Connection) putAssistant(content string) {
	if err := c.dialog.Put(types.Message{Role: "assistant", Content: content}); err != nil {
		c.log.Error("dialogue append failed", "error", err)
	}
}

func (c *Connection) currentSentenceID() string {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	return c.sentenceID
}

func (c *Connection) queryMemory(ctx context.Context, query string) string {
	if c.deps.Memory == nil {
		return ""
	}
	mem, err := c.deps.Memory.Query(ctx, c.meta.deviceID, query, memoryQueryLimit)
	if err != nil {
		c.log.Debug("memory query failed", "error", err)
		return ""
	}
	return mem
}

// toolFunctions returns tool definitions only when the configured intent mode
// wants native function calling. Unbound devices get no tools until the
// manager binds them.
func (c *Connection) toolFunctions() []types.ToolDefinition {
	if !c.meta.verdict.Bound {
		return nil
	}
	cfg := c.config()
	if cfg == nil || cfg.SelectedModule.Intent != config.IntentFunctionCall {
		return nil
	}
	return c.tools.Functions()
}

// parseInlineToolCall extracts the first JSON object from the inline marker
// payload and normalizes it into a ToolCall.
func parseInlineToolCall(content string) (types.ToolCall, error) {
	obj, err := firstJSONObject(content)
	if err != nil {
		return types.ToolCall{}, err
	}
	var spec struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(obj), &spec); err != nil {
		return types.ToolCall{}, fmt.Errorf("gateway: decode inline tool call: %w", err)
	}
	if spec.Name == "" {
		return types.ToolCall{}, fmt.Errorf("gateway: inline tool call without name")
	}
	args := "{}"
	if len(spec.Arguments) > 0 {
		args = string(spec.Arguments)
	}
	return types.ToolCall{ID: uuid.NewString(), Name: spec.Name, Arguments: args}, nil
}

// firstJSONObject returns the first balanced {...} group in s, respecting
// string literals and escapes.
func firstJSONObject(s string) (string, error) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", fmt.Errorf("gateway: no JSON object in tool call content")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("gateway: unterminated JSON object in tool call content")
}

// firstSentenceBoundary returns the index of the first '.', '!', or '?' that
// is immediately followed by whitespace, or -1.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}

// drainChunks discards the remainder of an abandoned stream so the provider's
// sender goroutine can finish.
func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}
