package iot_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/auricle/internal/tools/iot"
	"github.com/MrWong99/auricle/pkg/types"
)

const speakerDescriptors = `[{
	"name": "Speaker",
	"description": "The main loudspeaker.",
	"properties": {"volume": {"description": "Current volume.", "type": "number"}},
	"methods": {
		"SetVolume": {
			"description": "Set the speaker volume.",
			"parameters": {"volume": {"description": "Volume 0-100.", "type": "number"}}
		}
	}
}]`

type sentCommands struct {
	mu       sync.Mutex
	payloads []json.RawMessage
	err      error
}

func (s *sentCommands) send(ctx context.Context, cmd json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.payloads = append(s.payloads, cmd)
	return nil
}

func TestHandleDescriptors_RegistersTools(t *testing.T) {
	t.Parallel()
	c := iot.NewController((&sentCommands{}).send, nil)

	if err := c.HandleDescriptors(json.RawMessage(speakerDescriptors)); err != nil {
		t.Fatalf("HandleDescriptors() error: %v", err)
	}

	defs := c.Functions()
	if len(defs) != 2 {
		t.Fatalf("Functions() length = %d, want status + method tool", len(defs))
	}
	if !c.Has("get_speaker_status") || !c.Has("speaker_set_volume") {
		t.Errorf("tool names missing; got %+v", defs)
	}
}

func TestHandleDescriptors_ReannounceReplaces(t *testing.T) {
	t.Parallel()
	c := iot.NewController((&sentCommands{}).send, nil)

	if err := c.HandleDescriptors(json.RawMessage(speakerDescriptors)); err != nil {
		t.Fatalf("HandleDescriptors() error: %v", err)
	}
	if err := c.HandleDescriptors(json.RawMessage(speakerDescriptors)); err != nil {
		t.Fatalf("HandleDescriptors() error: %v", err)
	}

	if got := len(c.Functions()); got != 2 {
		t.Errorf("Functions() length = %d after re-announce, want 2", got)
	}
}

func TestExecute_MethodSendsCommand(t *testing.T) {
	t.Parallel()
	sent := &sentCommands{}
	c := iot.NewController(sent.send, nil)
	if err := c.HandleDescriptors(json.RawMessage(speakerDescriptors)); err != nil {
		t.Fatalf("HandleDescriptors() error: %v", err)
	}

	res := c.Execute(context.Background(), types.ToolCall{
		Name: "speaker_set_volume", Arguments: `{"volume": 60}`,
	})
	if res.Action != types.ActionReqLLM {
		t.Errorf("Action = %v, want REQLLM", res.Action)
	}

	sent.mu.Lock()
	defer sent.mu.Unlock()
	if len(sent.payloads) != 1 {
		t.Fatalf("device received %d commands, want 1", len(sent.payloads))
	}
	var frame struct {
		Type     string `json:"type"`
		Commands []struct {
			Name       string         `json:"name"`
			Method     string         `json:"method"`
			Parameters map[string]any `json:"parameters"`
		} `json:"commands"`
	}
	if err := json.Unmarshal(sent.payloads[0], &frame); err != nil {
		t.Fatalf("decode command frame: %v", err)
	}
	if frame.Type != "iot" || len(frame.Commands) != 1 {
		t.Fatalf("frame = %+v", frame)
	}
	cmd := frame.Commands[0]
	if cmd.Name != "Speaker" || cmd.Method != "SetVolume" {
		t.Errorf("command = %+v, want Speaker.SetVolume", cmd)
	}
	if cmd.Parameters["volume"] != float64(60) {
		t.Errorf("parameters = %v", cmd.Parameters)
	}
}

func TestExecute_SendFailureIsError(t *testing.T) {
	t.Parallel()
	sent := &sentCommands{err: errors.New("connection closed")}
	c := iot.NewController(sent.send, nil)
	if err := c.HandleDescriptors(json.RawMessage(speakerDescriptors)); err != nil {
		t.Fatalf("HandleDescriptors() error: %v", err)
	}

	res := c.Execute(context.Background(), types.ToolCall{Name: "speaker_set_volume", Arguments: `{"volume": 1}`})
	if res.Action != types.ActionError {
		t.Errorf("Action = %v, want ERROR when the send fails", res.Action)
	}
}

func TestExecute_StatusAnswersFromStates(t *testing.T) {
	t.Parallel()
	c := iot.NewController((&sentCommands{}).send, nil)
	if err := c.HandleDescriptors(json.RawMessage(speakerDescriptors)); err != nil {
		t.Fatalf("HandleDescriptors() error: %v", err)
	}

	res := c.Execute(context.Background(), types.ToolCall{Name: "get_speaker_status"})
	if res.Action != types.ActionReqLLM || !strings.Contains(res.Result, "not reported") {
		t.Errorf("before states: result = %+v", res)
	}

	if err := c.HandleStates(json.RawMessage(`[{"name":"Speaker","state":{"volume":45}}]`)); err != nil {
		t.Fatalf("HandleStates() error: %v", err)
	}

	res = c.Execute(context.Background(), types.ToolCall{Name: "get_speaker_status"})
	if !strings.Contains(res.Result, `"volume":45`) {
		t.Errorf("Result = %q, want the reported state", res.Result)
	}
}

func TestHandleStates_Malformed(t *testing.T) {
	t.Parallel()
	c := iot.NewController((&sentCommands{}).send, nil)
	if err := c.HandleStates(json.RawMessage(`{"not":"a list"}`)); err == nil {
		t.Error("HandleStates should reject a non-list payload")
	}
	if err := c.HandleDescriptors(json.RawMessage(`42`)); err == nil {
		t.Error("HandleDescriptors should reject a non-list payload")
	}
}
