package tools_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/auricle/internal/tools"
	"github.com/MrWong99/auricle/pkg/types"
)

func echoFunction(name string) tools.Function {
	return tools.Function{
		Definition: types.ToolDefinition{Name: name, Description: "echo"},
		Handler: func(ctx context.Context, args map[string]any) types.ToolResult {
			text, _ := args["text"].(string)
			return types.ToolResult{Action: types.ActionReqLLM, Result: text}
		},
	}
}

func TestDispatcher_RoutesToRegisteredFunction(t *testing.T) {
	t.Parallel()
	reg := tools.NewRegistry()
	reg.Register(echoFunction("echo"))
	d := tools.NewDispatcher(nil, reg)

	res := d.Execute(context.Background(), types.ToolCall{
		ID: "call-1", Name: "echo", Arguments: `{"text":"hi"}`,
	})
	if res.Action != types.ActionReqLLM {
		t.Errorf("Action = %v, want REQLLM", res.Action)
	}
	if res.Result != "hi" {
		t.Errorf("Result = %q, want %q", res.Result, "hi")
	}
}

func TestDispatcher_UnknownToolIsNotFound(t *testing.T) {
	t.Parallel()
	d := tools.NewDispatcher(nil, tools.NewRegistry())

	res := d.Execute(context.Background(), types.ToolCall{Name: "nope", Arguments: "{}"})
	if res.Action != types.ActionNotFound {
		t.Errorf("Action = %v, want NOTFOUND", res.Action)
	}
	if res.Response == "" {
		t.Error("NOTFOUND result should carry a speakable response")
	}
}

func TestDispatcher_MalformedArgumentsIsError(t *testing.T) {
	t.Parallel()
	reg := tools.NewRegistry()
	reg.Register(echoFunction("echo"))
	d := tools.NewDispatcher(nil, reg)

	tests := []string{`[1,2]`, `"str"`, `{"unterminated`}
	for _, args := range tests {
		res := d.Execute(context.Background(), types.ToolCall{Name: "echo", Arguments: args})
		if res.Action != types.ActionError {
			t.Errorf("Execute(args=%q).Action = %v, want ERROR", args, res.Action)
		}
	}
}

func TestDispatcher_EmptyArgumentsAllowed(t *testing.T) {
	t.Parallel()
	reg := tools.NewRegistry()
	reg.Register(echoFunction("echo"))
	d := tools.NewDispatcher(nil, reg)

	res := d.Execute(context.Background(), types.ToolCall{Name: "echo"})
	if res.Action != types.ActionReqLLM {
		t.Errorf("Action = %v, want REQLLM for empty arguments", res.Action)
	}
}

func TestDispatcher_CancelledCallNeverReentersLLM(t *testing.T) {
	t.Parallel()
	reg := tools.NewRegistry()
	reg.Register(tools.Function{
		Definition: types.ToolDefinition{Name: "slow"},
		Handler: func(ctx context.Context, args map[string]any) types.ToolResult {
			<-ctx.Done()
			return types.ToolResult{Action: types.ActionReqLLM, Result: "late data"}
		},
	})
	d := tools.NewDispatcher(nil, reg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := d.Execute(ctx, types.ToolCall{Name: "slow", Arguments: "{}"})
	if res.Action != types.ActionError {
		t.Errorf("Action = %v, want ERROR after cancellation", res.Action)
	}
}

func TestDispatcher_FirstSourceWinsDuplicates(t *testing.T) {
	t.Parallel()
	first := tools.NewRegistry()
	first.Register(tools.Function{
		Definition: types.ToolDefinition{Name: "dup", Description: "first"},
		Handler: func(ctx context.Context, args map[string]any) types.ToolResult {
			return types.ToolResult{Action: types.ActionResponse, Response: "first"}
		},
	})
	second := tools.NewRegistry()
	second.Register(tools.Function{
		Definition: types.ToolDefinition{Name: "dup", Description: "second"},
		Handler: func(ctx context.Context, args map[string]any) types.ToolResult {
			return types.ToolResult{Action: types.ActionResponse, Response: "second"}
		},
	})
	d := tools.NewDispatcher(nil, first, second)

	defs := d.Functions()
	if len(defs) != 1 || defs[0].Description != "first" {
		t.Errorf("Functions() = %+v, want single definition from the first source", defs)
	}
	if res := d.Execute(context.Background(), types.ToolCall{Name: "dup"}); res.Response != "first" {
		t.Errorf("Response = %q, want %q", res.Response, "first")
	}
}

func TestDispatcher_AddSource(t *testing.T) {
	t.Parallel()
	d := tools.NewDispatcher(nil)
	if got := len(d.Functions()); got != 0 {
		t.Fatalf("Functions() length = %d, want 0 before AddSource", got)
	}

	reg := tools.NewRegistry()
	reg.Register(echoFunction("echo"))
	d.AddSource(reg)

	if got := len(d.Functions()); got != 1 {
		t.Errorf("Functions() length = %d, want 1 after AddSource", got)
	}
}

func TestExitFunction(t *testing.T) {
	t.Parallel()
	exited := false
	f := tools.ExitFunction(func() { exited = true })

	res := f.Handler(context.Background(), map[string]any{"say_goodbye": "See you!"})
	if !exited {
		t.Error("exit callback was not invoked")
	}
	if res.Action != types.ActionResponse || res.Response != "See you!" {
		t.Errorf("result = %+v, want RESPONSE with the farewell", res)
	}

	res = f.Handler(context.Background(), map[string]any{})
	if res.Response == "" {
		t.Error("empty say_goodbye should fall back to a default farewell")
	}
}

func TestTimeFunction(t *testing.T) {
	t.Parallel()
	fixed := time.Date(2026, time.March, 4, 15, 4, 0, 0, time.UTC)
	f := tools.TimeFunction(func() time.Time { return fixed })

	res := f.Handler(context.Background(), map[string]any{})
	if res.Action != types.ActionReqLLM {
		t.Errorf("Action = %v, want REQLLM", res.Action)
	}
	if !strings.Contains(res.Result, "15:04") || !strings.Contains(res.Result, "Wednesday") {
		t.Errorf("Result = %q, want time and weekday", res.Result)
	}
}

func TestWeatherFunction(t *testing.T) {
	t.Parallel()
	f := tools.WeatherFunction()

	res := f.Handler(context.Background(), map[string]any{"location": "Berlin"})
	if res.Action != types.ActionReqLLM {
		t.Errorf("Action = %v, want REQLLM", res.Action)
	}
	if !strings.Contains(res.Result, "Berlin") {
		t.Errorf("Result = %q, want the location echoed", res.Result)
	}

	again := f.Handler(context.Background(), map[string]any{"location": "Berlin"})
	if res.Result != again.Result {
		t.Error("demo weather should be deterministic per location")
	}

	if res := f.Handler(context.Background(), map[string]any{}); res.Action != types.ActionError {
		t.Errorf("missing location: Action = %v, want ERROR", res.Action)
	}
}

func TestServerControlFunction(t *testing.T) {
	t.Parallel()
	restarted := false
	f := tools.ServerControlFunction("s3cret", func() { restarted = true })

	res := f.Handler(context.Background(), map[string]any{"action": "restart", "secret": "wrong"})
	if res.Action != types.ActionError || restarted {
		t.Errorf("wrong secret: result = %+v, restarted = %v", res, restarted)
	}

	res = f.Handler(context.Background(), map[string]any{"action": "restart", "secret": "s3cret"})
	if res.Action != types.ActionResponse || !restarted {
		t.Errorf("correct secret: result = %+v, restarted = %v", res, restarted)
	}

	noSecret := tools.ServerControlFunction("", nil)
	if res := noSecret.Handler(context.Background(), map[string]any{"action": "restart", "secret": ""}); res.Action != types.ActionError {
		t.Error("empty configured secret must always reject")
	}
}
