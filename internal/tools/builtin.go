package tools

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/MrWong99/auricle/pkg/types"
)

// ExitFunction builds the exit/handover intent function. The LLM calls it
// when the user says goodbye mid-sentence rather than via a bare exit
// command. onExit marks the connection for chat-and-close; the spoken
// farewell comes from the tool response.
func ExitFunction(onExit func()) Function {
	return Function{
		Definition: types.ToolDefinition{
			Name:        "handle_exit_intent",
			Description: "End the conversation when the user says goodbye or asks to stop talking.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"say_goodbye": map[string]any{
						"type":        "string",
						"description": "The farewell sentence to speak before closing.",
					},
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) types.ToolResult {
			if onExit != nil {
				onExit()
			}
			goodbye, _ := args["say_goodbye"].(string)
			if goodbye == "" {
				goodbye = "Goodbye!"
			}
			return types.ToolResult{Action: types.ActionResponse, Response: goodbye}
		},
	}
}

// TimeFunction builds the current-time function.
func TimeFunction(now func() time.Time) Function {
	if now == nil {
		now = time.Now
	}
	return Function{
		Definition: types.ToolDefinition{
			Name:        "get_current_time",
			Description: "Get the current date and time.",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		},
		Handler: func(ctx context.Context, args map[string]any) types.ToolResult {
			t := now()
			return types.ToolResult{
				Action: types.ActionReqLLM,
				Result: fmt.Sprintf("It is %s on %s, %s.", t.Format("15:04"), t.Weekday(), t.Format("January 2, 2006")),
			}
		},
	}
}

// WeatherFunction builds the demo weather function. Without a weather backend
// configured it answers from a deterministic canned table so the tool loop
// can be exercised end to end.
func WeatherFunction() Function {
	conditions := []string{"sunny", "partly cloudy", "overcast", "light rain", "windy"}
	return Function{
		Definition: types.ToolDefinition{
			Name:        "get_weather",
			Description: "Get the current weather for a location.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"location": map[string]any{
						"type":        "string",
						"description": "City name, e.g. Berlin.",
					},
				},
				"required": []string{"location"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) types.ToolResult {
			location, _ := args["location"].(string)
			if location == "" {
				return types.ToolResult{Action: types.ActionError, Response: "I need a location to look up the weather."}
			}
			h := fnv.New32a()
			h.Write([]byte(location))
			cond := conditions[h.Sum32()%uint32(len(conditions))]
			temp := 8 + int(h.Sum32()%20)
			return types.ToolResult{
				Action: types.ActionReqLLM,
				Result: fmt.Sprintf("Weather in %s: %s, %d degrees Celsius.", location, cond, temp),
			}
		},
	}
}

// ServerControlFunction builds the privileged server-control function. The
// call must carry the manager secret; anything else is rejected. onRestart
// schedules a gateway restart after the reply is spoken.
func ServerControlFunction(secret string, onRestart func()) Function {
	return Function{
		Definition: types.ToolDefinition{
			Name:        "server_control",
			Description: "Administrative control of the gateway. Requires the management secret.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action": map[string]any{
						"type": "string",
						"enum": []string{"restart"},
					},
					"secret": map[string]any{
						"type":        "string",
						"description": "The management secret.",
					},
				},
				"required": []string{"action", "secret"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) types.ToolResult {
			got, _ := args["secret"].(string)
			if secret == "" || got != secret {
				return types.ToolResult{Action: types.ActionError, Response: "I'm not allowed to do that."}
			}
			action, _ := args["action"].(string)
			if action != "restart" {
				return types.ToolResult{Action: types.ActionError, Response: fmt.Sprintf("Unknown server action %q.", action)}
			}
			if onRestart != nil {
				onRestart()
			}
			return types.ToolResult{Action: types.ActionResponse, Response: "Restarting the server now."}
		},
	}
}
