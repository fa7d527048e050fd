package config

import (
	"fmt"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs and how the change
// should be applied: in place to live connections, or via a server restart.
type ConfigDiff struct {
	// LogLevelChanged indicates the slog level should be swapped in place.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PromptChanged means newly built system prompts use the new template.
	// Live dialogues keep the prompt they were opened with.
	PromptChanged bool

	// InteractionChanged covers exit commands, wake words, greeting flags and
	// the idle timeout. These are read per-turn and apply immediately.
	InteractionChanged bool

	// RestartReasons lists changes that only take effect after a restart
	// (listen addresses, module selection, provider entries, memory, auth).
	RestartReasons []string
}

// Empty reports whether the two configs are operationally identical.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.PromptChanged && !d.InteractionChanged && len(d.RestartReasons) == 0
}

// RestartRequired reports whether any change needs a server restart.
func (d ConfigDiff) RestartRequired() bool {
	return len(d.RestartReasons) > 0
}

// Diff compares old and new configs and classifies every change as either
// hot-reloadable or restart-required.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Prompt != new.Prompt {
		d.PromptChanged = true
	}

	if !slices.Equal(old.ExitCommands, new.ExitCommands) ||
		old.ExactExitMatch() != new.ExactExitMatch() ||
		!slices.Equal(old.WakeupWords, new.WakeupWords) ||
		old.EnableGreeting != new.EnableGreeting ||
		old.EnableWakeupWordsResponseCache != new.EnableWakeupWordsResponseCache ||
		old.CloseConnectionNoVoiceTime != new.CloseConnectionNoVoiceTime {
		d.InteractionChanged = true
	}

	restart := func(format string, args ...any) {
		d.RestartReasons = append(d.RestartReasons, fmt.Sprintf(format, args...))
	}

	if old.Server.IP != new.Server.IP || old.Server.Port != new.Server.Port {
		restart("server listen address changed (%s:%d → %s:%d)", old.Server.IP, old.Server.Port, new.Server.IP, new.Server.Port)
	}
	if old.Server.HTTPPort != new.Server.HTTPPort {
		restart("server.http_port changed (%d → %d)", old.Server.HTTPPort, new.Server.HTTPPort)
	}
	if old.Server.WebsocketURL != new.Server.WebsocketURL {
		restart("server.websocket_url changed")
	}
	if old.Server.AuthKey != new.Server.AuthKey {
		restart("server.auth_key changed")
	}
	if old.ManagerAPI != new.ManagerAPI {
		restart("manager_api changed")
	}
	if old.SelectedModule != new.SelectedModule {
		restart("selected_module changed")
	}
	if old.MCPEndpoint != new.MCPEndpoint {
		restart("mcp_endpoint changed")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		restart("provider entries changed")
	}
	if !reflect.DeepEqual(old.Memory, new.Memory) {
		restart("memory settings changed")
	}
	if !reflect.DeepEqual(old.Auth, new.Auth) {
		restart("auth settings changed")
	}

	return d
}
