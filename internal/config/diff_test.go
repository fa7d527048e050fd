package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/auricle/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{
			IP:           "0.0.0.0",
			Port:         8000,
			HTTPPort:     8003,
			WebsocketURL: "ws://127.0.0.1:8000/xiaozhi/v1/",
			AuthKey:      "fixed-key",
			LogLevel:     config.LogInfo,
		},
		CloseConnectionNoVoiceTime: 120,
		ExitCommands:               []string{"goodbye"},
		WakeupWords:                []string{"hey assistant"},
		Prompt:                     "You are helpful.",
		SelectedModule: config.SelectedModule{
			LLM:    "MainLLM",
			Intent: config.IntentFunctionCall,
		},
		Providers: map[string]config.ProviderEntry{
			"MainLLM": {Type: "openai", Model: "gpt-4o"},
		},
	}
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	d := config.Diff(cfg, cfg)
	if !d.Empty() {
		t.Errorf("expected empty diff for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	updated := baseConfig()
	updated.Server.LogLevel = config.LogDebug

	d := config.Diff(old, updated)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if d.RestartRequired() {
		t.Errorf("log level is hot-reloadable, got restart reasons: %v", d.RestartReasons)
	}
}

func TestDiff_PromptChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	updated := baseConfig()
	updated.Prompt = "You are terse."

	d := config.Diff(old, updated)
	if !d.PromptChanged {
		t.Error("expected PromptChanged=true")
	}
	if d.RestartRequired() {
		t.Errorf("prompt is hot-reloadable, got restart reasons: %v", d.RestartReasons)
	}
}

func TestDiff_InteractionChanged(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"exit commands", func(c *config.Config) { c.ExitCommands = []string{"bye", "later"} }},
		{"wake words", func(c *config.Config) { c.WakeupWords = append(c.WakeupWords, "ok computer") }},
		{"greeting flag", func(c *config.Config) { c.EnableGreeting = true }},
		{"idle timeout", func(c *config.Config) { c.CloseConnectionNoVoiceTime = 300 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old := baseConfig()
			updated := baseConfig()
			tt.mutate(updated)

			d := config.Diff(old, updated)
			if !d.InteractionChanged {
				t.Error("expected InteractionChanged=true")
			}
			if d.RestartRequired() {
				t.Errorf("interaction settings are hot-reloadable, got restart reasons: %v", d.RestartReasons)
			}
		})
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		mention string
	}{
		{"listen port", func(c *config.Config) { c.Server.Port = 9000 }, "listen address"},
		{"http port", func(c *config.Config) { c.Server.HTTPPort = 9003 }, "http_port"},
		{"selected module", func(c *config.Config) { c.SelectedModule.LLM = "OtherLLM" }, "selected_module"},
		{"provider entry", func(c *config.Config) {
			c.Providers = map[string]config.ProviderEntry{"MainLLM": {Type: "openai", Model: "gpt-4o-mini"}}
		}, "provider"},
		{"memory dsn", func(c *config.Config) { c.Memory.DSN = "postgres://localhost/other" }, "memory"},
		{"auth", func(c *config.Config) { c.Auth.Enabled = true }, "auth"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old := baseConfig()
			updated := baseConfig()
			tt.mutate(updated)

			d := config.Diff(old, updated)
			if !d.RestartRequired() {
				t.Fatal("expected RestartRequired=true")
			}
			if !strings.Contains(strings.Join(d.RestartReasons, "; "), tt.mention) {
				t.Errorf("restart reasons %v should mention %q", d.RestartReasons, tt.mention)
			}
		})
	}
}
