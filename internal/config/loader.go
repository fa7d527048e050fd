package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ValidProviderTypes lists known provider types per module kind.
// Used by [Validate] to warn about unrecognised types.
var ValidProviderTypes = map[string][]string{
	"vad":        {"energy"},
	"asr":        {"whisper", "deepgram"},
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts":        {"elevenlabs", "httpserver", "fixedclip"},
	"vllm":       {"openai"},
	"memory":     {"local", "postgres", "nomem"},
	"embeddings": {"openai", "ollama"},
}

// authKeyPlaceholders are values treated as "not configured"; a UUID is
// generated in their place.
var authKeyPlaceholders = []string{"", "your-auth-key", "changeme"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their defaults and normalises
// derived values. It is idempotent.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8003
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if slices.Contains(authKeyPlaceholders, cfg.Server.AuthKey) {
		cfg.Server.AuthKey = uuid.NewString()
	}
	if cfg.Server.WebsocketURL == "" {
		host := cfg.Server.IP
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		cfg.Server.WebsocketURL = fmt.Sprintf("ws://%s:%d/xiaozhi/v1/", host, cfg.Server.Port)
	}
	if cfg.CloseConnectionNoVoiceTime == 0 {
		cfg.CloseConnectionNoVoiceTime = 120
	}
	if cfg.SelectedModule.Intent == "" {
		cfg.SelectedModule.Intent = IntentFunctionCall
	}
	cfg.MCPEndpoint = rewriteMCPEndpoint(cfg.MCPEndpoint)
}

// rewriteMCPEndpoint maps the endpoint's "/mcp/" path segment to "/call/".
// Tool invocation goes to the call surface of the same server.
func rewriteMCPEndpoint(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	u.Path = strings.Replace(u.Path, "/mcp/", "/call/", 1)
	return u.String()
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", cfg.Server.Port))
	}
	if cfg.Server.HTTPPort < 0 || cfg.Server.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port %d is out of range", cfg.Server.HTTPPort))
	}
	if cfg.Server.Port != 0 && cfg.Server.Port == cfg.Server.HTTPPort {
		errs = append(errs, fmt.Errorf("server.port and server.http_port are both %d; they must differ", cfg.Server.Port))
	}

	if !cfg.SelectedModule.Intent.IsValid() {
		errs = append(errs, fmt.Errorf("selected_module.Intent %q is invalid; valid values: function_call, nointent", cfg.SelectedModule.Intent))
	}

	// Every selected module must resolve to a provider entry.
	checkSelected := func(kind, name string) {
		if name == "" {
			return
		}
		entry, ok := cfg.Providers[name]
		if !ok {
			errs = append(errs, fmt.Errorf("selected_module.%s %q has no matching providers entry", strings.ToUpper(kind), name))
			return
		}
		validateProviderType(kind, name, entry.Type)
	}
	checkSelected("vad", cfg.SelectedModule.VAD)
	checkSelected("asr", cfg.SelectedModule.ASR)
	checkSelected("llm", cfg.SelectedModule.LLM)
	checkSelected("tts", cfg.SelectedModule.TTS)
	checkSelected("memory", cfg.SelectedModule.Memory)
	checkSelected("vllm", cfg.SelectedModule.VLLM)

	if cfg.SelectedModule.LLM == "" {
		slog.Warn("selected_module.LLM is empty; connections will not be able to generate responses")
	}
	if cfg.SelectedModule.TTS == "" {
		slog.Warn("selected_module.TTS is empty; replies will fall back to the fixed-clip voice")
	}

	if cfg.MCPEndpoint != "" {
		u, err := url.Parse(cfg.MCPEndpoint)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("mcp_endpoint %q is not a valid ws/wss/http/https URL", cfg.MCPEndpoint))
		}
	}

	// Memory backed by postgres needs a DSN.
	if name := cfg.SelectedModule.Memory; name != "" {
		if entry, ok := cfg.Providers[name]; ok && entry.Type == "postgres" {
			if cfg.Memory.DSN == "" {
				errs = append(errs, fmt.Errorf("providers.%s has type postgres but memory.dsn is empty", name))
			}
			if cfg.Memory.EmbeddingDimensions <= 0 {
				slog.Warn("memory.embedding_dimensions is not set; defaulting to 1536")
			}
		}
	}

	if cfg.Auth.Enabled && len(cfg.Auth.Tokens) == 0 && len(cfg.Auth.AllowedDevices) == 0 {
		errs = append(errs, errors.New("auth.enabled is true but no tokens or allowed_devices are configured; every connection would be rejected"))
	}
	for i, t := range cfg.Auth.Tokens {
		if t.Token == "" {
			errs = append(errs, fmt.Errorf("auth.tokens[%d].token is empty", i))
		}
	}

	return errors.Join(errs...)
}

// validateProviderType logs a warning if typ is non-empty and not found in
// the [ValidProviderTypes] list for the given kind.
func validateProviderType(kind, name, typ string) {
	if typ == "" {
		return
	}
	known, ok := ValidProviderTypes[kind]
	if !ok {
		return
	}
	if slices.Contains(known, typ) {
		return
	}
	slog.Warn("unknown provider type, may be a typo or third-party provider",
		"kind", kind,
		"provider", name,
		"type", typ,
		"known", known,
	)
}
