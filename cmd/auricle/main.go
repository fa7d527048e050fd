// Command auricle is the voice gateway server: it terminates device
// WebSocket connections and runs the VAD → ASR → LLM → TTS pipeline for each
// of them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/auricle/internal/auth"
	"github.com/MrWong99/auricle/internal/config"
	"github.com/MrWong99/auricle/internal/gateway"
	"github.com/MrWong99/auricle/internal/health"
	"github.com/MrWong99/auricle/internal/observe"
	"github.com/MrWong99/auricle/internal/prompt"
	"github.com/MrWong99/auricle/internal/report"
	"github.com/MrWong99/auricle/internal/resilience"
	"github.com/MrWong99/auricle/internal/server"
	"github.com/MrWong99/auricle/internal/tools"
	"github.com/MrWong99/auricle/internal/tools/mcphost"
	"github.com/MrWong99/auricle/internal/wakeword"
	"github.com/MrWong99/auricle/pkg/memory"
	memlocal "github.com/MrWong99/auricle/pkg/memory/local"
	mempostgres "github.com/MrWong99/auricle/pkg/memory/postgres"
	"github.com/MrWong99/auricle/pkg/provider/asr"
	asrdeepgram "github.com/MrWong99/auricle/pkg/provider/asr/deepgram"
	asrwhisper "github.com/MrWong99/auricle/pkg/provider/asr/whisper"
	"github.com/MrWong99/auricle/pkg/provider/embeddings"
	embedollama "github.com/MrWong99/auricle/pkg/provider/embeddings/ollama"
	embedopenai "github.com/MrWong99/auricle/pkg/provider/embeddings/openai"
	"github.com/MrWong99/auricle/pkg/provider/llm"
	"github.com/MrWong99/auricle/pkg/provider/llm/anyllm"
	llmopenai "github.com/MrWong99/auricle/pkg/provider/llm/openai"
	"github.com/MrWong99/auricle/pkg/provider/tts"
	"github.com/MrWong99/auricle/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/auricle/pkg/provider/tts/fixedclip"
	"github.com/MrWong99/auricle/pkg/provider/tts/httpserver"
	"github.com/MrWong99/auricle/pkg/provider/vad"
	vadenergy "github.com/MrWong99/auricle/pkg/provider/vad/energy"
	"github.com/MrWong99/auricle/pkg/provider/vllm"
	vllmopenai "github.com/MrWong99/auricle/pkg/provider/vllm/openai"
)

// initPoolSize bounds how many connections may run provider initialization
// concurrently. A reconnect storm after a restart stays orderly.
const initPoolSize = 5

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "auricle: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "auricle: %v\n", err)
		}
		return 1
	}

	levelVar := new(slog.LevelVar)
	levelVar.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	slog.Info("auricle starting",
		"config", *configPath,
		"ws_port", cfg.Server.Port,
		"http_port", cfg.Server.HTTPPort,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "auricle"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	registerMemoryProviders(ctx, reg, cfg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// Shared tool sources. The gateway layers device-scoped sources (device
	// MCP, IoT, exit intent) on top per connection.
	toolReg := tools.NewRegistry()
	toolReg.Register(tools.TimeFunction(time.Now))
	toolReg.Register(tools.WeatherFunction())
	sources := []tools.Source{toolReg}

	var mcpHost *mcphost.Host
	if cfg.MCPEndpoint != "" {
		mcpHost = mcphost.New(logger)
		if err := mcpHost.Connect(ctx, cfg.MCPEndpoint); err != nil {
			slog.Warn("external MCP server unreachable, continuing without it", "endpoint", cfg.MCPEndpoint, "err", err)
		} else {
			sources = append(sources, mcpHost)
			defer mcpHost.Close()
		}
	}

	promptMgr := prompt.NewManager(cfg.Prompt)
	wakeMatcher := wakeword.NewMatcher(cfg.WakeupWords)
	var greeter *wakeword.Greeter
	if providers.tts != nil {
		greeter = wakeword.NewGreeter(providers.llm, providers.tts)
	}

	reporter := report.NewReporter(cfg.ManagerAPI, logger)
	defer reporter.Close()

	authPolicy := auth.NewPolicy(cfg.Auth, cfg.ManagerAPI.Secret != "")

	healthHandler := health.New(health.Checker{
		Name:  "providers",
		Check: providers.check,
	})

	svr, err := server.New(server.Options{
		Config:     cfg,
		ConfigPath: *configPath,
		Gateway: gateway.Deps{
			VAD:      providers.vad,
			ASR:      providers.asr,
			LLM:      providers.llm,
			TTS:      providers.tts,
			Memory:   providers.memory,
			Prompt:   promptMgr,
			Wake:     wakeMatcher,
			Greeter:  greeter,
			Tools:    sources,
			Auth:     authPolicy,
			Reporter: reporter,
			Metrics:  metrics,
			InitPool: semaphore.NewWeighted(initPoolSize),
			Logger:   logger,
		},
		VLLM:     providers.vllm,
		Health:   healthHandler,
		Metrics:  metrics,
		LogLevel: levelVar,
		Prompt:   promptMgr,
		Logger:   logger,
	})
	if err != nil {
		slog.Error("failed to build server", "err", err)
		return 1
	}
	if cfg.ManagerAPI.Secret != "" {
		toolReg.Register(tools.ServerControlFunction(cfg.ManagerAPI.Secret, svr.ScheduleRestart))
	}

	watcher, err := config.NewWatcher(*configPath, func(_, _ *config.Config) {
		if err := svr.UpdateConfig(context.Background()); err != nil {
			slog.Warn("config file changed but reload failed", "err", err)
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	printStartupSummary(cfg)
	slog.Info("server ready, press Ctrl+C to shut down")

	if err := svr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ─── Provider wiring ──────────────────────────────────────────────────────────

// providerSet holds one provider per pipeline stage. Nil means the stage is
// not configured; the gateway degrades per stage.
type providerSet struct {
	vad    vad.Engine
	asr    asr.Provider
	llm    llm.Provider
	tts    tts.Provider
	vllm   vllm.Provider
	memory memory.Provider
}

// check is the readiness probe: it only verifies the essential stages exist.
// Provider reachability is surfaced per request, not polled.
func (p *providerSet) check(context.Context) error {
	if p.llm == nil {
		return errors.New("no LLM provider configured")
	}
	return nil
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── VAD ──────────────────────────────────────────────────────────────────
	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return vadenergy.New(), nil
	})

	// ── ASR ──────────────────────────────────────────────────────────────────
	reg.RegisterASR("whisper", func(entry config.ProviderEntry) (asr.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []asrwhisper.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, asrwhisper.WithLanguage(lang))
		}
		return asrwhisper.New(modelPath, opts...)
	})

	reg.RegisterASR("deepgram", func(entry config.ProviderEntry) (asr.Provider, error) {
		var opts []asrdeepgram.Option
		if entry.Model != "" {
			opts = append(opts, asrdeepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, asrdeepgram.WithBaseURL(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, asrdeepgram.WithLanguage(lang))
		}
		return asrdeepgram.New(entry.APIKey, opts...)
	})

	// ── LLM ──────────────────────────────────────────────────────────────────
	// openai uses the native client for streaming tool-call deltas; the rest
	// of the family goes through any-llm.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(entry.BaseURL))
		}
		return llmopenai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{
		"anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── TTS ──────────────────────────────────────────────────────────────────
	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if format := optString(entry.Options, "output_format"); format != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(format))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("httpserver", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []httpserver.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, httpserver.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, httpserver.WithAPIMode(httpserver.APIMode(mode)))
		}
		return httpserver.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("fixedclip", func(entry config.ProviderEntry) (tts.Provider, error) {
		return fixedclip.New(optString(entry.Options, "clip_path"))
	})

	// ── VLLM ─────────────────────────────────────────────────────────────────
	reg.RegisterVLLM("openai", func(entry config.ProviderEntry) (vllm.Provider, error) {
		var opts []vllmopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, vllmopenai.WithBaseURL(entry.BaseURL))
		}
		return vllmopenai.New(entry.APIKey, entry.Model, opts...)
	})

	// ── Embeddings ───────────────────────────────────────────────────────────
	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []embedopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, embedopenai.WithBaseURL(entry.BaseURL))
		}
		return embedopenai.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		return embedollama.New(entry.BaseURL, entry.Model)
	})
}

// registerMemoryProviders wires the memory factories. They close over cfg and
// ctx because the postgres store needs the DSN and an embeddings provider
// from outside its own entry.
func registerMemoryProviders(ctx context.Context, reg *config.Registry, cfg *config.Config) {
	reg.RegisterMemory("nomem", func(config.ProviderEntry) (memory.Provider, error) {
		return memory.NoOp{}, nil
	})

	reg.RegisterMemory("local", func(config.ProviderEntry) (memory.Provider, error) {
		return memlocal.New(), nil
	})

	reg.RegisterMemory("postgres", func(config.ProviderEntry) (memory.Provider, error) {
		if cfg.Memory.DSN == "" {
			return nil, errors.New("memory.dsn is required for the postgres memory provider")
		}
		embedder, err := reg.CreateEmbeddings(cfg.Memory.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider: %w", err)
		}
		store, err := mempostgres.NewStore(ctx, cfg.Memory.DSN, embedder)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("migrate memory store: %w", err)
		}
		return store, nil
	})
}

// buildProviders instantiates the providers named by selected_module. A
// provider that fails to construct is logged and left nil so the gateway
// starts with reduced capabilities; readiness reports the gap. TTS gets a
// silence-clip stand-in instead so turns still produce framed speech.
func buildProviders(cfg *config.Config, reg *config.Registry) (*providerSet, error) {
	ps := &providerSet{}
	sel := cfg.SelectedModule

	if entry, ok := cfg.Provider(sel.VAD); ok {
		if p, err := reg.CreateVAD(entry); err != nil {
			slog.Warn("vad provider unavailable", "name", sel.VAD, "err", err)
		} else {
			ps.vad = p
			slog.Info("provider created", "kind", "vad", "name", sel.VAD, "type", entry.Type)
		}
	}

	if entry, ok := cfg.Provider(sel.ASR); ok {
		if p, err := reg.CreateASR(entry); err != nil {
			slog.Warn("asr provider unavailable", "name", sel.ASR, "err", err)
		} else {
			ps.asr = wrapASRFallback(cfg, reg, p, entry)
			slog.Info("provider created", "kind", "asr", "name", sel.ASR, "type", entry.Type)
		}
	}

	if entry, ok := cfg.Provider(sel.LLM); ok {
		if p, err := reg.CreateLLM(entry); err != nil {
			slog.Warn("llm provider unavailable", "name", sel.LLM, "err", err)
		} else {
			ps.llm = wrapLLMFallback(cfg, reg, p, entry)
			slog.Info("provider created", "kind", "llm", "name", sel.LLM, "type", entry.Type)
		}
	}

	if entry, ok := cfg.Provider(sel.TTS); ok {
		if p, err := reg.CreateTTS(entry); err != nil {
			slog.Warn("tts provider unavailable, using silence clip", "name", sel.TTS, "err", err)
			ps.tts, _ = fixedclip.New("")
		} else {
			ps.tts = wrapTTSFallback(cfg, reg, p, entry)
			slog.Info("provider created", "kind", "tts", "name", sel.TTS, "type", entry.Type)
		}
	}

	if entry, ok := cfg.Provider(sel.VLLM); ok {
		if p, err := reg.CreateVLLM(entry); err != nil {
			slog.Warn("vllm provider unavailable", "name", sel.VLLM, "err", err)
		} else {
			ps.vllm = p
			slog.Info("provider created", "kind", "vllm", "name", sel.VLLM, "type", entry.Type)
		}
	}

	if entry, ok := cfg.Provider(sel.Memory); ok {
		p, err := reg.CreateMemory(entry)
		if err != nil {
			return nil, fmt.Errorf("create memory provider %q: %w", sel.Memory, err)
		}
		ps.memory = p
		slog.Info("provider created", "kind", "memory", "name", sel.Memory, "type", entry.Type)
	}

	return ps, nil
}

// ─── Fallback wiring ──────────────────────────────────────────────────────────

// fallbackEntry resolves the optional "fallback" option on a provider entry
// to another configured entry.
func fallbackEntry(cfg *config.Config, entry config.ProviderEntry) (string, config.ProviderEntry, bool) {
	name := optString(entry.Options, "fallback")
	if name == "" {
		return "", config.ProviderEntry{}, false
	}
	fb, ok := cfg.Provider(name)
	if !ok {
		slog.Warn("fallback provider not found", "name", name)
		return "", config.ProviderEntry{}, false
	}
	return name, fb, true
}

func wrapLLMFallback(cfg *config.Config, reg *config.Registry, primary llm.Provider, entry config.ProviderEntry) llm.Provider {
	name, fbEntry, ok := fallbackEntry(cfg, entry)
	if !ok {
		return primary
	}
	fb, err := reg.CreateLLM(fbEntry)
	if err != nil {
		slog.Warn("fallback llm provider failed to build", "name", name, "err", err)
		return primary
	}
	group := resilience.NewLLMFallback(primary, entry.Type, resilience.FallbackConfig{})
	group.AddFallback(name, fb)
	slog.Info("llm fallback armed", "primary", entry.Type, "fallback", name)
	return group
}

func wrapASRFallback(cfg *config.Config, reg *config.Registry, primary asr.Provider, entry config.ProviderEntry) asr.Provider {
	name, fbEntry, ok := fallbackEntry(cfg, entry)
	if !ok {
		return primary
	}
	fb, err := reg.CreateASR(fbEntry)
	if err != nil {
		slog.Warn("fallback asr provider failed to build", "name", name, "err", err)
		return primary
	}
	group := resilience.NewASRFallback(primary, entry.Type, resilience.FallbackConfig{})
	group.AddFallback(name, fb)
	slog.Info("asr fallback armed", "primary", entry.Type, "fallback", name)
	return group
}

func wrapTTSFallback(cfg *config.Config, reg *config.Registry, primary tts.Provider, entry config.ProviderEntry) tts.Provider {
	name, fbEntry, ok := fallbackEntry(cfg, entry)
	if !ok {
		return primary
	}
	fb, err := reg.CreateTTS(fbEntry)
	if err != nil {
		slog.Warn("fallback tts provider failed to build", "name", name, "err", err)
		return primary
	}
	group := resilience.NewTTSFallback(primary, entry.Type, resilience.FallbackConfig{})
	group.AddFallback(name, fb)
	slog.Info("tts fallback armed", "primary", entry.Type, "fallback", name)
	return group
}

// ─── Startup summary ──────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Auricle startup summary        ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printModule(cfg, "VAD", cfg.SelectedModule.VAD)
	printModule(cfg, "ASR", cfg.SelectedModule.ASR)
	printModule(cfg, "LLM", cfg.SelectedModule.LLM)
	printModule(cfg, "TTS", cfg.SelectedModule.TTS)
	printModule(cfg, "VLLM", cfg.SelectedModule.VLLM)
	printModule(cfg, "Memory", cfg.SelectedModule.Memory)
	fmt.Printf("║  Intent          : %-19s ║\n", cfg.SelectedModule.Intent)
	fmt.Printf("║  WS port         : %-19d ║\n", cfg.Server.Port)
	fmt.Printf("║  HTTP port       : %-19d ║\n", cfg.Server.HTTPPort)
	if cfg.ManagerAPI.Secret != "" {
		fmt.Printf("║  Manager API     : %-19s ║\n", "configured")
	} else {
		fmt.Printf("║  Manager API     : %-19s ║\n", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printModule(cfg *config.Config, kind, name string) {
	value := "(not configured)"
	if entry, ok := cfg.Provider(name); ok {
		value = entry.Type
		if entry.Model != "" {
			value = entry.Type + " / " + entry.Model
		}
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}
