// Package gateway implements the per-device connection pipeline: the
// WebSocket read loop, the text-message router, the audio/VAD/ASR stages,
// the LLM turn engine with its tool loop, and the TTS speech stage.
//
// One Connection owns everything about a device session. Providers may be
// shared across connections (local models); dialogue, queues, VAD state and
// timers are exclusive to the connection and die with it.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/auricle/internal/auth"
	"github.com/MrWong99/auricle/internal/config"
	"github.com/MrWong99/auricle/internal/observe"
	"github.com/MrWong99/auricle/internal/prompt"
	"github.com/MrWong99/auricle/internal/report"
	"github.com/MrWong99/auricle/internal/tools"
	"github.com/MrWong99/auricle/internal/wakeword"
	"github.com/MrWong99/auricle/pkg/memory"
	"github.com/MrWong99/auricle/pkg/provider/asr"
	"github.com/MrWong99/auricle/pkg/provider/llm"
	"github.com/MrWong99/auricle/pkg/provider/tts"
	"github.com/MrWong99/auricle/pkg/provider/vad"
)

// Channel is the message-frame surface of a device connection. It is the
// subset of [*websocket.Conn] the gateway touches, extracted so tests can
// drive a connection without a network socket.
type Channel interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// ControlPlane receives server-control requests validated by the router. The
// server implements it; tests stub it.
type ControlPlane interface {
	// UpdateConfig re-loads the configuration and applies the hot-reloadable
	// parts to running connections.
	UpdateConfig(ctx context.Context) error

	// ScheduleRestart re-executes the gateway process once pending replies
	// have flushed.
	ScheduleRestart()
}

// Registrar tracks live connections by device id for control-plane pushes.
type Registrar interface {
	Register(deviceID string, c *Connection)
	Unregister(deviceID string, c *Connection)
}

// Deps bundles everything a connection needs. Provider fields may be nil;
// the affected stage is then disabled and the connection stays viable.
type Deps struct {
	Config *config.Config

	VAD    vad.Engine
	ASR    asr.Provider
	LLM    llm.Provider
	TTS    tts.Provider
	Memory memory.Provider

	// Voiceprint optionally identifies the speaker of each utterance so the
	// turn carries who is talking. Nil disables identification.
	Voiceprint SpeakerIdentifier

	Prompt  *prompt.Manager
	Wake    *wakeword.Matcher
	Greeter *wakeword.Greeter

	// Tools holds the shared tool sources (plugin registry, external MCP
	// host). Device-scoped sources (device MCP, IoT) are created per
	// connection and layered on top.
	Tools []tools.Source

	Auth      *auth.Policy
	Reporter  *report.Reporter
	Metrics   *observe.Metrics
	Control   ControlPlane
	Registrar Registrar

	// InitPool bounds concurrent provider initialization across connections.
	// Nil means unbounded.
	InitPool *semaphore.Weighted

	Logger *slog.Logger
}

// Gateway builds connections from upgraded sockets.
type Gateway struct {
	mu   sync.RWMutex
	deps Deps
	log  *slog.Logger
}

// New creates a Gateway. Deps.Config must be non-nil.
func New(deps Deps) *Gateway {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Memory == nil {
		deps.Memory = memory.NoOp{}
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	return &Gateway{deps: deps, log: deps.Logger.With("component", "gateway")}
}

// ApplyConfig installs a reloaded configuration for connections accepted from
// now on. Running connections are updated by the caller via
// [Connection.ApplyConfig].
func (g *Gateway) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	g.mu.Lock()
	g.deps.Config = cfg
	g.mu.Unlock()
}

// Handle runs one device session until the peer disconnects or the gateway
// closes it. r is the upgrade request; ch is the upgraded socket. Handle
// blocks for the connection lifetime.
func (g *Gateway) Handle(ctx context.Context, ch Channel, r *http.Request) {
	deviceID := DeviceID(r)
	if deviceID == "" {
		// A plain-text frame is all legacy firmwares can display.
		_ = ch.Write(ctx, websocket.MessageText, []byte("missing device-id header"))
		_ = ch.Close(websocket.StatusPolicyViolation, "missing device-id")
		return
	}

	clientIP := ClientIP(r)
	log := g.log.With("device_id", deviceID, "client_ip", clientIP)

	var verdict auth.Verdict
	if g.deps.Auth != nil {
		v, err := g.deps.Auth.Authorize(r, deviceID)
		if err != nil {
			log.Warn("upgrade rejected", "error", err)
			_ = ch.Close(websocket.StatusPolicyViolation, "unauthorized")
			return
		}
		verdict = v
	} else {
		verdict = auth.Verdict{Bound: true}
	}

	g.mu.RLock()
	deps := g.deps
	g.mu.RUnlock()
	c := newConnection(deps, ch, connMeta{
		deviceID: deviceID,
		clientID: r.Header.Get("client-id"),
		clientIP: clientIP,
		verdict:  verdict,
	}, log)
	c.run(ctx)
}

// DeviceID extracts the device id from the upgrade request, preferring the
// header and falling back to query parameters.
func DeviceID(r *http.Request) string {
	if id := r.Header.Get("device-id"); id != "" {
		return id
	}
	return r.URL.Query().Get("device-id")
}

// ClientIP returns the real peer address, trusting the first hop of
// x-real-ip / x-forwarded-for when present.
func ClientIP(r *http.Request) string {
	if ip := r.Header.Get("x-real-ip"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("x-forwarded-for"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}
