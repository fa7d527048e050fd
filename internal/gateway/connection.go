package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/auricle/internal/auth"
	"github.com/MrWong99/auricle/internal/config"
	"github.com/MrWong99/auricle/internal/dialogue"
	"github.com/MrWong99/auricle/internal/prompt"
	"github.com/MrWong99/auricle/internal/tools"
	"github.com/MrWong99/auricle/internal/tools/devicemcp"
	"github.com/MrWong99/auricle/internal/tools/iot"
	"github.com/MrWong99/auricle/pkg/audio"
	"github.com/MrWong99/auricle/pkg/protocol"
	"github.com/MrWong99/auricle/pkg/provider/vad"
	"github.com/MrWong99/auricle/pkg/types"
)

const (
	// idleCheckInterval is how often the idle watcher re-evaluates the timeout.
	idleCheckInterval = 10 * time.Second

	// idleGrace is added on top of the configured no-voice window so a device
	// that speaks right at the boundary is not cut off mid-exchange.
	idleGrace = 60 * time.Second

	audioQueueSize  = 256
	speechQueueSize = 32

	memorySaveTimeout = 30 * time.Second
)

type connMeta struct {
	deviceID string
	clientID string
	clientIP string
	verdict  auth.Verdict
}

// Connection is one live device session. All exported methods are safe for
// concurrent use; the read loop itself runs on a single goroutine.
type Connection struct {
	deps Deps
	ch   Channel
	meta connMeta
	log  *slog.Logger

	sessionID string

	cfgMu sync.RWMutex
	cfg   *config.Config

	dialog *dialogue.Dialogue

	audioQ  chan []byte
	speechQ chan types.SpeechMessage

	ready          atomic.Bool
	readyCh        chan struct{}
	aborted        atomic.Bool
	closeAfterTurn atomic.Bool
	lastActivity   atomic.Int64

	// writeMu serializes frames onto the socket. The read loop, the speech
	// worker, and detached tool goroutines all write.
	writeMu sync.Mutex

	// codecMu guards the negotiated audio state, written at hello and during
	// provider init, read by the audio pipeline.
	codecMu      sync.Mutex
	clientParams protocol.AudioParams
	features     map[string]bool
	decoder      *audio.OpusDecoder
	encoder      *audio.OpusEncoder
	vadSess      vad.SessionHandle

	// listenMu guards the manual/auto listen state machine.
	listenMu  sync.Mutex
	listening bool
	mode      string
	utterance []byte
	vadWindow []bool
	inSpeech  bool

	// turnMu guards the active turn's cancel func so abort and new utterances
	// can interrupt it.
	turnMu     sync.Mutex
	turnCancel context.CancelFunc
	sentenceID string
	turnWG     sync.WaitGroup

	// tools is the per-connection dispatcher: shared sources plus the
	// device-scoped ones added below.
	tools *tools.Dispatcher

	toolMu      sync.Mutex
	deviceTools *devicemcp.Client
	iotCtrl     *iot.Controller

	// idleTick and idleGrace default to the package constants; tests shrink
	// them to exercise the watcher.
	idleTick  time.Duration
	idleGrace time.Duration

	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newConnection(deps Deps, ch Channel, meta connMeta, log *slog.Logger) *Connection {
	c := &Connection{
		deps:         deps,
		ch:           ch,
		meta:         meta,
		log:          log,
		sessionID:    uuid.NewString(),
		cfg:          deps.Config,
		audioQ:       make(chan []byte, audioQueueSize),
		speechQ:      make(chan types.SpeechMessage, speechQueueSize),
		readyCh:      make(chan struct{}),
		clientParams: protocol.DefaultAudioParams(),
		mode:         protocol.ListenModeAuto,
		idleTick:     idleCheckInterval,
		idleGrace:    idleGrace,
	}
	c.dialog = dialogue.New(c.systemPrompt(context.Background(), ""))
	c.tools = tools.NewDispatcher(log, deps.Tools...)

	// The exit intent is connection-scoped: it marks this session for
	// chat-and-close, so it cannot live in the shared sources.
	exit := tools.NewRegistry()
	exit.Register(tools.ExitFunction(func() { c.closeAfterTurn.Store(true) }))
	c.tools.AddSource(exit)
	return c
}

// DeviceID returns the device identifier this connection authenticated as.
func (c *Connection) DeviceID() string { return c.meta.deviceID }

// SessionID returns the server-assigned session identifier.
func (c *Connection) SessionID() string { return c.sessionID }

func (c *Connection) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	defer c.teardown()

	if c.deps.Metrics != nil {
		c.deps.Metrics.ActiveConnections.Add(ctx, 1)
		defer c.deps.Metrics.ActiveConnections.Add(ctx, -1)
	}
	if c.deps.Registrar != nil {
		c.deps.Registrar.Register(c.meta.deviceID, c)
		defer c.deps.Registrar.Unregister(c.meta.deviceID, c)
	}

	c.touch()
	go c.watchIdle(ctx)
	go c.initProviders(ctx)
	go c.audioWorker(ctx)
	go c.speechWorker(ctx)

	c.log.Info("connection opened", "session_id", c.sessionID, "client_id", c.meta.clientID)

	for {
		typ, data, err := c.ch.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				c.log.Info("connection closed", "error", err)
			}
			return
		}
		c.touch()
		switch typ {
		case websocket.MessageText:
			c.handleText(ctx, data)
		case websocket.MessageBinary:
			c.enqueueAudio(data)
		}
	}
}

// initProviders performs the expensive per-connection setup (VAD session,
// Opus codecs) off the read loop, rate-limited by the shared pool so a
// reconnect storm cannot stall every session at once.
func (c *Connection) initProviders(ctx context.Context) {
	defer close(c.readyCh)
	if c.deps.InitPool != nil {
		if err := c.deps.InitPool.Acquire(ctx, 1); err != nil {
			return
		}
		defer c.deps.InitPool.Release(1)
	}

	params := c.audioParams()
	dec, err := audio.NewOpusDecoder(params.SampleRate, params.Channels, params.FrameDuration)
	if err != nil {
		c.log.Error("opus decoder init failed", "error", err)
		return
	}
	out := protocol.DefaultAudioParams()
	enc, err := audio.NewOpusEncoder(out.SampleRate, out.Channels, out.FrameDuration)
	if err != nil {
		c.log.Error("opus encoder init failed", "error", err)
		return
	}

	var sess vad.SessionHandle
	if c.deps.VAD != nil {
		sess, err = c.deps.VAD.NewSession(vadConfig(params))
		if err != nil {
			c.log.Error("vad session init failed", "error", err)
			return
		}
	}

	c.codecMu.Lock()
	c.decoder = dec
	c.encoder = enc
	c.vadSess = sess
	c.codecMu.Unlock()
	c.ready.Store(true)
	c.log.Debug("providers ready")
}

// enqueueAudio hands a binary frame to the pipeline. Frames arriving before
// the providers finished initializing are dropped silently; the device keeps
// streaming and loses nothing it could not afford to lose.
func (c *Connection) enqueueAudio(frame []byte) {
	if !c.ready.Load() {
		return
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case c.audioQ <- buf:
	default:
		c.log.Warn("audio queue full, dropping frame")
	}
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Connection) watchIdle(ctx context.Context) {
	ticker := time.NewTicker(c.idleTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			timeout := c.idleTimeout()
			if timeout <= 0 {
				continue
			}
			last := time.Unix(0, c.lastActivity.Load())
			if time.Since(last) > timeout {
				c.log.Info("connection timeout")
				c.shutdown(websocket.StatusNormalClosure, "idle timeout")
				return
			}
		}
	}
}

func (c *Connection) idleTimeout() time.Duration {
	cfg := c.config()
	if cfg == nil || cfg.CloseConnectionNoVoiceTime <= 0 {
		return 0
	}
	return time.Duration(cfg.CloseConnectionNoVoiceTime)*time.Second + c.idleGrace
}

func (c *Connection) config() *config.Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// ApplyConfig installs a reloaded configuration. Only hot-applicable settings
// take effect on a live connection: idle timeout, exit commands, wake words.
func (c *Connection) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	c.cfgMu.Lock()
	c.cfg = cfg
	c.cfgMu.Unlock()
	c.log.Debug("configuration applied")
}

func (c *Connection) audioParams() protocol.AudioParams {
	c.codecMu.Lock()
	defer c.codecMu.Unlock()
	return c.clientParams
}

func (c *Connection) hasFeature(name string) bool {
	c.codecMu.Lock()
	defer c.codecMu.Unlock()
	return c.features[name]
}

func (c *Connection) systemPrompt(ctx context.Context, lang string) string {
	if c.deps.Prompt == nil {
		return ""
	}
	facts := prompt.Facts{
		DeviceID: c.meta.deviceID,
		ClientIP: c.meta.clientIP,
		Lang:     lang,
	}
	if !c.meta.verdict.Bound {
		facts.BindCode = c.meta.verdict.BindCode
	}
	return c.deps.Prompt.Build(ctx, facts)
}

// writeJSON marshals v and sends it as a text frame. Errors are logged, not
// returned: a failed write means the socket is going away and the read loop
// will notice on its own.
// Push sends an arbitrary JSON message to the device. Used by the server for
// administrative broadcasts; the per-turn protocol messages go through the
// typed constructors instead.
func (c *Connection) Push(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gateway: marshal push message: %w", err)
	}
	return c.writeFrame(ctx, websocket.MessageText, data)
}

// Close shuts the connection down with a normal closure frame. Safe to call
// more than once and from any goroutine.
func (c *Connection) Close(reason string) {
	c.shutdown(websocket.StatusNormalClosure, reason)
}

func (c *Connection) writeJSON(ctx context.Context, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("marshal outbound message", "error", err)
		return
	}
	if err := c.writeFrame(ctx, websocket.MessageText, data); err != nil {
		c.log.Debug("socket write failed", "error", err)
	}
}

func (c *Connection) writeFrame(ctx context.Context, typ websocket.MessageType, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ch.Write(ctx, typ, data)
}

// shutdown closes the socket and cancels the connection context. Safe to call
// from any goroutine, repeatedly.
func (c *Connection) shutdown(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		_ = c.ch.Close(code, reason)
		if c.cancel != nil {
			c.cancel()
		}
	})
}

func (c *Connection) teardown() {
	c.shutdown(websocket.StatusNormalClosure, "")
	c.cancelTurn()
	c.turnWG.Wait()

	c.codecMu.Lock()
	if c.vadSess != nil {
		_ = c.vadSess.Close()
	}
	c.codecMu.Unlock()

	c.toolMu.Lock()
	// nothing to close on deviceTools: its transport was this socket
	c.deviceTools = nil
	c.toolMu.Unlock()

	c.saveMemory()
	c.log.Info("connection torn down", "session_id", c.sessionID)
}

// saveMemory persists the dialogue after the socket is gone, detached from
// the connection context so a slow store does not block teardown.
func (c *Connection) saveMemory() {
	if c.deps.Memory == nil {
		return
	}
	msgs := c.dialog.Messages()
	if len(msgs) <= 1 {
		return
	}
	deviceID := c.meta.deviceID
	mem := c.deps.Memory
	log := c.log
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), memorySaveTimeout)
		defer cancel()
		if err := mem.Save(ctx, deviceID, msgs); err != nil {
			log.Warn("memory save failed", "error", err)
		}
	}()
}

// cancelTurn interrupts the in-flight turn, if any.
func (c *Connection) cancelTurn() {
	c.turnMu.Lock()
	if c.turnCancel != nil {
		c.turnCancel()
		c.turnCancel = nil
	}
	c.turnMu.Unlock()
}

// beginTurn registers a fresh cancelable context for a turn and clears the
// abort flag from the previous one.
func (c *Connection) beginTurn(ctx context.Context) context.Context {
	c.cancelTurn()
	turnCtx, cancel := context.WithCancel(ctx)
	c.turnMu.Lock()
	c.turnCancel = cancel
	c.turnMu.Unlock()
	c.aborted.Store(false)
	return turnCtx
}
