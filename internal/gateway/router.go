package gateway

import (
	"context"
	"encoding/json"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/auricle/internal/tools/devicemcp"
	"github.com/MrWong99/auricle/internal/tools/iot"
	"github.com/MrWong99/auricle/pkg/audio"
	"github.com/MrWong99/auricle/pkg/protocol"
	"github.com/MrWong99/auricle/pkg/types"
)

// handleText routes one inbound text frame. Frames that fail to parse as a
// JSON object are echoed back verbatim; some firmwares send bare numbers as
// keepalives and expect them mirrored.
func (c *Connection) handleText(ctx context.Context, data []byte) {
	in, err := protocol.ParseInbound(data)
	if err != nil {
		if werr := c.writeFrame(ctx, websocket.MessageText, data); werr != nil {
			c.log.Debug("echo write failed", "error", werr)
		}
		return
	}

	switch in.Type {
	case protocol.TypeHello:
		c.handleHello(ctx, in)
	case protocol.TypeAbort:
		c.handleAbort(ctx)
	case protocol.TypeListen:
		c.handleListen(ctx, in)
	case protocol.TypeIoT:
		c.handleIoT(in)
	case protocol.TypeMCP:
		c.handleMCP(in)
	case protocol.TypeServer:
		c.handleServer(ctx, in)
	default:
		c.log.Debug("unknown message type", "type", in.Type)
	}
}

func (c *Connection) handleHello(ctx context.Context, in protocol.Inbound) {
	if in.AudioParams != nil {
		c.applyAudioParams(*in.AudioParams)
	}
	c.codecMu.Lock()
	c.features = in.Features
	c.codecMu.Unlock()

	c.writeJSON(ctx, protocol.NewHelloAck(c.sessionID, protocol.DefaultAudioParams()))
	c.log.Debug("hello exchanged", "features", in.Features)

	if in.Features["mcp"] {
		client := devicemcp.NewClient(c.sendMCPPayload, c.log)
		c.toolMu.Lock()
		c.deviceTools = client
		c.toolMu.Unlock()
		go func() {
			if err := client.Initialize(ctx); err != nil {
				c.log.Warn("device mcp init failed", "error", err)
				return
			}
			c.tools.AddSource(client)
			c.log.Info("device tools loaded", "count", len(client.Functions()))
		}()
	}
}

// applyAudioParams installs the device's announced framing and rebuilds the
// decode path when it differs from what provider init assumed.
func (c *Connection) applyAudioParams(p protocol.AudioParams) {
	c.codecMu.Lock()
	defer c.codecMu.Unlock()
	old := c.clientParams
	c.clientParams = p
	if c.decoder == nil || old == p {
		return
	}
	dec, err := audio.NewOpusDecoder(p.SampleRate, p.Channels, p.FrameDuration)
	if err != nil {
		c.log.Error("opus decoder rebuild failed", "error", err)
		return
	}
	c.decoder = dec
	if c.deps.VAD != nil {
		sess, err := c.deps.VAD.NewSession(vadConfig(p))
		if err != nil {
			c.log.Error("vad session rebuild failed", "error", err)
			return
		}
		if c.vadSess != nil {
			_ = c.vadSess.Close()
		}
		c.vadSess = sess
	}
}

// handleAbort interrupts the in-flight turn: the speech queue is drained
// without synthesizing and a stop frame is sent immediately so the device
// leaves its speaking state without waiting for the engine to notice.
func (c *Connection) handleAbort(ctx context.Context) {
	c.aborted.Store(true)
	c.cancelTurn()
	c.drainSpeechQueue()
	c.writeJSON(ctx, protocol.NewTTS(c.sessionID, protocol.TTSStateStop, ""))
	if c.deps.Metrics != nil {
		c.deps.Metrics.AbortedTurns.Add(ctx, 1)
	}
	c.log.Debug("turn aborted by client")
}

func (c *Connection) handleListen(ctx context.Context, in protocol.Inbound) {
	switch in.State {
	case protocol.ListenStateStart:
		c.listenMu.Lock()
		c.listening = true
		if in.Mode != "" {
			c.mode = in.Mode
		}
		c.utterance = nil
		c.vadWindow = nil
		c.inSpeech = false
		c.listenMu.Unlock()
		c.resetVAD()
	case protocol.ListenStateStop:
		c.listenMu.Lock()
		c.listening = false
		pcm := c.utterance
		c.utterance = nil
		c.vadWindow = nil
		c.inSpeech = false
		c.listenMu.Unlock()
		if len(pcm) > 0 {
			go c.processUtterance(ctx, pcm)
		}
	case protocol.ListenStateDetect:
		c.handleDetect(ctx, in.Text)
	default:
		c.log.Debug("unknown listen state", "state", in.State)
	}
}

func (c *Connection) resetVAD() {
	c.codecMu.Lock()
	if c.vadSess != nil {
		c.vadSess.Reset()
	}
	c.codecMu.Unlock()
}

// handleDetect processes device-side detections: wake phrases trigger the
// greeting path, anything else is treated as a typed query.
func (c *Connection) handleDetect(ctx context.Context, text string) {
	if text == "" {
		return
	}
	if c.deps.Wake != nil {
		if phrase, score, ok := c.deps.Wake.Match(text); ok {
			c.log.Debug("wake phrase detected", "phrase", phrase, "score", score)
			c.handleWake(ctx, phrase)
			return
		}
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordUtterance(ctx, "text")
	}
	c.startChat(ctx, text)
}

func (c *Connection) handleWake(ctx context.Context, phrase string) {
	cfg := c.config()
	if cfg == nil || !cfg.EnableGreeting {
		return
	}
	if c.deps.Greeter != nil && cfg.EnableWakeupWordsResponseCache {
		go c.playGreeting(ctx)
		return
	}
	// No cache: let the model improvise a reply to the wake phrase.
	c.startChat(ctx, phrase)
}

// playGreeting replays the per-voice cached greeting as pre-encoded audio so
// a wake-up answers in milliseconds instead of a full LLM+TTS round trip.
func (c *Connection) playGreeting(ctx context.Context) {
	g, err := c.deps.Greeter.Greeting(ctx, c.voiceProfile())
	if err != nil {
		c.log.Warn("greeting unavailable", "error", err)
		return
	}
	packets, err := c.encodeSpeech(g.Audio.PCM, g.Audio.SampleRate, g.Audio.Channels)
	if err != nil {
		c.log.Warn("greeting encode failed", "error", err)
		return
	}
	sid := uuid.NewString()
	c.pushSpeech(ctx, types.SpeechMessage{SentenceID: sid, Type: types.SentenceFirst, Content: types.ContentAction})
	c.pushSpeech(ctx, types.SpeechMessage{SentenceID: sid, Type: types.SentenceMiddle, Content: types.ContentFile, Text: g.Text, Packets: packets})
	c.pushSpeech(ctx, types.SpeechMessage{SentenceID: sid, Type: types.SentenceLast, Content: types.ContentAction})
}

func (c *Connection) handleIoT(in protocol.Inbound) {
	ctrl := c.iotController()
	if len(in.Descriptors) > 0 {
		go func() {
			if err := ctrl.HandleDescriptors(in.Descriptors); err != nil {
				c.log.Warn("iot descriptors rejected", "error", err)
			}
		}()
	}
	if len(in.States) > 0 {
		go func() {
			if err := ctrl.HandleStates(in.States); err != nil {
				c.log.Warn("iot states rejected", "error", err)
			}
		}()
	}
}

// iotController lazily creates the per-connection IoT source on the first
// descriptor announcement.
func (c *Connection) iotController() *iot.Controller {
	c.toolMu.Lock()
	defer c.toolMu.Unlock()
	if c.iotCtrl == nil {
		c.iotCtrl = iot.NewController(c.sendRaw, c.log)
		c.tools.AddSource(c.iotCtrl)
	}
	return c.iotCtrl
}

func (c *Connection) handleMCP(in protocol.Inbound) {
	c.toolMu.Lock()
	client := c.deviceTools
	c.toolMu.Unlock()
	if client == nil {
		c.log.Debug("mcp payload before hello announced mcp support")
		return
	}
	go client.HandleMessage(in.Payload)
}

// handleServer executes control-plane actions. Control messages are only
// honored when a manager secret is configured; without one there is nobody
// who could legitimately know a secret to present.
func (c *Connection) handleServer(ctx context.Context, in protocol.Inbound) {
	cfg := c.config()
	secret := ""
	if cfg != nil {
		secret = cfg.ManagerAPI.Secret
	}
	if secret == "" {
		c.log.Warn("server control ignored: no manager secret configured")
		return
	}
	if in.Content == nil || in.Content.Secret != secret {
		c.log.Warn("server control rejected: bad secret", "action", in.Action)
		c.writeJSON(ctx, protocol.NewServerReply(protocol.StatusError, "invalid secret", nil))
		return
	}

	switch in.Action {
	case protocol.ActionUpdateConfig:
		if c.deps.Control == nil {
			c.writeJSON(ctx, protocol.NewServerReply(protocol.StatusError, "control plane unavailable", nil))
			return
		}
		if err := c.deps.Control.UpdateConfig(ctx); err != nil {
			c.log.Error("config update failed", "error", err)
			c.writeJSON(ctx, protocol.NewServerReply(protocol.StatusError, err.Error(), nil))
			return
		}
		c.writeJSON(ctx, protocol.NewServerReply(protocol.StatusSuccess, "configuration updated", map[string]any{"action": protocol.ActionUpdateConfig}))
	case protocol.ActionRestart:
		if c.deps.Control == nil {
			c.writeJSON(ctx, protocol.NewServerReply(protocol.StatusError, "control plane unavailable", nil))
			return
		}
		c.writeJSON(ctx, protocol.NewServerReply(protocol.StatusSuccess, "restarting", map[string]any{"action": protocol.ActionRestart}))
		c.deps.Control.ScheduleRestart()
	default:
		c.writeJSON(ctx, protocol.NewServerReply(protocol.StatusError, "unknown action", nil))
	}
}

// sendMCPPayload wraps a device-MCP JSON-RPC payload in the channel envelope.
func (c *Connection) sendMCPPayload(ctx context.Context, payload json.RawMessage) error {
	data, err := json.Marshal(protocol.NewMCPEnvelope(c.sessionID, payload))
	if err != nil {
		return err
	}
	return c.writeFrame(ctx, websocket.MessageText, data)
}

// sendRaw writes a pre-marshaled text frame; used by the IoT controller.
func (c *Connection) sendRaw(ctx context.Context, data json.RawMessage) error {
	return c.writeFrame(ctx, websocket.MessageText, data)
}

// drainSpeechQueue discards everything queued without blocking. The speech
// worker stays alive; only the backlog goes.
func (c *Connection) drainSpeechQueue() {
	for {
		select {
		case <-c.speechQ:
		default:
			return
		}
	}
}

func (c *Connection) pushSpeech(ctx context.Context, msg types.SpeechMessage) {
	// A two-way select can still pick the send branch on a dead context, so
	// cancellation is checked first.
	if ctx.Err() != nil {
		return
	}
	select {
	case c.speechQ <- msg:
	case <-ctx.Done():
	}
}

// startChat launches the turn engine for one utterance, interrupting any
// turn still in flight.
func (c *Connection) startChat(ctx context.Context, query string) {
	turnCtx := c.beginTurn(ctx)
	c.turnWG.Add(1)
	go func() {
		defer c.turnWG.Done()
		c.chat(turnCtx, query, false, 0)
	}()
}
