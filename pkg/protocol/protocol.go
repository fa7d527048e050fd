// Package protocol defines the JSON control messages exchanged with devices
// over the gateway WebSocket channel.
//
// Text frames are JSON objects discriminated by a "type" field. Inbound
// covers every client message shape in one struct so the router can decode a
// frame exactly once; server-side messages have dedicated types with
// constructors that fill the constant fields.
//
// Binary frames are not represented here; they carry encoded audio in the
// format negotiated via the hello exchange and go straight to the audio
// pipeline.
package protocol

import "encoding/json"

// Message type discriminators.
const (
	TypeHello  = "hello"
	TypeAbort  = "abort"
	TypeListen = "listen"
	TypeIoT    = "iot"
	TypeMCP    = "mcp"
	TypeServer = "server"
	TypeSTT    = "stt"
	TypeTTS    = "tts"
	TypeLLM    = "llm"
)

// Listen states sent by the client.
const (
	ListenStateStart  = "start"
	ListenStateStop   = "stop"
	ListenStateDetect = "detect"
)

// Listen modes. Auto lets server-side VAD segment utterances; manual relies
// on explicit listen start/stop from the device.
const (
	ListenModeAuto   = "auto"
	ListenModeManual = "manual"
)

// TTS playback states sent to the client.
const (
	TTSStateStart         = "start"
	TTSStateSentenceStart = "sentence_start"
	TTSStateSentenceEnd   = "sentence_end"
	TTSStateStop          = "stop"
)

// Server control actions.
const (
	ActionUpdateConfig = "update_config"
	ActionRestart      = "restart"
)

// Reply statuses for server control messages.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// AudioParams describes the audio framing negotiated in the hello exchange.
type AudioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
}

// DefaultAudioParams is the format assumed when the client's hello omits
// audio_params: Opus at 16 kHz mono with 60 ms frames.
func DefaultAudioParams() AudioParams {
	return AudioParams{
		Format:        "opus",
		SampleRate:    16000,
		Channels:      1,
		FrameDuration: 60,
	}
}

// Inbound is the union of all client → server control messages. Fields not
// belonging to the received Type are zero.
type Inbound struct {
	Type string `json:"type"`

	// hello
	Version     int             `json:"version,omitempty"`
	Transport   string          `json:"transport,omitempty"`
	AudioParams *AudioParams    `json:"audio_params,omitempty"`
	Features    map[string]bool `json:"features,omitempty"`

	// listen
	State string `json:"state,omitempty"`
	Mode  string `json:"mode,omitempty"`
	Text  string `json:"text,omitempty"`

	// iot
	Descriptors json.RawMessage `json:"descriptors,omitempty"`
	States      json.RawMessage `json:"states,omitempty"`

	// mcp
	Payload json.RawMessage `json:"payload,omitempty"`

	// server
	Action  string         `json:"action,omitempty"`
	Content *ServerContent `json:"content,omitempty"`
}

// ServerContent carries the shared secret of a server control message.
type ServerContent struct {
	Secret string `json:"secret"`
}

// ParseInbound decodes a text frame. A nil error does not imply the type is
// recognized; routing decides that. Frames that fail to decode (malformed
// JSON, bare numbers or strings) are echoed back verbatim by the router, so
// the caller must treat an error as "echo", not "drop".
func ParseInbound(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, err
	}
	return in, nil
}

// HelloAck is the server's welcome reply to a client hello.
type HelloAck struct {
	Type        string      `json:"type"`
	Transport   string      `json:"transport"`
	SessionID   string      `json:"session_id"`
	AudioParams AudioParams `json:"audio_params"`
}

// NewHelloAck builds the welcome message for a session.
func NewHelloAck(sessionID string, params AudioParams) HelloAck {
	return HelloAck{
		Type:        TypeHello,
		Transport:   "websocket",
		SessionID:   sessionID,
		AudioParams: params,
	}
}

// STTMessage reflects recognized text back to the client.
type STTMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

// NewSTT builds an stt message.
func NewSTT(sessionID, text string) STTMessage {
	return STTMessage{Type: TypeSTT, Text: text, SessionID: sessionID}
}

// TTSMessage signals playback state transitions around streamed audio.
type TTSMessage struct {
	Type       string `json:"type"`
	State      string `json:"state"`
	Text       string `json:"text,omitempty"`
	SessionID  string `json:"session_id"`
	DurationMs int    `json:"duration_ms,omitempty"`
}

// NewTTS builds a tts state message. text is included only for
// sentence_start frames.
func NewTTS(sessionID, state, text string) TTSMessage {
	return TTSMessage{Type: TypeTTS, State: state, Text: text, SessionID: sessionID}
}

// LLMMessage carries the one-shot emotion hint for the current turn.
type LLMMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	Emotion   string `json:"emotion"`
	SessionID string `json:"session_id"`
}

// NewLLM builds an llm emotion message. text is the emoji rendering of the
// emotion for clients without an emotion table.
func NewLLM(sessionID, emotion, text string) LLMMessage {
	return LLMMessage{Type: TypeLLM, Text: text, Emotion: emotion, SessionID: sessionID}
}

// ServerReply answers a server control message.
type ServerReply struct {
	Type    string         `json:"type"`
	Status  string         `json:"status"`
	Message string         `json:"message"`
	Content map[string]any `json:"content,omitempty"`
}

// NewServerReply builds a server control reply. content may be nil.
func NewServerReply(status, message string, content map[string]any) ServerReply {
	return ServerReply{Type: TypeServer, Status: status, Message: message, Content: content}
}

// MCPEnvelope wraps a JSON-RPC payload for transport as an mcp text frame.
type MCPEnvelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// NewMCPEnvelope wraps payload for sending to the device.
func NewMCPEnvelope(sessionID string, payload json.RawMessage) MCPEnvelope {
	return MCPEnvelope{Type: TypeMCP, SessionID: sessionID, Payload: payload}
}
