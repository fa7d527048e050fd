// Package types defines the shared types used across all Auricle packages.
//
// These types form the lingua franca between providers, the gateway pipeline,
// memory layers, and the tool dispatcher. They are intentionally minimal; each
// package defines its own domain types, but cross-cutting data structures live
// here to avoid circular imports.
package types

import "time"

// Transcript represents a speech-to-text result from an ASR provider.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Duration is the length of the utterance.
	Duration time.Duration

	// ArtifactPath is the path of an audio artifact written during
	// transcription (e.g., a debug WAV dump). Empty when the provider keeps
	// nothing on disk.
	ArtifactPath string
}

// Message represents a single message in a dialogue history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call this responds to.
	ToolCallID string
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned, or
	// synthesized for inline-parsed calls).
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// ToolAction classifies how a tool result feeds back into the turn loop.
type ToolAction int

const (
	// ActionNotFound reports that no tool with the requested name exists.
	ActionNotFound ToolAction = iota

	// ActionNone drops the result without emitting anything.
	ActionNone

	// ActionResponse emits Response directly to the client as speech.
	ActionResponse

	// ActionReqLLM feeds Result back into the LLM at depth+1.
	ActionReqLLM

	// ActionError emits a spoken apology and appends the error text.
	ActionError
)

// String returns the human-readable name of the action.
func (a ToolAction) String() string {
	switch a {
	case ActionNotFound:
		return "NOTFOUND"
	case ActionNone:
		return "NONE"
	case ActionResponse:
		return "RESPONSE"
	case ActionReqLLM:
		return "REQLLM"
	case ActionError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ToolResult is the outcome of a dispatched tool call.
type ToolResult struct {
	// Action selects the follow-up behaviour in the turn loop.
	Action ToolAction

	// Result is data destined for the LLM (ActionReqLLM).
	Result string

	// Response is user-facing text emitted directly (ActionResponse,
	// ActionError, ActionNotFound).
	Response string
}

// SentenceType brackets the speech messages of one assistant turn.
type SentenceType int

const (
	// SentenceFirst opens a turn. Exactly one per turn.
	SentenceFirst SentenceType = iota

	// SentenceMiddle carries turn content. Zero or more per turn.
	SentenceMiddle

	// SentenceLast closes a turn. Exactly one per turn, normal or
	// abort-initiated.
	SentenceLast
)

// String returns the human-readable name of the sentence type.
func (t SentenceType) String() string {
	switch t {
	case SentenceFirst:
		return "FIRST"
	case SentenceMiddle:
		return "MIDDLE"
	case SentenceLast:
		return "LAST"
	default:
		return "UNKNOWN"
	}
}

// ContentType describes the payload of a speech message.
type ContentType int

const (
	// ContentAction is a control-only message with no synthesizable payload.
	ContentAction ContentType = iota

	// ContentText carries text to synthesize.
	ContentText

	// ContentFile carries pre-encoded audio packets to send as-is.
	ContentFile
)

// String returns the human-readable name of the content type.
func (t ContentType) String() string {
	switch t {
	case ContentAction:
		return "ACTION"
	case ContentText:
		return "TEXT"
	case ContentFile:
		return "FILE"
	default:
		return "UNKNOWN"
	}
}

// SpeechMessage is one unit of the per-turn speech queue consumed by the TTS
// stage. All messages of a turn share a SentenceID; the stream is bracketed by
// exactly one SentenceFirst and one SentenceLast.
type SpeechMessage struct {
	// SentenceID identifies the turn this message belongs to.
	SentenceID string

	// Type positions the message within the turn.
	Type SentenceType

	// Content selects the payload interpretation.
	Content ContentType

	// Text is the synthesizable or display text (ContentText, or the display
	// text accompanying ContentFile).
	Text string

	// Packets holds pre-encoded audio frames (ContentFile).
	Packets [][]byte
}

// VoiceProfile describes a TTS voice configuration.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Metadata holds provider-specific voice attributes (gender, age, accent, etc.).
	Metadata map[string]string
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsVision indicates the model can process image inputs.
	SupportsVision bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// VADEvent represents a voice activity detection result for a single audio frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Probability is the speech probability score (0.0–1.0).
	Probability float64
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended.
	VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence
)
