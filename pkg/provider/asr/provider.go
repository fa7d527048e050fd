// Package asr defines the Provider interface for speech recognition backends.
//
// An ASR provider converts one complete utterance (the PCM audio between
// voice-start and voice-end as segmented by the gateway pipeline) into text.
// The contract is deliberately batch-shaped: utterance boundaries are decided
// upstream (VAD sliding window or explicit listen stop from the device), so
// providers never see a live stream and need no per-session state.
//
// Providers backed by an in-process model (whisper) are shared across all
// connections and must be safe for concurrent use. Providers that hold
// per-request remote resources declare themselves non-shared through the
// provider registry and are constructed once per connection.
package asr

import (
	"context"

	"github.com/MrWong99/auricle/pkg/types"
)

// AudioConfig describes the PCM format of an utterance buffer.
type AudioConfig struct {
	// SampleRate is the audio sample rate in Hz (16000 for device audio).
	SampleRate int

	// Channels is the number of interleaved channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en", "de").
	// An empty string lets the provider auto-detect, if supported.
	Language string
}

// Provider is the abstraction over any speech recognition backend.
//
// Implementations must be safe for concurrent use and must honor ctx
// cancellation: a cancelled context aborts the request and returns ctx.Err().
type Provider interface {
	// Transcribe converts a complete utterance of 16-bit little-endian PCM
	// into a transcript. An utterance with no recognizable speech returns an
	// empty Transcript and a nil error; callers treat empty text as "nothing
	// said", not as a failure.
	Transcribe(ctx context.Context, pcm []byte, cfg AudioConfig) (types.Transcript, error)
}
