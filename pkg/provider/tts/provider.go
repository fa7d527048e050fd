// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or a
// local HTTP synthesis server) behind a batch, per-sentence contract: the
// gateway's speech stage splits the LLM token stream into sentences and
// synthesizes each one as a unit. Sentence-sized requests keep time-to-first
// audio low without forcing every backend to speak a streaming protocol.
//
// Implementations must be safe for concurrent use; the gateway may synthesize
// sentences for many connections in parallel.
package tts

import (
	"context"
	"time"

	"github.com/MrWong99/auricle/pkg/types"
)

// Result is the synthesized audio for one sentence.
type Result struct {
	// PCM is 16-bit little-endian PCM audio.
	PCM []byte

	// SampleRate is the native sample rate of PCM in Hz. The gateway resamples
	// to the device format, so providers report whatever their backend emits.
	SampleRate int

	// Channels is the channel count of PCM (1 = mono).
	Channels int

	// Duration is the playback length, when the backend reports it. Zero means
	// unknown; callers derive it from len(PCM) instead.
	Duration time.Duration
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts one sentence of text into audio using the given
	// voice. An empty voice selects the provider's default voice when it has
	// one. Implementations must honor ctx cancellation and return ctx.Err()
	// when aborted mid-request.
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (Result, error)
}

// VoiceLister is implemented by providers that can enumerate their voice
// catalogue. It is optional; the gateway only uses it for diagnostics.
type VoiceLister interface {
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
