// Package fixedclip provides the fallback TTS provider used when the
// configured backend fails to initialize or trips its circuit breaker. It
// "synthesizes" every sentence as the same pre-recorded clip, so the device
// still hears something instead of a silent turn.
//
// The clip is a WAV file loaded at construction time. With no clip configured
// the provider emits a short burst of silence, which still exercises the
// complete speech path (framing, tts state messages) on the client.
package fixedclip

import (
	"context"
	"fmt"
	"os"

	"github.com/MrWong99/auricle/pkg/audio"
	"github.com/MrWong99/auricle/pkg/provider/tts"
	"github.com/MrWong99/auricle/pkg/types"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// silenceMs is the length of the generated clip when no WAV file is set.
const silenceMs = 300

// Provider implements tts.Provider with a single fixed audio clip.
type Provider struct {
	pcm        []byte
	sampleRate int
	channels   int
}

// New creates a Provider that plays the WAV clip at clipPath for every
// sentence. An empty clipPath yields a silence clip at 16 kHz mono.
func New(clipPath string) (*Provider, error) {
	if clipPath == "" {
		return &Provider{
			pcm:        make([]byte, audio.DefaultSampleRate*silenceMs/1000*2),
			sampleRate: audio.DefaultSampleRate,
			channels:   audio.DefaultChannels,
		}, nil
	}
	wav, err := os.ReadFile(clipPath)
	if err != nil {
		return nil, fmt.Errorf("fixedclip: read clip %q: %w", clipPath, err)
	}
	pcm, info, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("fixedclip: parse clip %q: %w", clipPath, err)
	}
	return &Provider{pcm: pcm, sampleRate: info.SampleRate, channels: info.Channels}, nil
}

// Synthesize implements tts.Provider. The text is ignored apart from the
// empty-sentence short-circuit.
func (p *Provider) Synthesize(ctx context.Context, text string, _ types.VoiceProfile) (tts.Result, error) {
	if err := ctx.Err(); err != nil {
		return tts.Result{}, err
	}
	if text == "" {
		return tts.Result{}, nil
	}
	return tts.Result{
		PCM:        p.pcm,
		SampleRate: p.sampleRate,
		Channels:   p.channels,
	}, nil
}
