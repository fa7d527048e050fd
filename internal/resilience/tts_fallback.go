package resilience

import (
	"context"

	"github.com/MrWong99/auricle/pkg/provider/tts"
	"github.com/MrWong99/auricle/pkg/types"
)

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// TTS backends. Each backend has its own circuit breaker. The last registered
// fallback is typically the fixed-clip provider, which never fails, so a reply
// is always voiced even when every real backend is down.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Synthesize renders one sentence using the first healthy provider.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (tts.Result, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (tts.Result, error) {
		return p.Synthesize(ctx, text, voice)
	})
}

// ListVoices returns available voices from the first healthy provider that
// implements [tts.VoiceLister]. Providers without a voice catalogue are
// skipped.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]types.VoiceProfile, error) {
		lister, ok := p.(tts.VoiceLister)
		if !ok {
			return nil, ErrNotSupported
		}
		return lister.ListVoices(ctx)
	})
}
