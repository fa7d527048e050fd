package resilience

import (
	"context"

	"github.com/MrWong99/auricle/pkg/provider/asr"
	"github.com/MrWong99/auricle/pkg/types"
)

// ASRFallback implements [asr.Provider] with automatic failover across
// multiple speech recognition backends. Each backend has its own circuit
// breaker.
type ASRFallback struct {
	group *FallbackGroup[asr.Provider]
}

// Compile-time interface assertion.
var _ asr.Provider = (*ASRFallback)(nil)

// NewASRFallback creates an [ASRFallback] with primary as the preferred backend.
func NewASRFallback(primary asr.Provider, primaryName string, cfg FallbackConfig) *ASRFallback {
	return &ASRFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional ASR provider as a fallback.
func (f *ASRFallback) AddFallback(name string, provider asr.Provider) {
	f.group.AddFallback(name, provider)
}

// Transcribe converts the utterance using the first healthy provider.
func (f *ASRFallback) Transcribe(ctx context.Context, pcm []byte, cfg asr.AudioConfig) (types.Transcript, error) {
	return ExecuteWithResult(f.group, func(p asr.Provider) (types.Transcript, error) {
		return p.Transcribe(ctx, pcm, cfg)
	})
}
