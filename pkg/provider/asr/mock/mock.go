// Package mock provides a test double for the asr.Provider interface.
//
// Use Provider to inject transcripts and inspect the utterances that were
// submitted for recognition:
//
//	p := &mock.Provider{
//	    Result: types.Transcript{Text: "what's the weather"},
//	}
//	tr, _ := p.Transcribe(ctx, pcm, asr.AudioConfig{SampleRate: 16000})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/auricle/pkg/provider/asr"
	"github.com/MrWong99/auricle/pkg/types"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// PCM is a copy of the utterance bytes passed to Transcribe.
	PCM []byte

	// Cfg is the audio config passed to Transcribe.
	Cfg asr.AudioConfig
}

// Provider is a mock implementation of asr.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by every Transcribe call unless TranscribeFunc is set.
	Result types.Transcript

	// TranscribeErr, if non-nil, is returned by every Transcribe call.
	TranscribeErr error

	// TranscribeFunc, if non-nil, computes the result per call after the call
	// is recorded. It overrides Result and TranscribeErr.
	TranscribeFunc func(ctx context.Context, pcm []byte, cfg asr.AudioConfig) (types.Transcript, error)

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall
}

// Transcribe records the call and returns the configured result.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, cfg asr.AudioConfig) (types.Transcript, error) {
	p.mu.Lock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{PCM: cp, Cfg: cfg})
	fn := p.TranscribeFunc
	res, err := p.Result, p.TranscribeErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, pcm, cfg)
	}
	if err := ctx.Err(); err != nil {
		return types.Transcript{}, err
	}
	return res, err
}

// Calls returns a copy of the recorded Transcribe calls. Thread-safe.
func (p *Provider) Calls() []TranscribeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TranscribeCall, len(p.TranscribeCalls))
	copy(out, p.TranscribeCalls)
	return out
}

// ResetCalls clears all recorded call history. Thread-safe.
func (p *Provider) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
}

// Ensure Provider implements asr.Provider at compile time.
var _ asr.Provider = (*Provider)(nil)
