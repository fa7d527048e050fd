// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to inject synthesis results and inspect the sentences that
// were synthesized:
//
//	p := &mock.Provider{
//	    Result: tts.Result{PCM: []byte{1, 0}, SampleRate: 16000, Channels: 1},
//	}
//	res, _ := p.Synthesize(ctx, "Hello.", types.VoiceProfile{})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/auricle/pkg/provider/tts"
	"github.com/MrWong99/auricle/pkg/types"
)

// SynthesizeCall records a single invocation of Provider.Synthesize.
type SynthesizeCall struct {
	// Text is the sentence passed to Synthesize.
	Text string

	// Voice is the voice profile passed to Synthesize.
	Voice types.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by every Synthesize call unless SynthesizeFunc is set.
	Result tts.Result

	// SynthesizeErr, if non-nil, is returned by every Synthesize call.
	SynthesizeErr error

	// SynthesizeFunc, if non-nil, computes the result per call after the call
	// is recorded. It overrides Result and SynthesizeErr.
	SynthesizeFunc func(ctx context.Context, text string, voice types.VoiceProfile) (tts.Result, error)

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []types.VoiceProfile

	// ListVoicesErr, if non-nil, is returned by every ListVoices call.
	ListVoicesErr error
}

// Synthesize records the call and returns the configured result.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (tts.Result, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Text: text, Voice: voice})
	fn := p.SynthesizeFunc
	res, err := p.Result, p.SynthesizeErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, text, voice)
	}
	if err := ctx.Err(); err != nil {
		return tts.Result{}, err
	}
	return res, err
}

// ListVoices returns the configured voice catalogue.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ListVoicesResult, p.ListVoicesErr
}

// Calls returns a copy of the recorded Synthesize calls. Thread-safe.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeCall, len(p.SynthesizeCalls))
	copy(out, p.SynthesizeCalls)
	return out
}

// ResetCalls clears all recorded call history. Thread-safe.
func (p *Provider) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}

// Ensure Provider implements tts.Provider and tts.VoiceLister at compile time.
var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
)
