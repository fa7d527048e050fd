package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/auricle/pkg/provider/tts"
	ttsmock "github.com/MrWong99/auricle/pkg/provider/tts/mock"
	"github.com/MrWong99/auricle/pkg/types"
)

func TestTTSFallback_Synthesize_PrimarySuccess(t *testing.T) {
	primary := &ttsmock.Provider{
		Result: tts.Result{PCM: []byte("primary-audio"), SampleRate: 16000, Channels: 1},
	}
	secondary := &ttsmock.Provider{
		Result: tts.Result{PCM: []byte("fallback-audio"), SampleRate: 16000, Channels: 1},
	}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	res, err := fb.Synthesize(context.Background(), "hello", types.VoiceProfile{ID: "v1", Name: "TestVoice"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(res.PCM) != "primary-audio" {
		t.Fatalf("PCM = %q, want primary-audio", string(res.PCM))
	}
	if len(primary.SynthesizeCalls) != 1 {
		t.Fatalf("primary called %d times, want 1", len(primary.SynthesizeCalls))
	}
	if len(secondary.SynthesizeCalls) != 0 {
		t.Fatalf("secondary called %d times, want 0", len(secondary.SynthesizeCalls))
	}
}

func TestTTSFallback_Synthesize_Failover(t *testing.T) {
	primary := &ttsmock.Provider{
		SynthesizeErr: errors.New("primary down"),
	}
	secondary := &ttsmock.Provider{
		Result: tts.Result{PCM: []byte("fallback-audio"), SampleRate: 16000, Channels: 1},
	}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	res, err := fb.Synthesize(context.Background(), "hello", types.VoiceProfile{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(res.PCM) != "fallback-audio" {
		t.Fatalf("PCM = %q, want fallback-audio", string(res.PCM))
	}
	if len(primary.SynthesizeCalls) != 1 {
		t.Fatalf("primary called %d times, want 1", len(primary.SynthesizeCalls))
	}
}

func TestTTSFallback_Synthesize_AllFail(t *testing.T) {
	primary := &ttsmock.Provider{SynthesizeErr: errors.New("primary down")}
	secondary := &ttsmock.Provider{SynthesizeErr: errors.New("secondary down")}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Synthesize(context.Background(), "hello", types.VoiceProfile{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestTTSFallback_ListVoices_SkipsNonListers(t *testing.T) {
	// The mock implements VoiceLister, so wrap the primary in a plain
	// Provider-only shim to exercise the skip path.
	primary := synthOnly{&ttsmock.Provider{
		Result: tts.Result{PCM: []byte("x")},
	}}
	secondary := &ttsmock.Provider{
		ListVoicesResult: []types.VoiceProfile{
			{ID: "v1", Name: "Alice"},
			{ID: "v2", Name: "Bob"},
		},
	}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	voices, err := fb.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("got %d voices, want 2", len(voices))
	}
	if voices[0].Name != "Alice" {
		t.Fatalf("voices[0].Name = %q, want Alice", voices[0].Name)
	}
}

// synthOnly hides every optional interface of the wrapped provider.
type synthOnly struct {
	p tts.Provider
}

func (s synthOnly) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (tts.Result, error) {
	return s.p.Synthesize(ctx, text, voice)
}
