package wakeword

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/MrWong99/auricle/pkg/provider/llm"
	"github.com/MrWong99/auricle/pkg/provider/tts"
	"github.com/MrWong99/auricle/pkg/types"
)

// defaultRefreshTTL is how long a cached greeting is served before a
// background regeneration is kicked off. Detections inside the window always
// get the identical payload.
const defaultRefreshTTL = 5 * time.Second

// greetingPrompt asks the LLM for a fresh one-liner. Kept deliberately short;
// the reply is spoken before the user has said anything of substance.
const greetingPrompt = "The user just said your wake phrase. Greet them in one short, warm sentence and ask what you can do for them. Reply with the sentence only."

// fallbackGreetingText is synthesized when no LLM is available or the LLM
// call fails during regeneration.
const fallbackGreetingText = "Hello! How can I help you?"

// Greeting is the cached spoken response for one voice.
type Greeting struct {
	// VoiceID identifies the voice the audio was synthesized with.
	VoiceID string

	// Text is the sentence that was synthesized.
	Text string

	// Audio is the synthesized audio payload.
	Audio tts.Result

	// RefreshedAt is when this record was generated.
	RefreshedAt time.Time
}

// GreeterOption is a functional option for configuring a [Greeter].
type GreeterOption func(*Greeter)

// WithRefreshTTL overrides how long a greeting is served before background
// regeneration. Default: 5 seconds.
func WithRefreshTTL(ttl time.Duration) GreeterOption {
	return func(g *Greeter) { g.refreshTTL = ttl }
}

// WithGreeterClock overrides the time source. Intended for tests.
func WithGreeterClock(now func() time.Time) GreeterOption {
	return func(g *Greeter) { g.now = now }
}

// Greeter produces the spoken wake-phrase greeting, caching one record per
// voice so repeated wake-ups do not pay an LLM plus TTS round trip each time.
//
// The first request for a voice generates synchronously. Later requests
// return the cached record immediately; once the record is older than the
// refresh TTL, a single background goroutine regenerates it while the stale
// audio keeps being served. Regeneration runs under a non-blocking lock, so
// concurrent wake-ups never pile up duplicate work.
type Greeter struct {
	llm llm.Provider
	tts tts.Provider

	refreshTTL time.Duration
	now        func() time.Time
	log        *slog.Logger

	cache *gocache.Cache

	// refreshing holds one *sync.Mutex per voice id, acquired with TryLock
	// so only one regeneration runs at a time.
	refreshing sync.Map
}

// NewGreeter creates a [Greeter]. llmp may be nil; greetings then use a fixed
// sentence. ttsp must be non-nil.
func NewGreeter(llmp llm.Provider, ttsp tts.Provider, opts ...GreeterOption) *Greeter {
	g := &Greeter{
		llm:        llmp,
		tts:        ttsp,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
		log:        slog.Default().With("component", "wakeword"),
		cache:      gocache.New(gocache.NoExpiration, 0),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Greeting returns the greeting for the given voice, generating it on first
// use. A cached record is returned as-is; if it is older than the refresh
// TTL, regeneration is started in the background and the stale record is
// served one more time.
func (g *Greeter) Greeting(ctx context.Context, voice types.VoiceProfile) (Greeting, error) {
	key := voice.ID

	if cached, ok := g.cache.Get(key); ok {
		rec := cached.(Greeting)
		if g.now().Sub(rec.RefreshedAt) >= g.refreshTTL {
			g.refreshAsync(ctx, voice)
		}
		return rec, nil
	}

	rec, err := g.generate(ctx, voice)
	if err != nil {
		return Greeting{}, err
	}
	g.cache.SetDefault(key, rec)
	return rec, nil
}

// Flush drops all cached greetings. Called on configuration reload.
func (g *Greeter) Flush() {
	g.cache.Flush()
}

// refreshAsync regenerates the greeting for voice in a detached goroutine.
// If another regeneration for the same voice is already running, it does
// nothing.
func (g *Greeter) refreshAsync(ctx context.Context, voice types.VoiceProfile) {
	muAny, _ := g.refreshing.LoadOrStore(voice.ID, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	if !mu.TryLock() {
		return
	}

	// Detached from the connection: the greeting outlives any single wake-up.
	bg := context.WithoutCancel(ctx)
	go func() {
		defer mu.Unlock()
		rec, err := g.generate(bg, voice)
		if err != nil {
			g.log.Warn("greeting refresh failed, keeping stale record",
				"voice_id", voice.ID, "error", err)
			return
		}
		g.cache.SetDefault(voice.ID, rec)
	}()
}

// generate produces a new greeting record: text from the LLM (or the fixed
// fallback), audio from the TTS provider.
func (g *Greeter) generate(ctx context.Context, voice types.VoiceProfile) (Greeting, error) {
	text := g.greetingText(ctx)

	audio, err := g.tts.Synthesize(ctx, text, voice)
	if err != nil {
		return Greeting{}, fmt.Errorf("wakeword: synthesize greeting: %w", err)
	}

	return Greeting{
		VoiceID:     voice.ID,
		Text:        text,
		Audio:       audio,
		RefreshedAt: g.now(),
	}, nil
}

// greetingText asks the LLM for a greeting sentence, degrading to the fixed
// fallback on any failure.
func (g *Greeter) greetingText(ctx context.Context) string {
	if g.llm == nil {
		return fallbackGreetingText
	}
	resp, err := g.llm.Complete(ctx, llm.CompletionRequest{
		Messages:    []types.Message{{Role: "user", Content: greetingPrompt}},
		Temperature: 0.9,
		MaxTokens:   60,
	})
	if err != nil || resp == nil || resp.Content == "" {
		if err != nil {
			g.log.Warn("greeting text generation failed, using fallback", "error", err)
		}
		return fallbackGreetingText
	}
	return resp.Content
}
