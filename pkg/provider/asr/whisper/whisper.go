// Package whisper provides a local whisper.cpp-backed ASR provider using the
// CGO bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
//
// The model is loaded once at startup and shared across all connections. Each
// Transcribe call creates its own whisper.cpp context, so concurrent
// utterances from different connections do not interfere.
//
// Usage:
//
//	p, err := whisper.New("models/ggml-base.bin", whisper.WithLanguage("en"))
//	transcript, err := p.Transcribe(ctx, pcm, asr.AudioConfig{SampleRate: 16000, Channels: 1})
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/auricle/pkg/provider/asr"
	"github.com/MrWong99/auricle/pkg/types"
)

const (
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// Compile-time assertion that Provider satisfies asr.Provider.
var _ asr.Provider = (*Provider)(nil)

// Provider implements asr.Provider using whisper.cpp Go bindings (CGO).
type Provider struct {
	model    whisperlib.Model
	language string
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the BCP-47 language code for transcription
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// New creates a Provider that loads the whisper.cpp model from the given file
// path. The model is loaded once and shared across all concurrent calls. The
// caller must call Close when the provider is no longer needed.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &Provider{
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model. Must be called when the provider is no
// longer needed.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Transcribe implements asr.Provider. It converts the utterance to float32
// mono samples, runs whisper.cpp inference on a fresh context, and returns
// the concatenated segment text.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, cfg asr.AudioConfig) (types.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return types.Transcript{}, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	if len(pcm) < 2 {
		return types.Transcript{}, nil
	}

	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}

	samples := pcmToFloat32Mono(pcm, channels)

	// Each whisper context is NOT thread-safe, but the model can be shared
	// across goroutines. Create a fresh context per utterance.
	wctx, err := p.model.NewContext()
	if err != nil {
		return types.Transcript{}, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		return types.Transcript{}, fmt.Errorf("whisper: set language %q: %w", lang, err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return types.Transcript{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return types.Transcript{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	duration := time.Duration(len(samples)) * time.Second / time.Duration(sampleRate)
	return types.Transcript{
		Text:     strings.Join(parts, " "),
		Duration: duration,
	}, nil
}
