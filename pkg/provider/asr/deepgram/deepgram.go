// Package deepgram provides a Deepgram-backed ASR provider using the
// pre-recorded transcription REST API. It implements the asr.Provider
// interface.
//
// The gateway hands over one complete utterance at a time, so the batch
// endpoint fits better than Deepgram's streaming WebSocket: one POST with the
// raw PCM body, one JSON response with the transcript.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/MrWong99/auricle/pkg/provider/asr"
	"github.com/MrWong99/auricle/pkg/types"
)

const (
	listenEndpoint    = "https://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
	defaultTimeout    = 30 * time.Second
)

// Compile-time interface assertion.
var _ asr.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de").
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithBaseURL overrides the API endpoint, for tests or self-hosted Deepgram.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.endpoint = u }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// Provider implements asr.Provider backed by the Deepgram pre-recorded API.
type Provider struct {
	apiKey     string
	model      string
	language   string
	endpoint   string
	httpClient *http.Client
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		endpoint:   listenEndpoint,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// listenResponse is the JSON structure returned by the pre-recorded API.
type listenResponse struct {
	Metadata struct {
		Duration float64 `json:"duration"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe implements asr.Provider. The utterance is posted as raw
// linear16 PCM; format parameters travel in the query string.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, cfg asr.AudioConfig) (types.Transcript, error) {
	if len(pcm) == 0 {
		return types.Transcript{}, nil
	}

	u, err := p.buildURL(cfg)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("deepgram: build URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(pcm))
	if err != nil {
		return types.Transcript{}, fmt.Errorf("deepgram: build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", "audio/raw")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return types.Transcript{}, ctx.Err()
		}
		return types.Transcript{}, fmt.Errorf("deepgram: transcription request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return types.Transcript{}, fmt.Errorf("deepgram: transcription status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}

	var lr listenResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return types.Transcript{}, fmt.Errorf("deepgram: decode response: %w", err)
	}

	if len(lr.Results.Channels) == 0 || len(lr.Results.Channels[0].Alternatives) == 0 {
		return types.Transcript{}, nil
	}
	alt := lr.Results.Channels[0].Alternatives[0]
	return types.Transcript{
		Text:       alt.Transcript,
		Confidence: alt.Confidence,
		Duration:   time.Duration(lr.Metadata.Duration * float64(time.Second)),
	}, nil
}

// buildURL constructs the pre-recorded endpoint URL for the given config.
func (p *Provider) buildURL(cfg asr.AudioConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}
	ch := cfg.Channels
	if ch <= 0 {
		ch = 1
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", strconv.Itoa(ch))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
