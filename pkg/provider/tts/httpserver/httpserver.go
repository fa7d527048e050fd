// Package httpserver provides a TTS provider backed by a self-hosted HTTP
// synthesis server. It implements the tts.Provider interface.
//
// Two API modes are supported:
//
//   - APIModeQuery (default): targets servers in the Coqui TTS / Piper HTTP
//     family. Synthesis is performed via GET /api/tts with URL query
//     parameters; the response body is a WAV file.
//
//   - APIModeJSON: targets XTTS-style API servers. Synthesis is performed via
//     POST /tts_to_audio/ with a JSON body; voice listing is available from
//     GET /studio_speakers.
//
// The WAV response is parsed with pkg/audio so varying fmt-chunk layouts are
// tolerated; only the PCM payload and its reported format reach the caller.
//
// Typical usage:
//
//	p, err := httpserver.New("http://localhost:5002",
//	    httpserver.WithLanguage("en"),
//	    httpserver.WithTimeout(15*time.Second),
//	)
//	res, err := p.Synthesize(ctx, "Hello there.", types.VoiceProfile{})
package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/MrWong99/auricle/pkg/audio"
	"github.com/MrWong99/auricle/pkg/provider/tts"
	"github.com/MrWong99/auricle/pkg/types"
)

// Compile-time interface assertions.
var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second

	queryEndpoint          = "/api/tts"
	jsonEndpoint           = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"
)

// APIMode selects which server API the provider will target.
type APIMode string

const (
	// APIModeQuery targets Coqui/Piper-style servers (GET /api/tts).
	APIModeQuery APIMode = "query"

	// APIModeJSON targets XTTS-style API servers (POST /tts_to_audio/).
	APIModeJSON APIMode = "json"
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the BCP-47 language code sent to the server (e.g., "en",
// "de"). Defaults to "en" if not set.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithAPIMode sets the server API mode. APIModeQuery is the default.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) { p.apiMode = mode }
}

// Provider implements tts.Provider backed by a local HTTP synthesis server.
// It is safe for concurrent use; multiple Synthesize calls may run in parallel.
type Provider struct {
	serverURL  string
	language   string
	apiMode    APIMode
	httpClient *http.Client
}

// New creates a Provider that targets the synthesis server at serverURL
// (e.g., "http://localhost:5002"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("httpserver: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		apiMode:    APIModeQuery,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ttsRequest is the JSON body sent to POST /tts_to_audio/ (JSON mode).
type ttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// Synthesize implements tts.Provider. The server's WAV response is unwrapped
// into raw PCM; the reported sample rate and channel count come from the WAV
// fmt chunk.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (tts.Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return tts.Result{}, nil
	}

	var (
		req *http.Request
		err error
	)
	switch p.apiMode {
	case APIModeJSON:
		req, err = p.jsonRequest(ctx, text, voice)
	default:
		req, err = p.queryRequest(ctx, text, voice)
	}
	if err != nil {
		return tts.Result{}, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return tts.Result{}, ctx.Err()
		}
		return tts.Result{}, fmt.Errorf("httpserver: synthesis request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return tts.Result{}, fmt.Errorf("httpserver: synthesis status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Result{}, fmt.Errorf("httpserver: read synthesis response: %w", err)
	}
	pcm, info, err := audio.DecodeWAV(wav)
	if err != nil {
		return tts.Result{}, fmt.Errorf("httpserver: parse synthesis response: %w", err)
	}
	return tts.Result{
		PCM:        pcm,
		SampleRate: info.SampleRate,
		Channels:   info.Channels,
	}, nil
}

func (p *Provider) queryRequest(ctx context.Context, text string, voice types.VoiceProfile) (*http.Request, error) {
	q := url.Values{}
	q.Set("text", text)
	if voice.ID != "" {
		q.Set("speaker_id", voice.ID)
	}
	u := p.serverURL + queryEndpoint + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("httpserver: build request: %w", err)
	}
	return req, nil
}

func (p *Provider) jsonRequest(ctx context.Context, text string, voice types.VoiceProfile) (*http.Request, error) {
	if voice.ID == "" {
		return nil, errors.New("httpserver: voice.ID must not be empty in JSON mode")
	}
	body, err := json.Marshal(ttsRequest{
		Text:       text,
		SpeakerWav: voice.ID,
		Language:   p.language,
	})
	if err != nil {
		return nil, fmt.Errorf("httpserver: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+jsonEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("httpserver: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// studioSpeakersResponse is the raw map[name]any returned by
// GET /studio_speakers. Only the keys (voice names) matter here.
type studioSpeakersResponse map[string]json.RawMessage

// ListVoices implements tts.VoiceLister. Only JSON-mode servers expose a
// speaker catalogue; query-mode servers return a single default voice.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	if p.apiMode != APIModeJSON {
		return []types.VoiceProfile{{Name: "default", Provider: "httpserver"}}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+studioSpeakersEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("httpserver: list voices: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpserver: list voices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httpserver: list voices: unexpected status %d", resp.StatusCode)
	}

	var speakers studioSpeakersResponse
	if err := json.NewDecoder(resp.Body).Decode(&speakers); err != nil {
		return nil, fmt.Errorf("httpserver: list voices decode: %w", err)
	}

	names := make([]string, 0, len(speakers))
	for name := range speakers {
		names = append(names, name)
	}
	sort.Strings(names)

	profiles := make([]types.VoiceProfile, 0, len(names))
	for _, name := range names {
		profiles = append(profiles, types.VoiceProfile{
			ID:       name,
			Name:     name,
			Provider: "httpserver",
		})
	}
	return profiles, nil
}
