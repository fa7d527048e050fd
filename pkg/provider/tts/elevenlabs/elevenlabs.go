// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// batch text-to-speech REST API. It implements the tts.Provider interface.
//
// Synthesis requests ask for raw PCM output (pcm_16000 by default) so no
// container parsing is needed; the response body is the audio verbatim.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/auricle/pkg/provider/tts"
	"github.com/MrWong99/auricle/pkg/types"
)

// Compile-time interface assertions.
var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
)

const (
	synthesizeEndpointFmt = "https://api.elevenlabs.io/v1/text-to-speech/%s"
	voicesEndpoint        = "https://api.elevenlabs.io/v1/voices"
	defaultModel          = "eleven_flash_v2_5"
	defaultOutputFormat   = "pcm_16000"
	defaultTimeout        = 30 * time.Second
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithOutputFormat sets the audio output format. Only the raw PCM formats
// ("pcm_16000", "pcm_22050", "pcm_24000", "pcm_44100") are supported because
// the gateway expects unwrapped samples.
func WithOutputFormat(format string) Option {
	return func(p *Provider) { p.outputFormat = format }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// Provider implements tts.Provider backed by the ElevenLabs REST API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	httpClient   *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFormat,
		httpClient:   &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	if _, err := pcmRate(p.outputFormat); err != nil {
		return nil, err
	}
	return p, nil
}

// synthesizeRequest is the JSON body of POST /v1/text-to-speech/{voice}.
type synthesizeRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (tts.Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return tts.Result{}, nil
	}
	if voice.ID == "" {
		return tts.Result{}, errors.New("elevenlabs: voice.ID must not be empty")
	}

	body, err := json.Marshal(synthesizeRequest{
		Text:    text,
		ModelID: p.model,
		VoiceSettings: voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
	})
	if err != nil {
		return tts.Result{}, fmt.Errorf("elevenlabs: encode request: %w", err)
	}

	u := fmt.Sprintf(synthesizeEndpointFmt, voice.ID) + "?output_format=" + p.outputFormat
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return tts.Result{}, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return tts.Result{}, ctx.Err()
		}
		return tts.Result{}, fmt.Errorf("elevenlabs: synthesis request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return tts.Result{}, fmt.Errorf("elevenlabs: synthesis status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Result{}, fmt.Errorf("elevenlabs: read synthesis response: %w", err)
	}

	rate, err := pcmRate(p.outputFormat)
	if err != nil {
		return tts.Result{}, err
	}
	return tts.Result{
		PCM:        pcm,
		SampleRate: rate,
		Channels:   1,
	}, nil
}

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, voicesEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}

	profiles := make([]types.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		profiles = append(profiles, types.VoiceProfile{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: "elevenlabs",
			Metadata: meta,
		})
	}
	return profiles, nil
}

// pcmRate extracts the sample rate from a pcm_* output format string.
func pcmRate(format string) (int, error) {
	rest, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("elevenlabs: unsupported output format %q (only pcm_* formats)", format)
	}
	rate, err := strconv.Atoi(rest)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("elevenlabs: unsupported output format %q", format)
	}
	return rate, nil
}
