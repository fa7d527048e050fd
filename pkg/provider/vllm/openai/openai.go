// Package openai provides a vision-language provider backed by any
// OpenAI-compatible chat completions API with vision support (OpenAI itself,
// or self-hosted gateways exposing the same surface). It implements the
// vllm.Provider interface.
//
// The image travels inline as a base64 data URI content part, so no upload
// staging is needed.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/auricle/pkg/provider/vllm"
)

// Compile-time interface assertion.
var _ vllm.Provider = (*Provider)(nil)

const defaultMIMEType = "image/jpeg"

// Provider implements vllm.Provider using an OpenAI-compatible API.
type Provider struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL, e.g. to target a
// self-hosted vision gateway.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs a new vision Provider.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Explain implements vllm.Provider.
func (p *Provider) Explain(ctx context.Context, question string, image []byte, mimeType string) (string, error) {
	if question == "" {
		return "", errors.New("openai: question must not be empty")
	}
	if len(image) == 0 {
		return "", errors.New("openai: image must not be empty")
	}
	if mimeType == "" {
		mimeType = defaultMIMEType
	}

	dataURI := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image)

	resp, err := p.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.UserMessage([]oai.ChatCompletionContentPartUnionParam{
				oai.TextContentPart(question),
				oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{URL: dataURI}),
			}),
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("openai: vision completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: empty choices in vision response")
	}
	return resp.Choices[0].Message.Content, nil
}
