// Package mock provides a test double for the vllm.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/auricle/pkg/provider/vllm"
)

// ExplainCall records a single invocation of Provider.Explain.
type ExplainCall struct {
	// Question is the question passed to Explain.
	Question string

	// ImageLen is the byte length of the submitted image.
	ImageLen int

	// MIMEType is the image MIME type passed to Explain.
	MIMEType string
}

// Provider is a mock implementation of vllm.Provider.
type Provider struct {
	mu sync.Mutex

	// Answer is returned by every Explain call.
	Answer string

	// ExplainErr, if non-nil, is returned by every Explain call.
	ExplainErr error

	// ExplainCalls records every call to Explain in order.
	ExplainCalls []ExplainCall
}

// Explain records the call and returns Answer, ExplainErr.
func (p *Provider) Explain(ctx context.Context, question string, image []byte, mimeType string) (string, error) {
	p.mu.Lock()
	p.ExplainCalls = append(p.ExplainCalls, ExplainCall{Question: question, ImageLen: len(image), MIMEType: mimeType})
	answer, err := p.Answer, p.ExplainErr
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	return answer, err
}

// Calls returns a copy of all recorded Explain calls.
func (p *Provider) Calls() []ExplainCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	calls := make([]ExplainCall, len(p.ExplainCalls))
	copy(calls, p.ExplainCalls)
	return calls
}

// Ensure Provider implements vllm.Provider at compile time.
var _ vllm.Provider = (*Provider)(nil)
