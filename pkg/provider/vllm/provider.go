// Package vllm defines the Provider interface for vision-language backends.
//
// A VLLM provider answers a free-form question about a single image. It backs
// the gateway's vision analysis HTTP endpoint, where devices upload a camera
// capture together with a question and receive a short textual answer.
//
// Implementations must be safe for concurrent use.
package vllm

import "context"

// Provider is the abstraction over any vision-language backend.
type Provider interface {
	// Explain answers question about the given image. mimeType identifies the
	// image encoding (e.g., "image/jpeg"). Implementations must honor ctx
	// cancellation and return ctx.Err() when aborted.
	Explain(ctx context.Context, question string, image []byte, mimeType string) (string, error)
}
