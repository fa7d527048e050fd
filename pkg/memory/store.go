// Package memory defines the per-device memory layer of the gateway.
//
// A memory provider stores a condensed record of past conversations keyed by
// device id and retrieves the fragments relevant to a new query. The turn
// engine queries memory before every LLM call and appends the result to the
// model input; the connection supervisor saves the finished dialogue on
// teardown (detached, so closing never blocks on storage).
//
// Three implementations ship with the gateway: NoOp (memory disabled), an
// in-process keyword store (local), and a Postgres/pgvector semantic store
// (postgres). All implementations must be safe for concurrent use.
package memory

import (
	"context"
	"time"

	"github.com/MrWong99/auricle/pkg/types"
)

// Fragment is one retrievable unit of remembered conversation.
type Fragment struct {
	// DeviceID is the device this fragment belongs to.
	DeviceID string

	// Content is the remembered text (typically "user: …\nassistant: …").
	Content string

	// Timestamp is when the fragment was recorded.
	Timestamp time.Time
}

// Provider is the abstraction over any memory backend.
type Provider interface {
	// Query returns remembered context relevant to query for the given device,
	// formatted as a single block ready for prompt injection. limit caps the
	// number of fragments considered; 0 applies the implementation default.
	// No relevant memory yields an empty string and a nil error.
	Query(ctx context.Context, deviceID, query string, limit int) (string, error)

	// Save persists the conversation messages for the given device. System
	// messages are skipped; implementations decide how to condense the rest.
	// Save must tolerate being called with an empty or system-only dialogue.
	Save(ctx context.Context, deviceID string, messages []types.Message) error
}

// NoOp is the memory provider used when memory is disabled. Queries return
// nothing and saves are discarded.
type NoOp struct{}

// Query implements Provider.
func (NoOp) Query(context.Context, string, string, int) (string, error) { return "", nil }

// Save implements Provider.
func (NoOp) Save(context.Context, string, []types.Message) error { return nil }

var _ Provider = NoOp{}
