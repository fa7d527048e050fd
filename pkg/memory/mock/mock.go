// Package mock provides a test double for the memory.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/auricle/pkg/memory"
	"github.com/MrWong99/auricle/pkg/types"
)

// QueryCall records a single invocation of Provider.Query.
type QueryCall struct {
	DeviceID string
	Query    string
	Limit    int
}

// SaveCall records a single invocation of Provider.Save.
type SaveCall struct {
	DeviceID string
	Messages []types.Message
}

// Provider is a mock implementation of memory.Provider.
type Provider struct {
	mu sync.Mutex

	// QueryResult is returned by every Query call.
	QueryResult string

	// QueryErr, if non-nil, is returned by every Query call.
	QueryErr error

	// SaveErr, if non-nil, is returned by every Save call.
	SaveErr error

	// QueryCalls records every call to Query in order.
	QueryCalls []QueryCall

	// SaveCalls records every call to Save in order.
	SaveCalls []SaveCall
}

// Query records the call and returns QueryResult, QueryErr.
func (p *Provider) Query(ctx context.Context, deviceID, query string, limit int) (string, error) {
	p.mu.Lock()
	p.QueryCalls = append(p.QueryCalls, QueryCall{DeviceID: deviceID, Query: query, Limit: limit})
	res, err := p.QueryResult, p.QueryErr
	p.mu.Unlock()

	if cerr := ctx.Err(); cerr != nil {
		return "", cerr
	}
	return res, err
}

// Save records the call and returns SaveErr.
func (p *Provider) Save(ctx context.Context, deviceID string, messages []types.Message) error {
	p.mu.Lock()
	cp := make([]types.Message, len(messages))
	copy(cp, messages)
	p.SaveCalls = append(p.SaveCalls, SaveCall{DeviceID: deviceID, Messages: cp})
	err := p.SaveErr
	p.mu.Unlock()

	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return err
}

// Saved returns a copy of the recorded Save calls. Thread-safe.
func (p *Provider) Saved() []SaveCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SaveCall, len(p.SaveCalls))
	copy(out, p.SaveCalls)
	return out
}

// Ensure Provider implements memory.Provider at compile time.
var _ memory.Provider = (*Provider)(nil)
