// Package mock provides a scriptable test double for [llm.Provider].
//
// Each StreamCompletion call consumes the next entry of Turns, which lets a
// test script a tool-calling exchange: the first turn asks for a tool, the
// second answers with text.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	"github.com/MrWong99/voxrelay/pkg/types"
)

var _ llm.Provider = (*Provider)(nil)

// Provider is a mock implementation of [llm.Provider].
type Provider struct {
	mu sync.Mutex

	// Turns holds the chunks emitted by successive StreamCompletion calls.
	// Once exhausted, the last turn is repeated. An empty Turns streams a
	// single "stop" chunk.
	Turns [][]llm.Chunk

	// StreamErr, if non-nil, is returned from StreamCompletion.
	StreamErr error

	// Gate, if non-nil, is received from before each chunk is sent, letting a
	// test hold the stream open.
	Gate chan struct{}

	// CompleteResponse is returned from Complete.
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	Caps types.ModelCapabilities

	requests []llm.CompletionRequest
}

// StreamCompletion implements [llm.Provider].
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	n := len(p.requests)
	p.requests = append(p.requests, req)
	var turn []llm.Chunk
	switch {
	case len(p.Turns) == 0:
		turn = []llm.Chunk{{FinishReason: "stop"}}
	case n < len(p.Turns):
		turn = p.Turns[n]
	default:
		turn = p.Turns[len(p.Turns)-1]
	}
	streamErr, gate := p.StreamErr, p.Gate
	p.mu.Unlock()

	if streamErr != nil {
		return nil, streamErr
	}
	ch := make(chan llm.Chunk, len(turn))
	go func() {
		defer close(ch)
		for _, c := range turn {
			if gate != nil {
				select {
				case <-gate:
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if p.CompleteResponse == nil {
		return &llm.CompletionResponse{}, nil
	}
	return p.CompleteResponse, nil
}

// Capabilities implements [llm.Provider].
func (p *Provider) Capabilities() types.ModelCapabilities { return p.Caps }

// Requests returns a copy of every request received so far.
func (p *Provider) Requests() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.CompletionRequest(nil), p.requests...)
}
