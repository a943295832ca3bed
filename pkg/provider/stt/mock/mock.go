// Package mock provides a test double for [stt.Provider].
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/provider/stt"
)

var _ stt.Provider = (*Provider)(nil)

// Provider returns queued transcripts in order. When the queue is empty it
// returns Default.
type Provider struct {
	mu sync.Mutex

	Queue   []string
	Default string
	Err     error

	// Fail is consumed one entry per call ahead of Err. A nil entry lets
	// that call succeed.
	Fail []error

	requests []stt.Request
}

// Transcribe implements [stt.Provider].
func (p *Provider) Transcribe(_ context.Context, req stt.Request) (stt.Transcript, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.Fail) > 0 {
		err := p.Fail[0]
		p.Fail = p.Fail[1:]
		if err != nil {
			return stt.Transcript{}, err
		}
	}
	if p.Err != nil {
		return stt.Transcript{}, p.Err
	}
	text := p.Default
	if len(p.Queue) > 0 {
		text, p.Queue = p.Queue[0], p.Queue[1:]
	}
	return stt.Transcript{Text: text, AudioDuration: req.Format().Duration(len(req.Audio))}, nil
}

// Requests returns a copy of every request received.
func (p *Provider) Requests() []stt.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]stt.Request(nil), p.requests...)
}
