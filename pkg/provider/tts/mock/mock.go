// Package mock provides a scripted [tts.Provider] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
	"github.com/MrWong99/voxrelay/pkg/types"
)

var _ tts.Provider = (*Provider)(nil)

// Provider emits BytesPerSentence zero bytes for every complete sentence it
// reads and records the sentences.
type Provider struct {
	BytesPerSentence int
	Out              audio.Format

	// Err fails SynthesizeStream itself.
	Err error

	// SentenceErr, if non-nil, is recorded on the stream for every sentence
	// instead of emitting audio. It is read when the stream starts.
	SentenceErr error

	mu        sync.Mutex
	sentences []string
}

// Sentences returns every sentence synthesised so far.
func (p *Provider) Sentences() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sentences...)
}

// Format implements [tts.Provider].
func (p *Provider) Format() audio.Format {
	if p.Out.SampleRate == 0 {
		return audio.Format{SampleRate: 24000, Channels: 1}
	}
	return p.Out
}

// SynthesizeStream implements [tts.Provider].
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, _ types.VoiceProfile) (*tts.Stream, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	n := p.BytesPerSentence
	if n == 0 {
		n = 480
	}
	sentenceErr := p.SentenceErr
	out := tts.NewStream(0)
	go func() {
		defer out.Close()
		var sb tts.SentenceBuffer
		emit := func(s string) bool {
			p.mu.Lock()
			p.sentences = append(p.sentences, s)
			p.mu.Unlock()
			if sentenceErr != nil {
				out.Fail(sentenceErr)
				return ctx.Err() == nil
			}
			return out.Send(ctx, make([]byte, n))
		}
		for {
			select {
			case frag, ok := <-text:
				if !ok {
					if tail := sb.Flush(); tail != "" {
						emit(tail)
					}
					return
				}
				for _, s := range sb.Write(frag) {
					if !emit(s) {
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
