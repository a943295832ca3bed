// Package tts defines the Provider interface for text-to-speech backends and
// the sentence segmentation shared by streaming implementations.
package tts

import (
	"context"
	"errors"
	"strings"
	"sync"
	"unicode"

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/types"
)

// Provider synthesises speech.
//
// SynthesizeStream reads text fragments (typically LLM tokens) from text until
// it is closed, and emits raw PCM in [Provider.Format] as soon as each sentence
// is ready. The stream's audio channel is closed once all audio has been sent
// or ctx is cancelled. A non-nil error means the stream could not be started;
// failures after that are recorded on the [Stream].
type Provider interface {
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (*Stream, error)

	// Format reports the PCM format of the emitted audio.
	Format() audio.Format
}

// Stream is one synthesis in progress. The provider writes with Send, records
// failures it recovered from with Fail, and calls Close when done. Consumers
// read Audio until it is closed and then check Err.
type Stream struct {
	audio     chan []byte
	closeOnce sync.Once

	mu   sync.Mutex
	errs []error
}

// NewStream returns a stream whose audio channel holds up to buffer chunks.
func NewStream(buffer int) *Stream {
	return &Stream{audio: make(chan []byte, buffer)}
}

// Audio returns the PCM chunks in order.
func (s *Stream) Audio() <-chan []byte { return s.audio }

// Send delivers pcm and reports false if ctx ended first.
func (s *Stream) Send(ctx context.Context, pcm []byte) bool {
	select {
	case s.audio <- pcm:
		return true
	case <-ctx.Done():
		return false
	}
}

// Fail records a failure that did not end the stream, such as a sentence
// the backend could not synthesise.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

// Close closes the audio channel. It is safe to call more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.audio) })
}

// Err joins every failure recorded with Fail. It is complete once Audio has
// been closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.errs...)
}

// SentenceBuffer accumulates streamed text and releases whole sentences.
// A sentence ends at '.', '!' or '?' followed by whitespace, so "3.14" and
// "e.g.x" do not split. The zero value is ready to use.
type SentenceBuffer struct {
	buf strings.Builder
}

// Write appends fragment and returns every sentence completed by it.
func (b *SentenceBuffer) Write(fragment string) []string {
	b.buf.WriteString(fragment)
	var out []string
	for {
		s := b.buf.String()
		idx := sentenceEnd(s)
		if idx < 0 {
			return out
		}
		b.buf.Reset()
		b.buf.WriteString(s[idx+1:])
		if sentence := strings.TrimSpace(s[:idx+1]); sentence != "" {
			out = append(out, sentence)
		}
	}
}

// Flush returns any buffered trailing text and empties the buffer.
func (b *SentenceBuffer) Flush() string {
	s := strings.TrimSpace(b.buf.String())
	b.buf.Reset()
	return s
}

func sentenceEnd(s string) int {
	for i := 0; i+1 < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			if unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}
