// Package usage aggregates the per-step events a session publishes into a
// running usage summary.
//
// Sessions hand out event channels through Subscribe; a [Collector] drains
// one channel until it is closed, logging every event and folding it into a
// [Summary]. [Collector.Flush] waits for the drain to finish so shutdown
// hooks report a complete summary.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxrelay/internal/observe"
)

// Kind identifies which pipeline step produced an [Event].
type Kind string

const (
	KindVAD Kind = "vad"
	KindEOU Kind = "eou"
	KindSTT Kind = "stt"
	KindLLM Kind = "llm"
	KindTTS Kind = "tts"
)

// Event is one measurement emitted by a session. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind      Kind
	Timestamp time.Time

	// SpeechID groups the events belonging to one user or agent turn.
	SpeechID string

	// Label names the backend, e.g. "openai" or "energy".
	Label string

	// Duration is the total processing time of the step.
	Duration time.Duration

	// Error is set when the step failed.
	Error bool

	// STT: length of the transcribed segment. VAD: audio classified since
	// the previous VAD event, silence included. TTS: audio played.
	AudioDuration time.Duration

	// VAD: number of frames classified since the previous VAD event.
	Inferences int

	// EOU: time from end of speech to turn commit.
	EndOfUtteranceDelay time.Duration

	// LLM.
	TTFT             time.Duration
	PromptTokens     int
	CompletionTokens int

	// TTS.
	TTFB       time.Duration
	Characters int
	Cancelled  bool
}

// LogValue renders the kind-specific fields.
func (e Event) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("kind", string(e.Kind)),
		slog.String("speech_id", e.SpeechID),
	}
	if e.Label != "" {
		attrs = append(attrs, slog.String("label", e.Label))
	}
	switch e.Kind {
	case KindVAD:
		attrs = append(attrs, slog.Int("inferences", e.Inferences), slog.Duration("audio", e.AudioDuration))
	case KindEOU:
		attrs = append(attrs, slog.Duration("end_of_utterance_delay", e.EndOfUtteranceDelay))
	case KindSTT:
		attrs = append(attrs, slog.Duration("duration", e.Duration), slog.Duration("audio", e.AudioDuration))
	case KindLLM:
		attrs = append(attrs,
			slog.Duration("ttft", e.TTFT),
			slog.Duration("duration", e.Duration),
			slog.Int("prompt_tokens", e.PromptTokens),
			slog.Int("completion_tokens", e.CompletionTokens),
		)
	case KindTTS:
		attrs = append(attrs,
			slog.Duration("ttfb", e.TTFB),
			slog.Duration("duration", e.Duration),
			slog.Duration("audio", e.AudioDuration),
			slog.Int("characters", e.Characters),
			slog.Bool("cancelled", e.Cancelled),
		)
	}
	if e.Error {
		attrs = append(attrs, slog.Bool("error", true))
	}
	return slog.GroupValue(attrs...)
}

// Summary is the running total of a session's usage.
type Summary struct {
	LLMPromptTokens     int
	LLMCompletionTokens int
	LLMRequests         int
	TTSCharacters       int
	TTSAudioDuration    time.Duration
	STTAudioDuration    time.Duration
	Turns               int
	Errors              int
}

// String formats the summary for the shutdown log line.
func (s Summary) String() string {
	return fmt.Sprintf(
		"llm_prompt_tokens=%d llm_completion_tokens=%d llm_requests=%d tts_characters=%d tts_audio_duration=%s stt_audio_duration=%s turns=%d errors=%d",
		s.LLMPromptTokens, s.LLMCompletionTokens, s.LLMRequests, s.TTSCharacters,
		s.TTSAudioDuration.Round(time.Millisecond), s.STTAudioDuration.Round(time.Millisecond),
		s.Turns, s.Errors,
	)
}

// add folds one event in.
func (s *Summary) add(e Event) {
	if e.Error {
		s.Errors++
	}
	switch e.Kind {
	case KindLLM:
		s.LLMRequests++
		s.LLMPromptTokens += e.PromptTokens
		s.LLMCompletionTokens += e.CompletionTokens
	case KindTTS:
		s.TTSCharacters += e.Characters
		s.TTSAudioDuration += e.AudioDuration
	case KindSTT:
		s.STTAudioDuration += e.AudioDuration
	case KindEOU:
		s.Turns++
	}
}

// Collector logs and accumulates events. A Collector drains exactly one
// channel; create one per session.
type Collector struct {
	logger  *slog.Logger
	metrics *observe.Metrics

	mu      sync.Mutex
	summary Summary

	once sync.Once
	done chan struct{}
}

// Option configures a [Collector].
type Option func(*Collector)

// WithLogger sets the logger events are written to. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

// WithMetrics mirrors events into OpenTelemetry instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Collector) { c.metrics = m }
}

// NewCollector returns an idle Collector.
func NewCollector(opts ...Option) *Collector {
	c := &Collector{logger: slog.Default(), done: make(chan struct{})}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run drains events until the channel is closed or ctx is cancelled.
// Run must be called at most once.
func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	defer c.once.Do(func() { close(c.done) })
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.Collect(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

// Collect logs and folds a single event.
func (c *Collector) Collect(ctx context.Context, ev Event) {
	c.logger.LogAttrs(ctx, slog.LevelInfo, "metrics collected", slog.Any("metrics", ev))
	c.mu.Lock()
	c.summary.add(ev)
	c.mu.Unlock()
	if c.metrics != nil {
		c.record(ctx, ev)
	}
}

func (c *Collector) record(ctx context.Context, ev Event) {
	switch ev.Kind {
	case KindSTT:
		c.metrics.STTDuration.Record(ctx, ev.Duration.Seconds())
	case KindLLM:
		c.metrics.LLMDuration.Record(ctx, ev.TTFT.Seconds())
		c.metrics.RecordTokens(ctx, ev.PromptTokens, ev.CompletionTokens)
	case KindTTS:
		c.metrics.TTSDuration.Record(ctx, ev.TTFB.Seconds())
		c.metrics.TTSCharacters.Add(ctx, int64(ev.Characters))
	}
	if ev.Error {
		c.metrics.RecordProviderError(ctx, ev.Label, string(ev.Kind))
	}
}

// Summary returns the totals so far.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}

// Flush waits until Run has returned, or ctx is done, and returns the
// summary.
func (c *Collector) Flush(ctx context.Context) Summary {
	select {
	case <-c.done:
	case <-ctx.Done():
	}
	return c.Summary()
}
