package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/usage"
	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	"github.com/MrWong99/voxrelay/pkg/types"
)

// playoutLead is how far ahead of real time audio is written to the room.
const playoutLead = 200 * time.Millisecond

// playoutChunk is the granularity at which playback can be paused.
const playoutChunk = 20 * time.Millisecond

// SpeechHandle tracks one agent reply from generation through playback.
type SpeechHandle struct {
	id                 string
	allowInterruptions bool
	instructions       string

	// userText is the transcript a preemptive reply was generated for.
	userText string
	launched bool

	ctx    context.Context
	cancel context.CancelFunc

	commitOnce sync.Once
	committed  chan struct{}

	mu     sync.Mutex
	paused chan struct{}

	interrupted atomic.Bool
	doneOnce    sync.Once
	done        chan struct{}
}

func newSpeech(parent context.Context, allowInterruptions bool) *SpeechHandle {
	ctx, cancel := context.WithCancel(parent)
	return &SpeechHandle{
		id:                 newSpeechID(),
		allowInterruptions: allowInterruptions,
		ctx:                ctx,
		cancel:             cancel,
		committed:          make(chan struct{}),
		done:               make(chan struct{}),
	}
}

func newSpeechID() string {
	return "speech_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// ID returns the speech identifier used in events and logs.
func (h *SpeechHandle) ID() string { return h.id }

// AllowInterruptions reports whether user speech may cut this reply short.
func (h *SpeechHandle) AllowInterruptions() bool { return h.allowInterruptions }

// Done is closed when the reply has finished playing or was cancelled.
func (h *SpeechHandle) Done() <-chan struct{} { return h.done }

// Interrupted reports whether the reply was cut short by the user.
func (h *SpeechHandle) Interrupted() bool { return h.interrupted.Load() }

// Wait blocks until the reply is done or ctx is cancelled.
func (h *SpeechHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *SpeechHandle) commit() {
	h.commitOnce.Do(func() { close(h.committed) })
}

func (h *SpeechHandle) waitCommitted() error {
	select {
	case <-h.committed:
		return nil
	case <-h.ctx.Done():
		return h.ctx.Err()
	}
}

func (h *SpeechHandle) pause() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.paused == nil {
		h.paused = make(chan struct{})
	}
}

func (h *SpeechHandle) resume() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.paused != nil {
		close(h.paused)
		h.paused = nil
	}
}

func (h *SpeechHandle) isPaused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused != nil
}

// waitResumed blocks while the speech is paused.
func (h *SpeechHandle) waitResumed() error {
	h.mu.Lock()
	gate := h.paused
	h.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-h.ctx.Done():
		return h.ctx.Err()
	}
}

func (h *SpeechHandle) finish() {
	h.doneOnce.Do(func() { close(h.done) })
}

func (h *SpeechHandle) interrupt() {
	h.interrupted.Store(true)
	h.cancel()
}

// ── Generation ──────────────────────────────────────────────────────────────

// speak generates the reply for msgs, waits for the turn to be committed, and
// plays it. It always reports back to the loop with evSpeechDone.
func (s *Session) speak(sp *SpeechHandle, msgs []types.Message) {
	defer s.wg.Done()
	defer sp.cancel()

	_, span := observe.StartSpan(s.ctx, "session.reply", trace.WithAttributes(
		observe.AttrSessionID.String(s.id),
		observe.AttrSpeechID.String(sp.id),
		observe.AttrRoom.String(s.room.Name()),
		attribute.Bool("voxrelay.preemptive", sp.userText != ""),
	))
	var spanErr error
	defer func() {
		span.SetAttributes(attribute.Bool("voxrelay.interrupted", sp.Interrupted()))
		observe.EndSpan(span, spanErr)
	}()

	text := make(chan string, 64)
	type result struct {
		msgs []types.Message
		err  error
	}
	gen := make(chan result, 1)
	go func() {
		produced, err := s.generate(sp, msgs, text)
		gen <- result{produced, err}
	}()

	done := evSpeechDone{speech: sp}
	if err := sp.waitCommitted(); err != nil {
		<-gen
		span.AddEvent("discarded")
		s.report(done)
		return
	}
	span.AddEvent("committed")

	var spoken strings.Builder
	words := make(chan string, 64)
	go func() {
		defer close(words)
		for frag := range text {
			spoken.WriteString(frag)
			select {
			case words <- frag:
			case <-sp.ctx.Done():
			}
		}
	}()

	start := time.Now()
	stream, err := s.opts.TTS.SynthesizeStream(sp.ctx, words, s.opts.Voice)
	var played, ttfb time.Duration
	if err != nil {
		spanErr = err
		s.reportError(usage.KindTTS, sp.id, err)
		audio.Drain(words)
	} else {
		played, ttfb = s.playout(sp, stream.Audio(), start)
		// Unblocks generation and synthesis if playback stopped early.
		sp.cancel()
		audio.Drain(stream.Audio())
		if serr := stream.Err(); serr != nil {
			spanErr = serr
			s.reportError(usage.KindTTS, sp.id, serr)
		}
	}

	res := <-gen
	audio.Drain(words)
	if res.err != nil && !errors.Is(res.err, context.Canceled) {
		spanErr = errors.Join(spanErr, res.err)
		s.reportError(usage.KindLLM, sp.id, res.err)
	}
	if err == nil {
		s.publish(usage.Event{
			Kind:          usage.KindTTS,
			SpeechID:      sp.id,
			Label:         s.opts.Labels.TTS,
			Duration:      time.Since(start),
			TTFB:          ttfb,
			AudioDuration: played,
			Characters:    spoken.Len(),
			Cancelled:     sp.Interrupted(),
		})
	}
	done.msgs = res.msgs
	done.text = strings.TrimSpace(spoken.String())
	s.report(done)
}

// report hands a finished speech to the loop, or finishes it directly once
// the loop is gone.
func (s *Session) report(ev evSpeechDone) {
	if !s.post(context.Background(), ev) {
		ev.speech.finish()
	}
}

// generate runs the model and tool loop, streaming reply text into out. Tools
// are only executed once the turn is committed.
func (s *Session) generate(sp *SpeechHandle, msgs []types.Message, out chan<- string) ([]types.Message, error) {
	defer close(out)
	var produced []types.Message
	for step := 0; ; step++ {
		offerTools := step < s.opts.MaxToolSteps
		req := llm.CompletionRequest{
			Messages:    append(append([]types.Message(nil), msgs...), produced...),
			Temperature: s.opts.Temperature,
			MaxTokens:   s.opts.MaxTokens,
		}
		if offerTools {
			req.Tools = s.tools.Definitions()
		}

		start := time.Now()
		stream, err := s.opts.LLM.StreamCompletion(sp.ctx, req)
		if err != nil {
			return produced, err
		}
		var (
			content strings.Builder
			calls   []types.ToolCall
			use     llm.Usage
			ttft    time.Duration
			failed  error
		)
		for c := range stream {
			if c.FinishReason == llm.FinishReasonError {
				failed = errors.New(c.Text)
				continue
			}
			if c.Text != "" {
				if ttft == 0 {
					ttft = time.Since(start)
				}
				content.WriteString(c.Text)
				select {
				case out <- c.Text:
				case <-sp.ctx.Done():
				}
			}
			calls = append(calls, c.ToolCalls...)
			if c.Usage != nil {
				use = *c.Usage
			}
		}
		if err := sp.ctx.Err(); err != nil {
			if content.Len() > 0 {
				produced = append(produced, types.Message{Role: types.RoleAssistant, Content: content.String()})
			}
			return produced, err
		}
		// reportError accounts for failed requests.
		if failed != nil {
			return produced, failed
		}
		s.publish(usage.Event{
			Kind:             usage.KindLLM,
			SpeechID:         sp.id,
			Label:            s.opts.Labels.LLM,
			Duration:         time.Since(start),
			TTFT:             ttft,
			PromptTokens:     use.PromptTokens,
			CompletionTokens: use.CompletionTokens,
		})

		if len(calls) == 0 || !offerTools {
			if content.Len() > 0 {
				produced = append(produced, types.Message{Role: types.RoleAssistant, Content: content.String()})
			}
			return produced, nil
		}
		produced = append(produced, types.Message{Role: types.RoleAssistant, Content: content.String(), ToolCalls: calls})

		if err := sp.waitCommitted(); err != nil {
			return produced, err
		}
		for _, call := range calls {
			result, err := s.tools.Execute(sp.ctx, call.Name, call.Arguments)
			if err != nil {
				result = "error: " + err.Error()
			}
			produced = append(produced, types.Message{
				Role:       types.RoleTool,
				Name:       call.Name,
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}
}

// ── Playout ─────────────────────────────────────────────────────────────────

// playout writes synthesised audio to the room in real time, honouring the
// pause gate. It returns how much audio was written and the time from start
// to the first write.
func (s *Session) playout(sp *SpeechHandle, in <-chan []byte, start time.Time) (played, ttfb time.Duration) {
	src := s.opts.TTS.Format()
	dst := s.room.OutputFormat()
	align := 2 * dst.Channels
	chunk := int(playoutChunk) * dst.BytesPerSecond() / int(time.Second)
	chunk -= chunk % align
	if chunk <= 0 {
		chunk = align
	}

	var playhead time.Time
	defer func() {
		if wait := time.Until(playhead); wait > 0 && sp.ctx.Err() == nil {
			sleep(sp.ctx, wait)
		}
	}()

	for {
		var pcm []byte
		var ok bool
		select {
		case pcm, ok = <-in:
		case <-sp.ctx.Done():
			return played, ttfb
		}
		if !ok {
			return played, ttfb
		}
		data := audio.Convert(audio.Frame{Data: pcm, SampleRate: src.SampleRate, Channels: src.Channels}, dst).Data
		for off := 0; off < len(data); off += chunk {
			if err := sp.waitResumed(); err != nil {
				return played, ttfb
			}
			piece := data[off:min(off+chunk, len(data))]

			now := time.Now()
			if playhead.Before(now) {
				playhead = now
			}
			if wait := playhead.Sub(now) - playoutLead; wait > 0 {
				if !sleep(sp.ctx, wait) {
					return played, ttfb
				}
			}
			if sp.ctx.Err() != nil {
				return played, ttfb
			}
			// A cancelled websocket write closes the connection; only
			// session shutdown may do that.
			if err := s.room.WriteAudio(s.ctx, piece); err != nil {
				if s.ctx.Err() == nil {
					s.log.Warn("write audio", "speech_id", sp.id, "err", err)
				}
				return played, ttfb
			}
			if ttfb == 0 {
				ttfb = time.Since(start)
				s.send(Event{Type: EventAgentState, SpeechID: sp.id, State: StateSpeaking})
			}
			d := dst.Duration(len(piece))
			playhead = playhead.Add(d)
			played += d
		}
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
