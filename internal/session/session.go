// Package session is the agent-session runtime: it turns a room's inbound
// audio into user turns and answers them with synthesised speech.
//
// A session gates audio with VAD, transcribes each speech segment, decides
// end of turn with the turn detector, streams the LLM reply through the tool
// loop into TTS, and plays it back into the room. User speech during an
// interruptible reply pauses playback; if the interrupting segment turns out
// to contain no words, playback resumes.
//
// All state transitions happen on one loop goroutine. Speech generation,
// playback, VAD and STT run on their own goroutines and report back to the
// loop through messages.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/tools"
	"github.com/MrWong99/voxrelay/internal/usage"
	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	"github.com/MrWong99/voxrelay/pkg/provider/stt"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
	"github.com/MrWong99/voxrelay/pkg/provider/vad"
	"github.com/MrWong99/voxrelay/pkg/turn"
	"github.com/MrWong99/voxrelay/pkg/types"
)

// ErrClosed is returned when a session is used after it has ended.
var ErrClosed = errors.New("session: closed")

// subscriberBuffer is the channel depth handed out by Subscribe.
const subscriberBuffer = 256

// Agent supplies the persona and behaviour of a session.
type Agent interface {
	// Instructions is the system prompt.
	Instructions() string

	// Tools lists the functions the model may call.
	Tools() []tools.Tool

	// OnEnter runs once after the session starts.
	OnEnter(ctx context.Context, s *Session) error
}

// Options configures a [Session]. STT, LLM, TTS, VAD and Turn are required.
type Options struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
	VAD vad.Engine

	// VADConfig is used for every session; SampleRate is taken from the room.
	VADConfig vad.Config

	Turn  *turn.Detector
	Voice types.VoiceProfile

	// Language is forwarded to STT.
	Language string

	Temperature *float64
	MaxTokens   int

	// PreemptiveGeneration starts the LLM as soon as a transcript arrives,
	// before end of turn is confirmed.
	PreemptiveGeneration bool

	// ResumeFalseInterruption pauses instead of cancelling on barge-in, and
	// resumes if the interrupting speech produced no words.
	ResumeFalseInterruption bool

	// FalseInterruptionTimeout is how long a paused reply waits for words
	// after the interrupting speech ends.
	FalseInterruptionTimeout time.Duration

	// MinInterruptionDuration is how long the user must talk over the agent
	// before playback pauses.
	MinInterruptionDuration time.Duration

	// MaxToolSteps bounds model round trips that offer tools per reply.
	MaxToolSteps int

	// Labels name the backends in usage events.
	Labels Labels

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Labels names the configured backends, e.g. "openai" or "energy".
type Labels struct {
	STT, LLM, TTS, VAD string
}

func (o *Options) validate() error {
	var errs []error
	if o.STT == nil {
		errs = append(errs, errors.New("STT provider is required"))
	}
	if o.LLM == nil {
		errs = append(errs, errors.New("LLM provider is required"))
	}
	if o.TTS == nil {
		errs = append(errs, errors.New("TTS provider is required"))
	}
	if o.VAD == nil {
		errs = append(errs, errors.New("VAD engine is required"))
	}
	if o.Turn == nil {
		errs = append(errs, errors.New("turn detector is required"))
	}
	if o.MaxToolSteps < 0 {
		errs = append(errs, fmt.Errorf("max tool steps must not be negative, got %d", o.MaxToolSteps))
	}
	return errors.Join(errs...)
}

// Session is one conversation over one room.
type Session struct {
	id   string
	opts Options
	log  *slog.Logger

	room  Room
	agent Agent
	tools *tools.Registry
	chat  *chatContext

	ctx    context.Context
	cancel context.CancelFunc

	inbox   chan any
	stopped chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
	subs    []chan usage.Event
}

// New validates opts and returns an idle session.
func New(opts Options) (*Session, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		id:      id,
		opts:    opts,
		log:     opts.Logger.With("session_id", id),
		inbox:   make(chan any, 32),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Subscribe returns a channel receiving every usage event. The channel is
// closed when the session ends. Subscribers must drain it.
func (s *Session) Subscribe() <-chan usage.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan usage.Event, subscriberBuffer)
	if s.closed {
		close(ch)
		return ch
	}
	s.subs = append(s.subs, ch)
	return ch
}

// Start begins the session and returns once the agent's OnEnter hook has
// run. The session ends when the room's audio channel closes, ctx is
// cancelled, or Close is called.
func (s *Session) Start(ctx context.Context, agent Agent, room Room) (err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("session: already started")
	}
	s.started = true
	s.mu.Unlock()
	defer func() {
		if err != nil {
			s.mu.Lock()
			s.started = false
			s.mu.Unlock()
		}
	}()

	reg, err := tools.NewRegistry(agent.Tools(), tools.WithObserver(s.observeTool))
	if err != nil {
		return fmt.Errorf("session: tools: %w", err)
	}
	vcfg := s.opts.VADConfig
	vcfg.SampleRate = room.InputFormat().SampleRate
	if vcfg.FrameBytes() <= 0 {
		return fmt.Errorf("session: vad frame size %dms at %dHz is empty", vcfg.FrameSizeMs, vcfg.SampleRate)
	}
	vsess, err := s.opts.VAD.NewSession(vcfg)
	if err != nil {
		return fmt.Errorf("session: vad: %w", err)
	}

	s.room, s.agent, s.tools = room, agent, reg
	s.chat = newChatContext(agent.Instructions())
	s.log = s.log.With("room", room.Name())
	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.opts.Metrics != nil {
		s.opts.Metrics.ActiveSessions.Add(s.ctx, 1)
	}

	segments := make(chan segment, 8)
	s.wg.Add(2)
	go s.listen(vsess, vcfg, segments)
	go s.transcribe(segments)
	go s.run()

	s.send(Event{Type: EventSessionStarted, SessionID: s.id})
	s.log.Info("session started")

	if err := agent.OnEnter(s.ctx, s); err != nil {
		s.log.Warn("agent enter hook failed", "err", err)
		s.send(Event{Type: EventError, Message: err.Error()})
	}
	return nil
}

// Done is closed once the session has fully shut down and all subscriber
// channels have been closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close ends the session and waits for shutdown.
func (s *Session) Close() error {
	s.mu.Lock()
	started := s.started
	if !started {
		if !s.closed {
			s.closed = true
			for _, ch := range s.subs {
				close(ch)
			}
			s.subs = nil
			close(s.done)
		}
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	s.cancel()
	<-s.done
	return nil
}

// History returns the conversation so far, without the system prompt.
func (s *Session) History() []types.Message {
	if s.chat == nil {
		return nil
	}
	return s.chat.history()
}

// ReplyOptions configures [Session.GenerateReply].
type ReplyOptions struct {
	// Instructions is added as an extra system message for this reply only.
	Instructions string

	// AllowInterruptions lets user speech pause or cancel the reply.
	AllowInterruptions bool
}

// GenerateReply asks the model for a reply to the current history and plays
// it once any earlier reply has finished.
func (s *Session) GenerateReply(ctx context.Context, opts ReplyOptions) (*SpeechHandle, error) {
	if s.ctx == nil {
		return nil, errors.New("session: not started")
	}
	sp := newSpeech(s.ctx, opts.AllowInterruptions)
	sp.instructions = opts.Instructions
	if !s.post(ctx, replyRequest{speech: sp}) {
		sp.cancel()
		return nil, ErrClosed
	}
	return sp, nil
}

// post hands msg to the loop. It reports false once the loop has exited.
func (s *Session) post(ctx context.Context, msg any) bool {
	select {
	case <-s.stopped:
		return false
	default:
	}
	select {
	case s.inbox <- msg:
		return true
	case <-s.stopped:
		return false
	case <-ctx.Done():
		return false
	}
}

// publish fans ev out to all subscribers.
func (s *Session) publish(ev usage.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.mu.Lock()
	subs := s.subs
	s.mu.Unlock()
	for _, ch := range subs {
		ch <- ev
	}
}

// send delivers a room event, logging failures.
func (s *Session) send(ev Event) {
	if ev.SessionID == "" {
		ev.SessionID = s.id
	}
	if err := s.room.SendEvent(context.WithoutCancel(s.ctx), ev); err != nil {
		s.log.Debug("send room event", "type", ev.Type, "err", err)
	}
}

// reportError logs a provider failure and surfaces it to the room; the
// session keeps running.
func (s *Session) reportError(kind usage.Kind, speechID string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.log.Error("provider failed", "kind", kind, "speech_id", speechID, "err", err)
	s.publish(usage.Event{Kind: kind, SpeechID: speechID, Error: true, Label: s.label(kind)})
	s.send(Event{Type: EventError, SpeechID: speechID, Message: fmt.Sprintf("%s: %v", kind, err)})
}

func (s *Session) label(kind usage.Kind) string {
	switch kind {
	case usage.KindSTT:
		return s.opts.Labels.STT
	case usage.KindLLM:
		return s.opts.Labels.LLM
	case usage.KindTTS:
		return s.opts.Labels.TTS
	case usage.KindVAD:
		return s.opts.Labels.VAD
	}
	return string(kind)
}

func (s *Session) observeTool(name string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.log.Info("tool executed", "tool", name, "duration", d, "status", status)
	if s.opts.Metrics != nil {
		s.opts.Metrics.ToolExecutionDuration.Record(s.ctx, d.Seconds())
		s.opts.Metrics.RecordToolCall(s.ctx, name, status)
	}
}

// shutdown runs after the loop exits.
func (s *Session) shutdown() {
	s.cancel()
	s.wg.Wait()
	if s.opts.Metrics != nil {
		s.opts.Metrics.ActiveSessions.Add(context.WithoutCancel(s.ctx), -1)
	}
	s.mu.Lock()
	s.closed = true
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	s.mu.Unlock()
	s.log.Info("session ended")
	close(s.done)
}
