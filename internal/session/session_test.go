package session_test

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxrelay/internal/session"
	"github.com/MrWong99/voxrelay/internal/tools"
	"github.com/MrWong99/voxrelay/internal/usage"
	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxrelay/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/voxrelay/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/voxrelay/pkg/provider/tts/mock"
	"github.com/MrWong99/voxrelay/pkg/provider/vad"
	"github.com/MrWong99/voxrelay/pkg/provider/vad/energy"
	vadmock "github.com/MrWong99/voxrelay/pkg/provider/vad/mock"
	"github.com/MrWong99/voxrelay/pkg/turn"
	"github.com/MrWong99/voxrelay/pkg/types"
)

// ── Fakes ───────────────────────────────────────────────────────────────────

type fakeRoom struct {
	audio  chan []byte
	events chan session.Event

	mu      sync.Mutex
	written int
}

func newFakeRoom() *fakeRoom {
	return &fakeRoom{audio: make(chan []byte, 64), events: make(chan session.Event, 256)}
}

func (r *fakeRoom) Name() string               { return "test-room" }
func (r *fakeRoom) Audio() <-chan []byte       { return r.audio }
func (r *fakeRoom) InputFormat() audio.Format  { return audio.Format{SampleRate: 16000, Channels: 1} }
func (r *fakeRoom) OutputFormat() audio.Format { return audio.Format{SampleRate: 24000, Channels: 1} }

func (r *fakeRoom) WriteAudio(_ context.Context, pcm []byte) error {
	r.mu.Lock()
	r.written += len(pcm)
	r.mu.Unlock()
	return nil
}

func (r *fakeRoom) SendEvent(_ context.Context, ev session.Event) error {
	select {
	case r.events <- ev:
	default:
	}
	return nil
}

func (r *fakeRoom) Written() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// speak feeds one utterance: loud frames followed by enough silence to end
// the segment.
func (r *fakeRoom) speak(frames int) {
	for range frames {
		r.audio <- tone(3000)
	}
	for range 6 {
		r.audio <- tone(0)
	}
}

// waitEvent returns the first event matching pred.
func (r *fakeRoom) waitEvent(t *testing.T, pred func(session.Event) bool) session.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-r.events:
			if pred(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for room event")
			return session.Event{}
		}
	}
}

func agentText(text string) func(session.Event) bool {
	return func(ev session.Event) bool {
		return ev.Type == session.EventAgentText && ev.Text == text
	}
}

func isType(typ string) func(session.Event) bool {
	return func(ev session.Event) bool { return ev.Type == typ }
}

// tone returns a 20ms frame at 16kHz whose RMS equals amp.
func tone(amp int16) []byte {
	b := make([]byte, 640)
	for i := range 320 {
		v := amp
		if i%2 == 1 {
			v = -amp
		}
		binary.LittleEndian.PutUint16(b[i*2:], uint16(v))
	}
	return b
}

type testAgent struct {
	greet       string
	interrupt   bool
	tools       []tools.Tool
	greetHandle chan *session.SpeechHandle
}

func (a *testAgent) Instructions() string { return "You are a test assistant." }
func (a *testAgent) Tools() []tools.Tool  { return a.tools }

func (a *testAgent) OnEnter(ctx context.Context, s *session.Session) error {
	if a.greet == "" {
		return nil
	}
	h, err := s.GenerateReply(ctx, session.ReplyOptions{Instructions: a.greet, AllowInterruptions: a.interrupt})
	if err != nil {
		return err
	}
	if a.greetHandle != nil {
		a.greetHandle <- h
	}
	return nil
}

func textTurn(text string) []llm.Chunk {
	return []llm.Chunk{{Text: text}, {FinishReason: "stop", Usage: &llm.Usage{PromptTokens: 10, CompletionTokens: 5}}}
}

func baseOptions(l *llmmock.Provider, s *sttmock.Provider, tp *ttsmock.Provider) session.Options {
	return session.Options{
		STT: s,
		LLM: l,
		TTS: tp,
		VAD: energy.Load(),
		VADConfig: vad.Config{
			FrameSizeMs:      20,
			SpeechThreshold:  1000,
			SilenceThreshold: 500,
			MinSpeech:        40 * time.Millisecond,
			MinSilence:       60 * time.Millisecond,
		},
		Turn:                     turn.New(10*time.Millisecond, 50*time.Millisecond),
		Voice:                    types.VoiceProfile{ID: "af_nova"},
		FalseInterruptionTimeout: 2 * time.Second,
		MinInterruptionDuration:  60 * time.Millisecond,
		MaxToolSteps:             3,
	}
}

func startSession(t *testing.T, opts session.Options, a session.Agent, room *fakeRoom) *session.Session {
	t.Helper()
	s, err := session.New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	events := s.Subscribe()
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for range events {
		}
	}()
	if err := s.Start(context.Background(), a, room); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
		<-drained
	})
	return s
}

// ── Tests ───────────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	_, err := session.New(session.Options{MaxToolSteps: -1})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"STT", "LLM", "TTS", "VAD", "turn detector", "max tool steps"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestSession_GreetingAndToolTurn(t *testing.T) {
	l := &llmmock.Provider{Turns: [][]llm.Chunk{
		textTurn("Hello there. How can I help?"),
		{{ToolCalls: []types.ToolCall{{ID: "call_1", Name: tools.MultiplyName, Arguments: `{"number1":6,"number2":7}`}}, FinishReason: "tool_calls"}},
		textTurn("The answer is 42."),
	}}
	stt := &sttmock.Provider{Queue: []string{"What is six times seven?"}}
	tp := &ttsmock.Provider{}
	room := newFakeRoom()
	a := &testAgent{greet: "Greet the user.", tools: []tools.Tool{tools.Multiply()}}

	s := startSession(t, baseOptions(l, stt, tp), a, room)

	room.waitEvent(t, isType(session.EventSessionStarted))
	room.waitEvent(t, agentText("Hello there. How can I help?"))
	room.waitEvent(t, func(ev session.Event) bool {
		return ev.Type == session.EventAgentState && ev.State == session.StateListening
	})

	room.speak(10)
	ev := room.waitEvent(t, isType(session.EventUserTranscript))
	if ev.Text != "What is six times seven?" {
		t.Errorf("transcript = %q", ev.Text)
	}
	room.waitEvent(t, agentText("The answer is 42."))

	reqs := l.Requests()
	if len(reqs) != 3 {
		t.Fatalf("llm requests = %d, want 3", len(reqs))
	}
	greet := reqs[0].Messages
	if greet[0].Role != types.RoleSystem || greet[0].Content != "You are a test assistant." {
		t.Errorf("first message = %+v", greet[0])
	}
	if last := greet[len(greet)-1]; last.Content != "Greet the user." {
		t.Errorf("greeting instructions missing, last = %+v", last)
	}
	if len(reqs[1].Tools) != 1 || reqs[1].Tools[0].Name != tools.MultiplyName {
		t.Errorf("tools offered = %+v", reqs[1].Tools)
	}
	final := reqs[2].Messages
	if tm := final[len(final)-1]; tm.Role != types.RoleTool || tm.Content != "The product of 6 and 7 is 42." || tm.ToolCallID != "call_1" {
		t.Errorf("tool result message = %+v", tm)
	}

	hist := s.History()
	wantRoles := []string{types.RoleAssistant, types.RoleUser, types.RoleAssistant, types.RoleTool, types.RoleAssistant}
	if len(hist) != len(wantRoles) {
		t.Fatalf("history = %+v", hist)
	}
	for i, r := range wantRoles {
		if hist[i].Role != r {
			t.Errorf("history[%d].Role = %q, want %q", i, hist[i].Role, r)
		}
	}
	if got := tp.Sentences(); len(got) != 3 {
		t.Errorf("tts sentences = %q", got)
	}

	reqsSTT := stt.Requests()
	if len(reqsSTT) != 1 || reqsSTT[0].SampleRate != 16000 || reqsSTT[0].Channels != 1 {
		t.Errorf("stt requests = %+v", reqsSTT)
	}
}

func TestSession_ToolStepsBounded(t *testing.T) {
	call := []llm.Chunk{{ToolCalls: []types.ToolCall{{ID: "c", Name: tools.MultiplyName, Arguments: `{"number1":2,"number2":2}`}}, FinishReason: "tool_calls"}}
	l := &llmmock.Provider{Turns: [][]llm.Chunk{call, call, textTurn("Four.")}}
	opts := baseOptions(l, &sttmock.Provider{}, &ttsmock.Provider{})
	opts.MaxToolSteps = 1
	room := newFakeRoom()
	a := &testAgent{greet: "Say something.", tools: []tools.Tool{tools.Multiply()}}
	startSession(t, opts, a, room)

	room.waitEvent(t, func(ev session.Event) bool {
		return ev.Type == session.EventAgentState && ev.State == session.StateListening
	})
	reqs := l.Requests()
	if len(reqs) != 2 {
		t.Fatalf("llm requests = %d, want 2", len(reqs))
	}
	if len(reqs[1].Tools) != 0 {
		t.Error("tools offered after the step limit")
	}
}

func TestSession_FalseInterruptionResumes(t *testing.T) {
	l := &llmmock.Provider{Turns: [][]llm.Chunk{textTurn("A fairly long answer.")}}
	tp := &ttsmock.Provider{BytesPerSentence: 48000} // one second at 24kHz
	stt := &sttmock.Provider{}
	opts := baseOptions(l, stt, tp)
	opts.ResumeFalseInterruption = true
	room := newFakeRoom()
	handles := make(chan *session.SpeechHandle, 1)
	a := &testAgent{greet: "Talk.", interrupt: true, greetHandle: handles}
	startSession(t, opts, a, room)

	h := <-handles
	room.waitEvent(t, func(ev session.Event) bool { return ev.State == session.StateSpeaking })
	room.speak(10)

	ev := room.waitEvent(t, isType(session.EventAgentText))
	if ev.Interrupted || h.Interrupted() {
		t.Error("reply should have resumed, not been interrupted")
	}
	if got := room.Written(); got != 48000 {
		t.Errorf("written = %d bytes, want 48000", got)
	}
	if n := len(stt.Requests()); n != 1 {
		t.Errorf("stt requests = %d, want 1", n)
	}
	if n := len(l.Requests()); n != 1 {
		t.Errorf("llm requests = %d, want 1", n)
	}
}

func TestSession_Interruption(t *testing.T) {
	l := &llmmock.Provider{Turns: [][]llm.Chunk{textTurn("A fairly long answer."), textTurn("Okay.")}}
	tp := &ttsmock.Provider{BytesPerSentence: 96000}
	stt := &sttmock.Provider{Queue: []string{"Stop please."}}
	room := newFakeRoom()
	handles := make(chan *session.SpeechHandle, 1)
	a := &testAgent{greet: "Talk.", interrupt: true, greetHandle: handles}
	s := startSession(t, baseOptions(l, stt, tp), a, room)

	h := <-handles
	room.waitEvent(t, func(ev session.Event) bool { return ev.State == session.StateSpeaking })
	room.speak(10)

	ev := room.waitEvent(t, isType(session.EventAgentText))
	if !ev.Interrupted {
		t.Errorf("agent.text = %+v, want interrupted", ev)
	}
	if err := h.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !h.Interrupted() {
		t.Error("handle not marked interrupted")
	}
	room.waitEvent(t, agentText("Okay."))

	hist := s.History()
	var sawUser bool
	for _, m := range hist {
		sawUser = sawUser || (m.Role == types.RoleUser && m.Content == "Stop please.")
	}
	if !sawUser || hist[len(hist)-1].Content != "Okay." {
		t.Errorf("history = %+v", hist)
	}
}

func TestSession_UninterruptibleGreeting(t *testing.T) {
	l := &llmmock.Provider{Turns: [][]llm.Chunk{textTurn("Welcome to the show."), textTurn("Should not happen.")}}
	tp := &ttsmock.Provider{BytesPerSentence: 48000}
	stt := &sttmock.Provider{Queue: []string{"Hello?"}}
	room := newFakeRoom()
	handles := make(chan *session.SpeechHandle, 1)
	a := &testAgent{greet: "Greet.", greetHandle: handles}
	s := startSession(t, baseOptions(l, stt, tp), a, room)

	h := <-handles
	if h.AllowInterruptions() {
		t.Fatal("greeting should not be interruptible")
	}
	room.waitEvent(t, func(ev session.Event) bool { return ev.State == session.StateSpeaking })
	room.speak(10)

	ev := room.waitEvent(t, isType(session.EventAgentText))
	if ev.Interrupted || ev.Text != "Welcome to the show." {
		t.Errorf("agent.text = %+v", ev)
	}
	time.Sleep(100 * time.Millisecond)
	if n := len(l.Requests()); n != 1 {
		t.Errorf("llm requests = %d, want 1", n)
	}
	for _, m := range s.History() {
		if m.Role == types.RoleUser {
			t.Errorf("user message recorded during uninterruptible reply: %+v", m)
		}
	}
}

func TestSession_PreemptiveGeneration(t *testing.T) {
	l := &llmmock.Provider{Turns: [][]llm.Chunk{textTurn("Sure thing.")}}
	stt := &sttmock.Provider{Queue: []string{"Tell me a joke."}}
	opts := baseOptions(l, stt, &ttsmock.Provider{})
	opts.PreemptiveGeneration = true
	room := newFakeRoom()
	startSession(t, opts, &testAgent{}, room)

	room.speak(10)
	room.waitEvent(t, agentText("Sure thing."))

	reqs := l.Requests()
	if len(reqs) != 1 {
		t.Fatalf("llm requests = %d, want 1", len(reqs))
	}
	msgs := reqs[0].Messages
	if last := msgs[len(msgs)-1]; last.Role != types.RoleUser || last.Content != "Tell me a joke." {
		t.Errorf("last message = %+v", last)
	}
}

func TestSession_UsageAndShutdown(t *testing.T) {
	l := &llmmock.Provider{Turns: [][]llm.Chunk{textTurn("Hi.")}}
	stt := &sttmock.Provider{Queue: []string{"Bye."}}
	room := newFakeRoom()
	s, err := session.New(baseOptions(l, stt, &ttsmock.Provider{}))
	if err != nil {
		t.Fatal(err)
	}
	events := s.Subscribe()
	var (
		mu    sync.Mutex
		kinds = map[usage.Kind]int{}
	)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range events {
			mu.Lock()
			kinds[ev.Kind]++
			mu.Unlock()
		}
	}()
	if err := s.Start(context.Background(), &testAgent{greet: "Hi."}, room); err != nil {
		t.Fatal(err)
	}
	room.waitEvent(t, agentText("Hi."))
	room.speak(10)
	room.waitEvent(t, isType(session.EventUserTranscript))
	room.waitEvent(t, agentText("Hi."))
	close(room.audio)

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end after room closed")
	}
	<-drained

	mu.Lock()
	defer mu.Unlock()
	for _, k := range []usage.Kind{usage.KindVAD, usage.KindSTT, usage.KindEOU, usage.KindLLM, usage.KindTTS} {
		if kinds[k] == 0 {
			t.Errorf("no %s usage events", k)
		}
	}
	if kinds[usage.KindEOU] != 1 {
		t.Errorf("eou events = %d, want 1", kinds[usage.KindEOU])
	}

	if _, err := s.GenerateReply(context.Background(), session.ReplyOptions{}); !errors.Is(err, session.ErrClosed) {
		t.Errorf("GenerateReply after end = %v, want ErrClosed", err)
	}
	if _, ok := <-s.Subscribe(); ok {
		t.Error("subscription after end should be closed")
	}
}

func TestSession_CloseBeforeStart(t *testing.T) {
	s, err := session.New(baseOptions(&llmmock.Provider{}, &sttmock.Provider{}, &ttsmock.Provider{}))
	if err != nil {
		t.Fatal(err)
	}
	ch := s.Subscribe()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-ch; ok {
		t.Error("subscription not closed")
	}
	if err := s.Start(context.Background(), &testAgent{}, newFakeRoom()); !errors.Is(err, session.ErrClosed) {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}
}

func TestSession_StartVADFailures(t *testing.T) {
	errVAD := errors.New("no model")
	tests := []struct {
		name   string
		mutate func(*session.Options)
		want   string
	}{
		{
			name:   "engine error",
			mutate: func(o *session.Options) { o.VAD = &vadmock.Engine{NewSessionErr: errVAD} },
			want:   "no model",
		},
		{
			name:   "empty frame",
			mutate: func(o *session.Options) { o.VADConfig.FrameSizeMs = 0 },
			want:   "frame size",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opts := baseOptions(&llmmock.Provider{}, &sttmock.Provider{}, &ttsmock.Provider{})
			tc.mutate(&opts)
			s, err := session.New(opts)
			if err != nil {
				t.Fatal(err)
			}
			err = s.Start(context.Background(), &testAgent{}, newFakeRoom())
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Start = %v, want error containing %q", err, tc.want)
			}
			if err := s.Close(); err != nil {
				t.Errorf("Close after failed Start: %v", err)
			}
		})
	}
}

func TestSession_VADConfigFollowsRoom(t *testing.T) {
	eng := &vadmock.Engine{}
	opts := baseOptions(&llmmock.Provider{}, &sttmock.Provider{}, &ttsmock.Provider{})
	opts.VAD = eng
	startSession(t, opts, &testAgent{}, newFakeRoom())

	cfgs := eng.Configs()
	if len(cfgs) != 1 {
		t.Fatalf("NewSession called %d times, want 1", len(cfgs))
	}
	if cfgs[0].SampleRate != 16000 || cfgs[0].FrameSizeMs != 20 {
		t.Errorf("vad config = %+v", cfgs[0])
	}
}

func TestSession_ProviderFailureIsReported(t *testing.T) {
	errBackend := errors.New("backend unavailable")
	tests := []struct {
		kind  usage.Kind
		stt   *sttmock.Provider
		llm   *llmmock.Provider
		tts   *ttsmock.Provider
		reply bool // the failure belongs to an agent reply
		heal  func(*ttsmock.Provider)
	}{
		{
			kind: usage.KindSTT,
			stt:  &sttmock.Provider{Fail: []error{errBackend}, Queue: []string{"Hello again."}},
			llm:  &llmmock.Provider{Turns: [][]llm.Chunk{textTurn("Welcome back.")}},
			tts:  &ttsmock.Provider{},
		},
		{
			kind: usage.KindLLM,
			stt:  &sttmock.Provider{Default: "Hello again."},
			llm: &llmmock.Provider{Turns: [][]llm.Chunk{
				{{Text: "Hel"}, {Text: "upstream reset", FinishReason: llm.FinishReasonError}},
				textTurn("Welcome back."),
			}},
			tts:   &ttsmock.Provider{},
			reply: true,
		},
		{
			kind:  usage.KindTTS,
			stt:   &sttmock.Provider{Default: "Hello again."},
			llm:   &llmmock.Provider{Turns: [][]llm.Chunk{textTurn("Sorry."), textTurn("Welcome back.")}},
			tts:   &ttsmock.Provider{SentenceErr: errBackend},
			reply: true,
			heal:  func(p *ttsmock.Provider) { p.SentenceErr = nil },
		},
	}
	for _, tc := range tests {
		t.Run(string(tc.kind), func(t *testing.T) {
			room := newFakeRoom()
			s, err := session.New(baseOptions(tc.llm, tc.stt, tc.tts))
			if err != nil {
				t.Fatal(err)
			}
			collector := usage.NewCollector()
			go collector.Run(context.Background(), s.Subscribe())
			if err := s.Start(context.Background(), &testAgent{}, room); err != nil {
				t.Fatal(err)
			}
			t.Cleanup(func() { _ = s.Close() })

			room.speak(10)
			var replyID string
			var failure session.Event
			timeout := time.After(5 * time.Second)
			for failure.Type == "" || (tc.reply && replyID == "") {
				select {
				case ev := <-room.events:
					switch {
					case ev.Type == session.EventError:
						failure = ev
					case ev.Type == session.EventAgentState && ev.State == session.StateThinking && replyID == "":
						replyID = ev.SpeechID
					}
				case <-timeout:
					t.Fatal("timed out waiting for session.error")
				}
			}
			if !strings.HasPrefix(failure.Message, string(tc.kind)+": ") {
				t.Errorf("error message = %q, want %s prefix", failure.Message, tc.kind)
			}
			if failure.SpeechID == "" {
				t.Error("error event has no speech id")
			}
			if tc.reply && failure.SpeechID != replyID {
				t.Errorf("error speech id = %q, want reply %q", failure.SpeechID, replyID)
			}
			if tc.heal != nil {
				tc.heal(tc.tts)
			}

			room.speak(10)
			room.waitEvent(t, agentText("Welcome back."))
			if err := s.Close(); err != nil {
				t.Fatal(err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if sum := collector.Flush(ctx); sum.Errors == 0 {
				t.Errorf("summary counted no errors: %s", sum)
			}
		})
	}
}

func TestSession_VADUsageCoversSilence(t *testing.T) {
	room := newFakeRoom()
	s, err := session.New(baseOptions(&llmmock.Provider{Turns: [][]llm.Chunk{textTurn("Ok.")}}, &sttmock.Provider{Default: "Hi."}, &ttsmock.Provider{}))
	if err != nil {
		t.Fatal(err)
	}
	events := s.Subscribe()
	var vadEvents []usage.Event
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range events {
			if ev.Kind == usage.KindVAD {
				vadEvents = append(vadEvents, ev)
			}
		}
	}()
	if err := s.Start(context.Background(), &testAgent{}, room); err != nil {
		t.Fatal(err)
	}

	const leadingSilence = 5
	for range leadingSilence {
		room.audio <- tone(0)
	}
	room.speak(10)
	room.waitEvent(t, agentText("Ok."))
	for range 4 {
		room.audio <- tone(0)
	}
	close(room.audio)
	<-s.Done()
	<-drained

	// Every 20ms frame fed to the room is classified exactly once.
	const fed = leadingSilence + 10 + 6 + 4
	total := 0
	for _, ev := range vadEvents {
		if ev.AudioDuration != time.Duration(ev.Inferences)*20*time.Millisecond {
			t.Errorf("event audio %s does not match %d frames", ev.AudioDuration, ev.Inferences)
		}
		total += ev.Inferences
	}
	if total != fed {
		t.Errorf("inferences = %d, want %d", total, fed)
	}
	if len(vadEvents) == 0 || vadEvents[0].Inferences < leadingSilence+10 {
		t.Errorf("first vad event does not include the leading silence: %+v", vadEvents)
	}
}
