package session

import (
	"time"

	"github.com/MrWong99/voxrelay/internal/usage"
	"github.com/MrWong99/voxrelay/pkg/types"
)

// Loop messages.
type (
	replyRequest struct{ speech *SpeechHandle }

	evSpeechStart struct{}

	// evSpeechLong reports that the user has been talking for at least
	// MinInterruptionDuration.
	evSpeechLong struct{}

	evSpeechEnd struct{ duration time.Duration }

	evTranscript struct {
		speechID string
		text     string
		endedAt  time.Time
		err      error
	}

	evSpeechDone struct {
		speech *SpeechHandle
		msgs   []types.Message
		text   string
	}

	evEndpoint      struct{ gen int }
	evResumeTimeout struct{ gen int }
	evRoomClosed    struct{}
)

// loopState is owned by the loop goroutine.
type loopState struct {
	current *SpeechHandle
	queue   []*SpeechHandle

	// preempt is a reply generated ahead of end of turn.
	preempt *SpeechHandle

	pendingText  string
	userSpeaking bool
	lastEnd      time.Time

	endpointTimer *time.Timer
	endpointGen   int
	resumeTimer   *time.Timer
	resumeGen     int
}

func (st *loopState) stopEndpoint() {
	st.endpointGen++
	if st.endpointTimer != nil {
		st.endpointTimer.Stop()
		st.endpointTimer = nil
	}
}

func (st *loopState) stopResume() {
	st.resumeGen++
	if st.resumeTimer != nil {
		st.resumeTimer.Stop()
		st.resumeTimer = nil
	}
}

// run is the session's state machine. It exits when the room closes or the
// session context ends.
func (s *Session) run() {
	st := &loopState{}
	defer s.shutdown()
	defer func() {
		close(s.stopped)
		st.stopEndpoint()
		st.stopResume()
		for _, sp := range st.queue {
			sp.cancel()
			sp.finish()
		}
	}()

	for {
		var msg any
		select {
		case msg = <-s.inbox:
		case <-s.ctx.Done():
			return
		}
		switch m := msg.(type) {
		case replyRequest:
			s.schedule(st, m.speech)
		case evSpeechStart:
			s.onSpeechStart(st)
		case evSpeechLong:
			s.onSpeechLong(st)
		case evSpeechEnd:
			s.onSpeechEnd(st)
		case evTranscript:
			s.onTranscript(st, m)
		case evEndpoint:
			if m.gen == st.endpointGen {
				s.commitTurn(st)
			}
		case evResumeTimeout:
			if m.gen == st.resumeGen && st.current != nil && st.current.isPaused() {
				s.log.Info("false interruption, resuming speech", "speech_id", st.current.id)
				st.current.resume()
			}
		case evSpeechDone:
			s.onSpeechDone(st, m)
		case evRoomClosed:
			s.log.Info("room closed")
			return
		}
	}
}

func (s *Session) onSpeechStart(st *loopState) {
	st.userSpeaking = true
	st.stopEndpoint()
	st.stopResume()
	if st.preempt != nil {
		st.preempt.cancel()
		st.preempt = nil
	}
}

func (s *Session) onSpeechLong(st *loopState) {
	sp := st.current
	if sp == nil || sp.ctx.Err() != nil {
		return
	}
	if !sp.allowInterruptions {
		s.log.Debug("ignoring user speech during uninterruptible reply", "speech_id", sp.id)
		return
	}
	if s.opts.ResumeFalseInterruption {
		s.log.Info("user speech, pausing reply", "speech_id", sp.id)
		sp.pause()
		return
	}
	s.interrupt(st)
}

func (s *Session) onSpeechEnd(st *loopState) {
	st.userSpeaking = false
	st.lastEnd = time.Now()
	if st.current != nil && st.current.isPaused() {
		st.stopResume()
		gen := st.resumeGen
		st.resumeTimer = time.AfterFunc(s.opts.FalseInterruptionTimeout, func() {
			s.post(s.ctx, evResumeTimeout{gen: gen})
		})
	}
	if st.pendingText != "" {
		s.armEndpoint(st)
	}
}

func (s *Session) onTranscript(st *loopState, ev evTranscript) {
	if ev.err != nil {
		if st.current != nil && st.current.isPaused() {
			st.current.resume()
		}
		return
	}
	cur := st.current
	if ev.text == "" {
		if cur != nil && cur.isPaused() {
			s.log.Info("false interruption, resuming speech", "speech_id", cur.id)
			st.stopResume()
			cur.resume()
		}
		return
	}
	if cur != nil && cur.ctx.Err() == nil {
		if !cur.allowInterruptions {
			s.log.Debug("dropping transcript during uninterruptible reply", "speech_id", cur.id)
			return
		}
		s.interrupt(st)
	}

	if st.pendingText != "" {
		st.pendingText += " "
	}
	st.pendingText += ev.text
	st.lastEnd = ev.endedAt
	s.send(Event{Type: EventUserTranscript, SpeechID: ev.speechID, Text: ev.text})

	if s.opts.PreemptiveGeneration {
		if st.preempt != nil {
			st.preempt.cancel()
		}
		sp := newSpeech(s.ctx, true)
		sp.userText = st.pendingText
		msgs := append(s.chat.snapshot(), types.Message{Role: types.RoleUser, Content: sp.userText})
		s.launch(sp, msgs)
		st.preempt = sp
	}
	if !st.userSpeaking {
		s.armEndpoint(st)
	}
}

// armEndpoint schedules the end-of-turn decision for the pending transcript,
// measured from the end of the last user speech.
func (s *Session) armEndpoint(st *loopState) {
	st.stopEndpoint()
	delay := s.opts.Turn.Delay(st.pendingText) - time.Since(st.lastEnd)
	gen := st.endpointGen
	st.endpointTimer = time.AfterFunc(max(delay, 0), func() {
		s.post(s.ctx, evEndpoint{gen: gen})
	})
}

// commitTurn adds the pending transcript to the history and schedules the
// reply to it.
func (s *Session) commitTurn(st *loopState) {
	if st.userSpeaking || st.pendingText == "" {
		return
	}
	text := st.pendingText
	st.pendingText = ""
	st.endpointTimer = nil

	s.chat.append(types.Message{Role: types.RoleUser, Content: text})
	s.publish(usage.Event{Kind: usage.KindEOU, EndOfUtteranceDelay: time.Since(st.lastEnd)})
	s.log.Debug("turn committed", "text", text)

	sp := st.preempt
	st.preempt = nil
	if sp == nil || sp.userText != text {
		if sp != nil {
			sp.cancel()
		}
		sp = newSpeech(s.ctx, true)
	}
	s.schedule(st, sp)
	s.maybeSummarise()
}

// schedule plays sp now if nothing else is playing, otherwise queues it.
func (s *Session) schedule(st *loopState, sp *SpeechHandle) {
	if st.current == nil {
		s.begin(st, sp)
		return
	}
	if sp.launched {
		// Generated against a history that will be stale once the
		// current reply finishes.
		sp.cancel()
		fresh := newSpeech(s.ctx, sp.allowInterruptions)
		fresh.instructions = sp.instructions
		sp = fresh
	}
	st.queue = append(st.queue, sp)
}

func (s *Session) begin(st *loopState, sp *SpeechHandle) {
	st.current = sp
	if !sp.launched {
		msgs := s.chat.snapshot()
		if sp.instructions != "" {
			msgs = append(msgs, types.Message{Role: types.RoleSystem, Content: sp.instructions})
		}
		s.launch(sp, msgs)
	}
	sp.commit()
	s.send(Event{Type: EventAgentState, SpeechID: sp.id, State: StateThinking})
}

func (s *Session) launch(sp *SpeechHandle, msgs []types.Message) {
	sp.launched = true
	s.wg.Add(1)
	go s.speak(sp, msgs)
}

func (s *Session) interrupt(st *loopState) {
	sp := st.current
	s.log.Info("reply interrupted", "speech_id", sp.id)
	st.stopResume()
	sp.interrupt()
}

func (s *Session) onSpeechDone(st *loopState, ev evSpeechDone) {
	sp := ev.speech
	if sp != st.current {
		sp.finish()
		return
	}
	st.current = nil
	st.stopResume()
	s.chat.append(ev.msgs...)
	if ev.text != "" || sp.Interrupted() {
		s.send(Event{Type: EventAgentText, SpeechID: sp.id, Text: ev.text, Interrupted: sp.Interrupted()})
	}
	sp.finish()

	for len(st.queue) > 0 {
		next := st.queue[0]
		st.queue = st.queue[1:]
		if next.ctx.Err() != nil {
			next.finish()
			continue
		}
		s.begin(st, next)
		return
	}
	s.send(Event{Type: EventAgentState, State: StateListening})
	s.maybeSummarise()
}

// maybeSummarise folds older turns into a summary in the background once the
// history nears the model's context window.
func (s *Session) maybeSummarise() {
	msgs, ok := s.chat.claimSummary(s.opts.LLM.Capabilities().ContextWindow)
	if !ok {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		summary, err := summarise(s.ctx, s.opts.LLM, msgs)
		if err != nil {
			s.log.Warn("summarise history", "err", err)
		}
		s.chat.applySummary(len(msgs), summary)
	}()
}
