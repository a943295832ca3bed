package session

import (
	"strings"
	"time"

	"github.com/MrWong99/voxrelay/internal/usage"
	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/stt"
	"github.com/MrWong99/voxrelay/pkg/provider/vad"
)

// prePadding is how much audio before the detected speech start is kept so
// that soft word onsets reach STT.
const prePadding = 200 * time.Millisecond

// segment is one VAD-gated utterance awaiting transcription.
type segment struct {
	id      string
	pcm     []byte
	format  audio.Format
	endedAt time.Time
}

// listen runs the room's inbound audio through VAD and emits speech
// boundaries to the loop and finished segments to the transcriber.
func (s *Session) listen(vs vad.SessionHandle, cfg vad.Config, segments chan<- segment) {
	defer s.wg.Done()
	defer close(segments)
	defer func() {
		if err := vs.Close(); err != nil {
			s.log.Debug("close vad session", "err", err)
		}
	}()

	in := s.room.InputFormat()
	mono := audio.Format{SampleRate: cfg.SampleRate, Channels: 1}
	frameBytes := cfg.FrameBytes()
	frameDur := time.Duration(cfg.FrameSizeMs) * time.Millisecond
	padFrames := int(prePadding / frameDur)

	var (
		pending    []byte
		pad        [][]byte
		speech     []byte
		speaking   bool
		longSent   bool
		inferences int
		vadTime    time.Duration
		speechID   string
	)

	// publishVAD reports every frame classified since the previous report,
	// silence included.
	publishVAD := func() {
		if inferences == 0 {
			return
		}
		s.publish(usage.Event{
			Kind:          usage.KindVAD,
			SpeechID:      speechID,
			Label:         s.opts.Labels.VAD,
			Duration:      vadTime,
			AudioDuration: time.Duration(inferences) * frameDur,
			Inferences:    inferences,
		})
		inferences, vadTime = 0, 0
	}

	endSegment := func() {
		s.post(s.ctx, evSpeechEnd{duration: mono.Duration(len(speech))})
		publishVAD()
		seg := segment{id: speechID, pcm: speech, format: mono, endedAt: time.Now()}
		select {
		case segments <- seg:
		case <-s.ctx.Done():
		}
		speech, speaking, longSent, speechID = nil, false, false, ""
	}

	for {
		var pcm []byte
		var ok bool
		select {
		case pcm, ok = <-s.room.Audio():
		case <-s.ctx.Done():
			return
		}
		if !ok {
			if speaking {
				endSegment()
			} else {
				publishVAD()
			}
			return
		}
		frame := audio.Convert(audio.Frame{Data: pcm, SampleRate: in.SampleRate, Channels: in.Channels}, mono)
		pending = append(pending, frame.Data...)

		for len(pending) >= frameBytes {
			f := append([]byte(nil), pending[:frameBytes]...)
			pending = pending[frameBytes:]

			start := time.Now()
			ev, err := vs.ProcessFrame(f)
			vadTime += time.Since(start)
			inferences++
			if err != nil {
				s.log.Warn("vad frame failed", "err", err)
				continue
			}

			switch ev.Type {
			case vad.VADSpeechStart:
				speaking = true
				speechID = newSpeechID()
				for _, p := range pad {
					speech = append(speech, p...)
				}
				pad = pad[:0]
				speech = append(speech, f...)
				s.post(s.ctx, evSpeechStart{})
			case vad.VADSpeechContinue:
				speech = append(speech, f...)
				if !longSent && mono.Duration(len(speech)) >= s.opts.MinInterruptionDuration {
					longSent = true
					s.post(s.ctx, evSpeechLong{})
				}
			case vad.VADSpeechEnd:
				speech = append(speech, f...)
				endSegment()
			default:
				if speaking {
					speech = append(speech, f...)
					continue
				}
				pad = append(pad, f)
				if len(pad) > padFrames {
					pad = pad[1:]
				}
			}
		}
	}
}

// transcribe runs STT on each segment in order. It reports the end of the
// room once the segment channel is drained.
func (s *Session) transcribe(segments <-chan segment) {
	defer s.wg.Done()
	for seg := range segments {
		start := time.Now()
		tr, err := s.opts.STT.Transcribe(s.ctx, stt.Request{
			Audio:      seg.pcm,
			SampleRate: seg.format.SampleRate,
			Channels:   seg.format.Channels,
			Language:   s.opts.Language,
		})
		if s.ctx.Err() != nil {
			return
		}
		if err != nil {
			s.reportError(usage.KindSTT, seg.id, err)
		} else {
			s.publish(usage.Event{
				Kind:          usage.KindSTT,
				SpeechID:      seg.id,
				Label:         s.opts.Labels.STT,
				Duration:      time.Since(start),
				AudioDuration: seg.format.Duration(len(seg.pcm)),
			})
		}
		s.post(s.ctx, evTranscript{
			speechID: seg.id,
			text:     strings.TrimSpace(tr.Text),
			endedAt:  seg.endedAt,
			err:      err,
		})
	}
	s.post(s.ctx, evRoomClosed{})
}
