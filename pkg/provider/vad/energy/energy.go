// Package energy is an RMS-level voice activity detector.
//
// Frames are scored by their root-mean-square amplitude on the 16-bit scale.
// A stream enters speech once frames stay at or above SpeechThreshold for
// MinSpeech, and leaves it once frames stay below SilenceThreshold for
// MinSilence. Levels between the two thresholds keep the current state.
package energy

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/vad"
)

// fullScale maps RMS onto the [0, 1] probability reported in events.
const fullScale = 8000.0

var _ vad.Engine = (*Engine)(nil)

// Engine is the process-wide detector. It holds no per-stream state.
type Engine struct {
	sessions atomic.Int64
}

// Load returns a ready Engine. It is the prewarm step of the worker.
func Load() *Engine {
	slog.Debug("vad/energy: engine loaded")
	return &Engine{}
}

// Sessions returns the number of sessions opened so far.
func (e *Engine) Sessions() int64 { return e.sessions.Load() }

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("vad/energy: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("vad/energy: frame size must be positive, got %d", cfg.FrameSizeMs)
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, errors.New("vad/energy: silence threshold must not exceed speech threshold")
	}
	frame := cfg.FrameSizeMs
	s := &session{
		cfg:          cfg,
		frameBytes:   cfg.FrameBytes(),
		speechFrames: framesFor(int(cfg.MinSpeech.Milliseconds()), frame),
		quietFrames:  framesFor(int(cfg.MinSilence.Milliseconds()), frame),
	}
	e.sessions.Add(1)
	return s, nil
}

func framesFor(ms, frameMs int) int {
	n := (ms + frameMs - 1) / frameMs
	if n < 1 {
		return 1
	}
	return n
}

type session struct {
	cfg          vad.Config
	frameBytes   int
	speechFrames int
	quietFrames  int

	speaking bool
	run      int
	closed   bool
}

func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if s.closed {
		return vad.VADEvent{}, errors.New("vad/energy: session closed")
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("vad/energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}
	rms := audio.RMS(frame)
	ev := vad.VADEvent{Probability: math.Min(1, rms/fullScale)}

	if !s.speaking {
		if rms >= s.cfg.SpeechThreshold {
			s.run++
		} else {
			s.run = 0
		}
		if s.run >= s.speechFrames {
			s.speaking, s.run = true, 0
			ev.Type = vad.VADSpeechStart
			return ev, nil
		}
		ev.Type = vad.VADSilence
		return ev, nil
	}

	if rms < s.cfg.SilenceThreshold {
		s.run++
	} else {
		s.run = 0
	}
	if s.run >= s.quietFrames {
		s.speaking, s.run = false, 0
		ev.Type = vad.VADSpeechEnd
		return ev, nil
	}
	ev.Type = vad.VADSpeechContinue
	return ev, nil
}

func (s *session) Reset() {
	s.speaking, s.run = false, 0
}

func (s *session) Close() error {
	s.closed = true
	return nil
}
