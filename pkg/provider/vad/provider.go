// Package vad defines the voice activity detection contract used to gate
// user audio before it reaches speech-to-text.
//
// An [Engine] is loaded once per worker process and shared; every audio
// stream gets its own [SessionHandle] carrying the smoothing state for that
// stream, so concurrent rooms never see each other's history.
package vad

import "time"

// Config holds the parameters for a VAD session. Thresholds are expressed in
// the engine's native scale; see each Engine's documentation.
type Config struct {
	// SampleRate is the PCM rate in Hz of frames passed to ProcessFrame.
	SampleRate int

	// FrameSizeMs is the duration of each frame. ProcessFrame rejects frames of
	// any other length.
	FrameSizeMs int

	// SpeechThreshold is the level at or above which a frame counts as speech.
	SpeechThreshold float64

	// SilenceThreshold is the level below which a frame counts as silence.
	// Must be <= SpeechThreshold; the gap between the two is the hysteresis band.
	SilenceThreshold float64

	// MinSpeech is how long speech must persist before VADSpeechStart fires.
	MinSpeech time.Duration

	// MinSilence is how long silence must persist before VADSpeechEnd fires.
	MinSilence time.Duration
}

// FrameBytes returns the byte length of one mono 16-bit frame.
func (c Config) FrameBytes() int {
	return c.SampleRate * c.FrameSizeMs / 1000 * 2
}

// SessionHandle is the per-stream detector state. A handle is not safe for
// concurrent use.
type SessionHandle interface {
	// ProcessFrame classifies one frame of little-endian mono PCM. It never
	// blocks.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears accumulated state without closing the session.
	Reset()

	// Close releases the session. Calling Close more than once returns nil.
	Close() error
}

// Engine creates sessions. Implementations must be safe for concurrent use.
type Engine interface {
	NewSession(cfg Config) (SessionHandle, error)
}
