// Package stt defines the Provider interface for speech-to-text backends used
// by the voice agent.
//
// The agent segments user speech with VAD and hands each finished utterance to
// the provider as one request, which matches the batch transcription API of
// OpenAI-compatible servers (faster-whisper, the parakeet relay).
package stt

import (
	"context"
	"time"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// Request is one utterance to transcribe.
type Request struct {
	// Audio is 16-bit little-endian PCM.
	Audio []byte

	SampleRate int
	Channels   int

	// Language is a BCP-47 hint. Empty uses the provider default.
	Language string
}

// Format returns the PCM format of the request audio.
func (r Request) Format() audio.Format {
	return audio.Format{SampleRate: r.SampleRate, Channels: r.Channels}
}

// Transcript is the recognised text of one utterance.
type Transcript struct {
	Text string

	// AudioDuration is the length of the submitted audio.
	AudioDuration time.Duration
}

// Provider transcribes complete utterances. Implementations must be safe for
// concurrent use.
type Provider interface {
	Transcribe(ctx context.Context, req Request) (Transcript, error)
}
