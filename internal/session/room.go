package session

import (
	"context"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// Room is the real-time transport a session runs over.
//
// Implementations must allow WriteAudio and SendEvent to be called from
// different goroutines.
type Room interface {
	// Name identifies the room in logs.
	Name() string

	// Audio delivers inbound PCM in InputFormat. The channel is closed when
	// the remote side disconnects, which ends the session.
	Audio() <-chan []byte

	InputFormat() audio.Format
	OutputFormat() audio.Format

	// WriteAudio sends agent speech in OutputFormat.
	WriteAudio(ctx context.Context, pcm []byte) error

	// SendEvent sends a control event to the remote side.
	SendEvent(ctx context.Context, ev Event) error
}

// Event types sent to the room.
const (
	EventSessionStarted = "session.started"
	EventUserTranscript = "user.transcript"
	EventAgentText      = "agent.text"
	EventAgentState     = "agent.state"
	EventError          = "session.error"
)

// Agent states carried by [EventAgentState].
const (
	StateListening = "listening"
	StateThinking  = "thinking"
	StateSpeaking  = "speaking"
)

// Event is a JSON control message for the remote side.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	SpeechID  string `json:"speech_id,omitempty"`
	Text      string `json:"text,omitempty"`
	State     string `json:"state,omitempty"`

	// Interrupted is set on agent.text when playback was cut short.
	Interrupted bool `json:"interrupted,omitempty"`

	Message string `json:"message,omitempty"`
}
