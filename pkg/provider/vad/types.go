package vad

// VADEvent is the detection result for a single frame.
type VADEvent struct {
	Type VADEventType

	// Probability is the engine's speech score for the frame, in [0, 1].
	Probability float64
}

// VADEventType enumerates detection states.
type VADEventType int

const (
	// VADSilence indicates no speech.
	VADSilence VADEventType = iota

	// VADSpeechStart fires once when speech begins.
	VADSpeechStart

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd fires once when speech ends.
	VADSpeechEnd
)

// String returns a short name for logs.
func (t VADEventType) String() string {
	switch t {
	case VADSilence:
		return "silence"
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}
