// Package audio holds the PCM primitives shared by the relay and the agent:
// the [Frame] type, WAV container encoding and decoding, and the handful of
// sample-rate and channel conversions the pipelines need.
//
// All sample data is signed 16-bit little-endian PCM unless stated otherwise.
package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String renders the format as e.g. "16000Hz/1ch".
func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch", f.SampleRate, f.Channels)
}

// BytesPerSecond reports how many PCM bytes one second of audio occupies.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration converts a byte count in this format to wall-clock duration.
// Returns 0 for an invalid format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// Frame is one chunk of PCM audio moving through a pipeline.
type Frame struct {
	// Data is interleaved 16-bit little-endian PCM.
	Data []byte

	SampleRate int
	Channels   int

	// Timestamp is the offset of the first sample from the start of the stream.
	Timestamp time.Duration
}

// Format returns the frame's sample format.
func (f Frame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration is the playback length of the frame.
func (f Frame) Duration() time.Duration {
	return f.Format().Duration(len(f.Data))
}
