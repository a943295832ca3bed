package audio

import (
	"encoding/binary"
	"math"
)

// Convert returns frame re-encoded to target. Channels are reduced before
// resampling so that multi-channel input is only interpolated once. A frame
// already in the target format is returned as-is.
func Convert(frame Frame, target Format) Frame {
	if frame.SampleRate == target.SampleRate && frame.Channels == target.Channels {
		return frame
	}
	pcm := frame.Data
	if frame.Channels != target.Channels {
		switch {
		case target.Channels == 1:
			pcm = Downmix(pcm, frame.Channels)
		case frame.Channels == 1 && target.Channels == 2:
			pcm = Upmix(pcm)
		}
	}
	pcm = Resample(pcm, target.Channels, frame.SampleRate, target.SampleRate)
	return Frame{
		Data:       pcm,
		SampleRate: target.SampleRate,
		Channels:   target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

// Downmix averages each interleaved frame of channels samples into one mono
// sample. Mono input is returned unchanged.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frames := len(pcm) / (2 * channels)
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for ch := range channels {
			sum += int32(sampleAt(pcm, i*channels+ch))
		}
		putSample(out, i, clamp16(sum/int32(channels)))
	}
	return out
}

// Upmix duplicates every mono sample into a left/right pair.
func Upmix(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := range n {
		s := sampleAt(pcm, i)
		putSample(out, 2*i, s)
		putSample(out, 2*i+1, s)
	}
	return out
}

// Resample converts interleaved PCM with the given channel count from srcRate
// to dstRate by linear interpolation. Equal or non-positive rates return the
// input unchanged.
func Resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	if channels < 1 {
		channels = 1
	}
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return nil
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	out := make([]byte, dstFrames*2*channels)
	step := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = srcFrames - 1
		}
		for ch := range channels {
			a := float64(sampleAt(pcm, idx*channels+ch))
			b := float64(sampleAt(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int16(a+(b-a)*frac))
		}
	}
	return out
}

// Float32Mono down-mixes PCM to mono and scales samples to [-1, 1), the input
// layout whisper-style models expect.
func Float32Mono(pcm []byte, channels int) []float32 {
	mono := Downmix(pcm, channels)
	out := make([]float32, len(mono)/2)
	for i := range out {
		out[i] = float32(sampleAt(mono, i)) / 32768
	}
	return out
}

// RMS returns the root-mean-square amplitude of pcm in sample units
// (0..32767). Empty input yields 0.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var acc float64
	for i := range n {
		v := float64(sampleAt(pcm, i))
		acc += v * v
	}
	return math.Sqrt(acc / float64(n))
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

func putSample(pcm []byte, i int, v int16) {
	binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
}

func clamp16(v int32) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
