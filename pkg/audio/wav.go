package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNotWAV is returned by [DecodeWAV] when the input is not a RIFF/WAVE file.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE file")

const wavHeaderSize = 44

// EncodeWAV wraps 16-bit PCM in a canonical 44-byte WAV header.
func EncodeWAV(pcm []byte, f Format) []byte {
	blockAlign := f.Channels * 2
	buf := make([]byte, wavHeaderSize+len(pcm))

	copy(buf[0:], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:], uint32(36+len(pcm)))
	copy(buf[8:], "WAVE")

	copy(buf[12:], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:], 16)
	binary.LittleEndian.PutUint16(buf[20:], 1) // linear PCM
	binary.LittleEndian.PutUint16(buf[22:], uint16(f.Channels))
	binary.LittleEndian.PutUint32(buf[24:], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:], uint32(f.SampleRate*blockAlign))
	binary.LittleEndian.PutUint16(buf[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:], 16)

	copy(buf[36:], "data")
	binary.LittleEndian.PutUint32(buf[40:], uint32(len(pcm)))
	copy(buf[wavHeaderSize:], pcm)
	return buf
}

// DecodeWAV walks the RIFF chunks of a 16-bit PCM WAV file and returns its
// sample data. Unknown chunks (LIST, fact, ...) are skipped. A data chunk whose
// declared size overruns the buffer is truncated to what is present, which is
// what streaming encoders that never patch the header produce.
func DecodeWAV(b []byte) (Frame, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return Frame{}, ErrNotWAV
	}

	var (
		f      Format
		bits   int
		gotFmt bool
	)
	for off := 12; off+8 <= len(b); {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4:]))
		body := off + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(b) {
				return Frame{}, errors.New("audio: truncated fmt chunk")
			}
			if tag := binary.LittleEndian.Uint16(b[body:]); tag != 1 && tag != 0xFFFE {
				return Frame{}, fmt.Errorf("audio: unsupported WAV encoding tag %#x", tag)
			}
			f.Channels = int(binary.LittleEndian.Uint16(b[body+2:]))
			f.SampleRate = int(binary.LittleEndian.Uint32(b[body+4:]))
			bits = int(binary.LittleEndian.Uint16(b[body+14:]))
			gotFmt = true
		case "data":
			if !gotFmt {
				return Frame{}, errors.New("audio: data chunk before fmt chunk")
			}
			if bits != 16 {
				return Frame{}, fmt.Errorf("audio: unsupported bit depth %d", bits)
			}
			end := min(body+size, len(b))
			data := b[body:end]
			if f.Channels > 0 {
				data = data[:len(data)-len(data)%(2*f.Channels)]
			}
			return Frame{Data: data, SampleRate: f.SampleRate, Channels: f.Channels}, nil
		}

		off = body + size
		if size%2 == 1 {
			off++
		}
	}
	return Frame{}, errors.New("audio: WAV file has no data chunk")
}
