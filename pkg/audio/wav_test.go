package audio_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

func TestEncodeDecodeWAV(t *testing.T) {
	t.Parallel()
	data := pcm(1, -2, 3, -4)
	wav := audio.EncodeWAV(data, audio.Format{SampleRate: 24000, Channels: 2})

	if len(wav) != 44+len(data) {
		t.Fatalf("encoded size = %d", len(wav))
	}
	frame, err := audio.DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if frame.SampleRate != 24000 || frame.Channels != 2 {
		t.Errorf("format = %v", frame.Format())
	}
	if !bytes.Equal(frame.Data, data) {
		t.Errorf("data = %v, want %v", frame.Data, data)
	}
}

func TestDecodeWAV_SkipsUnknownChunks(t *testing.T) {
	t.Parallel()
	base := audio.EncodeWAV(pcm(5, 6), audio.Format{SampleRate: 16000, Channels: 1})

	// Splice an odd-sized LIST chunk between fmt and data.
	list := []byte("LIST\x03\x00\x00\x00abc\x00")
	wav := append(append(append([]byte{}, base[:36]...), list...), base[36:]...)
	binary.LittleEndian.PutUint32(wav[4:], uint32(len(wav)-8))

	frame, err := audio.DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	equalSamples(t, samples(frame.Data), []int16{5, 6})
}

func TestDecodeWAV_TruncatedData(t *testing.T) {
	t.Parallel()
	wav := audio.EncodeWAV(pcm(1, 2, 3), audio.Format{SampleRate: 16000, Channels: 1})
	binary.LittleEndian.PutUint32(wav[40:], 0xFFFFFFF0)

	frame, err := audio.DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if len(frame.Data) != 6 {
		t.Errorf("data len = %d, want 6", len(frame.Data))
	}
}

func TestDecodeWAV_Errors(t *testing.T) {
	t.Parallel()

	eightBit := audio.EncodeWAV(pcm(1), audio.Format{SampleRate: 8000, Channels: 1})
	binary.LittleEndian.PutUint16(eightBit[34:], 8)

	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"not riff", []byte("this is not audio at all")},
		{"8-bit", eightBit},
		{"no data", audio.EncodeWAV(nil, audio.Format{SampleRate: 8000, Channels: 1})[:36]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := audio.DecodeWAV(tt.in); err == nil {
				t.Error("expected error")
			}
		})
	}
	if _, err := audio.DecodeWAV([]byte("nope")); !errors.Is(err, audio.ErrNotWAV) {
		t.Errorf("err = %v, want ErrNotWAV", err)
	}
}
