package openai_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/stt"
	sttoai "github.com/MrWong99/voxrelay/pkg/provider/stt/openai"
)

func TestTranscribe(t *testing.T) {
	var (
		gotModel, gotLang string
		gotFormat         audio.Format
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotModel = r.FormValue("model")
		gotLang = r.FormValue("language")
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		raw, _ := io.ReadAll(f)
		if frame, err := audio.DecodeWAV(raw); err == nil {
			gotFormat = frame.Format()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "what is six times seven"})
	}))
	defer srv.Close()

	p, err := sttoai.New(srv.URL+"/v1", "Systran/faster-whisper-small", sttoai.WithLanguage("en"))
	if err != nil {
		t.Fatal(err)
	}
	pcm := make([]byte, 32000) // one second at 16 kHz mono
	tr, err := p.Transcribe(context.Background(), stt.Request{Audio: pcm, SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "what is six times seven" {
		t.Errorf("text = %q", tr.Text)
	}
	if tr.AudioDuration != time.Second {
		t.Errorf("duration = %s, want 1s", tr.AudioDuration)
	}
	if gotModel != "Systran/faster-whisper-small" || gotLang != "en" {
		t.Errorf("model=%q language=%q", gotModel, gotLang)
	}
	if gotFormat != (audio.Format{SampleRate: 16000, Channels: 1}) {
		t.Errorf("uploaded format = %v", gotFormat)
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, err := sttoai.New(srv.URL+"/v1", "m")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte{0, 0}, SampleRate: 16000}); err == nil {
		t.Fatal("expected error")
	}
}

func TestTranscribe_InvalidRequest(t *testing.T) {
	p, err := sttoai.New("http://127.0.0.1:1/v1", "m")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte{0, 0}}); err == nil {
		t.Fatal("expected error for zero sample rate")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := sttoai.New("", "m"); err == nil {
		t.Error("expected error for empty base URL")
	}
	if _, err := sttoai.New("http://x/v1", ""); err == nil {
		t.Error("expected error for empty model")
	}
}
