// Package relay implements the transcription relay: an OpenAI-compatible
// HTTP surface in front of a local speech recogniser.
//
// Each upload is written to a scratch file, handed to the recogniser as a
// single-element batch, and the first result is returned as {"text": ...}.
// The scratch file is removed when the request ends, whatever the outcome.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/health"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/pkg/asr"
)

// ErrMissingFile is reported when a transcription request has no file part.
var ErrMissingFile = errors.New("relay: missing file field")

// maxMemory is the multipart size kept in memory before spilling to disk.
const maxMemory = 32 << 20

const (
	defaultExt            = ".wav"
	defaultResponseFormat = "json"
	ownedBy               = "nvidia"
)

// Server serves the relay endpoints.
type Server struct {
	cfg     config.RelayConfig
	model   *ModelHandle
	metrics *observe.Metrics
	health  *health.Handler
	sem     *semaphore.Weighted
}

// NewServer wires a Server. metrics may be nil.
func NewServer(cfg config.RelayConfig, model *ModelHandle, metrics *observe.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		model:   model,
		metrics: metrics,
		health: health.New(
			health.Flag("model", model.Loaded, asr.ErrNoModel),
		),
	}
	if cfg.MaxConcurrent > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	return s
}

// Health exposes the probe handler so the entry point can drain it.
func (s *Server) Health() *health.Handler { return s.health }

// Handler returns the routed HTTP handler including health and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("POST /v1/audio/transcriptions", s.handleTranscription)
	s.health.Register(mux)
	mux.Handle("GET /metrics", observe.Handler())
	if s.metrics == nil {
		return mux
	}
	return observe.Middleware(s.metrics)(mux)
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, modelList{
		Object: "list",
		Data:   []modelEntry{{ID: s.cfg.Model, Object: "model", OwnedBy: ownedBy}},
	})
}

type transcription struct {
	Text string `json:"text"`
}

func (s *Server) handleTranscription(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())
	defer func() {
		if p := recover(); p != nil {
			if p == http.ErrAbortHandler {
				panic(p)
			}
			log.Error("relay: recogniser panicked", "panic", p)
			writeError(w, http.StatusInternalServerError, "server_error", fmt.Sprint(p))
		}
	}()

	if err := r.ParseMultipartForm(maxMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
			writeError(w, http.StatusBadRequest, "invalid_request_error", ErrMissingFile.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	defer file.Close()

	opts := asr.Options{
		Language: r.FormValue("language"),
		Model:    r.FormValue("model"),
	}
	if opts.Language == "" {
		opts.Language = s.cfg.DefaultLanguage
	}
	if f := r.FormValue("response_format"); f != "" && f != defaultResponseFormat {
		log.Debug("relay: response_format ignored, answering json", "response_format", f)
	}

	if s.sem != nil {
		if err := s.sem.Acquire(r.Context(), 1); err != nil {
			writeError(w, http.StatusServiceUnavailable, "server_error", err.Error())
			return
		}
		defer s.sem.Release(1)
	}

	start := time.Now()
	text, err := s.transcribe(r.Context(), file, header.Filename, opts)
	status := "ok"
	if err != nil {
		status = "error"
	}
	if s.metrics != nil {
		s.metrics.RecordTranscription(r.Context(), string(s.cfg.Backend), status, time.Since(start).Seconds())
	}
	if err != nil {
		log.Error("relay: transcription failed", "err", err, "filename", header.Filename)
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, transcription{Text: text})
}

// transcribe spools src into a scratch file and runs the recogniser on it.
// The scratch file is removed on every return path, panics included.
func (s *Server) transcribe(ctx context.Context, src io.Reader, filename string, opts asr.Options) (text string, err error) {
	ctx, span := observe.StartSpan(ctx, "relay.transcribe", trace.WithAttributes(
		observe.AttrBackend.String(string(s.cfg.Backend)),
		observe.AttrLanguage.String(opts.Language),
	))
	defer func() { observe.EndSpan(span, err) }()

	if s.metrics != nil {
		s.metrics.InFlightTranscriptions.Add(ctx, 1)
		defer s.metrics.InFlightTranscriptions.Add(ctx, -1)
	}

	ext := filepath.Ext(filename)
	if ext == "" {
		ext = defaultExt
	}
	f, err := os.CreateTemp(s.cfg.ScratchDir, "upload-*"+ext)
	if err != nil {
		return "", fmt.Errorf("relay: create scratch file: %w", err)
	}
	path := f.Name()
	defer func() {
		_ = f.Close()
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("relay: remove scratch file", "path", path, "err", err)
		}
	}()

	if _, err := io.Copy(f, src); err != nil {
		return "", fmt.Errorf("relay: write scratch file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("relay: write scratch file: %w", err)
	}

	rec, err := s.model.Get(ctx)
	if err != nil {
		return "", err
	}
	results, err := rec.Transcribe(ctx, []string{path}, opts)
	if err != nil {
		return "", fmt.Errorf("relay: transcribe: %w", err)
	}
	text = asr.FirstText(results)
	span.SetAttributes(attribute.Int("voxrelay.text_length", len(text)))
	return text, nil
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeError(w http.ResponseWriter, status int, typ, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Message: msg, Type: typ}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("relay: encode response", "err", err)
	}
}
