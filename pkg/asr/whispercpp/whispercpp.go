// Package whispercpp implements [asr.Recognizer] on top of the whisper.cpp Go
// bindings. The ggml model is loaded once and shared; every file gets its own
// whisper context, so concurrent Transcribe calls do not share decoder state.
//
// Only 16-bit PCM WAV input is accepted. Audio is down-mixed to mono and
// resampled to 16 kHz before inference.
package whispercpp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/voxrelay/pkg/asr"
	"github.com/MrWong99/voxrelay/pkg/audio"
)

// SampleRate is the input rate whisper models are trained on.
const SampleRate = 16000

var _ asr.Recognizer = (*Recognizer)(nil)

// Recognizer runs a local whisper.cpp model.
type Recognizer struct {
	model    whisperlib.Model
	language string
	threads  uint
}

// Option configures a [Recognizer].
type Option func(*Recognizer)

// WithLanguage sets the fallback language used when a call does not specify
// one. Default: "en".
func WithLanguage(lang string) Option {
	return func(r *Recognizer) { r.language = lang }
}

// WithThreads sets the number of CPU threads per inference. Zero keeps the
// library default.
func WithThreads(n uint) Option {
	return func(r *Recognizer) { r.threads = n }
}

// New loads the ggml model at modelPath.
func New(modelPath string, opts ...Option) (*Recognizer, error) {
	if modelPath == "" {
		return nil, errors.New("whispercpp: model path must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whispercpp: load model %q: %w", modelPath, err)
	}
	r := &Recognizer{model: model, language: "en"}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Transcribe implements [asr.Recognizer].
func (r *Recognizer) Transcribe(ctx context.Context, paths []string, opts asr.Options) ([]asr.Result, error) {
	if r.model == nil {
		return nil, asr.ErrNoModel
	}
	lang := opts.Language
	if lang == "" {
		lang = r.language
	}
	results := make([]asr.Result, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		samples, err := loadSamples(p)
		if err != nil {
			return nil, err
		}
		hyp, err := r.infer(samples, lang)
		if err != nil {
			return nil, err
		}
		results = append(results, asr.FromHypothesis(hyp))
	}
	return results, nil
}

// Close frees the model. Subsequent Transcribe calls return [asr.ErrNoModel].
func (r *Recognizer) Close() error {
	if r.model == nil {
		return nil
	}
	err := r.model.Close()
	r.model = nil
	return err
}

func (r *Recognizer) infer(samples []float32, lang string) (asr.Hypothesis, error) {
	wctx, err := r.model.NewContext()
	if err != nil {
		return asr.Hypothesis{}, fmt.Errorf("whispercpp: create context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whispercpp: unsupported language, using model default", "language", lang, "err", err)
	}
	if r.threads > 0 {
		wctx.SetThreads(r.threads)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return asr.Hypothesis{}, fmt.Errorf("whispercpp: process: %w", err)
	}

	var (
		hyp   asr.Hypothesis
		parts []string
	)
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return asr.Hypothesis{}, fmt.Errorf("whispercpp: read segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		hyp.Segments = append(hyp.Segments, asr.Segment{Start: seg.Start, End: seg.End, Text: text})
		if text != "" {
			parts = append(parts, text)
		}
	}
	hyp.Text = strings.Join(parts, " ")
	return hyp, nil
}

func loadSamples(path string) ([]float32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("whispercpp: read %s: %w", path, err)
	}
	frame, err := audio.DecodeWAV(raw)
	if err != nil {
		return nil, fmt.Errorf("whispercpp: decode %s: %w", path, err)
	}
	frame = audio.Convert(frame, audio.Format{SampleRate: SampleRate, Channels: 1})
	return audio.Float32Mono(frame.Data, 1), nil
}
