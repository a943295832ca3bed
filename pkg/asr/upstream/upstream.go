// Package upstream implements [asr.Recognizer] by forwarding each file to an
// OpenAI-compatible /v1/audio/transcriptions endpoint, such as a NeMo or
// faster-whisper container.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/voxrelay/pkg/asr"
)

// PlaceholderAPIKey is sent to self-hosted servers that ignore authentication.
const PlaceholderAPIKey = "no-key-needed"

var _ asr.Recognizer = (*Recognizer)(nil)

// Recognizer forwards audio to a remote transcription server.
type Recognizer struct {
	client oai.Client
	model  string
}

// Option configures a [Recognizer].
type Option func(*config)

type config struct {
	apiKey     string
	httpClient *http.Client
}

// WithAPIKey overrides the placeholder bearer token.
func WithAPIKey(key string) Option {
	return func(c *config) { c.apiKey = key }
}

// WithHTTPClient sets the HTTP client used for upstream requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// New returns a Recognizer that posts to baseURL (e.g. "http://parakeet:8015/v1")
// asking for model. Requests are never retried.
func New(baseURL, model string, opts ...Option) (*Recognizer, error) {
	if baseURL == "" {
		return nil, errors.New("upstream: base URL must not be empty")
	}
	if model == "" {
		return nil, errors.New("upstream: model must not be empty")
	}
	cfg := config{apiKey: PlaceholderAPIKey}
	for _, o := range opts {
		o(&cfg)
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.apiKey),
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
	}
	if cfg.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	}
	return &Recognizer{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Transcribe implements [asr.Recognizer].
func (r *Recognizer) Transcribe(ctx context.Context, paths []string, opts asr.Options) ([]asr.Result, error) {
	model := r.model
	if opts.Model != "" {
		model = opts.Model
	}
	results := make([]asr.Result, 0, len(paths))
	for _, p := range paths {
		text, err := r.transcribeFile(ctx, p, model, opts.Language)
		if err != nil {
			return nil, err
		}
		results = append(results, asr.FromText(text))
	}
	return results, nil
}

func (r *Recognizer) transcribeFile(ctx context.Context, path, model, lang string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("upstream: open %s: %w", path, err)
	}
	defer f.Close()

	name := filepath.Base(path)
	ctype := mime.TypeByExtension(filepath.Ext(name))
	if ctype == "" {
		ctype = "application/octet-stream"
	}

	params := oai.AudioTranscriptionNewParams{
		File:           oai.File(f, name, ctype),
		Model:          oai.AudioModel(model),
		ResponseFormat: oai.AudioResponseFormatJSON,
	}
	if lang != "" {
		params.Language = param.NewOpt(lang)
	}

	resp, err := r.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("upstream: transcribe: %w", err)
	}
	return resp.Text, nil
}

// Close is a no-op; the HTTP client holds no model.
func (r *Recognizer) Close() error { return nil }
