// Package openai implements [stt.Provider] against the /v1/audio/transcriptions
// endpoint of an OpenAI-compatible server.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/stt"
)

var _ stt.Provider = (*Provider)(nil)

// Provider uploads utterances as WAV files.
type Provider struct {
	client   oai.Client
	model    string
	language string
}

type config struct {
	apiKey     string
	language   string
	httpClient *http.Client
}

// Option configures a [Provider].
type Option func(*config)

// WithAPIKey sets the bearer token. Default: "no-key-needed".
func WithAPIKey(key string) Option {
	return func(c *config) { c.apiKey = key }
}

// WithLanguage sets the default language hint.
func WithLanguage(lang string) Option {
	return func(c *config) { c.language = lang }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// New returns a Provider posting to baseURL with the given model id.
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("stt/openai: base URL must not be empty")
	}
	if model == "" {
		return nil, errors.New("stt/openai: model must not be empty")
	}
	cfg := config{apiKey: "no-key-needed"}
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
	return &Provider{client: oai.NewClient(reqOpts...), model: model, language: cfg.language}, nil
}

// Transcribe implements [stt.Provider].
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	if req.SampleRate <= 0 {
		return stt.Transcript{}, errors.New("stt/openai: sample rate must be positive")
	}
	if req.Channels <= 0 {
		req.Channels = 1
	}
	wav := audio.EncodeWAV(req.Audio, req.Format())

	params := oai.AudioTranscriptionNewParams{
		File:           oai.File(bytes.NewReader(wav), "utterance.wav", "audio/wav"),
		Model:          oai.AudioModel(p.model),
		ResponseFormat: oai.AudioResponseFormatJSON,
	}
	lang := req.Language
	if lang == "" {
		lang = p.language
	}
	if lang != "" {
		params.Language = param.NewOpt(lang)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("stt/openai: transcribe: %w", err)
	}
	return stt.Transcript{
		Text:          resp.Text,
		AudioDuration: req.Format().Duration(len(req.Audio)),
	}, nil
}
