// Package openai implements [tts.Provider] against the /v1/audio/speech
// endpoint of an OpenAI-compatible server such as Kokoro-FastAPI.
//
// Audio is requested as raw PCM, which OpenAI-compatible servers emit as
// 24 kHz mono 16-bit little-endian samples.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
	"github.com/MrWong99/voxrelay/pkg/types"
)

// OutputFormat is the PCM layout of the "pcm" response format.
var OutputFormat = audio.Format{SampleRate: 24000, Channels: 1}

// chunkBytes is the size of emitted audio chunks: 100ms at [OutputFormat].
const chunkBytes = 4800

var _ tts.Provider = (*Provider)(nil)

// Provider synthesises one sentence per HTTP request.
type Provider struct {
	client oai.Client
	model  string
	voice  string
	speed  float64
}

type config struct {
	apiKey     string
	voice      string
	speed      float64
	httpClient *http.Client
}

// Option configures a [Provider].
type Option func(*config)

// WithAPIKey sets the bearer token. Default: "no-key-needed".
func WithAPIKey(key string) Option {
	return func(c *config) { c.apiKey = key }
}

// WithVoice sets the voice used when a call passes an empty profile.
func WithVoice(id string) Option {
	return func(c *config) { c.voice = id }
}

// WithSpeed sets the default speaking rate.
func WithSpeed(s float64) Option {
	return func(c *config) { c.speed = s }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// New returns a Provider posting to baseURL with the given model id.
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("tts/openai: base URL must not be empty")
	}
	if model == "" {
		return nil, errors.New("tts/openai: model must not be empty")
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
	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  model,
		voice:  cfg.voice,
		speed:  cfg.speed,
	}, nil
}

// Format implements [tts.Provider].
func (p *Provider) Format() audio.Format { return OutputFormat }

// SynthesizeStream implements [tts.Provider]. Sentences are synthesised in
// order. A failed sentence is recorded on the stream and skipped so the rest
// of the reply still plays.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (*tts.Stream, error) {
	if voice.ID == "" {
		voice.ID = p.voice
	}
	if voice.ID == "" {
		return nil, errors.New("tts/openai: voice must not be empty")
	}
	if voice.SpeedFactor == 0 {
		voice.SpeedFactor = p.speed
	}

	out := tts.NewStream(16)
	go func() {
		defer out.Close()
		var sb tts.SentenceBuffer
		speak := func(sentence string) bool {
			if err := p.synthesize(ctx, sentence, voice, out); err != nil {
				if ctx.Err() != nil {
					return false
				}
				slog.Warn("tts/openai: sentence synthesis failed", "err", err, "chars", len(sentence))
				out.Fail(err)
			}
			return ctx.Err() == nil
		}
		for {
			select {
			case frag, ok := <-text:
				if !ok {
					if tail := sb.Flush(); tail != "" {
						speak(tail)
					}
					return
				}
				for _, s := range sb.Write(frag) {
					if !speak(s) {
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (p *Provider) synthesize(ctx context.Context, sentence string, voice types.VoiceProfile, out *tts.Stream) error {
	params := oai.AudioSpeechNewParams{
		Input:          sentence,
		Model:          oai.SpeechModel(p.model),
		Voice:          oai.AudioSpeechNewParamsVoice(voice.ID),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if voice.SpeedFactor > 0 {
		params.Speed = param.NewOpt(voice.SpeedFactor)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return fmt.Errorf("tts/openai: speech: %w", err)
	}
	defer resp.Body.Close()

	// Keep chunks sample-aligned when the body splits mid-sample.
	var carry []byte
	buf := make([]byte, chunkBytes)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			whole := len(data) - len(data)%2
			chunk := make([]byte, whole)
			copy(chunk, data[:whole])
			carry = append([]byte(nil), data[whole:]...)
			if len(chunk) > 0 && !out.Send(ctx, chunk) {
				return ctx.Err()
			}
		}
		if errors.Is(rerr, io.EOF) {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("tts/openai: read audio: %w", rerr)
		}
	}
}
