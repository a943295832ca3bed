package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/voxrelay/pkg/asr"
	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	"github.com/MrWong99/voxrelay/pkg/provider/stt"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
	"github.com/MrWong99/voxrelay/pkg/types"
)

// GuardSTT wraps p so that its calls go through b.
func GuardSTT(p stt.Provider, b *Breaker) stt.Provider { return &sttGuard{p, b} }

type sttGuard struct {
	p stt.Provider
	b *Breaker
}

func (g *sttGuard) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	var tr stt.Transcript
	err := g.b.Do(ctx, func() (err error) {
		tr, err = g.p.Transcribe(ctx, req)
		return err
	})
	return tr, err
}

// GuardLLM wraps p so that its calls go through b. A stream counts as failed
// if it cannot be opened or ends with a [llm.FinishReasonError] chunk.
func GuardLLM(p llm.Provider, b *Breaker) llm.Provider { return &llmGuard{p, b} }

type llmGuard struct {
	p llm.Provider
	b *Breaker
}

func (g *llmGuard) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	done, err := g.b.Allow(ctx)
	if err != nil {
		return nil, err
	}
	in, err := g.p.StreamCompletion(ctx, req)
	if err != nil {
		done(err)
		return nil, err
	}
	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		var failed error
		defer func() { done(failed) }()
		for c := range in {
			if c.FinishReason == llm.FinishReasonError {
				failed = errors.New(c.Text)
			}
			select {
			case out <- c:
			case <-ctx.Done():
				audio.Drain(in)
				failed = ctx.Err()
				return
			}
		}
	}()
	return out, nil
}

func (g *llmGuard) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var resp *llm.CompletionResponse
	err := g.b.Do(ctx, func() (err error) {
		resp, err = g.p.Complete(ctx, req)
		return err
	})
	return resp, err
}

func (g *llmGuard) Capabilities() types.ModelCapabilities { return g.p.Capabilities() }

// GuardTTS wraps p so that synthesis goes through b. A stream counts as
// failed if it cannot be opened or records any failure before it closes.
func GuardTTS(p tts.Provider, b *Breaker) tts.Provider { return &ttsGuard{p, b} }

type ttsGuard struct {
	p tts.Provider
	b *Breaker
}

func (g *ttsGuard) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (*tts.Stream, error) {
	done, err := g.b.Allow(ctx)
	if err != nil {
		return nil, err
	}
	in, err := g.p.SynthesizeStream(ctx, text, voice)
	if err != nil {
		done(err)
		return nil, err
	}
	out := tts.NewStream(0)
	go func() {
		defer out.Close()
		for pcm := range in.Audio() {
			if !out.Send(ctx, pcm) {
				audio.Drain(in.Audio())
				done(ctx.Err())
				return
			}
		}
		err := in.Err()
		if err != nil {
			out.Fail(err)
		}
		done(err)
	}()
	return out, nil
}

func (g *ttsGuard) Format() audio.Format { return g.p.Format() }

// GuardRecognizer wraps r so that its transcriptions go through b.
func GuardRecognizer(r asr.Recognizer, b *Breaker) asr.Recognizer { return &asrGuard{r, b} }

type asrGuard struct {
	r asr.Recognizer
	b *Breaker
}

func (g *asrGuard) Transcribe(ctx context.Context, paths []string, opts asr.Options) ([]asr.Result, error) {
	var res []asr.Result
	err := g.b.Do(ctx, func() (err error) {
		res, err = g.r.Transcribe(ctx, paths, opts)
		return err
	})
	return res, err
}

func (g *asrGuard) Close() error { return g.r.Close() }
