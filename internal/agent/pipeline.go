package agent

import (
	"errors"
	"fmt"

	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/resilience"
	"github.com/MrWong99/voxrelay/internal/session"
	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	"github.com/MrWong99/voxrelay/pkg/provider/stt"
	sttopenai "github.com/MrWong99/voxrelay/pkg/provider/stt/openai"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
	ttsopenai "github.com/MrWong99/voxrelay/pkg/provider/tts/openai"
	"github.com/MrWong99/voxrelay/pkg/types"
)

// Pipeline holds the provider clients shared by every session. It is built
// once at startup and never modified.
type Pipeline struct {
	STT   stt.Provider
	TTS   tts.Provider
	LLM   llm.Provider
	Voice types.VoiceProfile

	// Labels name the backends in usage events and metrics.
	Labels session.Labels
}

// BuildPipeline constructs the STT and TTS clients from their resolved
// endpoints and the LLM client through reg. Each client is guarded by its own
// circuit breaker so a dead backend fails turns fast instead of stalling
// them. cfg must have been through [config.ApplyAgentDefaults] and
// [config.ValidateAgent].
func BuildPipeline(cfg *config.AgentConfig, reg *config.Registry) (*Pipeline, error) {
	var errs []error

	sttp, err := sttopenai.New(cfg.STT.BaseURL, cfg.STT.Model,
		sttopenai.WithAPIKey(cfg.STT.APIKey),
		sttopenai.WithLanguage(cfg.STT.Language),
	)
	if err != nil {
		errs = append(errs, fmt.Errorf("stt %s: %w", cfg.STT.Provider, err))
	}

	ttsOpts := []ttsopenai.Option{
		ttsopenai.WithAPIKey(cfg.TTS.APIKey),
		ttsopenai.WithVoice(cfg.TTS.Voice),
	}
	if cfg.TTS.Speed != 0 {
		ttsOpts = append(ttsOpts, ttsopenai.WithSpeed(cfg.TTS.Speed))
	}
	ttsp, err := ttsopenai.New(cfg.TTS.BaseURL, cfg.TTS.Model, ttsOpts...)
	if err != nil {
		errs = append(errs, fmt.Errorf("tts %s: %w", cfg.TTS.Provider, err))
	}

	llmp, err := reg.CreateLLM(cfg.LLM)
	if err != nil {
		errs = append(errs, fmt.Errorf("llm %s: %w", cfg.LLM.Backend, err))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("agent: build pipeline: %w", err)
	}
	breaker := func(name string) *resilience.Breaker {
		return resilience.NewBreaker(resilience.Config{Name: name})
	}
	return &Pipeline{
		STT:   resilience.GuardSTT(sttp, breaker("stt/"+string(cfg.STT.Provider))),
		TTS:   resilience.GuardTTS(ttsp, breaker("tts/"+string(cfg.TTS.Provider))),
		LLM:   resilience.GuardLLM(llmp, breaker("llm/"+string(cfg.LLM.Backend))),
		Voice: types.VoiceProfile{ID: cfg.TTS.Voice, SpeedFactor: cfg.TTS.Speed},
		Labels: session.Labels{
			STT: string(cfg.STT.Provider),
			TTS: string(cfg.TTS.Provider),
			LLM: string(cfg.LLM.Backend),
			VAD: "energy",
		},
	}, nil
}
