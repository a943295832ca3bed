package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/session"
	"github.com/MrWong99/voxrelay/internal/usage"
	"github.com/MrWong99/voxrelay/internal/worker"
	"github.com/MrWong99/voxrelay/pkg/provider/vad"
	"github.com/MrWong99/voxrelay/pkg/provider/vad/energy"
	"github.com/MrWong99/voxrelay/pkg/turn"
)

// VADKey is the [worker.Process] userdata key holding the shared VAD engine.
const VADKey = "vad"

// ErrNoVAD is returned by the entry point when the worker was not prewarmed
// with [Prewarm].
var ErrNoVAD = errors.New("agent: no VAD engine in process userdata")

// Prewarm loads the VAD engine once per process.
func Prewarm(p *worker.Process) error {
	p.Userdata[VADKey] = energy.Load()
	return nil
}

// Entrypoint runs the assistant in every room the worker accepts.
type Entrypoint struct {
	Config   *config.AgentConfig
	Pipeline *Pipeline
	Metrics  *observe.Metrics

	// NewAgent builds the agent for each session. Default: [NewAssistant].
	NewAgent func() session.Agent
}

// Run is a [worker.EntrypointFunc]. It starts the session and registers a
// shutdown callback that ends it and logs the usage summary.
func (e *Entrypoint) Run(ctx context.Context, jc *worker.JobContext) error {
	jc.WithLogFields("room", jc.Room.Name())
	log := jc.Logger()

	engine, ok := jc.Proc.Userdata[VADKey].(vad.Engine)
	if !ok {
		return ErrNoVAD
	}

	cfg := e.Config
	sess, err := session.New(session.Options{
		STT:       e.Pipeline.STT,
		LLM:       e.Pipeline.LLM,
		TTS:       e.Pipeline.TTS,
		VAD:       engine,
		VADConfig: vadConfig(cfg.VAD),
		Turn:      turn.New(cfg.Session.MinEndpointingDelay, cfg.Session.MaxEndpointingDelay),
		Voice:     e.Pipeline.Voice,
		Language:  cfg.STT.Language,

		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,

		PreemptiveGeneration:     *cfg.Session.PreemptiveGeneration,
		ResumeFalseInterruption:  *cfg.Session.ResumeFalseInterruption,
		FalseInterruptionTimeout: cfg.Session.FalseInterruptionTimeout,
		MinInterruptionDuration:  cfg.Session.MinInterruptionDuration,
		MaxToolSteps:             cfg.Session.MaxToolSteps,

		Labels:  e.Pipeline.Labels,
		Logger:  log,
		Metrics: e.Metrics,
	})
	if err != nil {
		return fmt.Errorf("agent: %w", err)
	}

	collector := usage.NewCollector(usage.WithLogger(log), usage.WithMetrics(e.Metrics))
	go collector.Run(context.WithoutCancel(ctx), sess.Subscribe())

	jc.AddShutdownCallback(func(ctx context.Context) error {
		err := sess.Close()
		log.Info("Usage: " + collector.Flush(ctx).String())
		return err
	})

	newAgent := e.NewAgent
	if newAgent == nil {
		newAgent = func() session.Agent { return NewAssistant() }
	}
	if err := sess.Start(ctx, newAgent(), jc.Room); err != nil {
		return fmt.Errorf("agent: start session: %w", err)
	}
	return jc.Connect(ctx)
}

func vadConfig(c config.VADConfig) vad.Config {
	return vad.Config{
		FrameSizeMs:      int(c.FrameSize.Milliseconds()),
		SpeechThreshold:  c.SpeechThreshold,
		SilenceThreshold: c.SilenceThreshold,
		MinSpeech:        c.MinSpeech,
		MinSilence:       c.MinSilence,
	}
}
