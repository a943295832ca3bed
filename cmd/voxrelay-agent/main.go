// Command voxrelay-agent runs the voice-assistant worker: clients connect
// over a websocket, and each connection gets its own agent session.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voxrelay/internal/agent"
	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/worker"
	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	"github.com/MrWong99/voxrelay/pkg/provider/llm/anyllm"
	"github.com/MrWong99/voxrelay/pkg/provider/llm/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "optional path to a YAML configuration file")
	envFile := flag.String("env-file", ".env.local", "dotenv file loaded before reading the environment")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "voxrelay-agent: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxrelay-agent: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxrelay-agent starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxrelay-agent"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerLLMBackends(reg)

	pipeline, err := agent.BuildPipeline(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	entry := &agent.Entrypoint{Config: cfg, Pipeline: pipeline, Metrics: metrics}
	srv := worker.New(cfg.Worker, agent.Prewarm, entry.Run,
		worker.WithLogger(logger),
		worker.WithMetrics(metrics),
	)

	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		slog.Error("failed to listen", "addr", cfg.Server.ListenAddr, "err", err)
		return 1
	}
	slog.Info("worker ready — press Ctrl+C to shut down", "addr", ln.Addr().String())

	if err := srv.Run(ctx, ln, cfg.Server.ShutdownTimeout); err != nil {
		slog.Error("worker error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerLLMBackends wires every LLM backend. The openai backend talks to an
// OpenAI-compatible server such as vLLM; the rest go through any-llm-go.
func registerLLMBackends(reg *config.Registry) {
	reg.RegisterLLM(config.LLMOpenAI, func(c config.LLMConfig) (llm.Provider, error) {
		return openai.New(c.APIKey, c.Model, openai.WithBaseURL(c.BaseURL))
	})

	for _, backend := range config.LLMBackends {
		if backend == config.LLMOpenAI {
			continue
		}
		reg.RegisterLLM(backend, func(c config.LLMConfig) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if c.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(c.APIKey))
			}
			if c.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(c.BaseURL))
			}
			return anyllm.New(string(backend), c.Model, opts...)
		})
	}

	for _, name := range reg.LLMBackendNames() {
		slog.Debug("registered provider", "kind", "llm", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.AgentConfig) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║    voxrelay-agent — startup summary   ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", string(cfg.LLM.Backend), cfg.LLM.Model)
	printProvider("STT", string(cfg.STT.Provider), cfg.STT.Model)
	printProvider("TTS", string(cfg.TTS.Provider), cfg.TTS.Voice)
	printProvider("VAD", "energy", "")
	if cfg.Worker.MaxSessions > 0 {
		fmt.Printf("║  Max sessions    : %-19d ║\n", cfg.Worker.MaxSessions)
	} else {
		fmt.Printf("║  Max sessions    : %-19s ║\n", "(unbounded)")
	}
	fmt.Printf("║  Preemptive gen  : %-19t ║\n", *cfg.Session.PreemptiveGeneration)
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
