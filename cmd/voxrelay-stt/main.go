// Command voxrelay-stt serves an OpenAI-compatible transcription endpoint
// backed by a locally loaded speech recognition model.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/relay"
	"github.com/MrWong99/voxrelay/internal/resilience"
	"github.com/MrWong99/voxrelay/pkg/asr"
	"github.com/MrWong99/voxrelay/pkg/asr/upstream"
	"github.com/MrWong99/voxrelay/pkg/asr/whispercpp"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "optional path to a YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.LoadRelay(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxrelay-stt: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxrelay-stt starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"backend", cfg.Backend,
		"model", cfg.Model,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxrelay-stt"})
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

	// ── Recogniser ────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerRecognizers(reg)

	model := relay.NewModelHandle(func(context.Context) (asr.Recognizer, error) {
		return reg.CreateRecognizer(*cfg)
	}, metrics)
	defer func() {
		if err := model.Close(); err != nil {
			slog.Warn("close model", "err", err)
		}
	}()

	printStartupSummary(cfg)

	start := time.Now()
	if err := model.Warm(ctx); err != nil {
		slog.Error("failed to load model", "backend", cfg.Backend, "err", err)
		return 1
	}
	slog.Info("model loaded", "backend", cfg.Backend, "duration", time.Since(start))

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := relay.NewServer(*cfg, model, metrics)
	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server ready", "addr", cfg.Server.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")
		srv.Health().Drain()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Recogniser wiring ─────────────────────────────────────────────────────────

func registerRecognizers(reg *config.Registry) {
	reg.RegisterRecognizer(config.RelayWhisperCpp, func(cfg config.RelayConfig) (asr.Recognizer, error) {
		opts := []whispercpp.Option{whispercpp.WithLanguage(cfg.DefaultLanguage)}
		if cfg.Threads > 0 {
			opts = append(opts, whispercpp.WithThreads(cfg.Threads))
		}
		return whispercpp.New(cfg.WhisperModelPath, opts...)
	})

	reg.RegisterRecognizer(config.RelayUpstream, func(cfg config.RelayConfig) (asr.Recognizer, error) {
		r, err := upstream.New(cfg.UpstreamBaseURL, cfg.Model, upstream.WithAPIKey(cfg.UpstreamAPIKey))
		if err != nil {
			return nil, err
		}
		return resilience.GuardRecognizer(r, resilience.NewBreaker(resilience.Config{Name: "asr/upstream"})), nil
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.RelayConfig) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      voxrelay-stt — startup summary   ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Backend", string(cfg.Backend))
	printRow("Model", cfg.Model)
	printRow("Language", cfg.DefaultLanguage)
	if cfg.MaxConcurrent > 0 {
		printRow("Concurrency", fmt.Sprint(cfg.MaxConcurrent))
	} else {
		printRow("Concurrency", "(unbounded)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
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
