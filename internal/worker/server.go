// Package worker hosts agent jobs. A client opens a websocket to
// GET /rtc?room=NAME; the worker turns each connection into a job, hands it
// to the entry point, and tears it down when the client leaves.
//
// The setup hook runs once per process before any job is accepted and is the
// place to load models shared by every session.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/health"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/pkg/audio"
)

const defaultCallbackTimeout = 10 * time.Second

// ErrNotPrewarmed is reported by /readyz until the setup hook has succeeded.
var ErrNotPrewarmed = errors.New("worker: setup has not run")

// SetupFunc prepares process-wide state.
type SetupFunc func(p *Process) error

// EntrypointFunc runs one job. It should start the session and return; the
// job lasts until the client disconnects.
type EntrypointFunc func(ctx context.Context, jc *JobContext) error

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the base logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics enables HTTP and admission metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithOriginPatterns allows browser clients from the given host patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// Server accepts room connections and runs jobs.
type Server struct {
	Setup      SetupFunc
	Entrypoint EntrypointFunc

	cfg     config.WorkerConfig
	log     *slog.Logger
	metrics *observe.Metrics
	origins []string
	health  *health.Handler
	sem     *semaphore.Weighted

	proc      *Process
	setupOnce sync.Once
	setupErr  error
	ready     atomic.Bool

	baseCtx context.Context
	cancel  context.CancelFunc
	jobs    sync.WaitGroup
	active  atomic.Int64
}

// New returns a Server. setup may be nil.
func New(cfg config.WorkerConfig, setup SetupFunc, entry EntrypointFunc, opts ...Option) *Server {
	s := &Server{
		Setup:      setup,
		Entrypoint: entry,
		cfg:        cfg,
		log:        slog.Default(),
		proc:       &Process{Userdata: make(map[string]any)},
	}
	for _, o := range opts {
		o(s)
	}
	if s.cfg.CallbackTimeout <= 0 {
		s.cfg.CallbackTimeout = defaultCallbackTimeout
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	s.health = health.New(health.Flag("setup", s.ready.Load, ErrNotPrewarmed))
	if cfg.MaxSessions > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxSessions))
	}
	return s
}

// Prewarm runs the setup hook once. Later calls return the first result.
func (s *Server) Prewarm() error {
	s.setupOnce.Do(func() {
		start := time.Now()
		if s.Setup != nil {
			s.setupErr = s.Setup(s.proc)
		}
		if s.setupErr != nil {
			s.setupErr = fmt.Errorf("worker: setup: %w", s.setupErr)
			return
		}
		s.ready.Store(true)
		s.log.Info("worker prewarmed", "duration", time.Since(start))
	})
	return s.setupErr
}

// Process returns the process state shared by all jobs.
func (s *Server) Process() *Process { return s.proc }

// Active returns the number of running jobs.
func (s *Server) Active() int64 { return s.active.Load() }

// Handler returns the routed HTTP handler including health and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rtc", s.handleRTC)
	s.health.Register(mux)
	mux.Handle("GET /metrics", observe.Handler())
	if s.metrics == nil {
		return mux
	}
	return observe.Middleware(s.metrics)(mux)
}

// Run prewarms, serves on ln, and on ctx cancellation drains: readiness
// fails, the listener closes, running jobs are cancelled and their shutdown
// callbacks run. shutdownTimeout bounds the HTTP shutdown.
func (s *Server) Run(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	if err := s.Prewarm(); err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("worker: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.health.Drain()
		s.log.Info("worker draining", "active_jobs", s.Active())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Hijacked websocket connections are not tracked by Shutdown.
		s.cancel()
		err := srv.Shutdown(shutdownCtx)
		s.jobs.Wait()
		if err != nil {
			return fmt.Errorf("worker: shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Close cancels all running jobs and waits for them to finish.
func (s *Server) Close() {
	s.cancel()
	s.jobs.Wait()
}

func (s *Server) handleRTC(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("room")
	if name == "" {
		http.Error(w, "missing room parameter", http.StatusBadRequest)
		return
	}
	if !s.ready.Load() {
		http.Error(w, "worker is not ready", http.StatusServiceUnavailable)
		return
	}
	if s.baseCtx.Err() != nil {
		http.Error(w, "worker is shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.sem != nil && !s.sem.TryAcquire(1) {
		if s.metrics != nil {
			s.metrics.RejectedSessions.Add(r.Context(), 1)
		}
		s.log.Warn("rejecting room, worker at capacity", "room", name, "max_sessions", s.cfg.MaxSessions)
		http.Error(w, "worker at capacity", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.log.Warn("websocket accept failed", "room", name, "err", err)
		if s.sem != nil {
			s.sem.Release(1)
		}
		return
	}

	s.jobs.Add(1)
	s.active.Add(1)
	defer func() {
		if s.sem != nil {
			s.sem.Release(1)
		}
		s.active.Add(-1)
		s.jobs.Done()
	}()

	s.runJob(name, conn)
}

// runJob drives one job from entry point to shutdown callbacks.
func (s *Server) runJob(name string, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()

	id := uuid.NewString()
	log := s.log.With("job_id", id)
	in := audio.Format{SampleRate: s.cfg.InputSampleRate, Channels: 1}
	out := audio.Format{SampleRate: s.cfg.OutputSampleRate, Channels: 1}
	room := newWSRoom(name, conn, in, out, log.With("room", name))

	jc := &JobContext{
		ID:     id,
		Room:   room,
		Proc:   s.proc,
		logger: log,
	}
	jc.connect = func() { go room.readLoop(ctx) }

	log.Info("job started", "room", name)
	start := time.Now()

	status, reason := websocket.StatusNormalClosure, "session ended"
	if err := s.Entrypoint(ctx, jc); err != nil {
		jc.Logger().Error("entrypoint failed", "err", err)
		status, reason = websocket.StatusInternalError, "entrypoint failed"
	} else {
		_ = jc.Connect(ctx)
		select {
		case <-room.Ended():
		case <-ctx.Done():
			status, reason = websocket.StatusGoingAway, "worker shutting down"
		}
	}
	cancel()

	if err := jc.shutdown(s.cfg.CallbackTimeout); err != nil {
		status = websocket.StatusInternalError
	}
	_ = conn.Close(status, reason)
	jc.Logger().Info("job ended", "duration", time.Since(start))
}
