package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxrelay/internal/session"
)

// Process is the state shared by every job of one worker process. Userdata
// is filled by the setup hook before any job starts and is read-only
// afterwards.
type Process struct {
	Userdata map[string]any
}

// JobContext is handed to the entry point for each connected room.
type JobContext struct {
	// ID uniquely identifies the job.
	ID string

	Room session.Room
	Proc *Process

	mu        sync.Mutex
	logger    *slog.Logger
	callbacks []func(ctx context.Context) error

	connectOnce sync.Once
	connect     func()
}

// Logger returns the job logger, carrying the job ID and any fields added
// with [JobContext.WithLogFields].
func (jc *JobContext) Logger() *slog.Logger {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.logger
}

// WithLogFields adds key/value pairs to every later job log line.
func (jc *JobContext) WithLogFields(args ...any) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	jc.logger = jc.logger.With(args...)
}

// AddShutdownCallback registers fn to run when the job ends. Callbacks run in
// registration order and share one bounded context.
func (jc *JobContext) AddShutdownCallback(fn func(ctx context.Context) error) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	jc.callbacks = append(jc.callbacks, fn)
}

// Connect starts delivering the room's inbound audio. It is idempotent; the
// worker calls it after the entry point returns if the entry point did not.
func (jc *JobContext) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	jc.connectOnce.Do(jc.connect)
	return nil
}

// shutdown runs the registered callbacks in order. Each callback error is
// logged and collected; a slow callback consumes the shared budget.
func (jc *JobContext) shutdown(timeout time.Duration) error {
	jc.mu.Lock()
	cbs := append([]func(context.Context) error(nil), jc.callbacks...)
	log := jc.logger
	jc.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	for i, fn := range cbs {
		if err := fn(ctx); err != nil {
			log.Warn("shutdown callback failed", "index", i, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
