package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/pkg/asr"
)

// Loader constructs the recogniser. It is called until it succeeds once.
type Loader func(ctx context.Context) (asr.Recognizer, error)

type loaded struct {
	rec asr.Recognizer
}

// ModelHandle owns the process-wide recogniser. The first callers of [Get]
// share a single in-flight load; a successful load is kept for the life of
// the handle and a failed one is retried by the next caller.
type ModelHandle struct {
	load    Loader
	metrics *observe.Metrics

	group   singleflight.Group
	current atomic.Pointer[loaded]
	loads   atomic.Int64
}

// NewModelHandle returns a handle that has not loaded anything yet. metrics
// may be nil.
func NewModelHandle(load Loader, metrics *observe.Metrics) *ModelHandle {
	return &ModelHandle{load: load, metrics: metrics}
}

// Get returns the recogniser, loading it on first use.
func (h *ModelHandle) Get(ctx context.Context) (asr.Recognizer, error) {
	if l := h.current.Load(); l != nil {
		return l.rec, nil
	}
	ch := h.group.DoChan("model", func() (any, error) {
		if l := h.current.Load(); l != nil {
			return l, nil
		}
		// The load outlives any single caller; a cancelled request must not
		// abort it for the others waiting on it.
		lctx := context.WithoutCancel(ctx)
		start := time.Now()
		h.loads.Add(1)
		rec, err := h.load(lctx)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, errors.New("loader returned nil recogniser")
		}
		if h.metrics != nil {
			h.metrics.ModelLoadDuration.Record(lctx, time.Since(start).Seconds())
		}
		slog.Info("relay: model loaded", "duration", time.Since(start))
		l := &loaded{rec: rec}
		h.current.Store(l)
		return l, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("relay: load model: %w", res.Err)
		}
		return res.Val.(*loaded).rec, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Warm loads the model eagerly. Entry points call it at startup so the first
// request does not pay the load latency.
func (h *ModelHandle) Warm(ctx context.Context) error {
	_, err := h.Get(ctx)
	return err
}

// Loaded reports whether a recogniser is available.
func (h *ModelHandle) Loaded() bool { return h.current.Load() != nil }

// Loads returns how many times the loader has been invoked.
func (h *ModelHandle) Loads() int64 { return h.loads.Load() }

// Close releases the recogniser if one was loaded.
func (h *ModelHandle) Close() error {
	l := h.current.Swap(nil)
	if l == nil {
		return nil
	}
	return l.rec.Close()
}
