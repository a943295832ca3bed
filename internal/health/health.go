// Package health serves the liveness and readiness probes of both voxrelay
// processes.
//
// /healthz answers 200 while the process can serve HTTP. /readyz answers 200
// only when every registered [Checker] passes and the process is not
// draining; the relay uses it to report whether the recogniser model has
// loaded and the agent worker whether it still accepts sessions.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// ErrDraining is reported by /readyz once [Handler.Drain] has been called.
var ErrDraining = errors.New("shutting down")

// Checker is a named readiness check.
type Checker struct {
	Name string

	// Check returns nil when the dependency is ready. It must respect
	// context cancellation.
	Check func(ctx context.Context) error
}

// Flag builds a Checker from a boolean probe.
func Flag(name string, ready func() bool, notReady error) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if ready() {
				return nil
			}
			return notReady
		},
	}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
	draining atomic.Bool
}

// New returns a Handler evaluating checkers concurrently on each /readyz.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Drain makes /readyz fail from now on so load balancers stop routing new
// work while in-flight requests finish.
func (h *Handler) Drain() { h.draining.Store(true) }

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz answers 200 only if every checker passes.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers)+1)
		allOK  = true
	)
	if h.draining.Load() {
		checks["process"] = "fail: " + ErrDraining.Error()
		allOK = false
	}

	g, ctx := errgroup.WithContext(r.Context())
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			err := c.Check(cctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				allOK = false
			} else {
				checks[c.Name] = "ok"
			}
			// Never abort siblings: every check is reported.
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
