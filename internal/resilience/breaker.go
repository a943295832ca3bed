// Package resilience keeps a failing backend from stalling every session.
// A [Breaker] counts consecutive failures of one backend; once the threshold
// is reached calls fail fast with [ErrOpen] until a cooldown has passed, after
// which a few probe calls decide whether the backend is healthy again.
//
// The Guard functions wrap the provider interfaces with a breaker.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned while a breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config tunes a [Breaker]. Zero fields take the defaults.
type Config struct {
	// Name labels log lines, e.g. "llm/openai".
	Name string

	// Threshold is the number of consecutive failures that opens the
	// breaker. Default: 5.
	Threshold int

	// Cooldown is how long an open breaker rejects calls. Default: 30s.
	Cooldown time.Duration

	// Probes is the number of successful half-open calls needed to close
	// again. Default: 2.
	Probes int
}

// Breaker is a three-state circuit breaker. It is safe for concurrent use.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	inFlight int
	passed   int
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 2
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Do runs fn unless the breaker is open. Errors caused by ctx ending are
// returned but not counted against the backend.
func (b *Breaker) Do(ctx context.Context, fn func() error) error {
	done, err := b.Allow(ctx)
	if err != nil {
		return err
	}
	err = fn()
	done(err)
	return err
}

// Allow admits one call whose outcome is only known later, such as a stream.
// The caller must invoke done exactly once with the call's final error. When
// ctx has ended by then the outcome is not counted.
func (b *Breaker) Allow(ctx context.Context) (done func(error), err error) {
	probe, err := b.admit()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.cfg.Name, err)
	}
	var once sync.Once
	return func(err error) {
		once.Do(func() {
			if err != nil && ctx.Err() != nil {
				b.release(probe)
				return
			}
			b.record(probe, err)
		})
	}, nil
}

// State reports the current state. An open breaker whose cooldown has passed
// reports half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false, ErrOpen
		}
		b.state, b.inFlight, b.passed = StateHalfOpen, 0, 0
		slog.Info("circuit half-open", "name", b.cfg.Name)
		fallthrough
	case StateHalfOpen:
		if b.inFlight+b.passed >= b.cfg.Probes {
			return false, ErrOpen
		}
		b.inFlight++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) release(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.inFlight--
	}
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if probe && b.state == StateHalfOpen {
		b.inFlight--
		if err != nil {
			b.trip()
			return
		}
		b.passed++
		if b.passed >= b.cfg.Probes {
			b.state, b.failures = StateClosed, 0
			slog.Info("circuit closed", "name", b.cfg.Name)
		}
		return
	}
	if err == nil {
		b.failures = 0
		return
	}
	b.failures++
	if b.state == StateClosed && b.failures >= b.cfg.Threshold {
		b.trip()
	}
}

// trip opens the breaker. b.mu must be held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	slog.Warn("circuit opened", "name", b.cfg.Name, "consecutive_failures", b.failures)
}
