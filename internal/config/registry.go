package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/asr"
	"github.com/MrWong99/voxrelay/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned by the Create methods when no factory
// has been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps backend selectors to constructors. Entry points register the
// implementations they link in; the rest of the program only sees the
// interfaces. It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	llm map[LLMBackend]func(LLMConfig) (llm.Provider, error)
	asr map[RelayBackend]func(RelayConfig) (asr.Recognizer, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm: make(map[LLMBackend]func(LLMConfig) (llm.Provider, error)),
		asr: make(map[RelayBackend]func(RelayConfig) (asr.Recognizer, error)),
	}
}

// RegisterLLM registers an LLM factory under backend. A later registration
// with the same name replaces the earlier one.
func (r *Registry) RegisterLLM(backend LLMBackend, factory func(LLMConfig) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[backend] = factory
}

// RegisterRecognizer registers a relay recogniser factory under backend.
func (r *Registry) RegisterRecognizer(backend RelayBackend, factory func(RelayConfig) (asr.Recognizer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asr[backend] = factory
}

// CreateLLM builds the LLM provider selected by cfg.Backend.
func (r *Registry) CreateLLM(cfg LLMConfig) (llm.Provider, error) {
	r.mu.RLock()
	f, ok := r.llm[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("llm backend %q: %w", cfg.Backend, ErrProviderNotRegistered)
	}
	return f(cfg)
}

// CreateRecognizer builds the recogniser selected by cfg.Backend.
func (r *Registry) CreateRecognizer(cfg RelayConfig) (asr.Recognizer, error) {
	r.mu.RLock()
	f, ok := r.asr[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("relay backend %q: %w", cfg.Backend, ErrProviderNotRegistered)
	}
	return f(cfg)
}

// LLMBackendNames returns the registered LLM backends, sorted.
func (r *Registry) LLMBackendNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.llm))
	for b := range r.llm {
		names = append(names, string(b))
	}
	sort.Strings(names)
	return names
}
