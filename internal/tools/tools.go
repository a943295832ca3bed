// Package tools defines the function tools the assistant can call and the
// registry the session runtime executes them through.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/voxrelay/pkg/types"
)

// ErrUnknownTool is returned by [Registry.Execute] for a name that was never
// registered.
var ErrUnknownTool = errors.New("tools: unknown tool")

// Tool pairs the model-facing schema with its handler.
type Tool struct {
	Definition types.ToolDefinition

	// Handler receives the raw JSON argument object and returns the text fed
	// back to the model. It must respect context cancellation.
	Handler func(ctx context.Context, args string) (string, error)
}

// Registry holds the tools offered to the model. It is safe for concurrent
// use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool

	// observe, if set, is called after every execution.
	observe func(name string, d time.Duration, err error)
}

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithObserver installs a hook called after every tool execution.
func WithObserver(fn func(name string, d time.Duration, err error)) RegistryOption {
	return func(r *Registry) { r.observe = fn }
}

// NewRegistry returns a registry pre-populated with ts.
func NewRegistry(ts []Tool, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(ts))}
	for _, o := range opts {
		o(r)
	}
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds t. Names must be unique and handlers non-nil.
func (r *Registry) Register(t Tool) error {
	if t.Definition.Name == "" {
		return errors.New("tools: tool name must not be empty")
	}
	if t.Handler == nil {
		return fmt.Errorf("tools: tool %q has no handler", t.Definition.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[t.Definition.Name]; dup {
		return fmt.Errorf("tools: tool %q already registered", t.Definition.Name)
	}
	r.tools[t.Definition.Name] = t
	return nil
}

// Definitions returns the schemas of all tools sorted by name.
func (r *Registry) Definitions() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]types.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs the named tool.
func (r *Registry) Execute(ctx context.Context, name, args string) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	start := time.Now()
	out, err := t.Handler(ctx, args)
	if r.observe != nil {
		r.observe(name, time.Since(start), err)
	}
	if err != nil {
		return "", fmt.Errorf("tools: %s: %w", name, err)
	}
	return out, nil
}
