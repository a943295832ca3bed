// Package mock provides a scriptable [asr.Recognizer] for tests.
package mock

import (
	"context"
	"os"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/asr"
)

var _ asr.Recognizer = (*Recognizer)(nil)

// Call records one Transcribe invocation.
type Call struct {
	Paths []string
	Opts  asr.Options

	// Existed reports, per path, whether the file was present on disk at the
	// time of the call.
	Existed []bool
}

// Recognizer returns Results or Err for every call and records its inputs.
type Recognizer struct {
	mu sync.Mutex

	// Results is returned from every successful call.
	Results []asr.Result

	// Err, when non-nil, is returned instead of Results.
	Err error

	// Panic, when non-nil, is raised inside Transcribe.
	Panic any

	calls  []Call
	closed bool
}

// Transcribe implements [asr.Recognizer].
func (r *Recognizer) Transcribe(_ context.Context, paths []string, opts asr.Options) ([]asr.Result, error) {
	c := Call{Paths: append([]string(nil), paths...), Opts: opts}
	for _, p := range paths {
		_, err := os.Stat(p)
		c.Existed = append(c.Existed, err == nil)
	}

	r.mu.Lock()
	r.calls = append(r.calls, c)
	res, err, p := r.Results, r.Err, r.Panic
	r.mu.Unlock()

	if p != nil {
		panic(p)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Close implements [asr.Recognizer].
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Calls returns a copy of every recorded call.
func (r *Recognizer) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Closed reports whether Close was called.
func (r *Recognizer) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
