// Package mock provides scripted test doubles for the vad interfaces.
//
//	sess := &mock.Session{Script: []vad.VADEvent{{Type: vad.VADSpeechStart}}}
//	eng := &mock.Engine{Session: sess}
package mock

import (
	"sync"

	"github.com/MrWong99/voxrelay/pkg/provider/vad"
)

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// Engine records the configs it was asked for.
type Engine struct {
	// Session is returned by NewSession. If nil a fresh Session is returned.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned from NewSession.
	NewSessionErr error

	mu      sync.Mutex
	configs []vad.Config
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Configs returns every config passed to NewSession.
func (e *Engine) Configs() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]vad.Config(nil), e.configs...)
}

// Session replays Script one event per frame, then returns Default.
type Session struct {
	Script  []vad.VADEvent
	Default vad.VADEvent
	Err     error

	mu     sync.Mutex
	frames int
	resets int
	closed bool
}

// ProcessFrame implements [vad.SessionHandle].
func (s *Session) ProcessFrame(_ []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return vad.VADEvent{}, s.Err
	}
	i := s.frames
	s.frames++
	if i < len(s.Script) {
		return s.Script[i], nil
	}
	return s.Default, nil
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Frames returns how many frames were processed.
func (s *Session) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
