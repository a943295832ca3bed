// Package asr defines the batch speech-recognition contract served by the
// transcription relay.
//
// A [Recognizer] takes a list of audio files and returns one [Result] per file.
// Backends differ in what they produce: a local model yields a full
// [Hypothesis] with timed segments, an HTTP upstream yields bare text, and an
// exotic backend may yield an arbitrary value. [Result] captures those cases as
// a tagged union so the HTTP boundary can collapse every variant into a single
// string with [Result.String] or [FirstText].
package asr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoModel is returned when a recogniser is used before its model is loaded
// or after it has been closed.
var ErrNoModel = errors.New("asr: model not loaded")

// Options tune a single Transcribe call.
type Options struct {
	// Language is a BCP-47 code such as "en". Empty lets the backend decide.
	Language string

	// Model optionally names the model the caller asked for. Backends serving a
	// single fixed model ignore it.
	Model string
}

// Recognizer transcribes audio files in batch.
//
// Implementations must be safe for concurrent use: the relay calls Transcribe
// from every in-flight HTTP request against one shared instance.
type Recognizer interface {
	// Transcribe returns one Result per entry in paths, in order.
	Transcribe(ctx context.Context, paths []string, opts Options) ([]Result, error)

	// Close releases the underlying model.
	Close() error
}

// Segment is one timed span of recognised speech.
type Segment struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// Hypothesis is the structured output of a model that reports timings.
type Hypothesis struct {
	Text     string
	Segments []Segment
}

// Kind discriminates the variants of [Result].
type Kind int

const (
	// KindEmpty is the zero Result.
	KindEmpty Kind = iota
	KindHypothesis
	KindText
	KindOther
)

// String implements [fmt.Stringer].
func (k Kind) String() string {
	switch k {
	case KindHypothesis:
		return "hypothesis"
	case KindText:
		return "text"
	case KindOther:
		return "other"
	default:
		return "empty"
	}
}

// Result is the outcome of recognising one file.
type Result struct {
	kind  Kind
	hyp   Hypothesis
	text  string
	other any
}

// FromHypothesis wraps a structured hypothesis.
func FromHypothesis(h Hypothesis) Result { return Result{kind: KindHypothesis, hyp: h} }

// FromText wraps a plain transcript.
func FromText(s string) Result { return Result{kind: KindText, text: s} }

// FromValue wraps any other backend output. The value is rendered with
// fmt's %v verb when collapsed.
func FromValue(v any) Result { return Result{kind: KindOther, other: v} }

// Kind reports which variant r holds.
func (r Result) Kind() Kind { return r.kind }

// Hypothesis returns the wrapped hypothesis and whether r holds one.
func (r Result) Hypothesis() (Hypothesis, bool) { return r.hyp, r.kind == KindHypothesis }

// String collapses r into transcript text: the hypothesis text, the plain
// text, or the formatted value, in that order of precedence.
func (r Result) String() string {
	switch r.kind {
	case KindHypothesis:
		if r.hyp.Text != "" || len(r.hyp.Segments) == 0 {
			return r.hyp.Text
		}
		parts := make([]string, 0, len(r.hyp.Segments))
		for _, s := range r.hyp.Segments {
			if t := strings.TrimSpace(s.Text); t != "" {
				parts = append(parts, t)
			}
		}
		return strings.Join(parts, " ")
	case KindText:
		return r.text
	case KindOther:
		if r.other == nil {
			return ""
		}
		return fmt.Sprint(r.other)
	default:
		return ""
	}
}

// FirstText returns the collapsed text of the first result, or "" when
// results is empty.
func FirstText(results []Result) string {
	if len(results) == 0 {
		return ""
	}
	return results[0].String()
}
