// Package turn decides how long the session waits after the user stops
// speaking before it treats the utterance as a finished turn.
package turn

import (
	"strings"
	"time"
	"unicode"
)

// Detector maps a transcript to an endpointing delay. The zero value is not
// usable; construct with [New].
type Detector struct {
	minDelay time.Duration
	maxDelay time.Duration
}

// New returns a Detector. maxDelay is raised to minDelay if smaller.
func New(minDelay, maxDelay time.Duration) *Detector {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &Detector{minDelay: minDelay, maxDelay: maxDelay}
}

// trailing words that signal the speaker is mid-thought even when the STT
// backend punctuated the segment.
var continuations = map[string]bool{
	"and": true, "but": true, "or": true, "so": true, "because": true,
	"um": true, "uh": true, "like": true, "the": true, "a": true, "to": true,
}

// Complete reports whether text reads as a finished utterance.
func (d *Detector) Complete(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	last := rune(text[len(text)-1])
	if last != '.' && last != '!' && last != '?' {
		return false
	}
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	if len(words) == 0 {
		return false
	}
	return !continuations[words[len(words)-1]]
}

// Delay returns the minimum delay for a complete utterance and the maximum
// otherwise.
func (d *Detector) Delay(text string) time.Duration {
	if d.Complete(text) {
		return d.minDelay
	}
	return d.maxDelay
}
