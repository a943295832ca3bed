package turn_test

import (
	"testing"
	"time"

	"github.com/MrWong99/voxrelay/pkg/turn"
)

func TestDetector_Delay(t *testing.T) {
	d := turn.New(500*time.Millisecond, 3*time.Second)
	tests := []struct {
		text string
		want time.Duration
	}{
		{"What is six times seven?", 500 * time.Millisecond},
		{"Hello there.", 500 * time.Millisecond},
		{"Wow!", 500 * time.Millisecond},
		{"I was thinking", 3 * time.Second},
		{"I want to go and.", 3 * time.Second},
		{"Well, um.", 3 * time.Second},
		{"", 3 * time.Second},
		{"  ...  ", 3 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := d.Delay(tt.text); got != tt.want {
				t.Errorf("Delay(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestNew_ClampsMax(t *testing.T) {
	d := turn.New(time.Second, 100*time.Millisecond)
	if got := d.Delay("unfinished"); got != time.Second {
		t.Errorf("Delay = %v, want 1s", got)
	}
}
