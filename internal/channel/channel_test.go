package channel

import (
	"errors"
	"fmt"
	"testing"

	"github.com/MrWong99/framesync/pkg/timebase"
)

func TestState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		s         State
		name      string
		streaming bool
	}{
		{Idle, "idle", false},
		{Configured, "configured", false},
		{Prerolling, "prerolling", false},
		{Running, "running", true},
		{Paused, "paused", true},
		{Stopping, "stopping", true},
		{Stopped, "stopped", false},
	}
	for _, tt := range tests {
		if tt.s.String() != tt.name {
			t.Errorf("String() = %q, want %q", tt.s.String(), tt.name)
		}
		if tt.s.Streaming() != tt.streaming {
			t.Errorf("%v.Streaming() = %v", tt.s, tt.s.Streaming())
		}
	}
}

func TestParseDirection(t *testing.T) {
	t.Parallel()

	if d, err := ParseDirection("capture"); err != nil || d != Capture {
		t.Errorf("ParseDirection(capture) = %v, %v", d, err)
	}
	if _, err := ParseDirection("both"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestErrNotEnabledMatchesTimebase(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("playback: now: %w", timebase.ErrNotEnabled)
	if !errors.Is(err, ErrNotEnabled) {
		t.Error("time base errors must match channel.ErrNotEnabled")
	}
}
