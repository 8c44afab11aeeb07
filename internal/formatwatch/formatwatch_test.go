package formatwatch

import (
	"testing"

	"github.com/MrWong99/framesync/pkg/device"
	"github.com/MrWong99/framesync/pkg/media"
)

func signal(mode media.DisplayMode, depth int) device.SignalInfo {
	return device.SignalInfo{Present: true, Mode: mode, Field: mode.Field, ColorDepth: depth}
}

func TestMonitor_Observe(t *testing.T) {
	t.Parallel()

	var m Monitor
	if _, ok := m.Observe(signal(media.ModeHD1080i5994, 8)); ok {
		t.Fatal("first observation must only set the baseline")
	}
	if _, ok := m.Observe(signal(media.ModeHD1080i5994, 8)); ok {
		t.Fatal("unchanged signal raised an event")
	}

	ev, ok := m.Observe(signal(media.ModeHD1080p2997, 8))
	if !ok {
		t.Fatal("mode change not detected")
	}
	if ev.Changed != ChangedDisplayMode|ChangedFieldDominance {
		t.Errorf("Changed = %v, want display_mode|field_dominance", ev.Changed)
	}
	if ev.Mode.Name != media.ModeHD1080p2997.Name || ev.FieldDominance != media.Progressive {
		t.Errorf("event = %+v", ev)
	}

	ev, ok = m.Observe(signal(media.ModeHD1080p2997, 10))
	if !ok || ev.Changed != ChangedColorDepth || ev.ColorDepth != 10 {
		t.Errorf("depth change = %+v, %v", ev, ok)
	}
}

func TestMonitor_IgnoresSignalLoss(t *testing.T) {
	t.Parallel()

	var m Monitor
	m.Prime(media.ModePAL, 8)
	if _, ok := m.Observe(device.SignalInfo{}); ok {
		t.Fatal("loss of signal must not raise a format event")
	}
	if _, ok := m.Observe(signal(media.ModePAL, 8)); ok {
		t.Fatal("same format after dropout must not raise an event")
	}
	if _, ok := m.Observe(signal(media.ModeNTSC, 8)); !ok {
		t.Fatal("primed monitor missed a change")
	}

	m.Reset()
	if _, ok := m.Observe(signal(media.ModeHD720p50, 8)); ok {
		t.Error("Reset must clear the baseline")
	}
}

func TestChanged_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		c    Changed
		want string
	}{
		{0, "none"},
		{ChangedDisplayMode, "display_mode"},
		{ChangedDisplayMode | ChangedColorDepth, "display_mode|color_depth"},
		{ChangedDisplayMode | ChangedFieldDominance | ChangedColorDepth, "display_mode|field_dominance|color_depth"},
	}
	for _, tt := range tests {
		if got := tt.c.String(); got != tt.want {
			t.Errorf("Changed(%d).String() = %q, want %q", tt.c, got, tt.want)
		}
	}
}
