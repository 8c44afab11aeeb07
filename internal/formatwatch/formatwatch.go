// Package formatwatch detects changes in the signal presented to a capture
// input. A [Monitor] compares each observation with the previous one and
// reports what changed; it never reconfigures anything itself.
package formatwatch

import (
	"strings"

	"github.com/MrWong99/framesync/pkg/device"
	"github.com/MrWong99/framesync/pkg/media"
)

// Changed is a set of detected differences.
type Changed uint8

const (
	ChangedDisplayMode Changed = 1 << iota
	ChangedFieldDominance
	ChangedColorDepth
)

// String lists the set members, e.g. "display_mode|color_depth".
func (c Changed) String() string {
	if c == 0 {
		return "none"
	}
	var parts []string
	if c&ChangedDisplayMode != 0 {
		parts = append(parts, "display_mode")
	}
	if c&ChangedFieldDominance != 0 {
		parts = append(parts, "field_dominance")
	}
	if c&ChangedColorDepth != 0 {
		parts = append(parts, "color_depth")
	}
	return strings.Join(parts, "|")
}

// Event describes the signal after a change.
type Event struct {
	Changed        Changed
	Mode           media.DisplayMode
	FieldDominance media.FieldDominance
	ColorDepth     int
}

// Monitor tracks the last observed signal. The zero value is ready to use and
// treats the first present signal as the baseline. A Monitor is not safe for
// concurrent use.
type Monitor struct {
	last device.SignalInfo
	seen bool
}

// Observe records sig and reports the change relative to the previous
// observation, if any. Observations without a signal are ignored so a dropout
// followed by the same format raises nothing.
func (m *Monitor) Observe(sig device.SignalInfo) (Event, bool) {
	if !sig.Present || sig.Mode.IsZero() {
		return Event{}, false
	}
	if !m.seen {
		m.last, m.seen = sig, true
		return Event{}, false
	}

	var c Changed
	if sig.Mode.Name != m.last.Mode.Name {
		c |= ChangedDisplayMode
	}
	if sig.Field != m.last.Field {
		c |= ChangedFieldDominance
	}
	if sig.ColorDepth != 0 && sig.ColorDepth != m.last.ColorDepth {
		c |= ChangedColorDepth
	}
	if c == 0 {
		return Event{}, false
	}
	if sig.ColorDepth == 0 {
		sig.ColorDepth = m.last.ColorDepth
	}
	m.last = sig
	return Event{Changed: c, Mode: sig.Mode, FieldDominance: sig.Field, ColorDepth: sig.ColorDepth}, true
}

// Prime sets the baseline to the format the input was configured for, so the
// first captured frame in a different format raises an event.
func (m *Monitor) Prime(mode media.DisplayMode, colorDepth int) {
	m.last = device.SignalInfo{Present: true, Mode: mode, Field: mode.Field, ColorDepth: colorDepth}
	m.seen = true
}

// Reset forgets the baseline.
func (m *Monitor) Reset() { *m = Monitor{} }
