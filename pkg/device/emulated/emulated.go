// Package emulated implements a software [device.Device] for running the
// framesync daemon without capture hardware.
//
// Outputs accept and count frames and samples without displaying them.
// Inputs generate scrolling color bars, and silence when audio is enabled, at
// the cadence of the configured display mode. The signal presented to the
// inputs, the reference lock and device removal can be changed at runtime to
// exercise format detection and failure handling.
//
// Every port of a device shares one clock. With a clock that implements
// [timebase.Notifier] (such as [timebase.ManualClock]) inputs emit a frame
// each time the clock crosses a frame boundary, which makes them
// deterministic in tests; otherwise they follow wall time.
package emulated

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/framesync/pkg/device"
	"github.com/MrWong99/framesync/pkg/media"
	"github.com/MrWong99/framesync/pkg/timebase"
)

// Compile-time interface assertions.
var (
	_ device.Device      = (*Device)(nil)
	_ device.Output      = (*Output)(nil)
	_ device.InputSource = (*Input)(nil)
)

// Default port counts.
const (
	DefaultOutputs = 4
	DefaultInputs  = 4
)

// Capabilities returns what an emulated card supports: every standard mode in
// the common YUV and RGB formats on SDI and HDMI.
func Capabilities() device.Capabilities {
	all := device.AllModes(
		media.Format8BitYUV, media.Format10BitYUV,
		media.Format8BitARGB, media.Format8BitBGRA, media.Format10BitRGB,
	)
	ports := map[device.ConnectionType][]device.ModeSupport{
		device.ConnectionSDI:  all,
		device.ConnectionHDMI: all,
	}
	return device.Capabilities{
		Features: device.FeatureInputFormatDetection | device.FeatureGenlock | device.FeatureSynchronizedGroups,
		Output:   ports,
		Input:    ports,
	}
}

// Device is an emulated card.
type Device struct {
	id    string
	clock timebase.Clock
	caps  device.Capabilities
	log   *slog.Logger

	mu      sync.Mutex
	locked  bool
	signal  device.SignalInfo
	removed bool
	closed  bool
	outputs []*Output
	inputs  []*Input
}

// Option configures a [Device].
type Option func(*Device)

// WithClock sets the card clock. The default is a 27 MHz wall clock.
func WithClock(c timebase.Clock) Option {
	return func(d *Device) {
		if c != nil {
			d.clock = c
		}
	}
}

// WithPorts sets the number of output and input ports.
func WithPorts(outputs, inputs int) Option {
	return func(d *Device) {
		d.outputs = make([]*Output, max(outputs, 0))
		d.inputs = make([]*Input, max(inputs, 0))
	}
}

// WithReference sets whether the card starts locked to its timing reference.
func WithReference(locked bool) Option {
	return func(d *Device) { d.locked = locked }
}

// WithSignal sets the signal initially presented to every input. A zero mode
// means no signal.
func WithSignal(mode media.DisplayMode, colorDepth int) Option {
	return func(d *Device) { d.signal = signalInfo(mode, colorDepth) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.log = l
		}
	}
}

// New returns an emulated card. Without options it has a wall clock,
// [DefaultOutputs] outputs, [DefaultInputs] inputs, no reference lock and no
// input signal.
func New(id string, opts ...Option) *Device {
	d := &Device{
		id:      id,
		clock:   timebase.NewWallClock(timebase.DefaultClockRate),
		caps:    Capabilities(),
		log:     slog.Default(),
		outputs: make([]*Output, DefaultOutputs),
		inputs:  make([]*Input, DefaultInputs),
	}
	for _, o := range opts {
		o(d)
	}
	d.log = d.log.With("device", id)
	for n := range d.outputs {
		d.outputs[n] = &Output{dev: d, port: n}
	}
	for n := range d.inputs {
		d.inputs[n] = &Input{dev: d, port: n}
	}
	return d
}

func signalInfo(mode media.DisplayMode, depth int) device.SignalInfo {
	if mode.IsZero() {
		return device.SignalInfo{}
	}
	if depth <= 0 {
		depth = 8
	}
	return device.SignalInfo{Present: true, Mode: mode, Field: mode.Field, ColorDepth: depth}
}

// ID implements [device.Device].
func (d *Device) ID() string { return d.id }

// Clock implements [device.Device].
func (d *Device) Clock() timebase.Clock { return d.clock }

// Output implements [device.Device].
func (d *Device) Output(n int) (device.Output, error) {
	if n < 0 || n >= len(d.outputs) {
		return nil, fmt.Errorf("emulated: %s has no output %d: %w", d.id, n, device.ErrUnsupported)
	}
	return d.outputs[n], nil
}

// Input implements [device.Device].
func (d *Device) Input(n int) (device.InputSource, error) {
	if n < 0 || n >= len(d.inputs) {
		return nil, fmt.Errorf("emulated: %s has no input %d: %w", d.id, n, device.ErrUnsupported)
	}
	return d.inputs[n], nil
}

// ReferenceLocked reports the reference lock status.
func (d *Device) ReferenceLocked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.locked
}

// SetLocked changes the reference lock status.
func (d *Device) SetLocked(v bool) {
	d.mu.Lock()
	d.locked = v
	d.mu.Unlock()
	d.log.Info("reference lock changed", "locked", v)
}

// SetSignal changes the signal presented to every input. A zero mode removes
// the signal.
func (d *Device) SetSignal(mode media.DisplayMode, colorDepth int) {
	d.mu.Lock()
	d.signal = signalInfo(mode, colorDepth)
	d.mu.Unlock()
	d.log.Info("input signal changed", "mode", mode.Name, "color_depth", colorDepth)
}

// Signal returns the signal presented to the inputs.
func (d *Device) Signal() device.SignalInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.signal
}

// Remove simulates the card disappearing. Every later device call fails with
// [device.ErrRemoved] and running inputs report the removal to their sinks.
func (d *Device) Remove() {
	d.mu.Lock()
	d.removed = true
	d.mu.Unlock()
	d.log.Warn("device removed")
}

// Close stops every input and releases every output.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	for _, in := range d.inputs {
		_ = in.StopCapture()
	}
	for _, out := range d.outputs {
		_ = out.ReleaseOutput()
	}
	return nil
}

// state returns a consistent view of the card for one operation.
func (d *Device) state() (signal device.SignalInfo, removed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.signal, d.removed || d.closed
}
