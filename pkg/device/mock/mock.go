// Package mock provides call-recording implementations of [device.Output] and
// [device.InputSource] for unit tests.
//
// Both mocks run on a [timebase.ManualClock] so tests control hardware time
// explicitly. Set the exported fields to control return values before use and
// inspect the recorded calls afterwards; all methods are safe for concurrent
// use.
//
// Typical usage:
//
//	out := mock.NewOutput("dev-0")
//	sched := playback.New("out-a", out)
//	// ... schedule frames, Start ...
//	out.Clock().Advance(900900)
package mock

import (
	"sync"

	"github.com/MrWong99/framesync/pkg/device"
	"github.com/MrWong99/framesync/pkg/media"
	"github.com/MrWong99/framesync/pkg/timebase"
)

// Compile-time interface assertions.
var (
	_ device.Output      = (*Output)(nil)
	_ device.InputSource = (*Input)(nil)
)

// DefaultCapabilities accepts every standard mode in every format on SDI and
// HDMI and advertises every feature.
func DefaultCapabilities() device.Capabilities {
	formats := []media.PixelFormat{
		media.Format8BitYUV, media.Format10BitYUV, media.Format8BitARGB,
		media.Format8BitBGRA, media.Format10BitRGB, media.Format12BitRGB,
	}
	all := device.AllModes(formats...)
	return device.Capabilities{
		Features: device.FeatureInputFormatDetection | device.FeatureHDRMetadata |
			device.FeatureGenlock | device.FeatureSynchronizedGroups | device.FeatureAncillaryData,
		Input:  map[device.ConnectionType][]device.ModeSupport{device.ConnectionSDI: all, device.ConnectionHDMI: all},
		Output: map[device.ConnectionType][]device.ModeSupport{device.ConnectionSDI: all, device.ConnectionHDMI: all},
	}
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a mock [device.Output].
type Output struct {
	id    string
	clock *timebase.ManualClock

	mu sync.Mutex

	// Caps is returned by [Output.Capabilities].
	Caps device.Capabilities

	// Locked is returned by [Output.ReferenceLocked].
	Locked bool

	// ConfigureErr is returned by [Output.ConfigureOutput].
	ConfigureErr error

	// PresentErr is returned by [Output.PresentFrame].
	PresentErr error

	// AudioLimit caps the sample frames accepted per PushAudio call. Zero
	// accepts everything.
	AudioLimit int

	// Config is the last configuration accepted by ConfigureOutput.
	Config *device.OutputConfig

	// Presented records the frames passed to PresentFrame, in order.
	Presented []*media.VideoFrame

	// PushedSampleFrames is the total number of sample frames accepted.
	PushedSampleFrames int

	// CallCountConfigure records how many times ConfigureOutput was called.
	CallCountConfigure int

	// CallCountRelease records how many times ReleaseOutput was called.
	CallCountRelease int

	// CallCountPushAudio records how many times PushAudio was called.
	CallCountPushAudio int
}

// NewOutput returns a locked mock output with [DefaultCapabilities] and a
// 27 MHz manual clock.
func NewOutput(id string) *Output {
	return &Output{
		id:     id,
		clock:  timebase.NewManualClock(timebase.DefaultClockRate),
		Caps:   DefaultCapabilities(),
		Locked: true,
	}
}

// NewOutputWithClock returns a mock output sharing clock with other channels
// of the same emulated device.
func NewOutputWithClock(id string, clock *timebase.ManualClock) *Output {
	o := NewOutput(id)
	o.clock = clock
	return o
}

// ID implements [device.Output].
func (o *Output) ID() string { return o.id }

// Clock implements [device.Output].
func (o *Output) Clock() timebase.Clock { return o.clock }

// ManualClock returns the clock for tests to advance.
func (o *Output) ManualClock() *timebase.ManualClock { return o.clock }

// Capabilities implements [device.Output].
func (o *Output) Capabilities() device.Capabilities {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Caps
}

// ReferenceLocked implements [device.Output].
func (o *Output) ReferenceLocked() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Locked
}

// SetLocked changes the reference lock status.
func (o *Output) SetLocked(v bool) {
	o.mu.Lock()
	o.Locked = v
	o.mu.Unlock()
}

// SetPresentErr changes the error returned by PresentFrame.
func (o *Output) SetPresentErr(err error) {
	o.mu.Lock()
	o.PresentErr = err
	o.mu.Unlock()
}

// ConfigureOutput implements [device.Output].
func (o *Output) ConfigureOutput(cfg device.OutputConfig) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountConfigure++
	if o.ConfigureErr != nil {
		return o.ConfigureErr
	}
	o.Config = &cfg
	return nil
}

// ReleaseOutput implements [device.Output].
func (o *Output) ReleaseOutput() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountRelease++
	o.Config = nil
	return nil
}

// PresentFrame implements [device.Output].
func (o *Output) PresentFrame(frame *media.VideoFrame) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.PresentErr != nil {
		return o.PresentErr
	}
	o.Presented = append(o.Presented, frame)
	return nil
}

// PushAudio implements [device.Output].
func (o *Output) PushAudio(samples []byte, sampleFrames int) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountPushAudio++
	n := sampleFrames
	if o.AudioLimit > 0 && n > o.AudioLimit {
		n = o.AudioLimit
	}
	o.PushedSampleFrames += n
	return n, nil
}

// PresentedFrames returns a copy of the presented frame list.
func (o *Output) PresentedFrames() []*media.VideoFrame {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*media.VideoFrame, len(o.Presented))
	copy(out, o.Presented)
	return out
}

// Pushed returns the total sample frames accepted so far.
func (o *Output) Pushed() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.PushedSampleFrames
}

// ─── Input ────────────────────────────────────────────────────────────────────

// Input is a mock [device.InputSource]. Tests push captured units with
// [Input.Emit].
type Input struct {
	id    string
	clock *timebase.ManualClock

	mu   sync.Mutex
	sink device.CaptureSink

	// Caps is returned by [Input.Capabilities].
	Caps device.Capabilities

	// Locked is returned by [Input.ReferenceLocked].
	Locked bool

	// StartErr is returned by [Input.StartCapture].
	StartErr error

	// Config is the configuration of the last successful StartCapture.
	Config *device.InputConfig

	// CallCountStart records how many times StartCapture was called.
	CallCountStart int

	// CallCountStop records how many times StopCapture was called.
	CallCountStop int
}

// NewInput returns a locked mock input with [DefaultCapabilities] and a
// 27 MHz manual clock.
func NewInput(id string) *Input {
	return &Input{
		id:     id,
		clock:  timebase.NewManualClock(timebase.DefaultClockRate),
		Caps:   DefaultCapabilities(),
		Locked: true,
	}
}

// NewInputWithClock returns a mock input reading clock.
func NewInputWithClock(id string, clock *timebase.ManualClock) *Input {
	i := NewInput(id)
	i.clock = clock
	return i
}

// ID implements [device.InputSource].
func (i *Input) ID() string { return i.id }

// Clock implements [device.InputSource].
func (i *Input) Clock() timebase.Clock { return i.clock }

// ManualClock returns the clock for tests to advance.
func (i *Input) ManualClock() *timebase.ManualClock { return i.clock }

// Capabilities implements [device.InputSource].
func (i *Input) Capabilities() device.Capabilities {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.Caps
}

// ReferenceLocked implements [device.InputSource].
func (i *Input) ReferenceLocked() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.Locked
}

// SetLocked changes the reference lock status.
func (i *Input) SetLocked(v bool) {
	i.mu.Lock()
	i.Locked = v
	i.mu.Unlock()
}

// StartCapture implements [device.InputSource].
func (i *Input) StartCapture(cfg device.InputConfig, sink device.CaptureSink) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.CallCountStart++
	if i.StartErr != nil {
		return i.StartErr
	}
	i.Config = &cfg
	i.sink = sink
	return nil
}

// StopCapture implements [device.InputSource].
func (i *Input) StopCapture() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.CallCountStop++
	i.sink = nil
	return nil
}

// Capturing reports whether a sink is installed.
func (i *Input) Capturing() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sink != nil
}

// Emit delivers raw to the installed sink and reports whether one was
// installed. Ticks defaults to the current clock reading when zero.
func (i *Input) Emit(raw device.RawCapture) bool {
	i.mu.Lock()
	sink := i.sink
	i.mu.Unlock()
	if sink == nil {
		return false
	}
	if raw.Ticks == 0 {
		raw.Ticks = i.clock.Ticks()
	}
	sink(raw)
	return true
}

// EmitFrame captures a UYVY frame in the configured mode with the signal
// present, advancing the clock by one frame duration first.
func (i *Input) EmitFrame() bool {
	i.mu.Lock()
	cfg := i.Config
	i.mu.Unlock()
	if cfg == nil {
		return false
	}
	i.clock.Advance(uint64(cfg.Mode.Rate.FrameDuration(i.clock.Rate())))
	f, err := media.NewVideoFrame(cfg.Mode.Width, cfg.Mode.Height, cfg.Format, 0)
	if err != nil {
		return false
	}
	return i.Emit(device.RawCapture{
		Frame:  f,
		Ticks:  i.clock.Ticks(),
		Signal: device.SignalInfo{Present: true, Mode: cfg.Mode, Field: cfg.Mode.Field, ColorDepth: cfg.Format.ColorDepth()},
	})
}
