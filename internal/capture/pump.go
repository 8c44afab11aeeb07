// Package capture implements the input pump: it receives units pushed by an
// input device, stamps them with capture time and delivers them in order to a
// single [Handler] on a dedicated worker goroutine.
//
// The device-facing sink never blocks. Undelivered frames wait in a bounded
// backlog; when it is full the oldest frame is discarded and counted as an
// overrun.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/framesync/internal/channel"
	"github.com/MrWong99/framesync/internal/formatwatch"
	"github.com/MrWong99/framesync/internal/observe"
	"github.com/MrWong99/framesync/pkg/device"
	"github.com/MrWong99/framesync/pkg/media"
	"github.com/MrWong99/framesync/pkg/timebase"
)

// DefaultBufferFrames is the backlog length used when none is configured.
const DefaultBufferFrames = 64

// Flags request optional input features.
type Flags uint32

const (
	// FlagFormatDetection reports changes in the incoming signal format.
	FlagFormatDetection Flags = 1 << iota
)

// Handler receives captured units. Methods run sequentially on the pump's
// delivery goroutine. Calling back into the pump is allowed.
type Handler interface {
	// FrameArrived delivers one captured unit. frame is nil for audio-only
	// units, audio is nil when no audio was captured. The frame is released
	// when the call returns; retain it to keep it.
	FrameArrived(frame *media.CaptureFrame, audio *media.AudioPacket)

	// FormatChanged is delivered before the first frame in the new format.
	FormatChanged(ev formatwatch.Event)

	// InputStopped reports the end of a capture session.
	InputStopped(reason channel.StopReason)
}

// HandlerFuncs adapts plain functions to [Handler]. Nil fields ignore the
// event.
type HandlerFuncs struct {
	OnFrameArrived  func(*media.CaptureFrame, *media.AudioPacket)
	OnFormatChanged func(formatwatch.Event)
	OnInputStopped  func(channel.StopReason)
}

var _ Handler = HandlerFuncs{}

// FrameArrived implements [Handler].
func (h HandlerFuncs) FrameArrived(f *media.CaptureFrame, a *media.AudioPacket) {
	if h.OnFrameArrived != nil {
		h.OnFrameArrived(f, a)
	}
}

// FormatChanged implements [Handler].
func (h HandlerFuncs) FormatChanged(ev formatwatch.Event) {
	if h.OnFormatChanged != nil {
		h.OnFormatChanged(ev)
	}
}

// InputStopped implements [Handler].
func (h HandlerFuncs) InputStopped(r channel.StopReason) {
	if h.OnInputStopped != nil {
		h.OnInputStopped(r)
	}
}

// Option configures a [Pump] during construction.
type Option func(*Pump)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pump) {
		if l != nil {
			p.log = l
		}
	}
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pump) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithBufferFrames sets the backlog length.
func WithBufferFrames(n int) Option {
	return func(p *Pump) {
		if n > 0 {
			p.bufferFrames = n
		}
	}
}

// WithValidation enables the captured-frame validator. Frames failing
// [CheckFrame] are replaced by the last valid frame, or black, and flagged
// [media.FlagSubstituted].
func WithValidation(on bool) Option {
	return func(p *Pump) { p.validate = on }
}

// WithConnection selects the input connector. Default: SDI.
func WithConnection(c device.ConnectionType) Option {
	return func(p *Pump) { p.connection = c }
}

// WithTimeScale sets the scale of delivered capture times. Default: the
// numerator of the display mode's frame rate.
func WithTimeScale(scale int64) Option {
	return func(p *Pump) {
		if scale > 0 {
			p.timeScale = scale
		}
	}
}

type deliveryKind int

const (
	deliverFrame deliveryKind = iota
	deliverFormat
	deliverStopped
)

type delivery struct {
	kind   deliveryKind
	label  string // metric kind of a frame delivery
	frame  *media.CaptureFrame
	audio  *media.AudioPacket
	format formatwatch.Event
	reason channel.StopReason
}

// Pump is the input pump of one capture channel.
type Pump struct {
	name    string
	src     device.InputSource
	base    *timebase.Base
	log     *slog.Logger
	metrics *observe.Metrics
	attrs   metric.MeasurementOption

	// deliverMu is held while a callback runs and guards handler.
	deliverMu sync.Mutex
	handler   Handler

	bufferFrames int
	validate     bool
	connection   device.ConnectionType
	timeScale    int64

	mu        sync.Mutex
	state     channel.State
	videoOn   bool
	mode      media.DisplayMode
	format    media.PixelFormat
	flags     Flags
	audio     *media.AudioFormat
	group     channel.Grouper
	reserved  bool
	capturing bool // a hardware capture session is open
	preopened bool // the session was opened by PrepareGroupStart
	watch     formatwatch.Monitor
	subst     substitutor

	// Capture time is hardware time since startTicks minus pausedTicks.
	startTicks  uint64
	pausedTicks uint64
	pauseBegan  uint64
	seq         uint64
	overruns    int64

	queue        []delivery
	queuedFrames int
	signal       chan struct{}
	done         chan struct{}
	closed       bool
}

// New returns an idle pump for src and starts its delivery goroutine. Call
// [Pump.Close] to release it.
func New(name string, src device.InputSource, opts ...Option) *Pump {
	p := &Pump{
		name:         name,
		src:          src,
		base:         timebase.NewBase(src.Clock()),
		log:          slog.Default(),
		bufferFrames: DefaultBufferFrames,
		connection:   device.ConnectionSDI,
		signal:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	p.log = p.log.With("channel", name, "device", src.ID())
	p.attrs = metric.WithAttributes(observe.Attr("channel", name))
	go p.deliverLoop()
	return p
}

// Name returns the channel name.
func (p *Pump) Name() string { return p.name }

// SetHandler registers h as the receiver of captured units, replacing any
// previous handler. It returns once a callback running on the old handler has
// returned. Nil discards deliveries. SetHandler must not be called from a
// handler method.
func (p *Pump) SetHandler(h Handler) {
	p.deliverMu.Lock()
	p.handler = h
	p.deliverMu.Unlock()
}

// EnableVideo selects the raster and pixel format to capture.
func (p *Pump) EnableVideo(mode media.DisplayMode, format media.PixelFormat, flags Flags) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkReconfigureLocked("enable video"); err != nil {
		return err
	}
	if err := p.configureVideoLocked(mode, format, flags); err != nil {
		return err
	}
	p.setStateLocked(channel.Configured)
	p.log.Info("video input enabled", "mode", mode.Name, "format", format.String())
	return nil
}

func (p *Pump) configureVideoLocked(mode media.DisplayMode, format media.PixelFormat, flags Flags) error {
	if mode.IsZero() || mode.Rate.Num <= 0 || mode.Rate.Den <= 0 || mode.Width <= 0 || mode.Height <= 0 {
		return fmt.Errorf("capture: enable video on %q: mode %q: %w", p.name, mode, channel.ErrInvalidMode)
	}
	if format.MinRowBytes(mode.Width) == 0 {
		return fmt.Errorf("capture: enable video on %q: format %v: %w", p.name, format, channel.ErrInvalidFormat)
	}
	caps := p.src.Capabilities()
	if !caps.SupportsInput(p.connection, mode, format) {
		return fmt.Errorf("capture: enable video on %q: %s %v on %s: %w", p.name, mode, format, p.connection, channel.ErrUnsupported)
	}
	if flags&FlagFormatDetection != 0 && !caps.Has(device.FeatureInputFormatDetection) {
		return fmt.Errorf("capture: enable video on %q: format detection: %w", p.name, channel.ErrUnsupported)
	}
	p.mode, p.format, p.flags = mode, format, flags
	p.videoOn = true
	p.base.Enable(mode.Rate.Num, mode.Rate.Den)
	p.watch.Prime(mode, format.ColorDepth())
	p.subst.reset()
	return nil
}

// DisableVideo stops accepting video and flushes the backlog.
func (p *Pump) DisableVideo() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkReconfigureLocked("disable video"); err != nil {
		return err
	}
	if !p.videoOn {
		return nil
	}
	p.flushLocked()
	p.closeSessionLocked()
	p.videoOn = false
	p.base.Disable()
	p.setStateLocked(channel.Idle)
	return nil
}

// EnableAudio captures audio in format alongside video.
func (p *Pump) EnableAudio(format media.AudioFormat) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkReconfigureLocked("enable audio"); err != nil {
		return err
	}
	if err := format.Validate(); err != nil {
		return fmt.Errorf("capture: enable audio on %q: %w: %w", p.name, channel.ErrInvalidFormat, err)
	}
	p.audio = &format
	return nil
}

// DisableAudio stops capturing audio.
func (p *Pump) DisableAudio() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkReconfigureLocked("disable audio"); err != nil {
		return err
	}
	p.audio = nil
	return nil
}

func (p *Pump) checkReconfigureLocked(op string) error {
	if p.closed {
		return fmt.Errorf("capture: %s on %q: %w", op, p.name, channel.ErrClosed)
	}
	if p.state.Streaming() || p.reserved {
		return fmt.Errorf("capture: %s on %q while %s: %w", op, p.name, p.state, channel.ErrAccessDenied)
	}
	return nil
}

// openSessionLocked starts the hardware capture session if it is not open.
func (p *Pump) openSessionLocked() error {
	if p.capturing {
		return nil
	}
	cfg := device.InputConfig{
		Connection:      p.connection,
		Mode:            p.mode,
		Format:          p.format,
		Audio:           p.audio,
		FormatDetection: p.flags&FlagFormatDetection != 0,
	}
	err := p.src.StartCapture(cfg, p.onCapture)
	switch {
	case err == nil:
		p.capturing = true
		return nil
	case errors.Is(err, device.ErrUnavailable):
		return fmt.Errorf("capture: open %q: %w: %w", p.name, channel.ErrAccessDenied, err)
	default:
		return fmt.Errorf("capture: open %q: %w", p.name, err)
	}
}

func (p *Pump) closeSessionLocked() {
	if !p.capturing {
		return
	}
	p.capturing = false
	p.preopened = false
	if err := p.src.StopCapture(); err != nil {
		p.log.Warn("stop capture failed", "err", err)
	}
}

// setStateLocked changes state and keeps the active channel gauge in step.
func (p *Pump) setStateLocked(s channel.State) {
	was, is := p.state.Streaming(), s.Streaming()
	p.state = s
	switch {
	case is && !was:
		p.metrics.ActiveChannels.Add(context.Background(), 1, p.attrs)
	case was && !is:
		p.metrics.ActiveChannels.Add(context.Background(), -1, p.attrs)
	}
}

// State returns the streaming state.
func (p *Pump) State() channel.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// BufferedFrameCount returns the number of frames waiting for delivery.
func (p *Pump) BufferedFrameCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queuedFrames
}

// Overruns returns the number of frames discarded because the backlog was
// full.
func (p *Pump) Overruns() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.overruns
}

// Mode returns the configured display mode and pixel format.
func (p *Pump) Mode() (media.DisplayMode, media.PixelFormat) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode, p.format
}

// Now reads the channel's time base. See [timebase.Base.Now].
func (p *Pump) Now(scale int64) (hardwareTime, timeInFrame, ticksPerFrame int64, err error) {
	return p.base.Now(scale)
}

// Close stops capture, discards the backlog and stops the delivery goroutine
// once queued events have been delivered.
func (p *Pump) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if p.state == channel.Running || p.state == channel.Paused {
		p.stopLocked(channel.StopRequested)
	} else {
		p.flushLocked()
		p.closeSessionLocked()
	}
	p.subst.reset()
	p.closed = true
	p.mu.Unlock()
	close(p.done)
	return nil
}
