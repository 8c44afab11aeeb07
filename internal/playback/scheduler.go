// Package playback implements the output scheduler: it accepts frames and
// audio timestamped in stream time, holds them in bounded buffers and hands
// each one to the device when the channel's stream time reaches it.
//
// A [Scheduler] owns one dispatch goroutine that wakes on clock edges (when
// the device clock implements [timebase.Notifier]), on a poll interval and on
// submissions, and one notification goroutine that runs [Handler] callbacks.
// Every scheduled frame receives exactly one terminal [media.Outcome].
//
// All exported methods are safe for concurrent use, including from within
// handler callbacks.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/framesync/internal/channel"
	"github.com/MrWong99/framesync/internal/observe"
	"github.com/MrWong99/framesync/internal/pool"
	"github.com/MrWong99/framesync/internal/resilience"
	"github.com/MrWong99/framesync/pkg/device"
	"github.com/MrWong99/framesync/pkg/media"
	"github.com/MrWong99/framesync/pkg/timebase"
)

const (
	// DefaultRenderInterval is the period of render requests (50 Hz).
	DefaultRenderInterval = 20 * time.Millisecond

	// DefaultPollInterval is how often the dispatch goroutine re-reads clocks
	// that cannot signal changes.
	DefaultPollInterval = 2 * time.Millisecond

	// DefaultFailureThreshold is the number of consecutive presentation
	// failures that abort a stream.
	DefaultFailureThreshold = 5
)

// AudioMode selects how submitted audio is placed on the timeline.
type AudioMode int

const (
	// AudioContinuous appends every block after the buffered tail, ignoring
	// block timestamps.
	AudioContinuous AudioMode = iota
	// AudioTimestamped places every block at its stream time.
	AudioTimestamped
)

// String implements [fmt.Stringer].
func (m AudioMode) String() string {
	if m == AudioTimestamped {
		return "timestamped"
	}
	return "continuous"
}

// ParseAudioMode resolves "continuous" or "timestamped". The empty string
// selects continuous.
func ParseAudioMode(s string) (AudioMode, error) {
	switch s {
	case "", "continuous":
		return AudioContinuous, nil
	case "timestamped":
		return AudioTimestamped, nil
	default:
		return 0, fmt.Errorf("playback: unknown audio mode %q: %w", s, channel.ErrInvalidArgument)
	}
}

// VideoFlags request optional output features.
type VideoFlags uint32

const (
	// VideoFlagHDRMetadata forwards HDR metadata attached to frames.
	VideoFlagHDRMetadata VideoFlags = 1 << iota
	// VideoFlagAncillary forwards ancillary data attached to frames.
	VideoFlagAncillary
)

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithLogger sets the logger. The scheduler adds channel and device
// attributes.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithVideoCapacity sets the number of frames the scheduler buffers.
func WithVideoCapacity(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.videoCapacity = n
		}
	}
}

// WithAudioBufferMillis sets the audio buffer length in milliseconds.
func WithAudioBufferMillis(ms int) Option {
	return func(s *Scheduler) {
		if ms > 0 {
			s.audioMillis = ms
		}
	}
}

// WithRenderInterval sets the render request period.
func WithRenderInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.renderInterval = d
		}
	}
}

// WithPollInterval sets the clock polling period.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithConnection selects the output connector. Default: SDI.
func WithConnection(c device.ConnectionType) Option {
	return func(s *Scheduler) { s.connection = c }
}

// WithFailureThreshold sets how many consecutive presentation failures abort
// the stream.
func WithFailureThreshold(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.failureThreshold = n
		}
	}
}

// Scheduler is the output scheduler of one playback channel.
type Scheduler struct {
	name    string
	out     device.Output
	base    *timebase.Base
	log     *slog.Logger
	metrics *observe.Metrics
	attrs   metric.MeasurementOption
	breaker *resilience.CircuitBreaker
	notify  *notifier

	videoCapacity    int
	audioMillis      int
	renderInterval   time.Duration
	pollInterval     time.Duration
	connection       device.ConnectionType
	failureThreshold int

	mu         sync.Mutex
	state      channel.State
	videoOn    bool
	mode       media.DisplayMode
	format     media.PixelFormat
	videoFlags VideoFlags
	queue      *pool.VideoQueue
	audio      *pool.AudioBuffer // nil while audio is disabled
	audioMode  AudioMode
	group      channel.Grouper
	reserved   bool // a group start has been prepared but not fired

	startTicks  uint64
	startTime   timebase.Time
	speed       float64
	stopAt      timebase.Time      // valid while Stopping
	audioPushed int64              // sample frames accepted or skipped since start
	held        []media.AudioBlock // taken from audio but refused by the device

	wake     chan struct{}
	done     chan struct{}
	loopDone chan struct{}
	closed   bool
}

// New returns an idle scheduler for out and starts its goroutines. Call
// [Scheduler.Close] to release them.
func New(name string, out device.Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		name:             name,
		out:              out,
		base:             timebase.NewBase(out.Clock()),
		log:              slog.Default(),
		videoCapacity:    pool.DefaultVideoCapacity,
		audioMillis:      pool.DefaultAudioBufferMillis,
		renderInterval:   DefaultRenderInterval,
		pollInterval:     DefaultPollInterval,
		connection:       device.ConnectionSDI,
		failureThreshold: DefaultFailureThreshold,
		wake:             make(chan struct{}, 1),
		done:             make(chan struct{}),
		loopDone:         make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.log = s.log.With("channel", name, "device", out.ID())
	s.attrs = metric.WithAttributes(observe.Attr("channel", name))
	s.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:        out.ID() + "/" + name,
		MaxFailures: s.failureThreshold,
		Fatal:       func(err error) bool { return errors.Is(err, device.ErrRemoved) },
		Logger:      s.log,
	})
	s.queue = pool.NewVideoQueue(s.videoCapacity)
	s.notify = newNotifier()
	go s.run()
	return s
}

// Name returns the channel name.
func (s *Scheduler) Name() string { return s.name }

// SetHandler registers h as the receiver of scheduler events, replacing any
// previous handler. It returns once a callback running on the old handler has
// returned, so the old handler receives nothing afterwards. Nil discards
// events. SetHandler must not be called from a handler method.
func (s *Scheduler) SetHandler(h Handler) { s.notify.setHandler(h) }

// EnableVideo configures the output for mode and format. It fails with
// [channel.ErrAccessDenied] while the channel is streaming or when the device
// is in use elsewhere.
func (s *Scheduler) EnableVideo(mode media.DisplayMode, format media.PixelFormat, flags VideoFlags) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkReconfigureLocked("enable video"); err != nil {
		return err
	}
	if mode.IsZero() || mode.Rate.Num <= 0 || mode.Rate.Den <= 0 || mode.Width <= 0 || mode.Height <= 0 {
		return fmt.Errorf("playback: enable video on %q: mode %q: %w", s.name, mode, channel.ErrInvalidMode)
	}
	if format.MinRowBytes(mode.Width) == 0 {
		return fmt.Errorf("playback: enable video on %q: format %v: %w", s.name, format, channel.ErrInvalidFormat)
	}
	caps := s.out.Capabilities()
	if !caps.SupportsOutput(s.connection, mode, format) {
		return fmt.Errorf("playback: enable video on %q: %s %v on %s: %w", s.name, mode, format, s.connection, channel.ErrUnsupported)
	}
	if flags&VideoFlagHDRMetadata != 0 && !caps.Has(device.FeatureHDRMetadata) {
		return fmt.Errorf("playback: enable video on %q: hdr metadata: %w", s.name, channel.ErrUnsupported)
	}
	if flags&VideoFlagAncillary != 0 && !caps.Has(device.FeatureAncillaryData) {
		return fmt.Errorf("playback: enable video on %q: ancillary data: %w", s.name, channel.ErrUnsupported)
	}

	if err := s.configureLocked(mode, format); err != nil {
		return err
	}
	if s.videoOn && (s.mode.Name != mode.Name || s.format != format) {
		s.flushLocked()
	}
	s.mode, s.format, s.videoFlags = mode, format, flags
	s.videoOn = true
	s.base.Enable(mode.Rate.Num, mode.Rate.Den)
	s.state = channel.Configured
	s.breaker.Reset()
	s.log.Info("video output enabled", "mode", mode.Name, "format", format.String())
	return nil
}

// DisableVideo flushes buffered frames and releases the output.
func (s *Scheduler) DisableVideo() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkReconfigureLocked("disable video"); err != nil {
		return err
	}
	if !s.videoOn {
		return nil
	}
	s.flushLocked()
	s.videoOn = false
	s.base.Disable()
	s.state = channel.Idle
	if err := s.out.ReleaseOutput(); err != nil {
		return fmt.Errorf("playback: disable video on %q: %w", s.name, err)
	}
	s.log.Info("video output disabled")
	return nil
}

// EnableAudio configures audio output. Audio is only pushed to the device
// while playing at speed 1.0.
func (s *Scheduler) EnableAudio(format media.AudioFormat, mode AudioMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkReconfigureLocked("enable audio"); err != nil {
		return err
	}
	if err := format.Validate(); err != nil {
		return fmt.Errorf("playback: enable audio on %q: %w: %w", s.name, channel.ErrInvalidFormat, err)
	}
	if mode != AudioContinuous && mode != AudioTimestamped {
		return fmt.Errorf("playback: enable audio on %q: mode %d: %w", s.name, mode, channel.ErrInvalidArgument)
	}
	prev := s.audio
	capacity := int(timebase.Convert(int64(s.audioMillis), 1000, format.SampleRate))
	s.audio = pool.NewAudioBuffer(format, capacity)
	s.audioMode = mode
	if s.videoOn {
		if err := s.configureLocked(s.mode, s.format); err != nil {
			s.audio = prev
			return err
		}
	}
	if prev != nil {
		prev.Flush()
	}
	s.held = nil
	s.log.Info("audio output enabled",
		"sample_rate", format.SampleRate, "channels", format.Channels, "audio_mode", mode.String())
	return nil
}

// DisableAudio discards buffered audio and stops audio output.
func (s *Scheduler) DisableAudio() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkReconfigureLocked("disable audio"); err != nil {
		return err
	}
	if s.audio == nil {
		return nil
	}
	prev := s.audio
	s.audio = nil
	s.held = nil
	prev.Flush()
	if s.videoOn {
		return s.configureLocked(s.mode, s.format)
	}
	return nil
}

func (s *Scheduler) checkReconfigureLocked(op string) error {
	if s.closed {
		return fmt.Errorf("playback: %s on %q: %w", op, s.name, channel.ErrClosed)
	}
	if s.state.Streaming() || s.state == channel.Prerolling || s.reserved {
		return fmt.Errorf("playback: %s on %q while %s: %w", op, s.name, s.state, channel.ErrAccessDenied)
	}
	return nil
}

func (s *Scheduler) configureLocked(mode media.DisplayMode, format media.PixelFormat) error {
	cfg := device.OutputConfig{Connection: s.connection, Mode: mode, Format: format}
	if s.audio != nil {
		f := s.audio.Format()
		cfg.Audio = &f
	}
	err := s.out.ConfigureOutput(cfg)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, device.ErrUnavailable):
		return fmt.Errorf("playback: configure %q: %w: %w", s.name, channel.ErrAccessDenied, err)
	default:
		return fmt.Errorf("playback: configure %q: %w", s.name, err)
	}
}

// ScheduleFrame queues frame for display at displayTime for duration, both in
// scale. The scheduler retains the frame until its completion has been
// delivered. It fails with [channel.ErrOutOfCapacity] when the buffer is full.
func (s *Scheduler) ScheduleFrame(frame *media.VideoFrame, displayTime, duration, scale int64) error {
	if frame == nil || scale <= 0 || duration <= 0 {
		return fmt.Errorf("playback: schedule on %q: %w", s.name, channel.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("playback: schedule on %q: %w", s.name, channel.ErrClosed)
	}
	if !s.videoOn {
		return fmt.Errorf("playback: schedule on %q: %w", s.name, channel.ErrNotEnabled)
	}
	if frame.Width != s.mode.Width || frame.Height != s.mode.Height || frame.Format != s.format {
		return fmt.Errorf("playback: schedule on %q: %dx%d %v in %s %v: %w",
			s.name, frame.Width, frame.Height, frame.Format, s.mode, s.format, channel.ErrInvalidFormat)
	}
	if _, err := s.queue.Push(frame, timebase.At(displayTime, scale), duration); err != nil {
		return fmt.Errorf("playback: schedule on %q: %w", s.name, err)
	}
	frame.Retain()
	s.metrics.BufferedFrames.Add(context.Background(), 1, s.attrs)
	s.wakeLocked()
	return nil
}

// ScheduleAudio buffers as much of block as fits without waiting and returns
// the number of sample frames accepted.
func (s *Scheduler) ScheduleAudio(block media.AudioBlock) (int, error) {
	buf, block, err := s.audioTarget(block)
	if err != nil {
		return 0, err
	}
	n, err := buf.TryWrite(block)
	if err != nil {
		return n, fmt.Errorf("playback: schedule audio on %q: %w", s.name, err)
	}
	return n, nil
}

// WriteAudio buffers all of block, waiting for room as needed. It returns
// [channel.ErrAlreadyStopped] if the buffer is flushed while waiting.
func (s *Scheduler) WriteAudio(ctx context.Context, block media.AudioBlock) error {
	buf, block, err := s.audioTarget(block)
	if err != nil {
		return err
	}
	if err := buf.Write(ctx, block); err != nil {
		return fmt.Errorf("playback: write audio on %q: %w", s.name, err)
	}
	return nil
}

func (s *Scheduler) audioTarget(block media.AudioBlock) (*pool.AudioBuffer, media.AudioBlock, error) {
	s.mu.Lock()
	buf, mode, closed := s.audio, s.audioMode, s.closed
	s.mu.Unlock()

	switch {
	case closed:
		return nil, block, fmt.Errorf("playback: audio on %q: %w", s.name, channel.ErrClosed)
	case buf == nil:
		return nil, block, fmt.Errorf("playback: audio on %q: %w", s.name, channel.ErrNotEnabled)
	}
	if mode == AudioContinuous {
		block.Timed = false
	} else if !block.Timed {
		return nil, block, fmt.Errorf("playback: untimed audio on timestamped channel %q: %w", s.name, channel.ErrInvalidArgument)
	}
	return buf, block, nil
}

// SetVideoCapacity changes how many frames the scheduler buffers. Frames
// already queued beyond a smaller capacity stay queued; ScheduleFrame fails
// with [channel.ErrOutOfCapacity] until the queue drains below it.
func (s *Scheduler) SetVideoCapacity(n int) error {
	if n <= 0 {
		return fmt.Errorf("playback: video capacity %d on %q: %w", n, s.name, channel.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoCapacity = n
	s.queue.SetCapacity(n)
	return nil
}

// BufferedFrameCount returns the number of frames waiting for display.
func (s *Scheduler) BufferedFrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// BufferedSampleFrameCount returns the number of buffered audio sample
// frames.
func (s *Scheduler) BufferedSampleFrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audio == nil {
		return 0
	}
	return s.audio.Buffered() + s.heldFramesLocked()
}

// State returns the streaming state.
func (s *Scheduler) State() channel.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Now reads the channel's time base. See [timebase.Base.Now].
func (s *Scheduler) Now(scale int64) (hardwareTime, timeInFrame, ticksPerFrame int64, err error) {
	return s.base.Now(scale)
}

// Close stops playback, flushes every buffered frame, releases the output and
// stops the scheduler's goroutines. Queued events are still delivered.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if s.state == channel.Running || s.state == channel.Stopping {
		s.finishLocked(channel.StopRequested)
	} else {
		s.flushLocked()
	}
	if s.audio != nil {
		s.audio.Flush()
	}
	var err error
	if s.videoOn {
		s.videoOn = false
		s.base.Disable()
		err = s.out.ReleaseOutput()
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	<-s.loopDone
	s.notify.close()
	return err
}

func (s *Scheduler) wakeLocked() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
