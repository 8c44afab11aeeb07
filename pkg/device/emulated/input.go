package emulated

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/framesync/pkg/device"
	"github.com/MrWong99/framesync/pkg/media"
	"github.com/MrWong99/framesync/pkg/timebase"
)

// maxCatchUp bounds the frames emitted at once after the clock jumped; older
// frames are skipped as a real card would drop them.
const maxCatchUp = 8

// Input is an emulated input port.
type Input struct {
	dev  *Device
	port int

	mu     sync.Mutex
	stop   chan struct{}
	frames int64
}

// ID implements [device.InputSource].
func (i *Input) ID() string { return i.dev.id }

// Port returns the port number on the card.
func (i *Input) Port() int { return i.port }

// Clock implements [device.InputSource].
func (i *Input) Clock() timebase.Clock { return i.dev.clock }

// Capabilities implements [device.InputSource].
func (i *Input) Capabilities() device.Capabilities { return i.dev.caps }

// ReferenceLocked implements [device.InputSource].
func (i *Input) ReferenceLocked() bool { return i.dev.ReferenceLocked() }

// StartCapture implements [device.InputSource]. Frames are generated on a
// goroutine owned by the input.
func (i *Input) StartCapture(cfg device.InputConfig, sink device.CaptureSink) error {
	if sink == nil {
		return errors.New("emulated: nil capture sink")
	}
	if _, removed := i.dev.state(); removed {
		return fmt.Errorf("emulated: start input %d: %w", i.port, device.ErrRemoved)
	}
	if !i.dev.caps.SupportsInput(cfg.Connection, cfg.Mode, cfg.Format) {
		return fmt.Errorf("emulated: input %d: %v %s %v: %w", i.port, cfg.Connection, cfg.Mode.Name, cfg.Format, device.ErrUnsupported)
	}
	if cfg.Audio != nil {
		if err := cfg.Audio.Validate(); err != nil {
			return fmt.Errorf("emulated: input %d audio: %w: %w", i.port, device.ErrUnsupported, err)
		}
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stop != nil {
		return fmt.Errorf("emulated: input %d already capturing: %w", i.port, device.ErrUnavailable)
	}
	stop := make(chan struct{})
	i.stop = stop
	go i.generate(newGenerator(i.dev.clock, cfg), sink, stop)
	return nil
}

// StopCapture implements [device.InputSource]. It does not wait for the
// generator goroutine, so one sink call may still be in flight.
func (i *Input) StopCapture() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stop != nil {
		close(i.stop)
		i.stop = nil
	}
	return nil
}

// Capturing reports whether a capture session is open.
func (i *Input) Capturing() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stop != nil
}

// Frames returns the number of units delivered since creation.
func (i *Input) Frames() int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.frames
}

func (i *Input) generate(g *generator, sink device.CaptureSink, stop <-chan struct{}) {
	edges, _ := g.clock.(timebase.Notifier)
	var timer *time.Timer
	if edges == nil {
		timer = time.NewTimer(time.Hour)
		defer timer.Stop()
	}

	for {
		// Subscribe before reading the clock so an edge is not lost.
		var edge <-chan struct{}
		if edges != nil {
			edge = edges.Changed()
		}

		for _, at := range g.due(g.clock.Ticks()) {
			select {
			case <-stop:
				return
			default:
			}
			signal, removed := i.dev.state()
			if removed {
				sink(device.RawCapture{Err: device.ErrRemoved, Ticks: at})
				return
			}
			sink(g.capture(at, signal))
			i.mu.Lock()
			i.frames++
			i.mu.Unlock()
		}

		var tick <-chan time.Time
		if timer != nil {
			timer.Reset(g.wait(g.clock.Ticks()))
			tick = timer.C
		}
		select {
		case <-stop:
			return
		case <-edge:
		case <-tick:
		}
	}
}

// generator produces the units of one capture session.
type generator struct {
	clock timebase.Clock
	cfg   device.InputConfig

	next   uint64 // clock ticks of the next frame boundary
	frame  *timebase.Accumulator
	sample *timebase.Accumulator
	phase  int
}

func newGenerator(clock timebase.Clock, cfg device.InputConfig) *generator {
	g := &generator{
		clock: clock,
		cfg:   cfg,
		frame: timebase.NewAccumulator(cfg.Mode.Rate.Num, clock.Rate()),
	}
	if cfg.Audio != nil {
		g.sample = timebase.NewAccumulator(cfg.Mode.Rate.Num, cfg.Audio.SampleRate)
	}
	g.next = clock.Ticks() + uint64(g.frame.Add(cfg.Mode.Rate.Den))
	return g
}

// due returns the frame boundaries reached by now and advances past them.
func (g *generator) due(now uint64) []uint64 {
	var at []uint64
	for g.next <= now {
		at = append(at, g.next)
		g.next += uint64(g.frame.Add(g.cfg.Mode.Rate.Den))
	}
	if len(at) > maxCatchUp {
		at = at[len(at)-maxCatchUp:]
	}
	return at
}

// wait returns the wall time until the next frame boundary.
func (g *generator) wait(now uint64) time.Duration {
	if g.next <= now {
		return 0
	}
	return time.Duration(timebase.Convert(int64(g.next-now), g.clock.Rate(), timebase.NanosecondScale)) + time.Microsecond
}

// capture builds the unit captured at the frame boundary at. Without format
// detection a signal in another mode cannot be locked to and reads as no
// signal.
func (g *generator) capture(at uint64, signal device.SignalInfo) device.RawCapture {
	raw := device.RawCapture{Ticks: at, Signal: signal}
	if signal.Present && signal.Mode.Name != g.cfg.Mode.Name && !g.cfg.FormatDetection {
		raw.Signal = device.SignalInfo{}
	}

	f, err := media.NewVideoFrame(g.cfg.Mode.Width, g.cfg.Mode.Height, g.cfg.Format, 0)
	if err != nil {
		return device.RawCapture{Err: err, Ticks: at}
	}
	if raw.Signal.Present {
		media.FillBars(f, g.phase)
		g.phase += 4
	} else {
		media.FillBlack(f)
	}
	raw.Frame = f

	if g.sample != nil {
		n := int(g.sample.Add(g.cfg.Mode.Rate.Den))
		raw.Audio = make([]byte, n*g.cfg.Audio.FrameBytes())
		raw.AudioFrames = n
		raw.AudioTicks = at
		raw.AudioPresent = n > 0
	}
	return raw
}
