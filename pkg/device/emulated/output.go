package emulated

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/framesync/pkg/device"
	"github.com/MrWong99/framesync/pkg/media"
	"github.com/MrWong99/framesync/pkg/timebase"
)

var errNotConfigured = errors.New("emulated: output not configured")

// Output is an emulated output port. Presented frames are counted and
// dropped; the caller keeps ownership of each frame.
type Output struct {
	dev  *Device
	port int

	mu           sync.Mutex
	cfg          *device.OutputConfig
	presented    int64
	sampleFrames int64
}

// ID implements [device.Output].
func (o *Output) ID() string { return o.dev.id }

// Port returns the port number on the card.
func (o *Output) Port() int { return o.port }

// Clock implements [device.Output].
func (o *Output) Clock() timebase.Clock { return o.dev.clock }

// Capabilities implements [device.Output].
func (o *Output) Capabilities() device.Capabilities { return o.dev.caps }

// ReferenceLocked implements [device.Output].
func (o *Output) ReferenceLocked() bool { return o.dev.ReferenceLocked() }

// ConfigureOutput implements [device.Output].
func (o *Output) ConfigureOutput(cfg device.OutputConfig) error {
	if _, removed := o.dev.state(); removed {
		return fmt.Errorf("emulated: configure output %d: %w", o.port, device.ErrRemoved)
	}
	if !o.dev.caps.SupportsOutput(cfg.Connection, cfg.Mode, cfg.Format) {
		return fmt.Errorf("emulated: output %d: %v %s %v: %w", o.port, cfg.Connection, cfg.Mode.Name, cfg.Format, device.ErrUnsupported)
	}
	if cfg.Audio != nil {
		if err := cfg.Audio.Validate(); err != nil {
			return fmt.Errorf("emulated: output %d audio: %w: %w", o.port, device.ErrUnsupported, err)
		}
	}

	// A configured port is reconfigured in place, as the scheduler does when
	// audio is enabled after video.
	o.mu.Lock()
	o.cfg = &cfg
	o.mu.Unlock()
	return nil
}

// ReleaseOutput implements [device.Output].
func (o *Output) ReleaseOutput() error {
	o.mu.Lock()
	o.cfg = nil
	o.mu.Unlock()
	return nil
}

// PresentFrame implements [device.Output].
func (o *Output) PresentFrame(frame *media.VideoFrame) error {
	if _, removed := o.dev.state(); removed {
		return device.ErrRemoved
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cfg == nil {
		return errNotConfigured
	}
	if frame.Width != o.cfg.Mode.Width || frame.Height != o.cfg.Mode.Height || frame.Format != o.cfg.Format {
		return fmt.Errorf("emulated: %dx%d %v frame on %s %v output: %w",
			frame.Width, frame.Height, frame.Format, o.cfg.Mode.Name, o.cfg.Format, device.ErrUnsupported)
	}
	o.presented++
	return nil
}

// PushAudio implements [device.Output]. It accepts every sample frame.
func (o *Output) PushAudio(samples []byte, sampleFrames int) (int, error) {
	if _, removed := o.dev.state(); removed {
		return 0, device.ErrRemoved
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cfg == nil || o.cfg.Audio == nil {
		return 0, errNotConfigured
	}
	if need := sampleFrames * o.cfg.Audio.FrameBytes(); len(samples) < need {
		return 0, fmt.Errorf("emulated: %d bytes for %d sample frames", len(samples), sampleFrames)
	}
	o.sampleFrames += int64(sampleFrames)
	return sampleFrames, nil
}

// Presented returns the number of frames presented since creation.
func (o *Output) Presented() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.presented
}

// SampleFrames returns the number of audio sample frames accepted.
func (o *Output) SampleFrames() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sampleFrames
}
