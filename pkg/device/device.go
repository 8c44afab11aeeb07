// Package device defines the hardware boundary consumed by framesync
// schedulers.
//
// An [Output] accepts frames and audio samples for presentation; an
// [InputSource] pushes captured frames into a sink. Both expose the device's
// hardware [timebase.Clock], which is shared by every channel of the same
// physical device, and report whether the device is locked to its timing
// reference.
//
// Implementations: pkg/device/emulated (software device for the daemon) and
// pkg/device/mock (call-recording test double).
package device

import (
	"errors"
	"fmt"
	"slices"

	"github.com/MrWong99/framesync/pkg/media"
	"github.com/MrWong99/framesync/pkg/timebase"
)

var (
	// ErrUnavailable is returned when the hardware is held by another client.
	ErrUnavailable = errors.New("device: unavailable")

	// ErrRemoved is returned after the device disappeared. It is fatal for
	// every stream on the device.
	ErrRemoved = errors.New("device: removed")

	// ErrUnsupported is returned for a mode, format or connection the device
	// cannot handle.
	ErrUnsupported = errors.New("device: unsupported configuration")
)

// ConnectionType is a physical video connector.
type ConnectionType int

const (
	ConnectionSDI ConnectionType = iota + 1
	ConnectionHDMI
	ConnectionOpticalSDI
	ConnectionComponent
	ConnectionComposite
	ConnectionSVideo
)

var connectionNames = map[ConnectionType]string{
	ConnectionSDI:        "sdi",
	ConnectionHDMI:       "hdmi",
	ConnectionOpticalSDI: "optical-sdi",
	ConnectionComponent:  "component",
	ConnectionComposite:  "composite",
	ConnectionSVideo:     "svideo",
}

// String implements [fmt.Stringer].
func (c ConnectionType) String() string {
	if n, ok := connectionNames[c]; ok {
		return n
	}
	return fmt.Sprintf("ConnectionType(%d)", int(c))
}

// ParseConnection resolves a connector name such as "sdi".
func ParseConnection(s string) (ConnectionType, error) {
	for c, n := range connectionNames {
		if n == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("device: unknown connection %q", s)
}

// Features is a set of optional device capabilities.
type Features uint32

const (
	FeatureInputFormatDetection Features = 1 << iota
	FeatureHDRMetadata
	FeatureGenlock
	FeatureSynchronizedGroups
	FeatureAncillaryData
)

// ModeSupport lists the pixel formats a device accepts in one display mode.
type ModeSupport struct {
	Mode    media.DisplayMode
	Formats []media.PixelFormat
}

// Capabilities describes what a device can do. Capability lookup is by
// explicit query, never by probing the device object's type.
type Capabilities struct {
	Features Features
	Input    map[ConnectionType][]ModeSupport
	Output   map[ConnectionType][]ModeSupport
}

// Has reports whether all features in f are present.
func (c Capabilities) Has(f Features) bool { return c.Features&f == f }

// SupportsOutput reports whether the device can play mode in format on conn.
func (c Capabilities) SupportsOutput(conn ConnectionType, mode media.DisplayMode, format media.PixelFormat) bool {
	return supports(c.Output[conn], mode, format)
}

// SupportsInput reports whether the device can capture mode in format on conn.
func (c Capabilities) SupportsInput(conn ConnectionType, mode media.DisplayMode, format media.PixelFormat) bool {
	return supports(c.Input[conn], mode, format)
}

func supports(list []ModeSupport, mode media.DisplayMode, format media.PixelFormat) bool {
	for _, ms := range list {
		if ms.Mode.Name == mode.Name {
			return slices.Contains(ms.Formats, format)
		}
	}
	return false
}

// AllModes builds a support table accepting every standard mode in formats.
func AllModes(formats ...media.PixelFormat) []ModeSupport {
	out := make([]ModeSupport, 0, len(media.Modes))
	for _, m := range media.Modes {
		out = append(out, ModeSupport{Mode: m, Formats: formats})
	}
	return out
}

// SignalInfo describes the signal currently present on an input.
type SignalInfo struct {
	Present    bool
	Mode       media.DisplayMode
	Field      media.FieldDominance
	ColorDepth int
}

// OutputConfig selects the connector, raster and audio layout of an output.
// Audio is nil when audio output is disabled.
type OutputConfig struct {
	Connection ConnectionType
	Mode       media.DisplayMode
	Format     media.PixelFormat
	Audio      *media.AudioFormat
}

// Output is a playback device channel.
type Output interface {
	// ID identifies the physical device.
	ID() string

	// Clock returns the device's hardware clock.
	Clock() timebase.Clock

	// Capabilities reports supported modes, formats and features.
	Capabilities() Capabilities

	// ReferenceLocked reports whether the device is locked to its timing
	// reference.
	ReferenceLocked() bool

	// ConfigureOutput claims the output with cfg. It returns ErrUnavailable
	// if another client holds the hardware.
	ConfigureOutput(cfg OutputConfig) error

	// ReleaseOutput gives up the output.
	ReleaseOutput() error

	// PresentFrame shows frame starting at the next hardware frame boundary.
	PresentFrame(frame *media.VideoFrame) error

	// PushAudio hands sampleFrames interleaved frames to the device and
	// returns how many it accepted.
	PushAudio(samples []byte, sampleFrames int) (int, error)
}

// InputConfig selects what an input captures.
type InputConfig struct {
	Connection      ConnectionType
	Mode            media.DisplayMode
	Format          media.PixelFormat
	Audio           *media.AudioFormat
	FormatDetection bool
}

// RawCapture is one unit pushed by an input device.
type RawCapture struct {
	// Frame holds the captured pixels. Nil for audio-only units. The sink
	// owns the reference.
	Frame *media.VideoFrame

	// Audio holds interleaved samples captured with the frame, if any.
	Audio        []byte
	AudioFrames  int
	AudioTicks   uint64
	AudioPresent bool

	// Ticks is the hardware clock reading at capture.
	Ticks uint64

	// Signal describes the input signal at capture.
	Signal SignalInfo

	// Err is set, with no media, when the device failed fatally.
	Err error
}

// CaptureSink receives captured units. It is called on the device's own
// goroutine and must not block.
type CaptureSink func(RawCapture)

// InputSource is a capture device channel.
type InputSource interface {
	ID() string
	Clock() timebase.Clock
	Capabilities() Capabilities
	ReferenceLocked() bool

	// StartCapture begins pushing units to sink until StopCapture.
	StartCapture(cfg InputConfig, sink CaptureSink) error

	// StopCapture stops the device. A sink call already in flight may still
	// complete after it returns; sinks must tolerate that.
	StopCapture() error
}

// Device is one physical card. Its inputs and outputs share the card's clock
// and timing reference.
type Device interface {
	ID() string
	Clock() timebase.Clock

	// Output returns output port n, counted from zero. It returns
	// ErrUnsupported when the card has no such port.
	Output(n int) (Output, error)

	// Input returns input port n, counted from zero.
	Input(n int) (InputSource, error)

	// Close stops every port and releases the card.
	Close() error
}
