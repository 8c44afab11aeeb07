package media

import (
	"fmt"
	"sync/atomic"

	"github.com/MrWong99/framesync/pkg/timebase"
)

// FrameFlags carry per-frame metadata that schedulers forward untouched.
type FrameFlags uint32

const (
	// FlagFlipVertical requests a vertically flipped presentation.
	FlagFlipVertical FrameFlags = 1 << iota
	// FlagContainsHDRMetadata marks a frame carrying an [HDRMetadata]
	// attachment.
	FlagContainsHDRMetadata
	// FlagNoInputSource marks a captured frame produced while no signal was
	// present. Its buffer holds black.
	FlagNoInputSource
	// FlagSubstituted marks a captured frame that replaced a corrupt one.
	FlagSubstituted
)

// AttachmentKind identifies an optional frame attachment.
type AttachmentKind int

const (
	AttachmentAncillary AttachmentKind = iota + 1
	AttachmentHDR
)

// Attachment is optional data carried alongside a frame. Consumers look up an
// attachment by kind with [VideoFrame.Attachment] instead of type-probing the
// frame itself.
type Attachment interface {
	Kind() AttachmentKind
}

// AncillaryData holds opaque VANC/HANC packets.
type AncillaryData struct {
	Packets [][]byte
}

// Kind implements [Attachment].
func (AncillaryData) Kind() AttachmentKind { return AttachmentAncillary }

// HDRMetadata holds an opaque HDR metadata container.
type HDRMetadata struct {
	Payload []byte
}

// Kind implements [Attachment].
func (HDRMetadata) Kind() AttachmentKind { return AttachmentHDR }

// VideoFrame is a reference-counted frame buffer.
//
// The producer holds the initial reference. Every component that keeps the
// frame past a call (a scheduler queue, a capture consumer) takes its own
// reference with [VideoFrame.Retain] and drops it with [VideoFrame.Release].
// When the count reaches zero the optional release hook runs once, which lets
// producers recycle buffers.
type VideoFrame struct {
	Width    int
	Height   int
	RowBytes int
	Format   PixelFormat
	Flags    FrameFlags
	Buffer   []byte

	attachments []Attachment
	refs        atomic.Int32
	onRelease   func(*VideoFrame)
}

// NewVideoFrame allocates a frame with the minimum row stride for format and
// one reference held by the caller.
func NewVideoFrame(width, height int, format PixelFormat, flags FrameFlags) (*VideoFrame, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("media: invalid frame size %dx%d", width, height)
	}
	row := format.MinRowBytes(width)
	if row == 0 {
		return nil, fmt.Errorf("media: unsupported pixel format %v", format)
	}
	f := &VideoFrame{
		Width:    width,
		Height:   height,
		RowBytes: row,
		Format:   format,
		Flags:    flags,
		Buffer:   make([]byte, row*height),
	}
	f.refs.Store(1)
	return f, nil
}

// OnRelease sets a hook that runs when the last reference is released.
func (f *VideoFrame) OnRelease(fn func(*VideoFrame)) { f.onRelease = fn }

// Retain adds a reference and returns f for chaining.
func (f *VideoFrame) Retain() *VideoFrame {
	f.refs.Add(1)
	return f
}

// Release drops a reference. Releasing a frame with no references left is a
// no-op.
func (f *VideoFrame) Release() {
	for {
		n := f.refs.Load()
		if n <= 0 {
			return
		}
		if f.refs.CompareAndSwap(n, n-1) {
			if n == 1 && f.onRelease != nil {
				f.onRelease(f)
			}
			return
		}
	}
}

// Refs returns the current reference count.
func (f *VideoFrame) Refs() int { return int(f.refs.Load()) }

// Attach adds or replaces the attachment of a's kind. Attaching HDR metadata
// also sets [FlagContainsHDRMetadata].
func (f *VideoFrame) Attach(a Attachment) {
	for i, cur := range f.attachments {
		if cur.Kind() == a.Kind() {
			f.attachments[i] = a
			return
		}
	}
	f.attachments = append(f.attachments, a)
	if a.Kind() == AttachmentHDR {
		f.Flags |= FlagContainsHDRMetadata
	}
}

// Attachment returns the attachment of kind k, if any.
func (f *VideoFrame) Attachment(k AttachmentKind) (Attachment, bool) {
	for _, a := range f.attachments {
		if a.Kind() == k {
			return a, true
		}
	}
	return nil, false
}

// CopyFrom copies pixels, flags and attachments from src. Both frames must
// share geometry and format.
func (f *VideoFrame) CopyFrom(src *VideoFrame) error {
	if f.Width != src.Width || f.Height != src.Height || f.Format != src.Format {
		return fmt.Errorf("media: copy %dx%d %v into %dx%d %v", src.Width, src.Height, src.Format, f.Width, f.Height, f.Format)
	}
	n := min(len(f.Buffer), len(src.Buffer))
	copy(f.Buffer[:n], src.Buffer[:n])
	f.Flags = src.Flags
	f.attachments = append(f.attachments[:0], src.attachments...)
	return nil
}

// FillBlack writes video black into the frame buffer. UYVY frames are filled
// with the 80 10 80 10 pattern; RGB formats are zeroed with opaque alpha.
func FillBlack(f *VideoFrame) {
	switch f.Format {
	case Format8BitYUV:
		for i := 0; i+3 < len(f.Buffer); i += 4 {
			f.Buffer[i] = 0x80
			f.Buffer[i+1] = 0x10
			f.Buffer[i+2] = 0x80
			f.Buffer[i+3] = 0x10
		}
	case Format8BitBGRA:
		clear(f.Buffer)
		for i := 3; i < len(f.Buffer); i += 4 {
			f.Buffer[i] = 0xFF
		}
	case Format8BitARGB:
		clear(f.Buffer)
		for i := 0; i < len(f.Buffer); i += 4 {
			f.Buffer[i] = 0xFF
		}
	default:
		clear(f.Buffer)
	}
}

// CaptureFrame is a frame delivered by an input pump.
//
// The frame is only valid for the duration of the delivery callback unless
// the consumer calls Frame.Retain.
type CaptureFrame struct {
	Frame *VideoFrame

	// StreamTime is the capture time of the frame relative to the last
	// start, excluding time spent paused.
	StreamTime timebase.Time
	// Duration is the frame duration in StreamTime's scale.
	Duration int64
	// HardwareTicks is the device clock reading at capture.
	HardwareTicks uint64
	// Seq numbers frames in capture order since the pump was created.
	Seq uint64
}

// NoInputSource reports whether the frame was captured without a signal.
func (c *CaptureFrame) NoInputSource() bool {
	return c.Frame != nil && c.Frame.Flags&FlagNoInputSource != 0
}
