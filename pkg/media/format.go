// Package media defines the units moved by framesync schedulers: video frames,
// audio sample blocks, captured frames and packets, and the display modes and
// pixel formats that describe them.
//
// Pixel buffers are opaque. The scheduling core never interprets their
// contents; the only exception is [FillBlack], used to synthesise "no input"
// frames, and the capture validator in internal/capture.
package media

import (
	"fmt"
	"strings"

	"github.com/MrWong99/framesync/pkg/timebase"
)

// PixelFormat identifies the memory layout of a frame buffer. Values are the
// four-character codes used by broadcast hardware.
type PixelFormat uint32

const (
	// Format8BitYUV is 4:2:2 UYVY, two bytes per pixel.
	Format8BitYUV PixelFormat = 0x32767579 // '2vuy'
	// Format10BitYUV is 4:2:2 v210, six pixels per 16 bytes.
	Format10BitYUV PixelFormat = 0x76323130 // 'v210'
	// Format8BitARGB is 4:4:4:4 ARGB, four bytes per pixel.
	Format8BitARGB PixelFormat = 32
	// Format8BitBGRA is 4:4:4:4 BGRA, four bytes per pixel.
	Format8BitBGRA PixelFormat = 0x42475241 // 'BGRA'
	// Format10BitRGB is 10-bit r210 RGB, four bytes per pixel.
	Format10BitRGB PixelFormat = 0x72323130 // 'r210'
	// Format12BitRGB is 12-bit big-endian RGB, 36 bits per pixel.
	Format12BitRGB PixelFormat = 0x52313242 // 'R12B'
)

var pixelFormatNames = map[PixelFormat]string{
	Format8BitYUV:  "8bit-yuv",
	Format10BitYUV: "10bit-yuv",
	Format8BitARGB: "8bit-argb",
	Format8BitBGRA: "8bit-bgra",
	Format10BitRGB: "10bit-rgb",
	Format12BitRGB: "12bit-rgb",
}

// String returns the configuration name of the format.
func (f PixelFormat) String() string {
	if n, ok := pixelFormatNames[f]; ok {
		return n
	}
	return fmt.Sprintf("PixelFormat(%#x)", uint32(f))
}

// ParsePixelFormat resolves a configuration name such as "8bit-yuv".
func ParsePixelFormat(s string) (PixelFormat, error) {
	for f, n := range pixelFormatNames {
		if strings.EqualFold(n, s) {
			return f, nil
		}
	}
	return 0, fmt.Errorf("media: unknown pixel format %q", s)
}

// MinRowBytes returns the smallest valid row stride for width pixels, or 0
// for an unknown format.
func (f PixelFormat) MinRowBytes(width int) int {
	switch f {
	case Format8BitYUV:
		return width * 2
	case Format10BitYUV:
		return ((width + 47) / 48) * 128
	case Format8BitARGB, Format8BitBGRA:
		return width * 4
	case Format10BitRGB:
		return ((width + 63) / 64) * 256
	case Format12BitRGB:
		return (width * 36) / 8
	default:
		return 0
	}
}

// ColorDepth returns the bit depth per component.
func (f PixelFormat) ColorDepth() int {
	switch f {
	case Format10BitYUV, Format10BitRGB:
		return 10
	case Format12BitRGB:
		return 12
	default:
		return 8
	}
}

// FieldDominance describes the temporal order of interlaced fields.
type FieldDominance int

const (
	Progressive FieldDominance = iota
	LowerFieldFirst
	UpperFieldFirst
	ProgressiveSegmented
)

// String implements [fmt.Stringer].
func (d FieldDominance) String() string {
	switch d {
	case Progressive:
		return "progressive"
	case LowerFieldFirst:
		return "lower-field-first"
	case UpperFieldFirst:
		return "upper-field-first"
	case ProgressiveSegmented:
		return "psf"
	default:
		return fmt.Sprintf("FieldDominance(%d)", int(d))
	}
}

// Rate is a frame rate of Num/Den frames per second.
type Rate struct {
	Num int64
	Den int64
}

// FrameDuration returns the length of one frame in scale, rounded down.
func (r Rate) FrameDuration(scale int64) int64 {
	return timebase.Convert(r.Den, r.Num, scale)
}

// String renders the rate as decimal frames per second.
func (r Rate) String() string {
	if r.Den == 0 {
		return "0"
	}
	return fmt.Sprintf("%.3g", float64(r.Num)/float64(r.Den))
}

// DisplayMode is a video raster and cadence.
type DisplayMode struct {
	Name   string
	Width  int
	Height int
	Rate   Rate
	Field  FieldDominance
}

// IsZero reports whether m is the zero mode.
func (m DisplayMode) IsZero() bool { return m.Name == "" }

// String returns the mode name.
func (m DisplayMode) String() string { return m.Name }

// Standard display modes.
var (
	ModeNTSC        = DisplayMode{Name: "ntsc", Width: 720, Height: 486, Rate: Rate{30000, 1001}, Field: LowerFieldFirst}
	ModePAL         = DisplayMode{Name: "pal", Width: 720, Height: 576, Rate: Rate{25, 1}, Field: UpperFieldFirst}
	ModeHD720p50    = DisplayMode{Name: "720p50", Width: 1280, Height: 720, Rate: Rate{50, 1}}
	ModeHD720p5994  = DisplayMode{Name: "720p59.94", Width: 1280, Height: 720, Rate: Rate{60000, 1001}}
	ModeHD720p60    = DisplayMode{Name: "720p60", Width: 1280, Height: 720, Rate: Rate{60, 1}}
	ModeHD1080i50   = DisplayMode{Name: "1080i50", Width: 1920, Height: 1080, Rate: Rate{25, 1}, Field: UpperFieldFirst}
	ModeHD1080i5994 = DisplayMode{Name: "1080i59.94", Width: 1920, Height: 1080, Rate: Rate{30000, 1001}, Field: UpperFieldFirst}
	ModeHD1080p2398 = DisplayMode{Name: "1080p23.98", Width: 1920, Height: 1080, Rate: Rate{24000, 1001}}
	ModeHD1080p24   = DisplayMode{Name: "1080p24", Width: 1920, Height: 1080, Rate: Rate{24, 1}}
	ModeHD1080p25   = DisplayMode{Name: "1080p25", Width: 1920, Height: 1080, Rate: Rate{25, 1}}
	ModeHD1080p2997 = DisplayMode{Name: "1080p29.97", Width: 1920, Height: 1080, Rate: Rate{30000, 1001}}
	ModeHD1080p30   = DisplayMode{Name: "1080p30", Width: 1920, Height: 1080, Rate: Rate{30, 1}}
	ModeHD1080p50   = DisplayMode{Name: "1080p50", Width: 1920, Height: 1080, Rate: Rate{50, 1}}
	ModeHD1080p5994 = DisplayMode{Name: "1080p59.94", Width: 1920, Height: 1080, Rate: Rate{60000, 1001}}
	ModeHD1080p60   = DisplayMode{Name: "1080p60", Width: 1920, Height: 1080, Rate: Rate{60, 1}}
	Mode4K2160p25   = DisplayMode{Name: "2160p25", Width: 3840, Height: 2160, Rate: Rate{25, 1}}
	Mode4K2160p2997 = DisplayMode{Name: "2160p29.97", Width: 3840, Height: 2160, Rate: Rate{30000, 1001}}
	Mode4K2160p50   = DisplayMode{Name: "2160p50", Width: 3840, Height: 2160, Rate: Rate{50, 1}}
	Mode4K2160p5994 = DisplayMode{Name: "2160p59.94", Width: 3840, Height: 2160, Rate: Rate{60000, 1001}}
)

// Modes lists every standard display mode.
var Modes = []DisplayMode{
	ModeNTSC, ModePAL,
	ModeHD720p50, ModeHD720p5994, ModeHD720p60,
	ModeHD1080i50, ModeHD1080i5994,
	ModeHD1080p2398, ModeHD1080p24, ModeHD1080p25, ModeHD1080p2997, ModeHD1080p30,
	ModeHD1080p50, ModeHD1080p5994, ModeHD1080p60,
	Mode4K2160p25, Mode4K2160p2997, Mode4K2160p50, Mode4K2160p5994,
}

// LookupMode finds a standard mode by name, case-insensitively.
func LookupMode(name string) (DisplayMode, bool) {
	for _, m := range Modes {
		if strings.EqualFold(m.Name, name) {
			return m, true
		}
	}
	return DisplayMode{}, false
}
