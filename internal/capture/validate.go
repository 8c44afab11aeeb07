package capture

import (
	"errors"
	"fmt"

	"github.com/MrWong99/framesync/pkg/media"
)

// probeSamples is the number of 4-byte groups inspected per frame.
const probeSamples = 2048

// ErrCorruptFrame marks a captured frame that failed validation.
var ErrCorruptFrame = errors.New("corrupt frame")

// CheckFrame verifies that f's buffer covers its geometry and, for 8-bit YUV,
// that the pixels do not look like BGRA written into a UYVY buffer.
func CheckFrame(f *media.VideoFrame) error {
	if f == nil || f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("capture: empty frame: %w", ErrCorruptFrame)
	}
	if need := f.Format.MinRowBytes(f.Width); need == 0 || f.RowBytes < need {
		return fmt.Errorf("capture: row stride %d too small for %d px %v: %w", f.RowBytes, f.Width, f.Format, ErrCorruptFrame)
	}
	if f.RowBytes*f.Height > len(f.Buffer) {
		return fmt.Errorf("capture: buffer of %d bytes for %d rows of %d: %w", len(f.Buffer), f.Height, f.RowBytes, ErrCorruptFrame)
	}
	if f.Format == media.Format8BitYUV && looksLikeBGRA(f) {
		return fmt.Errorf("capture: UYVY buffer holds BGRA data: %w", ErrCorruptFrame)
	}
	return nil
}

// welford accumulates a running variance.
type welford struct {
	n    int
	mean float64
	m2   float64
}

func (w *welford) add(x float64) {
	w.n++
	d := x - w.mean
	w.mean += d / float64(w.n)
	w.m2 += d * (x - w.mean)
}

func (w *welford) variance() float64 {
	if w.n < 2 {
		return 0
	}
	return w.m2 / float64(w.n-1)
}

// looksLikeBGRA samples 4-byte groups spread over the frame. In BGRA the
// fourth byte is alpha, mostly 0xFF with little variance; in UYVY the two luma
// lanes (1 and 3) vary at least as much as the chroma lanes.
func looksLikeBGRA(f *media.VideoFrame) bool {
	widthBytes := f.Width * 2
	if widthBytes <= 4 {
		return false
	}

	var ff [4]int
	var lanes [4]welford
	for i := range probeSamples {
		y := (i * 131) % f.Height
		x := ((i * 337) % (widthBytes - 4)) &^ 3
		px := f.Buffer[y*f.RowBytes+x : y*f.RowBytes+x+4]
		for l, b := range px {
			if b == 0xFF {
				ff[l]++
			}
			lanes[l].add(float64(b))
		}
	}

	var p [4]float64
	for l := range p {
		p[l] = float64(ff[l]) / probeSamples
	}
	alphaBias := p[3] - max(p[0], p[1], p[2])
	var3 := lanes[3].variance()
	varY := lanes[1].variance() + var3
	varUV := lanes[0].variance() + lanes[2].variance()

	suspiciousAlpha := (p[3] > 0.20 && alphaBias > 0.10) || p[3] > 0.35
	suspiciousVariance := (var3 < 50 && p[3] > 0.10) || varY < varUV*0.8
	return suspiciousAlpha || suspiciousVariance
}

// substitutor replaces invalid frames with the last valid one, or with black
// when none has been seen. It is used under the pump's lock.
type substitutor struct {
	last *media.VideoFrame
}

// check returns the frame to deliver in place of f and whether it is a
// substitute. Ownership of f passes to check.
func (s *substitutor) check(f *media.VideoFrame, mode media.DisplayMode, format media.PixelFormat) (*media.VideoFrame, error) {
	err := CheckFrame(f)
	if err == nil {
		if s.last != nil {
			s.last.Release()
		}
		s.last = f.Retain()
		return f, nil
	}
	if f != nil {
		f.Release()
	}

	var sub *media.VideoFrame
	if s.last != nil {
		sub, _ = media.NewVideoFrame(s.last.Width, s.last.Height, s.last.Format, 0)
		if sub != nil {
			_ = sub.CopyFrom(s.last)
		}
	}
	if sub == nil {
		sub, _ = media.NewVideoFrame(mode.Width, mode.Height, format, 0)
		if sub == nil {
			return nil, err
		}
		media.FillBlack(sub)
	}
	sub.Flags |= media.FlagSubstituted
	return sub, err
}

func (s *substitutor) reset() {
	if s.last != nil {
		s.last.Release()
		s.last = nil
	}
}
