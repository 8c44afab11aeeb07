package timebase

import (
	"errors"
	"sync"
)

// ErrNotEnabled is returned by [Base.Now] before the base has been enabled
// with a frame rate.
var ErrNotEnabled = errors.New("timebase: not enabled")

// Base binds a hardware [Clock] to the frame rate of one channel.
//
// All methods are safe for concurrent use and never block on the clock.
type Base struct {
	clock Clock

	mu       sync.RWMutex
	enabled  bool
	frameNum int64 // frames per second = frameNum / frameDen
	frameDen int64
}

// NewBase returns a disabled Base reading clock.
func NewBase(clock Clock) *Base {
	return &Base{clock: clock}
}

// Clock returns the underlying hardware clock.
func (b *Base) Clock() Clock { return b.clock }

// Enable sets the output frame rate to num/den frames per second.
func (b *Base) Enable(num, den int64) {
	if num <= 0 || den <= 0 {
		panic("timebase: frame rate must be positive")
	}
	b.mu.Lock()
	b.enabled = true
	b.frameNum, b.frameDen = num, den
	b.mu.Unlock()
}

// Disable makes subsequent [Base.Now] calls fail.
func (b *Base) Disable() {
	b.mu.Lock()
	b.enabled = false
	b.mu.Unlock()
}

// Enabled reports whether the base has a frame rate.
func (b *Base) Enabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.enabled
}

// Now returns the current hardware time converted to scale, the offset into
// the current output frame and the duration of one output frame, all in
// scale. Fractional frame durations (e.g. 1001/30000 s) are rounded down; the
// in-frame offset is exact.
func (b *Base) Now(scale int64) (hardwareTime, timeInFrame, ticksPerFrame int64, err error) {
	b.mu.RLock()
	enabled, num, den := b.enabled, b.frameNum, b.frameDen
	b.mu.RUnlock()
	if !enabled {
		return 0, 0, 0, ErrNotEnabled
	}

	ticks := int64(b.clock.Ticks() & (1<<63 - 1))
	rate := b.clock.Rate()

	hardwareTime = Convert(ticks, rate, scale)
	ticksPerFrame = mulDivFloor(den, scale, num)

	// Frame index = floor(ticks * num / (rate * den)); its start instant in
	// scale is floor(index * den * scale / num).
	index := mulDivFloor(mulDivFloor(ticks, num, rate), 1, den)
	start := mulDivFloor(index*den, scale, num)
	timeInFrame = hardwareTime - start
	if timeInFrame < 0 {
		timeInFrame = 0
	}
	return hardwareTime, timeInFrame, ticksPerFrame, nil
}

// Elapsed returns the time between the clock reading since and now, in scale.
func (b *Base) Elapsed(since uint64, scale int64) int64 {
	now := b.clock.Ticks()
	if now < since {
		return 0
	}
	return Convert(int64(now-since), b.clock.Rate(), scale)
}
