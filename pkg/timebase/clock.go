package timebase

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultClockRate is the tick rate of emulated hardware clocks (27 MHz, the
// SDI reference clock).
const DefaultClockRate int64 = 27_000_000

// Clock is a device's monotonic hardware tick counter.
//
// Ticks must be safe for concurrent use and must never go backwards. Only
// differences between two readings are meaningful.
type Clock interface {
	// Ticks returns the current counter value.
	Ticks() uint64

	// Rate returns the number of ticks per second.
	Rate() int64
}

// Notifier is implemented by clocks that can signal when their counter moves.
// Changed returns a channel that is closed at the next change; callers must
// call Changed again after each wake-up to obtain a fresh channel.
type Notifier interface {
	Changed() <-chan struct{}
}

// Compile-time interface assertions.
var (
	_ Clock    = (*WallClock)(nil)
	_ Clock    = (*ManualClock)(nil)
	_ Notifier = (*ManualClock)(nil)
)

// WallClock derives ticks from the process's monotonic clock.
type WallClock struct {
	start time.Time
	rate  int64
}

// NewWallClock returns a WallClock ticking at rate ticks per second, starting
// at zero. A non-positive rate selects [DefaultClockRate].
func NewWallClock(rate int64) *WallClock {
	if rate <= 0 {
		rate = DefaultClockRate
	}
	return &WallClock{start: time.Now(), rate: rate}
}

// Ticks implements [Clock].
func (c *WallClock) Ticks() uint64 {
	ns := int64(time.Since(c.start))
	if ns < 0 {
		return 0
	}
	return uint64(Convert(ns, NanosecondScale, c.rate))
}

// Rate implements [Clock].
func (c *WallClock) Rate() int64 { return c.rate }

// ManualClock is a [Clock] advanced explicitly by its owner. Tests use it to
// drive schedulers deterministically.
type ManualClock struct {
	ticks atomic.Uint64
	rate  int64

	mu      sync.Mutex
	changed chan struct{}
}

// NewManualClock returns a ManualClock at zero ticking at rate ticks per
// second. A non-positive rate selects [DefaultClockRate].
func NewManualClock(rate int64) *ManualClock {
	if rate <= 0 {
		rate = DefaultClockRate
	}
	return &ManualClock{rate: rate, changed: make(chan struct{})}
}

// Ticks implements [Clock].
func (c *ManualClock) Ticks() uint64 { return c.ticks.Load() }

// Rate implements [Clock].
func (c *ManualClock) Rate() int64 { return c.rate }

// Changed implements [Notifier].
func (c *ManualClock) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// Advance moves the clock forward by n ticks and wakes all waiters.
func (c *ManualClock) Advance(n uint64) {
	c.ticks.Add(n)
	c.broadcast()
}

// AdvanceTime moves the clock forward by d, rounded down to whole ticks.
func (c *ManualClock) AdvanceTime(d time.Duration) {
	c.Advance(uint64(Convert(int64(d), NanosecondScale, c.rate)))
}

// Set moves the clock to v. Values below the current reading are ignored so
// the counter stays monotonic.
func (c *ManualClock) Set(v uint64) {
	for {
		cur := c.ticks.Load()
		if v <= cur {
			return
		}
		if c.ticks.CompareAndSwap(cur, v) {
			break
		}
	}
	c.broadcast()
}

func (c *ManualClock) broadcast() {
	c.mu.Lock()
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
}
