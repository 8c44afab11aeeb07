// Package timebase provides exact rational time arithmetic and the hardware
// clock abstraction used by framesync schedulers.
//
// A [Time] is a tick count in a caller-chosen scale (ticks per second). Two
// times may only be compared after an explicit conversion or through
// [Compare], which cross-multiplies in 128-bit precision so that no rounding
// ever enters an ordering decision.
//
// Hardware time comes from a [Clock]: a monotonic counter whose absolute value
// is meaningless; only differences between two readings carry information.
// A [Base] binds a clock to a channel's frame rate and answers "what time is it
// in my scale" queries without blocking.
package timebase

import (
	"cmp"
	"fmt"
	"math"
	"math/big"
	"math/bits"
	"time"
)

// NanosecondScale is the scale of [time.Duration] values.
const NanosecondScale int64 = int64(time.Second)

// Time is a rational time value: Value ticks of 1/Scale seconds each.
type Time struct {
	Value int64
	Scale int64
}

// At returns the time value v in scale.
func At(v, scale int64) Time {
	return Time{Value: v, Scale: scale}
}

// Valid reports whether t has a positive scale.
func (t Time) Valid() bool { return t.Scale > 0 }

// IsZero reports whether t is the zero time value, independent of scale.
func (t Time) IsZero() bool { return t.Value == 0 }

// In converts t to scale, rounding toward negative infinity.
func (t Time) In(scale int64) Time {
	if t.Scale == scale {
		return t
	}
	return Time{Value: Convert(t.Value, t.Scale, scale), Scale: scale}
}

// Add returns t + d, where d is expressed in t's scale.
func (t Time) Add(d int64) Time {
	return Time{Value: t.Value + d, Scale: t.Scale}
}

// Duration converts t to a [time.Duration].
func (t Time) Duration() time.Duration {
	return time.Duration(Convert(t.Value, t.Scale, NanosecondScale))
}

// String renders t as "value/scale".
func (t Time) String() string {
	return fmt.Sprintf("%d/%d", t.Value, t.Scale)
}

// Convert rescales value from fromScale to toScale exactly, rounding toward
// negative infinity: value' = floor(value * toScale / fromScale).
//
// Both scales must be positive. The intermediate product is computed in 128
// bits; results that do not fit in an int64 saturate.
func Convert(value, fromScale, toScale int64) int64 {
	if fromScale <= 0 || toScale <= 0 {
		panic(fmt.Sprintf("timebase: non-positive scale %d -> %d", fromScale, toScale))
	}
	if fromScale == toScale {
		return value
	}
	return mulDivFloor(value, toScale, fromScale)
}

// Compare returns -1, 0 or +1 depending on whether a is before, equal to or
// after b. The comparison is exact across scales.
func Compare(a, b Time) int {
	if a.Scale == b.Scale {
		return cmp.Compare(a.Value, b.Value)
	}
	return mul128(a.Value, b.Scale).cmp(mul128(b.Value, a.Scale))
}

// mulDivFloor computes floor(v*num/den) for num >= 0, den > 0.
func mulDivFloor(v, num, den int64) int64 {
	neg := v < 0
	uv := uint64(v)
	if neg {
		uv = uint64(-v) // two's complement also yields |MinInt64| correctly
	}
	hi, lo := bits.Mul64(uv, uint64(num))
	if hi >= uint64(den) {
		return bigMulDivFloor(v, num, den)
	}
	q, r := bits.Div64(hi, lo, uint64(den))
	if neg {
		if r != 0 {
			q++
		}
		if q > 1<<63 {
			return math.MinInt64
		}
		return -int64(q)
	}
	if q > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(q)
}

func bigMulDivFloor(v, num, den int64) int64 {
	x := new(big.Int).Mul(big.NewInt(v), big.NewInt(num))
	// Div is Euclidean; with a positive divisor that is floor division.
	x.Div(x, big.NewInt(den))
	if !x.IsInt64() {
		if x.Sign() < 0 {
			return math.MinInt64
		}
		return math.MaxInt64
	}
	return x.Int64()
}

// int128 is a two's complement 128-bit integer used for exact comparisons.
type int128 struct {
	hi int64
	lo uint64
}

func mul128(x, y int64) int128 {
	neg := (x < 0) != (y < 0)
	hi, lo := bits.Mul64(abs64(x), abs64(y))
	if neg {
		lo = ^lo + 1
		hi = ^hi
		if lo == 0 {
			hi++
		}
	}
	return int128{hi: int64(hi), lo: lo}
}

func (a int128) cmp(b int128) int {
	if a.hi != b.hi {
		return cmp.Compare(a.hi, b.hi)
	}
	return cmp.Compare(a.lo, b.lo)
}

func abs64(x int64) uint64 {
	if x < 0 {
		return uint64(-x)
	}
	return uint64(x)
}
