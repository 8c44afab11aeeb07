package timebase

// Accumulator rescales a running sum of increments from one scale to another
// without cumulative rounding drift.
//
// Each call to [Accumulator.Add] converts the exact running total rather than
// the increment, so the converted value after any number of additions differs
// from the exact rational result by less than one tick of the target scale.
//
// The zero value is not usable; construct with [NewAccumulator].
// An Accumulator is not safe for concurrent use.
type Accumulator struct {
	from, to int64
	total    int64 // exact running total in the source scale
	emitted  int64 // converted total already reported
}

// NewAccumulator returns an Accumulator converting from fromScale to toScale.
func NewAccumulator(fromScale, toScale int64) *Accumulator {
	if fromScale <= 0 || toScale <= 0 {
		panic("timebase: accumulator scales must be positive")
	}
	return &Accumulator{from: fromScale, to: toScale}
}

// Add records delta source ticks and returns the number of target ticks that
// became due because of it. The sum of all returned values always equals
// Convert(total, from, to).
func (a *Accumulator) Add(delta int64) int64 {
	a.total += delta
	now := Convert(a.total, a.from, a.to)
	step := now - a.emitted
	a.emitted = now
	return step
}

// Total returns the exact running total in the source scale.
func (a *Accumulator) Total() int64 { return a.total }

// Converted returns the running total converted to the target scale.
func (a *Accumulator) Converted() int64 { return a.emitted }

// Reset clears the running total.
func (a *Accumulator) Reset() {
	a.total = 0
	a.emitted = 0
}
