// Package pool implements the bounded buffers behind a playback scheduler:
// a display-time ordered [VideoQueue] of scheduled frames and an
// [AudioBuffer] of pending sample frames.
//
// A VideoQueue is owned exclusively by one scheduler and is not safe for
// concurrent use; the scheduler serialises access under its own lock. An
// AudioBuffer is safe for concurrent use because producers may block in
// [AudioBuffer.Write] while the scheduler drains it.
package pool

import (
	"fmt"
	"slices"
	"sort"

	"github.com/MrWong99/framesync/internal/channel"
	"github.com/MrWong99/framesync/pkg/media"
	"github.com/MrWong99/framesync/pkg/timebase"
)

// DefaultVideoCapacity is the number of frames a [VideoQueue] holds when no
// capacity is configured.
const DefaultVideoCapacity = 32

// Order selects the end of the queue that is due first.
type Order int

const (
	// Forward plays units in ascending display time.
	Forward Order = iota
	// Reverse plays units in descending display time.
	Reverse
)

// Unit is a scheduled frame and its display slot.
type Unit struct {
	Frame    *media.VideoFrame
	Time     timebase.Time
	Duration int64 // in Time.Scale
	Seq      uint64
}

// End returns the end of the unit's display slot.
func (u Unit) End() timebase.Time { return u.Time.Add(u.Duration) }

// Contains reports whether t falls inside the unit's display slot.
func (u Unit) Contains(t timebase.Time) bool {
	return timebase.Compare(u.Time, t) <= 0 && timebase.Compare(t, u.End()) < 0
}

// VideoQueue holds scheduled frames ordered by (display time, submission
// sequence). Times in different scales are ordered exactly.
type VideoQueue struct {
	capacity int
	units    []Unit
	seq      uint64
}

// NewVideoQueue returns an empty queue holding at most capacity frames. A
// non-positive capacity selects [DefaultVideoCapacity].
func NewVideoQueue(capacity int) *VideoQueue {
	if capacity <= 0 {
		capacity = DefaultVideoCapacity
	}
	return &VideoQueue{capacity: capacity, units: make([]Unit, 0, capacity)}
}

// Push inserts a frame at its display-time position. It fails with
// [channel.ErrOutOfCapacity] when the queue is full.
func (q *VideoQueue) Push(frame *media.VideoFrame, t timebase.Time, duration int64) (Unit, error) {
	if !t.Valid() || duration < 0 {
		return Unit{}, fmt.Errorf("pool: push at %v for %d: %w", t, duration, channel.ErrInvalidArgument)
	}
	if len(q.units) >= q.capacity {
		return Unit{}, channel.ErrOutOfCapacity
	}
	q.seq++
	u := Unit{Frame: frame, Time: t, Duration: duration, Seq: q.seq}
	// Equal times keep submission order: insert after the last equal unit.
	i := sort.Search(len(q.units), func(i int) bool {
		return timebase.Compare(q.units[i].Time, t) > 0
	})
	q.units = slices.Insert(q.units, i, u)
	return u, nil
}

// Len returns the number of buffered frames.
func (q *VideoQueue) Len() int { return len(q.units) }

// Cap returns the queue capacity.
func (q *VideoQueue) Cap() int { return q.capacity }

// SetCapacity changes the capacity. Frames already buffered beyond a smaller
// capacity stay queued; new pushes fail until the queue drains below it.
func (q *VideoQueue) SetCapacity(n int) {
	if n > 0 {
		q.capacity = n
	}
}

// Due reports whether u has become due at stream time st.
func Due(u Unit, st timebase.Time, order Order) bool {
	if order == Reverse {
		return timebase.Compare(u.End(), st) > 0
	}
	return timebase.Compare(u.Time, st) <= 0
}

// PopDue removes and returns every unit that has become due at st, in
// playback order.
func (q *VideoQueue) PopDue(st timebase.Time, order Order) []Unit {
	var due []Unit
	if order == Reverse {
		for len(q.units) > 0 && Due(q.units[len(q.units)-1], st, Reverse) {
			last := len(q.units) - 1
			due = append(due, q.units[last])
			q.units[last] = Unit{}
			q.units = q.units[:last]
		}
		return due
	}
	n := 0
	for n < len(q.units) && Due(q.units[n], st, Forward) {
		n++
	}
	if n == 0 {
		return nil
	}
	due = make([]Unit, n)
	copy(due, q.units[:n])
	m := copy(q.units, q.units[n:])
	clear(q.units[m:])
	q.units = q.units[:m]
	return due
}

// Flush removes and returns every buffered unit in ascending display order.
func (q *VideoQueue) Flush() []Unit {
	out := make([]Unit, len(q.units))
	copy(out, q.units)
	clear(q.units)
	q.units = q.units[:0]
	return out
}

// Span returns the earliest display time and the latest slot end among the
// buffered units.
func (q *VideoQueue) Span() (first, end timebase.Time, ok bool) {
	if len(q.units) == 0 {
		return timebase.Time{}, timebase.Time{}, false
	}
	first = q.units[0].Time
	end = q.units[0].End()
	for _, u := range q.units[1:] {
		if timebase.Compare(u.End(), end) > 0 {
			end = u.End()
		}
	}
	return first, end, true
}
