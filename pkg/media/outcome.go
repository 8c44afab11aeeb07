package media

import "fmt"

// Outcome is the terminal disposition of a scheduled unit. Every submitted
// unit is reported with exactly one outcome.
type Outcome int

const (
	// Completed means the unit was presented for its full slot on time.
	Completed Outcome = iota
	// DisplayedLate means the unit was presented after its display time.
	DisplayedLate
	// Dropped means a later unit became due before this one was presented.
	Dropped
	// Flushed means the unit was discarded by a stop or flush.
	Flushed
)

// String implements [fmt.Stringer].
func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case DisplayedLate:
		return "displayed-late"
	case Dropped:
		return "dropped"
	case Flushed:
		return "flushed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}
