// Package channel holds the vocabulary shared by playback schedulers, capture
// pumps and the sync group manager: stream states, directions and the error
// taxonomy returned by control calls.
//
// Errors are sentinels matched with [errors.Is]. Operations wrap them with
// context, e.g. fmt.Errorf("playback: start %q: %w", name, ErrNotEnabled).
package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/framesync/pkg/timebase"
)

// Configuration errors.
var (
	// ErrNotEnabled is returned when an operation needs an enabled stream.
	ErrNotEnabled = timebase.ErrNotEnabled

	ErrInvalidMode     = errors.New("invalid display mode")
	ErrInvalidFormat   = errors.New("invalid pixel or sample format")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnsupported     = errors.New("unsupported by device")
)

// Resource exhaustion.
var ErrOutOfCapacity = errors.New("out of capacity")

// Access conflicts.
var (
	ErrAccessDenied   = errors.New("access denied")
	ErrAlreadyRunning = errors.New("already running")
	ErrAlreadyStopped = errors.New("already stopped")
	ErrNotRunning     = errors.New("not running")
)

// Group errors.
var (
	ErrNotLocked  = errors.New("not locked to reference")
	ErrNotGrouped = errors.New("not in a sync group")
)

// ErrClosed is returned by every call on a closed scheduler or pump.
var ErrClosed = errors.New("closed")

// State is the streaming state of one direction of a channel.
type State int

const (
	Idle State = iota
	Configured
	Prerolling
	Running
	Paused
	Stopping
	Stopped
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Configured:
		return "configured"
	case Prerolling:
		return "prerolling"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Streaming reports whether the hardware is in use by a started stream.
func (s State) Streaming() bool {
	return s == Running || s == Paused || s == Stopping
}

// Direction is capture or playback.
type Direction int

const (
	Playback Direction = iota + 1
	Capture
)

// String implements [fmt.Stringer].
func (d Direction) String() string {
	switch d {
	case Playback:
		return "playback"
	case Capture:
		return "capture"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// ParseDirection resolves "playback" or "capture".
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "playback":
		return Playback, nil
	case "capture":
		return Capture, nil
	default:
		return 0, fmt.Errorf("channel: unknown direction %q: %w", s, ErrInvalidArgument)
	}
}

// StopReason explains why a stream ended.
type StopReason int

const (
	// StopRequested is a normal stop issued by a control call.
	StopRequested StopReason = iota
	// StopAborted means the device failed and the stream was torn down.
	StopAborted
)

// String implements [fmt.Stringer].
func (r StopReason) String() string {
	if r == StopAborted {
		return "aborted"
	}
	return "requested"
}

// StartParams are the arguments of a playback start: logical zero at
// StartTime/Scale, advancing at Speed times real time. Capture starts ignore
// them.
type StartParams struct {
	StartTime int64
	Scale     int64
	Speed     float64
}

// StopParams are the arguments of a playback stop. A zero StopAt stops
// immediately.
type StopParams struct {
	StopAt int64
	Scale  int64
}

// Grouper coordinates a channel that belongs to a sync group. A grouped
// channel hands its start, stop and pause calls to the grouper, which applies
// them to every member of the group at one shared instant.
type Grouper interface {
	GroupStart(ctx context.Context, channelID string, p StartParams) error
	GroupStop(ctx context.Context, channelID string, p StopParams) (timebase.Time, error)
	GroupPause(ctx context.Context, channelID string) error
}
