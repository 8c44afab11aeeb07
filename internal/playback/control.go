package playback

import (
	"context"
	"fmt"
	"math"

	"github.com/MrWong99/framesync/internal/channel"
	"github.com/MrWong99/framesync/pkg/timebase"
)

// BeginPreroll enters the preroll state. Frames may be scheduled before and
// during preroll; none is released until [Scheduler.Start]. With audio
// enabled, render requests start immediately.
func (s *Scheduler) BeginPreroll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("playback: preroll %q: %w", s.name, channel.ErrClosed)
	}
	if !s.videoOn {
		return fmt.Errorf("playback: preroll %q: %w", s.name, channel.ErrNotEnabled)
	}
	switch s.state {
	case channel.Prerolling:
		return nil
	case channel.Running, channel.Stopping:
		return fmt.Errorf("playback: preroll %q: %w", s.name, channel.ErrAlreadyRunning)
	}
	if s.reserved {
		return fmt.Errorf("playback: preroll %q: %w", s.name, channel.ErrAccessDenied)
	}
	s.state = channel.Prerolling
	if req, ok := s.renderRequestLocked(); ok {
		s.notify.pushRender(req)
	}
	return nil
}

// EndPreroll leaves the preroll state without starting. It is a no-op once
// playback is running.
func (s *Scheduler) EndPreroll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.videoOn {
		return fmt.Errorf("playback: end preroll %q: %w", s.name, channel.ErrNotEnabled)
	}
	if s.state == channel.Prerolling {
		s.state = channel.Configured
	}
	return nil
}

// Start begins playback. Stream time equals startTime (in scale) at the
// moment of the call and advances at speed times real time; a negative speed
// plays in reverse. On a grouped channel the start applies to the whole group.
func (s *Scheduler) Start(startTime, scale int64, speed float64) error {
	p := channel.StartParams{StartTime: startTime, Scale: scale, Speed: speed}

	s.mu.Lock()
	if g := s.group; g != nil {
		s.mu.Unlock()
		return g.GroupStart(context.Background(), s.name, p)
	}
	defer s.mu.Unlock()

	if err := s.checkStartLocked(p); err != nil {
		return err
	}
	s.startLocked(s.out.Clock().Ticks(), p)
	return nil
}

func (s *Scheduler) checkStartLocked(p channel.StartParams) error {
	switch {
	case s.closed:
		return fmt.Errorf("playback: start %q: %w", s.name, channel.ErrClosed)
	case p.Scale <= 0 || p.Speed == 0 || math.IsNaN(p.Speed) || math.IsInf(p.Speed, 0):
		return fmt.Errorf("playback: start %q at speed %v scale %d: %w", s.name, p.Speed, p.Scale, channel.ErrInvalidArgument)
	case !s.videoOn:
		return fmt.Errorf("playback: start %q: %w", s.name, channel.ErrNotEnabled)
	case s.state == channel.Running || s.state == channel.Stopping:
		return fmt.Errorf("playback: start %q: %w", s.name, channel.ErrAlreadyRunning)
	case s.reserved:
		return fmt.Errorf("playback: start %q: group start pending: %w", s.name, channel.ErrAccessDenied)
	}
	return nil
}

func (s *Scheduler) startLocked(anchor uint64, p channel.StartParams) {
	s.startTicks = anchor
	s.startTime = timebase.At(p.StartTime, p.Scale)
	s.speed = p.Speed
	s.audioPushed = 0
	s.held = nil
	s.stopAt = timebase.Time{}
	s.state = channel.Running
	s.breaker.Reset()
	s.metrics.ActiveChannels.Add(context.Background(), 1, s.attrs)
	s.log.Info("playback started",
		"start_time", s.startTime.String(), "speed", p.Speed, "buffered", s.queue.Len())
	s.wakeLocked()
}

// Stop ends playback. A zero stopAt stops immediately and flushes every
// buffered frame. Otherwise frames up to stopAt (in scale) keep playing and the
// rest are flushed once stream time reaches it. Stop returns the stream time
// at which playback ceases.
func (s *Scheduler) Stop(stopAt, scale int64) (timebase.Time, error) {
	p := channel.StopParams{StopAt: stopAt, Scale: scale}

	s.mu.Lock()
	if g := s.group; g != nil {
		s.mu.Unlock()
		return g.GroupStop(context.Background(), s.name, p)
	}
	defer s.mu.Unlock()
	return s.stopLocked(p)
}

func (s *Scheduler) stopLocked(p channel.StopParams) (timebase.Time, error) {
	if s.closed {
		return timebase.Time{}, fmt.Errorf("playback: stop %q: %w", s.name, channel.ErrClosed)
	}
	switch s.state {
	case channel.Running, channel.Stopping:
	case channel.Stopped:
		return timebase.Time{}, fmt.Errorf("playback: stop %q: %w", s.name, channel.ErrAlreadyStopped)
	default:
		return timebase.Time{}, fmt.Errorf("playback: stop %q: %w", s.name, channel.ErrNotRunning)
	}

	st := s.streamTimeLocked()
	if p.StopAt == 0 {
		s.finishLocked(channel.StopRequested)
		return st, nil
	}
	if p.Scale <= 0 {
		return timebase.Time{}, fmt.Errorf("playback: stop %q: scale %d: %w", s.name, p.Scale, channel.ErrInvalidArgument)
	}
	at := timebase.At(p.StopAt, p.Scale)
	if s.reachedLocked(st, at) {
		s.finishLocked(channel.StopRequested)
		return st, nil
	}
	s.stopAt = at
	s.state = channel.Stopping
	s.log.Info("playback stopping", "stop_at", at.String())
	s.wakeLocked()
	return at, nil
}

// StreamTime returns the current stream time in scale.
func (s *Scheduler) StreamTime(scale int64) (timebase.Time, error) {
	if scale <= 0 {
		return timebase.Time{}, fmt.Errorf("playback: stream time: scale %d: %w", scale, channel.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != channel.Running && s.state != channel.Stopping {
		return timebase.Time{}, fmt.Errorf("playback: stream time of %q: %w", s.name, channel.ErrNotRunning)
	}
	return s.streamTimeLocked().In(scale), nil
}

// StartedAt returns the clock reading playback was anchored to and the
// stream time at that instant. ok is false unless playback is running.
func (s *Scheduler) StartedAt() (anchor uint64, start timebase.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != channel.Running && s.state != channel.Stopping {
		return 0, timebase.Time{}, false
	}
	return s.startTicks, s.startTime, true
}

func (s *Scheduler) streamTimeLocked() timebase.Time {
	d := s.base.Elapsed(s.startTicks, s.startTime.Scale)
	if s.speed != 1 {
		d = int64(math.Round(float64(d) * s.speed))
	}
	return s.startTime.Add(d)
}

func (s *Scheduler) reachedLocked(st, at timebase.Time) bool {
	if s.speed < 0 {
		return timebase.Compare(st, at) <= 0
	}
	return timebase.Compare(st, at) >= 0
}

// ─── Sync group membership ───────────────────────────────────────────────────

// ChannelID returns the channel name.
func (s *Scheduler) ChannelID() string { return s.name }

// Direction returns [channel.Playback].
func (s *Scheduler) Direction() channel.Direction { return channel.Playback }

// Clock returns the device clock.
func (s *Scheduler) Clock() timebase.Clock { return s.out.Clock() }

// ReferenceLocked reports whether the device is locked to its reference.
func (s *Scheduler) ReferenceLocked() bool { return s.out.ReferenceLocked() }

// SetGroup routes subsequent Start and Stop calls through g. Nil restores
// direct control.
func (s *Scheduler) SetGroup(g channel.Grouper) {
	s.mu.Lock()
	s.group = g
	s.mu.Unlock()
}

// PrepareGroupStart validates a start and reserves the channel for it until
// [Scheduler.FireGroupStart] or [Scheduler.CancelGroupStart].
func (s *Scheduler) PrepareGroupStart(p channel.StartParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkStartLocked(p); err != nil {
		return err
	}
	s.reserved = true
	return nil
}

// CancelGroupStart releases a prepared start.
func (s *Scheduler) CancelGroupStart() {
	s.mu.Lock()
	s.reserved = false
	s.mu.Unlock()
}

// FireGroupStart starts playback anchored at the clock reading anchor.
func (s *Scheduler) FireGroupStart(anchor uint64, p channel.StartParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserved = false
	if err := s.checkStartLocked(p); err != nil {
		return err
	}
	s.startLocked(anchor, p)
	return nil
}

// GroupStop stops playback on behalf of the group.
func (s *Scheduler) GroupStop(p channel.StopParams) (timebase.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(p)
}

// GroupPause fails: playback channels cannot pause.
func (s *Scheduler) GroupPause() error {
	return fmt.Errorf("playback: pause %q: %w", s.name, channel.ErrUnsupported)
}
