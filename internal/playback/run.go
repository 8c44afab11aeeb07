package playback

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/framesync/internal/channel"
	"github.com/MrWong99/framesync/internal/pool"
	"github.com/MrWong99/framesync/internal/resilience"
	"github.com/MrWong99/framesync/pkg/device"
	"github.com/MrWong99/framesync/pkg/media"
	"github.com/MrWong99/framesync/pkg/timebase"
)

// run is the dispatch goroutine.
func (s *Scheduler) run() {
	defer close(s.loopDone)

	poll := time.NewTicker(s.pollInterval)
	defer poll.Stop()
	render := time.NewTicker(s.renderInterval)
	defer render.Stop()

	edges, _ := s.out.Clock().(timebase.Notifier)
	for {
		// Subscribe before servicing so an edge during service is not lost.
		var edge <-chan struct{}
		if edges != nil {
			edge = edges.Changed()
		}

		s.mu.Lock()
		s.serviceLocked()
		s.mu.Unlock()

		select {
		case <-s.done:
			return
		case <-s.wake:
		case <-edge:
		case <-poll.C:
		case <-render.C:
			s.mu.Lock()
			if req, ok := s.renderRequestLocked(); ok {
				s.notify.pushRender(req)
			}
			s.mu.Unlock()
		}
	}
}

func (s *Scheduler) order() pool.Order {
	if s.speed < 0 {
		return pool.Reverse
	}
	return pool.Forward
}

// serviceLocked releases every frame due at the current stream time, feeds
// audio and completes a pending stop.
func (s *Scheduler) serviceLocked() {
	if s.state != channel.Running && s.state != channel.Stopping {
		return
	}
	st := s.streamTimeLocked()
	stopping := s.state == channel.Stopping && s.reachedLocked(st, s.stopAt)
	if stopping {
		// Frames beyond the stop instant stay queued and are flushed below.
		st = s.stopAt
	}

	if due := s.queue.PopDue(st, s.order()); len(due) > 0 {
		s.releaseLocked(due, st)
		if s.state == channel.Stopped {
			return
		}
	}
	s.pushAudioLocked(st)
	if stopping {
		s.finishLocked(channel.StopRequested)
	}
}

// releaseLocked applies the late-frame rule to due, which is in playback
// order. Only the last unit occupies st; an earlier unit is superseded when the
// next one starts before its slot ends and is dropped without display.
func (s *Scheduler) releaseLocked(due []pool.Unit, st timebase.Time) {
	for i, u := range due {
		last := i == len(due)-1
		if !last && s.supersededLocked(u, due[i+1]) {
			s.completeLocked(u, media.Dropped)
			continue
		}

		outcome := media.DisplayedLate
		if last && u.Contains(st) {
			outcome = media.Completed
		}
		if err := s.presentLocked(u); err != nil {
			if s.terminal(err) {
				for _, r := range due[i:] {
					s.completeLocked(r, media.Flushed)
				}
				s.log.Error("device failed, aborting playback", "err", err)
				s.finishLocked(channel.StopAborted)
				return
			}
			s.log.Warn("frame presentation failed", "display_time", u.Time.String(), "err", err)
			s.completeLocked(u, media.Dropped)
			continue
		}
		s.completeLocked(u, outcome)
	}
}

func (s *Scheduler) supersededLocked(u, next pool.Unit) bool {
	if s.speed < 0 {
		return timebase.Compare(next.End(), u.Time) >= 0
	}
	return timebase.Compare(next.Time, u.End()) <= 0
}

func (s *Scheduler) terminal(err error) bool {
	return errors.Is(err, resilience.ErrCircuitOpen) ||
		errors.Is(err, device.ErrRemoved) ||
		s.breaker.State() == resilience.StateOpen
}

func (s *Scheduler) presentLocked(u pool.Unit) error {
	start := time.Now()
	err := s.breaker.Execute(func() error { return s.out.PresentFrame(u.Frame) })
	s.metrics.PresentDuration.Record(context.Background(), time.Since(start).Seconds(), s.attrs)
	return err
}

func (s *Scheduler) completeLocked(u pool.Unit, o media.Outcome) {
	ctx := context.Background()
	s.metrics.RecordCompletion(ctx, s.name, o.String())
	s.metrics.BufferedFrames.Add(ctx, -1, s.attrs)
	if o == media.DisplayedLate || o == media.Dropped {
		s.log.Debug("late frame", "display_time", u.Time.String(), "outcome", o.String())
	}
	s.notify.push(event{
		kind: eventCompleted,
		completion: Completion{
			Frame:       u.Frame,
			DisplayTime: u.Time,
			Duration:    u.Duration,
			Outcome:     o,
		},
	})
}

func (s *Scheduler) flushLocked() {
	for _, u := range s.queue.Flush() {
		s.completeLocked(u, media.Flushed)
	}
}

// finishLocked flushes everything and enters Stopped.
func (s *Scheduler) finishLocked(reason channel.StopReason) {
	s.flushLocked()
	if s.audio != nil {
		s.audio.Flush()
	}
	s.held = nil
	if s.state == channel.Running || s.state == channel.Stopping {
		s.metrics.ActiveChannels.Add(context.Background(), -1, s.attrs)
	}
	s.state = channel.Stopped
	s.stopAt = timebase.Time{}
	s.notify.push(event{kind: eventStopped, reason: reason})
	s.log.Info("playback stopped", "reason", reason.String())
}

// pushAudioLocked moves due audio to the device. Audio the device refuses is
// held and offered again before anything new is taken. Off-speed playback
// discards audio at the rate it would have played.
func (s *Scheduler) pushAudioLocked(st timebase.Time) {
	if s.audio == nil || !s.pushHeldLocked() {
		return
	}
	if s.audioMode == AudioTimestamped {
		due, late := s.audio.TakeDue(st)
		if late > 0 {
			s.log.Debug("late audio discarded", "sample_frames", late)
		}
		if s.speed != 1 {
			return
		}
		s.held = append(s.held, due...)
		s.pushHeldLocked()
		return
	}

	// Continuous audio runs one render interval ahead of the clock. Time that
	// passed without audio reaching the device is skipped, not made up.
	rate := s.audio.Format().SampleRate
	elapsed := s.base.Elapsed(s.startTicks, rate)
	if gap := elapsed - s.audioPushed; gap > 0 {
		if s.audioPushed > 0 {
			s.log.Debug("audio underrun", "skipped_sample_frames", gap)
		}
		s.audioPushed = elapsed
	}
	lead := timebase.Convert(int64(s.renderInterval), timebase.NanosecondScale, rate)
	want := elapsed + lead - s.audioPushed
	if want <= 0 {
		return
	}
	samples, n := s.audio.Take(int(want))
	if n == 0 {
		return
	}
	if s.speed != 1 {
		s.audioPushed += int64(n)
		return
	}
	s.held = append(s.held, media.ContinuousBlock(samples, n))
	s.pushHeldLocked()
}

// pushHeldLocked offers held audio to the device in order. It reports whether
// the device took all of it. A block the device fails on is discarded.
func (s *Scheduler) pushHeldLocked() bool {
	fb := s.audio.Format().FrameBytes()
	for len(s.held) > 0 {
		b := s.held[0]
		accepted, err := s.out.PushAudio(b.Samples, b.SampleFrames)
		accepted = max(0, min(accepted, b.SampleFrames))
		if accepted > 0 {
			s.audioPushed += int64(accepted)
			s.metrics.AudioSampleFrames.Add(context.Background(), int64(accepted), s.attrs)
		}
		switch {
		case err != nil:
			s.log.Warn("audio push failed", "sample_frames", b.SampleFrames-accepted, "err", err)
		case accepted < b.SampleFrames:
			s.held[0] = b.Slice(accepted, b.SampleFrames, fb)
			return false
		}
		s.held[0] = media.AudioBlock{}
		s.held = s.held[1:]
	}
	s.held = nil
	return true
}

// heldFramesLocked returns the sample frames waiting for the device.
func (s *Scheduler) heldFramesLocked() int {
	n := 0
	for _, b := range s.held {
		n += b.SampleFrames
	}
	return n
}

// renderRequestLocked computes the audio needed to match queued video. ok is
// false when no request is due.
func (s *Scheduler) renderRequestLocked() (RenderRequest, bool) {
	if s.audio == nil || s.closed {
		return RenderRequest{}, false
	}
	preroll := s.state == channel.Prerolling
	if !preroll && s.state != channel.Running {
		return RenderRequest{}, false
	}

	req := RenderRequest{
		Preroll:       preroll,
		VideoBuffered: s.queue.Len(),
		AudioBuffered: s.audio.Buffered(),
	}
	rate := s.audio.Format().SampleRate

	var ahead int64
	if first, end, ok := s.queue.Span(); ok {
		from := first
		if !preroll && s.speed > 0 {
			if st := s.streamTimeLocked(); timebase.Compare(st, from) > 0 {
				from = st
			}
		}
		ahead = end.In(rate).Value - from.In(rate).Value
	} else if !preroll {
		// Nothing queued: keep two render periods of audio in hand.
		ahead = timebase.Convert(int64(2*s.renderInterval), timebase.NanosecondScale, rate)
	}

	need := ahead - int64(req.AudioBuffered)
	room := int64(s.audio.Capacity() - req.AudioBuffered)
	req.Target = int(max(0, min(need, room)))
	return req, true
}
