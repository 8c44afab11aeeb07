package capture

import (
	"context"
	"fmt"

	"github.com/MrWong99/framesync/internal/channel"
	"github.com/MrWong99/framesync/internal/formatwatch"
	"github.com/MrWong99/framesync/pkg/media"
	"github.com/MrWong99/framesync/pkg/timebase"
)

// Start begins capture with capture time reset to zero. It is legal from the
// configured, paused and stopped states. On a grouped channel the start
// applies to the whole group.
func (p *Pump) Start() error {
	p.mu.Lock()
	if g := p.group; g != nil {
		p.mu.Unlock()
		return g.GroupStart(context.Background(), p.name, channel.StartParams{})
	}
	defer p.mu.Unlock()

	if err := p.checkStartLocked(); err != nil {
		return err
	}
	if err := p.openSessionLocked(); err != nil {
		return err
	}
	p.startLocked(p.src.Clock().Ticks())
	return nil
}

func (p *Pump) checkStartLocked() error {
	switch {
	case p.closed:
		return fmt.Errorf("capture: start %q: %w", p.name, channel.ErrClosed)
	case !p.videoOn:
		return fmt.Errorf("capture: start %q: %w", p.name, channel.ErrNotEnabled)
	case p.state == channel.Running:
		return fmt.Errorf("capture: start %q: %w", p.name, channel.ErrAlreadyRunning)
	case p.reserved:
		return fmt.Errorf("capture: start %q: group start pending: %w", p.name, channel.ErrAccessDenied)
	}
	return nil
}

func (p *Pump) startLocked(anchor uint64) {
	p.startTicks = anchor
	p.pausedTicks = 0
	p.pauseBegan = 0
	p.preopened = false
	p.watch.Prime(p.mode, p.format.ColorDepth())
	p.setStateLocked(channel.Running)
	p.log.Info("capture started", "mode", p.mode.Name)
}

// Pause toggles between running and paused. While paused the hardware keeps
// capturing but units are discarded, and the paused interval is not counted
// in capture time.
func (p *Pump) Pause() error {
	p.mu.Lock()
	if g := p.group; g != nil {
		p.mu.Unlock()
		return g.GroupPause(context.Background(), p.name)
	}
	defer p.mu.Unlock()
	return p.pauseLocked()
}

func (p *Pump) pauseLocked() error {
	if p.closed {
		return fmt.Errorf("capture: pause %q: %w", p.name, channel.ErrClosed)
	}
	now := p.src.Clock().Ticks()
	switch p.state {
	case channel.Running:
		p.pauseBegan = now
		p.setStateLocked(channel.Paused)
		p.log.Info("capture paused")
	case channel.Paused:
		if now > p.pauseBegan {
			p.pausedTicks += now - p.pauseBegan
		}
		p.setStateLocked(channel.Running)
		p.log.Info("capture resumed")
	default:
		return fmt.Errorf("capture: pause %q: %w", p.name, channel.ErrNotRunning)
	}
	return nil
}

// Stop ends the capture session and discards undelivered frames. Stopping a
// stopped pump fails with [channel.ErrAlreadyStopped] and changes nothing.
func (p *Pump) Stop() error {
	p.mu.Lock()
	if g := p.group; g != nil {
		p.mu.Unlock()
		_, err := g.GroupStop(context.Background(), p.name, channel.StopParams{})
		return err
	}
	defer p.mu.Unlock()
	return p.stopRequestLocked()
}

func (p *Pump) stopRequestLocked() error {
	switch {
	case p.closed:
		return fmt.Errorf("capture: stop %q: %w", p.name, channel.ErrClosed)
	case p.state == channel.Stopped:
		return fmt.Errorf("capture: stop %q: %w", p.name, channel.ErrAlreadyStopped)
	case p.state != channel.Running && p.state != channel.Paused:
		return fmt.Errorf("capture: stop %q: %w", p.name, channel.ErrNotRunning)
	}
	p.stopLocked(channel.StopRequested)
	return nil
}

func (p *Pump) stopLocked(reason channel.StopReason) {
	p.closeSessionLocked()
	p.flushLocked()
	p.setStateLocked(channel.Stopped)
	p.enqueueLocked(delivery{kind: deliverStopped, reason: reason})
	p.log.Info("capture stopped", "reason", reason.String())
}

// Flush discards every undelivered frame.
func (p *Pump) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.videoOn {
		return fmt.Errorf("capture: flush %q: %w", p.name, channel.ErrNotEnabled)
	}
	p.flushLocked()
	return nil
}

// StreamTime returns the current capture time in scale.
func (p *Pump) StreamTime(scale int64) (timebase.Time, error) {
	if scale <= 0 {
		return timebase.Time{}, fmt.Errorf("capture: stream time: scale %d: %w", scale, channel.ErrInvalidArgument)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var at uint64
	switch p.state {
	case channel.Running:
		at = p.src.Clock().Ticks()
	case channel.Paused:
		at = p.pauseBegan
	default:
		return timebase.Time{}, fmt.Errorf("capture: stream time of %q: %w", p.name, channel.ErrNotRunning)
	}
	return timebase.At(timebase.Convert(p.streamTicksLocked(at), p.src.Clock().Rate(), scale), scale), nil
}

func (p *Pump) streamTicksLocked(at uint64) int64 {
	origin := p.startTicks + p.pausedTicks
	if at <= origin {
		return 0
	}
	return int64(at - origin)
}

// FollowFormat reconfigures the input for the format described by ev: it
// pauses, enables video in the new mode, flushes and starts again. Capture
// time restarts at zero.
func (p *Pump) FollowFormat(ev formatwatch.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("capture: follow format on %q: %w", p.name, channel.ErrClosed)
	}
	if !p.videoOn {
		return fmt.Errorf("capture: follow format on %q: %w", p.name, channel.ErrNotEnabled)
	}
	if ev.Mode.IsZero() {
		return fmt.Errorf("capture: follow format on %q: %w", p.name, channel.ErrInvalidMode)
	}
	if p.state == channel.Running {
		if err := p.pauseLocked(); err != nil {
			return err
		}
	}
	if p.state != channel.Paused {
		return fmt.Errorf("capture: follow format on %q: %w", p.name, channel.ErrNotRunning)
	}

	format := followedFormat(p.format, ev.ColorDepth)
	if err := p.configureVideoLocked(ev.Mode, format, p.flags); err != nil {
		return err
	}
	p.closeSessionLocked()
	p.flushLocked()
	if err := p.openSessionLocked(); err != nil {
		p.stopLocked(channel.StopAborted)
		return err
	}
	p.startLocked(p.src.Clock().Ticks())
	p.log.Info("followed input format", "mode", ev.Mode.Name, "format", format.String())
	return nil
}

// followedFormat picks the capture format of the same family as cur for a
// signal of the given bit depth.
func followedFormat(cur media.PixelFormat, depth int) media.PixelFormat {
	if depth <= 0 {
		return cur
	}
	deep := depth >= 10
	switch cur {
	case media.Format8BitYUV, media.Format10BitYUV:
		if deep {
			return media.Format10BitYUV
		}
		return media.Format8BitYUV
	case media.Format8BitBGRA, media.Format8BitARGB:
		if deep {
			return media.Format10BitRGB
		}
	case media.Format10BitRGB, media.Format12BitRGB:
		if !deep {
			return media.Format8BitBGRA
		}
	}
	return cur
}

// ─── Sync group membership ───────────────────────────────────────────────────

// ChannelID returns the channel name.
func (p *Pump) ChannelID() string { return p.name }

// Direction returns [channel.Capture].
func (p *Pump) Direction() channel.Direction { return channel.Capture }

// Clock returns the device clock.
func (p *Pump) Clock() timebase.Clock { return p.src.Clock() }

// ReferenceLocked reports whether the device is locked to its reference.
func (p *Pump) ReferenceLocked() bool { return p.src.ReferenceLocked() }

// SetGroup routes subsequent Start, Stop and Pause calls through g. Nil
// restores direct control.
func (p *Pump) SetGroup(g channel.Grouper) {
	p.mu.Lock()
	p.group = g
	p.mu.Unlock()
}

// PrepareGroupStart validates a start and opens the hardware session so the
// start itself cannot fail.
func (p *Pump) PrepareGroupStart(channel.StartParams) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkStartLocked(); err != nil {
		return err
	}
	opened := !p.capturing
	if err := p.openSessionLocked(); err != nil {
		return err
	}
	p.preopened = opened
	p.reserved = true
	return nil
}

// CancelGroupStart undoes [Pump.PrepareGroupStart].
func (p *Pump) CancelGroupStart() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reserved = false
	if p.preopened {
		p.closeSessionLocked()
	}
}

// FireGroupStart starts capture anchored at the clock reading anchor.
func (p *Pump) FireGroupStart(anchor uint64, _ channel.StartParams) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reserved = false
	if err := p.checkStartLocked(); err != nil {
		return err
	}
	if err := p.openSessionLocked(); err != nil {
		return err
	}
	p.startLocked(anchor)
	return nil
}

// GroupStop stops capture on behalf of the group and returns the capture
// time at which it stopped.
func (p *Pump) GroupStop(channel.StopParams) (timebase.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var st timebase.Time
	if p.state == channel.Running || p.state == channel.Paused {
		at := p.src.Clock().Ticks()
		if p.state == channel.Paused {
			at = p.pauseBegan
		}
		st = timebase.At(timebase.Convert(p.streamTicksLocked(at), p.src.Clock().Rate(), p.scaleLocked()), p.scaleLocked())
	}
	return st, p.stopRequestLocked()
}

// GroupPause toggles pause on behalf of the group.
func (p *Pump) GroupPause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pauseLocked()
}
