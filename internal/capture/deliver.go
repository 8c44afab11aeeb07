package capture

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/framesync/internal/channel"
	"github.com/MrWong99/framesync/pkg/device"
	"github.com/MrWong99/framesync/pkg/media"
	"github.com/MrWong99/framesync/pkg/timebase"
)

// onCapture is the device sink. It never blocks on the handler.
func (p *Pump) onCapture(raw device.RawCapture) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// A unit stamped before the current start belongs to a session that
	// was stopped while the device was still delivering it.
	stale := raw.Err == nil && raw.Ticks != 0 && raw.Ticks < p.startTicks
	if p.closed || !p.capturing || p.state != channel.Running || stale {
		if raw.Frame != nil {
			raw.Frame.Release()
		}
		return
	}
	if raw.Err != nil {
		if raw.Frame != nil {
			raw.Frame.Release()
		}
		if errors.Is(raw.Err, device.ErrRemoved) {
			p.log.Error("input device failed, aborting capture", "err", raw.Err)
			p.stopLocked(channel.StopAborted)
			return
		}
		p.log.Warn("capture error", "err", raw.Err)
		return
	}

	if p.flags&FlagFormatDetection != 0 {
		if ev, ok := p.watch.Observe(raw.Signal); ok {
			p.metrics.RecordFormatChange(context.Background(), p.name)
			p.log.Info("input format changed", "mode", ev.Mode.Name, "changed", ev.Changed.String())
			p.enqueueLocked(delivery{kind: deliverFormat, format: ev})
		}
	}

	d := delivery{kind: deliverFrame, label: "audio"}
	if raw.Frame != nil {
		frame, label := p.acceptFrameLocked(raw)
		if frame != nil {
			scale := p.scaleLocked()
			p.seq++
			d.label = label
			d.frame = &media.CaptureFrame{
				Frame:         frame,
				StreamTime:    timebase.At(timebase.Convert(p.streamTicksLocked(raw.Ticks), p.src.Clock().Rate(), scale), scale),
				Duration:      p.mode.Rate.FrameDuration(scale),
				HardwareTicks: raw.Ticks,
				Seq:           p.seq,
			}
		}
	}
	if raw.AudioPresent && p.audio != nil && raw.AudioFrames > 0 {
		at := raw.AudioTicks
		if at == 0 {
			at = raw.Ticks
		}
		rate := p.audio.SampleRate
		d.audio = &media.AudioPacket{
			Samples:      raw.Audio,
			SampleFrames: raw.AudioFrames,
			PacketTime:   timebase.At(timebase.Convert(p.streamTicksLocked(at), p.src.Clock().Rate(), rate), rate),
		}
	}
	if d.frame == nil && d.audio == nil {
		return
	}
	p.enqueueLocked(d)
}

// acceptFrameLocked applies no-signal and validation handling to a captured
// frame and returns the frame to deliver with its delivery kind.
func (p *Pump) acceptFrameLocked(raw device.RawCapture) (*media.VideoFrame, string) {
	f := raw.Frame
	if !raw.Signal.Present {
		media.FillBlack(f)
		f.Flags |= media.FlagNoInputSource
		return f, "no_signal"
	}
	if !p.validate {
		return f, "video"
	}
	out, err := p.subst.check(f, p.mode, p.format)
	if err != nil {
		p.log.Warn("captured frame replaced", "err", err)
		return out, "substituted"
	}
	return out, "video"
}

func (p *Pump) scaleLocked() int64 {
	if p.timeScale > 0 {
		return p.timeScale
	}
	return p.mode.Rate.Num
}

// enqueueLocked appends d to the backlog. A full backlog loses its oldest
// frame.
func (p *Pump) enqueueLocked(d delivery) {
	if d.kind == deliverFrame && d.frame != nil && p.queuedFrames >= p.bufferFrames {
		for i, old := range p.queue {
			if old.kind != deliverFrame || old.frame == nil {
				continue
			}
			old.frame.Frame.Release()
			if old.audio != nil {
				// Keep the audio, it has no replacement.
				p.queue[i].frame = nil
				p.queue[i].label = "audio"
			} else {
				p.queue = append(p.queue[:i], p.queue[i+1:]...)
			}
			p.queuedFrames--
			p.overruns++
			p.metrics.RecordOverrun(context.Background(), p.name, 1)
			p.log.Debug("capture backlog overrun", "seq", old.frame.Seq)
			break
		}
	}
	if d.frame != nil {
		p.queuedFrames++
	}
	p.queue = append(p.queue, d)
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// flushLocked releases every queued frame. Format and stop events stay.
func (p *Pump) flushLocked() {
	kept := p.queue[:0]
	for _, d := range p.queue {
		if d.kind == deliverFrame {
			if d.frame != nil {
				d.frame.Frame.Release()
			}
			continue
		}
		kept = append(kept, d)
	}
	clear(p.queue[len(kept):])
	p.queue = kept
	p.queuedFrames = 0
}

// deliverLoop runs handler callbacks one at a time, in capture order.
func (p *Pump) deliverLoop() {
	for {
		select {
		case <-p.signal:
			p.drain()
		case <-p.done:
			p.drain()
			return
		}
	}
}

func (p *Pump) drain() {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		d := p.queue[0]
		p.queue[0] = delivery{}
		p.queue = p.queue[1:]
		if d.frame != nil {
			p.queuedFrames--
		}
		p.mu.Unlock()
		p.deliver(d)
	}
}

func (p *Pump) deliver(d delivery) {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()
	h := p.handler
	ctx := context.Background()

	switch d.kind {
	case deliverFrame:
		if h != nil {
			start := time.Now()
			h.FrameArrived(d.frame, d.audio)
			p.metrics.CallbackDuration.Record(ctx, time.Since(start).Seconds(), p.attrs)
		}
		p.metrics.RecordDelivery(ctx, p.name, d.label)
		if d.frame != nil {
			d.frame.Frame.Release()
		}
	case deliverFormat:
		if h != nil {
			h.FormatChanged(d.format)
		}
	case deliverStopped:
		if h != nil {
			h.InputStopped(d.reason)
		}
	}
}
