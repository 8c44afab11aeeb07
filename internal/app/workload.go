package app

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/framesync/internal/channel"
	"github.com/MrWong99/framesync/internal/playback"
	"github.com/MrWong99/framesync/pkg/media"
	"github.com/MrWong99/framesync/pkg/timebase"
)

// producer drives a playback channel. Its callbacks run on the scheduler's
// notification goroutine.
type producer interface {
	// prime fills the channel before a start.
	prime() error
	frameCompleted(c playback.Completion)
	renderAudio(r playback.RenderRequest)
	close()
}

// patternRing is the number of distinct pattern frames a source cycles
// through.
const patternRing = 8

// defaultPatternDepth is the buffer depth a pattern source keeps.
const defaultPatternDepth = 8

// patternSource keeps a playback channel's buffer at a target depth with
// scrolling color bars and answers render requests with silence.
type patternSource struct {
	ch     *Channel
	target int

	mu      sync.Mutex
	frames  []*media.VideoFrame
	next    int64 // index of the next frame to schedule
	audioAt int64 // sample frames scheduled, timestamped audio only
	silence []byte
	closed  bool
}

func newPatternSource(ch *Channel, depth int) (*patternSource, error) {
	mode, format := ch.Mode()
	p := &patternSource{ch: ch, target: max(1, min(depth, defaultPatternDepth))}
	for i := range patternRing {
		f, err := media.NewVideoFrame(mode.Width, mode.Height, format, 0)
		if err != nil {
			p.close()
			return nil, fmt.Errorf("app: pattern for %q: %w", ch.name, err)
		}
		media.FillBars(f, i*4)
		p.frames = append(p.frames, f)
	}
	return p, nil
}

// prime schedules the first frames from stream time zero. A buffer left over
// from an earlier prime is topped up instead.
func (p *patternSource) prime() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	if p.ch.sched.BufferedFrameCount() == 0 {
		p.next = 0
		p.audioAt = 0
	}
	if err := p.fillLocked(); err != nil {
		return err
	}
	if p.ch.audio != nil {
		return p.ch.sched.BeginPreroll()
	}
	return nil
}

func (p *patternSource) fillLocked() error {
	scale := p.ch.Scale()
	mode, _ := p.ch.Mode()
	dur := mode.Rate.FrameDuration(scale)
	for p.ch.sched.BufferedFrameCount() < p.target {
		f := p.frames[p.next%int64(len(p.frames))]
		if err := p.ch.sched.ScheduleFrame(f, p.next*dur, dur, scale); err != nil {
			if errors.Is(err, channel.ErrOutOfCapacity) {
				return nil
			}
			return err
		}
		p.next++
	}
	return nil
}

func (p *patternSource) frameCompleted(playback.Completion) {
	if p.ch.sched.State() != channel.Running {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	// Skip frames whose slot already passed.
	scale := p.ch.Scale()
	mode, _ := p.ch.Mode()
	if st, err := p.ch.sched.StreamTime(scale); err == nil {
		if cur := st.Value/mode.Rate.FrameDuration(scale) + 1; p.next < cur {
			p.next = cur
		}
	}
	if err := p.fillLocked(); err != nil {
		p.ch.log.Warn("pattern: schedule failed", "err", err)
	}
}

func (p *patternSource) renderAudio(r playback.RenderRequest) {
	format := p.ch.audio
	if format == nil || r.Target <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	need := r.Target * format.FrameBytes()
	if len(p.silence) < need {
		p.silence = make([]byte, need)
	}
	block := media.ContinuousBlock(p.silence[:need], r.Target)
	if p.ch.audioMode == playback.AudioTimestamped {
		block = media.TimedBlock(p.silence[:need], r.Target, timebase.At(p.audioAt, format.SampleRate))
	}
	n, err := p.ch.sched.ScheduleAudio(block)
	p.audioAt += int64(n)
	if err != nil {
		p.ch.log.Debug("pattern: audio not accepted", "err", err)
	}
}

func (p *patternSource) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, f := range p.frames {
		f.Release()
	}
	p.frames = nil
}

// bridge plays what a capture channel receives on a playback channel, a
// fixed number of frames later.
type bridge struct {
	out   *Channel
	src   *Channel
	delay int

	mu     sync.Mutex
	conv   *media.AudioConverter
	synced bool
	anchor uint64 // playback start the offset belongs to
	offset int64  // playback time minus capture time, in the output scale
	last   int64  // last capture time seen, in the output scale
	closed bool
}

func newBridge(out, src *Channel, delay int) *bridge {
	b := &bridge{out: out, src: src, delay: max(delay, 1)}
	src.addBridge(b)
	return b
}

// prime makes sure the source is capturing.
func (b *bridge) prime() error {
	b.mu.Lock()
	b.synced = false
	b.mu.Unlock()

	switch b.src.State() {
	case channel.Running:
		return nil
	case channel.Paused:
		return b.src.pause()
	default:
		return b.src.start()
	}
}

// deliver schedules one captured unit. Units arriving while the output is not
// playing are dropped.
func (b *bridge) deliver(f *media.CaptureFrame, a *media.AudioPacket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	anchor, _, ok := b.out.sched.StartedAt()
	if !ok {
		b.synced = false
		return
	}

	scale := b.out.Scale()
	mode, format := b.out.Mode()
	dur := mode.Rate.FrameDuration(scale)

	var at int64
	switch {
	case f != nil:
		at = f.StreamTime.In(scale).Value
	case a != nil:
		at = a.PacketTime.In(scale).Value
	default:
		return
	}
	// Capture time restarts from zero after a capture restart or a format
	// change; so does a restarted output. Either way the offset is rebuilt.
	if !b.synced || anchor != b.anchor || at < b.last {
		st, err := b.out.sched.StreamTime(scale)
		if err != nil {
			return
		}
		b.offset = st.Value + int64(b.delay)*dur - at
		b.anchor = anchor
		b.synced = true
		b.out.log.Debug("loopback: aligned", "source", b.src.name, "offset", b.offset)
	}
	b.last = at

	if f != nil && f.Frame.Width == mode.Width && f.Frame.Height == mode.Height && f.Frame.Format == format {
		if err := b.out.sched.ScheduleFrame(f.Frame, at+b.offset, dur, scale); err != nil {
			b.out.log.Debug("loopback: frame not scheduled", "err", err)
		}
	}
	if a != nil && a.SampleFrames > 0 && b.out.audio != nil && b.src.audio != nil {
		b.scheduleAudioLocked(a, scale)
	}
}

func (b *bridge) scheduleAudioLocked(a *media.AudioPacket, scale int64) {
	if b.conv == nil || b.conv.From != *b.src.audio || b.conv.To != *b.out.audio {
		b.conv = &media.AudioConverter{From: *b.src.audio, To: *b.out.audio}
	}
	samples, frames := b.conv.Convert(a.Samples, a.SampleFrames)
	if frames == 0 {
		return
	}
	if b.conv.From == b.conv.To {
		// ScheduleAudio keeps the slice; the packet belongs to the capture side.
		samples = slices.Clone(samples)
	}
	block := media.ContinuousBlock(samples, frames)
	if b.out.audioMode == playback.AudioTimestamped {
		rate := b.out.audio.SampleRate
		t := a.PacketTime.In(scale).Add(b.offset).In(rate)
		block = media.TimedBlock(samples, frames, t)
	}
	if _, err := b.out.sched.ScheduleAudio(block); err != nil {
		b.out.log.Debug("loopback: audio not scheduled", "err", err)
	}
}

// follow switches the output to the source's new format.
func (b *bridge) follow(mode media.DisplayMode, format media.PixelFormat) {
	b.mu.Lock()
	closed := b.closed
	b.synced = false
	b.mu.Unlock()
	if closed {
		return
	}
	if err := b.out.reconfigure(mode, format); err != nil {
		b.out.log.Error("loopback: output cannot follow input format", "mode", mode.Name, "err", err)
	}
}

func (b *bridge) frameCompleted(playback.Completion) {}
func (b *bridge) renderAudio(playback.RenderRequest) {}

func (b *bridge) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.src.removeBridge(b)
}
