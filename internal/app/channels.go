package app

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/framesync/internal/capture"
	"github.com/MrWong99/framesync/internal/channel"
	"github.com/MrWong99/framesync/internal/config"
	"github.com/MrWong99/framesync/internal/formatwatch"
	"github.com/MrWong99/framesync/internal/monitor"
	"github.com/MrWong99/framesync/internal/playback"
	"github.com/MrWong99/framesync/internal/syncgroup"
	"github.com/MrWong99/framesync/pkg/device"
	"github.com/MrWong99/framesync/pkg/media"
)

// Channel is one configured playback or capture channel. Exactly one of
// sched and pump is set.
type Channel struct {
	name      string
	device    string
	dir       channel.Direction
	conn      device.ConnectionType
	timeScale int64 // configured scale; 0 follows the frame rate
	detect    bool
	audio     *media.AudioFormat
	audioMode playback.AudioMode

	sched *playback.Scheduler
	pump  *capture.Pump

	hub *monitor.Hub
	log *slog.Logger

	mu       sync.Mutex
	mode     media.DisplayMode
	format   media.PixelFormat
	workload string
	producer producer  // playback only
	bridges  []*bridge // capture only: loopbacks fed by this channel
}

// ChannelInfo is the JSON view of a channel.
type ChannelInfo struct {
	Name       string `json:"name"`
	Device     string `json:"device"`
	Direction  string `json:"direction"`
	State      string `json:"state"`
	Mode       string `json:"mode"`
	Format     string `json:"format"`
	Connection string `json:"connection"`
	SyncGroup  string `json:"sync_group,omitempty"`
	Workload   string `json:"workload,omitempty"`
	Buffered   int    `json:"buffered"`
	StreamTime string `json:"stream_time,omitempty"`
	Overruns   int64  `json:"overruns,omitempty"`
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// ChannelID returns the channel name.
func (c *Channel) ChannelID() string { return c.name }

// Direction returns playback or capture.
func (c *Channel) Direction() channel.Direction { return c.dir }

// State returns the streaming state.
func (c *Channel) State() channel.State {
	if c.sched != nil {
		return c.sched.State()
	}
	return c.pump.State()
}

// ReferenceLocked reports whether the channel's device is locked to its
// timing reference.
func (c *Channel) ReferenceLocked() bool { return c.member().ReferenceLocked() }

// Mode returns the current display mode and pixel format.
func (c *Channel) Mode() (media.DisplayMode, media.PixelFormat) {
	if c.pump != nil {
		return c.pump.Mode()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode, c.format
}

// Scale returns the time scale the channel schedules and reports in.
func (c *Channel) Scale() int64 {
	if c.timeScale > 0 {
		return c.timeScale
	}
	mode, _ := c.Mode()
	return mode.Rate.Num
}

func (c *Channel) member() syncgroup.Member {
	if c.sched != nil {
		return c.sched
	}
	return c.pump
}

// Info returns a snapshot of the channel.
func (c *Channel) Info(group string) ChannelInfo {
	mode, format := c.Mode()
	c.mu.Lock()
	workload := c.workload
	c.mu.Unlock()

	info := ChannelInfo{
		Name:       c.name,
		Device:     c.device,
		Direction:  c.dir.String(),
		State:      c.State().String(),
		Mode:       mode.Name,
		Format:     format.String(),
		Connection: c.conn.String(),
		SyncGroup:  group,
		Workload:   workload,
	}
	scale := c.Scale()
	if c.sched != nil {
		info.Buffered = c.sched.BufferedFrameCount()
		if st, err := c.sched.StreamTime(scale); err == nil {
			info.StreamTime = st.String()
		}
	} else {
		info.Buffered = c.pump.BufferedFrameCount()
		info.Overruns = c.pump.Overruns()
		if st, err := c.pump.StreamTime(scale); err == nil {
			info.StreamTime = st.String()
		}
	}
	return info
}

// start starts the channel as of now. Playback starts at stream time zero at
// normal speed.
func (c *Channel) start() error {
	if c.sched != nil {
		return c.sched.Start(0, c.Scale(), 1)
	}
	return c.pump.Start()
}

// stop stops the channel immediately.
func (c *Channel) stop() error {
	if c.sched != nil {
		_, err := c.sched.Stop(0, c.Scale())
		return err
	}
	return c.pump.Stop()
}

// pause toggles a capture channel between running and paused.
func (c *Channel) pause() error {
	if c.pump == nil {
		return fmt.Errorf("app: pause %q: playback channels cannot pause: %w", c.name, channel.ErrUnsupported)
	}
	return c.pump.Pause()
}

// prime prepares the channel's workload for a start.
func (c *Channel) prime() error {
	c.mu.Lock()
	p := c.producer
	c.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.prime()
}

// setProducer replaces the playback workload and closes the previous one.
func (c *Channel) setProducer(p producer, workload string) {
	c.mu.Lock()
	old := c.producer
	c.producer = p
	c.workload = workload
	c.mu.Unlock()
	if old != nil {
		old.close()
	}
}

func (c *Channel) currentProducer() producer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.producer
}

func (c *Channel) addBridge(b *bridge) {
	c.mu.Lock()
	c.bridges = append(c.bridges, b)
	c.mu.Unlock()
}

func (c *Channel) removeBridge(b *bridge) {
	c.mu.Lock()
	c.bridges = slices.DeleteFunc(c.bridges, func(x *bridge) bool { return x == b })
	c.mu.Unlock()
}

func (c *Channel) currentBridges() []*bridge {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.bridges)
}

// reconfigure switches a playback channel to a new display mode and pixel
// format, restarting it if it was streaming.
func (c *Channel) reconfigure(mode media.DisplayMode, format media.PixelFormat) error {
	cur, curFormat := c.Mode()
	if cur.Name == mode.Name && curFormat == format {
		return nil
	}
	wasRunning := c.sched.State().Streaming()
	if wasRunning {
		if _, err := c.sched.Stop(0, c.Scale()); err != nil && !errors.Is(err, channel.ErrAlreadyStopped) {
			return err
		}
	}
	if err := c.sched.EnableVideo(mode, format, 0); err != nil {
		return err
	}
	c.mu.Lock()
	c.mode, c.format = mode, format
	c.mu.Unlock()
	c.log.Info("output follows input format", "mode", mode.Name, "format", format.String())
	if !wasRunning {
		return nil
	}
	if err := c.prime(); err != nil {
		return err
	}
	return c.start()
}

func (c *Channel) close() error {
	if p := c.currentProducer(); p != nil {
		p.close()
	}
	if c.sched != nil {
		return c.sched.Close()
	}
	return c.pump.Close()
}

// ── event fan-out ───────────────────────────────────────────────────────────

// playbackEvents publishes scheduler events and feeds them to the workload.
type playbackEvents struct{ ch *Channel }

var _ playback.Handler = playbackEvents{}

func (e playbackEvents) FrameCompleted(c playback.Completion) {
	e.ch.hub.Publish(monitor.Event{
		Type:       monitor.EventCompletion,
		Channel:    e.ch.name,
		StreamTime: c.DisplayTime.Value,
		Scale:      c.DisplayTime.Scale,
		Outcome:    c.Outcome.String(),
	})
	if p := e.ch.currentProducer(); p != nil {
		p.frameCompleted(c)
	}
}

func (e playbackEvents) RenderAudio(r playback.RenderRequest) {
	if p := e.ch.currentProducer(); p != nil {
		p.renderAudio(r)
	}
}

func (e playbackEvents) PlaybackStopped(reason channel.StopReason) {
	e.ch.hub.Publish(monitor.Event{Type: monitor.EventStopped, Channel: e.ch.name, Reason: reason.String()})
}

// captureEvents publishes pump events, follows format changes and feeds
// loopback bridges.
type captureEvents struct{ ch *Channel }

var _ capture.Handler = captureEvents{}

func (e captureEvents) FrameArrived(f *media.CaptureFrame, a *media.AudioPacket) {
	if f != nil {
		e.ch.hub.Publish(monitor.Event{
			Type:       monitor.EventDelivery,
			Channel:    e.ch.name,
			StreamTime: f.StreamTime.Value,
			Scale:      f.StreamTime.Scale,
			Flags:      frameFlags(f.Frame),
		})
	}
	for _, b := range e.ch.currentBridges() {
		b.deliver(f, a)
	}
}

func (e captureEvents) FormatChanged(ev formatwatch.Event) {
	e.ch.hub.Publish(monitor.Event{
		Type:    monitor.EventFormat,
		Channel: e.ch.name,
		Mode:    ev.Mode.Name,
		Flags:   []string{ev.Changed.String()},
	})
	if !e.ch.detect {
		return
	}
	if err := e.ch.pump.FollowFormat(ev); err != nil {
		e.ch.log.Error("failed to follow input format", "mode", ev.Mode.Name, "err", err)
		return
	}
	mode, format := e.ch.pump.Mode()
	for _, b := range e.ch.currentBridges() {
		b.follow(mode, format)
	}
}

func (e captureEvents) InputStopped(reason channel.StopReason) {
	e.ch.hub.Publish(monitor.Event{Type: monitor.EventStopped, Channel: e.ch.name, Reason: reason.String()})
}

func frameFlags(f *media.VideoFrame) []string {
	if f == nil {
		return nil
	}
	var out []string
	if f.Flags&media.FlagNoInputSource != 0 {
		out = append(out, "no_input_source")
	}
	if f.Flags&media.FlagSubstituted != 0 {
		out = append(out, "substituted")
	}
	return out
}

// ── construction ────────────────────────────────────────────────────────────

// ports hands out device ports in configuration order.
type ports struct {
	outputs map[string]int
	inputs  map[string]int
}

func newPorts() *ports {
	return &ports{outputs: make(map[string]int), inputs: make(map[string]int)}
}

func (p *ports) next(dev string, dir channel.Direction) int {
	m := p.outputs
	if dir == channel.Capture {
		m = p.inputs
	}
	n := m[dev]
	m[dev] = n + 1
	return n
}

// channelSetup is a validated [config.ChannelConfig].
type channelSetup struct {
	cfg    config.ChannelConfig
	dir    channel.Direction
	conn   device.ConnectionType
	mode   media.DisplayMode
	format media.PixelFormat
	audio  *media.AudioFormat
	amode  playback.AudioMode
}

func parseChannel(cc config.ChannelConfig, connection string) (channelSetup, error) {
	s := channelSetup{cfg: cc}
	var err error
	if s.dir, err = channel.ParseDirection(cc.Direction); err != nil {
		return s, err
	}
	if s.conn, err = device.ParseConnection(connection); err != nil {
		return s, err
	}
	var ok bool
	if s.mode, ok = media.LookupMode(cc.DisplayMode); !ok {
		return s, fmt.Errorf("unknown display mode %q: %w", cc.DisplayMode, channel.ErrInvalidMode)
	}
	if s.format, err = media.ParsePixelFormat(cc.PixelFormat); err != nil {
		return s, err
	}
	if a := cc.Audio; a != nil {
		s.audio = &media.AudioFormat{SampleRate: a.SampleRate, SampleBits: a.SampleBits, Channels: a.Channels}
		if s.amode, err = playback.ParseAudioMode(a.Mode); err != nil {
			return s, err
		}
	}
	return s, nil
}
