package capture

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/framesync/internal/channel"
	"github.com/MrWong99/framesync/internal/formatwatch"
	"github.com/MrWong99/framesync/internal/observe"
	"github.com/MrWong99/framesync/pkg/device"
	"github.com/MrWong99/framesync/pkg/device/mock"
	"github.com/MrWong99/framesync/pkg/media"
	"github.com/MrWong99/framesync/pkg/timebase"
)

var stereo = media.AudioFormat{SampleRate: 48000, SampleBits: 16, Channels: 2}

// arrival is a copy of one delivered unit; frames are only valid during the
// callback.
type arrival struct {
	seq        uint64
	streamTime timebase.Time
	duration   int64
	flags      media.FrameFlags
	head       []byte
	audio      *media.AudioPacket
}

type recorder struct {
	mu       sync.Mutex
	events   []string
	arrivals []arrival
	formats  []formatwatch.Event
	stops    []channel.StopReason

	onFrame  func(*media.CaptureFrame)
	onFormat func(formatwatch.Event)
}

func (r *recorder) FrameArrived(f *media.CaptureFrame, a *media.AudioPacket) {
	var got arrival
	if f != nil {
		got = arrival{
			seq:        f.Seq,
			streamTime: f.StreamTime,
			duration:   f.Duration,
			flags:      f.Frame.Flags,
			head:       slices.Clone(f.Frame.Buffer[:8]),
		}
	}
	if a != nil {
		cp := *a
		got.audio = &cp
	}
	r.mu.Lock()
	r.events = append(r.events, "frame")
	r.arrivals = append(r.arrivals, got)
	fn := r.onFrame
	r.mu.Unlock()
	if fn != nil {
		fn(f)
	}
}

func (r *recorder) FormatChanged(ev formatwatch.Event) {
	r.mu.Lock()
	r.events = append(r.events, "format")
	r.formats = append(r.formats, ev)
	fn := r.onFormat
	r.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (r *recorder) InputStopped(reason channel.StopReason) {
	r.mu.Lock()
	r.events = append(r.events, "stopped")
	r.stops = append(r.stops, reason)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []arrival {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.arrivals)
}

func (r *recorder) eventLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func (r *recorder) stopped() []channel.StopReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.stops)
}

func (r *recorder) waitArrivals(t *testing.T, n int) []arrival {
	t.Helper()
	waitFor(t, fmt.Sprintf("%d arrivals", n), func() bool { return len(r.snapshot()) >= n })
	return r.snapshot()
}

func (r *recorder) waitStopped(t *testing.T) channel.StopReason {
	t.Helper()
	waitFor(t, "input stopped", func() bool { return len(r.stopped()) > 0 })
	return r.stopped()[0]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestPump(t *testing.T, opts ...Option) (*Pump, *mock.Input, *recorder) {
	t.Helper()
	in := mock.NewInput("dev-0")
	p := New("in-a", in, opts...)
	rec := &recorder{}
	p.SetHandler(rec)
	t.Cleanup(func() { p.Close() })
	return p, in, rec
}

func enableAndStart(t *testing.T, p *Pump, flags Flags) {
	t.Helper()
	if err := p.EnableVideo(media.ModeNTSC, media.Format8BitYUV, flags); err != nil {
		t.Fatalf("EnableVideo: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func emitFrames(t *testing.T, in *mock.Input, n int) {
	t.Helper()
	for range n {
		if !in.EmitFrame() {
			t.Fatal("EmitFrame: no sink installed")
		}
	}
}

func signal(mode media.DisplayMode, depth int) device.SignalInfo {
	return device.SignalInfo{Present: true, Mode: mode, Field: mode.Field, ColorDepth: depth}
}

func TestPump_DeliversInCaptureOrder(t *testing.T) {
	t.Parallel()

	p, in, rec := newTestPump(t)
	enableAndStart(t, p, 0)
	emitFrames(t, in, 3)

	got := rec.waitArrivals(t, 3)
	for i, a := range got {
		wantSeq := uint64(i + 1)
		wantTime := timebase.At(int64(1001*(i+1)), 30000)
		if a.seq != wantSeq {
			t.Errorf("arrival %d: seq = %d, want %d", i, a.seq, wantSeq)
		}
		if a.streamTime != wantTime {
			t.Errorf("arrival %d: stream time = %v, want %v", i, a.streamTime, wantTime)
		}
		if a.duration != 1001 {
			t.Errorf("arrival %d: duration = %d, want 1001", i, a.duration)
		}
	}
}

func TestPump_SetHandlerWaitsForRunningCallback(t *testing.T) {
	t.Parallel()

	p, in, first := newTestPump(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	first.mu.Lock()
	first.onFrame = func(*media.CaptureFrame) {
		close(entered)
		<-release
	}
	first.mu.Unlock()

	enableAndStart(t, p, 0)
	emitFrames(t, in, 1)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first frame never delivered")
	}

	second := &recorder{}
	swapped := make(chan struct{})
	go func() {
		p.SetHandler(second)
		close(swapped)
	}()
	select {
	case <-swapped:
		t.Fatal("SetHandler returned while the old handler was still running")
	case <-time.After(20 * time.Millisecond):
	}
	unblock()
	select {
	case <-swapped:
	case <-time.After(2 * time.Second):
		t.Fatal("SetHandler never returned")
	}

	emitFrames(t, in, 1)
	second.waitArrivals(t, 1)
	if n := len(first.snapshot()); n != 1 {
		t.Errorf("old handler received %d frames, want 1", n)
	}
}

func TestPump_TimeScaleOption(t *testing.T) {
	t.Parallel()

	p, in, rec := newTestPump(t, WithTimeScale(timebase.NanosecondScale))
	enableAndStart(t, p, 0)
	emitFrames(t, in, 1)

	got := rec.waitArrivals(t, 1)
	want := timebase.At(33_366_666, timebase.NanosecondScale)
	if got[0].streamTime != want {
		t.Errorf("stream time = %v, want %v", got[0].streamTime, want)
	}
}

func TestPump_PauseExcludesPausedTime(t *testing.T) {
	t.Parallel()

	p, in, rec := newTestPump(t)
	enableAndStart(t, p, 0)
	emitFrames(t, in, 1)
	rec.waitArrivals(t, 1)

	if err := p.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if p.State() != channel.Paused {
		t.Fatalf("State = %v, want paused", p.State())
	}
	emitFrames(t, in, 2) // discarded while paused
	if err := p.Pause(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	emitFrames(t, in, 1)

	got := rec.waitArrivals(t, 2)
	if len(got) != 2 {
		t.Fatalf("arrivals = %d, want 2", len(got))
	}
	if want := timebase.At(2002, 30000); got[1].streamTime != want {
		t.Errorf("stream time after resume = %v, want %v", got[1].streamTime, want)
	}
}

func TestPump_StopAndRestart(t *testing.T) {
	t.Parallel()

	p, in, rec := newTestPump(t)
	enableAndStart(t, p, 0)
	emitFrames(t, in, 2)
	rec.waitArrivals(t, 2)

	if err := p.Start(); !errors.Is(err, channel.ErrAlreadyRunning) {
		t.Errorf("Start while running: err = %v, want ErrAlreadyRunning", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if reason := rec.waitStopped(t); reason != channel.StopRequested {
		t.Errorf("stop reason = %v, want requested", reason)
	}
	if err := p.Stop(); !errors.Is(err, channel.ErrAlreadyStopped) {
		t.Errorf("second Stop: err = %v, want ErrAlreadyStopped", err)
	}
	if in.Capturing() {
		t.Error("device still capturing after Stop")
	}

	if err := p.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	emitFrames(t, in, 1)
	got := rec.waitArrivals(t, 3)
	if want := timebase.At(1001, 30000); got[2].streamTime != want {
		t.Errorf("stream time after restart = %v, want %v", got[2].streamTime, want)
	}
	if got[2].seq != 3 {
		t.Errorf("seq after restart = %d, want 3", got[2].seq)
	}
}

func TestPump_StreamTime(t *testing.T) {
	t.Parallel()

	p, in, _ := newTestPump(t)
	enableAndStart(t, p, 0)
	in.ManualClock().Advance(27_000_000)

	st, err := p.StreamTime(1000)
	if err != nil {
		t.Fatalf("StreamTime: %v", err)
	}
	if want := timebase.At(1000, 1000); st != want {
		t.Errorf("StreamTime = %v, want %v", st, want)
	}

	if err := p.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	in.ManualClock().Advance(27_000_000)
	if st, _ := p.StreamTime(1000); st.Value != 1000 {
		t.Errorf("StreamTime while paused = %v, want 1000", st)
	}
	if _, err := p.StreamTime(0); !errors.Is(err, channel.ErrInvalidArgument) {
		t.Errorf("StreamTime(0): err = %v, want ErrInvalidArgument", err)
	}
}

func TestPump_NoSignalDeliversBlack(t *testing.T) {
	t.Parallel()

	p, in, rec := newTestPump(t)
	enableAndStart(t, p, 0)

	f, err := media.NewVideoFrame(media.ModeNTSC.Width, media.ModeNTSC.Height, media.Format8BitYUV, 0)
	if err != nil {
		t.Fatalf("NewVideoFrame: %v", err)
	}
	for i := range f.Buffer {
		f.Buffer[i] = 0xAB
	}
	in.ManualClock().Advance(900_900)
	in.Emit(device.RawCapture{Frame: f})

	got := rec.waitArrivals(t, 1)[0]
	if got.flags&media.FlagNoInputSource == 0 {
		t.Error("frame not flagged as captured without input")
	}
	if want := []byte{0x80, 0x10, 0x80, 0x10, 0x80, 0x10, 0x80, 0x10}; !slices.Equal(got.head, want) {
		t.Errorf("pixels = % x, want video black % x", got.head, want)
	}
}

func TestPump_AudioPacket(t *testing.T) {
	t.Parallel()

	p, in, rec := newTestPump(t)
	if err := p.EnableAudio(stereo); err != nil {
		t.Fatalf("EnableAudio: %v", err)
	}
	enableAndStart(t, p, 0)

	in.ManualClock().Advance(900_000) // 1/30 s
	in.Emit(device.RawCapture{
		Audio:        make([]byte, 1600*stereo.FrameBytes()),
		AudioFrames:  1600,
		AudioPresent: true,
		Signal:       signal(media.ModeNTSC, 8),
	})

	got := rec.waitArrivals(t, 1)[0]
	if got.audio == nil {
		t.Fatal("no audio packet delivered")
	}
	if got.audio.SampleFrames != 1600 {
		t.Errorf("sample frames = %d, want 1600", got.audio.SampleFrames)
	}
	if want := timebase.At(1600, 48000); got.audio.PacketTime != want {
		t.Errorf("packet time = %v, want %v", got.audio.PacketTime, want)
	}
	if got.seq != 0 {
		t.Errorf("audio-only unit carries frame seq %d", got.seq)
	}
}

func TestPump_FormatChangedPrecedesFrame(t *testing.T) {
	t.Parallel()

	p, in, rec := newTestPump(t)
	enableAndStart(t, p, FlagFormatDetection)

	f, err := media.NewVideoFrame(media.ModeNTSC.Width, media.ModeNTSC.Height, media.Format8BitYUV, 0)
	if err != nil {
		t.Fatalf("NewVideoFrame: %v", err)
	}
	in.ManualClock().Advance(900_900)
	in.Emit(device.RawCapture{Frame: f, Signal: signal(media.ModePAL, 10)})

	rec.waitArrivals(t, 1)
	if got, want := rec.eventLog(), []string{"format", "frame"}; !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	ev := rec.formats[0]
	if ev.Mode.Name != media.ModePAL.Name || ev.ColorDepth != 10 {
		t.Errorf("event = %+v, want pal at 10 bits", ev)
	}
	if ev.Changed&formatwatch.ChangedDisplayMode == 0 || ev.Changed&formatwatch.ChangedColorDepth == 0 {
		t.Errorf("changed = %v, want display mode and colour depth", ev.Changed)
	}
}

func TestPump_FollowFormat(t *testing.T) {
	t.Parallel()

	p, in, rec := newTestPump(t)
	rec.onFormat = func(ev formatwatch.Event) {
		if err := p.FollowFormat(ev); err != nil {
			t.Errorf("FollowFormat: %v", err)
		}
	}
	enableAndStart(t, p, FlagFormatDetection)

	f, err := media.NewVideoFrame(media.ModeNTSC.Width, media.ModeNTSC.Height, media.Format8BitYUV, 0)
	if err != nil {
		t.Fatalf("NewVideoFrame: %v", err)
	}
	in.ManualClock().Advance(900_900)
	in.Emit(device.RawCapture{Frame: f, Signal: signal(media.ModePAL, 10)})

	waitFor(t, "new mode", func() bool {
		mode, _ := p.Mode()
		return mode.Name == media.ModePAL.Name && p.State() == channel.Running
	})
	if _, format := p.Mode(); format != media.Format10BitYUV {
		t.Errorf("format = %v, want 10-bit YUV", format)
	}
	if in.CallCountStart != 2 {
		t.Errorf("StartCapture calls = %d, want 2", in.CallCountStart)
	}
	if in.Config.Mode.Name != media.ModePAL.Name || in.Config.Format != media.Format10BitYUV {
		t.Errorf("device config = %v %v, want pal 10-bit YUV", in.Config.Mode, in.Config.Format)
	}

	emitFrames(t, in, 1)
	waitFor(t, "frame in new format", func() bool {
		for _, a := range rec.snapshot() {
			if a.streamTime == timebase.At(1, 25) {
				return true
			}
		}
		return false
	})
}

func TestFollowedFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cur   media.PixelFormat
		depth int
		want  media.PixelFormat
	}{
		{media.Format8BitYUV, 10, media.Format10BitYUV},
		{media.Format10BitYUV, 8, media.Format8BitYUV},
		{media.Format8BitYUV, 8, media.Format8BitYUV},
		{media.Format8BitBGRA, 12, media.Format10BitRGB},
		{media.Format12BitRGB, 8, media.Format8BitBGRA},
		{media.Format10BitRGB, 12, media.Format10BitRGB},
		{media.Format8BitYUV, 0, media.Format8BitYUV},
	}
	for _, tt := range tests {
		if got := followedFormat(tt.cur, tt.depth); got != tt.want {
			t.Errorf("followedFormat(%v, %d) = %v, want %v", tt.cur, tt.depth, got, tt.want)
		}
	}
}

func TestPump_ValidationSubstitutesCorruptFrames(t *testing.T) {
	t.Parallel()

	p, in, rec := newTestPump(t, WithValidation(true))
	enableAndStart(t, p, 0)

	good, _ := media.NewVideoFrame(media.ModeNTSC.Width, media.ModeNTSC.Height, media.Format8BitYUV, 0)
	media.FillBlack(good)
	in.ManualClock().Advance(900_900)
	in.Emit(device.RawCapture{Frame: good, Signal: signal(media.ModeNTSC, 8)})

	bad, _ := media.NewVideoFrame(media.ModeNTSC.Width, media.ModeNTSC.Height, media.Format8BitYUV, 0)
	fillBGRA(bad)
	in.ManualClock().Advance(900_900)
	in.Emit(device.RawCapture{Frame: bad, Signal: signal(media.ModeNTSC, 8)})

	got := rec.waitArrivals(t, 2)
	if got[0].flags&media.FlagSubstituted != 0 {
		t.Error("valid frame flagged as substituted")
	}
	if got[1].flags&media.FlagSubstituted == 0 {
		t.Error("corrupt frame not substituted")
	}
	if !slices.Equal(got[1].head, got[0].head) {
		t.Errorf("substitute pixels = % x, want last valid % x", got[1].head, got[0].head)
	}
}

func TestPump_OverrunDropsOldest(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	p, in, rec := newTestPump(t, WithBufferFrames(2))
	rec.onFrame = func(f *media.CaptureFrame) {
		if f.Seq == 1 {
			entered <- struct{}{}
			<-release
		}
	}
	enableAndStart(t, p, 0)

	emitFrames(t, in, 1)
	<-entered
	emitFrames(t, in, 3) // seq 2 is pushed out by seq 4
	if got := p.Overruns(); got != 1 {
		t.Errorf("Overruns = %d, want 1", got)
	}
	if got := p.BufferedFrameCount(); got != 2 {
		t.Errorf("BufferedFrameCount = %d, want 2", got)
	}
	close(release)

	got := rec.waitArrivals(t, 3)
	var seqs []uint64
	for _, a := range got {
		seqs = append(seqs, a.seq)
	}
	if want := []uint64{1, 3, 4}; !slices.Equal(seqs, want) {
		t.Errorf("delivered seqs = %v, want %v", seqs, want)
	}
}

func TestPump_DeviceRemovalAborts(t *testing.T) {
	t.Parallel()

	p, in, rec := newTestPump(t)
	enableAndStart(t, p, 0)
	in.Emit(device.RawCapture{Err: device.ErrRemoved})

	if reason := rec.waitStopped(t); reason != channel.StopAborted {
		t.Errorf("stop reason = %v, want aborted", reason)
	}
	if p.State() != channel.Stopped {
		t.Errorf("State = %v, want stopped", p.State())
	}
	if in.CallCountStop != 1 {
		t.Errorf("StopCapture calls = %d, want 1", in.CallCountStop)
	}
}

func TestPump_Errors(t *testing.T) {
	t.Parallel()

	p, in, _ := newTestPump(t)
	if err := p.Start(); !errors.Is(err, channel.ErrNotEnabled) {
		t.Errorf("Start before EnableVideo: err = %v, want ErrNotEnabled", err)
	}
	if err := p.Pause(); !errors.Is(err, channel.ErrNotRunning) {
		t.Errorf("Pause when idle: err = %v, want ErrNotRunning", err)
	}
	if _, err := p.StreamTime(1000); !errors.Is(err, channel.ErrNotRunning) {
		t.Errorf("StreamTime when idle: err = %v, want ErrNotRunning", err)
	}
	if err := p.EnableVideo(media.DisplayMode{}, media.Format8BitYUV, 0); !errors.Is(err, channel.ErrInvalidMode) {
		t.Errorf("EnableVideo(zero mode): err = %v, want ErrInvalidMode", err)
	}
	if err := p.EnableAudio(media.AudioFormat{SampleRate: 48000, SampleBits: 12, Channels: 2}); !errors.Is(err, channel.ErrInvalidFormat) {
		t.Errorf("EnableAudio(12 bit): err = %v, want ErrInvalidFormat", err)
	}

	in.Caps.Features = 0
	if err := p.EnableVideo(media.ModeNTSC, media.Format8BitYUV, FlagFormatDetection); !errors.Is(err, channel.ErrUnsupported) {
		t.Errorf("EnableVideo(detection) without feature: err = %v, want ErrUnsupported", err)
	}

	if err := p.EnableVideo(media.ModeNTSC, media.Format8BitYUV, 0); err != nil {
		t.Fatalf("EnableVideo: %v", err)
	}
	in.StartErr = device.ErrUnavailable
	if err := p.Start(); !errors.Is(err, channel.ErrAccessDenied) {
		t.Errorf("Start on busy device: err = %v, want ErrAccessDenied", err)
	}
	in.StartErr = nil
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.EnableVideo(media.ModePAL, media.Format8BitYUV, 0); !errors.Is(err, channel.ErrAccessDenied) {
		t.Errorf("EnableVideo while running: err = %v, want ErrAccessDenied", err)
	}

	p.Close()
	if err := p.Start(); !errors.Is(err, channel.ErrClosed) {
		t.Errorf("Start after Close: err = %v, want ErrClosed", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestPump_GroupStartHooks(t *testing.T) {
	t.Parallel()

	p, in, rec := newTestPump(t)
	if err := p.EnableVideo(media.ModeNTSC, media.Format8BitYUV, 0); err != nil {
		t.Fatalf("EnableVideo: %v", err)
	}

	if err := p.PrepareGroupStart(channel.StartParams{}); err != nil {
		t.Fatalf("PrepareGroupStart: %v", err)
	}
	if !in.Capturing() {
		t.Error("prepare did not open the device")
	}
	if err := p.EnableAudio(stereo); !errors.Is(err, channel.ErrAccessDenied) {
		t.Errorf("EnableAudio while reserved: err = %v, want ErrAccessDenied", err)
	}
	p.CancelGroupStart()
	if in.Capturing() {
		t.Error("cancel left the device open")
	}

	if err := p.PrepareGroupStart(channel.StartParams{}); err != nil {
		t.Fatalf("PrepareGroupStart: %v", err)
	}
	anchor := in.ManualClock().Ticks()
	in.ManualClock().Advance(900_900)
	if err := p.FireGroupStart(anchor, channel.StartParams{}); err != nil {
		t.Fatalf("FireGroupStart: %v", err)
	}
	emitFrames(t, in, 1)
	if got := rec.waitArrivals(t, 1)[0].streamTime; got != timebase.At(2002, 30000) {
		t.Errorf("stream time = %v, want 2002/30000 from the anchor", got)
	}

	st, err := p.GroupStop(channel.StopParams{})
	if err != nil {
		t.Fatalf("GroupStop: %v", err)
	}
	if st != timebase.At(2002, 30000) {
		t.Errorf("GroupStop time = %v, want 2002/30000", st)
	}
}

type fakeGrouper struct {
	mu    sync.Mutex
	calls []string
}

func (g *fakeGrouper) record(op, id string) {
	g.mu.Lock()
	g.calls = append(g.calls, op+" "+id)
	g.mu.Unlock()
}

func (g *fakeGrouper) GroupStart(_ context.Context, id string, _ channel.StartParams) error {
	g.record("start", id)
	return nil
}

func (g *fakeGrouper) GroupStop(_ context.Context, id string, _ channel.StopParams) (timebase.Time, error) {
	g.record("stop", id)
	return timebase.Time{}, nil
}

func (g *fakeGrouper) GroupPause(_ context.Context, id string) error {
	g.record("pause", id)
	return nil
}

func TestPump_GroupedCallsDelegate(t *testing.T) {
	t.Parallel()

	p, in, _ := newTestPump(t)
	g := &fakeGrouper{}
	p.SetGroup(g)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if want := []string{"start in-a", "pause in-a", "stop in-a"}; !slices.Equal(g.calls, want) {
		t.Errorf("grouper calls = %v, want %v", g.calls, want)
	}
	if in.CallCountStart != 0 {
		t.Errorf("device started directly %d times", in.CallCountStart)
	}
}

func TestPump_RecordsMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	p, in, rec := newTestPump(t, WithMetrics(m))
	enableAndStart(t, p, 0)
	emitFrames(t, in, 2)
	rec.waitArrivals(t, 2)
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	rec.waitStopped(t)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var deliveries, active int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				switch md.Name {
				case "framesync.capture.deliveries":
					deliveries += dp.Value
				case "framesync.active_channels":
					active += dp.Value
				}
			}
		}
	}
	if deliveries != 2 {
		t.Errorf("deliveries = %d, want 2", deliveries)
	}
	if active != 0 {
		t.Errorf("active channels = %d, want 0", active)
	}
}
