package app_test

import (
	"context"
	"strings"
	"testing"

	"github.com/MrWong99/framesync/pkg/media"
)

const loopbackYAML = `
devices:
  - id: card-0
    reference: house
    signal_mode: pal
    signal_color_depth: 8
channels:
  - name: in-a
    device: card-0
    direction: capture
    display_mode: pal
    format_detection: true
  - name: out-a
    device: card-0
    direction: playback
    display_mode: pal
    workload: loopback:in-a
    loopback_delay_frames: 2
  - name: out-b
    device: card-0
    direction: playback
    display_mode: pal
    workload: pattern
`

func TestPattern_KeepsBufferFilled(t *testing.T) {
	t.Parallel()

	a, r := newApp(t, loopbackYAML)
	if err := a.Start(context.Background(), "out-b"); err != nil {
		t.Fatalf("Start(out-b): %v", err)
	}
	// The first frame may already be on screen.
	if got := info(t, a, "out-b").Buffered; got < 7 {
		t.Fatalf("buffered after start = %d, want at least 7", got)
	}

	clk := r.clock("card-0")
	out := r.output(t, "card-0", 1)
	// More frames than the initial buffer held: the source must refill.
	for i := int64(1); i <= 12; i++ {
		clk.Advance(palFrame)
		waitFor(t, "frame presented", func() bool { return out.Presented() >= i })
	}
	waitFor(t, "buffer refilled", func() bool { return info(t, a, "out-b").Buffered >= 7 })
	if s := info(t, a, "in-a").State; s != "configured" {
		t.Errorf("in-a state = %s; pattern must not start captures", s)
	}
}

func TestApp_ApplyConfigResizesVideoBuffer(t *testing.T) {
	t.Parallel()

	a, _ := newApp(t, loopbackYAML)
	next := loadConfig(t, "scheduler:\n  video_buffer_frames: 2\n"+loopbackYAML)
	if err := a.ApplyConfig(context.Background(), next); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if err := a.Start(context.Background(), "out-b"); err != nil {
		t.Fatalf("Start(out-b): %v", err)
	}
	if got := info(t, a, "out-b").Buffered; got < 1 || got > 2 {
		t.Errorf("buffered = %d, want the pattern capped at 2 frames", got)
	}
}

func TestLoopback_PresentsCapturedFrames(t *testing.T) {
	t.Parallel()

	a, r := newApp(t, loopbackYAML)
	if err := a.Start(context.Background(), "out-a"); err != nil {
		t.Fatalf("Start(out-a): %v", err)
	}
	if s := info(t, a, "in-a").State; s != "running" {
		t.Fatalf("in-a state = %s, want running after loopback start", s)
	}

	clk := r.clock("card-0")
	out := r.output(t, "card-0", 0)
	waitFor(t, "loopback frame presented", func() bool {
		clk.Advance(palFrame / 4)
		return out.Presented() > 0
	})
}

func TestLoopback_FollowsInputFormat(t *testing.T) {
	t.Parallel()

	a, r := newApp(t, loopbackYAML)
	if err := a.Start(context.Background(), "out-a"); err != nil {
		t.Fatalf("Start(out-a): %v", err)
	}

	r.device("card-0").SetSignal(media.ModeNTSC, 8)
	clk := r.clock("card-0")
	waitFor(t, "output follows input to ntsc", func() bool {
		clk.Advance(palFrame / 4)
		return info(t, a, "in-a").Mode == "ntsc" && info(t, a, "out-a").Mode == "ntsc"
	})
	if m := info(t, a, "out-b").Mode; m != "pal" {
		t.Errorf("out-b mode = %s; only the loopback output follows", m)
	}
}

func TestApp_PlaybackCannotPause(t *testing.T) {
	t.Parallel()

	a, _ := newApp(t, loopbackYAML)
	ctx := context.Background()
	if err := a.Start(ctx, "out-b"); err != nil {
		t.Fatalf("Start(out-b): %v", err)
	}
	if err := a.Pause(ctx, "out-b"); err == nil {
		t.Fatal("Pause(out-b) on playback succeeded, want error")
	}
	if s := info(t, a, "out-b").State; s != "running" {
		t.Errorf("out-b state = %s, want running", s)
	}
}

func TestApp_CapturePauseToggles(t *testing.T) {
	t.Parallel()

	a, _ := newApp(t, loopbackYAML)
	ctx := context.Background()
	if err := a.Start(ctx, "in-a"); err != nil {
		t.Fatalf("Start(in-a): %v", err)
	}
	if err := a.Pause(ctx, "in-a"); err != nil {
		t.Fatalf("Pause(in-a): %v", err)
	}
	if s := info(t, a, "in-a").State; s != "paused" {
		t.Errorf("state after pause = %s, want paused", s)
	}
	if err := a.Pause(ctx, "in-a"); err != nil {
		t.Fatalf("second Pause(in-a): %v", err)
	}
	if s := info(t, a, "in-a").State; s != "running" {
		t.Errorf("state after second pause = %s, want running", s)
	}
}

func TestLoopback_ConvertsAudio(t *testing.T) {
	t.Parallel()

	yaml := strings.Replace(loopbackYAML, "    format_detection: true\n",
		"    format_detection: true\n    audio:\n      sample_rate: 48000\n      sample_bits: 16\n      channels: 2\n", 1)
	yaml = strings.Replace(yaml, "    loopback_delay_frames: 2\n",
		"    loopback_delay_frames: 2\n    audio:\n      sample_rate: 48000\n      sample_bits: 32\n      channels: 8\n", 1)
	a, r := newApp(t, yaml)
	if err := a.Start(context.Background(), "out-a"); err != nil {
		t.Fatalf("Start(out-a): %v", err)
	}

	clk := r.clock("card-0")
	out := r.output(t, "card-0", 0)
	waitFor(t, "converted audio reaches the output", func() bool {
		clk.Advance(palFrame / 4)
		return out.SampleFrames() > 0
	})
}
