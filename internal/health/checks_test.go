package health

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/framesync/internal/channel"
)

type fakeChannel struct {
	name   string
	state  channel.State
	locked bool
}

func (c *fakeChannel) Name() string          { return c.name }
func (c *fakeChannel) ChannelID() string     { return c.name }
func (c *fakeChannel) State() channel.State  { return c.state }
func (c *fakeChannel) ReferenceLocked() bool { return c.locked }

func TestChannels(t *testing.T) {
	t.Parallel()

	a := &fakeChannel{name: "out-a", state: channel.Running}
	b := &fakeChannel{name: "in-b", state: channel.Idle}
	c := &fakeChannel{name: "in-a", state: channel.Idle}

	chk := Channels(a, b, c)
	err := chk.Check(context.Background())
	if err == nil || err.Error() != "not configured: in-a, in-b" {
		t.Errorf("Check = %v, want both idle channels sorted", err)
	}

	b.state, c.state = channel.Configured, channel.Stopped
	if err := chk.Check(context.Background()); err != nil {
		t.Errorf("Check after configure = %v, want nil", err)
	}
}

func TestReference(t *testing.T) {
	t.Parallel()

	a := &fakeChannel{name: "out-a", locked: true}
	b := &fakeChannel{name: "out-b"}
	chk := Reference(func() []Referenced { return []Referenced{a, b} })

	if err := chk.Check(context.Background()); err == nil || err.Error() != "reference not locked: out-b" {
		t.Errorf("Check = %v", err)
	}
	b.locked = true
	if err := chk.Check(context.Background()); err != nil {
		t.Errorf("Check = %v, want nil", err)
	}
}

func TestEvaluate_RunsEveryChecker(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	h := New(
		Func("registry", func(context.Context) error { return boom }),
		Channels(&fakeChannel{name: "out-a", state: channel.Configured}),
	)
	checks, ok := h.Evaluate(context.Background())
	if ok {
		t.Error("Evaluate reported ok with a failing checker")
	}
	if checks["registry"] != "fail: boom" || checks["channels"] != "ok" {
		t.Errorf("checks = %v", checks)
	}
}
