package health

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/MrWong99/framesync/internal/channel"
)

// Channel is the view of a playback or capture channel the readiness checks
// need.
type Channel interface {
	Name() string
	State() channel.State
}

// Referenced is a device or channel locked to a timing reference.
type Referenced interface {
	ChannelID() string
	ReferenceLocked() bool
}

// Channels fails while any channel is unconfigured. A channel drops back to
// Idle when its device disappears or video was never enabled.
func Channels(chs ...Channel) Checker {
	return Checker{
		Name: "channels",
		Check: func(context.Context) error {
			var idle []string
			for _, ch := range chs {
				if ch.State() == channel.Idle {
					idle = append(idle, ch.Name())
				}
			}
			if len(idle) > 0 {
				slices.Sort(idle)
				return fmt.Errorf("not configured: %s", strings.Join(idle, ", "))
			}
			return nil
		},
	}
}

// Reference fails while any grouped channel's device is not locked to its
// timing reference, since synchronized starts would be refused.
func Reference(grouped func() []Referenced) Checker {
	return Checker{
		Name: "reference",
		Check: func(context.Context) error {
			var unlocked []string
			for _, m := range grouped() {
				if !m.ReferenceLocked() {
					unlocked = append(unlocked, m.ChannelID())
				}
			}
			if len(unlocked) > 0 {
				slices.Sort(unlocked)
				return fmt.Errorf("reference not locked: %s", strings.Join(unlocked, ", "))
			}
			return nil
		},
	}
}

// Func wraps a probe such as a registry round trip.
func Func(name string, probe func(ctx context.Context) error) Checker {
	return Checker{Name: name, Check: probe}
}
