// Package monitor streams channel events to websocket subscribers.
//
// The daemon publishes an [Event] for every frame completion, capture
// delivery, input format change and stream stop. Each subscriber has its own
// bounded queue; a subscriber that falls behind loses events rather than
// slowing the publisher, which runs on scheduler callback goroutines.
//
// Clients connect to the /events endpoint and may filter by channel:
//
//	GET /events?channel=out-a
package monitor

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Event types.
const (
	EventCompletion = "completion"
	EventDelivery   = "delivery"
	EventFormat     = "format"
	EventStopped    = "stopped"
	EventState      = "state"
)

// Event is one message sent to subscribers as a JSON text frame.
type Event struct {
	Type    string    `json:"type"`
	Channel string    `json:"channel"`
	At      time.Time `json:"at"`

	// StreamTime and Scale locate the frame on the channel's timeline.
	StreamTime int64 `json:"stream_time,omitempty"`
	Scale      int64 `json:"scale,omitempty"`

	Outcome string   `json:"outcome,omitempty"`
	Mode    string   `json:"mode,omitempty"`
	Format  string   `json:"format,omitempty"`
	Flags   []string `json:"flags,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	State   string   `json:"state,omitempty"`
}

const (
	defaultQueue = 256
	writeTimeout = 5 * time.Second
)

type subscriber struct {
	channel string
	events  chan Event
	dropped atomic.Int64
}

// Hub fans events out to websocket subscribers. It is safe for concurrent use.
type Hub struct {
	log     *slog.Logger
	queue   int
	dropped atomic.Int64

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
	done   chan struct{}
}

// Option configures a [Hub].
type Option func(*Hub)

// WithLogger sets the hub's logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

// WithQueue sets the per-subscriber queue length. The default is 256.
func WithQueue(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queue = n
		}
	}
}

// NewHub returns an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		log:   slog.Default(),
		queue: defaultQueue,
		subs:  make(map[*subscriber]struct{}),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Publish queues ev for every matching subscriber without blocking. A zero
// At is set to the current time.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if s.channel != "" && s.channel != ev.Channel {
			continue
		}
		select {
		case s.events <- ev:
		default:
			s.dropped.Add(1)
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns the number of events discarded for slow subscribers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
}

func (h *Hub) subscribe(channel string) (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	s := &subscriber{channel: channel, events: make(chan Event, h.queue)}
	h.subs[s] = struct{}{}
	return s, true
}

func (h *Hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request to a websocket and streams events until the
// client disconnects or the hub closes. Client messages are ignored.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.subscribe(r.URL.Query().Get("channel"))
	if !ok {
		http.Error(w, "monitor closed", http.StatusServiceUnavailable)
		return
	}
	defer h.unsubscribe(sub)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Debug("monitor: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// CloseRead answers pings and cancels ctx when the client goes away.
	ctx := conn.CloseRead(r.Context())
	log := h.log.With("remote", r.RemoteAddr, "channel", sub.channel)
	log.Debug("monitor: subscriber connected")

	for {
		select {
		case <-ctx.Done():
			log.Debug("monitor: subscriber gone", "dropped", sub.dropped.Load())
			return
		case <-h.done:
			conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		case ev := <-sub.events:
			if err := writeEvent(ctx, conn, ev); err != nil {
				log.Debug("monitor: write failed", "err", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
