package playback

import (
	"sync"
	"sync/atomic"

	"github.com/MrWong99/framesync/internal/channel"
	"github.com/MrWong99/framesync/pkg/media"
	"github.com/MrWong99/framesync/pkg/timebase"
)

// Completion reports the terminal outcome of one scheduled frame.
type Completion struct {
	Frame       *media.VideoFrame
	DisplayTime timebase.Time
	Duration    int64 // in DisplayTime.Scale
	Outcome     media.Outcome
}

// RenderRequest asks the producer for more audio. Target is the number of
// sample frames that would bring buffered audio level with the queued video,
// bounded by the room left in the audio buffer.
type RenderRequest struct {
	Preroll       bool
	VideoBuffered int
	AudioBuffered int
	Target        int
}

// Handler receives scheduler events. All methods are called sequentially on
// the scheduler's notification goroutine, never concurrently with each other.
// Calling back into the scheduler from a handler method is allowed.
//
// The frame in a [Completion] is released after FrameCompleted returns;
// handlers that keep it must Retain it.
type Handler interface {
	FrameCompleted(c Completion)
	RenderAudio(r RenderRequest)
	PlaybackStopped(reason channel.StopReason)
}

// HandlerFuncs adapts plain functions to [Handler]. Nil fields ignore the
// event.
type HandlerFuncs struct {
	OnFrameCompleted  func(Completion)
	OnRenderAudio     func(RenderRequest)
	OnPlaybackStopped func(channel.StopReason)
}

var _ Handler = HandlerFuncs{}

// FrameCompleted implements [Handler].
func (h HandlerFuncs) FrameCompleted(c Completion) {
	if h.OnFrameCompleted != nil {
		h.OnFrameCompleted(c)
	}
}

// RenderAudio implements [Handler].
func (h HandlerFuncs) RenderAudio(r RenderRequest) {
	if h.OnRenderAudio != nil {
		h.OnRenderAudio(r)
	}
}

// PlaybackStopped implements [Handler].
func (h HandlerFuncs) PlaybackStopped(reason channel.StopReason) {
	if h.OnPlaybackStopped != nil {
		h.OnPlaybackStopped(reason)
	}
}

type eventKind int

const (
	eventCompleted eventKind = iota
	eventRender
	eventStopped
)

type event struct {
	kind       eventKind
	completion Completion
	render     RenderRequest
	reason     channel.StopReason
}

// notifier is an unbounded FIFO of events drained by one goroutine. Producers
// never block, so the scheduler can enqueue while holding its lock.
type notifier struct {
	// deliverMu is held while a callback runs and guards handler.
	deliverMu sync.Mutex
	handler   Handler

	mu      sync.Mutex
	queue   []event
	closed  bool
	signal  chan struct{}
	exited  chan struct{}
	pending atomic.Bool // a render request is queued and not yet delivered
}

func newNotifier() *notifier {
	n := &notifier{
		signal: make(chan struct{}, 1),
		exited: make(chan struct{}),
	}
	go n.loop()
	return n
}

// setHandler waits for a running callback to return before swapping.
func (n *notifier) setHandler(h Handler) {
	n.deliverMu.Lock()
	n.handler = h
	n.deliverMu.Unlock()
}

func (n *notifier) push(ev event) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		if ev.kind == eventCompleted && ev.completion.Frame != nil {
			ev.completion.Frame.Release()
		}
		return
	}
	n.queue = append(n.queue, ev)
	n.mu.Unlock()
	select {
	case n.signal <- struct{}{}:
	default:
	}
}

// pushRender queues r unless an earlier request is still waiting.
func (n *notifier) pushRender(r RenderRequest) {
	if !n.pending.CompareAndSwap(false, true) {
		return
	}
	n.push(event{kind: eventRender, render: r})
}

// close stops accepting events. Events already queued are still delivered.
func (n *notifier) close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()
	select {
	case n.signal <- struct{}{}:
	default:
	}
}

func (n *notifier) loop() {
	defer close(n.exited)
	for {
		<-n.signal
		for {
			n.mu.Lock()
			if len(n.queue) == 0 {
				closed := n.closed
				n.queue = nil
				n.mu.Unlock()
				if closed {
					return
				}
				break
			}
			ev := n.queue[0]
			n.queue[0] = event{}
			n.queue = n.queue[1:]
			n.mu.Unlock()
			n.deliver(ev)
		}
	}
}

func (n *notifier) deliver(ev event) {
	n.deliverMu.Lock()
	defer n.deliverMu.Unlock()
	h := n.handler
	switch ev.kind {
	case eventCompleted:
		if h != nil {
			h.FrameCompleted(ev.completion)
		}
		if ev.completion.Frame != nil {
			ev.completion.Frame.Release()
		}
	case eventRender:
		n.pending.Store(false)
		if h != nil {
			h.RenderAudio(ev.render)
		}
	case eventStopped:
		if h != nil {
			h.PlaybackStopped(ev.reason)
		}
	}
}
