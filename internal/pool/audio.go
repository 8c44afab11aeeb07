package pool

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/MrWong99/framesync/internal/channel"
	"github.com/MrWong99/framesync/pkg/media"
	"github.com/MrWong99/framesync/pkg/timebase"
)

// DefaultAudioBufferMillis is the audio buffer length used when none is
// configured.
const DefaultAudioBufferMillis = 2000

// AudioBuffer holds pending playback audio.
//
// Untimed blocks form a FIFO consumed in submission order with
// [AudioBuffer.Take]. Timed blocks are kept in stream-time order and consumed
// with [AudioBuffer.TakeDue]. Capacity is counted in sample frames across both.
type AudioBuffer struct {
	format   media.AudioFormat
	capacity int

	mu         sync.Mutex
	continuous []media.AudioBlock
	timed      []media.AudioBlock
	buffered   int
	gen        uint64        // bumped by Flush to cancel blocked writers
	space      chan struct{} // closed and replaced whenever room appears
}

// NewAudioBuffer returns a buffer for format holding capacity sample frames.
// A non-positive capacity selects [DefaultAudioBufferMillis] of audio.
func NewAudioBuffer(format media.AudioFormat, capacity int) *AudioBuffer {
	if capacity <= 0 {
		capacity = int(timebase.Convert(DefaultAudioBufferMillis, 1000, format.SampleRate))
	}
	return &AudioBuffer{
		format:   format,
		capacity: capacity,
		space:    make(chan struct{}),
	}
}

// Format returns the sample layout of the buffer.
func (b *AudioBuffer) Format() media.AudioFormat { return b.format }

// Capacity returns the capacity in sample frames.
func (b *AudioBuffer) Capacity() int { return b.capacity }

// Buffered returns the number of buffered sample frames.
func (b *AudioBuffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffered
}

// TryWrite accepts as many sample frames of block as fit without waiting and
// returns the count. Untimed blocks append after the buffered tail; timed
// blocks are inserted by stream time.
func (b *AudioBuffer) TryWrite(block media.AudioBlock) (int, error) {
	if err := b.check(block); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acceptLocked(block, 0), nil
}

// Write blocks until every sample frame of block has been accepted, ctx is
// done, or the buffer is flushed. A flush while waiting returns
// [channel.ErrAlreadyStopped]; frames accepted before the flush are
// discarded with it.
func (b *AudioBuffer) Write(ctx context.Context, block media.AudioBlock) error {
	if err := b.check(block); err != nil {
		return err
	}
	b.mu.Lock()
	gen := b.gen
	off := 0
	for {
		if b.gen != gen {
			b.mu.Unlock()
			return channel.ErrAlreadyStopped
		}
		off += b.acceptLocked(block, off)
		if off >= block.SampleFrames {
			b.mu.Unlock()
			return nil
		}
		space := b.space
		b.mu.Unlock()

		select {
		case <-space:
		case <-ctx.Done():
			return ctx.Err()
		}
		b.mu.Lock()
	}
}

func (b *AudioBuffer) check(block media.AudioBlock) error {
	fb := b.format.FrameBytes()
	if block.SampleFrames < 0 || len(block.Samples) < block.SampleFrames*fb {
		return fmt.Errorf("pool: audio block of %d frames with %d bytes: %w",
			block.SampleFrames, len(block.Samples), channel.ErrInvalidArgument)
	}
	if block.Timed && !block.StreamTime.Valid() {
		return fmt.Errorf("pool: timed audio block without scale: %w", channel.ErrInvalidArgument)
	}
	return nil
}

// acceptLocked stores the frames of block starting at offset off that fit and
// returns how many were stored.
func (b *AudioBuffer) acceptLocked(block media.AudioBlock, off int) int {
	room := b.capacity - b.buffered
	n := min(room, block.SampleFrames-off)
	if n <= 0 {
		return 0
	}
	part := block.Slice(off, off+n, b.format.FrameBytes())
	if block.Timed {
		scale := block.StreamTime.Scale
		part.StreamTime = block.StreamTime.Add(timebase.Convert(int64(off), b.format.SampleRate, scale))
		i := sort.Search(len(b.timed), func(i int) bool {
			return timebase.Compare(b.timed[i].StreamTime, part.StreamTime) > 0
		})
		b.timed = slices.Insert(b.timed, i, part)
	} else {
		b.continuous = append(b.continuous, part)
	}
	b.buffered += n
	return n
}

// Take removes up to maxFrames sample frames from the untimed FIFO and
// returns them as one contiguous buffer.
func (b *AudioBuffer) Take(maxFrames int) ([]byte, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	fb := b.format.FrameBytes()
	var out []byte
	taken := 0
	for taken < maxFrames && len(b.continuous) > 0 {
		head := b.continuous[0]
		n := min(head.SampleFrames, maxFrames-taken)
		out = append(out, head.Samples[:n*fb]...)
		taken += n
		if n == head.SampleFrames {
			b.continuous[0] = media.AudioBlock{}
			b.continuous = b.continuous[1:]
		} else {
			b.continuous[0] = head.Slice(n, head.SampleFrames, fb)
		}
	}
	b.releaseLocked(taken)
	return out, taken
}

// TakeDue removes the timed blocks whose stream time has arrived at st.
// Sample frames that lie before st are discarded and counted in late, so a
// block that started earlier is returned starting at st.
func (b *AudioBuffer) TakeDue(st timebase.Time) (due []media.AudioBlock, late int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rate := b.format.SampleRate
	n := 0
	freed := 0
	for n < len(b.timed) {
		blk := b.timed[n]
		if timebase.Compare(blk.StreamTime, st) > 0 {
			break
		}
		scale := blk.StreamTime.Scale
		skip := int(timebase.Convert(st.In(scale).Value-blk.StreamTime.Value, scale, rate))
		if skip >= blk.SampleFrames {
			late += blk.SampleFrames
		} else {
			if skip > 0 {
				late += skip
				blk = blk.Slice(skip, blk.SampleFrames, b.format.FrameBytes())
				blk.StreamTime = blk.StreamTime.Add(timebase.Convert(int64(skip), rate, scale))
			}
			due = append(due, blk)
		}
		freed += b.timed[n].SampleFrames
		n++
	}
	m := copy(b.timed, b.timed[n:])
	clear(b.timed[m:])
	b.timed = b.timed[:m]
	b.releaseLocked(freed)
	return due, late
}

// Flush discards everything buffered, wakes blocked writers with
// [channel.ErrAlreadyStopped] and returns the number of sample frames
// discarded.
func (b *AudioBuffer) Flush() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.buffered
	b.continuous = nil
	b.timed = nil
	b.gen++
	b.buffered = 0
	b.signalLocked()
	return n
}

func (b *AudioBuffer) releaseLocked(n int) {
	if n == 0 {
		return
	}
	b.buffered -= n
	b.signalLocked()
}

func (b *AudioBuffer) signalLocked() {
	close(b.space)
	b.space = make(chan struct{})
}
