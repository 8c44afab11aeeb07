package media

import (
	"fmt"

	"github.com/MrWong99/framesync/pkg/timebase"
)

// AudioFormat describes interleaved PCM.
type AudioFormat struct {
	SampleRate int64
	SampleBits int // 16 or 32
	Channels   int
}

// Validate reports an error for unsupported sample layouts.
func (f AudioFormat) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("media: invalid sample rate %d", f.SampleRate)
	}
	if f.SampleBits != 16 && f.SampleBits != 32 {
		return fmt.Errorf("media: invalid sample depth %d", f.SampleBits)
	}
	switch f.Channels {
	case 1, 2, 8, 16, 32, 64:
	default:
		return fmt.Errorf("media: invalid channel count %d", f.Channels)
	}
	return nil
}

// FrameBytes returns the size of one sample frame (one sample per channel).
func (f AudioFormat) FrameBytes() int { return f.Channels * f.SampleBits / 8 }

// AudioBlock is a run of contiguous interleaved sample frames submitted for
// playback.
//
// A block without a timestamp (Timed == false) is appended directly after the
// currently buffered tail. A timed block is placed by StreamTime.
type AudioBlock struct {
	Samples      []byte
	SampleFrames int
	Timed        bool
	StreamTime   timebase.Time
}

// ContinuousBlock returns an untimed block.
func ContinuousBlock(samples []byte, frames int) AudioBlock {
	return AudioBlock{Samples: samples, SampleFrames: frames}
}

// TimedBlock returns a block scheduled at t.
func TimedBlock(samples []byte, frames int, t timebase.Time) AudioBlock {
	return AudioBlock{Samples: samples, SampleFrames: frames, Timed: true, StreamTime: t}
}

// Slice returns the sample frames [from, to) of b. frameBytes is the size of
// one sample frame. A timed block's StreamTime is not adjusted; callers that
// split timed blocks track the offset themselves.
func (b AudioBlock) Slice(from, to, frameBytes int) AudioBlock {
	out := b
	out.Samples = b.Samples[from*frameBytes : to*frameBytes]
	out.SampleFrames = to - from
	return out
}

// AudioPacket is captured audio delivered alongside (or instead of) a frame.
type AudioPacket struct {
	Samples      []byte
	SampleFrames int
	// PacketTime is the capture time of the first sample frame, in the
	// sample rate's scale.
	PacketTime timebase.Time
}
