package media

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// AudioConverter converts interleaved little-endian PCM from one
// [AudioFormat] to another. Conversion order: resample, then map channels,
// then change sample depth.
//
// Channel mapping averages every source channel into mono, duplicates mono
// into every target channel and otherwise maps channels by index, filling
// missing ones with silence.
//
// Create one per stream; not designed for shared use across goroutines.
type AudioConverter struct {
	From AudioFormat
	To   AudioFormat

	warned sync.Once
}

// Convert converts frames sample frames of samples. It returns the converted
// samples and their frame count. When the formats match the input is returned
// unchanged (zero allocation).
func (c *AudioConverter) Convert(samples []byte, frames int) ([]byte, int) {
	if c.From == c.To {
		return samples, frames
	}
	if need := frames * c.From.FrameBytes(); frames <= 0 || len(samples) < need {
		return nil, 0
	}
	c.warned.Do(func() {
		slog.Warn("audio format mismatch: converting", "from", c.From.String(), "to", c.To.String())
	})

	pcm := decodePCM(samples, frames*c.From.Channels, c.From.SampleBits)
	if c.From.SampleRate != c.To.SampleRate {
		pcm, frames = Resample(pcm, c.From.Channels, c.From.SampleRate, c.To.SampleRate)
	}
	if c.From.Channels != c.To.Channels {
		pcm = RemapChannels(pcm, c.From.Channels, c.To.Channels)
	}
	return encodePCM(pcm, c.To.SampleBits), frames
}

// String returns a short description such as "48000Hz 16bit stereo".
func (f AudioFormat) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %dbit %s", f.SampleRate, f.SampleBits, ch)
}

// decodePCM reads n samples at the given depth, scaled to the full int32
// range.
func decodePCM(b []byte, n, bits int) []int32 {
	out := make([]int32, n)
	for i := range out {
		if bits == 16 {
			out[i] = int32(int16(binary.LittleEndian.Uint16(b[i*2:]))) << 16
		} else {
			out[i] = int32(binary.LittleEndian.Uint32(b[i*4:]))
		}
	}
	return out
}

func encodePCM(pcm []int32, bits int) []byte {
	out := make([]byte, len(pcm)*bits/8)
	for i, s := range pcm {
		if bits == 16 {
			binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s>>16)))
		} else {
			binary.LittleEndian.PutUint32(out[i*4:], uint32(s))
		}
	}
	return out
}

// Resample converts interleaved samples with the given channel count from
// srcRate to dstRate using linear interpolation. It returns the new samples
// and their frame count.
func Resample(pcm []int32, channels int, srcRate, dstRate int64) ([]int32, int) {
	srcFrames := len(pcm) / channels
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm, srcFrames
	}
	dstFrames := int(int64(srcFrames) * dstRate / srcRate)
	if dstFrames == 0 {
		return nil, 0
	}

	out := make([]int32, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for ch := range channels {
			s0 := float64(pcm[idx*channels+ch])
			s1 := float64(pcm[next*channels+ch])
			out[i*channels+ch] = int32(s0*(1-frac) + s1*frac)
		}
	}
	return out, dstFrames
}

// RemapChannels converts interleaved samples from src to dst channels.
func RemapChannels(pcm []int32, src, dst int) []int32 {
	frames := len(pcm) / src
	out := make([]int32, frames*dst)
	for f := range frames {
		in := pcm[f*src : (f+1)*src]
		o := out[f*dst : (f+1)*dst]
		switch {
		case dst == 1:
			var sum int64
			for _, s := range in {
				sum += int64(s)
			}
			o[0] = clamp32(sum / int64(src))
		case src == 1:
			for ch := range o {
				o[ch] = in[0]
			}
		default:
			copy(o, in)
		}
	}
	return out
}

func clamp32(v int64) int32 {
	return int32(max(math.MinInt32, min(v, math.MaxInt32)))
}
