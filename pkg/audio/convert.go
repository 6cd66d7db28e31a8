package audio

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Format describes interleaved signed 16-bit little-endian PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// Valid reports whether rate and channel count are usable.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// FrameBytes returns the number of PCM bytes covering d.
func (f Format) FrameBytes(d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * f.Channels * 2
}

// FrameSamples returns the number of samples per channel covering d.
func (f Format) FrameSamples(d time.Duration) int {
	return int(int64(f.SampleRate) * int64(d) / int64(time.Second))
}

// String returns a human-readable form, e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Converter converts PCM chunks from a source format to Target. It logs a
// warning on the first mismatch and drops misaligned chunks.
// Create one per stream; it is not meant to be shared across goroutines.
type Converter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert converts pcm from src to the target format. When src already
// matches the target the input slice is returned unchanged.
// Conversion order: resample first, then channel convert.
func (c *Converter) Convert(src Format, pcm []byte) []byte {
	if len(pcm)%(2*max(src.Channels, 1)) != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio: misaligned PCM chunk, dropping",
				"bytes", len(pcm),
				"format", src.String(),
			)
		})
		return nil
	}
	if src == c.Target {
		return pcm
	}

	c.warnedMismatch.Do(func() {
		slog.Info("audio: converting PCM format", "from", src.String(), "to", c.Target.String())
	})

	if src.SampleRate != c.Target.SampleRate {
		pcm = Resample16(pcm, src.Channels, src.SampleRate, c.Target.SampleRate)
	}
	switch {
	case src.Channels == c.Target.Channels:
	case src.Channels == 1 && c.Target.Channels == 2:
		pcm = MonoToStereo(pcm)
	case src.Channels == 2 && c.Target.Channels == 1:
		pcm = StereoToMono(pcm)
	default:
		pcm = remix(pcm, src.Channels, c.Target.Channels)
	}
	return pcm
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		j := i * 2
		out[j], out[j+1] = pcm[i], pcm[i+1]
		out[j+2], out[j+3] = pcm[i], pcm[i+1]
	}
	return out
}

// StereoToMono averages L and R of every stereo frame.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(sampleAt(pcm, i*2))
		r := int32(sampleAt(pcm, i*2+1))
		putSample(out, i, clamp16((l+r)/2))
	}
	return out
}

// remix maps any channel count to any other by averaging all source channels
// into every target channel.
func remix(pcm []byte, from, to int) []byte {
	if from <= 0 || to <= 0 {
		return pcm
	}
	frames := len(pcm) / (2 * from)
	out := make([]byte, frames*to*2)
	for i := range frames {
		var sum int32
		for ch := range from {
			sum += int32(sampleAt(pcm, i*from+ch))
		}
		v := clamp16(sum / int32(from))
		for ch := range to {
			putSample(out, i*to+ch, v)
		}
	}
	return out
}

// Resample16 resamples interleaved PCM with the given channel count from
// srcRate to dstRate using linear interpolation. Equal or invalid rates return
// the input unchanged.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*channels*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for ch := range channels {
			s0 := float64(sampleAt(pcm, idx*channels+ch))
			s1 := float64(sampleAt(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

// Int16s converts little-endian PCM bytes to samples.
func Int16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = sampleAt(b, i)
	}
	return pcm
}

// Bytes converts samples to little-endian PCM bytes.
func Bytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		putSample(b, i, s)
	}
	return b
}

func sampleAt(b []byte, i int) int16 {
	return int16(b[i*2]) | int16(b[i*2+1])<<8
}

func putSample(b []byte, i int, s int16) {
	b[i*2] = byte(s)
	b[i*2+1] = byte(s >> 8)
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
