package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// String renders f as e.g. "48000Hz mono".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// FormatConverter adapts frames of any format to Target. A stream that
// differs from Target is downmixed to mono, resampled, and spread back to
// the target channel count. The first mismatch and the first misaligned
// frame are logged once each.
//
// Use one converter per stream.
type FormatConverter struct {
	Target Format

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	mismatch sync.Once
	corrupt  sync.Once
}

// Convert returns frame in the target format. A frame already in that format
// is returned as is, sharing its buffer. A frame with an odd byte count is
// dropped and an empty frame returned in its place.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	src := Format{SampleRate: frame.SampleRate, Channels: frame.Channels}
	if len(frame.Data)%2 != 0 || src.Channels <= 0 {
		c.corrupt.Do(func() {
			c.logger().Warn("audio: dropping misaligned pcm frame", "bytes", len(frame.Data), "format", src)
		})
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}
	if src == c.Target {
		return frame
	}
	c.mismatch.Do(func() {
		c.logger().Warn("audio: converting stream format", "from", src, "to", c.Target)
	})

	samples, ch, rate := BytesToInt16s(frame.Data), src.Channels, src.SampleRate
	if ch > 1 && (ch != c.Target.Channels || rate != c.Target.SampleRate) {
		samples, ch = downmix(samples, ch), 1
	}
	if c.Target.SampleRate > 0 && rate > 0 && rate != c.Target.SampleRate {
		samples, rate = resample(samples, rate, c.Target.SampleRate), c.Target.SampleRate
	}
	if ch == 1 && c.Target.Channels > 1 {
		samples, ch = upmix(samples, c.Target.Channels), c.Target.Channels
	}
	return AudioFrame{Data: Int16sToBytes(samples), SampleRate: rate, Channels: ch, Timestamp: frame.Timestamp}
}

func (c *FormatConverter) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// MonoToStereo copies every mono sample of pcm to both channels.
func MonoToStereo(pcm []byte) []byte {
	return Int16sToBytes(upmix(BytesToInt16s(pcm), 2))
}

// StereoToMono averages the two channels of interleaved stereo pcm.
func StereoToMono(pcm []byte) []byte {
	return Int16sToBytes(downmix(BytesToInt16s(pcm), 2))
}

// ResampleMono16 converts mono pcm from srcRate to dstRate by linear
// interpolation. Matching or non-positive rates return pcm untouched.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	out := resample(BytesToInt16s(pcm), srcRate, dstRate)
	if len(out) == 0 {
		return nil
	}
	return Int16sToBytes(out)
}

// downmix averages each group of ch interleaved samples. Trailing samples
// that do not fill a group are dropped.
func downmix(s []int16, ch int) []int16 {
	out := make([]int16, len(s)/ch)
	for i := range out {
		var sum int32
		for _, v := range s[i*ch : i*ch+ch] {
			sum += int32(v)
		}
		out[i] = int16(sum / int32(ch))
	}
	return out
}

func upmix(s []int16, ch int) []int16 {
	out := make([]int16, 0, len(s)*ch)
	for _, v := range s {
		for range ch {
			out = append(out, v)
		}
	}
	return out
}

func resample(s []int16, from, to int) []int16 {
	n := int(int64(len(s)) * int64(to) / int64(from))
	out := make([]int16, n)
	step := float64(from) / float64(to)
	last := len(s) - 1
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		next := min(j+1, last)
		w := pos - float64(j)
		out[i] = int16(math.Round(float64(s[j])*(1-w) + float64(s[next])*w))
	}
	return out
}

// Int16sToBytes encodes samples as little-endian PCM.
func Int16sToBytes(s []int16) []byte {
	b := make([]byte, 2*len(s))
	for i, v := range s {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(v))
	}
	return b
}

// BytesToInt16s decodes little-endian PCM. An odd trailing byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	s := make([]int16, len(b)/2)
	for i := range s {
		s[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return s
}

// RMS is the root-mean-square level of 16-bit pcm scaled to [0, 1]. Empty
// input yields 0.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < 2*n; i += 2 {
		x := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) / 32768
		sum += x * x
	}
	return math.Sqrt(sum / float64(n))
}
