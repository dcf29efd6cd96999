// Package opus wraps the gopus codec for the WebRTC audio path: the local
// microphone track is encoded from 48 kHz PCM and remote tracks are decoded
// back to PCM for playback.
package opus

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/questvoice/pkg/audio"
)

// WebRTC Opus runs at 48 kHz with 20 ms frames.
const (
	SampleRate  = 48000
	FrameMillis = 20
	// FrameSize is the number of samples per channel per 20 ms frame.
	FrameSize = SampleRate * FrameMillis / 1000 // 960

	// maxFrameSize is the largest Opus frame (120 ms) a decoder must accept.
	maxFrameSize = SampleRate * 120 / 1000
	maxPacket    = 4000
)

// Encoder encodes fixed 20 ms PCM frames into Opus packets. Not safe for
// concurrent use; create one per outbound track.
type Encoder struct {
	enc      *gopus.Encoder
	channels int
}

// NewEncoder creates an Opus encoder tuned for speech.
func NewEncoder(channels int) (*Encoder, error) {
	enc, err := gopus.NewEncoder(SampleRate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	return &Encoder{enc: enc, channels: channels}, nil
}

// Encode encodes one frame of little-endian int16 PCM. The frame must hold
// exactly [FrameSize] samples per channel.
func (e *Encoder) Encode(pcm []byte) ([]byte, error) {
	samples := audio.BytesToInt16s(pcm)
	if len(samples) != FrameSize*e.channels {
		return nil, fmt.Errorf("opus: encode: frame has %d samples, want %d", len(samples), FrameSize*e.channels)
	}
	pkt, err := e.enc.Encode(samples, FrameSize, maxPacket)
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	return pkt, nil
}

// Decoder decodes Opus packets into PCM. Not safe for concurrent use; create
// one per remote track to keep decoder state consistent.
type Decoder struct {
	dec      *gopus.Decoder
	channels int
}

// NewDecoder creates an Opus decoder producing the given channel count.
func NewDecoder(channels int) (*Decoder, error) {
	dec, err := gopus.NewDecoder(SampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{dec: dec, channels: channels}, nil
}

// Decode decodes one Opus packet into an [audio.AudioFrame].
func (d *Decoder) Decode(pkt []byte) (audio.AudioFrame, error) {
	pcm, err := d.dec.Decode(pkt, maxFrameSize, false)
	if err != nil {
		return audio.AudioFrame{}, fmt.Errorf("opus: decode: %w", err)
	}
	return audio.AudioFrame{
		Data:       audio.Int16sToBytes(pcm),
		SampleRate: SampleRate,
		Channels:   d.channels,
	}, nil
}

// Framer re-chunks arbitrary PCM into exact 20 ms frames for the encoder.
// Not safe for concurrent use.
type Framer struct {
	channels int
	buf      []byte
}

// NewFramer returns a Framer for the given channel count.
func NewFramer(channels int) *Framer {
	return &Framer{channels: channels}
}

// Push appends pcm and returns every complete frame now available.
func (f *Framer) Push(pcm []byte) [][]byte {
	f.buf = append(f.buf, pcm...)
	size := FrameSize * f.channels * 2
	var out [][]byte
	for len(f.buf) >= size {
		frame := make([]byte, size)
		copy(frame, f.buf[:size])
		out = append(out, frame)
		f.buf = f.buf[size:]
	}
	return out
}
