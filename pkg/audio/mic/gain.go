package mic

import (
	"encoding/binary"
	"math"

	"github.com/MrWong99/questvoice/pkg/audio"
)

const (
	minGain    = 0.5
	maxGain    = 8.0
	gainAttack = 0.1
	// Frames quieter than this are treated as silence and do not move the gain.
	gainSilence = 1e-4
)

// gainControl is a slow-moving automatic gain stage that pulls the frame RMS
// towards a target level. Not safe for concurrent use; owned by the capture
// loop.
type gainControl struct {
	target float64
	gain   float64
}

func newGainControl(target float64) *gainControl {
	return &gainControl{target: target, gain: 1}
}

// apply scales pcm in place and clamps to the int16 range.
func (g *gainControl) apply(pcm []byte) {
	rms := audio.RMS(pcm)
	if rms > gainSilence {
		desired := min(max(g.target/rms, minGain), maxGain)
		g.gain += (desired - g.gain) * gainAttack
	}
	if g.gain == 1 {
		return
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) * g.gain
		s = math.Max(-32768, math.Min(32767, s))
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(s)))
	}
}
