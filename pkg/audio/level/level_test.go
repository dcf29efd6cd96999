package level_test

import (
	"math"
	"testing"

	"github.com/MrWong99/questvoice/pkg/audio"
	"github.com/MrWong99/questvoice/pkg/audio/level"
)

// sine returns n samples of a full-scale-ish sine wave as PCM bytes.
func sine(n int, freq, rate, amp float64) []byte {
	s := make([]int16, n)
	for i := range s {
		s[i] = int16(amp * 32767 * math.Sin(2*math.Pi*freq*float64(i)/rate))
	}
	return audio.Int16sToBytes(s)
}

func TestMeter_SilenceIsZero(t *testing.T) {
	t.Parallel()
	m := level.New()
	m.Write(make([]byte, 2048))
	if got := m.Level(); got != 0 {
		t.Errorf("Level() for silence = %v, want 0", got)
	}
}

func TestMeter_LouderIsHigher(t *testing.T) {
	t.Parallel()

	quiet := level.New(level.WithSmoothing(0))
	quiet.Write(sine(1024, 440, 48000, 0.01))
	loud := level.New(level.WithSmoothing(0))
	loud.Write(sine(1024, 440, 48000, 0.9))

	q, l := quiet.Level(), loud.Level()
	if !(l > q) {
		t.Errorf("loud level %v should exceed quiet level %v", l, q)
	}
	if l <= 0 || l > 1 {
		t.Errorf("loud level %v out of (0, 1]", l)
	}
}

func TestMeter_SmoothingRampsUp(t *testing.T) {
	t.Parallel()
	m := level.New()
	m.Write(sine(1024, 1000, 48000, 0.8))
	first := m.Level()
	var last float64
	for range 20 {
		last = m.Level()
	}
	if !(last > first) {
		t.Errorf("smoothed level should rise: first=%v last=%v", first, last)
	}
}

func TestMeter_Reset(t *testing.T) {
	t.Parallel()
	m := level.New(level.WithSmoothing(0))
	m.Write(sine(1024, 440, 48000, 0.9))
	if m.Level() == 0 {
		t.Fatal("expected non-zero level before reset")
	}
	m.Reset()
	if got := m.Level(); got != 0 {
		t.Errorf("Level() after Reset = %v, want 0", got)
	}
}

func TestMeter_WithSize(t *testing.T) {
	t.Parallel()
	burst := sine(64, 3000, 48000, 0.9)

	short := level.New(level.WithSmoothing(0), level.WithSize(64))
	short.Write(burst)
	long := level.New(level.WithSmoothing(0))
	long.Write(burst)
	if s, l := short.Level(), long.Level(); !(s > l) {
		t.Errorf("64-sample window level %v should exceed default window level %v", s, l)
	}

	tiny := level.New(level.WithSmoothing(0), level.WithSize(16))
	tiny.Write(burst)
	if got, want := tiny.Level(), long.Level(); got != want {
		t.Errorf("undersized window not ignored: level %v, want %v", got, want)
	}
}

func TestMeter_WithDecibelRange(t *testing.T) {
	t.Parallel()
	signal := sine(1024, 440, 48000, 0.9)

	tests := []struct {
		name    string
		opt     level.Option
		compare func(got, base float64) bool
	}{
		{
			name:    "wider range reads lower",
			opt:     level.WithDecibelRange(-100, 0),
			compare: func(got, base float64) bool { return got < base },
		},
		{
			name:    "inverted range ignored",
			opt:     level.WithDecibelRange(-20, -80),
			compare: func(got, base float64) bool { return got == base },
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			base := level.New(level.WithSmoothing(0))
			base.Write(signal)
			m := level.New(level.WithSmoothing(0), tc.opt)
			m.Write(signal)
			if got, b := m.Level(), base.Level(); !tc.compare(got, b) {
				t.Errorf("level = %v, default range level = %v", got, b)
			}
		})
	}
}
