// Package level computes a normalised loudness signal from live PCM audio
// using frequency-domain analysis.
//
// The [Meter] follows the behaviour of a browser AnalyserNode: the most recent
// window of samples is Blackman-windowed, transformed with a real FFT, the
// per-bin magnitudes are smoothed over time, converted to decibels, mapped from
// the [MinDecibels, MaxDecibels] range onto [0, 1] and averaged across bins.
// The result is suitable for driving a microphone activity indicator.
package level

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	defaultSize      = 512
	defaultSmoothing = 0.8
	defaultMinDB     = -100.0
	defaultMaxDB     = -30.0
)

// Option configures a [Meter].
type Option func(*Meter)

// WithSize sets the analysis window in samples. Values below 32 are ignored.
func WithSize(n int) Option {
	return func(m *Meter) {
		if n >= 32 {
			m.size = n
		}
	}
}

// WithSmoothing sets the temporal smoothing constant in [0, 1). Zero disables
// smoothing.
func WithSmoothing(s float64) Option {
	return func(m *Meter) {
		if s >= 0 && s < 1 {
			m.smoothing = s
		}
	}
}

// WithDecibelRange sets the dB range mapped onto [0, 1].
func WithDecibelRange(minDB, maxDB float64) Option {
	return func(m *Meter) {
		if minDB < maxDB {
			m.minDB, m.maxDB = minDB, maxDB
		}
	}
}

// Meter turns a stream of 16-bit mono PCM into a level in [0, 1].
// Meter is safe for concurrent use: Write is typically called from the capture
// goroutine and Level from a UI ticker.
type Meter struct {
	size      int
	smoothing float64
	minDB     float64
	maxDB     float64

	mu       sync.Mutex
	fft      *fourier.FFT
	window   []float64
	ring     []float64
	pos      int
	seq      []float64
	coeffs   []complex128
	smoothed []float64
}

// New returns a Meter with the given options applied.
func New(opts ...Option) *Meter {
	m := &Meter{
		size:      defaultSize,
		smoothing: defaultSmoothing,
		minDB:     defaultMinDB,
		maxDB:     defaultMaxDB,
	}
	for _, o := range opts {
		o(m)
	}
	m.fft = fourier.NewFFT(m.size)
	m.window = blackman(m.size)
	m.ring = make([]float64, m.size)
	m.seq = make([]float64, m.size)
	m.smoothed = make([]float64, m.size/2+1)
	return m
}

// Write appends little-endian int16 mono samples to the analysis window.
func (m *Meter) Write(pcm []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		m.ring[m.pos] = float64(s) / 32768
		m.pos = (m.pos + 1) % m.size
	}
}

// Level analyses the current window and returns the averaged, normalised
// spectral magnitude in [0, 1].
func (m *Meter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Unroll the ring buffer oldest-first and apply the window.
	for i := range m.size {
		m.seq[i] = m.ring[(m.pos+i)%m.size] * m.window[i]
	}
	m.coeffs = m.fft.Coefficients(m.coeffs, m.seq)

	var sum float64
	span := m.maxDB - m.minDB
	for k, c := range m.coeffs {
		mag := math.Hypot(real(c), imag(c)) / float64(m.size)
		m.smoothed[k] = m.smoothing*m.smoothed[k] + (1-m.smoothing)*mag
		db := 20 * math.Log10(m.smoothed[k])
		if math.IsInf(db, -1) || math.IsNaN(db) {
			continue
		}
		v := (db - m.minDB) / span
		sum += min(max(v, 0), 1)
	}
	return sum / float64(len(m.coeffs))
}

// Reset clears the analysis window and smoothing history.
func (m *Meter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.ring)
	clear(m.smoothed)
	m.pos = 0
}

// blackman returns the Blackman window used by Web Audio analysers.
func blackman(n int) []float64 {
	const a0, a1, a2 = 0.42, 0.5, 0.08
	w := make([]float64, n)
	for i := range w {
		x := 2 * math.Pi * float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(x) + a2*math.Cos(2*x)
	}
	return w
}
