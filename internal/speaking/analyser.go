package speaking

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	// FFTSize is the analysis window in samples.
	FFTSize = 1024

	minDecibels = -100.0
	maxDecibels = -30.0

	// A window older than this is treated as silence.
	staleAfter = 250 * time.Millisecond
)

// Analyser keeps the most recent FFTSize samples of one stream and turns
// them into byte frequency magnitudes.
type Analyser struct {
	clock  clock.Clock
	fft    *fourier.FFT
	window []float64

	mu      sync.Mutex
	ring    []float64
	pos     int
	filled  bool
	updated time.Time
	closed  bool
}

func NewAnalyser(clk clock.Clock) *Analyser {
	w := make([]float64, FFTSize)
	for i := range w {
		// Blackman
		x := 2 * math.Pi * float64(i) / float64(FFTSize-1)
		w[i] = 0.42 - 0.5*math.Cos(x) + 0.08*math.Cos(2*x)
	}
	return &Analyser{
		clock:  clk,
		fft:    fourier.NewFFT(FFTSize),
		window: w,
		ring:   make([]float64, FFTSize),
	}
}

// Write appends PCM samples. Safe for concurrent use.
func (a *Analyser) Write(pcm []int16) {
	if len(pcm) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	for _, s := range pcm {
		a.ring[a.pos] = float64(s) / 32768
		a.pos = (a.pos + 1) % FFTSize
		if a.pos == 0 {
			a.filled = true
		}
	}
	a.updated = a.clock.Now()
}

// FrequencyData returns FFTSize/2 magnitudes scaled so that minDecibels maps
// to 0 and maxDecibels to 255. A stale or empty window yields zeros.
func (a *Analyser) FrequencyData() []byte {
	out := make([]byte, FFTSize/2)
	samples := a.snapshot()
	if samples == nil {
		return out
	}
	for i := range samples {
		samples[i] *= a.window[i]
	}
	coeffs := a.fft.Coefficients(nil, samples)
	for k := range out {
		mag := math.Hypot(real(coeffs[k]), imag(coeffs[k])) / FFTSize
		if mag == 0 {
			continue
		}
		db := 20 * math.Log10(mag)
		v := 255 * (db - minDecibels) / (maxDecibels - minDecibels)
		switch {
		case v <= 0:
		case v >= 255:
			out[k] = 255
		default:
			out[k] = byte(v)
		}
	}
	return out
}

// Level is the mean of FrequencyData.
func (a *Analyser) Level() float64 {
	data := a.FrequencyData()
	var sum int
	for _, b := range data {
		sum += int(b)
	}
	return float64(sum) / float64(len(data))
}

func (a *Analyser) snapshot() []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || (!a.filled && a.pos == 0) {
		return nil
	}
	if a.clock.Now().Sub(a.updated) > staleAfter {
		return nil
	}
	// Oldest sample first; an unfilled ring is zero-padded at the front.
	out := make([]float64, FFTSize)
	n := copy(out, a.ring[a.pos:])
	copy(out[n:], a.ring[:a.pos])
	return out
}

// Close drops the buffered samples; later writes are ignored.
func (a *Analyser) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.ring = make([]float64, FFTSize)
	a.pos = 0
	a.filled = false
}
