package filters

import (
	"math"

	"github.com/pkg/errors"
)

// Butterworth is a second-order low-pass IIR filter designed with the bilinear transform.
type Butterworth struct {
	b0, b1, b2 float64
	a1, a2     float64

	x1, x2 float64
	y1, y2 float64
	primed bool
}

// NewButterworth designs a filter for the sample rate freq and cutoff frequency, both in Hz.
func NewButterworth(freq, cutoff float64) (*Butterworth, error) {
	if freq <= 0 {
		return nil, errors.Errorf("butterworth sample rate must be positive, got %v", freq)
	}
	if cutoff <= 0 || cutoff >= freq/2 {
		return nil, errors.Errorf("butterworth cutoff %v Hz must lie in (0, %v)", cutoff, freq/2)
	}
	ita := 1 / math.Tan(math.Pi*cutoff/freq)
	q := math.Sqrt2
	b0 := 1 / (1 + q*ita + ita*ita)
	return &Butterworth{
		b0: b0,
		b1: 2 * b0,
		b2: b0,
		a1: 2 * (ita*ita - 1) * b0,
		a2: -(1 - q*ita + ita*ita) * b0,
	}, nil
}

// Reset forgets the filter history; the next sample re-primes it.
func (f *Butterworth) Reset() {
	f.x1, f.x2, f.y1, f.y2 = 0, 0, 0, 0
	f.primed = false
}

func (f *Butterworth) Next(x float64) float64 {
	if !f.primed {
		f.x1, f.x2, f.y1, f.y2 = x, x, x, x
		f.primed = true
	}
	y := f.b0*x + f.b1*f.x1 + f.b2*f.x2 + f.a1*f.y1 + f.a2*f.y2
	f.x2, f.x1 = f.x1, x
	f.y2, f.y1 = f.y1, y
	return y
}
