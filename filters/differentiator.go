package filters

import (
	"math"

	"github.com/pkg/errors"
)

// Differentiator estimates the rate of change of a sampled signal: a backward difference
// followed by a first-order low-pass. Joint velocities are derived from encoder positions this way.
type Differentiator struct {
	freq  float64
	alpha float64

	prev   float64
	rate   float64
	primed bool
}

// NewDifferentiator builds a differentiator for samples arriving at freq Hz, smoothed with the
// given cutoff in Hz.
func NewDifferentiator(freq, cutoff float64) (*Differentiator, error) {
	if freq <= 0 || cutoff <= 0 {
		return nil, errors.Errorf("differentiator needs positive rates, got freq=%v cutoff=%v", freq, cutoff)
	}
	dt := 1 / freq
	rc := 1 / (2 * math.Pi * cutoff)
	return &Differentiator{freq: freq, alpha: dt / (dt + rc)}, nil
}

func (f *Differentiator) Reset() {
	f.prev, f.rate = 0, 0
	f.primed = false
}

// Next consumes a position sample and returns the filtered rate. The first sample yields zero.
func (f *Differentiator) Next(x float64) float64 {
	if !f.primed {
		f.prev = x
		f.primed = true
		return 0
	}
	raw := (x - f.prev) * f.freq
	f.prev = x
	f.rate += f.alpha * (raw - f.rate)
	return f.rate
}
