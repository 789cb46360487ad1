package fusion

import (
	"github.com/golang/geo/r3"

	"humanoid-engine/filters"
)

// GyroDerivative differentiates the world-frame angular velocity and smooths each axis.
type GyroDerivative struct {
	freq    float64
	bank    filters.Bank
	prev    r3.Vector
	started bool
}

// NewGyroDerivative builds the smoothing bank: a Butterworth low-pass at cutoff when lowPass is
// set, a moving average over window samples otherwise.
func NewGyroDerivative(freq float64, lowPass bool, cutoff float64, window int) (*GyroDerivative, error) {
	kind := filters.KindMovingAverage
	if lowPass {
		kind = filters.KindButterworth
	}
	bank, err := filters.NewBank(kind, freq, cutoff, window)
	if err != nil {
		return nil, err
	}
	return &GyroDerivative{freq: freq, bank: bank}, nil
}

// Next returns the smoothed angular acceleration. The first call only primes the difference
// and returns zero.
func (g *GyroDerivative) Next(gyro r3.Vector) r3.Vector {
	defer func() { g.prev = gyro }()
	if !g.started {
		g.started = true
		return r3.Vector{}
	}
	d := gyro.Sub(g.prev).Mul(g.freq)
	x, y, z := g.bank.Next(d.X, d.Y, d.Z)
	return r3.Vector{X: x, Y: y, Z: z}
}
