// Package filters holds the scalar signal filters used to condition sensor streams.
package filters

import (
	"github.com/pkg/errors"
)

// Kind names a smoothing filter family.
type Kind string

const (
	KindButterworth   Kind = "butterworth"
	KindMovingAverage Kind = "moving_average"
)

// Filter is a stateful scalar filter fed one sample at a time.
type Filter interface {
	Reset()
	Next(x float64) float64
}

// NewSmoother builds a low-pass smoother of the requested kind. freq is the sample rate in Hz,
// cutoff applies to Butterworth and window to the moving average.
func NewSmoother(kind Kind, freq, cutoff float64, window int) (Filter, error) {
	switch kind {
	case KindButterworth:
		return NewButterworth(freq, cutoff)
	case KindMovingAverage:
		return NewMovingAverage(window)
	default:
		return nil, errors.Errorf("unsupported smoother kind %q", kind)
	}
}

// Bank applies one filter per axis.
type Bank [3]Filter

// NewBank builds three identical smoothers.
func NewBank(kind Kind, freq, cutoff float64, window int) (Bank, error) {
	var b Bank
	for i := range b {
		f, err := NewSmoother(kind, freq, cutoff, window)
		if err != nil {
			return Bank{}, errors.Wrapf(err, "axis %d", i)
		}
		b[i] = f
	}
	return b, nil
}

// Next filters x, y, z through the corresponding axis filter.
func (b Bank) Next(x, y, z float64) (float64, float64, float64) {
	return b[0].Next(x), b[1].Next(y), b[2].Next(z)
}

func (b Bank) Reset() {
	for _, f := range b {
		f.Reset()
	}
}
