package filters

import (
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// window is a fixed-capacity ring of the most recent samples.
type window struct {
	buf  []float64
	next int
	full bool
}

func newWindow(size int) (window, error) {
	if size < 1 {
		return window{}, errors.Errorf("window size must be at least 1, got %d", size)
	}
	return window{buf: make([]float64, size)}, nil
}

func (w *window) push(x float64) {
	w.buf[w.next] = x
	w.next++
	if w.next == len(w.buf) {
		w.next = 0
		w.full = true
	}
}

func (w *window) samples() []float64 {
	if w.full {
		return w.buf
	}
	return w.buf[:w.next]
}

func (w *window) reset() {
	w.next = 0
	w.full = false
}

// MovingAverage averages the last N samples (fewer while warming up).
type MovingAverage struct {
	w window
}

func NewMovingAverage(size int) (*MovingAverage, error) {
	w, err := newWindow(size)
	if err != nil {
		return nil, err
	}
	return &MovingAverage{w: w}, nil
}

func (f *MovingAverage) Reset() { f.w.reset() }

func (f *MovingAverage) Next(x float64) float64 {
	f.w.push(x)
	s := f.w.samples()
	return floats.Sum(s) / float64(len(s))
}

// Median reports the running median of the last N samples. Used to strip single-sample spikes
// off the vertical foot forces.
type Median struct {
	w       window
	scratch []float64
}

func NewMedian(size int) (*Median, error) {
	w, err := newWindow(size)
	if err != nil {
		return nil, err
	}
	return &Median{w: w, scratch: make([]float64, 0, size)}, nil
}

func (f *Median) Reset() { f.w.reset() }

func (f *Median) Next(x float64) float64 {
	f.w.push(x)
	f.scratch = append(f.scratch[:0], f.w.samples()...)
	sort.Float64s(f.scratch)
	n := len(f.scratch)
	if n%2 == 1 {
		return f.scratch[n/2]
	}
	return 0.5 * (f.scratch[n/2-1] + f.scratch[n/2])
}
