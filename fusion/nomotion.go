package fusion

// NoMotionDetector latches once the base displacement per cycle has stayed below Threshold for
// Cycles consecutive checks. Any larger displacement clears the latch.
type NoMotionDetector struct {
	Threshold float64
	Cycles    int

	count   int
	latched bool
}

// Step feeds the norm of one cycle's displacement and reports the latch.
func (d *NoMotionDetector) Step(residual float64) bool {
	if residual >= d.Threshold {
		d.count = 0
		d.latched = false
		return false
	}
	d.count++
	if d.count >= d.Cycles {
		d.latched = true
		d.count = 0
	}
	return d.latched
}

func (d *NoMotionDetector) Latched() bool { return d.latched }

// Count is the current run of still cycles.
func (d *NoMotionDetector) Count() int { return d.count }
