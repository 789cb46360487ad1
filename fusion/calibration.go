package fusion

import (
	"github.com/golang/geo/r3"

	"humanoid-engine/spatial"
)

// Calibrator estimates constant IMU biases from the first samples, taken while the robot
// stands still. Once finished it never accumulates again.
type Calibrator struct {
	maxCycles int
	gravity   float64
	active    bool

	gyroSum, accSum r3.Vector
	cycles          int

	gyroBias, accBias r3.Vector
}

// NewCalibrator starts from the configured biases, which are kept if calibration is disabled.
func NewCalibrator(enabled bool, maxCycles int, gravity float64, gyroBias, accBias r3.Vector) *Calibrator {
	return &Calibrator{
		maxCycles: maxCycles,
		gravity:   gravity,
		active:    enabled,
		gyroBias:  gyroBias,
		accBias:   accBias,
	}
}

// CalibrationStep is the outcome of feeding one IMU sample.
type CalibrationStep int

const (
	// CalibrationInactive means the sample is free for estimation.
	CalibrationInactive CalibrationStep = iota
	// CalibrationAccumulated means the sample was absorbed and must not reach the estimators.
	CalibrationAccumulated
	// CalibrationFinished means the biases were just frozen; the sample proceeds to estimation.
	CalibrationFinished
)

// Observe feeds one body-frame IMU sample together with the current attitude.
func (c *Calibrator) Observe(gyro, acc r3.Vector, rwb spatial.Mat3) CalibrationStep {
	if !c.active {
		return CalibrationInactive
	}
	if c.cycles < c.maxCycles {
		c.gyroSum = c.gyroSum.Add(gyro)
		c.accSum = c.accSum.Add(acc.Sub(rwb.T().MulVec(r3.Vector{Z: c.gravity})))
		c.cycles++
		return CalibrationAccumulated
	}
	if c.cycles > 0 {
		n := float64(c.cycles)
		c.gyroBias = c.gyroSum.Mul(1 / n)
		c.accBias = c.accSum.Mul(1 / n)
	}
	c.active = false
	return CalibrationFinished
}

func (c *Calibrator) Active() bool { return c.active }

// Cycles is the number of samples absorbed.
func (c *Calibrator) Cycles() int { return c.cycles }

func (c *Calibrator) Biases() (gyro, acc r3.Vector) { return c.gyroBias, c.accBias }
