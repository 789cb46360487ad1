package fusion

// Estimator constants mirrored from the stock parameter file.
const (
	DefaultFreq      = 100.0
	DefaultGravity   = 9.81
	DefaultMass      = 5.14
	DefaultTm        = 0.3
	DefaultEf        = 0.4
	DefaultFreqVMin  = 0.1
	DefaultFreqVMax  = 2.5
	DefaultTau0      = 0.5
	DefaultTau1      = 0.01
	DefaultJointFreq = 100.0
	JointCutoffFreq  = 10.0
	JointNoise       = 0.03

	LosingContact  = 5.0
	VelocityThres  = 0.5
	MedianWindow   = 10
	MahonyKp       = 0.25
	MahonyKi       = 0.0
	MadgwickGain   = 0.012
	CalibrationMax = 500

	NoMotionThreshold = 5e-4
	NoMotionCycles    = 500
	OutlierLimit      = 3

	GyroCutoffFreq = 7.0
	GyroMAWindow   = 10
)

// Support leg names as published.
const (
	LeftLegName  = "LLeg"
	RightLegName = "RLeg"
)

// SupportIndexLeft is the external support index value that selects the left leg.
const SupportIndexLeft = 1

func clamp(x, min, max float64) float64 {
	if x < min {
		return min
	}
	if x > max {
		return max
	}
	return x
}
