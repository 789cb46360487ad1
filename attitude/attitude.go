// Package attitude integrates gyro and accelerometer samples into a body orientation.
package attitude

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"humanoid-engine/spatial"
)

// Filter is an orientation estimator fed with body-frame gyro (rad/s) and specific force (m/s²).
type Filter interface {
	Update(gyro, acc r3.Vector)
	// Rotation maps body-frame vectors into the world frame.
	Rotation() spatial.Mat3
	// AngularVelocity is the last gyro sample expressed in the world frame.
	AngularVelocity() r3.Vector
	Quaternion() quat.Number
}

// Options selects and tunes a filter.
type Options struct {
	Freq      float64
	UseMahony bool
	Kp, Ki    float64
	Beta      float64
}

// New returns a Mahony filter when UseMahony is set and a Madgwick filter otherwise.
func New(o Options) Filter {
	if o.UseMahony {
		return NewMahony(o.Freq, o.Kp, o.Ki)
	}
	return NewMadgwick(o.Freq, o.Beta)
}

// integrate advances q by the body rate w over dt and renormalizes.
func integrate(q quat.Number, w r3.Vector, dt float64) quat.Number {
	qdot := quat.Scale(0.5, quat.Mul(q, quat.Number{Imag: w.X, Jmag: w.Y, Kmag: w.Z}))
	return spatial.NormalizeQuat(quat.Add(q, quat.Scale(dt, qdot)))
}
