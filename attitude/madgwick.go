package attitude

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"humanoid-engine/spatial"
)

// Madgwick is the gradient-descent orientation filter (IMU variant, no magnetometer).
type Madgwick struct {
	dt   float64
	beta float64
	q    quat.Number
	gyro r3.Vector
}

func NewMadgwick(freq, beta float64) *Madgwick {
	return &Madgwick{dt: 1 / freq, beta: beta, q: spatial.IdentityQuat}
}

func (m *Madgwick) Update(gyro, acc r3.Vector) {
	m.gyro = gyro
	q0, q1, q2, q3 := m.q.Real, m.q.Imag, m.q.Jmag, m.q.Kmag

	qdot := quat.Scale(0.5, quat.Mul(m.q, quat.Number{Imag: gyro.X, Jmag: gyro.Y, Kmag: gyro.Z}))

	if n := acc.Norm(); n > 0 {
		ax, ay, az := acc.X/n, acc.Y/n, acc.Z/n

		_2q0, _2q1, _2q2, _2q3 := 2*q0, 2*q1, 2*q2, 2*q3
		_4q0, _4q1, _4q2 := 4*q0, 4*q1, 4*q2
		_8q1, _8q2 := 8*q1, 8*q2
		q0q0, q1q1, q2q2, q3q3 := q0*q0, q1*q1, q2*q2, q3*q3

		s0 := _4q0*q2q2 + _2q2*ax + _4q0*q1q1 - _2q1*ay
		s1 := _4q1*q3q3 - _2q3*ax + 4*q0q0*q1 - _2q0*ay - _4q1 + _8q1*q1q1 + _8q1*q2q2 + _4q1*az
		s2 := 4*q0q0*q2 + _2q0*ax + _4q2*q3q3 - _2q3*ay - _4q2 + _8q2*q1q1 + _8q2*q2q2 + _4q2*az
		s3 := 4*q1q1*q3 - _2q1*ax + 4*q2q2*q3 - _2q2*ay

		if sn := math.Sqrt(s0*s0 + s1*s1 + s2*s2 + s3*s3); sn > 0 {
			step := quat.Number{Real: s0 / sn, Imag: s1 / sn, Jmag: s2 / sn, Kmag: s3 / sn}
			qdot = quat.Sub(qdot, quat.Scale(m.beta, step))
		}
	}

	m.q = spatial.NormalizeQuat(quat.Add(m.q, quat.Scale(m.dt, qdot)))
}

func (m *Madgwick) Rotation() spatial.Mat3 { return spatial.QuatToMat3(m.q) }

func (m *Madgwick) AngularVelocity() r3.Vector { return m.Rotation().MulVec(m.gyro) }

func (m *Madgwick) Quaternion() quat.Number { return m.q }

// SetQuaternion overrides the current orientation.
func (m *Madgwick) SetQuaternion(q quat.Number) { m.q = spatial.NormalizeQuat(q) }
