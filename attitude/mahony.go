package attitude

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"humanoid-engine/spatial"
)

// Mahony is the explicit complementary filter with proportional and integral gyro correction.
type Mahony struct {
	dt       float64
	kp, ki   float64
	q        quat.Number
	integral r3.Vector
	gyro     r3.Vector
}

func NewMahony(freq, kp, ki float64) *Mahony {
	return &Mahony{dt: 1 / freq, kp: kp, ki: ki, q: spatial.IdentityQuat}
}

func (m *Mahony) Update(gyro, acc r3.Vector) {
	m.gyro = gyro
	w := gyro
	if n := acc.Norm(); n > 0 {
		a := acc.Mul(1 / n)
		q0, q1, q2, q3 := m.q.Real, m.q.Imag, m.q.Jmag, m.q.Kmag
		// Gravity direction predicted in the body frame.
		v := r3.Vector{
			X: 2 * (q1*q3 - q0*q2),
			Y: 2 * (q0*q1 + q2*q3),
			Z: q0*q0 - q1*q1 - q2*q2 + q3*q3,
		}
		e := a.Cross(v)
		if m.ki > 0 {
			m.integral = m.integral.Add(e.Mul(m.ki * m.dt))
			w = w.Add(m.integral)
		}
		w = w.Add(e.Mul(m.kp))
	}
	m.q = integrate(m.q, w, m.dt)
}

func (m *Mahony) Rotation() spatial.Mat3 { return spatial.QuatToMat3(m.q) }

func (m *Mahony) AngularVelocity() r3.Vector { return m.Rotation().MulVec(m.gyro) }

func (m *Mahony) Quaternion() quat.Number { return m.q }

// SetQuaternion overrides the current orientation.
func (m *Mahony) SetQuaternion(q quat.Number) {
	m.q = spatial.NormalizeQuat(q)
	m.integral = r3.Vector{}
}
