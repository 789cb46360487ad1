package spatial

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

const smallAngle = 1e-12

// IdentityQuat is the unit quaternion with no rotation.
var IdentityQuat = quat.Number{Real: 1}

// NormalizeQuat scales q to unit length. A zero quaternion becomes the identity.
func NormalizeQuat(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return IdentityQuat
	}
	return quat.Scale(1/n, q)
}

// QuatToMat3 converts a (not necessarily unit) quaternion into a rotation matrix.
func QuatToMat3(q quat.Number) Mat3 {
	q = NormalizeQuat(q)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return Mat3{
		{1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y)},
		{2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x)},
		{2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y)},
	}
}

// Mat3ToQuat converts a rotation matrix into a unit quaternion with non-negative real part.
func Mat3ToQuat(m Mat3) quat.Number {
	var q quat.Number
	tr := m[0][0] + m[1][1] + m[2][2]
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		q = quat.Number{
			Real: 0.25 * s,
			Imag: (m[2][1] - m[1][2]) / s,
			Jmag: (m[0][2] - m[2][0]) / s,
			Kmag: (m[1][0] - m[0][1]) / s,
		}
	case m[0][0] > m[1][1] && m[0][0] > m[2][2]:
		s := math.Sqrt(1+m[0][0]-m[1][1]-m[2][2]) * 2
		q = quat.Number{
			Real: (m[2][1] - m[1][2]) / s,
			Imag: 0.25 * s,
			Jmag: (m[0][1] + m[1][0]) / s,
			Kmag: (m[0][2] + m[2][0]) / s,
		}
	case m[1][1] > m[2][2]:
		s := math.Sqrt(1+m[1][1]-m[0][0]-m[2][2]) * 2
		q = quat.Number{
			Real: (m[0][2] - m[2][0]) / s,
			Imag: (m[0][1] + m[1][0]) / s,
			Jmag: 0.25 * s,
			Kmag: (m[1][2] + m[2][1]) / s,
		}
	default:
		s := math.Sqrt(1+m[2][2]-m[0][0]-m[1][1]) * 2
		q = quat.Number{
			Real: (m[1][0] - m[0][1]) / s,
			Imag: (m[0][2] + m[2][0]) / s,
			Jmag: (m[1][2] + m[2][1]) / s,
			Kmag: 0.25 * s,
		}
	}
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return NormalizeQuat(q)
}

// ExpSO3 maps a rotation vector to a rotation matrix (Rodrigues).
func ExpSO3(w r3.Vector) Mat3 {
	theta := w.Norm()
	if theta < smallAngle {
		return Identity().Add(Wedge(w))
	}
	k := Wedge(w.Mul(1 / theta))
	return Identity().Add(k.Scale(math.Sin(theta))).Add(k.Mul(k).Scale(1 - math.Cos(theta)))
}

// RotVecToQuat maps a rotation vector to a unit quaternion.
func RotVecToQuat(v r3.Vector) quat.Number {
	theta := v.Norm()
	if theta < smallAngle {
		return NormalizeQuat(quat.Number{Real: 1, Imag: v.X / 2, Jmag: v.Y / 2, Kmag: v.Z / 2})
	}
	s := math.Sin(theta/2) / theta
	return quat.Number{Real: math.Cos(theta / 2), Imag: v.X * s, Jmag: v.Y * s, Kmag: v.Z * s}
}

// QuatToRotVec is the inverse of RotVecToQuat, returning the shortest rotation.
func QuatToRotVec(q quat.Number) r3.Vector {
	q = NormalizeQuat(q)
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	im := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	n := im.Norm()
	if n < smallAngle {
		return im.Mul(2)
	}
	theta := 2 * math.Atan2(n, q.Real)
	return im.Mul(theta / n)
}

// QuatDelta returns now*prev⁻¹, the rotation that carries prev onto now.
func QuatDelta(now, prev quat.Number) quat.Number {
	return NormalizeQuat(quat.Mul(now, quat.Inv(prev)))
}

// QuatMul multiplies and renormalizes.
func QuatMul(a, b quat.Number) quat.Number {
	return NormalizeQuat(quat.Mul(a, b))
}

// OrthonormalizeRot re-projects m onto SO(3) through a quaternion round trip.
func OrthonormalizeRot(m Mat3) Mat3 {
	return QuatToMat3(Mat3ToQuat(m))
}
