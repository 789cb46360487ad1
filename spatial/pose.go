package spatial

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid transform: x' = Rot·x + Trans.
type Pose struct {
	Rot   Mat3
	Trans r3.Vector
}

// IdentityPose returns the pose that maps every point to itself.
func IdentityPose() Pose {
	return Pose{Rot: Identity()}
}

// NewPoseQuat builds a pose from a translation and a quaternion.
func NewPoseQuat(t r3.Vector, q quat.Number) Pose {
	return Pose{Rot: QuatToMat3(q), Trans: t}
}

// Compose returns p∘q, i.e. q applied first.
func (p Pose) Compose(q Pose) Pose {
	return Pose{Rot: p.Rot.Mul(q.Rot), Trans: p.Rot.MulVec(q.Trans).Add(p.Trans)}
}

// Apply transforms a point.
func (p Pose) Apply(v r3.Vector) r3.Vector {
	return p.Rot.MulVec(v).Add(p.Trans)
}

func (p Pose) Inverse() Pose {
	rt := p.Rot.T()
	return Pose{Rot: rt, Trans: rt.MulVec(p.Trans).Mul(-1)}
}

// Quat returns the rotation part as a unit quaternion.
func (p Pose) Quat() quat.Number {
	return Mat3ToQuat(p.Rot)
}

// PoseFromAffine parses a row-major 4x4 homogeneous transform.
func PoseFromAffine(rowMajor []float64) (Pose, error) {
	if len(rowMajor) != 16 {
		return Pose{}, errors.Errorf("affine transform needs 16 values, got %d", len(rowMajor))
	}
	var p Pose
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			p.Rot[i][j] = rowMajor[4*i+j]
		}
	}
	p.Trans = r3.Vector{X: rowMajor[3], Y: rowMajor[7], Z: rowMajor[11]}
	if rowMajor[15] != 1 {
		return Pose{}, errors.Errorf("affine transform must end with 1, got %v", rowMajor[15])
	}
	if d := p.Rot.Mul(p.Rot.T()).MaxAbsDiff(Identity()); d > 1e-6 {
		return Pose{}, errors.Errorf("affine rotation block is not orthonormal (error %.3g)", d)
	}
	return p, nil
}
