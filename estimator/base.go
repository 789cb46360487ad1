package estimator

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// BaseEKF estimates base position, velocity, orientation and IMU biases from IMU propagation and
// pose/twist corrections supplied by leg odometry or an external odometry source.
type BaseEKF struct {
	inertial
	gate float64
}

func NewBaseEKF(noise Noise) *BaseEKF {
	return &BaseEKF{inertial: newInertial(baseDim, noise), gate: gateFor(noise.MahalanobisTH)}
}

func (k *BaseEKF) Predict(gyro, acc r3.Vector) {
	f, q := k.propagate(gyro, acc)
	k.covarianceStep(f, q)
}

func (k *BaseEKF) updatePose(pos r3.Vector, q quat.Number, posStd r3.Vector, orientStd float64, gate float64) bool {
	h := mat.NewDense(6, k.n, nil)
	setDiag3Block(h, 0, idxPos)
	setDiag3Block(h, 3, idxTheta)

	r := mat.NewVecDense(6, nil)
	setVec(r, 0, pos.Sub(k.pos))
	setVec(r, 3, k.orientationResidual(q))

	rn := mat.NewDense(6, 6, nil)
	rn.Set(0, 0, sq(posStd.X))
	rn.Set(1, 1, sq(posStd.Y))
	rn.Set(2, 2, sq(posStd.Z))
	setDiag3(rn, 3, sq(orientStd))

	dx, _, ok := correct(k.p, h, rn, r, gate)
	if !ok {
		return false
	}
	k.inject(dx)
	k.guard()
	return true
}

// UpdateWithLegOdom corrects with a leg-odometry pose. It is never gated.
func (k *BaseEKF) UpdateWithLegOdom(pos r3.Vector, q quat.Number) {
	s := k.noise.LegOdomPos
	k.updatePose(pos, q, r3.Vector{X: s, Y: s, Z: s}, k.noise.LegOdomOrient, 0)
}

// UpdateWithOdom corrects with an external odometry pose and reports whether it was rejected
// as an outlier. Without outlier detection the update is always applied.
func (k *BaseEKF) UpdateWithOdom(pos r3.Vector, q quat.Number, outlierDetection bool) (outlier bool) {
	gate := 0.0
	if outlierDetection {
		gate = k.gate
	}
	return !k.updatePose(pos, q, k.noise.OdomPos, k.noise.OdomOrient, gate)
}

// UpdateWithTwist corrects the world-frame base velocity.
func (k *BaseEKF) UpdateWithTwist(v r3.Vector) {
	h := mat.NewDense(3, k.n, nil)
	setDiag3Block(h, 0, idxVel)
	r := mat.NewVecDense(3, nil)
	setVec(r, 0, v.Sub(k.vel))
	dx, _, _ := correct(k.p, h, velNoise(k.noise.Vel, 3), r, 0)
	k.inject(dx)
	k.guard()
}

// UpdateWithTwistRotation corrects velocity and orientation together.
func (k *BaseEKF) UpdateWithTwistRotation(v r3.Vector, q quat.Number) {
	h := mat.NewDense(6, k.n, nil)
	setDiag3Block(h, 0, idxVel)
	setDiag3Block(h, 3, idxTheta)
	r := mat.NewVecDense(6, nil)
	setVec(r, 0, v.Sub(k.vel))
	setVec(r, 3, k.orientationResidual(q))
	rn := velNoise(k.noise.Vel, 6)
	setDiag3(rn, 3, sq(k.noise.LegOdomOrient))
	dx, _, _ := correct(k.p, h, rn, r, 0)
	k.inject(dx)
	k.guard()
}

// setDiag3Block writes an identity block at row, col.
func setDiag3Block(h *mat.Dense, row, col int) {
	for i := 0; i < 3; i++ {
		h.Set(row+i, col+i, 1)
	}
}

func velNoise(std r3.Vector, n int) *mat.Dense {
	rn := mat.NewDense(n, n, nil)
	rn.Set(0, 0, sq(std.X))
	rn.Set(1, 1, sq(std.Y))
	rn.Set(2, 2, sq(std.Z))
	return rn
}
