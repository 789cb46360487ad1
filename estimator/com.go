package estimator

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"humanoid-engine/spatial"
)

const (
	comDim    = 9
	comIdxPos = 0
	comIdxVel = 3
	comIdxFe  = 6

	minPendulumHeight = 1e-3
)

// CoMNoise holds the CoM filter standard deviations.
type CoMNoise struct {
	Com, Comd, Fd float64 // process
	ComR, ComddR  float64 // measurement
}

func DefaultCoMNoise() CoMNoise {
	return CoMNoise{Com: 1e-4, Comd: 1e-3, Fd: 1.0, ComR: 1e-4, ComddR: 5e-2}
}

// CoMEKF tracks the center of mass with a nonlinear inverted pendulum driven by the measured
// ground reaction force and an estimated external force.
type CoMEKF struct {
	noise CoMNoise
	dt    float64

	m, g    float64
	inertia spatial.Mat3

	x *mat.VecDense
	p *mat.Dense

	// inputs of the last prediction, reused by the measurement model
	cop, grf     r3.Vector
	gyro, angAcc r3.Vector
}

func NewCoMEKF(noise CoMNoise) *CoMEKF {
	k := &CoMEKF{noise: noise, dt: 0.01, m: 1, g: 9.81, x: mat.NewVecDense(comDim, nil), p: eye(comDim)}
	k.p.Scale(1e-2, k.p)
	return k
}

func (k *CoMEKF) SetParams(m, ixx, iyy, izz, g float64) {
	k.m, k.g = m, g
	k.inertia = spatial.Diag(ixx, iyy, izz)
}

// Inertia returns the diagonal base inertia set with SetParams.
func (k *CoMEKF) Inertia() r3.Vector {
	return r3.Vector{X: k.inertia[0][0], Y: k.inertia[1][1], Z: k.inertia[2][2]}
}

// angMomRate is the rate of change of the body angular momentum, I·α + ω×(I·ω), with the
// inertia taken about world-aligned axes.
func (k *CoMEKF) angMomRate() r3.Vector {
	return k.inertia.MulVec(k.angAcc).Add(k.gyro.Cross(k.inertia.MulVec(k.gyro)))
}

// Seed places the CoM at rest at pos with the given external force bias.
func (k *CoMEKF) Seed(dt float64, pos, forceBias r3.Vector) {
	if dt > 0 {
		k.dt = dt
	}
	k.x.Zero()
	setVec(k.x, comIdxPos, pos)
	setVec(k.x, comIdxFe, forceBias)
	k.p = eye(comDim)
	k.p.Scale(1e-2, k.p)
	setDiag3(k.p, comIdxPos, 1e-6)
}

// accel is the pendulum acceleration for state s.
func (k *CoMEKF) accel(s []float64) r3.Vector {
	fz := k.grf.Z + s[comIdxFe+2]
	h := s[2] - k.cop.Z
	if math.Abs(h) < minPendulumHeight {
		h = math.Copysign(minPendulumHeight, h)
	}
	mh := k.m * h
	ld := k.angMomRate()
	return r3.Vector{
		X: (s[0]-k.cop.X)/mh*fz - ld.Y/mh + s[comIdxFe]/k.m,
		Y: (s[1]-k.cop.Y)/mh*fz + ld.X/mh + s[comIdxFe+1]/k.m,
		Z: fz/k.m - k.g,
	}
}

func (k *CoMEKF) transition(y, s []float64) {
	a := k.accel(s)
	copy(y, s)
	for i := 0; i < 3; i++ {
		y[comIdxPos+i] += s[comIdxVel+i] * k.dt
	}
	y[comIdxVel] += a.X * k.dt
	y[comIdxVel+1] += a.Y * k.dt
	y[comIdxVel+2] += a.Z * k.dt
}

func (k *CoMEKF) measure(y, s []float64) {
	a := k.accel(s)
	copy(y[:3], s[comIdxPos:comIdxPos+3])
	y[3], y[4], y[5] = a.X, a.Y, a.Z+k.g
}

// Predict advances the state with the global CoP, the total ground reaction force and the
// world-frame angular acceleration of the base. The gyroscopic term uses the angular velocity
// of the last update.
func (k *CoMEKF) Predict(cop, grf, angAcc r3.Vector) {
	k.cop, k.grf, k.angAcc = cop, grf, angAcc

	x := mat.Col(nil, 0, k.x)
	f := mat.NewDense(comDim, comDim, nil)
	fd.Jacobian(f, k.transition, x, &fd.JacobianSettings{Formula: fd.Central})

	next := make([]float64, comDim)
	k.transition(next, x)
	k.x = mat.NewVecDense(comDim, next)

	q := mat.NewDense(comDim, comDim, nil)
	setDiag3(q, comIdxPos, sq(k.noise.Com)*k.dt)
	setDiag3(q, comIdxVel, sq(k.noise.Comd)*k.dt)
	setDiag3(q, comIdxFe, sq(k.noise.Fd)*k.dt)

	var fp, p mat.Dense
	fp.Mul(f, k.p)
	p.Mul(&fp, f.T())
	p.Add(&p, q)
	symmetrize(&p)
	k.p = &p
}

// Update corrects with the measured specific force (acceleration plus gravity), the kinematic CoM
// position and the world-frame angular velocity and acceleration of the base.
func (k *CoMEKF) Update(acc, comPos, gyro, angAcc r3.Vector) {
	k.gyro, k.angAcc = gyro, angAcc
	x := mat.Col(nil, 0, k.x)

	h := mat.NewDense(6, comDim, nil)
	fd.Jacobian(h, k.measure, x, &fd.JacobianSettings{Formula: fd.Central})

	pred := make([]float64, 6)
	k.measure(pred, x)
	r := mat.NewVecDense(6, []float64{
		comPos.X - pred[0], comPos.Y - pred[1], comPos.Z - pred[2],
		acc.X - pred[3], acc.Y - pred[4], acc.Z - pred[5],
	})

	rn := mat.NewDense(6, 6, nil)
	setDiag3(rn, 0, sq(k.noise.ComR))
	setDiag3(rn, 3, sq(k.noise.ComddR))

	dx, _, _ := correct(k.p, h, rn, r, 0)
	k.x.AddVec(k.x, dx)
	if !allFinite(k.p) {
		k.Seed(k.dt, k.Position(), k.ExternalForce())
	}
}

func (k *CoMEKF) Position() r3.Vector {
	return r3.Vector{X: k.x.AtVec(0), Y: k.x.AtVec(1), Z: k.x.AtVec(2)}
}

func (k *CoMEKF) Velocity() r3.Vector {
	return r3.Vector{X: k.x.AtVec(comIdxVel), Y: k.x.AtVec(comIdxVel + 1), Z: k.x.AtVec(comIdxVel + 2)}
}

// ExternalForce is the estimated force acting on the body besides the ground reaction.
func (k *CoMEKF) ExternalForce() r3.Vector {
	return r3.Vector{X: k.x.AtVec(comIdxFe), Y: k.x.AtVec(comIdxFe + 1), Z: k.x.AtVec(comIdxFe + 2)}
}

// Acceleration is the CoM acceleration implied by the current state and last inputs.
func (k *CoMEKF) Acceleration() r3.Vector {
	return k.accel(mat.Col(nil, 0, k.x))
}
