package estimator

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"humanoid-engine/spatial"
)

const (
	idxLeftContact  = 15
	idxRightContact = 18
	contactDim      = 21

	swingVariance  = 1.0
	minContactProb = 0.05
)

// Feet carries the dead-reckoned world foot poses and contact flags used during prediction.
type Feet struct {
	LeftPos, RightPos         r3.Vector
	LeftRot, RightRot         spatial.Mat3
	LeftContact, RightContact bool
}

// ContactMeasurement is a kinematic observation of the feet relative to the base, expressed in
// the base frame, with the velocity-derived noise of each leg chain.
type ContactMeasurement struct {
	LeftRel, RightRel         r3.Vector
	LeftNoise, RightNoise     spatial.Mat3
	LeftContact, RightContact bool
	LeftProb, RightProb       float64
}

// ContactEKF augments the inertial state with the world positions of both contact points.
// Stance feet are modelled as a slow random walk, swing feet are re-anchored to the
// dead-reckoned foot position every prediction.
type ContactEKF struct {
	inertial
	left, right spatial.Pose
}

func NewContactEKF(noise Noise) *ContactEKF {
	return &ContactEKF{inertial: newInertial(contactDim, noise)}
}

// SeedContacts places both contact points.
func (k *ContactEKF) SeedContacts(left, right r3.Vector) {
	k.left = spatial.Pose{Rot: spatial.Identity(), Trans: left}
	k.right = spatial.Pose{Rot: spatial.Identity(), Trans: right}
}

func (k *ContactEKF) Predict(gyro, acc r3.Vector, feet Feet) {
	f, q := k.propagate(gyro, acc)
	rw := sq(k.noise.ContactRW) * k.dt
	setDiag3(q, idxLeftContact, rw)
	setDiag3(q, idxRightContact, rw)
	k.covarianceStep(f, q)

	if !feet.LeftContact {
		k.left = spatial.Pose{Rot: feet.LeftRot, Trans: feet.LeftPos}
		k.release(idxLeftContact)
	}
	if !feet.RightContact {
		k.right = spatial.Pose{Rot: feet.RightRot, Trans: feet.RightPos}
		k.release(idxRightContact)
	}
}

// release decorrelates a swinging contact point from the rest of the state.
func (k *ContactEKF) release(off int) {
	for i := 0; i < 3; i++ {
		for j := 0; j < k.n; j++ {
			k.p.Set(off+i, j, 0)
			k.p.Set(j, off+i, 0)
		}
		k.p.Set(off+i, off+i, swingVariance)
	}
}

// UpdateWithContacts corrects with the kinematic foot positions of every foot in stance. The
// measurement noise grows as the contact probability drops.
func (k *ContactEKF) UpdateWithContacts(m ContactMeasurement) {
	type foot struct {
		rel   r3.Vector
		noise spatial.Mat3
		prob  float64
		point r3.Vector
		off   int
	}
	var feet []foot
	if m.LeftContact {
		feet = append(feet, foot{m.LeftRel, m.LeftNoise, m.LeftProb, k.left.Trans, idxLeftContact})
	}
	if m.RightContact {
		feet = append(feet, foot{m.RightRel, m.RightNoise, m.RightProb, k.right.Trans, idxRightContact})
	}
	if len(feet) == 0 {
		return
	}

	rows := 3 * len(feet)
	h := mat.NewDense(rows, k.n, nil)
	rn := mat.NewDense(rows, rows, nil)
	r := mat.NewVecDense(rows, nil)
	rt := k.rot.T()
	for i, ft := range feet {
		row := 3 * i
		d := ft.point.Sub(k.pos)
		setBlock(h, row, idxPos, rt.Scale(-1))
		setBlock(h, row, idxTheta, rt.Mul(spatial.Wedge(d)))
		setBlock(h, row, ft.off, rt)
		setVec(r, row, ft.rel.Sub(rt.MulVec(d)))

		scale := 1 / math.Max(ft.prob, minContactProb)
		noise := ft.noise.Add(spatial.Identity().Scale(sq(k.noise.LegOdomPos))).Scale(scale)
		setBlock(rn, row, row, noise)
	}

	dx, _, _ := correct(k.p, h, rn, r, 0)
	k.inject(dx)
	k.left.Trans = k.left.Trans.Add(spatial.FromVec(dx, idxLeftContact))
	k.right.Trans = k.right.Trans.Add(spatial.FromVec(dx, idxRightContact))
	k.guard()
}

// LeftContactPosition is the estimated world position of the left contact point.
func (k *ContactEKF) LeftContactPosition() r3.Vector { return k.left.Trans }

// RightContactPosition is the estimated world position of the right contact point.
func (k *ContactEKF) RightContactPosition() r3.Vector { return k.right.Trans }
