package estimator

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"humanoid-engine/spatial"
)

const g = 9.81

var still = r3.Vector{Z: g}

func seeded(t *testing.T) *BaseEKF {
	t.Helper()
	k := NewBaseEKF(DefaultNoise())
	k.Seed(Seed{Dt: 0.01, Rotation: spatial.Identity()})
	return k
}

func TestChi2GateSixDof(t *testing.T) {
	assert.InDelta(t, 16.8119, Chi2Gate(0.99, 6), 1e-3)
	assert.InDelta(t, 16.8119, gateFor(-1), 1e-3)
	assert.Equal(t, 4.0, gateFor(4))
}

func TestBaseEKFStationaryPredict(t *testing.T) {
	k := seeded(t)
	for i := 0; i < 200; i++ {
		k.Predict(r3.Vector{}, still)
	}
	pose := k.BodyPose()
	assert.InDelta(t, 0, pose.Trans.Norm(), 1e-9)
	assert.InDelta(t, 0, k.BodyVelocity().Norm(), 1e-9)
	assert.InDelta(t, 0, pose.Rot.MaxAbsDiff(spatial.Identity()), 1e-12)
	assert.InDelta(t, 0, k.Acc().Norm(), 1e-12)
}

func TestBaseEKFLegOdomPullsPosition(t *testing.T) {
	k := seeded(t)
	target := r3.Vector{X: 1}
	prev := 0.0
	for i := 0; i < 500; i++ {
		k.Predict(r3.Vector{}, still)
		k.UpdateWithLegOdom(target, spatial.IdentityQuat)
		if i < 10 {
			require.Greater(t, k.BodyPose().Trans.X, prev)
			prev = k.BodyPose().Trans.X
		}
	}
	x := k.BodyPose().Trans.X
	assert.Greater(t, x, 0.5)
	assert.Less(t, x, 1.5)
}

func TestBaseEKFOdomOutlier(t *testing.T) {
	k := seeded(t)
	before := k.BodyPose().Trans

	assert.True(t, k.UpdateWithOdom(r3.Vector{X: 100}, spatial.IdentityQuat, true))
	assert.Equal(t, before, k.BodyPose().Trans)

	assert.False(t, k.UpdateWithOdom(r3.Vector{X: 0.01}, spatial.IdentityQuat, true))
	assert.Greater(t, k.BodyPose().Trans.X, 0.0)

	// without detection a far sample is still applied
	assert.False(t, k.UpdateWithOdom(r3.Vector{X: 100}, spatial.IdentityQuat, false))
	assert.Greater(t, k.BodyPose().Trans.X, 0.01)
}

func TestBaseEKFTwist(t *testing.T) {
	k := seeded(t)
	k.UpdateWithTwist(r3.Vector{X: 1})
	// equal prior and measurement variance splits the difference
	assert.InDelta(t, 0.5, k.BodyVelocity().X, 1e-6)
	assert.InDelta(t, 0, k.BodyVelocity().Y, 1e-9)
}

func TestBaseEKFTwistRotation(t *testing.T) {
	k := seeded(t)
	q := spatial.RotVecToQuat(r3.Vector{Z: 0.2})
	for i := 0; i < 500; i++ {
		k.UpdateWithTwistRotation(r3.Vector{}, q)
	}
	got := spatial.QuatToRotVec(k.BodyPose().Quat())
	assert.InDelta(t, 0.2, got.Z, 0.02)
}

func TestContactEKFStanding(t *testing.T) {
	k := NewContactEKF(DefaultNoise())
	k.Seed(Seed{Dt: 0.01, Position: r3.Vector{Z: 0.5}, Rotation: spatial.Identity()})
	left, right := r3.Vector{Y: 0.1}, r3.Vector{Y: -0.1}
	k.SeedContacts(left, right)

	feet := Feet{
		LeftPos: left, RightPos: right,
		LeftRot: spatial.Identity(), RightRot: spatial.Identity(),
		LeftContact: true, RightContact: true,
	}
	meas := ContactMeasurement{
		LeftRel:     r3.Vector{Y: 0.1, Z: -0.5},
		RightRel:    r3.Vector{Y: -0.1, Z: -0.5},
		LeftContact: true, RightContact: true,
		LeftProb: 1, RightProb: 1,
	}
	for i := 0; i < 300; i++ {
		k.Predict(r3.Vector{}, still, feet)
		k.UpdateWithContacts(meas)
	}
	pos := k.BodyPose().Trans
	assert.InDelta(t, 0, pos.X, 1e-6)
	assert.InDelta(t, 0, pos.Y, 1e-6)
	assert.InDelta(t, 0.5, pos.Z, 1e-6)
	assert.True(t, allFinite(k.Covariance()))
}

func TestContactEKFSwingReanchors(t *testing.T) {
	k := NewContactEKF(DefaultNoise())
	k.Seed(Seed{Dt: 0.01, Rotation: spatial.Identity()})
	k.SeedContacts(r3.Vector{}, r3.Vector{})

	swing := r3.Vector{X: 0.3, Y: 0.1, Z: 0.05}
	k.Predict(r3.Vector{}, still, Feet{
		LeftPos: swing, LeftRot: spatial.Identity(), RightRot: spatial.Identity(),
		RightContact: true,
	})
	assert.Equal(t, swing, k.LeftContactPosition())
	assert.Equal(t, r3.Vector{}, k.RightContactPosition())
	assert.Equal(t, swingVariance, k.Covariance().At(idxLeftContact, idxLeftContact))
	assert.Equal(t, 0.0, k.Covariance().At(idxLeftContact, idxPos))
}

func TestContactEKFNoStanceIsNoop(t *testing.T) {
	k := NewContactEKF(DefaultNoise())
	k.Seed(Seed{Dt: 0.01, Position: r3.Vector{X: 1}, Rotation: spatial.Identity()})
	before := k.Covariance()
	k.UpdateWithContacts(ContactMeasurement{LeftRel: r3.Vector{X: 5}})
	assert.Equal(t, r3.Vector{X: 1}, k.BodyPose().Trans)
	assert.Equal(t, before.RawMatrix().Data, k.Covariance().RawMatrix().Data)
}

func newCoM(t *testing.T) *CoMEKF {
	t.Helper()
	k := NewCoMEKF(DefaultCoMNoise())
	k.SetParams(5.14, 0, 0, 0, g)
	k.Seed(0.01, r3.Vector{Z: 0.3}, r3.Vector{})
	return k
}

func TestCoMEKFStaticEquilibrium(t *testing.T) {
	k := newCoM(t)
	grf := r3.Vector{Z: 5.14 * g}
	com := r3.Vector{Z: 0.3}
	for i := 0; i < 200; i++ {
		k.Predict(r3.Vector{}, grf, r3.Vector{})
		k.Update(still, com, r3.Vector{}, r3.Vector{})
	}
	assert.InDelta(t, 0, k.Position().Sub(com).Norm(), 1e-6)
	assert.InDelta(t, 0, k.Velocity().Norm(), 1e-6)
	assert.InDelta(t, 0, k.ExternalForce().Norm(), 1e-3)
}

func TestCoMEKFDetectsExternalForce(t *testing.T) {
	k := newCoM(t)
	// the force plates report 10N more than the body accelerates with
	grf := r3.Vector{Z: 5.14*g + 10}
	com := r3.Vector{Z: 0.3}
	for i := 0; i < 300; i++ {
		k.Predict(r3.Vector{}, grf, r3.Vector{})
		k.Update(still, com, r3.Vector{}, r3.Vector{})
	}
	assert.InDelta(t, -10, k.ExternalForce().Z, 1.5)
	assert.InDelta(t, 0, k.Acceleration().Z, 0.5)
}

func TestCoMEKFPendulumFallsAwayFromCoP(t *testing.T) {
	k := newCoM(t)
	k.Seed(0.01, r3.Vector{X: 0.05, Z: 0.3}, r3.Vector{})
	k.Predict(r3.Vector{}, r3.Vector{Z: 5.14 * g}, r3.Vector{})
	assert.Greater(t, k.Acceleration().X, 0.0)
	assert.Greater(t, k.Velocity().X, 0.0)
}

func TestCoMEKFAngularMomentumRate(t *testing.T) {
	k := newCoM(t)
	k.SetParams(5.14, 0.1, 0.05, 0.02, g)
	assert.Equal(t, r3.Vector{X: 0.1, Y: 0.05, Z: 0.02}, k.Inertia())

	// pitching the trunk forward pushes the CoM back
	k.Predict(r3.Vector{}, r3.Vector{Z: 5.14 * g}, r3.Vector{Y: 2})
	assert.InDelta(t, 0.1, k.angMomRate().Y, 1e-12)
	assert.InDelta(t, -0.1/(5.14*0.3), k.Acceleration().X, 1e-6)

	// the gyroscopic term only appears with an anisotropic inertia
	k.Update(still, r3.Vector{Z: 0.3}, r3.Vector{X: 1, Z: 1}, r3.Vector{})
	assert.InDelta(t, 0, k.angMomRate().X, 1e-12)
	assert.InDelta(t, 0.08, k.angMomRate().Y, 1e-12)
	assert.InDelta(t, 0, k.angMomRate().Z, 1e-12)
}
