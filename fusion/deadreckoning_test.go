package fusion

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"humanoid-engine/spatial"
)

var approx = cmpopts.EquateApprox(0, 1e-9)

func standingDR(opts DeadReckoningOptions) *DeadReckoning {
	return NewDeadReckoning(
		r3.Vector{Y: 0.1}, r3.Vector{Y: -0.1},
		spatial.Identity(), spatial.Identity(), opts)
}

func standingInput() DeadReckoningInput {
	return DeadReckoningInput{
		Rwb:     spatial.Identity(),
		Rbl:     spatial.Identity(),
		Rbr:     spatial.Identity(),
		Pbl:     r3.Vector{Y: 0.1, Z: -0.5},
		Pbr:     r3.Vector{Y: -0.1, Z: -0.5},
		LeftFz:  25,
		RightFz: 25,
	}
}

func TestCropGRF(t *testing.T) {
	d := standingDR(DeadReckoningOptions{})
	limit := DefaultMass * DefaultGravity
	for _, f := range []float64{-100, -1e-9, 0, 1, 25, limit, limit + 1, 1e6} {
		c := d.CropGRF(f)
		assert.GreaterOrEqual(t, c, 0.0)
		assert.LessOrEqual(t, c, limit)
		assert.Equal(t, c, d.CropGRF(c), "cropping is idempotent for %v", f)
	}
	assert.Equal(t, 25.0, d.CropGRF(25))
	assert.Equal(t, 0.0, d.CropGRF(-3))
	assert.Equal(t, limit, d.CropGRF(2*limit))
}

func TestIMVPGainsAtRest(t *testing.T) {
	d := standingDR(DeadReckoningOptions{Tm: 0.5})
	c1, c2 := d.imvpGains(r3.Vector{})
	assert.Equal(t, spatial.Mat3{}, c1)
	assert.True(t, cmp.Equal(spatial.Identity(), c2, approx), cmp.Diff(spatial.Identity(), c2, approx))
}

func TestIMVPGainsRotating(t *testing.T) {
	d := standingDR(DeadReckoningOptions{Tm: 0.5})
	w := r3.Vector{Y: 2}
	c1, c2 := d.imvpGains(w)
	k := 0.25 / (4*0.25 + 1)
	assert.InDelta(t, 0, c1.Add(c1.T()).MaxAbsDiff(spatial.Mat3{}), 1e-12)
	assert.InDelta(t, 2*k, c1[0][2], 1e-12)
	assert.InDelta(t, k*(4+4), c2[1][1], 1e-12)
	assert.InDelta(t, k*4, c2[0][0], 1e-12)
}

func TestLoadWeights(t *testing.T) {
	d := standingDR(DeadReckoningOptions{Ef: 5})
	in := standingInput()
	in.LeftFz, in.RightFz = 50, 0
	// the right leg reads 2cm shorter, so the two anchors disagree
	in.Pbr = r3.Vector{Y: -0.1, Z: -0.48}
	d.ComputeDeadReckoning(in)
	wl, wr := d.Weights()
	assert.InDelta(t, 0.9167, wl, 1e-4)
	assert.InDelta(t, 0.0833, wr, 1e-4)
	assert.InDelta(t, (0.5*55+0.48*5)/60, d.Odom().Z, 1e-12)

	for i := 0; i < 50; i++ {
		d.ComputeDeadReckoning(in)
	}
	left := d.LeftFootPosition().Sub(in.Rwb.MulVec(in.Pbl))
	assert.True(t, cmp.Equal(left, d.Odom(), approx), cmp.Diff(left, d.Odom(), approx))
	assert.InDelta(t, 0.5, d.Odom().Z, 0.002, "the loaded foot dominates the estimate")
	assert.InDelta(t, (0.5*55+0.48*5)/60, d.Odom().Z, 1e-12)
}

func TestLoadWeightsStayNormalized(t *testing.T) {
	d := standingDR(DeadReckoningOptions{})
	in := standingInput()
	for _, f := range [][2]float64{{0, 0}, {-10, 5}, {1e4, 0}, {3, 1e4}, {20, 30}} {
		in.LeftFz, in.RightFz = f[0], f[1]
		d.ComputeDeadReckoning(in)
		wl, wr := d.Weights()
		assert.InDelta(t, 1, wl+wr, 1e-12)
		assert.GreaterOrEqual(t, wl, 0.0)
		assert.LessOrEqual(t, wl, 1.0)
		assert.GreaterOrEqual(t, wr, 0.0)
		assert.LessOrEqual(t, wr, 1.0)
	}
}

func TestStandingIsFixedPoint(t *testing.T) {
	d := standingDR(DeadReckoningOptions{})
	in := standingInput()
	for i := 0; i < 100; i++ {
		d.ComputeDeadReckoning(in)
	}
	want := r3.Vector{Z: 0.5}
	assert.True(t, cmp.Equal(want, d.Odom(), approx), cmp.Diff(want, d.Odom(), approx))
	assert.True(t, cmp.Equal(r3.Vector{Y: 0.1}, d.LeftFootPosition(), approx))
	assert.True(t, cmp.Equal(r3.Vector{Y: -0.1}, d.RightFootPosition(), approx))
	assert.Equal(t, r3.Vector{}, d.LinearVel())
}

func TestPivotHeldWithoutRotation(t *testing.T) {
	d := standingDR(DeadReckoningOptions{Tm: 0.5})

	// the left foot slides and rolls while the right one carries the load
	in := standingInput()
	in.Vbl = r3.Vector{X: 0.1}
	in.OmegaBL = r3.Vector{Y: 0.5}
	in.LeftFz, in.RightFz = 10, 40
	d.ComputeDeadReckoning(in)

	left, _ := d.pivots()
	k := 0.25 / (0.25*0.25 + 1)
	require.InDelta(t, -0.05*k, left.Z, 1e-12)
	odom := d.Odom()
	pwl := d.LeftFootPosition()

	// rotations are unchanged, so the pivot correction cancels
	d.ComputeDeadReckoning(standingInput())
	held, _ := d.pivots()
	assert.True(t, cmp.Equal(left, held, approx), cmp.Diff(left, held, approx))
	assert.True(t, cmp.Equal(odom, d.Odom(), approx), cmp.Diff(odom, d.Odom(), approx))
	assert.True(t, cmp.Equal(pwl, d.LeftFootPosition(), approx))
}

func TestBodyVelKCFSUsesLoadedFoot(t *testing.T) {
	d := standingDR(DeadReckoningOptions{})
	in := standingInput()
	v := d.ComputeBodyVelKCFS(in.Rwb, r3.Vector{}, in.Pbl, in.Pbr, r3.Vector{X: 1}, r3.Vector{X: 2}, 30, 10)
	assert.Equal(t, r3.Vector{X: -1}, v)
	v = d.ComputeBodyVelKCFS(in.Rwb, r3.Vector{}, in.Pbl, in.Pbr, r3.Vector{X: 1}, r3.Vector{X: 2}, 10, 30)
	assert.Equal(t, r3.Vector{X: -2}, v)
	assert.Equal(t, v, d.LinearVel())
}

func TestBodyVelKCFSYawRate(t *testing.T) {
	d := standingDR(DeadReckoningOptions{})
	// base spinning about z above a static foot at +x moves towards -y
	v := d.ComputeBodyVelKCFS(spatial.Identity(), r3.Vector{Z: 1}, r3.Vector{X: 1}, r3.Vector{}, r3.Vector{}, r3.Vector{}, 30, 10)
	assert.True(t, cmp.Equal(r3.Vector{Y: -1}, v, approx), cmp.Diff(r3.Vector{Y: -1}, v, approx))
}

func TestBodyVelCF(t *testing.T) {
	cf := newBodyVelCF(100, DefaultMass, DefaultFreqVMin, DefaultFreqVMax, DefaultGravity)
	vKin := r3.Vector{X: 0.3}
	assert.Equal(t, vKin, cf.filter(vKin, r3.Vector{}, 0))
	for i := 0; i < 50; i++ {
		got := cf.filter(vKin, r3.Vector{}, DefaultMass*DefaultGravity)
		assert.InDelta(t, 0.3, got.X, 1e-12)
	}

	// in flight the integrated acceleration dominates
	cf = newBodyVelCF(100, DefaultMass, DefaultFreqVMin, DefaultFreqVMax, DefaultGravity)
	cf.filter(r3.Vector{}, r3.Vector{}, 0)
	var got r3.Vector
	for i := 0; i < 10; i++ {
		got = cf.filter(r3.Vector{}, r3.Vector{X: 1}, 0)
	}
	assert.Greater(t, got.X, 0.09)
	assert.Less(t, got.X, 0.1)
	assert.InDelta(t, DefaultFreqVMax, cf.crossover(1e6), 1e-12)
	assert.InDelta(t, DefaultFreqVMin, cf.crossover(-1), 1e-12)
}

func TestDeadReckoningWithBodyVelCF(t *testing.T) {
	d := standingDR(DeadReckoningOptions{UseBodyVelCF: true})
	in := standingInput()
	in.Vbl, in.Vbr = r3.Vector{X: -0.2}, r3.Vector{X: -0.2}
	d.ComputeDeadReckoning(in)
	assert.InDelta(t, 0.2, d.LinearVel().X, 1e-12)
}
