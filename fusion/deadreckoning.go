package fusion

import (
	"github.com/golang/geo/r3"

	"humanoid-engine/spatial"
)

// DeadReckoningOptions configures the leg odometry. Zero fields take the defaults.
type DeadReckoningOptions struct {
	Mass    float64
	Tm      float64 // leak time constant of the pivot accumulator
	Ef      float64 // force offset keeping the leg weights defined at zero load
	Freq    float64
	Gravity float64

	UseBodyVelCF       bool
	FreqVMin, FreqVMax float64
}

func (o DeadReckoningOptions) withDefaults() DeadReckoningOptions {
	if o.Mass <= 0 {
		o.Mass = DefaultMass
	}
	if o.Tm <= 0 {
		o.Tm = DefaultTm
	}
	if o.Ef <= 0 {
		o.Ef = DefaultEf
	}
	if o.Freq <= 0 {
		o.Freq = DefaultFreq
	}
	if o.Gravity <= 0 {
		o.Gravity = DefaultGravity
	}
	if o.FreqVMin <= 0 {
		o.FreqVMin = DefaultFreqVMin
	}
	if o.FreqVMax <= 0 {
		o.FreqVMax = DefaultFreqVMax
	}
	return o
}

// DeadReckoningInput is one kinematic cycle: base attitude, per-leg kinematics in the base frame
// and the vertical foot forces. Acc is the world-frame base acceleration, used only by the
// body-velocity complementary filter.
type DeadReckoningInput struct {
	Rwb              spatial.Mat3
	OmegaWB          r3.Vector
	Rbl, Rbr         spatial.Mat3
	Pbl, Pbr         r3.Vector
	Vbl, Vbr         r3.Vector
	OmegaBL, OmegaBR r3.Vector
	LeftFz, RightFz  float64
	Acc              r3.Vector
}

// DeadReckoning is the kinematic leg odometry with instantaneous moving pivot (IMVP) correction:
// each foot is assumed to roll about a point that drifts with the foot's angular velocity, and
// the two single-foot base estimates are blended by their share of the vertical load.
type DeadReckoning struct {
	mass, tm2, ef, g float64

	pwl, pwr, pwb    r3.Vector
	vwl, vwr, vwb    r3.Vector
	rwl, rwr         spatial.Mat3
	omegawl, omegawr r3.Vector

	// previous cycle
	prevPwl, prevPwr r3.Vector
	prevRwl, prevRwr spatial.Mat3

	pbL, pbR   r3.Vector
	lpLm, rpRm r3.Vector
	wl, wr     float64

	vwbKCFS r3.Vector
	cf      *bodyVelCF
}

// NewDeadReckoning starts the odometry from the given world foot poses.
func NewDeadReckoning(pwl0, pwr0 r3.Vector, rwl0, rwr0 spatial.Mat3, opts DeadReckoningOptions) *DeadReckoning {
	opts = opts.withDefaults()
	d := &DeadReckoning{
		mass:    opts.Mass,
		tm2:     opts.Tm * opts.Tm,
		ef:      opts.Ef,
		g:       opts.Gravity,
		pwl:     pwl0,
		pwr:     pwr0,
		prevPwl: pwl0,
		prevPwr: pwr0,
		rwl:     rwl0,
		rwr:     rwr0,
		prevRwl: rwl0,
		prevRwr: rwr0,
		wl:      0.5,
		wr:      0.5,
	}
	if opts.UseBodyVelCF {
		d.cf = newBodyVelCF(opts.Freq, opts.Mass, opts.FreqVMin, opts.FreqVMax, opts.Gravity)
	}
	return d
}

// CropGRF clamps a vertical force to [0, mass*g].
func (d *DeadReckoning) CropGRF(f float64) float64 {
	return clamp(f, 0, d.mass*d.g)
}

// ComputeBodyVelKCFS derives the body velocity from the kinematics of the more loaded foot,
// assuming that foot is static.
func (d *DeadReckoning) ComputeBodyVelKCFS(rwb spatial.Mat3, omegawb, pbl, pbr, vbl, vbr r3.Vector, lfz, rfz float64) r3.Vector {
	p, v := pbr, vbr
	if lfz > rfz {
		p, v = pbl, vbl
	}
	d.vwbKCFS = spatial.Wedge(omegawb).Mul(rwb).MulVec(p).Mul(-1).Sub(rwb.MulVec(v))
	if d.cf == nil {
		d.vwb = d.vwbKCFS
	}
	return d.vwbKCFS
}

// ComputeLegKCFS propagates the body motion to both feet.
func (d *DeadReckoning) ComputeLegKCFS(rwb, rbl, rbr spatial.Mat3, omegawb, omegabl, omegabr, pbl, pbr, vbl, vbr r3.Vector) {
	d.rwl = rwb.Mul(rbl)
	d.rwr = rwb.Mul(rbr)
	d.omegawl = omegawb.Add(rwb.MulVec(omegabl))
	d.omegawr = omegawb.Add(rwb.MulVec(omegabr))

	w := spatial.Wedge(omegawb).Mul(rwb)
	d.vwl = d.vwb.Add(w.MulVec(pbl)).Add(rwb.MulVec(vbl))
	d.vwr = d.vwb.Add(w.MulVec(pbr)).Add(rwb.MulVec(vbr))
}

// imvpGains returns the accumulator gains for a foot-frame angular velocity.
func (d *DeadReckoning) imvpGains(omega r3.Vector) (c1, c2 spatial.Mat3) {
	k := d.tm2 / (omega.Norm2()*d.tm2 + 1)
	c1 = spatial.Wedge(omega).Scale(k)
	c2 = spatial.Outer(omega, omega).Add(spatial.Identity().Scale(1 / d.tm2)).Scale(k)
	return c1, c2
}

func (d *DeadReckoning) computeIMVP() {
	lc1, lc2 := d.imvpGains(d.rwl.T().MulVec(d.omegawl))
	d.lpLm = lc2.MulVec(d.lpLm).Add(lc1.MulVec(d.rwl.T().MulVec(d.vwl)))

	rc1, rc2 := d.imvpGains(d.rwr.T().MulVec(d.omegawr))
	d.rpRm = rc2.MulVec(d.rpRm).Add(rc1.MulVec(d.rwr.T().MulVec(d.vwr)))
}

// ComputeDeadReckoning runs one full cycle and updates the base and foot positions.
func (d *DeadReckoning) ComputeDeadReckoning(in DeadReckoningInput) {
	d.ComputeBodyVelKCFS(in.Rwb, in.OmegaWB, in.Pbl, in.Pbr, in.Vbl, in.Vbr, in.LeftFz, in.RightFz)
	if d.cf != nil {
		d.vwb = d.cf.filter(d.vwbKCFS, in.Acc, d.CropGRF(in.LeftFz+in.RightFz))
	}
	d.ComputeLegKCFS(in.Rwb, in.Rbl, in.Rbr, in.OmegaWB, in.OmegaBL, in.OmegaBR, in.Pbl, in.Pbr, in.Vbl, in.Vbr)
	d.computeIMVP()

	// pivot-corrected foot positions
	d.pwl = d.prevPwl.Sub(d.rwl.MulVec(d.lpLm)).Add(d.prevRwl.MulVec(d.lpLm))
	d.pwr = d.prevPwr.Sub(d.rwr.MulVec(d.rpRm)).Add(d.prevRwr.MulVec(d.rpRm))

	d.pbL = d.pwl.Sub(in.Rwb.MulVec(in.Pbl))
	d.pbR = d.pwr.Sub(in.Rwb.MulVec(in.Pbr))

	lfz := d.CropGRF(in.LeftFz)
	rfz := d.CropGRF(in.RightFz)
	den := lfz + rfz + 2*d.ef
	d.wl = (lfz + d.ef) / den
	d.wr = (rfz + d.ef) / den

	d.pwb = d.pbL.Mul(d.wl).Add(d.pbR.Mul(d.wr))
	d.pwl = d.pwl.Add(d.pwb.Sub(d.pbL))
	d.pwr = d.pwr.Add(d.pwb.Sub(d.pbR))

	d.prevRwl, d.prevRwr = d.rwl, d.rwr
	d.prevPwl, d.prevPwr = d.pwl, d.pwr
}

// Odom is the blended base position.
func (d *DeadReckoning) Odom() r3.Vector { return d.pwb }

func (d *DeadReckoning) LinearVel() r3.Vector { return d.vwb }

func (d *DeadReckoning) LeftFootPosition() r3.Vector  { return d.pwl }
func (d *DeadReckoning) RightFootPosition() r3.Vector { return d.pwr }

func (d *DeadReckoning) LeftFootRotation() spatial.Mat3  { return d.rwl }
func (d *DeadReckoning) RightFootRotation() spatial.Mat3 { return d.rwr }

func (d *DeadReckoning) LeftFootLinearVel() r3.Vector  { return d.vwl }
func (d *DeadReckoning) RightFootLinearVel() r3.Vector { return d.vwr }

func (d *DeadReckoning) LeftFootAngularVel() r3.Vector  { return d.omegawl }
func (d *DeadReckoning) RightFootAngularVel() r3.Vector { return d.omegawr }

// Weights are the left and right load shares of the last cycle. They sum to one.
func (d *DeadReckoning) Weights() (wl, wr float64) { return d.wl, d.wr }

// pivots exposes the IMVP accumulators.
func (d *DeadReckoning) pivots() (left, right r3.Vector) { return d.lpLm, d.rpRm }
