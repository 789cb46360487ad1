package contact

import (
	"gonum.org/v1/gonum/stat/distuv"
)

// Polygon is the axis-aligned support polygon of a foot, in the foot frame.
type Polygon struct {
	XMin, XMax, YMin, YMax float64
}

// ProbabilisticOptions tune the evidence model. Sigmas are standard deviations of the
// corresponding measurement noise.
type ProbabilisticOptions struct {
	LosingContact                   float64
	LeftForceSigma, RightForceSigma float64
	LeftCoPSigma, RightCoPSigma     float64
	LeftSpeedSigma, RightSpeedSigma float64
	VelocityThres                   float64
	Foot                            Polygon
	UseCoP                          bool
	UseKinematics                   bool
	Threshold                       float64
}

// Probabilistic scores each foot with the probability that it is loaded, its CoP lies inside
// the foot polygon and it is not sliding, then thresholds that probability.
type Probabilistic struct {
	opts    ProbabilisticOptions
	std     distuv.Normal
	support Leg
}

func NewProbabilistic(o ProbabilisticOptions) *Probabilistic {
	return &Probabilistic{opts: o, std: distuv.UnitNormal, support: LeftLeg}
}

// above is P(x > limit) under Gaussian noise of the given sigma.
func (p *Probabilistic) above(x, limit, sigma float64) float64 {
	if sigma <= 0 {
		if x > limit {
			return 1
		}
		return 0
	}
	return p.std.CDF((x - limit) / sigma)
}

func (p *Probabilistic) footProb(fz, forceSigma, copX, copY, copSigma, speed, speedSigma float64) float64 {
	prob := p.above(fz, p.opts.LosingContact, forceSigma)
	if p.opts.UseCoP {
		f := p.opts.Foot
		prob *= p.above(copX, f.XMin, copSigma) * p.above(f.XMax, copX, copSigma) *
			p.above(copY, f.YMin, copSigma) * p.above(f.YMax, copY, copSigma)
	}
	if p.opts.UseKinematics {
		prob *= p.above(p.opts.VelocityThres, speed, speedSigma)
	}
	return prob
}

func (p *Probabilistic) Classify(in Input) Sample {
	o := p.opts
	pl := p.footProb(in.LeftFz, o.LeftForceSigma, in.LeftCoP.X, in.LeftCoP.Y, o.LeftCoPSigma, in.LeftSpeed, o.LeftSpeedSigma)
	pr := p.footProb(in.RightFz, o.RightForceSigma, in.RightCoP.X, in.RightCoP.Y, o.RightCoPSigma, in.RightSpeed, o.RightSpeedSigma)

	s := Sample{
		LeftContact:  pl >= o.Threshold,
		RightContact: pr >= o.Threshold,
		LeftProb:     pl,
		RightProb:    pr,
	}
	switch {
	case s.LeftContact && s.RightContact:
		if pl > pr || (pl == pr && in.LeftFz >= in.RightFz) {
			p.support = LeftLeg
		} else {
			p.support = RightLeg
		}
	case s.LeftContact:
		p.support = LeftLeg
	case s.RightContact:
		p.support = RightLeg
	}
	s.Support = p.support
	return s
}
