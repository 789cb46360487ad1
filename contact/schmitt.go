package contact

// SchmittOptions are force thresholds in newtons.
type SchmittOptions struct {
	// High sets contact once exceeded, Low clears it once undercut.
	High, Low float64
	// Striking is the force margin by which the swing foot must overtake the support foot
	// before support switches while both feet are down.
	Striking float64
}

// Schmitt classifies contact with a per-foot hysteresis trigger.
type Schmitt struct {
	opts        SchmittOptions
	left, right bool
	support     Leg
}

func NewSchmitt(o SchmittOptions) *Schmitt {
	return &Schmitt{opts: o, support: LeftLeg}
}

func (s *Schmitt) trigger(state bool, fz float64) bool {
	switch {
	case fz > s.opts.High:
		return true
	case fz < s.opts.Low:
		return false
	default:
		return state
	}
}

func (s *Schmitt) Classify(in Input) Sample {
	s.left = s.trigger(s.left, in.LeftFz)
	s.right = s.trigger(s.right, in.RightFz)

	switch {
	case s.left && s.right:
		if s.support == LeftLeg && in.RightFz > in.LeftFz+s.opts.Striking {
			s.support = RightLeg
		} else if s.support == RightLeg && in.LeftFz > in.RightFz+s.opts.Striking {
			s.support = LeftLeg
		}
	case s.left:
		s.support = LeftLeg
	case s.right:
		s.support = RightLeg
	}

	wl, wr := forceWeights(in.LeftFz, in.RightFz)
	return Sample{
		Support:      s.support,
		LeftContact:  s.left,
		RightContact: s.right,
		LeftProb:     wl,
		RightProb:    wr,
	}
}
