package fusion

import (
	"github.com/golang/geo/r3"

	"humanoid-engine/spatial"
)

// footWrench is one conditioned force/torque reading.
type footWrench struct {
	grf, grt r3.Vector
	// filtered keeps the median-filtered vertical force in Z.
	filtered r3.Vector
	cop      r3.Vector
	weight   float64
}

// conditionWrench rotates a raw reading into the foot frame and derives the CoP. Readings below
// the losing-contact threshold are zeroed and carry no CoP weight.
func conditionWrench(raw WrenchSample, ext spatial.Mat3, medianFz float64, losingContact, g float64) footWrench {
	w := footWrench{grf: ext.MulVec(raw.Force), grt: ext.MulVec(raw.Torque)}
	w.filtered = w.grf
	w.filtered.Z = medianFz
	if w.grf.Z >= losingContact {
		w.cop = r3.Vector{X: -w.grt.Y / w.grf.Z, Y: w.grt.X / w.grf.Z}
		w.weight = w.grf.Z / g
		return w
	}
	w.grf, w.grt = r3.Vector{}, r3.Vector{}
	return w
}

// toWorld re-expresses the wrench vectors through the rotation r.
func (w footWrench) toWorld(r spatial.Mat3) footWrench {
	w.grf = r.MulVec(w.grf)
	w.grt = r.MulVec(w.grt)
	w.filtered = r.MulVec(w.filtered)
	return w
}

// GlobalCoP combines the foot-frame CoPs into the world frame, weighted by each foot's load. It
// is zero when neither foot carries weight.
func GlobalCoP(twl, twr spatial.Pose, copL, copR r3.Vector, wl, wr float64) r3.Vector {
	if wl+wr <= 0 {
		return r3.Vector{}
	}
	return twl.Apply(copL).Mul(wl).Add(twr.Apply(copR).Mul(wr)).Mul(1 / (wl + wr))
}
