package fusion

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"humanoid-engine/spatial"
)

// deltaAligner re-expresses an external pose stream in the estimator's world frame by
// anchoring it to the estimate at the first sample and then accumulating its increments.
type deltaAligner struct {
	ext spatial.Pose

	prev    PoseSample
	started bool
	out     PoseSample
}

func newDeltaAligner(ext spatial.Pose) *deltaAligner {
	return &deltaAligner{ext: ext, out: PoseSample{Orientation: spatial.IdentityQuat}}
}

// observe consumes s. Until ready is set the stream is only tracked; the first ready sample is
// anchored to the given pose.
func (a *deltaAligner) observe(s PoseSample, ready bool, anchor spatial.Pose) (PoseSample, bool) {
	defer func() { a.prev = s }()
	if !ready {
		return PoseSample{}, false
	}
	if !a.started {
		a.out = PoseSample{Stamp: s.Stamp, Position: anchor.Trans, Orientation: anchor.Quat()}
		a.started = true
		return a.out, true
	}
	extQ := a.ext.Quat()
	now := spatial.QuatMul(extQ, s.Orientation)
	prev := spatial.QuatMul(extQ, a.prev.Orientation)
	a.out.Stamp = s.Stamp
	a.out.Position = a.out.Position.Add(a.ext.Rot.MulVec(s.Position.Sub(a.prev.Position)))
	a.out.Orientation = spatial.NormalizeQuat(spatial.QuatMul(a.out.Orientation, spatial.QuatDelta(now, prev)))
	return a.out, true
}

// offsetAligner maps an external stream into the estimator's world frame with a constant offset
// fixed at the first sample.
type offsetAligner struct {
	ext     spatial.Pose
	offset  r3.Vector
	qOffset quat.Number
	started bool
}

func newOffsetAligner(ext spatial.Pose) *offsetAligner {
	return &offsetAligner{ext: ext, qOffset: spatial.IdentityQuat}
}

func (a *offsetAligner) observe(pos r3.Vector, q quat.Number, anchorPos r3.Vector, anchorQ quat.Number) (r3.Vector, quat.Number) {
	p := a.ext.Rot.MulVec(pos)
	rq := spatial.QuatMul(a.ext.Quat(), q)
	if !a.started {
		a.offset = anchorPos.Sub(p)
		a.qOffset = spatial.QuatDelta(anchorQ, rq)
		a.started = true
	}
	return a.offset.Add(p), spatial.NormalizeQuat(spatial.QuatMul(a.qOffset, rq))
}
