package fusion

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"humanoid-engine/spatial"
)

// OutlierGate counts consecutive rejected odometry updates and latches divergence once the
// count reaches Limit. The latch is never cleared.
type OutlierGate struct {
	Limit int

	count    int
	diverged bool
}

// Record registers the outcome of one gated update and reports whether divergence latched.
func (g *OutlierGate) Record(outlier bool) bool {
	if g.diverged {
		return true
	}
	if !outlier {
		g.count = 0
		return false
	}
	g.count++
	if g.count >= g.Limit {
		g.diverged = true
	}
	return g.diverged
}

func (g *OutlierGate) Diverged() bool { return g.diverged }

func (g *OutlierGate) Count() int { return g.count }

// updatePose is the running pose pushed to the base filter as the odometry measurement. It is
// advanced by deltas from leg or external odometry and can be rolled back one step.
type updatePose struct {
	pos r3.Vector
	q   quat.Number

	prevPos r3.Vector
	prevQ   quat.Number
}

func (u *updatePose) seed(pos r3.Vector, q quat.Number) {
	u.pos, u.q = pos, q
	u.prevPos, u.prevQ = pos, q
}

// advance adds a position delta and composes the orientation delta on the right.
func (u *updatePose) advance(dp r3.Vector, dq quat.Number) {
	u.prevPos, u.prevQ = u.pos, u.q
	u.pos = u.pos.Add(dp)
	u.q = spatial.NormalizeQuat(spatial.QuatMul(u.q, dq))
}

func (u *updatePose) rollback() {
	u.pos, u.q = u.prevPos, u.prevQ
}
