package kinematics

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"humanoid-engine/fusion"
	"humanoid-engine/spatial"
)

var _ fusion.KinematicsProvider = (*Model)(nil)

// Compute evaluates both chains. Every joint of the model must have a position; missing
// velocities count as zero.
func (m *Model) Compute(positions, velocities map[string]float64, jointNoise float64) (fusion.KinematicSample, error) {
	lq, lqd, err := lookup(m.Left, positions, velocities)
	if err != nil {
		return fusion.KinematicSample{}, err
	}
	rq, rqd, err := lookup(m.Right, positions, velocities)
	if err != nil {
		return fusion.KinematicSample{}, err
	}
	return fusion.KinematicSample{
		Left:  foot(m.Left, lq, lqd, jointNoise),
		Right: foot(m.Right, rq, rqd, jointNoise),
		CoM:   m.com(lq, rq),
	}, nil
}

func lookup(c Chain, positions, velocities map[string]float64) (q, qd []float64, err error) {
	q = make([]float64, len(c.Joints))
	qd = make([]float64, len(c.Joints))
	for i, j := range c.Joints {
		p, ok := positions[j.Name]
		if !ok {
			return nil, nil, errors.Errorf("no position for joint %q", j.Name)
		}
		q[i] = p
		qd[i] = velocities[j.Name]
	}
	return q, qd, nil
}

// foot computes the sole pose and twist. The linear part uses the numeric positional Jacobian,
// which also maps the joint noise into the velocity covariance; the angular part sums the joint
// axes in the base frame.
func foot(c Chain, q, qd []float64, jointNoise float64) fusion.FootKinematics {
	frames := c.frames(q)
	out := fusion.FootKinematics{Pose: frames[len(frames)-1]}

	jac := mat.NewDense(3, len(q), nil)
	fd.Jacobian(jac, func(y, x []float64) {
		p := c.sole(x)
		y[0], y[1], y[2] = p.X, p.Y, p.Z
	}, q, &fd.JacobianSettings{Formula: fd.Central})

	v := mat.NewVecDense(3, nil)
	v.MulVec(jac, mat.NewVecDense(len(qd), qd))
	out.LinearVel = spatial.FromVec(v, 0)

	for i, j := range c.Joints {
		axis := frames[i].Rot.MulVec(j.Axis.R3().Normalize())
		out.AngularVel = out.AngularVel.Add(axis.Mul(qd[i]))
	}

	var cov mat.Dense
	cov.Mul(jac, jac.T())
	cov.Scale(jointNoise*jointNoise, &cov)
	out.VelNoise = spatial.FromDense(&cov)
	return out
}

// com is the mass-weighted CoM in the base frame. A massless model puts it at the base CoM offset.
func (m *Model) com(lq, rq []float64) r3.Vector {
	total := m.BaseMass
	sum := m.BaseCoM.R3().Mul(m.BaseMass)
	for _, c := range []struct {
		chain Chain
		q     []float64
	}{{m.Left, lq}, {m.Right, rq}} {
		frames := c.chain.frames(c.q)
		for i, j := range c.chain.Joints {
			if j.Mass == 0 {
				continue
			}
			sum = sum.Add(frames[i].Apply(j.CoM.R3()).Mul(j.Mass))
			total += j.Mass
		}
	}
	if total <= 0 {
		return m.BaseCoM.R3()
	}
	return sum.Mul(1 / total)
}
