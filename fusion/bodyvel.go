package fusion

import (
	"math"

	"github.com/golang/geo/r3"
)

// bodyVelCF blends the integrated base acceleration with the kinematic body velocity. The
// crossover frequency rises with the vertical load, so the kinematics dominate while the robot
// is standing on its feet and the accelerometer carries it through flight or light contact.
type bodyVelCF struct {
	dt         float64
	fullLoad   float64
	fmin, fmax float64

	v       r3.Vector
	started bool
}

func newBodyVelCF(freq, mass, fmin, fmax, g float64) *bodyVelCF {
	return &bodyVelCF{dt: 1 / freq, fullLoad: mass * g, fmin: fmin, fmax: fmax}
}

func (c *bodyVelCF) crossover(grf float64) float64 {
	return c.fmin + (c.fmax-c.fmin)*clamp(grf/c.fullLoad, 0, 1)
}

// filter takes the kinematic velocity, the world-frame acceleration with gravity removed and the
// cropped total vertical force.
func (c *bodyVelCF) filter(vKin, acc r3.Vector, grf float64) r3.Vector {
	if !c.started {
		c.v = vKin
		c.started = true
		return c.v
	}
	a := 1 / (1 + 2*math.Pi*c.crossover(grf)*c.dt)
	c.v = c.v.Add(acc.Mul(c.dt)).Mul(a).Add(vKin.Mul(1 - a))
	return c.v
}
