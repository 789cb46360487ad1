package estimator

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"humanoid-engine/spatial"
)

// Error-state layout shared by the inertial filters.
const (
	idxPos      = 0
	idxVel      = 3
	idxTheta    = 6
	idxAccBias  = 9
	idxGyroBias = 12
	baseDim     = 15
)

// Noise holds the standard deviations used by the inertial filters.
type Noise struct {
	Acc, Gyro             float64
	AccBiasRW, GyroBiasRW float64
	OdomPos               r3.Vector
	OdomOrient            float64
	LegOdomPos            float64
	LegOdomOrient         float64
	Vel                   r3.Vector
	ContactRW             float64
	Gravity               float64

	// MahalanobisTH overrides the chi-square gate for odometry outlier rejection when positive.
	MahalanobisTH float64
}

// DefaultNoise mirrors the stock parameter file.
func DefaultNoise() Noise {
	return Noise{
		Acc:           1e-3,
		Gyro:          1e-4,
		AccBiasRW:     1e-4,
		GyroBiasRW:    1e-5,
		OdomPos:       r3.Vector{X: 0.1, Y: 0.1, Z: 0.1},
		OdomOrient:    0.1,
		LegOdomPos:    0.1,
		LegOdomOrient: 0.1,
		Vel:           r3.Vector{X: 0.1, Y: 0.1, Z: 0.1},
		ContactRW:     0.1,
		Gravity:       9.81,
		MahalanobisTH: -1,
	}
}

// Seed is the initial state handed to a filter on its first cycle.
type Seed struct {
	Dt       float64
	Position r3.Vector
	Rotation spatial.Mat3
	AccBias  r3.Vector
	GyroBias r3.Vector
}

// inertial is the strapdown core: nominal state plus error-state covariance.
type inertial struct {
	n     int
	dt    float64
	noise Noise

	pos, vel          r3.Vector
	rot               spatial.Mat3
	accBias, gyroBias r3.Vector
	p                 *mat.Dense

	// Last world-frame linear acceleration (gravity removed) and bias-corrected angular velocity.
	acc, gyro r3.Vector
}

func newInertial(n int, noise Noise) inertial {
	c := inertial{n: n, dt: 0.01, noise: noise, rot: spatial.Identity(), p: mat.NewDense(n, n, nil)}
	c.resetCovariance()
	return c
}

func (c *inertial) resetCovariance() {
	c.p.Zero()
	setDiag3(c.p, idxPos, 1e-6)
	setDiag3(c.p, idxVel, 1e-2)
	setDiag3(c.p, idxTheta, 1e-3)
	setDiag3(c.p, idxAccBias, 1e-3)
	setDiag3(c.p, idxGyroBias, 1e-4)
	for i := baseDim; i < c.n; i++ {
		c.p.Set(i, i, 1e-3)
	}
}

func (c *inertial) Seed(s Seed) {
	if s.Dt > 0 {
		c.dt = s.Dt
	}
	c.pos = s.Position
	c.rot = s.Rotation
	if c.rot == (spatial.Mat3{}) {
		c.rot = spatial.Identity()
	}
	c.vel = r3.Vector{}
	c.accBias = s.AccBias
	c.gyroBias = s.GyroBias
	c.resetCovariance()
}

func (c *inertial) gravity() r3.Vector { return r3.Vector{Z: c.noise.Gravity} }

// propagate integrates one IMU sample and returns the process model pieces so that variants
// can extend them before the covariance step.
func (c *inertial) propagate(gyro, acc r3.Vector) (f, q *mat.Dense) {
	dt := c.dt
	w := gyro.Sub(c.gyroBias)
	ra := c.rot.MulVec(acc.Sub(c.accBias))
	aw := ra.Sub(c.gravity())

	f = eye(c.n)
	for i := 0; i < 3; i++ {
		f.Set(idxPos+i, idxVel+i, dt)
	}
	setBlock(f, idxVel, idxTheta, spatial.Wedge(ra).Scale(-dt))
	setBlock(f, idxVel, idxAccBias, c.rot.Scale(-dt))
	setBlock(f, idxTheta, idxGyroBias, c.rot.Scale(-dt))

	q = mat.NewDense(c.n, c.n, nil)
	setDiag3(q, idxVel, sq(c.noise.Acc)*dt)
	setDiag3(q, idxTheta, sq(c.noise.Gyro)*dt)
	setDiag3(q, idxAccBias, sq(c.noise.AccBiasRW)*dt)
	setDiag3(q, idxGyroBias, sq(c.noise.GyroBiasRW)*dt)

	c.pos = c.pos.Add(c.vel.Mul(dt)).Add(aw.Mul(0.5 * dt * dt))
	c.vel = c.vel.Add(aw.Mul(dt))
	c.rot = spatial.OrthonormalizeRot(c.rot.Mul(spatial.ExpSO3(w.Mul(dt))))
	c.acc = aw
	c.gyro = c.rot.MulVec(w)
	return f, q
}

func (c *inertial) covarianceStep(f, q *mat.Dense) {
	var fp, next mat.Dense
	fp.Mul(f, c.p)
	next.Mul(&fp, f.T())
	next.Add(&next, q)
	symmetrize(&next)
	c.p.Copy(&next)
}

// inject folds an error-state increment into the nominal state.
func (c *inertial) inject(dx *mat.VecDense) {
	c.pos = c.pos.Add(spatial.FromVec(dx, idxPos))
	c.vel = c.vel.Add(spatial.FromVec(dx, idxVel))
	c.rot = spatial.OrthonormalizeRot(spatial.ExpSO3(spatial.FromVec(dx, idxTheta)).Mul(c.rot))
	c.accBias = c.accBias.Add(spatial.FromVec(dx, idxAccBias))
	c.gyroBias = c.gyroBias.Add(spatial.FromVec(dx, idxGyroBias))
}

// orientationResidual is the world-frame rotation vector carrying the estimate onto q.
func (c *inertial) orientationResidual(q quat.Number) r3.Vector {
	return spatial.QuatToRotVec(spatial.QuatDelta(q, spatial.Mat3ToQuat(c.rot)))
}

// guard restores a usable covariance if an update produced non-finite numbers.
func (c *inertial) guard() {
	if !allFinite(c.p) {
		c.resetCovariance()
	}
}

func (c *inertial) BodyPose() spatial.Pose { return spatial.Pose{Rot: c.rot, Trans: c.pos} }

func (c *inertial) BodyVelocity() r3.Vector { return c.vel }

// Acc is the last world-frame linear acceleration with gravity removed.
func (c *inertial) Acc() r3.Vector { return c.acc }

// Gyro is the last bias-corrected angular velocity in the world frame.
func (c *inertial) Gyro() r3.Vector { return c.gyro }

func (c *inertial) Gravity() float64 { return c.noise.Gravity }

func (c *inertial) Biases() (acc, gyro r3.Vector) { return c.accBias, c.gyroBias }

// Covariance returns a copy of the error-state covariance.
func (c *inertial) Covariance() *mat.Dense { return mat.DenseCopyOf(c.p) }
