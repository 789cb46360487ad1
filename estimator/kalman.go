// Package estimator contains the Kalman filters that consume the fused kinematic-inertial
// measurements: an error-state base EKF, its contact-aided variant and the CoM EKF.
package estimator

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"humanoid-engine/spatial"
)

// eye returns an n x n identity.
func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func setBlock(dst *mat.Dense, i, j int, b spatial.Mat3) {
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			dst.Set(i+r, j+c, b[r][c])
		}
	}
}

func setDiag3(dst *mat.Dense, i int, v float64) {
	for k := 0; k < 3; k++ {
		dst.Set(i+k, i+k, v)
	}
}

func setVec(dst *mat.VecDense, off int, v r3.Vector) {
	dst.SetVec(off, v.X)
	dst.SetVec(off+1, v.Y)
	dst.SetVec(off+2, v.Z)
}

func symmetrize(p *mat.Dense) {
	n, _ := p.Dims()
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			v := 0.5 * (p.At(i, j) + p.At(j, i))
			p.Set(i, j, v)
			p.Set(j, i, v)
		}
	}
}

func allFinite(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// pinv computes the Moore-Penrose pseudo-inverse through an SVD.
func pinv(a mat.Matrix) *mat.Dense {
	r, c := a.Dims()
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return mat.NewDense(c, r, nil)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	s := svd.Values(nil)

	maxS := 0.0
	if len(s) > 0 {
		maxS = s[0]
	}
	tol := 1e-15 * float64(max(r, c)) * maxS
	sigInv := mat.NewDense(len(s), len(s), nil)
	for i, val := range s {
		if val > tol {
			sigInv.Set(i, i, 1/val)
		}
	}
	var tmp, res mat.Dense
	tmp.Mul(&v, sigInv)
	res.Mul(&tmp, u.T())
	return &res
}

// correct runs one Kalman correction on covariance p for residual r with Jacobian h and noise
// rn. It returns the error-state increment and the squared Mahalanobis distance of r. When gate
// is positive and the distance exceeds it, p is left untouched and accepted is false.
func correct(p, h, rn *mat.Dense, r *mat.VecDense, gate float64) (dx *mat.VecDense, d2 float64, accepted bool) {
	n, _ := p.Dims()

	var pht, s mat.Dense
	pht.Mul(p, h.T())
	s.Mul(h, &pht)
	s.Add(&s, rn)
	sInv := pinv(&s)

	var w mat.VecDense
	w.MulVec(sInv, r)
	d2 = mat.Dot(r, &w)
	if gate > 0 && d2 > gate {
		return nil, d2, false
	}

	var k mat.Dense
	k.Mul(&pht, sInv)
	dx = mat.NewVecDense(n, nil)
	dx.MulVec(&k, r)

	// Joseph form keeps p symmetric positive semi-definite.
	var kh mat.Dense
	kh.Mul(&k, h)
	ikh := eye(n)
	ikh.Sub(ikh, &kh)
	var tmp, next, kr, krk mat.Dense
	tmp.Mul(ikh, p)
	next.Mul(&tmp, ikh.T())
	kr.Mul(&k, rn)
	krk.Mul(&kr, k.T())
	next.Add(&next, &krk)
	symmetrize(&next)
	p.Copy(&next)
	return dx, d2, true
}

func sq(x float64) float64 { return x * x }
