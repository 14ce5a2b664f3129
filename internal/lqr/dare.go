package lqr

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrNoConvergence is returned when the Riccati iteration does not settle.
var ErrNoConvergence = errors.New("lqr: riccati solve did not converge")

const (
	dareMaxIter = 100
	dareTol     = 1e-12
)

// SolveDARE solves X = A'XA - A'XB (R + B'XB)^-1 B'XA + Q with the structured doubling
// algorithm and returns X together with the optimal gain K = (R + B'XB)^-1 B'XA.
//
// Q must be symmetric positive semi-definite and R positive definite.
func SolveDARE(a, b, q, r mat.Matrix) (x, k *mat.Dense, err error) {
	n, nc := a.Dims()
	if n != nc {
		return nil, nil, fmt.Errorf("lqr: A must be square, got %dx%d", n, nc)
	}
	bn, m := b.Dims()
	if bn != n {
		return nil, nil, fmt.Errorf("lqr: B has %d rows, want %d", bn, n)
	}
	if qr, qc := q.Dims(); qr != n || qc != n {
		return nil, nil, fmt.Errorf("lqr: Q must be %dx%d", n, n)
	}
	if rr, rc := r.Dims(); rr != m || rc != m {
		return nil, nil, fmt.Errorf("lqr: R must be %dx%d", m, m)
	}

	var rInv mat.Dense
	if err := invert(&rInv, r); err != nil {
		return nil, nil, fmt.Errorf("lqr: R is not invertible: %w", err)
	}

	ak := mat.DenseCopyOf(a)
	gk := mat.NewDense(n, n, nil)
	gk.Product(b, &rInv, b.T())
	hk := mat.DenseCopyOf(q)
	eye := identity(n)

	converged := false
	for i := 0; i < dareMaxIter; i++ {
		// W = (I + G H)^-1
		var w mat.Dense
		w.Mul(gk, hk)
		w.Add(eye, &w)
		if err := invert(&w, &w); err != nil {
			return nil, nil, fmt.Errorf("lqr: doubling step %d: %w", i, err)
		}

		var wa mat.Dense
		wa.Mul(&w, ak)

		var aNext mat.Dense
		aNext.Mul(ak, &wa)

		var gNext mat.Dense
		gNext.Product(ak, &w, gk, ak.T())
		gNext.Add(gk, &gNext)

		var hNext mat.Dense
		hNext.Product(ak.T(), hk, &wa)
		hNext.Add(hk, &hNext)
		symmetrize(&hNext)
		symmetrize(&gNext)

		if !finite(&hNext) {
			return nil, nil, ErrNoConvergence
		}
		var diff mat.Dense
		diff.Sub(&hNext, hk)
		delta := mat.Norm(&diff, 1)
		scale := math.Max(1, mat.Norm(&hNext, 1))

		ak, gk, hk = &aNext, &gNext, &hNext
		if delta <= dareTol*scale {
			converged = true
			break
		}
	}
	if !converged {
		return nil, nil, ErrNoConvergence
	}

	k, err = gain(a, b, r, hk)
	if err != nil {
		return nil, nil, err
	}
	return hk, k, nil
}

// gain returns (R + B'XB)^-1 B'XA.
func gain(a, b, r mat.Matrix, x *mat.Dense) (*mat.Dense, error) {
	var bxb mat.Dense
	bxb.Product(b.T(), x, b)
	bxb.Add(&bxb, r)
	var inv mat.Dense
	if err := invert(&inv, &bxb); err != nil {
		return nil, fmt.Errorf("lqr: R + B'XB is singular: %w", err)
	}
	var k mat.Dense
	k.Product(&inv, b.T(), x, a)
	return &k, nil
}

// Residual returns the 1-norm of the DARE residual for a candidate solution x.
func Residual(a, b, q, r mat.Matrix, x *mat.Dense) (float64, error) {
	k, err := gain(a, b, r, x)
	if err != nil {
		return 0, err
	}
	var axa, axbk, res mat.Dense
	axa.Product(a.T(), x, a)
	axbk.Product(a.T(), x, b, k)
	res.Sub(&axa, &axbk)
	res.Add(&res, q)
	res.Sub(&res, x)
	return mat.Norm(&res, 1), nil
}

func invert(dst *mat.Dense, m mat.Matrix) error {
	err := dst.Inverse(m)
	if err == nil {
		return nil
	}
	var cond mat.Condition
	if errors.As(err, &cond) && !math.IsInf(float64(cond), 1) && finite(dst) {
		// Ill-conditioned but usable.
		return nil
	}
	return err
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func symmetrize(m *mat.Dense) {
	n, _ := m.Dims()
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			v := (m.At(i, j) + m.At(j, i)) / 2
			m.Set(i, j, v)
			m.Set(j, i, v)
		}
	}
}

func finite(m mat.Matrix) bool {
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
