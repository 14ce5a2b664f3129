// Package kalman estimates the pendulum state from the last control output and the
// filtered sensor measurements with a discrete-time Kalman filter.
package kalman

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"balancebot/internal/plant"
)

// ErrSingularInnovation is returned by Update when C*P*C'+R cannot be inverted.
// It means the noise configuration is unusable and must not be ignored.
var ErrSingularInnovation = errors.New("kalman: innovation covariance is singular")

// Weights are the diagonals of the process (Q) and measurement (R) noise covariances.
// In aggregate output mode only R[0] is used.
type Weights struct {
	Q [plant.States]float64 `yaml:"q" json:"Q"`
	R [plant.States]float64 `yaml:"r" json:"R"`
}

func (w Weights) Validate(mode plant.OutputMode) error {
	for i, v := range w.Q {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("kalman.q[%d] must be finite and >= 0", i)
		}
	}
	for i := 0; i < mode.Outputs(); i++ {
		v := w.R[i]
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return fmt.Errorf("kalman.r[%d] must be finite and > 0", i)
		}
	}
	return nil
}

// Measurement is [filtered pitch, mean wheel position, filtered pitch rate, mean wheel velocity].
type Measurement [plant.States]float64

// Estimator is owned by the control loop; it is not safe for concurrent use.
type Estimator struct {
	mode plant.OutputMode
	sys  plant.Discrete

	weights Weights
	q       *mat.Dense
	r       *mat.Dense

	p *mat.Dense
	x *mat.VecDense
}

// New discretizes model at freqHz. The noise weights start as identity until SetWeights is called.
func New(model plant.PhysicalModel, freqHz float64, mode plant.OutputMode) (*Estimator, error) {
	sys, err := model.Discretized(freqHz, mode)
	if err != nil {
		return nil, err
	}
	e := &Estimator{
		mode: mode,
		sys:  sys,
		q:    plant.Identity(plant.States),
		r:    plant.Identity(mode.Outputs()),
	}
	for i := range e.weights.Q {
		e.weights.Q[i] = 1
		e.weights.R[i] = 1
	}
	e.Reset()
	return e, nil
}

// Reset zeroes the estimate and restores P to identity.
func (e *Estimator) Reset() {
	e.x = mat.NewVecDense(plant.States, nil)
	e.p = plant.Identity(plant.States)
}

func (e *Estimator) Mode() plant.OutputMode { return e.mode }

func (e *Estimator) System() plant.Discrete { return e.sys }

func (e *Estimator) Weights() Weights { return e.weights }

// SetWeights rebuilds the diagonal Q and R matrices. Ad and Bd depend only on the
// loop frequency and are left untouched.
func (e *Estimator) SetWeights(w Weights) error {
	if err := w.Validate(e.mode); err != nil {
		return err
	}
	q := mat.NewDense(plant.States, plant.States, nil)
	for i, v := range w.Q {
		q.Set(i, i, v)
	}
	n := e.mode.Outputs()
	r := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		r.Set(i, i, w.R[i])
	}
	e.q, e.r, e.weights = q, r, w
	return nil
}

// Predict propagates x = Ad*x + Bd*u and P = Ad*P*Ad' + Q.
func (e *Estimator) Predict(u float64) {
	ad, bd := e.sys.Ad, e.sys.Bd

	var x mat.VecDense
	x.MulVec(ad, e.x)
	x.AddScaledVec(&x, u, bd.ColView(0))
	e.x = &x

	var p mat.Dense
	p.Product(ad, e.p, ad.T())
	p.Add(&p, e.q)
	e.p = &p
}

// Update corrects the prediction with measurement y.
func (e *Estimator) Update(y Measurement) error {
	c := e.sys.C
	n := e.mode.Outputs()

	z := mat.NewVecDense(n, nil)
	if e.mode == plant.OutputAggregate {
		z.SetVec(0, y[0]+y[1]+y[2]+y[3])
	} else {
		for i := 0; i < n; i++ {
			z.SetVec(i, y[i])
		}
	}

	var innov mat.VecDense
	innov.MulVec(c, e.x)
	innov.SubVec(z, &innov)

	var s mat.Dense
	s.Product(c, e.p, c.T())
	s.Add(&s, e.r)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
			return fmt.Errorf("%w: %v", ErrSingularInnovation, err)
		}
	}
	if !finite(&sInv) {
		return ErrSingularInnovation
	}

	var gain mat.Dense
	gain.Product(e.p, c.T(), &sInv)

	var dx mat.VecDense
	dx.MulVec(&gain, &innov)
	var x mat.VecDense
	x.AddVec(e.x, &dx)

	var ikc mat.Dense
	ikc.Mul(&gain, c)
	ikc.Sub(plant.Identity(plant.States), &ikc)
	var p mat.Dense
	p.Mul(&ikc, e.p)
	symmetrize(&p)

	e.x = &x
	e.p = &p
	return nil
}

// Step runs one predict+update cycle, first applying w when it differs from the cached weights.
func (e *Estimator) Step(u float64, y Measurement, w Weights) (plant.State, error) {
	if w != e.weights {
		if err := e.SetWeights(w); err != nil {
			return e.Estimate(), err
		}
	}
	e.Predict(u)
	if err := e.Update(y); err != nil {
		return e.Estimate(), err
	}
	return e.Estimate(), nil
}

func (e *Estimator) Estimate() plant.State { return plant.StateFromVec(e.x) }

// Covariance returns a copy of P.
func (e *Estimator) Covariance() *mat.Dense { return mat.DenseCopyOf(e.p) }

// SetCovariance replaces P, mainly for re-initialisation with a known prior.
func (e *Estimator) SetCovariance(p mat.Matrix) error {
	r, c := p.Dims()
	if r != plant.States || c != plant.States {
		return fmt.Errorf("kalman: covariance must be %dx%d, got %dx%d", plant.States, plant.States, r, c)
	}
	e.p = mat.DenseCopyOf(p)
	return nil
}

// SetState replaces the estimate.
func (e *Estimator) SetState(s plant.State) { e.x = s.Vec() }

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
