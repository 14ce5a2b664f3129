package kalman

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"balancebot/internal/plant"
)

func newEstimator(t *testing.T, mode plant.OutputMode) *Estimator {
	t.Helper()
	e, err := New(plant.Nominal(), 50, mode)
	require.NoError(t, err)
	return e
}

func tightWeights() Weights {
	return Weights{
		Q: [4]float64{50, 50, 25, 25},
		R: [4]float64{1e-4, 1e-4, 1e-4, 1e-4},
	}
}

func TestConvergesToEquilibrium(t *testing.T) {
	e := newEstimator(t, plant.OutputFull)
	// Position offset with everything else at rest is an equilibrium of the plant.
	truth := Measurement{0, 0.3, 0, 0}

	var est plant.State
	var err error
	for i := 0; i < 30; i++ {
		est, err = e.Step(0, truth, tightWeights())
		require.NoError(t, err)
	}
	require.InDelta(t, 0.0, est.Pitch, 1e-6)
	require.InDelta(t, 0.3, est.Position, 1e-6)
	require.InDelta(t, 0.0, est.PitchRate, 1e-6)
	require.InDelta(t, 0.0, est.Velocity, 1e-6)
}

func TestTracksPropagatedStateUnderConstantInput(t *testing.T) {
	e := newEstimator(t, plant.OutputFull)
	sys := e.System()

	x := mat.NewVecDense(4, []float64{0.02, 0, 0, 0.1})
	u := 0.05
	var est plant.State
	for k := 0; k < 25; k++ {
		var next mat.VecDense
		next.MulVec(sys.Ad, x)
		next.AddScaledVec(&next, u, sys.Bd.ColView(0))
		x = &next

		y := Measurement{x.AtVec(0), x.AtVec(1), x.AtVec(2), x.AtVec(3)}
		var err error
		est, err = e.Step(u, y, tightWeights())
		require.NoError(t, err)
	}
	truth := plant.StateFromVec(x).Array()
	got := est.Array()
	for i := range truth {
		tol := 1e-4 * math.Max(1, math.Abs(truth[i]))
		require.InDelta(t, truth[i], got[i], tol, "state %d", i)
	}
}

func TestUpdateKeepsCovarianceSymmetricPSD(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for trial := 0; trial < 200; trial++ {
		e := newEstimator(t, plant.OutputFull)

		var w Weights
		for i := 0; i < 4; i++ {
			w.Q[i] = rng.Float64() * 100
			w.R[i] = 1e-3 + rng.Float64()*10
		}
		require.NoError(t, e.SetWeights(w))

		// Random SPD prior: M*M' + eps*I.
		m := mat.NewDense(4, 4, nil)
		for i := 0; i < 4; i++ {
			for j := 0; j < 4; j++ {
				m.Set(i, j, rng.NormFloat64())
			}
		}
		var p0 mat.Dense
		p0.Mul(m, m.T())
		p0.Add(&p0, scaledIdentity(1e-3))
		require.NoError(t, e.SetCovariance(&p0))

		for k := 0; k < 5; k++ {
			e.Predict(rng.NormFloat64())
			y := Measurement{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
			require.NoError(t, e.Update(y))

			p := e.Covariance()
			scale := math.Max(1, mat.Norm(p, math.Inf(1)))
			for i := 0; i < 4; i++ {
				for j := 0; j < 4; j++ {
					require.InDelta(t, p.At(i, j), p.At(j, i), 1e-12*scale)
				}
			}
			sym := mat.NewSymDense(4, nil)
			for i := 0; i < 4; i++ {
				for j := i; j < 4; j++ {
					sym.SetSym(i, j, p.At(i, j))
				}
			}
			var eig mat.EigenSym
			require.True(t, eig.Factorize(sym, false))
			for _, v := range eig.Values(nil) {
				require.GreaterOrEqual(t, v, -1e-9*scale, "trial %d step %d", trial, k)
			}
		}
	}
}

func TestSingularInnovationIsSurfaced(t *testing.T) {
	e := newEstimator(t, plant.OutputFull)
	e.r = mat.NewDense(4, 4, nil)
	e.p = mat.NewDense(4, 4, nil)
	e.q = mat.NewDense(4, 4, nil)
	e.sys.Ad = mat.NewDense(4, 4, nil)

	e.Predict(0)
	err := e.Update(Measurement{1, 2, 3, 4})
	require.ErrorIs(t, err, ErrSingularInnovation)
}

func TestStepRejectsInvalidWeights(t *testing.T) {
	e := newEstimator(t, plant.OutputFull)
	before := e.Weights()
	w := tightWeights()
	w.R[2] = 0
	_, err := e.Step(0, Measurement{}, w)
	require.EqualError(t, err, "kalman.r[2] must be finite and > 0")
	require.Equal(t, before, e.Weights())
}

func TestStepAppliesChangedWeights(t *testing.T) {
	e := newEstimator(t, plant.OutputFull)
	w := tightWeights()
	_, err := e.Step(0, Measurement{}, w)
	require.NoError(t, err)
	require.Equal(t, w, e.Weights())
	require.Equal(t, 1e-4, e.r.At(3, 3))

	w.R[3] = 0.5
	_, err = e.Step(0, Measurement{}, w)
	require.NoError(t, err)
	require.Equal(t, 0.5, e.r.At(3, 3))
}

func TestAggregateModeUsesSingleOutput(t *testing.T) {
	e := newEstimator(t, plant.OutputAggregate)
	w := tightWeights()
	w.R[1], w.R[2], w.R[3] = 0, 0, 0
	_, err := e.Step(0, Measurement{0.1, 0.2, 0.3, 0.4}, w)
	require.NoError(t, err)
	r, c := e.r.Dims()
	require.Equal(t, 1, r)
	require.Equal(t, 1, c)
}

func TestReset(t *testing.T) {
	e := newEstimator(t, plant.OutputFull)
	_, err := e.Step(1, Measurement{1, 1, 1, 1}, tightWeights())
	require.NoError(t, err)
	e.Reset()
	require.Equal(t, plant.State{}, e.Estimate())
	require.True(t, mat.Equal(plant.Identity(4), e.Covariance()))
}

func scaledIdentity(v float64) *mat.Dense {
	m := plant.Identity(4)
	m.Scale(v, m)
	return m
}
