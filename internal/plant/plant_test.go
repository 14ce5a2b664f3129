package plant

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestDiscretize_DoubleIntegrator(t *testing.T) {
	a := mat.NewDense(2, 2, []float64{0, 1, 0, 0})
	b := mat.NewDense(2, 1, []float64{0, 1})
	ts := 0.02

	ad, bd, err := Discretize(a, b, ts)
	require.NoError(t, err)

	want := mat.NewDense(2, 2, []float64{1, ts, 0, 1})
	require.True(t, mat.EqualApprox(ad, want, 1e-12), "Ad=%v", mat.Formatted(ad))
	wantB := mat.NewDense(2, 1, []float64{ts * ts / 2, ts})
	require.True(t, mat.EqualApprox(bd, wantB, 1e-12), "Bd=%v", mat.Formatted(bd))
}

func TestDiscretize_FirstOrderLag(t *testing.T) {
	tau := 0.5
	a := mat.NewDense(1, 1, []float64{-1 / tau})
	b := mat.NewDense(1, 1, []float64{2 / tau})
	ts := 0.1

	ad, bd, err := Discretize(a, b, ts)
	require.NoError(t, err)
	require.InDelta(t, math.Exp(-ts/tau), ad.At(0, 0), 1e-12)
	require.InDelta(t, 2*(1-math.Exp(-ts/tau)), bd.At(0, 0), 1e-12)
}

func TestDiscretize_RejectsBadInput(t *testing.T) {
	a := mat.NewDense(2, 2, nil)
	_, _, err := Discretize(a, mat.NewDense(3, 1, nil), 0.02)
	require.Error(t, err)
	_, _, err = Discretize(a, mat.NewDense(2, 1, nil), 0)
	require.Error(t, err)
}

func TestNominalPlantIsOpenLoopUnstable(t *testing.T) {
	d, err := Nominal().Discretized(50, OutputFull)
	require.NoError(t, err)

	var eig mat.Eigen
	require.True(t, eig.Factorize(d.Ad, mat.EigenNone))
	maxAbs := 0.0
	for _, v := range eig.Values(nil) {
		if m := math.Hypot(real(v), imag(v)); m > maxAbs {
			maxAbs = m
		}
	}
	// Falling pendulum: at least one pole outside the unit circle.
	require.Greater(t, maxAbs, 1.0)
}

func TestContinuous_OutputModes(t *testing.T) {
	_, _, c, d := Nominal().Continuous(OutputAggregate)
	r, cols := c.Dims()
	require.Equal(t, 1, r)
	require.Equal(t, States, cols)
	dr, _ := d.Dims()
	require.Equal(t, 1, dr)

	_, _, c, _ = Nominal().Continuous(OutputFull)
	require.True(t, mat.Equal(c, Identity(States)))
}

func TestValidate(t *testing.T) {
	require.NoError(t, Nominal().Validate())
	p := Nominal()
	p.Inertia = 0
	require.EqualError(t, p.Validate(), "physics.inertia must be > 0")
}

func TestParseOutputMode(t *testing.T) {
	m, err := ParseOutputMode("aggregate")
	require.NoError(t, err)
	require.Equal(t, OutputAggregate, m)
	_, err = ParseOutputMode("partial")
	require.Error(t, err)
}
