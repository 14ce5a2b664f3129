// Package lqr implements the discrete linear-quadratic regulator that keeps the chassis upright.
package lqr

import (
	"fmt"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"

	"balancebot/internal/plant"
)

// DefaultLimit is the output clamp in motor command units (percent of torque scale).
const DefaultLimit = 100.0

// Weights are the diagonal state cost Q and the scalar input cost R.
type Weights struct {
	Q [plant.States]float64 `yaml:"q" json:"Q"`
	R float64               `yaml:"r" json:"R"`
}

func (w Weights) Validate() error {
	for i, v := range w.Q {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("lqr.q[%d] must be finite and >= 0", i)
		}
	}
	if math.IsNaN(w.R) || math.IsInf(w.R, 0) || w.R <= 0 {
		return fmt.Errorf("lqr.r must be > 0")
	}
	return nil
}

// Gains is a solved feedback law ready to be installed.
type Gains struct {
	Weights Weights                             `json:"weights"`
	K       [plant.States]float64               `json:"k"`
	P       [plant.States][plant.States]float64 `json:"-"`
}

// Output is the result of one controller tick.
type Output struct {
	Out         float64   `json:"out"`
	Enabled     bool      `json:"en"`
	Stamp       time.Time `json:"t"`
	FrequencyHz float64   `json:"freq"`
}

// Controller computes u = -K(x - sp). Step is called only from the control loop;
// PrepareGains may run on any goroutine.
type Controller struct {
	sys   plant.Discrete
	limit float64

	mu    sync.RWMutex
	gains Gains
	ready bool

	lastStep time.Time
	freq     float64
}

// New discretizes model at freqHz. limit <= 0 selects DefaultLimit.
// The controller produces zero output until gains are installed.
func New(model plant.PhysicalModel, freqHz, limit float64) (*Controller, error) {
	sys, err := model.Discretized(freqHz, plant.OutputFull)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || math.IsNaN(limit) {
		limit = DefaultLimit
	}
	return &Controller{sys: sys, limit: limit}, nil
}

func (c *Controller) Limit() float64 { return c.limit }

func (c *Controller) System() plant.Discrete { return c.sys }

// PrepareGains solves the Riccati equation for w without touching the installed gains.
func (c *Controller) PrepareGains(w Weights) (Gains, error) {
	if err := w.Validate(); err != nil {
		return Gains{}, err
	}
	q := mat.NewDense(plant.States, plant.States, nil)
	for i, v := range w.Q {
		q.Set(i, i, v)
	}
	r := mat.NewDense(1, 1, []float64{w.R})

	x, k, err := SolveDARE(c.sys.Ad, c.sys.Bd, q, r)
	if err != nil {
		return Gains{}, err
	}
	g := Gains{Weights: w}
	for i := 0; i < plant.States; i++ {
		g.K[i] = k.At(0, i)
		for j := 0; j < plant.States; j++ {
			g.P[i][j] = x.At(i, j)
		}
	}
	if !stable(c.sys, g.K) {
		return Gains{}, fmt.Errorf("lqr: closed loop is not stable for q=%v r=%v", w.Q, w.R)
	}
	return g, nil
}

// Install swaps in gains returned by PrepareGains.
func (c *Controller) Install(g Gains) {
	c.mu.Lock()
	c.gains = g
	c.ready = true
	c.mu.Unlock()
}

// CalcGains solves and installs in one call. On error the previous gains stay in place.
func (c *Controller) CalcGains(w Weights) error {
	g, err := c.PrepareGains(w)
	if err != nil {
		return err
	}
	c.Install(g)
	return nil
}

// Gains returns a copy of the installed gains and whether any are installed.
func (c *Controller) Gains() (Gains, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gains, c.ready
}

// ClosedLoopEigen returns the eigenvalues of Ad - Bd*K for the installed gains.
func (c *Controller) ClosedLoopEigen() []complex128 {
	g, _ := c.Gains()
	return closedLoopEigen(c.sys, g.K)
}

// Step evaluates the control law. When disabled the law is not evaluated and Out is 0.
func (c *Controller) Step(sp, x plant.State, enabled bool, now time.Time) Output {
	if !c.lastStep.IsZero() {
		if dt := now.Sub(c.lastStep).Seconds(); dt > 0 {
			c.freq = 1 / dt
		}
	}
	c.lastStep = now

	out := Output{Stamp: now, FrequencyHz: c.freq}
	if !enabled {
		return out
	}

	c.mu.RLock()
	k, ready := c.gains.K, c.ready
	c.mu.RUnlock()
	if !ready {
		return out
	}

	e := x.Sub(sp).Array()
	u := 0.0
	for i := range k {
		u -= k[i] * e[i]
	}
	if math.IsNaN(u) {
		return out
	}
	out.Out = math.Max(-c.limit, math.Min(c.limit, u))
	out.Enabled = true
	return out
}

func closedLoopEigen(sys plant.Discrete, k [plant.States]float64) []complex128 {
	kd := mat.NewDense(1, plant.States, k[:])
	var bk, acl mat.Dense
	bk.Mul(sys.Bd, kd)
	acl.Sub(sys.Ad, &bk)
	var eig mat.Eigen
	if !eig.Factorize(&acl, mat.EigenNone) {
		return nil
	}
	return eig.Values(nil)
}

func stable(sys plant.Discrete, k [plant.States]float64) bool {
	vals := closedLoopEigen(sys, k)
	if len(vals) == 0 {
		return false
	}
	for _, v := range vals {
		if cmplxAbs(v) >= 1 {
			return false
		}
	}
	return true
}

func cmplxAbs(v complex128) float64 { return math.Hypot(real(v), imag(v)) }
