// Package pid is the yaw stabilizer: a PID law with a clamped integrator.
package pid

import (
	"fmt"
	"math"
)

// Gains are the recognized tunables of the yaw controller.
type Gains struct {
	Kp float64 `yaml:"kp" json:"Kp"`
	Ki float64 `yaml:"ki" json:"Ki"`
	Kd float64 `yaml:"kd" json:"Kd"`
}

func (g Gains) Validate() error {
	for _, v := range []struct {
		name string
		val  float64
	}{{"kp", g.Kp}, {"ki", g.Ki}, {"kd", g.Kd}} {
		if math.IsNaN(v.val) || math.IsInf(v.val, 0) {
			return fmt.Errorf("yaw_pid.%s must be finite", v.name)
		}
	}
	return nil
}

// Output is the result of one controller tick.
type Output struct {
	Out     float64 `json:"out"`
	Enabled bool    `json:"en"`
}

// State exposes the internal accumulators for diagnostics.
type State struct {
	Integral   float64 `json:"integral"`
	Derivative float64 `json:"derivative"`
	Error      float64 `json:"error"`
	PrevError  float64 `json:"prev_error"`
}

// Controller clamps both the integral accumulator and the output to [min, max].
//
// Not safe for concurrent use.
type Controller struct {
	gains    Gains
	min, max float64

	integral   float64
	derivative float64
	err        float64
	prevErr    float64
}

func New(g Gains, min, max float64) *Controller {
	if min > max {
		min, max = max, min
	}
	return &Controller{gains: g, min: min, max: max}
}

func (c *Controller) Gains() Gains { return c.gains }

// SetGains replaces the gains without touching the accumulators.
func (c *Controller) SetGains(g Gains) error {
	if err := g.Validate(); err != nil {
		return err
	}
	c.gains = g
	return nil
}

func (c *Controller) Limits() (min, max float64) { return c.min, c.max }

// Step runs one update with error = sp - meas. When disabled the output is 0 and
// the accumulators are left as they are; callers reset on re-enable.
func (c *Controller) Step(sp, meas, dt float64, enabled bool) Output {
	if !enabled {
		return Output{}
	}
	if dt <= 0 || math.IsNaN(dt) {
		// No time elapsed: no update.
		return Output{Out: c.clamp(c.law()), Enabled: true}
	}

	c.err = sp - meas
	c.integral = c.clamp(c.integral + c.err*dt)
	c.derivative = (c.err - c.prevErr) / dt
	c.prevErr = c.err

	return Output{Out: c.clamp(c.law()), Enabled: true}
}

func (c *Controller) law() float64 {
	return c.gains.Kp*c.err + c.gains.Ki*c.integral + c.gains.Kd*c.derivative
}

// Reset zeroes integral, derivative, error and previous error.
func (c *Controller) Reset() {
	c.integral = 0
	c.derivative = 0
	c.err = 0
	c.prevErr = 0
}

func (c *Controller) State() State {
	return State{Integral: c.integral, Derivative: c.derivative, Error: c.err, PrevError: c.prevErr}
}

func (c *Controller) clamp(v float64) float64 {
	if v < c.min {
		return c.min
	}
	if v > c.max {
		return c.max
	}
	return v
}
