// Package setpoint turns manual stick input into a smooth reference trajectory for
// the balance and yaw controllers.
package setpoint

import (
	"math"

	"balancebot/internal/lowpass"
	"balancebot/internal/plant"
)

// Setpoint is the reference the controllers track.
type Setpoint struct {
	Pitch     float64 `json:"p" yaml:"p"`
	Position  float64 `json:"x" yaml:"x"`
	PitchRate float64 `json:"pv" yaml:"pv"`
	Velocity  float64 `json:"v" yaml:"v"`
	Yaw       float64 `json:"yaw" yaml:"yaw"`
}

// State returns the balance part of the setpoint.
func (s Setpoint) State() plant.State {
	return plant.State{Pitch: s.Pitch, Position: s.Position, PitchRate: s.PitchRate, Velocity: s.Velocity}
}

func (s Setpoint) finite() bool {
	for _, v := range []float64{s.Pitch, s.Position, s.PitchRate, s.Velocity, s.Yaw} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// StickCenter is the rest value of an analog stick axis.
const StickCenter = 127.5

// Manual is the slice of gamepad state the integrator consumes. Sticks are 0..255 with
// pushed-forward and pushed-right reading high.
type Manual struct {
	Connected bool
	Throttle  float64 // left stick Y
	Steer     float64 // right stick X
	DPadX     int
	DPadY     int
}

type Config struct {
	MaxVelocity float64 // m/s at full stick
	MaxYawRate  float64 // rad/s at full stick
	// Deadband is measured in raw stick units around StickCenter.
	Deadband float64
	// NudgeVelocity and NudgeYawRate are added while the d-pad is held.
	NudgeVelocity float64
	NudgeYawRate  float64
	CutoffHz      float64
}

func (c *Config) applyDefaults() {
	if c.MaxVelocity <= 0 {
		c.MaxVelocity = 0.5
	}
	if c.MaxYawRate <= 0 {
		c.MaxYawRate = 1.5
	}
	if c.Deadband < 0 {
		c.Deadband = 0
	}
	if c.Deadband == 0 {
		c.Deadband = 8
	}
	if c.NudgeVelocity <= 0 {
		c.NudgeVelocity = 0.1
	}
	if c.NudgeYawRate <= 0 {
		c.NudgeYawRate = 0.3
	}
	if c.CutoffHz <= 0 {
		c.CutoffHz = 2
	}
}

// Integrator is owned by the control loop; it is not safe for concurrent use.
type Integrator struct {
	cfg Config

	raw      Setpoint
	override bool

	fPitch, fPos, fRate, fVel, fYaw *lowpass.Filter
	out                             Setpoint
}

func New(cfg Config) *Integrator {
	cfg.applyDefaults()
	return &Integrator{
		cfg:    cfg,
		fPitch: lowpass.New(cfg.CutoffHz),
		fPos:   lowpass.New(cfg.CutoffHz),
		fRate:  lowpass.New(cfg.CutoffHz),
		fVel:   lowpass.New(cfg.CutoffHz),
		fYaw:   lowpass.New(cfg.CutoffHz),
	}
}

func (in *Integrator) Config() Config { return in.cfg }

// Step integrates one tick of manual input and returns the filtered setpoint.
// Position and yaw only advance while active is true.
func (in *Integrator) Step(m Manual, dt float64, active bool) Setpoint {
	if dt < 0 || math.IsNaN(dt) {
		dt = 0
	}

	vel, yawRate, deflected := in.command(m)
	if deflected {
		in.override = false
	}
	if !in.override {
		in.raw.Pitch = 0
		in.raw.PitchRate = 0
		in.raw.Velocity = 0
		if active {
			in.raw.Velocity = vel
			in.raw.Position += vel * dt
			in.raw.Yaw = wrapAngle(in.raw.Yaw + yawRate*dt)
		}
	}

	in.out = Setpoint{
		Pitch:     in.fPitch.Step(in.raw.Pitch, dt),
		Position:  in.fPos.Step(in.raw.Position, dt),
		PitchRate: in.fRate.Step(in.raw.PitchRate, dt),
		Velocity:  in.fVel.Step(in.raw.Velocity, dt),
		Yaw:       in.fYaw.Step(in.raw.Yaw, dt),
	}
	return in.out
}

func (in *Integrator) command(m Manual) (vel, yawRate float64, deflected bool) {
	if !m.Connected {
		return 0, 0, false
	}
	ty := stick(m.Throttle, in.cfg.Deadband)
	sx := stick(m.Steer, in.cfg.Deadband)
	vel = ty*in.cfg.MaxVelocity + float64(sign(m.DPadY))*in.cfg.NudgeVelocity
	yawRate = -sx*in.cfg.MaxYawRate - float64(sign(m.DPadX))*in.cfg.NudgeYawRate
	vel = clamp(vel, in.cfg.MaxVelocity)
	yawRate = clamp(yawRate, in.cfg.MaxYawRate)
	deflected = ty != 0 || sx != 0 || m.DPadX != 0 || m.DPadY != 0
	return vel, yawRate, deflected
}

// Override replaces the raw setpoint until the next manual deflection. Non-finite values are ignored.
func (in *Integrator) Override(sp Setpoint) bool {
	if !sp.finite() {
		return false
	}
	in.raw = sp
	in.raw.Yaw = wrapAngle(sp.Yaw)
	in.override = true
	return true
}

func (in *Integrator) Overridden() bool { return in.override }

func (in *Integrator) Raw() Setpoint { return in.raw }

func (in *Integrator) Filtered() Setpoint { return in.out }

// Reset zeroes the setpoint and every setpoint filter and drops any override.
func (in *Integrator) Reset() {
	in.raw = Setpoint{}
	in.out = Setpoint{}
	in.override = false
	for _, f := range []*lowpass.Filter{in.fPitch, in.fPos, in.fRate, in.fVel, in.fYaw} {
		f.Reset()
	}
}

// stick maps a raw axis to [-1, 1] with a deadband that rescales so output is continuous.
func stick(v, deadband float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	d := v - StickCenter
	if math.Abs(d) <= deadband {
		return 0
	}
	span := StickCenter - deadband
	if span <= 0 {
		return 0
	}
	n := (math.Abs(d) - deadband) / span
	if n > 1 {
		n = 1
	}
	return math.Copysign(n, d)
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func clamp(v, limit float64) float64 {
	return math.Max(-limit, math.Min(limit, v))
}

func wrapAngle(a float64) float64 {
	if a >= -math.Pi && a < math.Pi {
		return a
	}
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}

// WrapAngle folds a into [-pi, pi).
func WrapAngle(a float64) float64 { return wrapAngle(a) }
