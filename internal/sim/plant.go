// Package sim integrates the pendulum-on-wheels model and exposes it through the
// same interfaces as the orientation sensor and the two wheel links.
package sim

import (
	"context"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"

	"balancebot/internal/imu"
	"balancebot/internal/motor"
	"balancebot/internal/plant"
)

// DefaultStep is the integration step.
const DefaultStep = time.Millisecond

// FallenRad is the pitch at which the chassis rests on the ground.
const FallenRad = 80 * math.Pi / 180

// maxCatchUp bounds how much wall-clock lag Run replays in one tick.
const maxCatchUp = 100 * time.Millisecond

// Plant is safe for concurrent use.
type Plant struct {
	mu sync.Mutex

	model  plant.PhysicalModel
	step   time.Duration
	ad, bd *mat.Dense
	decay  float64

	x       *mat.VecDense // pitch, position, pitch rate, velocity (wheel mean)
	diffVel float64       // right minus left wheel velocity
	diffPos float64
	yaw     float64
	yawRate float64

	cmd    [2]motor.Command
	offset [2]float64
	now    time.Time
}

const (
	left  = 0
	right = 1
)

func New(model plant.PhysicalModel, initialPitch float64, start time.Time) (*Plant, error) {
	if err := model.Validate(); err != nil {
		return nil, err
	}
	a, b, _, _ := model.Continuous(plant.OutputFull)
	ad, bd, err := plant.Discretize(a, b, DefaultStep.Seconds())
	if err != nil {
		return nil, err
	}
	p := &Plant{
		model: model,
		step:  DefaultStep,
		ad:    ad,
		bd:    bd,
		decay: math.Exp(-DefaultStep.Seconds() / model.MotorTau),
		x:     mat.NewVecDense(plant.States, []float64{initialPitch, 0, 0, 0}),
		now:   start,
	}
	return p, nil
}

// AdvanceTo integrates whole steps up to t.
func (p *Plant) AdvanceTo(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advanceLocked(t)
}

// catchUp is AdvanceTo for the wall clock: gaps longer than maxCatchUp are skipped, not simulated.
func (p *Plant) catchUp(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gap := t.Sub(p.now); gap > maxCatchUp {
		p.now = t.Add(-maxCatchUp)
	}
	p.advanceLocked(t)
}

func (p *Plant) advanceLocked(t time.Time) {
	for !p.now.Add(p.step).After(t) {
		p.integrate()
		p.now = p.now.Add(p.step)
	}
}

func (p *Plant) Advance(d time.Duration) {
	p.mu.Lock()
	t := p.now.Add(d)
	p.mu.Unlock()
	p.AdvanceTo(t)
}

func (p *Plant) integrate() {
	var u [2]float64
	for i, c := range p.cmd {
		if c.Enabled {
			u[i] = c.Setpoint
		}
	}
	mean := (u[left] + u[right]) / 2

	var next mat.VecDense
	next.MulVec(p.ad, p.x)
	next.AddScaledVec(&next, mean, p.bd.ColView(0))
	p.x = &next

	h := p.step.Seconds()
	p.diffPos += p.diffVel * h
	p.diffVel = p.diffVel*p.decay + p.model.MotorGain*(1-p.decay)*(u[right]-u[left])
	p.yawRate = p.diffVel * p.model.WheelRadius / p.model.WheelTrack
	p.yaw = wrap(p.yaw + p.yawRate*h)

	if pitch := p.x.AtVec(0); math.Abs(pitch) >= FallenRad {
		p.x.SetVec(0, math.Copysign(FallenRad, pitch))
		p.x.SetVec(2, 0)
	}
}

// Run advances the plant with the wall clock until ctx is done.
func (p *Plant) Run(ctx context.Context) {
	p.mu.Lock()
	p.now = time.Now()
	p.mu.Unlock()

	t := time.NewTicker(p.step)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			p.catchUp(now)
		}
	}
}

// State returns the true state and heading.
func (p *Plant) State() (plant.State, float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return plant.StateFromVec(p.x), p.yaw
}

// Push adds a pitch rate impulse.
func (p *Plant) Push(rate float64) {
	p.mu.Lock()
	p.x.SetVec(2, p.x.AtVec(2)+rate)
	p.mu.Unlock()
}

func (p *Plant) Now() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now
}

// IMU returns the simulated orientation sensor.
func (p *Plant) IMU() *IMU { return &IMU{p: p} }

func (p *Plant) Left() *Motor  { return &Motor{p: p, side: left} }
func (p *Plant) Right() *Motor { return &Motor{p: p, side: right} }

type IMU struct{ p *Plant }

func (s *IMU) Sample() imu.Sample {
	p := s.p
	p.mu.Lock()
	defer p.mu.Unlock()
	return imu.Sample{
		Pitch:       p.x.AtVec(0),
		Yaw:         p.yaw,
		GyroY:       p.x.AtVec(2),
		GyroZ:       p.yawRate,
		Stamp:       p.now,
		FrequencyHz: 1 / p.step.Seconds(),
		Valid:       true,
	}
}

// Motor is one simulated wheel link, reporting in the robot frame.
type Motor struct {
	p    *Plant
	side int
}

func (m *Motor) raw() (pos, vel float64) {
	p := m.p
	half := 0.5
	if m.side == left {
		half = -0.5
	}
	return p.x.AtVec(1) + half*p.diffPos, p.x.AtVec(3) + half*p.diffVel
}

func (m *Motor) Set(cmd motor.Command) {
	m.p.mu.Lock()
	m.p.cmd[m.side] = cmd
	m.p.mu.Unlock()
}

func (m *Motor) Get() motor.State {
	p := m.p
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, vel := m.raw()
	cmd := p.cmd[m.side]
	return motor.State{
		Position:    pos - p.offset[m.side],
		Velocity:    vel,
		Stamp:       p.now,
		FrequencyHz: 1 / p.step.Seconds(),
		Setpoint:    cmd.Setpoint,
		Enabled:     cmd.Enabled,
		Connected:   true,
	}
}

// Reset makes the current wheel position read as zero.
func (m *Motor) Reset() {
	m.p.mu.Lock()
	pos, _ := m.raw()
	m.p.offset[m.side] = pos
	m.p.mu.Unlock()
}

func wrap(a float64) float64 {
	if a >= -math.Pi && a < math.Pi {
		return a
	}
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}
