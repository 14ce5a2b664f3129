package sim

import (
	"math"
	"testing"
	"time"

	"balancebot/internal/lqr"
	"balancebot/internal/motor"
	"balancebot/internal/plant"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newPlant(t *testing.T, pitch float64) *Plant {
	t.Helper()
	p, err := New(plant.Nominal(), pitch, t0)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return p
}

func TestPlant_FallsOpenLoop(t *testing.T) {
	p := newPlant(t, 0.02)
	p.Advance(2 * time.Second)
	x, _ := p.State()
	if x.Pitch != FallenRad {
		t.Fatalf("pitch=%v want fallen at %v", x.Pitch, FallenRad)
	}
	if x.PitchRate != 0 {
		t.Fatalf("pitch rate=%v want 0 on the ground", x.PitchRate)
	}
}

func TestPlant_UprightEquilibrium(t *testing.T) {
	p := newPlant(t, 0)
	p.Advance(time.Second)
	x, yaw := p.State()
	if x != (plant.State{}) || yaw != 0 {
		t.Fatalf("state=%+v yaw=%v want rest", x, yaw)
	}
}

func TestPlant_AdvanceToIsStepAligned(t *testing.T) {
	p := newPlant(t, 0)
	p.AdvanceTo(t0.Add(5*time.Millisecond + 300*time.Microsecond))
	if got := p.Now(); !got.Equal(t0.Add(5 * time.Millisecond)) {
		t.Fatalf("now=%v", got)
	}
}

func TestPlant_CatchUpSkipsLongGaps(t *testing.T) {
	p := newPlant(t, 0.02)
	p.catchUp(t0.Add(time.Hour))
	if got := p.Now(); !got.Equal(t0.Add(time.Hour)) {
		t.Fatalf("now=%v", got)
	}
	// Only maxCatchUp of the gap is integrated, so the chassis has not fallen yet.
	x, _ := p.State()
	if x.Pitch >= FallenRad {
		t.Fatalf("pitch=%v: whole gap was simulated", x.Pitch)
	}
}

func TestPlant_AdvanceCoversWholeSpan(t *testing.T) {
	p := newPlant(t, 0)
	p.Advance(time.Second)
	if got := p.Now(); !got.Equal(t0.Add(time.Second)) {
		t.Fatalf("now=%v", got)
	}
}

func TestPlant_MotorsResetAndDifferential(t *testing.T) {
	p := newPlant(t, 0)
	l, r := p.Left(), p.Right()
	l.Set(motor.Command{Setpoint: 1, Enabled: true})
	r.Set(motor.Command{Setpoint: 3, Enabled: true})
	p.Advance(200 * time.Millisecond)

	ls, rs := l.Get(), r.Get()
	if !(rs.Velocity > ls.Velocity) || !(rs.Position > ls.Position) {
		t.Fatalf("left=%+v right=%+v", ls, rs)
	}
	if !ls.Enabled || ls.Setpoint != 1 || !ls.Connected || !ls.Stamp.Equal(p.Now()) {
		t.Fatalf("left echo=%+v", ls)
	}
	_, yaw := p.State()
	if !(yaw > 0) {
		t.Fatalf("yaw=%v want positive when the right wheel leads", yaw)
	}
	if s := p.IMU().Sample(); s.Yaw != yaw || !(s.GyroZ > 0) || !s.Valid {
		t.Fatalf("imu=%+v", s)
	}

	l.Reset()
	r.Reset()
	if got := l.Get().Position; got != 0 {
		t.Fatalf("left position after reset=%v", got)
	}
	if got := r.Get().Position; got != 0 {
		t.Fatalf("right position after reset=%v", got)
	}
}

func TestPlant_DisabledMotorsIgnoreSetpoint(t *testing.T) {
	p := newPlant(t, 0)
	p.Left().Set(motor.Command{Setpoint: 50})
	p.Right().Set(motor.Command{Setpoint: 50})
	p.Advance(100 * time.Millisecond)
	if x, _ := p.State(); x != (plant.State{}) {
		t.Fatalf("state=%+v want rest", x)
	}
}

func TestPlant_BalancesUnderLQR(t *testing.T) {
	p := newPlant(t, 0.05)
	ctrl, err := lqr.New(plant.Nominal(), 50, lqr.DefaultLimit)
	if err != nil {
		t.Fatalf("lqr.New() error: %v", err)
	}
	if err := ctrl.CalcGains(lqr.Weights{Q: [4]float64{100, 15, 50, 25}, R: 1}); err != nil {
		t.Fatalf("CalcGains() error: %v", err)
	}

	imu, l, r := p.IMU(), p.Left(), p.Right()
	now := t0
	for i := 0; i < 3000; i++ {
		s := imu.Sample()
		ls, rs := l.Get(), r.Get()
		x := plant.State{
			Pitch:     s.Pitch,
			Position:  (ls.Position + rs.Position) / 2,
			PitchRate: s.GyroY,
			Velocity:  (ls.Velocity + rs.Velocity) / 2,
		}
		out := ctrl.Step(plant.State{}, x, true, now)
		l.Set(motor.Command{Setpoint: out.Out, Enabled: true})
		r.Set(motor.Command{Setpoint: out.Out, Enabled: true})
		now = now.Add(20 * time.Millisecond)
		p.AdvanceTo(now)
	}

	x, _ := p.State()
	if math.Abs(x.Pitch) > 1e-3 || math.Abs(x.PitchRate) > 1e-2 {
		t.Fatalf("did not settle: %+v", x)
	}
}
