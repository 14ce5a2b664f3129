package setpoint

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func centered() Manual {
	return Manual{Connected: true, Throttle: StickCenter, Steer: StickCenter}
}

func TestStickDeadbandAndScale(t *testing.T) {
	require.Zero(t, stick(StickCenter, 8))
	require.Zero(t, stick(StickCenter+8, 8))
	require.Zero(t, stick(StickCenter-7.9, 8))
	require.InDelta(t, 1, stick(255, 8), 1e-12)
	require.InDelta(t, -1, stick(0, 8), 1e-12)
	require.InDelta(t, 0.5, stick(StickCenter+8+(StickCenter-8)/2, 8), 1e-12)
	require.Zero(t, stick(math.NaN(), 8))
}

func TestIntegratesVelocityIntoPosition(t *testing.T) {
	in := New(Config{MaxVelocity: 1, CutoffHz: -1})
	m := centered()
	m.Throttle = 255

	var sp Setpoint
	for i := 0; i < 50; i++ {
		sp = in.Step(m, 0.02, true)
	}
	// Cutoff <= 0 is applied as the default, so compare the raw trajectory.
	require.InDelta(t, 1, in.Raw().Velocity, 1e-12)
	require.InDelta(t, 1, in.Raw().Position, 1e-9)
	require.Greater(t, sp.Velocity, 0.0)
	require.Less(t, sp.Position, in.Raw().Position)
}

func TestInactiveDoesNotIntegrate(t *testing.T) {
	in := New(Config{})
	m := centered()
	m.Throttle = 255
	m.Steer = 0
	for i := 0; i < 10; i++ {
		in.Step(m, 0.02, false)
	}
	require.Equal(t, Setpoint{}, in.Raw())
}

func TestSteerIntegratesYawAndWraps(t *testing.T) {
	in := New(Config{MaxYawRate: 2})
	m := centered()
	m.Steer = 0 // full left, positive yaw rate
	for i := 0; i < 100; i++ {
		in.Step(m, 0.02, true)
	}
	// 4 rad wraps to 4 - 2pi.
	require.InDelta(t, 4-2*math.Pi, in.Raw().Yaw, 1e-9)
}

func TestDPadNudges(t *testing.T) {
	in := New(Config{NudgeVelocity: 0.2})
	m := centered()
	m.DPadY = -1
	in.Step(m, 0.02, true)
	require.InDelta(t, -0.2, in.Raw().Velocity, 1e-12)
}

func TestFilteredConvergesToRaw(t *testing.T) {
	in := New(Config{CutoffHz: 2})
	in.Override(Setpoint{Position: 0.5})
	var sp Setpoint
	for i := 0; i < 500; i++ {
		sp = in.Step(centered(), 0.02, true)
	}
	require.InDelta(t, 0.5, sp.Position, 1e-6)
}

func TestOverrideHoldsUntilDeflection(t *testing.T) {
	in := New(Config{})
	require.True(t, in.Override(Setpoint{Pitch: 0.01, Position: 0.3, Velocity: 0.1, Yaw: 1}))
	require.True(t, in.Overridden())

	for i := 0; i < 10; i++ {
		in.Step(centered(), 0.02, true)
	}
	require.Equal(t, Setpoint{Pitch: 0.01, Position: 0.3, Velocity: 0.1, Yaw: 1}, in.Raw())

	m := centered()
	m.Throttle = 200
	in.Step(m, 0.02, true)
	require.False(t, in.Overridden())
	require.Zero(t, in.Raw().Pitch)
}

func TestOverrideRejectsNonFinite(t *testing.T) {
	in := New(Config{})
	require.False(t, in.Override(Setpoint{Velocity: math.Inf(1)}))
	require.False(t, in.Overridden())
}

func TestResetZeroesEverything(t *testing.T) {
	in := New(Config{})
	m := centered()
	m.Throttle = 255
	m.Steer = 255
	for i := 0; i < 20; i++ {
		in.Step(m, 0.02, true)
	}
	in.Override(Setpoint{Position: 2})
	in.Reset()

	require.Equal(t, Setpoint{}, in.Raw())
	require.Equal(t, Setpoint{}, in.Filtered())
	require.False(t, in.Overridden())

	// Filters are re-seeded: the first step after reset has no transient.
	sp := in.Step(centered(), 0.02, true)
	require.Equal(t, Setpoint{}, sp)
}

func TestDisconnectedInputCommandsNothing(t *testing.T) {
	in := New(Config{})
	in.Step(Manual{Throttle: 255, Steer: 255}, 0.02, true)
	require.Equal(t, Setpoint{}, in.Raw())
}
