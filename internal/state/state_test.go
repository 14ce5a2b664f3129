package state

import (
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"balancebot/internal/gamepad"
	"balancebot/internal/imu"
	"balancebot/internal/lqr"
	"balancebot/internal/motor"
	"balancebot/internal/pid"
	"balancebot/internal/plant"
	"balancebot/internal/setpoint"
	"balancebot/internal/supervisor"
)

func sample(tick uint64) Snapshot {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	now := t0.Add(time.Duration(tick) * 20 * time.Millisecond)
	return Snapshot{
		Tick: tick,
		Time: now,
		Mono: time.Duration(tick) * 20 * time.Millisecond,
		IMU: imu.Sample{
			Roll: 0.01, Pitch: -0.0421337, Yaw: 3.1, GyroX: 1e-3, GyroY: -0.25, GyroZ: 0.5,
			Stamp: now.Add(-3 * time.Millisecond), FrequencyHz: 99.7, Valid: true,
		},
		MotorLeft:  motor.State{Position: 12.5, Velocity: 0.3, Stamp: now, FrequencyHz: 500, Setpoint: -4.2, Enabled: true, Connected: true, Frames: 9},
		MotorRight: motor.State{Position: -12.25, Velocity: -0.3, Stamp: now, FrequencyHz: 498, Connected: true, BadFrames: 1},
		Gamepad: gamepad.Snapshot{
			Connected: true, Buttons: gamepad.Buttons{Cross: true, R1: true},
			DPadX: -1, LeftX: 127.5, LeftY: 200, RightX: 64, RightY: 127.5, L2: 3, Stamp: now, FrequencyHz: 250,
		},
		Filtered: Filtered{Pitch: -0.04, PitchRate: -0.2, VelLeft: 0.29, VelRight: -0.31},
		Estimate: plant.State{Pitch: -0.041, Position: 0.125, PitchRate: -0.19, Velocity: 0.01},
		Setpoint: setpoint.Setpoint{Velocity: 0.2, Position: 1.0 / 3, Yaw: -math.Pi / 7},
		LQR:      lqr.Output{Out: 17.75, Enabled: true, Stamp: now, FrequencyHz: 50.01},
		Yaw:      pid.Output{Out: -2.5, Enabled: true},
		Mode:     supervisor.Engaged,
		LastTransition: &supervisor.Transition{
			From: supervisor.ActivationDelay, To: supervisor.Engaged, At: t0, Reason: "activation delay elapsed",
		},
		Health: Health{
			IMUAge: 3 * time.Millisecond, MotorLeftAge: time.Millisecond, GamepadAge: 12 * time.Millisecond,
			Faults: Faults{Sensor: 2, Timing: 1}, Overruns: 1, LastFault: "timing fault: loop: overrun", LoopHz: 49.9,
			Busy: 850 * time.Microsecond,
		},
	}
}

func TestSnapshotJSONRoundTrip(t *testing.T) {
	in := sample(42)
	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out Snapshot
	require.NoError(t, json.Unmarshal(b, &out))
	require.Equal(t, in, out)
}

func TestSnapshotJSONShape(t *testing.T) {
	b, err := json.Marshal(sample(1))
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	require.Equal(t, "ENGAGED", m["mode"])
	for _, k := range []string{"imu", "motor_left", "motor_right", "ps4", "kalman", "sp", "lqr", "yaw", "health"} {
		require.Contains(t, m, k)
	}
	require.Equal(t, true, m["lqr"].(map[string]any)["en"])
}

func TestSanitize(t *testing.T) {
	s := sample(1)
	s.IMU.Pitch = math.NaN()
	s.LQR.Out = math.Inf(1)
	s.Gamepad.LeftY = math.Inf(-1)

	st := NewStore()
	st.Publish(s)
	got := st.Load()
	require.Zero(t, got.IMU.Pitch)
	require.Zero(t, got.LQR.Out)
	require.Zero(t, got.Gamepad.LeftY)
	_, err := json.Marshal(got)
	require.NoError(t, err)
}

func TestStorePublishCopies(t *testing.T) {
	st := NewStore()
	require.Zero(t, st.Version())
	require.Equal(t, supervisor.Off, st.Load().Mode)

	s := sample(7)
	st.Publish(s)
	s.Tick = 8
	s.LastTransition.Reason = "mutated"

	got := st.Load()
	require.EqualValues(t, 7, got.Tick)
	require.EqualValues(t, 7, st.Version())
	require.Equal(t, "activation delay elapsed", got.LastTransition.Reason)

	got.LastTransition.Reason = "reader mutated"
	require.Equal(t, "activation delay elapsed", st.Load().LastTransition.Reason)
}

func TestStoreConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	st := NewStore()
	var wg sync.WaitGroup
	done := make(chan struct{})

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				s := st.Load()
				if s.Tick == 0 {
					continue
				}
				// Every field of one snapshot comes from the same tick.
				if s.Mono != time.Duration(s.Tick)*20*time.Millisecond || s.LQR.Stamp != s.Time {
					t.Errorf("torn snapshot tick=%d mono=%s", s.Tick, s.Mono)
					return
				}
			}
		}()
	}
	for i := uint64(1); i <= 2000; i++ {
		st.Publish(sample(i))
	}
	close(done)
	wg.Wait()
}
