// Package state holds the snapshot the control loop publishes once per tick.
package state

import (
	"math"
	"sync/atomic"
	"time"

	"balancebot/internal/gamepad"
	"balancebot/internal/imu"
	"balancebot/internal/lqr"
	"balancebot/internal/motor"
	"balancebot/internal/pid"
	"balancebot/internal/plant"
	"balancebot/internal/setpoint"
	"balancebot/internal/supervisor"
)

// Filtered holds the low-pass outputs the estimator consumes.
type Filtered struct {
	Pitch     float64 `json:"p"`
	PitchRate float64 `json:"pv"`
	VelLeft   float64 `json:"v_left"`
	VelRight  float64 `json:"v_right"`
}

type Faults struct {
	Sensor    int64 `json:"sensor"`
	Actuation int64 `json:"actuation"`
	Config    int64 `json:"config"`
	Timing    int64 `json:"timing"`
}

type Health struct {
	SensorStale bool `json:"sensor_stale"`
	// Ages are measured from the collaborator stamp to the tick time.
	IMUAge        time.Duration `json:"imu_age"`
	MotorLeftAge  time.Duration `json:"motor_left_age"`
	MotorRightAge time.Duration `json:"motor_right_age"`
	GamepadAge    time.Duration `json:"ps4_age"`

	Faults    Faults  `json:"faults"`
	Overruns  int64   `json:"overruns"`
	LastFault string  `json:"last_fault,omitempty"`
	LoopHz    float64 `json:"loop_hz"`
	// Busy is how long the last tick body took.
	Busy time.Duration `json:"busy"`
}

type Snapshot struct {
	Tick uint64    `json:"tick"`
	Time time.Time `json:"time"`
	// Mono is the monotonic time since the loop started.
	Mono time.Duration `json:"mono"`

	IMU        imu.Sample       `json:"imu"`
	MotorLeft  motor.State      `json:"motor_left"`
	MotorRight motor.State      `json:"motor_right"`
	Gamepad    gamepad.Snapshot `json:"ps4"`

	Filtered Filtered          `json:"filtered"`
	Estimate plant.State       `json:"kalman"`
	Setpoint setpoint.Setpoint `json:"sp"`
	LQR      lqr.Output        `json:"lqr"`
	Yaw      pid.Output        `json:"yaw"`

	Mode           supervisor.Mode        `json:"mode"`
	LastTransition *supervisor.Transition `json:"last_transition,omitempty"`
	Health         Health                 `json:"health"`
}

// Sanitize replaces non-finite floats with zero so the snapshot always encodes.
func (s *Snapshot) Sanitize() {
	for _, p := range []*float64{
		&s.IMU.Roll, &s.IMU.Pitch, &s.IMU.Yaw, &s.IMU.GyroX, &s.IMU.GyroY, &s.IMU.GyroZ, &s.IMU.FrequencyHz,
		&s.MotorLeft.Position, &s.MotorLeft.Velocity, &s.MotorLeft.FrequencyHz, &s.MotorLeft.Setpoint,
		&s.MotorRight.Position, &s.MotorRight.Velocity, &s.MotorRight.FrequencyHz, &s.MotorRight.Setpoint,
		&s.Gamepad.LeftX, &s.Gamepad.LeftY, &s.Gamepad.RightX, &s.Gamepad.RightY,
		&s.Gamepad.L2, &s.Gamepad.R2, &s.Gamepad.FrequencyHz,
		&s.Filtered.Pitch, &s.Filtered.PitchRate, &s.Filtered.VelLeft, &s.Filtered.VelRight,
		&s.Estimate.Pitch, &s.Estimate.Position, &s.Estimate.PitchRate, &s.Estimate.Velocity,
		&s.Setpoint.Pitch, &s.Setpoint.Position, &s.Setpoint.PitchRate, &s.Setpoint.Velocity, &s.Setpoint.Yaw,
		&s.LQR.Out, &s.LQR.FrequencyHz, &s.Yaw.Out, &s.Health.LoopHz,
	} {
		if math.IsNaN(*p) || math.IsInf(*p, 0) {
			*p = 0
		}
	}
}

// Store publishes complete snapshots. Readers never see a partial update.
type Store struct {
	cur atomic.Pointer[Snapshot]
}

func NewStore() *Store {
	st := &Store{}
	st.cur.Store(&Snapshot{})
	return st
}

// Publish stores a sanitized copy of s.
func (st *Store) Publish(s Snapshot) {
	s.Sanitize()
	if s.LastTransition != nil {
		tr := *s.LastTransition
		s.LastTransition = &tr
	}
	st.cur.Store(&s)
}

func (st *Store) Load() Snapshot {
	s := *st.cur.Load()
	if s.LastTransition != nil {
		tr := *s.LastTransition
		s.LastTransition = &tr
	}
	return s
}

// Version is the tick of the latest snapshot.
func (st *Store) Version() uint64 { return st.cur.Load().Tick }
