// Package supervisor owns the activation state machine that decides when the
// wheels may be driven.
package supervisor

import (
	"fmt"
	"math"
	"strings"
	"time"
)

type Mode uint8

const (
	Off Mode = iota
	Armed
	InTolerance
	ActivationDelay
	Engaged
)

var modeNames = [...]string{"OFF", "ARMED", "IN_TOLERANCE", "ACTIVATION_DELAY", "ENGAGED"}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

func (m Mode) MarshalText() ([]byte, error) {
	if int(m) >= len(modeNames) {
		return nil, fmt.Errorf("supervisor: invalid mode %d", uint8(m))
	}
	return []byte(modeNames[m]), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	s := strings.ToUpper(strings.TrimSpace(string(b)))
	for i, n := range modeNames {
		if n == s {
			*m = Mode(i)
			return nil
		}
	}
	return fmt.Errorf("supervisor: unknown mode %q", string(b))
}

// InputLossPolicy selects what happens when a connected manual-input source goes silent.
type InputLossPolicy string

const (
	PolicyDisarm InputLossPolicy = "disarm"
	PolicyArm    InputLossPolicy = "arm"
)

type Config struct {
	// ToleranceRad is the wide band: leaving it while engaged cuts the motors.
	ToleranceRad float64
	// UprightRad is the tight band that starts the activation delay.
	UprightRad      float64
	ActivationDelay time.Duration

	InputTimeout    time.Duration
	InputLossPolicy InputLossPolicy

	// SensorStaleTimeout is how old the orientation sample may get before the loop
	// reports SensorStale.
	SensorStaleTimeout time.Duration
}

const (
	DefaultToleranceRad    = 30 * math.Pi / 180
	DefaultUprightRad      = 3 * math.Pi / 180
	DefaultActivationDelay = 5 * time.Second
	DefaultInputTimeout    = time.Second
	DefaultSensorStale     = 250 * time.Millisecond
)

func (c *Config) applyDefaults() {
	if c.ToleranceRad <= 0 {
		c.ToleranceRad = DefaultToleranceRad
	}
	if c.UprightRad <= 0 {
		c.UprightRad = DefaultUprightRad
	}
	if c.UprightRad > c.ToleranceRad {
		c.UprightRad = c.ToleranceRad
	}
	if c.ActivationDelay <= 0 {
		c.ActivationDelay = DefaultActivationDelay
	}
	if c.InputTimeout <= 0 {
		c.InputTimeout = DefaultInputTimeout
	}
	if c.InputLossPolicy == "" {
		c.InputLossPolicy = PolicyDisarm
	}
	if c.SensorStaleTimeout <= 0 {
		c.SensorStaleTimeout = DefaultSensorStale
	}
}

// Input is what the supervisor sees on one tick.
type Input struct {
	Now   time.Time
	Pitch float64

	// Arm and Disarm are one-shot commands; Disarm wins when both are set.
	Arm    bool
	Disarm bool

	// InputConnected reports whether the manual-input source is currently delivering.
	InputConnected bool
	// SensorStale forces OFF and blocks arming.
	SensorStale bool
}

// Transition records one mode change. Every transition requires the caller to reset
// motor position offsets, the yaw integrator and the setpoint state.
type Transition struct {
	From   Mode      `json:"from"`
	To     Mode      `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// Supervisor is owned by the control loop; it is not safe for concurrent use.
type Supervisor struct {
	cfg Config

	mode         Mode
	changedAt    time.Time
	uprightSince time.Time

	inputSeenAt time.Time
	inputLost   bool
}

func New(cfg Config) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{cfg: cfg}
}

// NewArmed starts in ARMED, used when the operator arms at startup.
func NewArmed(cfg Config, now time.Time) *Supervisor {
	s := New(cfg)
	s.mode = Armed
	s.changedAt = now
	return s
}

func (s *Supervisor) Config() Config          { return s.cfg }
func (s *Supervisor) Mode() Mode              { return s.mode }
func (s *Supervisor) ChangedAt() time.Time    { return s.changedAt }
func (s *Supervisor) UprightSince() time.Time { return s.uprightSince }

// Engaged reports whether actuators and controllers may be enabled.
func (s *Supervisor) Engaged() bool { return s.mode == Engaged }

const maxCascade = 8

// Update evaluates the transition rules for one tick. Rules are re-evaluated after
// each change so a robot that is already upright moves through IN_TOLERANCE and
// into ACTIVATION_DELAY on the same tick.
func (s *Supervisor) Update(in Input) []Transition {
	var out []Transition

	lostEdge := s.trackInput(in)

	for i := 0; i < maxCascade; i++ {
		to, reason := s.next(in, lostEdge)
		if to == s.mode {
			break
		}
		out = append(out, Transition{From: s.mode, To: to, At: in.Now, Reason: reason})
		s.enter(to, in.Now)

		// One-shot inputs are consumed by the first rule that acts on them.
		switch reason {
		case "arm":
			in.Arm = false
		case "input lost":
			lostEdge = false
		}
	}
	return out
}

func (s *Supervisor) trackInput(in Input) bool {
	if in.InputConnected {
		s.inputSeenAt = in.Now
		s.inputLost = false
		return false
	}
	if s.inputSeenAt.IsZero() || s.inputLost {
		return false
	}
	if in.Now.Sub(s.inputSeenAt) > s.cfg.InputTimeout {
		s.inputLost = true
		return true
	}
	return false
}

func (s *Supervisor) next(in Input, inputLost bool) (Mode, string) {
	if in.Disarm {
		return Off, "disarm"
	}
	if in.SensorStale {
		return Off, "sensor stale"
	}
	if inputLost && s.cfg.InputLossPolicy == PolicyDisarm {
		return Off, "input lost"
	}

	pitch := math.Abs(in.Pitch)
	if math.IsNaN(pitch) {
		pitch = math.Inf(1)
	}
	inTolerance := pitch <= s.cfg.ToleranceRad
	upright := pitch <= s.cfg.UprightRad

	switch s.mode {
	case Off:
		if in.Arm {
			return Armed, "arm"
		}
		if inputLost && s.cfg.InputLossPolicy == PolicyArm {
			return Armed, "input lost"
		}
	case Armed:
		if inTolerance {
			return InTolerance, "in tolerance"
		}
	case InTolerance:
		if !inTolerance {
			return Armed, "out of tolerance"
		}
		if upright {
			return ActivationDelay, "upright"
		}
	case ActivationDelay:
		if !upright {
			return InTolerance, "left upright band"
		}
		if !in.Now.Before(s.uprightSince.Add(s.cfg.ActivationDelay)) {
			return Engaged, "activation delay elapsed"
		}
	case Engaged:
		if !inTolerance {
			return Off, "out of tolerance"
		}
	}
	return s.mode, ""
}

func (s *Supervisor) enter(m Mode, now time.Time) {
	if m == ActivationDelay {
		s.uprightSince = now
	} else if m != Engaged {
		s.uprightSince = time.Time{}
	}
	s.mode = m
	s.changedAt = now
}
