// Package plant holds the physical parameters of the two-wheeled inverted pendulum and
// builds its linearized state-space model around the upright equilibrium.
package plant

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// States is the dimension of the state vector [pitch, position, pitch rate, velocity].
const States = 4

// PhysicalModel is immutable after construction; estimator and controller share it by value.
type PhysicalModel struct {
	// WheelRadius in m.
	WheelRadius float64 `yaml:"wheel_radius_m" json:"wheel_radius_m"`
	// WheelTrack is the distance between the two wheel contact points in m.
	WheelTrack float64 `yaml:"wheel_track_m" json:"wheel_track_m"`
	// CoGDistance is the distance from the wheel axle to the chassis centre of gravity in m.
	CoGDistance float64 `yaml:"cog_distance_m" json:"cog_distance_m"`
	Gravity     float64 `yaml:"gravity" json:"gravity"`
	// Mass of the chassis in kg.
	Mass float64 `yaml:"mass_kg" json:"mass_kg"`
	// Inertia of the chassis about the axle in kg*m^2.
	Inertia   float64 `yaml:"inertia" json:"inertia"`
	MotorTau  float64 `yaml:"motor_tau" json:"motor_tau"`
	MotorGain float64 `yaml:"motor_gain" json:"motor_gain"`
}

// Nominal returns the parameters identified on the reference robot.
func Nominal() PhysicalModel {
	return PhysicalModel{
		WheelRadius: 57.75 / 1000,
		WheelTrack:  0.16,
		CoGDistance: 138.441 / 1000,
		Gravity:     9.81,
		Mass:        885.54481 / 1000,
		Inertia:     0.00545106520548,
		MotorTau:    1,
		MotorGain:   1,
	}
}

func (p PhysicalModel) Validate() error {
	check := func(name string, v float64) error {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return fmt.Errorf("physics.%s must be > 0", name)
		}
		return nil
	}
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"wheel_radius_m", p.WheelRadius},
		{"wheel_track_m", p.WheelTrack},
		{"cog_distance_m", p.CoGDistance},
		{"gravity", p.Gravity},
		{"mass_kg", p.Mass},
		{"inertia", p.Inertia},
		{"motor_tau", p.MotorTau},
		{"motor_gain", p.MotorGain},
	} {
		if err := check(f.name, f.v); err != nil {
			return err
		}
	}
	return nil
}

// OutputMode selects the measurement matrix C.
type OutputMode int

const (
	// OutputFull measures every state (C = I).
	OutputFull OutputMode = iota
	// OutputAggregate measures the sum of all states (C = [1 1 1 1]).
	OutputAggregate
)

func (m OutputMode) String() string {
	if m == OutputAggregate {
		return "aggregate"
	}
	return "full"
}

func ParseOutputMode(s string) (OutputMode, error) {
	switch s {
	case "", "full":
		return OutputFull, nil
	case "aggregate":
		return OutputAggregate, nil
	default:
		return OutputFull, fmt.Errorf("unknown output mode %q", s)
	}
}

// Outputs returns the number of rows of C for the mode.
func (m OutputMode) Outputs() int {
	if m == OutputAggregate {
		return 1
	}
	return States
}

// Continuous builds A (4x4), B (4x1), C and D of the pendulum-on-wheels plant.
func (p PhysicalModel) Continuous(mode OutputMode) (a, b, c, d *mat.Dense) {
	m, g, r, R, J := p.Mass, p.Gravity, p.WheelRadius, p.CoGDistance, p.Inertia
	tau, km := p.MotorTau, p.MotorGain

	a = mat.NewDense(States, States, []float64{
		0, 0, 1, 0,
		0, 0, 0, 1,
		m * g * R / J, 0, 0, m * r * R / (tau * J),
		0, 0, 0, -1 / tau,
	})
	b = mat.NewDense(States, 1, []float64{
		0,
		0,
		-km * m * r * R / (tau * J),
		km / tau,
	})
	switch mode {
	case OutputAggregate:
		c = mat.NewDense(1, States, []float64{1, 1, 1, 1})
		d = mat.NewDense(1, 1, nil)
	default:
		c = Identity(States)
		d = mat.NewDense(States, 1, nil)
	}
	return a, b, c, d
}

// Discretize maps continuous (A, B) to (Ad, Bd) with a zero-order hold at sample period ts.
//
// exp([[A B] [0 0]] * ts) = [[Ad Bd] [0 I]]
func Discretize(a, b mat.Matrix, ts float64) (ad, bd *mat.Dense, err error) {
	if ts <= 0 || math.IsNaN(ts) || math.IsInf(ts, 0) {
		return nil, nil, fmt.Errorf("plant: sample period must be > 0, got %v", ts)
	}
	n, nc := a.Dims()
	if n != nc {
		return nil, nil, fmt.Errorf("plant: A must be square, got %dx%d", n, nc)
	}
	bn, m := b.Dims()
	if bn != n {
		return nil, nil, fmt.Errorf("plant: B has %d rows, want %d", bn, n)
	}

	aug := mat.NewDense(n+m, n+m, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			aug.Set(i, j, a.At(i, j)*ts)
		}
		for j := 0; j < m; j++ {
			aug.Set(i, n+j, b.At(i, j)*ts)
		}
	}
	var e mat.Dense
	e.Exp(aug)

	ad = mat.DenseCopyOf(e.Slice(0, n, 0, n))
	bd = mat.DenseCopyOf(e.Slice(0, n, n, n+m))
	return ad, bd, nil
}

// Discrete is the plant sampled at a fixed loop frequency.
type Discrete struct {
	Ts float64
	Ad *mat.Dense
	Bd *mat.Dense
	C  *mat.Dense
	D  *mat.Dense
}

// Discretized builds the continuous model and samples it at freqHz.
func (p PhysicalModel) Discretized(freqHz float64, mode OutputMode) (Discrete, error) {
	if err := p.Validate(); err != nil {
		return Discrete{}, err
	}
	if freqHz <= 0 {
		return Discrete{}, fmt.Errorf("plant: loop frequency must be > 0, got %v", freqHz)
	}
	a, b, c, d := p.Continuous(mode)
	ts := 1 / freqHz
	ad, bd, err := Discretize(a, b, ts)
	if err != nil {
		return Discrete{}, err
	}
	return Discrete{Ts: ts, Ad: ad, Bd: bd, C: c, D: d}, nil
}

func Identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}
