package plant

import "gonum.org/v1/gonum/mat"

// State is the 4-dimensional state [pitch, position, pitch rate, velocity].
//
// Angles are in rad, positions in wheel units as reported by the motor link.
type State struct {
	Pitch     float64 `json:"p"`
	Position  float64 `json:"x"`
	PitchRate float64 `json:"pv"`
	Velocity  float64 `json:"v"`
}

func (s State) Array() [States]float64 {
	return [States]float64{s.Pitch, s.Position, s.PitchRate, s.Velocity}
}

func (s State) Vec() *mat.VecDense {
	a := s.Array()
	return mat.NewVecDense(States, a[:])
}

func StateFromVec(v mat.Vector) State {
	return State{
		Pitch:     v.AtVec(0),
		Position:  v.AtVec(1),
		PitchRate: v.AtVec(2),
		Velocity:  v.AtVec(3),
	}
}

func (s State) Sub(o State) State {
	return State{
		Pitch:     s.Pitch - o.Pitch,
		Position:  s.Position - o.Position,
		PitchRate: s.PitchRate - o.PitchRate,
		Velocity:  s.Velocity - o.Velocity,
	}
}
