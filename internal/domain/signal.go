package domain

import "time"

// Direction is the directional view of a signal or position.
type Direction string

const (
	DirectionLong    Direction = "LONG"
	DirectionShort   Direction = "SHORT"
	DirectionNeutral Direction = "NEUTRAL"
)

// Sign returns +1 for LONG, -1 for SHORT and 0 for NEUTRAL.
func (d Direction) Sign() float64 {
	switch d {
	case DirectionLong:
		return 1
	case DirectionShort:
		return -1
	default:
		return 0
	}
}

// Opposite returns the reverse direction. NEUTRAL maps to itself.
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionLong:
		return DirectionShort
	case DirectionShort:
		return DirectionLong
	default:
		return DirectionNeutral
	}
}

// Signal component names.
const (
	ComponentOBI          = "obi"
	ComponentOBIVelocity  = "obi_velocity"
	ComponentSignedVolume = "signed_volume"
	ComponentMicroprice   = "microprice_pressure"
)

// ComponentScore records how one input contributed to a signal.
type ComponentScore struct {
	Raw          float64 `json:"raw"`
	Normalized   float64 `json:"normalized"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
	Valid        bool    `json:"valid"`
}

// Signal is the output of the signal layer for a single decision tick.
type Signal struct {
	Direction  Direction                 `json:"direction"`
	Confidence float64                   `json:"confidence"`
	Score      float64                   `json:"score"`
	Components map[string]ComponentScore `json:"components"`
	Timestamp  time.Time                 `json:"ts"`
}
