package spatialmath

import "github.com/golang/geo/r3"

// Axis identifies one of the three coordinate axes.
type Axis int

// The three coordinate axes.
const (
	AxisX Axis = iota
	AxisY
	AxisZ
)

// Coord returns the component of v along the axis.
func (a Axis) Coord(v r3.Vector) float64 {
	switch a {
	case AxisX:
		return v.X
	case AxisY:
		return v.Y
	default:
		return v.Z
	}
}

// Next returns the axis after a, cycling x, y, z, x.
func (a Axis) Next() Axis {
	return (a + 1) % 3
}

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "x"
	case AxisY:
		return "y"
	default:
		return "z"
	}
}
