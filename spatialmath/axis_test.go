package spatialmath

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestAxis(t *testing.T) {
	v := r3.Vector{X: 1, Y: 2, Z: 3}
	test.That(t, AxisX.Coord(v), test.ShouldEqual, 1.0)
	test.That(t, AxisY.Coord(v), test.ShouldEqual, 2.0)
	test.That(t, AxisZ.Coord(v), test.ShouldEqual, 3.0)

	test.That(t, AxisX.Next(), test.ShouldEqual, AxisY)
	test.That(t, AxisY.Next(), test.ShouldEqual, AxisZ)
	test.That(t, AxisZ.Next(), test.ShouldEqual, AxisX)

	test.That(t, AxisX.String(), test.ShouldEqual, "x")
	test.That(t, AxisY.String(), test.ShouldEqual, "y")
	test.That(t, AxisZ.String(), test.ShouldEqual, "z")
}
