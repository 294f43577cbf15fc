package spatialmath

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

// lookDownX returns a frustum for a camera at the origin looking along +X
// with a 90 degree square field of view, so at distance d the view covers
// [-d, d] on both cross axes.
func lookDownX(t *testing.T) *Frustum {
	t.Helper()
	f, err := NewFrustum(Camera{
		Eye:        r3.Vector{},
		Target:     r3.Vector{X: 1},
		Up:         r3.Vector{Z: 1},
		FOVDegrees: 90,
		Aspect:     1,
		Near:       0.1,
		Far:        100,
	})
	test.That(t, err, test.ShouldBeNil)
	return f
}

func TestNewFrustumInvalidCamera(t *testing.T) {
	_, err := NewFrustum(Camera{})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "cannot build frustum")
}

func TestFrustumContainsPoint(t *testing.T) {
	f := lookDownX(t)

	test.That(t, f.ContainsPoint(r3.Vector{X: 10}), test.ShouldBeTrue)
	test.That(t, f.ContainsPoint(r3.Vector{X: 10, Y: 9}), test.ShouldBeTrue)
	test.That(t, f.ContainsPoint(r3.Vector{X: 10, Y: -9}), test.ShouldBeTrue)
	test.That(t, f.ContainsPoint(r3.Vector{X: 10, Z: 9}), test.ShouldBeTrue)
	test.That(t, f.ContainsPoint(r3.Vector{X: 10, Z: -9}), test.ShouldBeTrue)

	// Behind the camera.
	test.That(t, f.ContainsPoint(r3.Vector{X: -10}), test.ShouldBeFalse)
	// Before the near plane, beyond the far plane.
	test.That(t, f.ContainsPoint(r3.Vector{X: 0.05}), test.ShouldBeFalse)
	test.That(t, f.ContainsPoint(r3.Vector{X: 101}), test.ShouldBeFalse)
	// Outside the side planes.
	test.That(t, f.ContainsPoint(r3.Vector{X: 10, Y: 11}), test.ShouldBeFalse)
	test.That(t, f.ContainsPoint(r3.Vector{X: 10, Y: -11}), test.ShouldBeFalse)
	test.That(t, f.ContainsPoint(r3.Vector{X: 10, Z: 11}), test.ShouldBeFalse)
	test.That(t, f.ContainsPoint(r3.Vector{X: 10, Z: -11}), test.ShouldBeFalse)
}

func TestFrustumBoxQueries(t *testing.T) {
	f := lookDownX(t)

	inside := NewBoundingBox(r3.Vector{X: 9, Y: -1, Z: -1}, r3.Vector{X: 11, Y: 1, Z: 1})
	test.That(t, f.ContainsBox(inside), test.ShouldBeTrue)
	test.That(t, f.IntersectsBox(inside), test.ShouldBeTrue)

	// Straddles exactly one side plane: intersects but is not contained.
	straddle := NewBoundingBox(r3.Vector{X: 9, Y: 8, Z: -1}, r3.Vector{X: 11, Y: 12, Z: 1})
	test.That(t, f.IntersectsBox(straddle), test.ShouldBeTrue)
	test.That(t, f.ContainsBox(straddle), test.ShouldBeFalse)

	disjoint := NewBoundingBox(r3.Vector{X: 9, Y: 29, Z: -1}, r3.Vector{X: 11, Y: 31, Z: 1})
	test.That(t, f.IntersectsBox(disjoint), test.ShouldBeFalse)
	test.That(t, f.ContainsBox(disjoint), test.ShouldBeFalse)

	behind := NewBoundingBox(r3.Vector{X: -11, Y: -1, Z: -1}, r3.Vector{X: -9, Y: 1, Z: 1})
	test.That(t, f.IntersectsBox(behind), test.ShouldBeFalse)

	beyondFar := NewBoundingBox(r3.Vector{X: 101, Y: -1, Z: -1}, r3.Vector{X: 102, Y: 1, Z: 1})
	test.That(t, f.IntersectsBox(beyondFar), test.ShouldBeFalse)

	// A degenerate zero volume box is a legal input.
	pointBox := NewBoundingBox(r3.Vector{X: 10}, r3.Vector{X: 10})
	test.That(t, f.ContainsBox(pointBox), test.ShouldBeTrue)
	test.That(t, f.IntersectsBox(pointBox), test.ShouldBeTrue)
	outPointBox := NewBoundingBox(r3.Vector{X: -10}, r3.Vector{X: -10})
	test.That(t, f.IntersectsBox(outPointBox), test.ShouldBeFalse)
}

func TestFrustumPlaneOrientation(t *testing.T) {
	f := lookDownX(t)

	// Every outward normal must report the frustum center as behind it.
	center := r3.Vector{X: 50}
	for _, p := range f.planes() {
		test.That(t, p.InFront(center), test.ShouldBeFalse)
		test.That(t, Float64AlmostEqual(p.Normal.Norm(), 1.0, 1e-9), test.ShouldBeTrue)
	}

	// Looking down +X, the near plane faces back at the camera and the far
	// plane faces away.
	test.That(t, R3VectorAlmostEqual(f.Near.Normal, r3.Vector{X: -1}, 1e-9), test.ShouldBeTrue)
	test.That(t, R3VectorAlmostEqual(f.Far.Normal, r3.Vector{X: 1}, 1e-9), test.ShouldBeTrue)
	test.That(t, R3VectorAlmostEqual(f.Near.Point, r3.Vector{X: 0.1}, 1e-9), test.ShouldBeTrue)
	test.That(t, R3VectorAlmostEqual(f.Far.Point, r3.Vector{X: 100}, 1e-9), test.ShouldBeTrue)
}
