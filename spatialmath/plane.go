package spatialmath

import "github.com/golang/geo/r3"

// Plane is an oriented plane in Hesse normal form: a point on the plane and
// a unit normal. The side the normal points toward is "in front".
type Plane struct {
	Point  r3.Vector
	Normal r3.Vector
}

// NewPlane returns the plane through point with the given normal direction,
// normalized to unit length.
func NewPlane(point, normal r3.Vector) Plane {
	return Plane{Point: point, Normal: normal.Normalize()}
}

// SignedDistance returns how far v sits along the plane normal, negative
// when v is behind the plane.
func (p Plane) SignedDistance(v r3.Vector) float64 {
	return p.Normal.Dot(v.Sub(p.Point))
}

// InFront reports whether v lies strictly on the side the normal points
// toward. Points on the plane are not in front.
func (p Plane) InFront(v r3.Vector) bool {
	return p.SignedDistance(v) > 0
}
