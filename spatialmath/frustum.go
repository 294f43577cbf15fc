package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/pointlod/utils"
)

// Frustum is the truncated viewing pyramid of a Camera: six boundary planes
// whose normals point away from the interior. The four side planes pass
// through the camera eye.
type Frustum struct {
	Near   Plane
	Far    Plane
	Left   Plane
	Right  Plane
	Top    Plane
	Bottom Plane
}

// NewFrustum derives the view frustum for cam.
func NewFrustum(cam Camera) (*Frustum, error) {
	if err := cam.Validate(); err != nil {
		return nil, errors.Wrap(err, "cannot build frustum")
	}

	forward := cam.Target.Sub(cam.Eye).Normalize()
	right := forward.Cross(cam.Up).Normalize()
	up := right.Cross(forward)

	farHalfH := cam.Far * math.Tan(utils.DegToRad(cam.FOVDegrees)/2)
	farHalfW := farHalfH * cam.Aspect
	fwdFar := forward.Mul(cam.Far)

	return &Frustum{
		Near:   NewPlane(cam.Eye.Add(forward.Mul(cam.Near)), forward.Mul(-1)),
		Far:    NewPlane(cam.Eye.Add(fwdFar), forward),
		Left:   NewPlane(cam.Eye, up.Cross(fwdFar.Sub(right.Mul(farHalfW)))),
		Right:  NewPlane(cam.Eye, fwdFar.Add(right.Mul(farHalfW)).Cross(up)),
		Top:    NewPlane(cam.Eye, right.Cross(fwdFar.Add(up.Mul(farHalfH)))),
		Bottom: NewPlane(cam.Eye, fwdFar.Sub(up.Mul(farHalfH)).Cross(right)),
	}, nil
}

func (f *Frustum) planes() [6]Plane {
	return [6]Plane{f.Near, f.Far, f.Left, f.Right, f.Top, f.Bottom}
}

// ContainsPoint reports whether v lies inside the frustum or on its boundary.
func (f *Frustum) ContainsPoint(v r3.Vector) bool {
	for _, p := range f.planes() {
		if p.InFront(v) {
			return false
		}
	}
	return true
}

// IntersectsBox conservatively reports whether the box touches the frustum.
// A box overlapping the frustum never reports false; a disjoint box near a
// frustum edge may still report true. Degenerate boxes are legal inputs.
func (f *Frustum) IntersectsBox(bb BoundingBox) bool {
	corners := bb.Corners()
	for _, p := range f.planes() {
		allOutside := true
		for _, c := range corners {
			if !p.InFront(c) {
				allOutside = false
				break
			}
		}
		if allOutside {
			return false
		}
	}
	return true
}

// ContainsBox reports whether the box lies entirely inside the frustum.
func (f *Frustum) ContainsBox(bb BoundingBox) bool {
	corners := bb.Corners()
	for _, p := range f.planes() {
		for _, c := range corners {
			if p.InFront(c) {
				return false
			}
		}
	}
	return true
}
