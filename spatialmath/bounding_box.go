// Package spatialmath defines the geometric primitives the point cloud
// engine works with: axis aligned bounding boxes, half space planes, and the
// camera view frustum used for visibility queries.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
)

// BoundingBox is an axis aligned box given by its minimum and maximum
// corners. Use NewEmptyBoundingBox when accumulating bounds from points; the
// zero value is a degenerate box around the origin.
type BoundingBox struct {
	Min r3.Vector
	Max r3.Vector
}

// NewBoundingBox returns the box spanning [min, max].
func NewBoundingBox(min, max r3.Vector) BoundingBox {
	return BoundingBox{Min: min, Max: max}
}

// NewEmptyBoundingBox returns a box that contains nothing. Merging any point
// into it yields a zero volume box at that point.
func NewEmptyBoundingBox() BoundingBox {
	return BoundingBox{
		Min: r3.Vector{X: math.MaxFloat64, Y: math.MaxFloat64, Z: math.MaxFloat64},
		Max: r3.Vector{X: -math.MaxFloat64, Y: -math.MaxFloat64, Z: -math.MaxFloat64},
	}
}

// NewBoundingBoxFromPoints returns the tightest box containing all the given
// points.
func NewBoundingBoxFromPoints(pts []r3.Vector) BoundingBox {
	bb := NewEmptyBoundingBox()
	for _, p := range pts {
		bb.MergePoint(p)
	}
	return bb
}

// MergePoint grows the box to contain p.
func (bb *BoundingBox) MergePoint(p r3.Vector) {
	if p.X < bb.Min.X {
		bb.Min.X = p.X
	}
	if p.X > bb.Max.X {
		bb.Max.X = p.X
	}
	if p.Y < bb.Min.Y {
		bb.Min.Y = p.Y
	}
	if p.Y > bb.Max.Y {
		bb.Max.Y = p.Y
	}
	if p.Z < bb.Min.Z {
		bb.Min.Z = p.Z
	}
	if p.Z > bb.Max.Z {
		bb.Max.Z = p.Z
	}
}

// MergeBox grows the box to contain other. Merging an empty box changes
// nothing.
func (bb *BoundingBox) MergeBox(other BoundingBox) {
	if other.IsEmpty() {
		return
	}
	bb.MergePoint(other.Min)
	bb.MergePoint(other.Max)
}

// IsEmpty reports whether no point has ever been merged into the box.
func (bb BoundingBox) IsEmpty() bool {
	return bb.Min.X > bb.Max.X || bb.Min.Y > bb.Max.Y || bb.Min.Z > bb.Max.Z
}

// Center returns the midpoint of the box.
func (bb BoundingBox) Center() r3.Vector {
	return bb.Min.Add(bb.Max).Mul(0.5)
}

// Size returns the box extents along each axis.
func (bb BoundingBox) Size() r3.Vector {
	return bb.Max.Sub(bb.Min)
}

// Corners returns the eight corners of the box. Degenerate boxes repeat
// corners, which is fine for the plane tests consuming them.
func (bb BoundingBox) Corners() [8]r3.Vector {
	return [8]r3.Vector{
		{X: bb.Min.X, Y: bb.Min.Y, Z: bb.Min.Z},
		{X: bb.Max.X, Y: bb.Min.Y, Z: bb.Min.Z},
		{X: bb.Min.X, Y: bb.Max.Y, Z: bb.Min.Z},
		{X: bb.Max.X, Y: bb.Max.Y, Z: bb.Min.Z},
		{X: bb.Min.X, Y: bb.Min.Y, Z: bb.Max.Z},
		{X: bb.Max.X, Y: bb.Min.Y, Z: bb.Max.Z},
		{X: bb.Min.X, Y: bb.Max.Y, Z: bb.Max.Z},
		{X: bb.Max.X, Y: bb.Max.Y, Z: bb.Max.Z},
	}
}

// Contains reports whether p lies inside or on the boundary of the box.
func (bb BoundingBox) Contains(p r3.Vector) bool {
	return p.X >= bb.Min.X && p.X <= bb.Max.X &&
		p.Y >= bb.Min.Y && p.Y <= bb.Max.Y &&
		p.Z >= bb.Min.Z && p.Z <= bb.Max.Z
}

// BoundingSphere returns the center and radius of the sphere through the box
// corners. The box must not be empty.
func (bb BoundingBox) BoundingSphere() (r3.Vector, float64) {
	center := bb.Center()
	return center, bb.Max.Sub(center).Norm()
}

// SurfaceArea returns the total area of the six box faces. Empty boxes
// report zero.
func (bb BoundingBox) SurfaceArea() float64 {
	if bb.IsEmpty() {
		return 0
	}
	sz := bb.Size()
	return 2 * (sz.X*sz.Y + sz.Y*sz.Z + sz.Z*sz.X)
}

// LongestAxis returns the axis along which the box is widest.
func (bb BoundingBox) LongestAxis() Axis {
	sz := bb.Size()
	axis := AxisX
	longest := sz.X
	if sz.Y > longest {
		axis, longest = AxisY, sz.Y
	}
	if sz.Z > longest {
		axis = AxisZ
	}
	return axis
}

// AspectRatio returns the ratio of the longest to the shortest box extent,
// or +Inf when the shortest extent is near zero.
func (bb BoundingBox) AspectRatio() float64 {
	sz := bb.Size()
	longest := math.Max(sz.X, math.Max(sz.Y, sz.Z))
	shortest := math.Min(sz.X, math.Min(sz.Y, sz.Z))
	if shortest < defaultDistanceEpsilon {
		return math.Inf(1)
	}
	return longest / shortest
}
