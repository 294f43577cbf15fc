// Package pointcloud defines index addressable point, color, and scalar
// sequences and provides a slice backed point cloud implementing them.
//
// Points are addressed by append order. An index taken from any view stays
// valid for the life of the cloud, so spatial indexes and caches can refer
// to points by index alone.
package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/pointlod/spatialmath"
)

// PointSequence is an index addressable view of point positions.
// Implementations must keep indexes stable while consumers hold them.
type PointSequence interface {
	// Len returns the number of points.
	Len() int

	// At returns the position of point i.
	At(i int) r3.Vector
}

// ColorSequence is an index addressable view of packed point colors.
type ColorSequence interface {
	// Len returns the number of colors.
	Len() int

	// At returns the color of point i.
	At(i int) Color
}

// ScalarSequence is an index addressable view of per point scalar values,
// such as lidar return intensity.
type ScalarSequence interface {
	// Len returns the number of values.
	Len() int

	// At returns the value of point i.
	At(i int) float64
}

// MetaData is data about what's stored in the point cloud.
type MetaData struct {
	HasColor bool
	HasValue bool

	MinX, MaxX         float64
	MinY, MaxY         float64
	MinZ, MaxZ         float64
	MinValue, MaxValue float64

	totalX, totalY, totalZ float64
}

// NewMetaData creates a new MetaData.
func NewMetaData() MetaData {
	return MetaData{
		MinX:     math.MaxFloat64,
		MinY:     math.MaxFloat64,
		MinZ:     math.MaxFloat64,
		MaxX:     -math.MaxFloat64,
		MaxY:     -math.MaxFloat64,
		MaxZ:     -math.MaxFloat64,
		MinValue: math.MaxFloat64,
		MaxValue: -math.MaxFloat64,
	}
}

// Merge merges a new point into the bounds tracked by the meta data.
func (meta *MetaData) Merge(v r3.Vector) {
	if v.X > meta.MaxX {
		meta.MaxX = v.X
	}
	if v.Y > meta.MaxY {
		meta.MaxY = v.Y
	}
	if v.Z > meta.MaxZ {
		meta.MaxZ = v.Z
	}

	if v.X < meta.MinX {
		meta.MinX = v.X
	}
	if v.Y < meta.MinY {
		meta.MinY = v.Y
	}
	if v.Z < meta.MinZ {
		meta.MinZ = v.Z
	}

	meta.totalX += v.X
	meta.totalY += v.Y
	meta.totalZ += v.Z
}

// MergeValue merges a scalar value into the tracked value range.
func (meta *MetaData) MergeValue(val float64) {
	if val > meta.MaxValue {
		meta.MaxValue = val
	}
	if val < meta.MinValue {
		meta.MinValue = val
	}
}

// TotalX returns the sum of all X coordinates merged so far.
func (meta *MetaData) TotalX() float64 {
	return meta.totalX
}

// TotalY returns the sum of all Y coordinates merged so far.
func (meta *MetaData) TotalY() float64 {
	return meta.totalY
}

// TotalZ returns the sum of all Z coordinates merged so far.
func (meta *MetaData) TotalZ() float64 {
	return meta.totalZ
}

// BoundingBox returns the axis aligned bounds of all merged points.
func (meta *MetaData) BoundingBox() spatialmath.BoundingBox {
	return spatialmath.NewBoundingBox(
		r3.Vector{X: meta.MinX, Y: meta.MinY, Z: meta.MinZ},
		r3.Vector{X: meta.MaxX, Y: meta.MaxY, Z: meta.MaxZ},
	)
}
