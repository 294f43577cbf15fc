package pointcloud

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/pointlod/spatialmath"
)

// Cloud is a slice backed point cloud. Colors and scalar values are
// optional; whether they are present is fixed by the first append. Cloud
// implements PointSequence.
type Cloud struct {
	points []r3.Vector
	colors []Color
	values []float64
	meta   MetaData
}

// NewCloud returns an empty cloud.
func NewCloud() *Cloud {
	return &Cloud{meta: NewMetaData()}
}

// NewCloudWithCapacity returns an empty cloud with room for size points.
func NewCloudWithCapacity(size int) *Cloud {
	return &Cloud{points: make([]r3.Vector, 0, size), meta: NewMetaData()}
}

// Len returns the number of points in the cloud.
func (c *Cloud) Len() int {
	return len(c.points)
}

// At returns the position of point i.
func (c *Cloud) At(i int) r3.Vector {
	return c.points[i]
}

// Append adds a batch of points to the cloud. colors and values may be nil,
// but their presence must not change from one append to the next. The batch
// slices are copied; the caller may reuse them.
func (c *Cloud) Append(pts []r3.Vector, colors []Color, values []float64) error {
	if colors != nil && len(colors) != len(pts) {
		return errors.Errorf("got %d colors for %d points", len(colors), len(pts))
	}
	if values != nil && len(values) != len(pts) {
		return errors.Errorf("got %d values for %d points", len(values), len(pts))
	}
	if len(c.points) == 0 {
		c.meta.HasColor = colors != nil
		c.meta.HasValue = values != nil
	} else {
		if c.meta.HasColor != (colors != nil) {
			return errors.New("color presence must not change between appends")
		}
		if c.meta.HasValue != (values != nil) {
			return errors.New("value presence must not change between appends")
		}
	}

	c.points = append(c.points, pts...)
	c.colors = append(c.colors, colors...)
	c.values = append(c.values, values...)
	for _, p := range pts {
		c.meta.Merge(p)
	}
	for _, v := range values {
		c.meta.MergeValue(v)
	}
	return nil
}

// MetaData returns what the cloud stores and the bounds seen so far.
func (c *Cloud) MetaData() MetaData {
	return c.meta
}

// Colors returns the cloud's colors, or nil when the cloud has none. The
// returned view is the cloud's own storage and must be treated as read only.
func (c *Cloud) Colors() ColorSequence {
	if !c.meta.HasColor {
		return nil
	}
	return ColorSlice(c.colors)
}

// MutableColors returns the cloud's packed color storage for in place
// recoloring, or nil when the cloud has none. Writes are visible to every
// view returned by Colors.
func (c *Cloud) MutableColors() ColorSlice {
	if !c.meta.HasColor {
		return nil
	}
	return ColorSlice(c.colors)
}

// Values returns the cloud's scalar values, or nil when the cloud has none.
func (c *Cloud) Values() ScalarSequence {
	if !c.meta.HasValue {
		return nil
	}
	return ScalarSlice(c.values)
}

// Centroid returns the mean of all points, or the origin for an empty cloud.
func (c *Cloud) Centroid() r3.Vector {
	n := float64(len(c.points))
	if n == 0 {
		return r3.Vector{}
	}
	return r3.Vector{
		X: c.meta.TotalX() / n,
		Y: c.meta.TotalY() / n,
		Z: c.meta.TotalZ() / n,
	}
}

// BoundingBox returns the bounds of all points in the cloud.
func (c *Cloud) BoundingBox() spatialmath.BoundingBox {
	return c.meta.BoundingBox()
}
