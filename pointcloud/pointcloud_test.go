package pointcloud

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestCloudAppend(t *testing.T) {
	cloud := NewCloud()
	test.That(t, cloud.Len(), test.ShouldEqual, 0)
	test.That(t, cloud.Colors(), test.ShouldBeNil)
	test.That(t, cloud.Values(), test.ShouldBeNil)

	pts := []r3.Vector{{X: 1, Y: 2, Z: 3}, {X: -1, Y: 0, Z: 5}}
	colors := []Color{NewColor(255, 0, 0), NewColor(0, 255, 0)}
	values := []float64{10, 30}
	test.That(t, cloud.Append(pts, colors, values), test.ShouldBeNil)
	test.That(t, cloud.Len(), test.ShouldEqual, 2)
	test.That(t, cloud.At(0), test.ShouldResemble, r3.Vector{X: 1, Y: 2, Z: 3})
	test.That(t, cloud.At(1), test.ShouldResemble, r3.Vector{X: -1, Y: 0, Z: 5})
	test.That(t, cloud.Colors().At(1), test.ShouldEqual, NewColor(0, 255, 0))
	test.That(t, cloud.Values().At(0), test.ShouldEqual, 10.0)

	meta := cloud.MetaData()
	test.That(t, meta.HasColor, test.ShouldBeTrue)
	test.That(t, meta.HasValue, test.ShouldBeTrue)
	test.That(t, meta.MinX, test.ShouldEqual, -1.0)
	test.That(t, meta.MaxX, test.ShouldEqual, 1.0)
	test.That(t, meta.MinY, test.ShouldEqual, 0.0)
	test.That(t, meta.MaxY, test.ShouldEqual, 2.0)
	test.That(t, meta.MinZ, test.ShouldEqual, 3.0)
	test.That(t, meta.MaxZ, test.ShouldEqual, 5.0)
	test.That(t, meta.MinValue, test.ShouldEqual, 10.0)
	test.That(t, meta.MaxValue, test.ShouldEqual, 30.0)

	// Later appends keep earlier indexes stable and extend the bounds.
	test.That(t, cloud.Append([]r3.Vector{{X: 7, Y: 7, Z: 7}}, []Color{NewColor(0, 0, 255)}, []float64{20}), test.ShouldBeNil)
	test.That(t, cloud.Len(), test.ShouldEqual, 3)
	test.That(t, cloud.At(0), test.ShouldResemble, r3.Vector{X: 1, Y: 2, Z: 3})
	test.That(t, cloud.MetaData().MaxX, test.ShouldEqual, 7.0)
	test.That(t, cloud.MetaData().MinValue, test.ShouldEqual, 10.0)

	bb := cloud.BoundingBox()
	test.That(t, bb.Min, test.ShouldResemble, r3.Vector{X: -1, Y: 0, Z: 3})
	test.That(t, bb.Max, test.ShouldResemble, r3.Vector{X: 7, Y: 7, Z: 7})
}

func TestCloudAppendShapeErrors(t *testing.T) {
	cloud := NewCloud()
	pts := []r3.Vector{{X: 1}}

	err := cloud.Append(pts, []Color{}, nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "colors")

	err = cloud.Append(pts, nil, []float64{1, 2})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "values")

	test.That(t, cloud.Append(pts, nil, nil), test.ShouldBeNil)

	// The first append fixed the shape: no colors, no values.
	err = cloud.Append(pts, []Color{NewColor(1, 2, 3)}, nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "color presence")

	err = cloud.Append(pts, nil, []float64{1})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "value presence")
}

func TestCloudCentroid(t *testing.T) {
	cloud := NewCloud()
	test.That(t, cloud.Centroid(), test.ShouldResemble, r3.Vector{})

	test.That(t, cloud.Append([]r3.Vector{{X: 10, Y: 100, Z: 1000}}, nil, nil), test.ShouldBeNil)
	test.That(t, cloud.Centroid(), test.ShouldResemble, r3.Vector{X: 10, Y: 100, Z: 1000})

	test.That(t, cloud.Append([]r3.Vector{{X: 20, Y: 200, Z: 2000}}, nil, nil), test.ShouldBeNil)
	test.That(t, cloud.Centroid(), test.ShouldResemble, r3.Vector{X: 15, Y: 150, Z: 1500})

	test.That(t, cloud.Append([]r3.Vector{{X: 30, Y: 300, Z: 3000}}, nil, nil), test.ShouldBeNil)
	test.That(t, cloud.Centroid(), test.ShouldResemble, r3.Vector{X: 20, Y: 200, Z: 2000})
}
