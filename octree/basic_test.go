package octree

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	pc "go.viam.com/pointlod/pointcloud"
	"go.viam.com/pointlod/spatialmath"
)

func randomCloud(t *testing.T, n int, r *rand.Rand) *pc.Cloud {
	t.Helper()
	pts := make([]r3.Vector, n)
	for i := range pts {
		pts[i] = r3.Vector{
			X: r.Float64()*100 - 50,
			Y: r.Float64()*100 - 50,
			Z: r.Float64()*100 - 50,
		}
	}
	cloud := pc.NewCloudWithCapacity(n)
	test.That(t, cloud.Append(pts, nil, nil), test.ShouldBeNil)
	return cloud
}

func allIndices(n int) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(i)
	}
	return out
}

// allSeeingFrustum watches the whole [-50, 50] cube from far away.
func allSeeingFrustum(t *testing.T) *spatialmath.Frustum {
	t.Helper()
	f, err := spatialmath.NewFrustum(spatialmath.Camera{
		Eye:        r3.Vector{X: -200},
		Target:     r3.Vector{},
		Up:         r3.Vector{Z: 1},
		FOVDegrees: 60,
		Aspect:     1,
		Near:       0.1,
		Far:        1000,
	})
	test.That(t, err, test.ShouldBeNil)
	return f
}

// narrowFrustum sees only part of the cube: the origin camera looking +X
// with a 90 degree square view covers points where x exceeds |y| and |z|.
func narrowFrustum(t *testing.T) *spatialmath.Frustum {
	t.Helper()
	f, err := spatialmath.NewFrustum(spatialmath.Camera{
		Eye:        r3.Vector{},
		Target:     r3.Vector{X: 1},
		Up:         r3.Vector{Z: 1},
		FOVDegrees: 90,
		Aspect:     1,
		Near:       0.1,
		Far:        1000,
	})
	test.That(t, err, test.ShouldBeNil)
	return f
}

func sortedCopy(in []int32) []int32 {
	out := make([]int32, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	err := cfg.Validate()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "logger")

	cfg.Logger = golog.NewTestLogger(t)
	test.That(t, cfg.Validate(), test.ShouldBeNil)

	cfg.MaxPointsPerLeaf = -1
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)
	cfg.MaxPointsPerLeaf = 0

	cfg.MaxDepth = -1
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)
}

func TestTreeCoverage(t *testing.T) {
	logger := golog.NewTestLogger(t)
	r := rand.New(rand.NewSource(42))
	cloud := randomCloud(t, 2000, r)
	subset := allIndices(cloud.Len())

	tree, err := New(cloud, subset, cloud.BoundingBox(), Config{MaxPointsPerLeaf: 32, Logger: logger})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.Len(), test.ShouldEqual, cloud.Len())

	// A frustum containing every point returns exactly the subset.
	got := tree.QueryFrustum(allSeeingFrustum(t))
	test.That(t, sortedCopy(got), test.ShouldResemble, subset)

	qs := tree.LastQuery()
	test.That(t, qs.PointsReturned, test.ShouldEqual, cloud.Len())
	test.That(t, qs.NodesContained, test.ShouldBeGreaterThanOrEqualTo, 1)
}

func TestTreeMatchesBruteForce(t *testing.T) {
	logger := golog.NewTestLogger(t)
	r := rand.New(rand.NewSource(7))
	cloud := randomCloud(t, 3000, r)
	subset := allIndices(cloud.Len())
	f := narrowFrustum(t)

	tree, err := New(cloud, subset, cloud.BoundingBox(), Config{MaxPointsPerLeaf: 16, Logger: logger})
	test.That(t, err, test.ShouldBeNil)

	var want []int32
	for i := 0; i < cloud.Len(); i++ {
		if f.ContainsPoint(cloud.At(i)) {
			want = append(want, int32(i))
		}
	}
	// The narrow frustum must be selective for the comparison to mean much.
	test.That(t, len(want), test.ShouldBeGreaterThan, 0)
	test.That(t, len(want), test.ShouldBeLessThan, cloud.Len())

	got := tree.QueryFrustum(f)
	test.That(t, sortedCopy(got), test.ShouldResemble, want)

	qs := tree.LastQuery()
	test.That(t, qs.NodesCulled, test.ShouldBeGreaterThan, 0)
	test.That(t, qs.PointsReturned, test.ShouldEqual, len(want))
}

func TestTreeSubset(t *testing.T) {
	logger := golog.NewTestLogger(t)
	r := rand.New(rand.NewSource(3))
	cloud := randomCloud(t, 500, r)

	var subset []int32
	for i := 0; i < cloud.Len(); i += 2 {
		subset = append(subset, int32(i))
	}
	tree, err := New(cloud, subset, cloud.BoundingBox(), Config{MaxPointsPerLeaf: 8, Logger: logger})
	test.That(t, err, test.ShouldBeNil)

	got := tree.QueryFrustum(allSeeingFrustum(t))
	test.That(t, sortedCopy(got), test.ShouldResemble, subset)
}

func TestTreeCoincidentPoints(t *testing.T) {
	logger := golog.NewTestLogger(t)
	pts := make([]r3.Vector, 100)
	for i := range pts {
		pts[i] = r3.Vector{X: 1, Y: 2, Z: 3}
	}
	cloud := pc.NewCloud()
	test.That(t, cloud.Append(pts, nil, nil), test.ShouldBeNil)

	// Coincident points cannot split; the depth ceiling must stop recursion.
	tree, err := New(cloud, allIndices(cloud.Len()), cloud.BoundingBox(), Config{MaxPointsPerLeaf: 4, MaxDepth: 6, Logger: logger})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.Stats().MaxDepth, test.ShouldBeLessThanOrEqualTo, 6)

	got := tree.QueryFrustum(allSeeingFrustum(t))
	test.That(t, len(got), test.ShouldEqual, cloud.Len())
}

func TestTreeEmptyAndClear(t *testing.T) {
	logger := golog.NewTestLogger(t)
	cloud := pc.NewCloud()

	tree, err := New(cloud, nil, spatialmath.NewEmptyBoundingBox(), Config{Logger: logger})
	test.That(t, err, test.ShouldBeNil)

	got := tree.QueryFrustum(allSeeingFrustum(t))
	test.That(t, got, test.ShouldNotBeNil)
	test.That(t, got, test.ShouldHaveLength, 0)

	r := rand.New(rand.NewSource(11))
	filled := randomCloud(t, 200, r)
	tree, err = New(filled, allIndices(filled.Len()), filled.BoundingBox(), Config{Logger: logger})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(tree.QueryFrustum(allSeeingFrustum(t))), test.ShouldEqual, 200)

	tree.Clear()
	got = tree.QueryFrustum(allSeeingFrustum(t))
	test.That(t, got, test.ShouldNotBeNil)
	test.That(t, got, test.ShouldHaveLength, 0)
	test.That(t, tree.Len(), test.ShouldEqual, 0)

	tree.Clear() // idempotent
	test.That(t, tree.QueryFrustum(allSeeingFrustum(t)), test.ShouldHaveLength, 0)
}

func TestTreeStats(t *testing.T) {
	logger := golog.NewTestLogger(t)
	r := rand.New(rand.NewSource(5))
	cloud := randomCloud(t, 1000, r)

	tree, err := New(cloud, allIndices(cloud.Len()), cloud.BoundingBox(), Config{MaxPointsPerLeaf: 32, Logger: logger})
	test.That(t, err, test.ShouldBeNil)

	ts := tree.Stats()
	test.That(t, ts.NodeCount, test.ShouldBeGreaterThan, 1)
	test.That(t, ts.LeafCount, test.ShouldBeGreaterThan, 1)
	test.That(t, ts.MaxDepth, test.ShouldBeGreaterThanOrEqualTo, 1)
	test.That(t, ts.MaxPointsPerLeaf, test.ShouldBeLessThanOrEqualTo, 32)
	test.That(t, ts.AvgPointsPerLeaf, test.ShouldBeGreaterThan, 0.0)
	test.That(t, ts.AvgPointsPerLeaf, test.ShouldBeLessThanOrEqualTo, float64(ts.MaxPointsPerLeaf))
}
