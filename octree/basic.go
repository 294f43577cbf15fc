package octree

import (
	"time"

	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"

	pc "go.viam.com/pointlod/pointcloud"
	"go.viam.com/pointlod/spatialmath"
)

var noChildren = [8]int32{-1, -1, -1, -1, -1, -1, -1, -1}

// node is one arena slot. Every node covers the contiguous run
// [start, end) of the tree's index list; only internal nodes have children.
type node struct {
	box      spatialmath.BoundingBox
	children [8]int32
	start    int32
	end      int32
	nodeType NodeType
}

// Tree is an octree over a subset of a point sequence. Nodes live in a flat
// arena addressed by int32 positions. A Tree is built once and read many
// times; it is not safe for concurrent mutation.
type Tree struct {
	cfg       Config
	points    pc.PointSequence
	indices   []int32
	nodes     []node
	root      int32
	maxDepth  int32
	lastQuery QueryStats
}

// New builds an octree over the subset of points named by the given
// indexes. The subset slice is copied. bounds must cover every subset
// point; when an empty box is passed the bounds are computed from the
// subset.
func New(points pc.PointSequence, subset []int32, bounds spatialmath.BoundingBox, cfg Config) (*Tree, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	start := time.Now()
	t := &Tree{
		cfg:     cfg,
		points:  points,
		indices: make([]int32, len(subset)),
		root:    -1,
	}
	copy(t.indices, subset)

	if bounds.IsEmpty() {
		bounds = spatialmath.NewEmptyBoundingBox()
		for _, pi := range t.indices {
			bounds.MergePoint(points.At(int(pi)))
		}
	}

	scratch := make([]int32, len(t.indices))
	t.nodes = make([]node, 0, len(t.indices)/cfg.MaxPointsPerLeaf*2+1)
	t.root = t.build(0, int32(len(t.indices)), bounds, 0, scratch)

	cfg.Logger.Debugw("octree built",
		"points", len(t.indices),
		"nodes", len(t.nodes),
		"max_depth", t.maxDepth,
		"took", time.Since(start),
	)
	return t, nil
}

// build appends the node covering indices[start:end) to the arena and
// returns its position. Child positions are assigned by index after the
// recursive calls since appends may move the arena.
func (t *Tree) build(start, end int32, box spatialmath.BoundingBox, depth int32, scratch []int32) int32 {
	pos := int32(len(t.nodes))
	nd := node{box: box, children: noChildren, start: start, end: end, nodeType: LeafNodeFilled}
	if depth > t.maxDepth {
		t.maxDepth = depth
	}

	n := end - start
	if n == 0 {
		nd.nodeType = LeafNodeEmpty
		t.nodes = append(t.nodes, nd)
		return pos
	}
	if int(n) <= t.cfg.MaxPointsPerLeaf || int(depth) >= t.cfg.MaxDepth {
		t.nodes = append(t.nodes, nd)
		return pos
	}

	nd.nodeType = InternalNode
	t.nodes = append(t.nodes, nd)

	// Scatter the run into octant order with a counting pass. Ties on any
	// axis go to the upper octant.
	center := box.Center()
	seg := t.indices[start:end]
	var counts [8]int32
	for _, pi := range seg {
		counts[t.octantOf(pi, center)]++
	}
	var cursors [8]int32
	var sum int32
	for o := 0; o < 8; o++ {
		cursors[o] = sum
		sum += counts[o]
	}
	scr := scratch[start:end]
	copy(scr, seg)
	for _, pi := range scr {
		o := t.octantOf(pi, center)
		seg[cursors[o]] = pi
		cursors[o]++
	}

	childStart := start
	for o := 0; o < 8; o++ {
		if counts[o] == 0 {
			continue
		}
		ci := t.build(childStart, childStart+counts[o], octantBox(box, center, o), depth+1, scratch)
		t.nodes[pos].children[o] = ci
		childStart += counts[o]
	}
	return pos
}

func (t *Tree) octantOf(pi int32, center r3.Vector) int {
	p := t.points.At(int(pi))
	o := 0
	if p.X >= center.X {
		o |= 1
	}
	if p.Y >= center.Y {
		o |= 2
	}
	if p.Z >= center.Z {
		o |= 4
	}
	return o
}

// octantBox returns the exact octant of box on the given side of center.
func octantBox(box spatialmath.BoundingBox, center r3.Vector, o int) spatialmath.BoundingBox {
	lo, hi := box.Min, box.Max
	if o&1 != 0 {
		lo.X = center.X
	} else {
		hi.X = center.X
	}
	if o&2 != 0 {
		lo.Y = center.Y
	} else {
		hi.Y = center.Y
	}
	if o&4 != 0 {
		lo.Z = center.Z
	} else {
		hi.Z = center.Z
	}
	return spatialmath.BoundingBox{Min: lo, Max: hi}
}

// Len returns the number of points indexed by the tree.
func (t *Tree) Len() int {
	return len(t.indices)
}

// QueryFrustum returns the indexes of all indexed points inside the
// frustum. The result is never nil. Nodes fully inside the frustum
// contribute their whole run without per point tests.
func (t *Tree) QueryFrustum(f *spatialmath.Frustum) []int32 {
	begin := time.Now()
	var qs QueryStats
	out := make([]int32, 0)

	if t.root >= 0 {
		stack := make([]int32, 0, 64)
		stack = append(stack, t.root)
		for len(stack) > 0 {
			ni := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			nd := &t.nodes[ni]
			qs.NodesVisited++

			if nd.nodeType == LeafNodeEmpty {
				continue
			}
			if !f.IntersectsBox(nd.box) {
				qs.NodesCulled++
				continue
			}
			if f.ContainsBox(nd.box) {
				qs.NodesContained++
				out = append(out, t.indices[nd.start:nd.end]...)
				continue
			}
			switch nd.nodeType {
			case InternalNode:
				for _, ci := range nd.children {
					if ci >= 0 {
						stack = append(stack, ci)
					}
				}
			case LeafNodeFilled, LeafNodeEmpty:
				for _, pi := range t.indices[nd.start:nd.end] {
					if f.ContainsPoint(t.points.At(int(pi))) {
						out = append(out, pi)
					}
				}
			}
		}
	}

	qs.PointsReturned = len(out)
	qs.Duration = time.Since(begin)
	t.lastQuery = qs
	return out
}

// LastQuery returns statistics from the most recent QueryFrustum call.
func (t *Tree) LastQuery() QueryStats {
	return t.lastQuery
}

// Stats describes the shape of the built tree.
func (t *Tree) Stats() TreeStats {
	var leafSizes []float64
	for i := range t.nodes {
		nd := &t.nodes[i]
		if nd.nodeType == LeafNodeFilled {
			leafSizes = append(leafSizes, float64(nd.end-nd.start))
		}
	}
	ts := TreeStats{
		NodeCount: len(t.nodes),
		LeafCount: len(leafSizes),
		MaxDepth:  int(t.maxDepth),
	}
	if len(leafSizes) > 0 {
		if mean, err := stats.Mean(leafSizes); err == nil {
			ts.AvgPointsPerLeaf = mean
		}
		if max, err := stats.Max(leafSizes); err == nil {
			ts.MaxPointsPerLeaf = int(max)
		}
	}
	return ts
}

// Clear drops the arena and index list. A cleared tree answers queries with
// empty results. Clear is idempotent.
func (t *Tree) Clear() {
	t.nodes = nil
	t.indices = nil
	t.root = -1
	t.maxDepth = 0
	t.lastQuery = QueryStats{}
}
