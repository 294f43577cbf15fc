// Package kdtree implements an arena backed KD-tree over a point sequence.
// It answers nearest neighbor and radius queries, supports time sliced
// incremental construction so very large trees can be built across many
// scheduler ticks, and can persist finished trees to a content addressed
// on disk cache keyed by a fingerprint of the exact build input.
package kdtree

import (
	"math"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	pc "go.viam.com/pointlod/pointcloud"
	"go.viam.com/pointlod/spatialmath"
	"go.viam.com/pointlod/utils"
)

const (
	// DefaultMaxDepth bounds recursion; partitions still holding multiple
	// entries at this depth become bucket leaves.
	DefaultMaxDepth = 24
	// DefaultMinSAHSize is the smallest partition worth a surface area
	// heuristic sweep.
	DefaultMinSAHSize = 64
	// DefaultSAHAspectThreshold gates the surface area heuristic to
	// partitions whose bounds are visibly elongated.
	DefaultSAHAspectThreshold = 4.0

	minSAHBins = 8
	maxSAHBins = 16

	splitEpsilon = 1e-9
)

// Config holds tree construction parameters.
type Config struct {
	// MaxDepth is the depth at which partitions stop splitting.
	MaxDepth int
	// MinSAHSize and SAHAspectThreshold gate the surface area heuristic;
	// partitions failing either fall back to a median split. Whether the
	// defaults suit every distribution is unsettled, so both stay tunable.
	MinSAHSize         int
	SAHAspectThreshold float64
	// CacheDir, when set, enables content addressed persistence of
	// finished trees.
	CacheDir string
	Logger   golog.Logger
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.MaxDepth < 0 {
		return errors.New("max depth must be non-negative")
	}
	if cfg.MinSAHSize < 0 {
		return errors.New("min SAH size must be non-negative")
	}
	if cfg.SAHAspectThreshold < 0 {
		return errors.New("SAH aspect threshold must be non-negative")
	}
	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.MinSAHSize == 0 {
		cfg.MinSAHSize = DefaultMinSAHSize
	}
	if cfg.SAHAspectThreshold == 0 {
		cfg.SAHAspectThreshold = DefaultSAHAspectThreshold
	}
	return cfg
}

// Result is a single query match. Index is the external index the matched
// point was registered under, not a position inside the tree.
type Result struct {
	Point  r3.Vector
	Index  int32
	DistSq float64
}

// entry pairs a point with the external index it represents.
type entry struct {
	point r3.Vector
	index int32
}

// node is one arena slot. Internal nodes carry a pivot entry and a split
// plane; coordinates in the left subtree are <= split on the node's axis
// and coordinates in the right subtree are >= split, which is what the
// query pruning relies on. Leaves hold a bucket range into the entry slice
// instead and are marked by pivot == -1.
type node struct {
	axis  spatialmath.Axis
	split float64
	pivot int32
	left  int32
	right int32
	start int32
	end   int32
}

// Tree is an immutable spatial index over (point, index) pairs. Methods are
// safe for concurrent readers once construction has finished.
type Tree struct {
	entries     []entry
	nodes       []node
	root        int32
	maxDepth    int32
	fingerprint uint64
	fromCache   bool
}

// New builds a tree in one blocking call, never touching the cache
// directory. Points pair positionally with indices; a nil indices slice
// labels each point with its own position.
func New(points pc.PointSequence, indices []int32, cfg Config) (*Tree, error) {
	cfg.CacheDir = ""
	return LoadOrBuild(points, indices, cfg)
}

// LoadOrBuild returns a cached tree when cfg.CacheDir holds one for this
// exact input, building and caching a fresh tree otherwise.
func LoadOrBuild(points pc.PointSequence, indices []int32, cfg Config) (*Tree, error) {
	b, err := NewBuilder(points, indices, cfg)
	if err != nil {
		return nil, err
	}
	for !b.Step(time.Minute) {
	}
	return b.Tree(), nil
}

// Len returns the number of indexed entries.
func (t *Tree) Len() int {
	return len(t.entries)
}

// Fingerprint identifies the build input: identical points, indices, and
// depth caps fingerprint identically across sessions.
func (t *Tree) Fingerprint() uint64 {
	return t.fingerprint
}

// FromCache reports whether the tree was loaded from the on disk cache
// rather than built.
func (t *Tree) FromCache() bool {
	return t.fromCache
}

// Nearest returns the entry closest to target, or false when the tree is
// empty.
func (t *Tree) Nearest(target r3.Vector) (Result, bool) {
	return t.NearestWithin(target, math.Inf(1))
}

// NearestWithin is Nearest bounded by maxDist; no result farther than
// maxDist is ever returned.
func (t *Tree) NearestWithin(target r3.Vector, maxDist float64) (Result, bool) {
	if t == nil || t.root < 0 || maxDist < 0 {
		return Result{}, false
	}
	s := nnState{limit: maxDist * maxDist}
	t.nearest(t.root, target, &s)
	return s.best, s.found
}

// WithinRadius returns every entry within radius of target, in no
// particular order. Empty trees return nil.
func (t *Tree) WithinRadius(target r3.Vector, radius float64) []Result {
	if t == nil || t.root < 0 || radius < 0 {
		return nil
	}
	var out []Result
	t.inRadius(t.root, target, radius, radius*radius, &out)
	return out
}

type nnState struct {
	best  Result
	found bool
	limit float64
}

// bound is the squared distance a candidate must beat to matter.
func (s *nnState) bound() float64 {
	if s.found {
		return s.best.DistSq
	}
	return s.limit
}

func (s *nnState) offer(e entry, target r3.Vector) {
	d2 := e.point.Sub(target).Norm2()
	if d2 > s.limit {
		return
	}
	if !s.found || d2 < s.best.DistSq {
		s.best = Result{Point: e.point, Index: e.index, DistSq: d2}
		s.found = true
	}
}

func (t *Tree) nearest(pos int32, target r3.Vector, s *nnState) {
	nd := &t.nodes[pos]
	if nd.pivot < 0 {
		for i := nd.start; i < nd.end; i++ {
			s.offer(t.entries[i], target)
		}
		return
	}
	s.offer(t.entries[nd.pivot], target)

	// Descend the side holding the target first; the far side can only
	// matter if the split plane itself is closer than the best so far.
	dx := nd.axis.Coord(target) - nd.split
	near, far := nd.left, nd.right
	if dx >= 0 {
		near, far = nd.right, nd.left
	}
	if near >= 0 {
		t.nearest(near, target, s)
	}
	if far >= 0 && utils.Square(dx) <= s.bound() {
		t.nearest(far, target, s)
	}
}

func (t *Tree) inRadius(pos int32, target r3.Vector, radius, radiusSq float64, out *[]Result) {
	nd := &t.nodes[pos]
	if nd.pivot < 0 {
		for i := nd.start; i < nd.end; i++ {
			e := t.entries[i]
			if d2 := e.point.Sub(target).Norm2(); d2 <= radiusSq {
				*out = append(*out, Result{Point: e.point, Index: e.index, DistSq: d2})
			}
		}
		return
	}
	e := t.entries[nd.pivot]
	if d2 := e.point.Sub(target).Norm2(); d2 <= radiusSq {
		*out = append(*out, Result{Point: e.point, Index: e.index, DistSq: d2})
	}
	dx := nd.axis.Coord(target) - nd.split
	if nd.left >= 0 && dx <= radius {
		t.inRadius(nd.left, target, radius, radiusSq, out)
	}
	if nd.right >= 0 && -dx <= radius {
		t.inRadius(nd.right, target, radius, radiusSq, out)
	}
}
