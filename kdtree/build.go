package kdtree

import (
	"math"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	pc "go.viam.com/pointlod/pointcloud"
	"go.viam.com/pointlod/spatialmath"
	"go.viam.com/pointlod/utils"
)

// workItem is one pending partition: fill arena slot pos from the entry
// range [start, end) at the given depth.
type workItem struct {
	pos   int32
	start int32
	end   int32
	depth int32
}

// Builder constructs a Tree across multiple Step calls so arbitrarily
// large builds can be spread over scheduler ticks. It is not safe for
// concurrent use.
type Builder struct {
	cfg    Config
	tree   *Tree
	work   []workItem
	head   int
	done   bool
	logger golog.Logger
}

// NewBuilder prepares an incremental build over points labeled
// positionally by indices (nil labels each point with its own position).
// When cfg.CacheDir holds a tree with a matching fingerprint, the builder
// starts out finished with the loaded tree.
func NewBuilder(points pc.PointSequence, indices []int32, cfg Config) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid kdtree config")
	}
	cfg = cfg.withDefaults()
	if indices != nil && len(indices) != points.Len() {
		return nil, errors.Errorf("got %d indices for %d points", len(indices), points.Len())
	}

	entries := make([]entry, points.Len())
	for i := range entries {
		idx := int32(i)
		if indices != nil {
			idx = indices[i]
		}
		entries[i] = entry{point: points.At(i), index: idx}
	}

	t := &Tree{
		entries:  entries,
		root:     -1,
		maxDepth: int32(cfg.MaxDepth),
	}
	t.fingerprint = fingerprintEntries(entries, cfg.MaxDepth)

	b := &Builder{cfg: cfg, tree: t, logger: cfg.Logger}
	if cfg.CacheDir != "" {
		cached, err := loadTree(cacheFileName(cfg.CacheDir, t.fingerprint), t.fingerprint, t.maxDepth)
		if err == nil {
			b.tree = cached
			b.done = true
			cfg.Logger.Debugw("kdtree cache hit",
				"fingerprint", cached.Fingerprint(), "size", cached.Len())
			return b, nil
		}
		cfg.Logger.Debugw("kdtree cache miss", "error", err)
	}

	if len(entries) == 0 {
		b.done = true
		return b, nil
	}
	t.nodes = append(t.nodes, node{})
	t.root = 0
	b.work = append(b.work, workItem{pos: 0, start: 0, end: int32(len(entries)), depth: 0})
	return b, nil
}

// Step processes queued partitions until the budget elapses, returning true
// once the tree is complete. At least one partition is processed per call
// so a zero budget still makes progress.
func (b *Builder) Step(budget time.Duration) bool {
	if b.done {
		return true
	}
	deadline := time.Now().Add(budget)
	for b.head < len(b.work) {
		item := b.work[b.head]
		b.head++
		b.buildOne(item)
		if b.head > 1024 && b.head*2 > len(b.work) {
			b.work = append(b.work[:0], b.work[b.head:]...)
			b.head = 0
		}
		if b.head < len(b.work) && time.Now().After(deadline) {
			return false
		}
	}
	b.done = true
	b.work = nil
	b.head = 0
	if b.cfg.CacheDir != "" && b.tree.Len() > 0 {
		path := cacheFileName(b.cfg.CacheDir, b.tree.fingerprint)
		if err := saveTree(path, b.tree); err != nil {
			b.logger.Warnw("failed to cache kdtree", "path", path, "error", err)
		}
	}
	return true
}

// Done reports whether the build has finished.
func (b *Builder) Done() bool {
	return b.done
}

// Pending returns the number of queued partitions, a rough progress
// indicator.
func (b *Builder) Pending() int {
	return len(b.work) - b.head
}

// Tree returns the finished tree, or nil while the build is incomplete.
func (b *Builder) Tree() *Tree {
	if !b.done {
		return nil
	}
	return b.tree
}

// buildOne turns one queued partition into a node, queueing child
// partitions for internal nodes.
func (b *Builder) buildOne(it workItem) {
	t := b.tree
	n := it.end - it.start
	if n == 1 || it.depth >= t.maxDepth {
		t.nodes[it.pos] = node{pivot: -1, left: -1, right: -1, start: it.start, end: it.end}
		return
	}

	es := t.entries[it.start:it.end]
	bounds := entryBounds(es)
	axis, split, ok := b.chooseSAHSplit(es, bounds)
	if !ok {
		axis, split, ok = chooseMedianSplit(es, bounds, it.depth)
	}
	if !ok {
		// All extents are degenerate; the partition stays a bucket.
		t.nodes[it.pos] = node{pivot: -1, left: -1, right: -1, start: it.start, end: it.end}
		return
	}

	// The entry closest to the split becomes the node's own; the plane the
	// queries prune against is that entry's coordinate.
	cp := it.start + closestToSplit(es, axis, split)
	t.entries[it.start], t.entries[cp] = t.entries[cp], t.entries[it.start]
	plane := axis.Coord(t.entries[it.start].point)

	lo := it.start + 1
	hi := lo + partitionEntries(t.entries[lo:it.end], axis, plane)

	// A one sided partition with entries to spare moves the boundary entry
	// across and re-anchors the plane on it, keeping both subtrees
	// non-empty without breaking the pruning bounds.
	if lo == hi && it.end-hi >= 2 {
		m := hi + minOnAxis(t.entries[hi:it.end], axis)
		t.entries[hi], t.entries[m] = t.entries[m], t.entries[hi]
		plane = axis.Coord(t.entries[hi].point)
		hi++
	} else if hi == it.end && hi-lo >= 2 {
		m := lo + maxOnAxis(t.entries[lo:hi], axis)
		t.entries[hi-1], t.entries[m] = t.entries[m], t.entries[hi-1]
		plane = axis.Coord(t.entries[hi-1].point)
		hi--
	}

	nd := node{axis: axis, split: plane, pivot: it.start, left: -1, right: -1}
	if hi > lo {
		nd.left = int32(len(t.nodes))
		t.nodes = append(t.nodes, node{})
		b.work = append(b.work, workItem{pos: nd.left, start: lo, end: hi, depth: it.depth + 1})
	}
	if it.end > hi {
		nd.right = int32(len(t.nodes))
		t.nodes = append(t.nodes, node{})
		b.work = append(b.work, workItem{pos: nd.right, start: hi, end: it.end, depth: it.depth + 1})
	}
	t.nodes[it.pos] = nd
}

// chooseSAHSplit sweeps binned surface area heuristic candidates over all
// three axes and returns the cheapest. ok is false when the partition is
// too small or too round for a useful sweep, or when no candidate separates
// the entries.
func (b *Builder) chooseSAHSplit(es []entry, bounds spatialmath.BoundingBox) (spatialmath.Axis, float64, bool) {
	if len(es) < b.cfg.MinSAHSize || bounds.AspectRatio() < b.cfg.SAHAspectThreshold {
		return 0, 0, false
	}
	parentArea := bounds.SurfaceArea()
	if parentArea < splitEpsilon {
		return 0, 0, false
	}
	nBins := utils.ClampInt(int(math.Log2(float64(len(es)))), minSAHBins, maxSAHBins)

	var (
		costs  []float64
		axes   []spatialmath.Axis
		splits []float64
	)
	sz := bounds.Size()
	for axis := spatialmath.AxisX; axis <= spatialmath.AxisZ; axis++ {
		extent := axis.Coord(sz)
		if extent < splitEpsilon {
			continue
		}
		lo := axis.Coord(bounds.Min)
		width := extent / float64(nBins)

		counts := make([]int, nBins)
		boxes := make([]spatialmath.BoundingBox, nBins)
		for i := range boxes {
			boxes[i] = spatialmath.NewEmptyBoundingBox()
		}
		for _, e := range es {
			bin := int((axis.Coord(e.point) - lo) / width)
			bin = utils.ClampInt(bin, 0, nBins-1)
			counts[bin]++
			boxes[bin].MergePoint(e.point)
		}

		suffixArea := make([]float64, nBins)
		suffixCount := make([]int, nBins)
		box := spatialmath.NewEmptyBoundingBox()
		cnt := 0
		for i := nBins - 1; i >= 0; i-- {
			box.MergeBox(boxes[i])
			cnt += counts[i]
			suffixArea[i] = box.SurfaceArea()
			suffixCount[i] = cnt
		}

		prefix := spatialmath.NewEmptyBoundingBox()
		ln := 0
		for i := 0; i < nBins-1; i++ {
			prefix.MergeBox(boxes[i])
			ln += counts[i]
			rn := suffixCount[i+1]
			if ln == 0 || rn == 0 {
				continue
			}
			cost := prefix.SurfaceArea()/parentArea*float64(ln) +
				suffixArea[i+1]/parentArea*float64(rn)
			costs = append(costs, cost)
			axes = append(axes, axis)
			splits = append(splits, lo+width*float64(i+1))
		}
	}
	if len(costs) == 0 {
		return 0, 0, false
	}
	best := floats.MinIdx(costs)
	return axes[best], splits[best], true
}

// chooseMedianSplit cycles the split axis by depth, skipping axes with
// degenerate extents, and returns the median coordinate located by
// quickselect. ok is false only when every axis is degenerate.
func chooseMedianSplit(es []entry, bounds spatialmath.BoundingBox, depth int32) (spatialmath.Axis, float64, bool) {
	sz := bounds.Size()
	axis := spatialmath.Axis(int(depth) % 3)
	for i := 0; i < 3; i++ {
		if axis.Coord(sz) >= splitEpsilon {
			coords := make([]float64, len(es))
			for j, e := range es {
				coords[j] = axis.Coord(e.point)
			}
			return axis, quickselect(coords, len(coords)/2), true
		}
		axis = axis.Next()
	}
	return 0, 0, false
}

// quickselect returns the k-th smallest value of xs (0 based), reordering
// xs in place. Hoare partitions around middle pivots give linear expected
// time.
func quickselect(xs []float64, k int) float64 {
	lo, hi := 0, len(xs)-1
	for lo < hi {
		p := xs[(lo+hi)/2]
		i, j := lo, hi
		for i <= j {
			for xs[i] < p {
				i++
			}
			for xs[j] > p {
				j--
			}
			if i <= j {
				xs[i], xs[j] = xs[j], xs[i]
				i++
				j--
			}
		}
		switch {
		case k <= j:
			hi = j
		case k >= i:
			lo = i
		default:
			return xs[k]
		}
	}
	return xs[k]
}

// partitionEntries reorders es so entries with coordinates below the plane
// come first, returning how many there are.
func partitionEntries(es []entry, axis spatialmath.Axis, plane float64) int32 {
	i, j := 0, len(es)-1
	for i <= j {
		for i <= j && axis.Coord(es[i].point) < plane {
			i++
		}
		for i <= j && axis.Coord(es[j].point) >= plane {
			j--
		}
		if i < j {
			es[i], es[j] = es[j], es[i]
			i++
			j--
		}
	}
	return int32(i)
}

func closestToSplit(es []entry, axis spatialmath.Axis, split float64) int32 {
	best := 0
	bestDist := math.Abs(axis.Coord(es[0].point) - split)
	for i := 1; i < len(es); i++ {
		if d := math.Abs(axis.Coord(es[i].point) - split); d < bestDist {
			best, bestDist = i, d
		}
	}
	return int32(best)
}

func minOnAxis(es []entry, axis spatialmath.Axis) int32 {
	best := 0
	for i := 1; i < len(es); i++ {
		if axis.Coord(es[i].point) < axis.Coord(es[best].point) {
			best = i
		}
	}
	return int32(best)
}

func maxOnAxis(es []entry, axis spatialmath.Axis) int32 {
	best := 0
	for i := 1; i < len(es); i++ {
		if axis.Coord(es[i].point) > axis.Coord(es[best].point) {
			best = i
		}
	}
	return int32(best)
}

func entryBounds(es []entry) spatialmath.BoundingBox {
	bb := spatialmath.NewEmptyBoundingBox()
	for _, e := range es {
		bb.MergePoint(e.point)
	}
	return bb
}
