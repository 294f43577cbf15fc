package lod

import (
	"math"

	"go.viam.com/pointlod/octree"
	pc "go.viam.com/pointlod/pointcloud"
)

var inf = math.Inf(1)

// levelCache is the published per level data: the subset of original cloud
// indices the level draws, the inverse position map, an optional parallel
// color subset, and the lazily built octree over the subset. The index list
// and position map are consistent inverses at all times.
type levelCache struct {
	level    Level
	indices  []int32
	position map[int32]int32
	colors   []pc.Color

	tree       *octree.Tree
	treeSample int
	treeFull   bool
}

func newLevelCache(level Level, capacity int) *levelCache {
	return &levelCache{
		level:    level,
		indices:  make([]int32, 0, capacity),
		position: make(map[int32]int32, capacity),
	}
}

// add appends one original index, keeping the position map consistent.
func (lc *levelCache) add(idx int32) {
	lc.position[idx] = int32(len(lc.indices))
	lc.indices = append(lc.indices, idx)
}

// footprintBytes is the cache's slice storage, for build log lines.
func (lc *levelCache) footprintBytes() int64 {
	return int64(len(lc.indices))*4 + int64(len(lc.colors))*4
}

// fillColors snapshots the cloud's current colors for the cache's indices.
// Color writes that land while a cache is under construction go to the
// cloud's buffer; snapshotting at publish time picks them up.
func (lc *levelCache) fillColors(colors pc.ColorSequence) {
	if colors == nil {
		return
	}
	cs := make([]pc.Color, len(lc.indices))
	for j, idx := range lc.indices {
		cs[j] = colors.At(int(idx))
	}
	lc.colors = cs
}

// strideFor returns the index list stride realizing a detail fraction.
func strideFor(detail float64) int {
	s := int(math.Round(1 / detail))
	if s < 1 {
		s = 1
	}
	return s
}

// sampleIndices picks size entries spread evenly across the index list.
// size must be smaller than the list.
func sampleIndices(indices []int32, size int) []int32 {
	stride := len(indices) / size
	out := make([]int32, 0, size)
	for i := 0; len(out) < size; i += stride {
		out = append(out, indices[i])
	}
	return out
}
