package pointcloud

import "github.com/golang/geo/r3"

// Subset presents an index selected view of a point sequence as a sequence
// of its own. Position i of the subset is position indices[i] of the
// underlying sequence.
type Subset struct {
	seq     PointSequence
	indices []int32
}

// NewSubset returns a view of seq restricted to the given indices. The index
// slice is referenced, not copied; it must not change while the view is in
// use.
func NewSubset(seq PointSequence, indices []int32) Subset {
	return Subset{seq: seq, indices: indices}
}

// Len returns the subset size.
func (s Subset) Len() int {
	return len(s.indices)
}

// At returns the position of subset element i.
func (s Subset) At(i int) r3.Vector {
	return s.seq.At(int(s.indices[i]))
}
