// Package octree implements an arena allocated octree over an indexed
// subset of a point sequence, supporting frustum culled visibility queries.
//
// The tree owns a list of point indexes. Every node covers a contiguous run
// of that list, so a node fully inside the query volume contributes its
// whole run with a single copy and no per point tests.
package octree

import (
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// Each node in the octree is either an internal node which links to child
// octants, a filled leaf holding a run of point indexes, or the empty leaf
// an empty tree consists of.
const (
	InternalNode = NodeType(iota)
	LeafNodeEmpty
	LeafNodeFilled
)

// NodeType represents the possible types of nodes in an octree.
type NodeType uint8

// Defaults applied by New for zero config fields.
const (
	DefaultMaxPointsPerLeaf = 512
	DefaultMaxDepth         = 21
)

// Config parametrizes tree construction.
type Config struct {
	// MaxPointsPerLeaf stops subdivision once a node's run is this small.
	MaxPointsPerLeaf int
	// MaxDepth is a hard recursion ceiling guarding against coincident
	// points.
	MaxDepth int
	Logger   golog.Logger
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("octree config requires a logger")
	}
	if c.MaxPointsPerLeaf < 0 {
		return errors.New("max points per leaf must not be negative")
	}
	if c.MaxDepth < 0 {
		return errors.New("max depth must not be negative")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.MaxPointsPerLeaf == 0 {
		c.MaxPointsPerLeaf = DefaultMaxPointsPerLeaf
	}
	if c.MaxDepth == 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	return c
}

// TreeStats describes the shape of a built tree.
type TreeStats struct {
	NodeCount        int
	LeafCount        int
	MaxDepth         int
	AvgPointsPerLeaf float64
	MaxPointsPerLeaf int
}

// QueryStats describes the work done by the most recent frustum query.
// Pathology detection from these numbers is the caller's business; the tree
// only reports.
type QueryStats struct {
	NodesVisited   int
	NodesCulled    int
	NodesContained int
	PointsReturned int
	Duration       time.Duration
}
