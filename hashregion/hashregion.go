// Package hashregion holds the seed hits produced by jump index lookups.
package hashregion

import (
	"fmt"

	"github.com/biogo/store/llrb"
)

// Region is an exact k-mer match between a query and the genome. All
// coordinates are closed intervals; Begin and End are genome-wide.
type Region struct {
	Begin, End           uint32
	QueryBegin, QueryEnd uint32
}

// String implements fmt.Stringer.
func (r Region) String() string {
	return fmt.Sprintf("%d-%d:q%d-%d", r.Begin, r.End, r.QueryBegin, r.QueryEnd)
}

// Sink accepts regions found by a lookup.
type Sink interface {
	Insert(r Region)
}

// Compare implements llrb.Comparable. Regions are ordered by the genome
// diagonal (Begin-QueryBegin) and then by Begin, so that hits of one gapless
// alignment are adjacent.
func (r Region) Compare(c llrb.Comparable) int {
	o := c.(Region)
	d1 := int64(r.Begin) - int64(r.QueryBegin)
	d2 := int64(o.Begin) - int64(o.QueryBegin)
	switch {
	case d1 < d2:
		return -1
	case d1 > d2:
		return 1
	case r.Begin < o.Begin:
		return -1
	case r.Begin > o.Begin:
		return 1
	}
	return 0
}

// Tree is a Sink that keeps regions sorted and drops duplicates. It is not
// safe for concurrent use.
type Tree struct {
	tree llrb.Tree
}

// Insert implements Sink.
func (t *Tree) Insert(r Region) { t.tree.Insert(r) }

// Len returns the number of distinct regions.
func (t *Tree) Len() int { return t.tree.Len() }

// Regions returns all regions in order.
func (t *Tree) Regions() []Region {
	regions := make([]Region, 0, t.tree.Len())
	t.tree.Do(func(c llrb.Comparable) bool {
		regions = append(regions, c.(Region))
		return false
	})
	return regions
}

// Reset removes all regions.
func (t *Tree) Reset() { t.tree = llrb.Tree{} }

// Slice is a Sink that appends regions in arrival order.
type Slice []Region

// Insert implements Sink.
func (s *Slice) Insert(r Region) { *s = append(*s, r) }
