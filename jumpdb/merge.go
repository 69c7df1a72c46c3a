package jumpdb

import (
	"github.com/biogo/store/llrb"
	"github.com/grailbio/seedindex/kmer"
	"v.io/x/lib/vlog"
)

// cursor is a sorted stream of (key, pos) records.
type cursor interface {
	// scan advances to the next record. It returns false at the end of the
	// stream or on error.
	scan() bool
	key() kmer.Key
	pos() uint32
	name() string
}

type mergeLeaf struct {
	// seq distinguishes the cursors being merged. Among equal records, the
	// one with the smaller seq is yielded first.
	seq  int
	c    cursor
	done bool
}

func (l *mergeLeaf) Compare(c1 llrb.Comparable) int {
	l1 := c1.(*mergeLeaf)
	if c := compareRecords(l.c, l1.c); c != 0 {
		return c
	}
	return l.seq - l1.seq
}

func compareRecords(c0, c1 cursor) int {
	switch k0, k1 := c0.key(), c1.key(); {
	case k0 < k1:
		return -1
	case k0 > k1:
		return 1
	}
	switch p0, p1 := c0.pos(), c1.pos(); {
	case p0 < p1:
		return -1
	case p0 > p1:
		return 1
	}
	return 0
}

// mergeCursors performs an N-way merge of cursors. callback is called for
// each record in ascending order with the index of the cursor that holds
// it. If callback returns false, mergeCursors stops immediately.
func mergeCursors(cursors []cursor, callback func(seq int, c cursor) bool) {
	// The smallest leaf tends to stay at the top of the tree for many records,
	// so a tree beats a heap here.
	leafs := llrb.Tree{}
	for i, c := range cursors {
		if c.scan() {
			vlog.VI(1).Infof("Leaf %v created", c.name())
			leafs.Insert(&mergeLeaf{seq: i, c: c})
		}
	}
	vlog.VI(1).Infof("Merging %d streams, %d leafs active", len(cursors), leafs.Len())

	for leafs.Len() > 0 {
		var top, next *mergeLeaf
		n := 0
		leafs.Do(func(item llrb.Comparable) bool {
			n++
			if n == 1 {
				top = item.(*mergeLeaf)
				return false
			}
			next = item.(*mergeLeaf)
			return true
		})
		// Read records from top until it passes next.
		for {
			if !callback(top.seq, top.c) {
				return
			}
			top.done = !top.c.scan()
			if top.done || (next != nil && top.Compare(next) > 0) {
				break
			}
		}
		leafs.DeleteMin()
		if !top.done {
			leafs.Insert(top)
		}
	}
}
