package colorspace

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// conversion holds the scratch state of one ConvertAlignmentToBasespace
// call.
type conversion struct {
	t    *Transcoder
	name string
	// genome starts at the alignment's reference begin.
	genome []byte
	// ref and qry are private copies of the colorspace strings, patched in
	// place.
	ref, qry []byte
	// gaps[i] is the number of reference gaps in columns [0,i).
	gaps []int
}

// span is a run of alignment columns [begin,end] that either all match or
// all mismatch.
type span struct {
	begin, end int
	match      bool
}

func (c *conversion) errorf(format string, args ...interface{}) error {
	return errors.E(errors.Integrity, fmt.Sprintf("colorspace: %s: ", c.name)+fmt.Sprintf(format, args...))
}

func (c *conversion) convert() (ref, qry []byte, err error) {
	if c.countGaps() {
		if err := c.patchGaps(); err != nil {
			return nil, nil, err
		}
	}
	spans := identitySpans(c.ref, c.qry)
	ref = make([]byte, 0, len(c.ref)+1)
	qry = make([]byte, 0, len(c.qry)+1)
	for i, s := range spans {
		var r, q []byte
		if s.match {
			r, q, err = c.matchRegion(s.begin, s.end)
		} else {
			r, q, err = c.mismatchRegion(s.begin, s.end, i == len(spans)-1)
		}
		if err != nil {
			return nil, nil, err
		}
		ref = append(ref, r...)
		qry = append(qry, q...)
	}
	if len(ref) != len(qry) {
		return nil, nil, c.errorf("basespace reference length %d != query length %d", len(ref), len(qry))
	}
	return ref, qry, nil
}

// countGaps fills c.gaps and reports whether any column holds a gap.
func (c *conversion) countGaps() bool {
	c.gaps = make([]int, len(c.ref))
	n, found := 0, false
	for i := range c.ref {
		c.gaps[i] = n
		if c.ref[i] == gap {
			n++
		}
		if c.ref[i] == gap || c.qry[i] == gap {
			found = true
		}
	}
	return found
}

// genomeAt returns the reference base under alignment column i.
func (c *conversion) genomeAt(i int) (byte, error) {
	j := i - c.gaps[i]
	if j < 0 || j >= len(c.genome) {
		return 0, c.errorf("column %d maps past the end of the reference", i)
	}
	return c.genome[j], nil
}

func (c *conversion) patchGaps() error {
	for i := range c.ref {
		if c.ref[i] == gap && c.qry[i] == gap {
			return c.errorf("reference and query both have a gap at column %d", i)
		}
		if c.ref[i] == gap {
			if err := c.patchGap(c.ref, i); err != nil {
				return err
			}
		}
		if c.qry[i] == gap {
			if err := c.patchGap(c.qry, i); err != nil {
				return err
			}
		}
	}
	return nil
}

// patchGap rewrites the gap run of cs starting at column l, together with
// the column right after it, into transitions that decode to the fill base
// over the run and to the true base after it.
func (c *conversion) patchGap(cs []byte, l int) error {
	r := l
	for r < len(cs) && cs[r] == gap {
		r++
	}
	if r == len(cs) {
		return c.errorf("gap at column %d runs to the end of the alignment", l)
	}
	var fill byte = gap
	if c.t.opts.GapPatch == Placeholder {
		fill = 'N'
	}
	left, err := c.deriveBase(l)
	if err != nil {
		return err
	}
	left = simplify(left)
	right, err := c.t.decodeOne(left, simplify(cs[r]))
	if err != nil {
		return err
	}
	if cs[l], err = c.t.encodeOne(left, fill); err != nil {
		return err
	}
	for i := l + 1; i < r; i++ {
		if cs[i], err = c.t.encodeOne(fill, fill); err != nil {
			return err
		}
	}
	cs[r], err = c.t.encodeOne(fill, right)
	return err
}

// deriveBase returns a canonical base for alignment column pos. An
// ambiguous reference base is resolved by walking to the nearest canonical
// reference base and following the query transitions back to pos.
func (c *conversion) deriveBase(pos int) (byte, error) {
	if pos == 0 {
		if len(c.genome) == 0 {
			return 0, c.errorf("empty reference")
		}
		return c.genome[0], nil
	}
	b, err := c.genomeAt(pos)
	if err != nil {
		return 0, err
	}
	if isCanonical(b) {
		return b, nil
	}
	for ci := pos - 1; ci >= 0; ci-- {
		seed, err := c.genomeAt(ci)
		if err != nil {
			return 0, err
		}
		if !isCanonical(seed) {
			continue
		}
		for j := ci; j < pos; j++ {
			if seed, err = c.t.decodeOne(seed, simplify(c.qry[j])); err != nil {
				return 0, err
			}
		}
		return seed, nil
	}
	if b, ok, err := c.walkBack(pos, func(seed, cs byte) bool { return isCanonical(seed) && cs != gap }); ok || err != nil {
		return b, err
	}
	return 0, c.errorf("unable to derive the base at column %d", pos)
}

// walkBack finds the first column after pos whose reference base and
// preceding query transition satisfy ok, then decodes backward to pos.
func (c *conversion) walkBack(pos int, ok func(seed, cs byte) bool) (byte, bool, error) {
	for ci := pos + 1; ci < len(c.ref); ci++ {
		seed, err := c.genomeAt(ci)
		if err != nil {
			return 0, false, err
		}
		if !ok(seed, c.qry[ci-1]) {
			continue
		}
		for j := ci; j > pos; j-- {
			if cs := c.qry[j-1]; cs != gap {
				if seed, err = c.t.decodeOne(seed, simplify(cs)); err != nil {
					return 0, false, err
				}
			}
		}
		return seed, true, nil
	}
	return 0, false, nil
}

// deriveBeginQueryBase returns a canonical first base for the query when
// the reference starts with an ambiguous base.
func (c *conversion) deriveBeginQueryBase() (byte, error) {
	if isCanonical(c.genome[0]) {
		return c.genome[0], nil
	}
	b, ok, err := c.walkBack(0, func(seed, cs byte) bool { return isCanonical(seed) && isCanonical(cs) })
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, c.errorf("unable to derive the first query base")
	}
	return b, nil
}

// identitySpans splits the columns into maximal runs where ref and qry
// agree or disagree.
func identitySpans(ref, qry []byte) []span {
	var spans []span
	for i := 0; i < len(ref); {
		match := ref[i] == qry[i]
		j := i + 1
		for j < len(ref) && (ref[j] == qry[j]) == match {
			j++
		}
		spans = append(spans, span{begin: i, end: j - 1, match: match})
		i = j
	}
	return spans
}

// matchRegion returns the bases covered by matching columns [b,e]: the
// e-b+2 reference bases starting under column b. The query is the same
// unless the reference is ambiguous there, in which case it is decoded from
// the query transitions.
func (c *conversion) matchRegion(b, e int) (ref, qry []byte, err error) {
	start := b - c.gaps[b]
	end := start + e - b + 2
	if end > len(c.genome) {
		return nil, nil, c.errorf("columns [%d,%d] extend past the end of the reference", b, e)
	}
	ref = append([]byte(nil), c.genome[start:end]...)
	for _, base := range ref {
		if !isCanonical(base) {
			seed, err := c.deriveBase(b)
			if err != nil {
				return nil, nil, err
			}
			if b == 0 && !isCanonical(seed) {
				if seed, err = c.deriveBeginQueryBase(); err != nil {
					return nil, nil, err
				}
			}
			qry, err = c.t.DecodeColorspace(seed, c.qry[b:e+1])
			return ref, qry, err
		}
	}
	return ref, append([]byte(nil), ref...), nil
}

// mismatchRegion decodes mismatching columns [b,e] from a derived seed. The
// base under column b is included only when b is 0, since otherwise the
// preceding match region supplies it. Unless the region is last, its final
// base is dropped in favor of the following match region.
func (c *conversion) mismatchRegion(b, e int, last bool) (ref, qry []byte, err error) {
	seed, err := c.deriveBase(b)
	if err != nil {
		return nil, nil, err
	}
	qrySeed := seed
	if b == 0 {
		if !isCanonical(seed) {
			if qrySeed, err = c.deriveBeginQueryBase(); err != nil {
				return nil, nil, err
			}
		}
		ref = append(ref, seed)
		qry = append(qry, qrySeed)
	}
	if ref, err = c.t.decodeRun(ref, seed, c.ref[b:e+1]); err != nil {
		return nil, nil, err
	}
	if qry, err = c.t.decodeRun(qry, qrySeed, c.qry[b:e+1]); err != nil {
		return nil, nil, err
	}
	if !last {
		ref = ref[:len(ref)-1]
		qry = qry[:len(qry)-1]
	}
	return ref, qry, nil
}
