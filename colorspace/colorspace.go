// Package colorspace converts colorspace alignments and reads to basespace.
//
// In colorspace, each symbol encodes the transition between two adjacent
// bases, so a colorspace string of length L describes L+1 bases. Given the
// basespace reference, a Transcoder rewrites a pairwise colorspace alignment
// into the equivalent basespace alignment.
package colorspace

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// GapPatch selects how alignment gaps are rewritten before decoding.
type GapPatch int

const (
	// TransitionChain replaces a gap run with transitions into and out of a
	// gap, so the run decodes to gap characters and the base after the run
	// decodes correctly.
	TransitionChain GapPatch = iota
	// Placeholder replaces a gap run with transitions through N, so the run
	// decodes to N bases.
	Placeholder
)

// MismatchMode selects how mismatches are counted after conversion.
type MismatchMode int

const (
	// AmbiguityAware treats an IUPAC code and any base it stands for as a
	// match.
	AmbiguityAware MismatchMode = iota
	// Strict counts every position where the bytes differ.
	Strict
)

// Opts configures a Transcoder.
type Opts struct {
	GapPatch GapPatch
	Mismatch MismatchMode
}

// DefaultOpts is the default configuration.
var DefaultOpts = Opts{GapPatch: TransitionChain, Mismatch: AmbiguityAware}

// Alignment is a pairwise alignment. Reference and Query always have the
// same length and use '-' for gaps. BaseQualities has one entry per
// ungapped query symbol.
type Alignment struct {
	Name            string
	Reference       []byte
	Query           []byte
	BaseQualities   []byte
	ReferenceIndex  int
	ReferenceBegin  int
	ReferenceEnd    int
	QueryBegin      int
	QueryEnd        int
	QueryLength     int
	NumMismatches   int
	IsReverseStrand bool
}

// Transcoder converts colorspace alignments to basespace. Its tables are
// built once and never modified, so one Transcoder may convert independent
// alignments from many goroutines. SetReferenceSequences must not be called
// concurrently with conversions.
type Transcoder struct {
	opts Opts
	t    *tables
	refs [][]byte
}

// New creates a Transcoder.
func New(opts Opts) *Transcoder {
	return &Transcoder{opts: opts, t: newTables()}
}

// WithOpts returns a Transcoder that shares t's tables and references but
// uses different options.
func (t *Transcoder) WithOpts(opts Opts) *Transcoder {
	return &Transcoder{opts: opts, t: t.t, refs: t.refs}
}

// SetReferenceSequences sets the basespace references that
// Alignment.ReferenceIndex refers to. The slices are not copied.
func (t *Transcoder) SetReferenceSequences(refs [][]byte) {
	t.refs = refs
}

// DecodeColorspace decodes colors starting from seed. The result has
// len(colors)+1 bases and starts with seed, simplified if it is an
// ambiguity code.
func (t *Transcoder) DecodeColorspace(seed byte, colors []byte) ([]byte, error) {
	out := make([]byte, 0, len(colors)+1)
	out = append(out, simplify(seed))
	return t.decodeRun(out, seed, colors)
}

// decodeRun appends to out the bases that colors lead to from seed. An
// ambiguous seed is simplified first.
func (t *Transcoder) decodeRun(out []byte, seed byte, colors []byte) ([]byte, error) {
	seed = simplify(seed)
	for _, c := range colors {
		b := t.t.decode[seed][c]
		if b == absent {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("colorspace: unknown base/transition combination [%c] & [%c]", seed, c))
		}
		out = append(out, b)
		seed = b
	}
	return out, nil
}

func (t *Transcoder) decodeOne(seed, c byte) (byte, error) {
	b := t.t.decode[seed][c]
	if b == absent {
		return 0, errors.E(errors.Integrity, fmt.Sprintf("colorspace: unknown base/transition combination [%c] & [%c]", seed, c))
	}
	return b, nil
}

func (t *Transcoder) encodeOne(from, to byte) (byte, error) {
	c := t.t.encode[from][to]
	if c == absent {
		return 0, errors.E(errors.Integrity, fmt.Sprintf("colorspace: unknown base combination [%c] & [%c]", from, to))
	}
	return c, nil
}

// ConvertAlignmentToBasespace rewrites al from colorspace to basespace. The
// reference and query gain one base, the qualities are remapped to one per
// base, the end coordinates move right by one and NumMismatches is
// recomputed. al is left unchanged if an error is returned.
func (t *Transcoder) ConvertAlignmentToBasespace(al *Alignment) error {
	n := len(al.Reference)
	if n != len(al.Query) {
		return errors.E(errors.Invalid, fmt.Sprintf("colorspace: %s: reference length %d != query length %d", al.Name, n, len(al.Query)))
	}
	if n == 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("colorspace: %s: empty alignment", al.Name))
	}
	if al.ReferenceIndex < 0 || al.ReferenceIndex >= len(t.refs) {
		return errors.E(errors.Invalid, fmt.Sprintf("colorspace: %s: reference index %d out of range [0,%d)", al.Name, al.ReferenceIndex, len(t.refs)))
	}
	genome := t.refs[al.ReferenceIndex]
	if al.ReferenceBegin < 0 || al.ReferenceBegin >= len(genome) {
		return errors.E(errors.Invalid, fmt.Sprintf("colorspace: %s: reference begin %d outside reference of length %d", al.Name, al.ReferenceBegin, len(genome)))
	}
	c := &conversion{
		t:      t,
		name:   al.Name,
		genome: genome[al.ReferenceBegin:],
		ref:    append([]byte(nil), al.Reference...),
		qry:    append([]byte(nil), al.Query...),
	}
	bsRef, bsQry, err := c.convert()
	if err != nil {
		return err
	}
	al.Reference, al.Query = bsRef, bsQry
	al.NumMismatches = t.countMismatches(bsRef, bsQry)
	al.BaseQualities = remapQualities(al.BaseQualities)
	al.ReferenceEnd++
	al.QueryEnd++
	al.QueryLength = al.QueryEnd - al.QueryBegin + 1
	log.Debug.Printf("colorspace: %s: %d mismatches", al.Name, al.NumMismatches)
	return nil
}

func (t *Transcoder) countMismatches(ref, qry []byte) int {
	n := 0
	for i := range ref {
		switch t.opts.Mismatch {
		case Strict:
			if ref[i] != qry[i] {
				n++
			}
		default:
			if !t.t.compatible[ref[i]][qry[i]] {
				n++
			}
		}
	}
	return n
}

// remapQualities turns one quality per transition into one per base. Each
// interior base gets the lower quality of its two flanking transitions.
func remapQualities(q []byte) []byte {
	if len(q) == 0 {
		return q
	}
	out := make([]byte, len(q)+1)
	out[0] = q[0]
	for i := 1; i < len(q); i++ {
		out[i] = q[i-1]
		if q[i] < out[i] {
			out[i] = q[i]
		}
	}
	out[len(q)] = q[len(q)-1]
	return out
}
