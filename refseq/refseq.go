// Package refseq provides the reference sequences that a jump index is built
// from. Sequences are held in memory, in the order they appear in the input,
// with every base upper-cased.
//
// FASTA input may be plain, gzip-compressed (".gz") or xz-compressed (".xz").
package refseq

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"strings"

	farm "github.com/dgryski/go-farm"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
)

const bufferInitSize = 1024 * 1024 * 300 // 300 MB

// Source is an ordered set of named reference sequences.
type Source interface {
	// SequenceNames returns the names of all sequences, in order.
	SequenceNames() []string
	// SequenceBases returns the bases of the i'th sequence. The returned
	// slice must not be modified.
	SequenceBases(i int) ([]byte, error)
}

type memSource struct {
	names []string
	seqs  [][]byte
}

// NewSource creates a Source holding the given sequences. names and seqs
// must have the same length.
func NewSource(names []string, seqs [][]byte) (Source, error) {
	if len(names) != len(seqs) {
		return nil, errors.Errorf("refseq: %d names but %d sequences", len(names), len(seqs))
	}
	return &memSource{names: names, seqs: seqs}, nil
}

// SequenceNames implements Source.
func (s *memSource) SequenceNames() []string { return s.names }

// SequenceBases implements Source.
func (s *memSource) SequenceBases(i int) ([]byte, error) {
	if i < 0 || i >= len(s.seqs) {
		return nil, errors.Errorf("refseq: sequence index %d out of range [0,%d)", i, len(s.seqs))
	}
	return s.seqs[i], nil
}

// ReadFASTA parses FASTA data from r. Sequence names stop at the first
// space. Empty lines are ignored.
func ReadFASTA(r io.Reader) (Source, error) {
	s := &memSource{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(nil, bufferInitSize)
	var (
		name string
		seq  bytes.Buffer
		seen bool
	)
	flush := func() {
		s.names = append(s.names, name)
		s.seqs = append(s.seqs, append([]byte(nil), seq.Bytes()...))
		seq.Reset()
	}
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if line[0] == '>' {
			if seen {
				flush()
			}
			name = strings.Split(string(line[1:]), " ")[0]
			seen = true
			continue
		}
		if !seen {
			return nil, errors.Errorf("malformed FASTA data: bases before the first header")
		}
		seq.Write(bytes.ToUpper(bytes.TrimSpace(line)))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "couldn't read FASTA data")
	}
	if seen {
		flush()
	}
	return s, nil
}

// Open reads the FASTA file at path, decompressing it according to its
// extension.
func Open(ctx context.Context, path string) (src Source, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer func() {
		if cerr := in.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	r := io.Reader(in.Reader(ctx))
	switch {
	case fileio.DetermineType(path) == fileio.Gzip:
		if r, err = gzip.NewReader(r); err != nil {
			return nil, errors.Wrapf(err, "gzip %s", path)
		}
	case strings.HasSuffix(path, ".xz"):
		if r, err = xz.NewReader(r); err != nil {
			return nil, errors.Wrapf(err, "xz %s", path)
		}
	}
	if src, err = ReadFASTA(r); err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return src, nil
}

// Lengths returns the number of bases in each sequence of src.
func Lengths(src Source) ([]uint64, error) {
	names := src.SequenceNames()
	lengths := make([]uint64, len(names))
	for i := range names {
		seq, err := src.SequenceBases(i)
		if err != nil {
			return nil, err
		}
		lengths[i] = uint64(len(seq))
	}
	return lengths, nil
}

// Offsets returns the genome-wide coordinate of the first base of each
// sequence, followed by the total genome length.
func Offsets(lengths []uint64) []uint64 {
	offsets := make([]uint64, len(lengths)+1)
	for i, n := range lengths {
		offsets[i+1] = offsets[i] + n
	}
	return offsets
}

// Fingerprint hashes the names and lengths of a set of sequences. Two sets
// with the same fingerprint index to the same genome coordinates.
func Fingerprint(names []string, lengths []uint64) uint64 {
	var buf bytes.Buffer
	var tmp [8]byte
	for i, name := range names {
		buf.WriteString(name)
		buf.WriteByte(0)
		binary.LittleEndian.PutUint64(tmp[:], lengths[i])
		buf.Write(tmp[:])
	}
	return farm.Hash64(buf.Bytes())
}
