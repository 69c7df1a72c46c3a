package jumpdb

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/seedindex/kmer"
)

// entryReader iterates over a reference's entry stream in the meta file.
type entryReader struct {
	ref string
	r   io.Reader
	cur IndexEntry
	hdr [12]byte
	buf []byte
	err *errors.Once
}

func newEntryReader(ref string, r io.Reader, errReporter *errors.Once) *entryReader {
	return &entryReader{ref: ref, r: r, err: errReporter}
}

func (e *entryReader) scan() bool {
	n, err := io.ReadFull(e.r, e.hdr[:])
	if err == io.EOF {
		return false
	}
	if err != nil {
		e.err.Set(errors.E(errors.Integrity, err, fmt.Sprintf("jumpdb: truncated entry header (%d bytes) for reference %s", n, e.ref)))
		return false
	}
	e.cur.Key = kmer.Key(binary.LittleEndian.Uint64(e.hdr[:]))
	count := int(binary.LittleEndian.Uint32(e.hdr[8:]))
	resizeBuf(&e.buf, 4*count)
	if _, err := io.ReadFull(e.r, e.buf); err != nil {
		e.err.Set(errors.E(errors.Integrity, err, fmt.Sprintf("jumpdb: truncated entry for key %d of reference %s", e.cur.Key, e.ref)))
		return false
	}
	e.cur.Positions = e.cur.Positions[:0]
	b := byteBuffer(e.buf)
	for i := 0; i < count; i++ {
		e.cur.Positions = append(e.cur.Positions, b.uint32())
	}
	return true
}

func (e *entryReader) key() kmer.Key { return e.cur.Key }
func (e *entryReader) pos() uint32   { return 0 }
func (e *entryReader) name() string  { return e.ref }
