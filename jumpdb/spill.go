package jumpdb

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/golang/snappy"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/seedindex/kmer"
	"v.io/x/lib/vlog"
)

// hashPosition is one k-mer occurrence within a reference.
type hashPosition struct {
	key kmer.Key
	pos uint32
}

// hashPositionSize is the in-memory footprint of a hashPosition, used to
// turn a memory budget into a record count.
const hashPositionSize = 16

// chunkRecordSize is the serialized size of a hashPosition.
const chunkRecordSize = 12

func sortHashPositions(recs []hashPosition) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].key != recs[j].key {
			return recs[i].key < recs[j].key
		}
		return recs[i].pos < recs[j].pos
	})
}

// writeChunk sorts recs and writes them to path.
func writeChunk(path string, recs []hashPosition, compress bool) (err error) {
	vlog.VI(1).Infof("Spilling %d hash positions to %s", len(recs), path)
	sortHashPositions(recs)
	f, err := os.Create(path)
	if err != nil {
		return errors.E(err, "jumpdb: create temp file", path)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = errors.E(cerr, "jumpdb: close temp file", path)
		}
	}()
	var w io.Writer
	var flush func() error
	if compress {
		sw := snappy.NewBufferedWriter(f)
		w, flush = sw, sw.Close
	} else {
		bw := bufio.NewWriterSize(f, 1<<20)
		w, flush = bw, bw.Flush
	}
	var rec [chunkRecordSize]byte
	for _, r := range recs {
		binary.LittleEndian.PutUint64(rec[:], uint64(r.key))
		binary.LittleEndian.PutUint32(rec[8:], r.pos)
		if _, err := w.Write(rec[:]); err != nil {
			return errors.E(err, "jumpdb: write temp file", path)
		}
	}
	if err := flush(); err != nil {
		return errors.E(err, "jumpdb: flush temp file", path)
	}
	return nil
}

// chunkReader iterates over the records of one spilled chunk.
type chunkReader struct {
	path string
	f    *os.File
	r    io.Reader
	cur  hashPosition
	buf  [chunkRecordSize]byte
	err  *errors.Once
}

func newChunkReader(path string, compressed bool, errReporter *errors.Once) (*chunkReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.E(err, "jumpdb: open temp file", path)
	}
	c := &chunkReader{path: path, f: f, err: errReporter}
	if compressed {
		c.r = snappy.NewReader(f)
	} else {
		c.r = bufio.NewReaderSize(f, 1<<20)
	}
	return c, nil
}

func (c *chunkReader) scan() bool {
	n, err := io.ReadFull(c.r, c.buf[:])
	if err == io.EOF {
		return false
	}
	if err != nil {
		c.err.Set(errors.E(errors.Integrity, err, fmt.Sprintf("jumpdb: short record (%d bytes) in %s", n, c.path)))
		return false
	}
	c.cur = hashPosition{
		key: kmer.Key(binary.LittleEndian.Uint64(c.buf[:])),
		pos: binary.LittleEndian.Uint32(c.buf[8:]),
	}
	return true
}

func (c *chunkReader) key() kmer.Key { return c.cur.key }
func (c *chunkReader) pos() uint32   { return c.cur.pos }
func (c *chunkReader) name() string  { return c.path }
func (c *chunkReader) close() error  { return c.f.Close() }
