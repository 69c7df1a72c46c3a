package jumpdb

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/seedindex/hashregion"
	"github.com/grailbio/seedindex/kmer"
)

// ReaderOpts controls how a database is opened.
type ReaderOpts struct {
	// HashSize must match the hash size the database was built with.
	HashSize int
	// MaxPositions caps the positions returned per key. Zero means no cap.
	MaxPositions int
	// KeysInMemory loads the whole key table at open time.
	KeysInMemory bool
	// PositionsInMemory loads the whole position file at open time.
	PositionsInMemory bool
	// CacheSize is the number of keys kept by the MRU cache. The cache is not
	// used when it is zero or when both tables are in memory.
	CacheSize int
}

// Reader looks up keys in a jump database. It is safe for concurrent use.
// The key table, the position file and the cache each have their own lock,
// and a lookup never holds two of them at once.
type Reader struct {
	opts    ReaderOpts
	header  Header
	refs    []RefIndexEntry
	numKeys uint64

	keysMu    sync.Mutex
	keysFile  *os.File
	keys      []byte // non-nil iff the key table is in memory.
	freeKeys  func() error
	keyBuf    [KeyEntrySize]byte
	keysBytes int64

	posMu     sync.Mutex
	posFile   *os.File
	positions []byte // non-nil iff positions are in memory.
	posBytes  int64
	posBuf    []byte

	cache *MRUCache
}

// Open opens the database at stub. The hash size recorded in the database
// must equal opts.HashSize.
func Open(stub string, opts ReaderOpts) (_ *Reader, err error) {
	if err := validateTableHashSize(opts.HashSize); err != nil {
		return nil, err
	}
	if opts.MaxPositions < 0 || opts.CacheSize < 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("jumpdb: invalid reader options %+v", opts))
	}
	r := &Reader{opts: opts, numKeys: numKeys(opts.HashSize)}
	defer func() {
		if err != nil {
			r.Close() // nolint: errcheck
		}
	}()
	if err := r.readMeta(MetaPath(stub)); err != nil {
		return nil, err
	}

	if r.keysFile, r.keysBytes, err = openSized(KeysPath(stub)); err != nil {
		return nil, err
	}
	if want := int64(r.numKeys * KeyEntrySize); r.keysBytes != want {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("jumpdb: key table %s is %d bytes, want %d",
			KeysPath(stub), r.keysBytes, want))
	}
	if r.posFile, r.posBytes, err = openSized(PositionsPath(stub)); err != nil {
		return nil, err
	}

	if opts.KeysInMemory {
		if err := checkMemory(uint64(r.keysBytes), "key table"); err != nil {
			return nil, err
		}
		if r.keys, r.freeKeys, err = allocTable(int(r.keysBytes)); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(r.keysFile, r.keys); err != nil {
			return nil, errors.E(err, "jumpdb: load", KeysPath(stub))
		}
		log.Printf("jumpdb: loaded key table (%s)", humanize.IBytes(uint64(r.keysBytes)))
	}
	if opts.PositionsInMemory {
		if err := checkMemory(uint64(r.posBytes), "position file"); err != nil {
			return nil, err
		}
		if r.positions, err = ioutil.ReadAll(r.posFile); err != nil {
			return nil, errors.E(err, "jumpdb: load", PositionsPath(stub))
		}
		if r.positions == nil {
			r.positions = []byte{}
		}
		log.Printf("jumpdb: loaded positions (%s)", humanize.IBytes(uint64(r.posBytes)))
	}
	if opts.CacheSize > 0 && !(opts.KeysInMemory && opts.PositionsInMemory) {
		if r.cache, err = NewMRUCache(opts.CacheSize); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func openSized(path string) (*os.File, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.E(err, "jumpdb: open", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close() // nolint: errcheck
		return nil, 0, errors.E(err, "jumpdb: stat", path)
	}
	return f, info.Size(), nil
}

func (r *Reader) readMeta(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.E(err, "jumpdb: open", path)
	}
	defer f.Close() // nolint: errcheck
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return errors.E(errors.Integrity, err, "jumpdb: read header", path)
	}
	if r.header, err = unmarshalHeader(buf); err != nil {
		return errors.E(err, path)
	}
	if r.header.HashSize != r.opts.HashSize {
		return errors.E(errors.Invalid, fmt.Sprintf("jumpdb: %s was built with hash size %d, but hash size %d was requested",
			path, r.header.HashSize, r.opts.HashSize))
	}
	table := make([]byte, refTableEntrySize*int(r.header.NumRefs))
	if _, err := io.ReadFull(f, table); err != nil {
		return errors.E(errors.Integrity, err, "jumpdb: read reference table", path)
	}
	r.refs = make([]RefIndexEntry, r.header.NumRefs)
	for i := range r.refs {
		e := table[i*refTableEntrySize:]
		r.refs[i] = RefIndexEntry{
			BeginOffset: binary.LittleEndian.Uint64(e),
			Length:      binary.LittleEndian.Uint64(e[8:]),
			NumHashes:   binary.LittleEndian.Uint32(e[16:]),
		}
	}
	return nil
}

// Header returns the database header.
func (r *Reader) Header() Header { return r.header }

// References returns the reference table of the database.
func (r *Reader) References() []RefIndexEntry { return r.refs }

// Lookup inserts into sink one region for every stored position of key,
// anchored at queryPos. It returns the fraction of the key's positions that
// were returned, which is below one only when MaxPositions truncated them.
func (r *Reader) Lookup(key kmer.Key, queryPos uint32, sink hashregion.Sink) (occupancy float64, err error) {
	positions, occupancy, err := r.Positions(key)
	if err != nil {
		return 0, err
	}
	span := uint32(r.opts.HashSize - 1)
	for _, p := range positions {
		sink.Insert(hashregion.Region{
			Begin:      p,
			End:        p + span,
			QueryBegin: queryPos,
			QueryEnd:   queryPos + span,
		})
	}
	return occupancy, nil
}

// Positions returns the genome positions stored for key, and the occupancy
// as in Lookup. The returned slice must not be modified.
func (r *Reader) Positions(key kmer.Key) ([]uint32, float64, error) {
	if uint64(key) >= r.numKeys {
		return nil, 0, errors.E(errors.Invalid, fmt.Sprintf("jumpdb: key %#x out of range for hash size %d", key, r.opts.HashSize))
	}
	if r.cache != nil {
		if positions, occupancy, ok := r.cache.Get(key); ok {
			return positions, occupancy, nil
		}
	}
	offset, err := r.keyOffset(key)
	if err != nil {
		return nil, 0, err
	}
	var (
		positions []uint32
		occupancy = 1.0
	)
	if offset != absentOffset {
		if positions, occupancy, err = r.readPositions(key, offset); err != nil {
			return nil, 0, err
		}
	}
	if r.cache != nil {
		r.cache.Insert(key, positions, occupancy)
	}
	return positions, occupancy, nil
}

func (r *Reader) keyOffset(key kmer.Key) (uint64, error) {
	off := int64(key) * KeyEntrySize
	if r.keys != nil {
		return uint40(r.keys[off:]), nil
	}
	r.keysMu.Lock()
	defer r.keysMu.Unlock()
	if _, err := r.keysFile.Seek(off, io.SeekStart); err != nil {
		return 0, errors.E(err, "jumpdb: seek key table", r.keysFile.Name())
	}
	if _, err := io.ReadFull(r.keysFile, r.keyBuf[:]); err != nil {
		return 0, errors.E(errors.Integrity, err, fmt.Sprintf("jumpdb: read key %#x at offset %d of %s", key, off, r.keysFile.Name()))
	}
	return uint40(r.keyBuf[:]), nil
}

func (r *Reader) capCount(count int) (int, float64) {
	if max := r.opts.MaxPositions; max > 0 && count > max {
		return max, float64(max) / float64(count)
	}
	return count, 1.0
}

func (r *Reader) readPositions(key kmer.Key, offset uint64) ([]uint32, float64, error) {
	size := uint64(r.posBytes)
	if offset+4 > size {
		return nil, 0, errors.E(errors.Integrity, fmt.Sprintf("jumpdb: key %#x: position offset %d exceeds position file size %d", key, offset, size))
	}
	if r.positions != nil {
		count := int(binary.LittleEndian.Uint32(r.positions[offset:]))
		if end := offset + 4 + 4*uint64(count); end > size {
			return nil, 0, errors.E(errors.Integrity, fmt.Sprintf("jumpdb: key %#x: %d positions at offset %d exceed position file size %d", key, count, offset, size))
		}
		n, occupancy := r.capCount(count)
		b := byteBuffer(r.positions[offset+4:])
		positions := make([]uint32, n)
		for i := range positions {
			positions[i] = b.uint32()
		}
		return positions, occupancy, nil
	}

	r.posMu.Lock()
	defer r.posMu.Unlock()
	if _, err := r.posFile.Seek(int64(offset), io.SeekStart); err != nil {
		return nil, 0, errors.E(err, "jumpdb: seek", r.posFile.Name())
	}
	resizeBuf(&r.posBuf, 4)
	if _, err := io.ReadFull(r.posFile, r.posBuf); err != nil {
		return nil, 0, errors.E(errors.Integrity, err, fmt.Sprintf("jumpdb: key %#x: read count at offset %d", key, offset))
	}
	count := int(binary.LittleEndian.Uint32(r.posBuf))
	if end := offset + 4 + 4*uint64(count); end > size {
		return nil, 0, errors.E(errors.Integrity, fmt.Sprintf("jumpdb: key %#x: %d positions at offset %d exceed position file size %d", key, count, offset, size))
	}
	n, occupancy := r.capCount(count)
	resizeBuf(&r.posBuf, 4*n)
	if _, err := io.ReadFull(r.posFile, r.posBuf); err != nil {
		return nil, 0, errors.E(errors.Integrity, err, fmt.Sprintf("jumpdb: key %#x: read %d positions at offset %d", key, n, offset))
	}
	b := byteBuffer(r.posBuf)
	positions := make([]uint32, n)
	for i := range positions {
		positions[i] = b.uint32()
	}
	return positions, occupancy, nil
}

// CacheStatistics returns the cache hit and miss counts. Both are zero when
// the cache is disabled.
func (r *Reader) CacheStatistics() (hits, misses uint64) {
	if r.cache == nil {
		return 0, 0
	}
	return r.cache.Statistics()
}

// Close releases the files and memory held by r.
func (r *Reader) Close() error {
	var once errors.Once
	if r.keysFile != nil {
		once.Set(r.keysFile.Close())
		r.keysFile = nil
	}
	if r.posFile != nil {
		once.Set(r.posFile.Close())
		r.posFile = nil
	}
	if r.freeKeys != nil {
		once.Set(r.freeKeys())
		r.freeKeys = nil
	}
	r.keys, r.positions = nil, nil
	return once.Err()
}
