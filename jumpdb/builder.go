package jumpdb

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/seedindex/kmer"
	"github.com/grailbio/seedindex/refseq"
	"v.io/x/lib/vlog"
)

// Opts controls how a database is built.
type Opts struct {
	// HashSize is the k-mer length. It must be in [4,16].
	HashSize int
	// MaxHashPositions caps the number of positions stored per key and
	// reference. Keys occurring more often keep a random subset. Zero means
	// no cap.
	MaxHashPositions int
	// SortMemory is the number of bytes of hash positions buffered before they
	// are sorted and spilled to a temp file. Zero means DefaultSortMemory().
	SortMemory int64
	// TmpDir is where spilled chunks go. Empty means os.TempDir().
	TmpDir string
	// NoCompressTmpFiles disables snappy compression of spilled chunks.
	NoCompressTmpFiles bool
	// Seed seeds the shuffle of each key's positions. Zero means a seed derived
	// from the current time.
	Seed int64
	// TempFiles overrides how temp file paths are chosen. If nil,
	// DirTempFiles(TmpDir) is used.
	TempFiles TempFileProvider
}

// DefaultOpts is the default build configuration.
var DefaultOpts = Opts{
	HashSize: 15,
}

// refState tracks one reference between hashing and BuildIndex.
type refState struct {
	name   string
	length uint64
	chunks []string
	entry  RefIndexEntry
}

// Builder creates a jump database. Typical use:
//
//   b, err := jumpdb.NewBuilder("genome", jumpdb.DefaultOpts)
//   ...
//   defer b.Close()
//   err = b.HashReferenceSequences(src)
//   err = b.BuildIndex()
//
// Nothing is visible at the final paths until BuildIndex succeeds.
// A Builder is not safe for concurrent use.
type Builder struct {
	opts       Opts
	stub       string
	tmp        TempFileProvider
	maxRecords int
	rng        *rand.Rand

	refs    []*refState
	buf     []hashPosition
	scanner *kmer.Scanner
	staged  map[string]string // final path -> staging path, until renamed.
	built   bool
}

// NewBuilder validates opts and creates a builder for the database at stub.
func NewBuilder(stub string, opts Opts) (*Builder, error) {
	if err := validateTableHashSize(opts.HashSize); err != nil {
		return nil, err
	}
	if opts.MaxHashPositions < 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("jumpdb: negative MaxHashPositions %d", opts.MaxHashPositions))
	}
	if opts.SortMemory <= 0 {
		opts.SortMemory = DefaultSortMemory()
	}
	maxRecords := opts.SortMemory / hashPositionSize
	if maxRecords < 1 {
		maxRecords = 1
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	tmp := opts.TempFiles
	if tmp == nil {
		tmp = DirTempFiles(opts.TmpDir)
	}
	log.Printf("jumpdb: building %s, hash size %d, sort buffer %s", stub, opts.HashSize,
		humanize.IBytes(uint64(opts.SortMemory)))
	return &Builder{
		opts:       opts,
		stub:       stub,
		tmp:        tmp,
		maxRecords: int(maxRecords),
		rng:        rand.New(rand.NewSource(opts.Seed)),
		scanner:    kmer.NewScanner(opts.HashSize),
	}, nil
}

// HashReferenceFile hashes every sequence of the FASTA file at path.
func (b *Builder) HashReferenceFile(ctx context.Context, path string) error {
	src, err := refseq.Open(ctx, path)
	if err != nil {
		return err
	}
	return b.HashReferenceSequences(src)
}

// HashReferenceSequences hashes every window of every sequence in src and
// spills the sorted positions to temp files. It may be called more than
// once; references accumulate in call order.
func (b *Builder) HashReferenceSequences(src refseq.Source) error {
	if b.built {
		return errors.E(errors.Invalid, "jumpdb: HashReferenceSequences after BuildIndex")
	}
	names := src.SequenceNames()
	lengths, err := refseq.Lengths(src)
	if err != nil {
		return err
	}
	for i, n := range lengths {
		if n > math.MaxUint32 {
			return errors.E(errors.Invalid, fmt.Sprintf("jumpdb: reference %s has %d bases, more than a position can address", names[i], n))
		}
	}
	for i, name := range names {
		seq, err := src.SequenceBases(i)
		if err != nil {
			return err
		}
		ref := &refState{name: name, length: lengths[i]}
		b.refs = append(b.refs, ref)
		b.scanner.Reset(seq)
		for b.scanner.Scan() {
			pos, key := b.scanner.Get()
			b.buf = append(b.buf, hashPosition{key: key, pos: uint32(pos)})
			if len(b.buf) >= b.maxRecords {
				if err := b.spill(ref); err != nil {
					return err
				}
			}
		}
		if err := b.spill(ref); err != nil {
			return err
		}
		log.Debug.Printf("jumpdb: hashed %s (%d bases, %d chunks)", name, len(seq), len(ref.chunks))
	}
	return nil
}

func (b *Builder) spill(ref *refState) error {
	if len(b.buf) == 0 {
		return nil
	}
	path, err := b.tmp.GetTemporaryFilename()
	if err != nil {
		return errors.E(err, "jumpdb: temp file")
	}
	ref.chunks = append(ref.chunks, path)
	if err := writeChunk(path, b.buf, !b.opts.NoCompressTmpFiles); err != nil {
		return err
	}
	b.buf = b.buf[:0]
	return nil
}

// removeChunks deletes the temp files of ref.
func (b *Builder) removeChunks(ref *refState) {
	for _, path := range ref.chunks {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			vlog.Errorf("jumpdb: failed to remove temp file %s: %v", path, err)
		}
	}
	ref.chunks = nil
}

// BuildIndex merges the hashed references and writes the database files.
// Temp files are removed whether or not it succeeds.
func (b *Builder) BuildIndex() (err error) {
	if b.built {
		return errors.E(errors.Invalid, "jumpdb: BuildIndex called twice")
	}
	b.built = true
	b.buf = nil
	defer func() {
		for _, ref := range b.refs {
			b.removeChunks(ref)
		}
		if err != nil {
			b.removeStaged()
		}
	}()
	names := make([]string, len(b.refs))
	lengths := make([]uint64, len(b.refs))
	for i, ref := range b.refs {
		names[i], lengths[i] = ref.name, ref.length
	}
	offsets := refseq.Offsets(lengths)
	if offsets[len(b.refs)] > math.MaxUint32+1 {
		return errors.E(errors.Invalid, fmt.Sprintf("jumpdb: genome length %d exceeds 32-bit positions", offsets[len(b.refs)]))
	}
	header := Header{
		HashSize:    b.opts.HashSize,
		BuildTime:   time.Now(),
		NumRefs:     uint32(len(b.refs)),
		Fingerprint: refseq.Fingerprint(names, lengths),
	}
	if err := b.write(header, offsets); err != nil {
		return err
	}
	// The meta file goes last: a database is only recognized once it exists.
	for _, final := range []string{PositionsPath(b.stub), KeysPath(b.stub), MetaPath(b.stub)} {
		staged := b.staged[final]
		if err := os.Rename(staged, final); err != nil {
			return errors.E(err, "jumpdb: rename", staged, final)
		}
		delete(b.staged, final)
	}
	log.Printf("jumpdb: wrote %s (%d references)", b.stub, len(b.refs))
	return nil
}

// stage creates the staging file for the output at final.
func (b *Builder) stage(final string) (*os.File, error) {
	path := stagingPath(final)
	if b.staged == nil {
		b.staged = map[string]string{}
	}
	b.staged[final] = path
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.E(err, "jumpdb: create", path)
	}
	return f, nil
}

func (b *Builder) write(header Header, offsets []uint64) (err error) {
	meta, err := b.stage(MetaPath(b.stub))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := meta.Close(); cerr != nil && err == nil {
			err = errors.E(cerr, "jumpdb: close", meta.Name())
		}
	}()
	if err := b.writeMeta(meta, header); err != nil {
		return err
	}
	return b.writeTables(meta, offsets)
}

// writeMeta writes the header, the reference table and the entry stream of
// every reference into meta.
func (b *Builder) writeMeta(meta *os.File, header Header) error {
	tableSize := refTableEntrySize * len(b.refs)
	w := bufio.NewWriterSize(meta, 1<<20)
	if _, err := w.Write(header.marshal()); err != nil {
		return errors.E(err, "jumpdb: write header", meta.Name())
	}
	if _, err := w.Write(make([]byte, tableSize)); err != nil {
		return errors.E(err, "jumpdb: write reference table", meta.Name())
	}
	offset := uint64(headerSize + tableSize)
	var (
		buf    byteBuffer
		group  []uint32
		cur    kmer.Key
		errRep errors.Once
	)
	for _, ref := range b.refs {
		ref.entry = RefIndexEntry{BeginOffset: offset}
		flush := func() error {
			if len(group) == 0 {
				return nil
			}
			b.rng.Shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })
			if max := b.opts.MaxHashPositions; max > 0 && len(group) > max {
				group = group[:max]
			}
			buf.reset()
			buf.putEntry(uint64(cur), group)
			if _, err := w.Write(buf); err != nil {
				return errors.E(err, "jumpdb: write", meta.Name())
			}
			offset += uint64(len(buf))
			ref.entry.NumHashes++
			group = group[:0]
			return nil
		}
		cursors := make([]cursor, 0, len(ref.chunks))
		readers := make([]*chunkReader, 0, len(ref.chunks))
		for _, path := range ref.chunks {
			r, err := newChunkReader(path, !b.opts.NoCompressTmpFiles, &errRep)
			if err != nil {
				closeChunkReaders(readers)
				return err
			}
			readers = append(readers, r)
			cursors = append(cursors, r)
		}
		mergeCursors(cursors, func(_ int, c cursor) bool {
			if len(group) > 0 && c.key() != cur {
				if err := flush(); err != nil {
					errRep.Set(err)
					return false
				}
			}
			cur = c.key()
			group = append(group, c.pos())
			return true
		})
		if errRep.Err() == nil {
			errRep.Set(flush())
		}
		closeChunkReaders(readers)
		b.removeChunks(ref)
		if err := errRep.Err(); err != nil {
			return err
		}
		ref.entry.Length = offset - ref.entry.BeginOffset
		vlog.VI(1).Infof("Reference %s: %d keys, %d bytes", ref.name, ref.entry.NumHashes, ref.entry.Length)
	}
	if err := w.Flush(); err != nil {
		return errors.E(err, "jumpdb: flush", meta.Name())
	}
	table := make([]byte, tableSize)
	for i, ref := range b.refs {
		e := table[i*refTableEntrySize:]
		binary.LittleEndian.PutUint64(e, ref.entry.BeginOffset)
		binary.LittleEndian.PutUint64(e[8:], ref.entry.Length)
		binary.LittleEndian.PutUint32(e[16:], ref.entry.NumHashes)
	}
	if _, err := meta.WriteAt(table, headerSize); err != nil {
		return errors.E(err, "jumpdb: patch reference table", meta.Name())
	}
	return nil
}

func closeChunkReaders(readers []*chunkReader) {
	for _, r := range readers {
		if err := r.close(); err != nil {
			vlog.Errorf("jumpdb: close %s: %v", r.path, err)
		}
	}
}

// writeTables merges the per-reference streams of meta into the key table
// and the position file.
func (b *Builder) writeTables(meta *os.File, offsets []uint64) (err error) {
	keysFile, err := b.stage(KeysPath(b.stub))
	if err != nil {
		return err
	}
	posFile, err := b.stage(PositionsPath(b.stub))
	if err != nil {
		keysFile.Close() // nolint: errcheck
		return err
	}
	keysPath, posPath := keysFile.Name(), posFile.Name()
	var once errors.Once
	defer func() {
		once.Set(keysFile.Close())
		once.Set(posFile.Close())
		if err == nil {
			err = once.Err()
		}
	}()
	keysW := bufio.NewWriterSize(keysFile, 1<<20)
	posW := bufio.NewWriterSize(posFile, 1<<20)

	var (
		errRep    errors.Once
		nextKey   uint64 // next key table slot to write
		posOffset uint64
		group     []uint32
		cur       kmer.Key
		keyBuf    byteBuffer
		posBuf    byteBuffer
	)
	fillAbsent := func(limit uint64) error {
		keyBuf.reset()
		for ; nextKey < limit; nextKey++ {
			keyBuf.putUint40(absentOffset)
			if len(keyBuf) >= 1<<16 {
				if _, err := keysW.Write(keyBuf); err != nil {
					return err
				}
				keyBuf.reset()
			}
		}
		_, err := keysW.Write(keyBuf)
		return err
	}
	flush := func() error {
		if len(group) == 0 {
			return nil
		}
		if err := fillAbsent(uint64(cur)); err != nil {
			return errors.E(err, "jumpdb: write", keysPath)
		}
		if posOffset > maxOffset {
			return errors.E(errors.Invalid, fmt.Sprintf("jumpdb: position file offset %d exceeds 40 bits", posOffset))
		}
		keyBuf.reset()
		keyBuf.putUint40(posOffset)
		if _, err := keysW.Write(keyBuf); err != nil {
			return errors.E(err, "jumpdb: write", keysPath)
		}
		nextKey++
		// Positions arrive grouped by reference; mix them so that a capped
		// read samples the whole genome.
		b.rng.Shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })
		posBuf.reset()
		posBuf.putPositions(group)
		if _, err := posW.Write(posBuf); err != nil {
			return errors.E(err, "jumpdb: write", posPath)
		}
		posOffset += uint64(len(posBuf))
		group = group[:0]
		return nil
	}

	cursors := make([]cursor, len(b.refs))
	for i, ref := range b.refs {
		r := io.NewSectionReader(meta, int64(ref.entry.BeginOffset), int64(ref.entry.Length))
		cursors[i] = newEntryReader(ref.name, bufio.NewReaderSize(r, 1<<20), &errRep)
	}
	mergeCursors(cursors, func(seq int, c cursor) bool {
		if len(group) > 0 && c.key() != cur {
			if err := flush(); err != nil {
				errRep.Set(err)
				return false
			}
		}
		cur = c.key()
		for _, p := range c.(*entryReader).cur.Positions {
			group = append(group, uint32(offsets[seq]+uint64(p)))
		}
		return true
	})
	if err := errRep.Err(); err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}
	if err := fillAbsent(numKeys(b.opts.HashSize)); err != nil {
		return errors.E(err, "jumpdb: write", keysPath)
	}
	if err := keysW.Flush(); err != nil {
		return errors.E(err, "jumpdb: flush", keysPath)
	}
	if err := posW.Flush(); err != nil {
		return errors.E(err, "jumpdb: flush", posPath)
	}
	log.Debug.Printf("jumpdb: position file %s", humanize.IBytes(posOffset))
	return nil
}

func (b *Builder) removeStaged() {
	for _, path := range b.staged {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			vlog.Errorf("jumpdb: failed to remove %s: %v", path, err)
		}
	}
	b.staged = nil
}

// Close releases all temp files. Calling Close after a successful BuildIndex
// is harmless.
func (b *Builder) Close() error {
	for _, ref := range b.refs {
		b.removeChunks(ref)
	}
	b.removeStaged()
	b.buf = nil
	return nil
}
