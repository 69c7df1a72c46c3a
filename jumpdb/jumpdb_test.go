package jumpdb

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/grailbio/seedindex/hashregion"
	"github.com/grailbio/seedindex/kmer"
	"github.com/grailbio/seedindex/refseq"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newSource(t *testing.T, kv ...string) refseq.Source {
	var names []string
	var seqs [][]byte
	for i := 0; i < len(kv); i += 2 {
		names = append(names, kv[i])
		seqs = append(seqs, []byte(kv[i+1]))
	}
	src, err := refseq.NewSource(names, seqs)
	require.NoError(t, err)
	return src
}

func build(t *testing.T, stub string, opts Opts, src refseq.Source) {
	b, err := NewBuilder(stub, opts)
	require.NoError(t, err)
	defer b.Close() // nolint: errcheck
	require.NoError(t, b.HashReferenceSequences(src))
	require.NoError(t, b.BuildIndex())
}

func sorted(p []uint32) []uint32 {
	c := append([]uint32{}, p...)
	sort.Slice(c, func(i, j int) bool { return c[i] < c[j] })
	return c
}

// bruteForce returns the genome-wide positions of every k-mer in src.
func bruteForce(t *testing.T, src refseq.Source, hashSize int) map[kmer.Key][]uint32 {
	want := map[kmer.Key][]uint32{}
	lengths, err := refseq.Lengths(src)
	require.NoError(t, err)
	offsets := refseq.Offsets(lengths)
	for i := range src.SequenceNames() {
		seq, err := src.SequenceBases(i)
		require.NoError(t, err)
		for p := 0; p+hashSize <= len(seq); p++ {
			k, err := kmer.Hash(seq[p : p+hashSize])
			if err != nil {
				continue
			}
			want[k] = append(want[k], uint32(offsets[i])+uint32(p))
		}
	}
	return want
}

func TestKeyRoundTrip(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	stub := filepath.Join(tempDir, "db")
	build(t, stub, Opts{HashSize: 4, TmpDir: tempDir, Seed: 1}, newSource(t, "chr1", "ACGTACGTAC"))

	r, err := Open(stub, ReaderOpts{HashSize: 4})
	require.NoError(t, err)
	defer r.Close() // nolint: errcheck

	var sink hashregion.Slice
	occupancy, err := r.Lookup(kmer.MustHash("ACGT"), 7, &sink)
	require.NoError(t, err)
	expect.EQ(t, occupancy, 1.0)
	require.Len(t, sink, 2)
	sort.Slice(sink, func(i, j int) bool { return sink[i].Begin < sink[j].Begin })
	expect.EQ(t, sink[0], hashregion.Region{Begin: 0, End: 3, QueryBegin: 7, QueryEnd: 10})
	expect.EQ(t, sink[1], hashregion.Region{Begin: 4, End: 7, QueryBegin: 7, QueryEnd: 10})

	positions, occupancy, err := r.Positions(kmer.MustHash("TACG"))
	require.NoError(t, err)
	expect.EQ(t, positions, []uint32{3})
	expect.EQ(t, occupancy, 1.0)

	positions, occupancy, err = r.Positions(kmer.MustHash("TTTT"))
	require.NoError(t, err)
	expect.EQ(t, len(positions), 0)
	expect.EQ(t, occupancy, 1.0)

	_, _, err = r.Positions(kmer.Key(1 << 8))
	assert.Error(t, err)

	expect.EQ(t, r.Header().HashSize, 4)
	expect.EQ(t, r.Header().NumRefs, uint32(1))
	require.Len(t, r.References(), 1)
	expect.EQ(t, r.References()[0].NumHashes, uint32(4))
	expect.EQ(t, r.References()[0].BeginOffset, uint64(headerSize+refTableEntrySize))
}

func TestAllModesMatchBruteForce(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	src := newSource(t,
		"chr1", "GATTACAGATTACANNNNGATTACACCGGTTAACCGGTTAAXGATTACA",
		"chr2", "",
		"chr3", "TTTTTTTTTTACGTACGTJJACGTGATTACA",
	)
	const hashSize = 5
	want := bruteForce(t, src, hashSize)
	stub := filepath.Join(tempDir, "db")
	build(t, stub, Opts{HashSize: hashSize, TmpDir: tempDir, Seed: 1}, src)

	for _, opts := range []ReaderOpts{
		{HashSize: hashSize},
		{HashSize: hashSize, CacheSize: 4},
		{HashSize: hashSize, KeysInMemory: true},
		{HashSize: hashSize, PositionsInMemory: true, CacheSize: 16},
		{HashSize: hashSize, KeysInMemory: true, PositionsInMemory: true, CacheSize: 16},
	} {
		r, err := Open(stub, opts)
		require.NoError(t, err)
		lookups := uint64(0)
		for round := 0; round < 2; round++ {
			for k := kmer.Key(0); uint64(k) < numKeys(hashSize); k++ {
				positions, occupancy, err := r.Positions(k)
				require.NoError(t, err)
				lookups++
				expect.EQ(t, occupancy, 1.0)
				expect.EQ(t, sorted(positions), sorted(want[k]), "opts %+v key %s", opts, kmer.String(k, hashSize))
			}
		}
		hits, misses := r.CacheStatistics()
		if opts.CacheSize > 0 && !(opts.KeysInMemory && opts.PositionsInMemory) {
			expect.EQ(t, hits+misses, lookups)
		} else {
			expect.EQ(t, hits+misses, uint64(0))
		}
		require.NoError(t, r.Close())
	}
}

func TestSpillChunks(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	tmpDir := filepath.Join(tempDir, "tmp")
	require.NoError(t, os.Mkdir(tmpDir, 0755))
	src := newSource(t,
		"a", "ACGTTGCAACGTTGCATTTTACGAACGTAGGGTACCA",
		"b", "CCCCACGTTGCAGGGG",
	)
	const hashSize = 4
	want := bruteForce(t, src, hashSize)

	for _, compress := range []bool{true, false} {
		stub := filepath.Join(tempDir, "db")
		b, err := NewBuilder(stub, Opts{
			HashSize:           hashSize,
			SortMemory:         3 * hashPositionSize,
			TmpDir:             tmpDir,
			NoCompressTmpFiles: !compress,
			Seed:               1,
		})
		require.NoError(t, err)
		require.NoError(t, b.HashReferenceSequences(src))
		assert.True(t, len(b.refs[0].chunks) > 1)
		require.NoError(t, b.BuildIndex())
		require.NoError(t, b.Close())

		entries, err := ioutil.ReadDir(tmpDir)
		require.NoError(t, err)
		expect.EQ(t, len(entries), 0)

		r, err := Open(stub, ReaderOpts{HashSize: hashSize})
		require.NoError(t, err)
		for k, p := range want {
			got, _, err := r.Positions(k)
			require.NoError(t, err)
			expect.EQ(t, sorted(got), sorted(p))
		}
		require.NoError(t, r.Close())
	}
}

func TestCapAndOccupancy(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	src := newSource(t, "poly", "AAAAAAAAAACGT")
	stub := filepath.Join(tempDir, "db")
	build(t, stub, Opts{HashSize: 4, TmpDir: tempDir, Seed: 1}, src)
	polyA := kmer.MustHash("AAAA")

	for _, test := range []struct {
		max       int
		n         int
		occupancy float64
	}{
		{0, 7, 1},
		{3, 3, 3.0 / 7},
		{7, 7, 1},
		{10, 7, 1},
	} {
		for _, cache := range []int{0, 2} {
			r, err := Open(stub, ReaderOpts{HashSize: 4, MaxPositions: test.max, CacheSize: cache})
			require.NoError(t, err)
			for i := 0; i < 2; i++ {
				var tree hashregion.Tree
				occupancy, err := r.Lookup(polyA, 0, &tree)
				require.NoError(t, err)
				expect.EQ(t, tree.Len(), test.n)
				assert.InDelta(t, test.occupancy, occupancy, 1e-9)
			}
			require.NoError(t, r.Close())
		}
	}

	// A build-time cap is invisible to the reader.
	stub2 := filepath.Join(tempDir, "capped")
	build(t, stub2, Opts{HashSize: 4, TmpDir: tempDir, MaxHashPositions: 2, Seed: 3}, src)
	r, err := Open(stub2, ReaderOpts{HashSize: 4})
	require.NoError(t, err)
	defer r.Close() // nolint: errcheck
	positions, occupancy, err := r.Positions(polyA)
	require.NoError(t, err)
	expect.EQ(t, len(positions), 2)
	expect.EQ(t, occupancy, 1.0)
	for _, p := range positions {
		assert.True(t, p <= 6)
	}
}

func TestCapSamplesAllReferences(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	src := newSource(t, "a", "AAAAAAAAAA", "b", "AAAAAAAAAA", "c", "AAAAAAAAAA")
	polyA := kmer.MustHash("AAAA")
	laterRefs := 0
	for seed := int64(1); seed <= 5; seed++ {
		stub := filepath.Join(tempDir, fmt.Sprintf("db%d", seed))
		build(t, stub, Opts{HashSize: 4, TmpDir: tempDir, Seed: seed}, src)
		r, err := Open(stub, ReaderOpts{HashSize: 4, MaxPositions: 7})
		require.NoError(t, err)
		positions, occupancy, err := r.Positions(polyA)
		require.NoError(t, err)
		require.NoError(t, r.Close())
		expect.EQ(t, len(positions), 7)
		assert.InDelta(t, 1.0/3, occupancy, 1e-9)
		for _, p := range positions {
			assert.True(t, p < 27, "position %d", p)
			if p >= 10 {
				laterRefs++
			}
		}
	}
	assert.True(t, laterRefs > 0, "capped lookups only returned positions of the first reference")
}

func TestGlobalCoordinates(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	stub := filepath.Join(tempDir, "db")
	build(t, stub, Opts{HashSize: 4, TmpDir: tempDir, Seed: 1},
		newSource(t, "a", "ACGTA", "b", "GGACGT"))
	r, err := Open(stub, ReaderOpts{HashSize: 4, KeysInMemory: true, PositionsInMemory: true})
	require.NoError(t, err)
	defer r.Close() // nolint: errcheck
	positions, _, err := r.Positions(kmer.MustHash("ACGT"))
	require.NoError(t, err)
	expect.EQ(t, sorted(positions), []uint32{0, 7})
	refs := r.References()
	require.Len(t, refs, 2)
	expect.EQ(t, refs[0].NumHashes, uint32(2))
	expect.EQ(t, refs[1].NumHashes, uint32(3))
	expect.EQ(t, refs[1].BeginOffset, refs[0].EndOffset())
}

func TestOpenErrors(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	stub := filepath.Join(tempDir, "db")
	build(t, stub, Opts{HashSize: 4, TmpDir: tempDir, Seed: 1}, newSource(t, "a", "ACGTACGT"))

	_, err := Open(stub, ReaderOpts{HashSize: 5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash size 4")

	_, err = Open(stub, ReaderOpts{HashSize: 40})
	assert.Error(t, err)
	_, err = Open(filepath.Join(tempDir, "missing"), ReaderOpts{HashSize: 4})
	assert.Error(t, err)

	data, err := ioutil.ReadFile(MetaPath(stub))
	require.NoError(t, err)
	data[0] = 'X'
	require.NoError(t, ioutil.WriteFile(MetaPath(stub), data, 0644))
	_, err = Open(stub, ReaderOpts{HashSize: 4})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature")
}

func TestCorruptOffset(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	stub := filepath.Join(tempDir, "db")
	build(t, stub, Opts{HashSize: 4, TmpDir: tempDir, Seed: 1}, newSource(t, "a", "ACGTACGT"))

	keys, err := ioutil.ReadFile(KeysPath(stub))
	require.NoError(t, err)
	key := kmer.MustHash("ACGT")
	putUint40(keys[int(key)*KeyEntrySize:], 1000)
	require.NoError(t, ioutil.WriteFile(KeysPath(stub), keys, 0644))

	for _, inMemory := range []bool{false, true} {
		r, err := Open(stub, ReaderOpts{HashSize: 4, PositionsInMemory: inMemory})
		require.NoError(t, err)
		_, _, err = r.Positions(key)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "offset 1000")
		require.NoError(t, r.Close())
	}
}

func TestBuilderErrors(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	for _, n := range []int{3, 17, 33} {
		_, err := NewBuilder(filepath.Join(tempDir, "db"), Opts{HashSize: n})
		assert.Error(t, err, "hash size %d", n)
	}
	_, err := NewBuilder(filepath.Join(tempDir, "db"), Opts{HashSize: 4, MaxHashPositions: -1})
	assert.Error(t, err)

	// An unwritable temp directory fails the build and leaves nothing behind.
	stub := filepath.Join(tempDir, "db")
	b, err := NewBuilder(stub, Opts{HashSize: 4, TmpDir: filepath.Join(tempDir, "nonexistent")})
	require.NoError(t, err)
	assert.Error(t, b.HashReferenceSequences(newSource(t, "a", "ACGTACGT")))
	require.NoError(t, b.Close())
	for _, path := range []string{MetaPath(stub), KeysPath(stub), PositionsPath(stub)} {
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err), path)
	}
}

func TestFailedBuildCleansUp(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	tmpDir := filepath.Join(tempDir, "tmp")
	require.NoError(t, os.Mkdir(tmpDir, 0755))
	outDir := filepath.Join(tempDir, "out")
	require.NoError(t, os.Mkdir(outDir, 0755))
	stub := filepath.Join(outDir, "db")

	b, err := NewBuilder(stub, Opts{HashSize: 4, SortMemory: 3 * hashPositionSize, TmpDir: tmpDir, Seed: 1})
	require.NoError(t, err)
	require.NoError(t, b.HashReferenceSequences(newSource(t,
		"a", "ACGTTGCAACGTTGCATTTT",
		"b", "CCCCACGTTGCAGGGG")))
	require.True(t, len(b.refs[1].chunks) > 1)
	require.NoError(t, os.Remove(b.refs[1].chunks[0]))

	assert.Error(t, b.BuildIndex())
	entries, err := ioutil.ReadDir(tmpDir)
	require.NoError(t, err)
	expect.EQ(t, len(entries), 0)
	entries, err = ioutil.ReadDir(outDir)
	require.NoError(t, err)
	for _, e := range entries {
		t.Errorf("leftover output file %s", e.Name())
	}
	require.NoError(t, b.Close())
}

func TestInsufficientMemory(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	stub := filepath.Join(tempDir, "db")
	build(t, stub, Opts{HashSize: 4, TmpDir: tempDir, Seed: 1}, newSource(t, "a", "ACGTACGT"))

	saved := availableMemory
	defer func() { availableMemory = saved }()
	availableMemory = func() (uint64, error) { return 16, nil }

	for _, opts := range []ReaderOpts{
		{HashSize: 4, KeysInMemory: true},
		{HashSize: 4, PositionsInMemory: true},
	} {
		_, err := Open(stub, opts)
		require.Error(t, err)
		assert.True(t, IsInsufficientMemory(err), "%+v: %v", opts, err)
	}

	// Disk lookups need no memory check, and I/O errors are not reported as
	// insufficient memory.
	r, err := Open(stub, ReaderOpts{HashSize: 4})
	require.NoError(t, err)
	require.NoError(t, r.Close())
	_, err = Open(filepath.Join(tempDir, "missing"), ReaderOpts{HashSize: 4, KeysInMemory: true})
	require.Error(t, err)
	assert.False(t, IsInsufficientMemory(err))

	availableMemory = func() (uint64, error) { return 1 << 40, nil }
	expect.EQ(t, DefaultSortMemory(), maxSortMemory)
	availableMemory = func() (uint64, error) { return 1 << 20, nil }
	expect.EQ(t, DefaultSortMemory(), minSortMemory)
}

func TestHashReferenceFile(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	fa := filepath.Join(tempDir, "ref.fa")
	require.NoError(t, ioutil.WriteFile(fa, []byte(">x\nACGTAC\nGTAC\n"), 0644))
	stub := filepath.Join(tempDir, "db")
	b, err := NewBuilder(stub, Opts{HashSize: 4, TmpDir: tempDir})
	require.NoError(t, err)
	require.NoError(t, b.HashReferenceFile(context.Background(), fa))
	require.NoError(t, b.BuildIndex())
	require.NoError(t, b.Close())
	assert.Error(t, b.BuildIndex())

	r, err := Open(stub, ReaderOpts{HashSize: 4})
	require.NoError(t, err)
	defer r.Close() // nolint: errcheck
	positions, _, err := r.Positions(kmer.MustHash("ACGT"))
	require.NoError(t, err)
	expect.EQ(t, sorted(positions), []uint32{0, 4})
}

func TestConcurrentLookups(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	src := newSource(t, "a", "GATTACAGATTACACCGGTTAACCGGTTAAGATTACATTTTGGGGCCCCAAAA")
	const hashSize = 4
	want := bruteForce(t, src, hashSize)
	stub := filepath.Join(tempDir, "db")
	build(t, stub, Opts{HashSize: hashSize, TmpDir: tempDir, Seed: 1}, src)
	r, err := Open(stub, ReaderOpts{HashSize: hashSize, CacheSize: 8})
	require.NoError(t, err)
	defer r.Close() // nolint: errcheck

	var eg errgroup.Group
	const workers, rounds = 8, 50
	for w := 0; w < workers; w++ {
		eg.Go(func() error {
			for i := 0; i < rounds; i++ {
				for k, p := range want {
					got, _, err := r.Positions(k)
					if err != nil {
						return err
					}
					if !assert.Equal(t, sorted(p), sorted(got)) {
						return nil
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	hits, misses := r.CacheStatistics()
	expect.EQ(t, hits+misses, uint64(workers*rounds*len(want)))
}
