package main

// See doc.go for documentation
import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/seedindex/hashregion"
	"github.com/grailbio/seedindex/jumpdb"
	"github.com/grailbio/seedindex/kmer"
)

var (
	build  = flag.Bool("build", false, "Build the database at -db from -ref")
	lookup = flag.String("lookup", "", "Look up every k-mer of this sequence in -db")
	info   = flag.Bool("info", false, "Print the header and reference table of -db")

	dbStub     = flag.String("db", "", "Database path stub")
	refPath    = flag.String("ref", "", "Reference FASTA file")
	hashSize   = flag.Int("hash-size", jumpdb.DefaultOpts.HashSize, "k-mer length")
	maxPos     = flag.Int("max-positions", 0, "If >0, cap the positions stored (with -build) or returned (with -lookup) per key")
	sortMemory = flag.Int64("sort-memory", 0, "Bytes of hash positions buffered before spilling. 0 picks a size from available memory")
	tmpDir     = flag.String("tmp-dir", "", "Directory for temp files")
	noCompress = flag.Bool("no-compress-tmp-files", false, "Do not snappy-compress temp files")
	keysInMem  = flag.Bool("keys-in-memory", false, "Load the key table into memory")
	posInMem   = flag.Bool("positions-in-memory", false, "Load the positions into memory")
	cacheSize  = flag.Int("cache-size", 100000, "Number of keys kept in the lookup cache")
)

func buildDB() {
	if *refPath == "" {
		log.Fatal("-ref is required with -build")
	}
	b, err := jumpdb.NewBuilder(*dbStub, jumpdb.Opts{
		HashSize:           *hashSize,
		MaxHashPositions:   *maxPos,
		SortMemory:         *sortMemory,
		TmpDir:             *tmpDir,
		NoCompressTmpFiles: *noCompress,
	})
	if err != nil {
		log.Panicf("%v", err)
	}
	defer b.Close() // nolint: errcheck
	if err := b.HashReferenceFile(vcontext.Background(), *refPath); err != nil {
		log.Panicf("hash %s: %v", *refPath, err)
	}
	if err := b.BuildIndex(); err != nil {
		log.Panicf("build %s: %v", *dbStub, err)
	}
}

func openDB() *jumpdb.Reader {
	r, err := jumpdb.Open(*dbStub, jumpdb.ReaderOpts{
		HashSize:          *hashSize,
		MaxPositions:      *maxPos,
		KeysInMemory:      *keysInMem,
		PositionsInMemory: *posInMem,
		CacheSize:         *cacheSize,
	})
	if err != nil {
		log.Panicf("open %s: %v", *dbStub, err)
	}
	return r
}

func lookupSequence(seq string) {
	r := openDB()
	defer r.Close() // nolint: errcheck

	var (
		mu   sync.Mutex
		tree hashregion.Tree
	)
	n := len(seq) - *hashSize + 1
	if n <= 0 {
		log.Fatalf("sequence %q is shorter than the hash size %d", seq, *hashSize)
	}
	// Each window is looked up independently; the shared reader handles
	// the locking.
	parallelism := runtime.NumCPU()
	err := traverse.Each(parallelism, func(shard int) error {
		var hits hashregion.Slice
		for i := shard; i < n; i += parallelism {
			key, err := kmer.Hash([]byte(seq[i : i+*hashSize]))
			if err != nil {
				log.Debug.Printf("skipping window %d: %v", i, err)
				continue
			}
			occupancy, err := r.Lookup(key, uint32(i), &hits)
			if err != nil {
				return err
			}
			if occupancy < 1 {
				log.Printf("window %d: returned %.1f%% of the positions", i, occupancy*100)
			}
		}
		mu.Lock()
		for _, h := range hits {
			tree.Insert(h)
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		log.Panicf("lookup: %v", err)
	}
	for _, h := range tree.Regions() {
		fmt.Printf("%d\t%d\t%d\t%d\n", h.Begin, h.End, h.QueryBegin, h.QueryEnd)
	}
	hits, misses := r.CacheStatistics()
	log.Printf("%d regions, cache hits %d, misses %d", tree.Len(), hits, misses)
}

func printInfo() {
	r := openDB()
	defer r.Close() // nolint: errcheck
	h := r.Header()
	fmt.Printf("hash size\t%d\nbuilt\t%v\nreferences\t%d\nfingerprint\t%016x\n", h.HashSize, h.BuildTime, h.NumRefs, h.Fingerprint)
	for i, ref := range r.References() {
		fmt.Printf("%d\t%d\t%d\t%d\n", i, ref.BeginOffset, ref.Length, ref.NumHashes)
	}
}

func main() {
	shutdown := grail.Init()
	defer shutdown()

	if *dbStub == "" {
		fmt.Fprintln(os.Stderr, "-db is required")
		flag.Usage()
		os.Exit(1)
	}
	switch {
	case *build:
		buildDB()
	case *lookup != "":
		lookupSequence(*lookup)
	case *info:
		printInfo()
	default:
		flag.Usage()
		os.Exit(1)
	}
}
