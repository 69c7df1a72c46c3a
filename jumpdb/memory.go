package jumpdb

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/shirou/gopsutil/mem"
	"golang.org/x/sys/unix"
)

const (
	// maxSortMemory is the largest default sort buffer.
	maxSortMemory = int64(2) << 30
	minSortMemory = int64(64) << 20
)

// ErrInsufficientMemory is returned, wrapped, when a table does not fit in
// the memory currently available.
var ErrInsufficientMemory = errors.New("jumpdb: insufficient memory")

// availableMemory reports the bytes of memory that can be allocated without
// swapping. Tests replace it.
var availableMemory = func() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

// IsInsufficientMemory reports whether err was caused by
// ErrInsufficientMemory.
func IsInsufficientMemory(err error) bool {
	for err != nil {
		if err == ErrInsufficientMemory {
			return true
		}
		e, ok := err.(*errors.Error)
		if !ok {
			return false
		}
		err = e.Err
	}
	return false
}

// DefaultSortMemory returns a quarter of the available memory, clamped to
// [64MiB, 2GiB].
func DefaultSortMemory() int64 {
	avail, err := availableMemory()
	if err != nil {
		log.Error.Printf("jumpdb: cannot read available memory, using %s: %v", humanize.IBytes(uint64(maxSortMemory)), err)
		return maxSortMemory
	}
	n := int64(avail / 4)
	if n > maxSortMemory {
		n = maxSortMemory
	}
	if n < minSortMemory {
		n = minSortMemory
	}
	return n
}

// checkMemory verifies that size bytes can be allocated for what.
func checkMemory(size uint64, what string) error {
	avail, err := availableMemory()
	if err != nil {
		log.Debug.Printf("jumpdb: skipping memory check for %s: %v", what, err)
		return nil
	}
	if size > avail {
		return errors.E(ErrInsufficientMemory, fmt.Sprintf("loading %s needs %s, %s available",
			what, humanize.IBytes(size), humanize.IBytes(avail)))
	}
	return nil
}

// allocTable returns size bytes of anonymous memory outside the Go heap.
// Transparent hugepages are requested for the region, since key lookups
// are random. The returned function releases the memory.
func allocTable(size int) ([]byte, func() error, error) {
	if size == 0 {
		return nil, func() error { return nil }, nil
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, errors.E(ErrInsufficientMemory, fmt.Sprintf("mmap %s: %v", humanize.IBytes(uint64(size)), err))
	}
	if err := unix.Madvise(data, unix.MADV_HUGEPAGE); err != nil {
		log.Debug.Printf("jumpdb: madvise hugepage: %v", err)
	}
	return data, func() error { return unix.Munmap(data) }, nil
}
