// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package jumpdb builds and queries the jump database, an on-disk index from
// every k-mer of a genome to the positions where it occurs.
//
// A database with path stub S consists of three little-endian files.
//
// S_meta.jmp
//
//   offset  size  field
//   0       7     signature "MSKJMP\0"
//   7       1     hash size
//   8       8     build time, unix seconds
//   16      4     number of reference sequences N
//   20      8     fingerprint of reference names and lengths (farmhash)
//   28      22    reserved, zero
//   50      20*N  reference table: (beginOffset u64, length u64, numHashes u32)
//   ...           per-reference entry streams
//
// Each entry stream is a sequence of (key u64, count u32, pos u32 * count)
// sorted by key, with positions relative to the start of the reference.
// beginOffset and length locate the stream in S_meta.jmp.
//
// S_keys.jmp holds 4^hashSize 5-byte offsets into S_positions.jmp, indexed
// by key. An offset of 0xFFFFFFFFFF means the key does not occur.
//
// S_positions.jmp holds (count u32, pos u32 * count) records. Positions are
// genome-wide: the position within a reference plus the total length of all
// preceding references.
package jumpdb

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/seedindex/kmer"
)

const (
	// Signature starts every meta file.
	Signature = "MSKJMP\x00"

	headerSize        = 50
	refTableEntrySize = 20
	// KeyEntrySize is the width of one key table slot.
	KeyEntrySize = 5
	absentOffset = uint64(0xFFFFFFFFFF)
	maxOffset    = absentOffset - 1

	// MaxTableHashSize bounds the hash size of a database, since the key table
	// has 4^hashSize slots.
	MaxTableHashSize = 16

	metaSuffix      = "_meta.jmp"
	keysSuffix      = "_keys.jmp"
	positionsSuffix = "_positions.jmp"
)

// MetaPath returns the path of the meta file for stub.
func MetaPath(stub string) string { return stub + metaSuffix }

// KeysPath returns the path of the key table file for stub.
func KeysPath(stub string) string { return stub + keysSuffix }

// PositionsPath returns the path of the position file for stub.
func PositionsPath(stub string) string { return stub + positionsSuffix }

// Header is the fixed part of a meta file.
type Header struct {
	HashSize    int
	BuildTime   time.Time
	NumRefs     uint32
	Fingerprint uint64
}

// RefIndexEntry locates one reference's entry stream in the meta file.
type RefIndexEntry struct {
	BeginOffset uint64
	Length      uint64
	NumHashes   uint32
}

// EndOffset is the offset just past the reference's stream.
func (e RefIndexEntry) EndOffset() uint64 { return e.BeginOffset + e.Length }

// IndexEntry is one grouped record of a reference stream.
type IndexEntry struct {
	Key       kmer.Key
	Positions []uint32
}

func validateTableHashSize(n int) error {
	if err := kmer.ValidateSize(n); err != nil {
		return err
	}
	if n > MaxTableHashSize {
		return errors.E(errors.Invalid, fmt.Sprintf("jumpdb: hash size %d exceeds the key table limit %d", n, MaxTableHashSize))
	}
	return nil
}

func numKeys(hashSize int) uint64 { return uint64(1) << uint(2*hashSize) }

func (h Header) marshal() []byte {
	buf := make([]byte, headerSize)
	copy(buf, Signature)
	buf[7] = byte(h.HashSize)
	binary.LittleEndian.PutUint64(buf[8:], uint64(h.BuildTime.Unix()))
	binary.LittleEndian.PutUint32(buf[16:], h.NumRefs)
	binary.LittleEndian.PutUint64(buf[20:], h.Fingerprint)
	return buf
}

func unmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < headerSize {
		return Header{}, errors.E(errors.Integrity, fmt.Sprintf("jumpdb: header is %d bytes, want %d", len(buf), headerSize))
	}
	if string(buf[:len(Signature)]) != Signature {
		return Header{}, errors.E(errors.Integrity, fmt.Sprintf("jumpdb: bad signature %q", buf[:len(Signature)]))
	}
	return Header{
		HashSize:    int(buf[7]),
		BuildTime:   time.Unix(int64(binary.LittleEndian.Uint64(buf[8:])), 0),
		NumRefs:     binary.LittleEndian.Uint32(buf[16:]),
		Fingerprint: binary.LittleEndian.Uint64(buf[20:]),
	}, nil
}

func putUint40(buf []byte, v uint64) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
	buf[4] = byte(v >> 32)
}

func uint40(buf []byte) uint64 {
	return uint64(buf[0]) | uint64(buf[1])<<8 | uint64(buf[2])<<16 |
		uint64(buf[3])<<24 | uint64(buf[4])<<32
}
