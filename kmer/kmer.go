// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package kmer packs short DNA fragments into integer keys. Each base
// occupies two bits (A=0, C=1, G=2, T=3), most significant base first, so a
// key for a fragment of up to 32 bases fits in a uint64.
package kmer

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

const (
	// MinSize is the smallest supported fragment length.
	MinSize = 4
	// MaxSize is the largest fragment length that fits in a Key.
	MaxSize = 32

	invalidBits = uint8(255)
)

// Key is the 2-bit packed encoding of a fragment.
type Key uint64

var (
	// Indexed by base-'A'. Only the four canonical bases are recognized.
	baseToBits [26]uint8
	bitsToBase = [4]byte{'A', 'C', 'G', 'T'}
)

func init() {
	for i := range baseToBits {
		baseToBits[i] = invalidBits
	}
	baseToBits['A'-'A'] = 0
	baseToBits['C'-'A'] = 1
	baseToBits['G'-'A'] = 2
	baseToBits['T'-'A'] = 3
}

// Bits returns the 2-bit code of base b, and false if b is not one of
// A, C, G or T.
func Bits(b byte) (uint8, bool) {
	if b < 'A' || b > 'Z' {
		return 0, false
	}
	v := baseToBits[b-'A']
	return v, v != invalidBits
}

// ValidateSize checks that fragments of length n can be hashed.
func ValidateSize(n int) error {
	if n < MinSize || n > MaxSize {
		return errors.E(errors.Invalid, fmt.Sprintf("kmer: hash size %d outside [%d,%d]", n, MinSize, MaxSize))
	}
	return nil
}

// Hash packs fragment into a Key. The caller is expected to have validated
// the fragment length once with ValidateSize. An error is returned if the
// fragment contains a base other than A, C, G or T.
func Hash(fragment []byte) (Key, error) {
	var k Key
	for i, b := range fragment {
		v, ok := Bits(b)
		if !ok {
			return 0, errors.E(errors.Invalid,
				fmt.Sprintf("kmer: unrecognized base %q at offset %d of fragment %q", b, i, fragment))
		}
		k = (k << 2) | Key(v)
	}
	return k, nil
}

// MustHash is like Hash, but panics on error.
func MustHash(fragment string) Key {
	k, err := Hash([]byte(fragment))
	if err != nil {
		panic(err)
	}
	return k
}

// ReverseComplement returns the key of the reverse complement of the
// size-base fragment encoded by k.
func ReverseComplement(k Key, size int) Key {
	var rc Key
	for i := 0; i < size; i++ {
		rc = (rc << 2) | (3 - (k & 3))
		k >>= 2
	}
	return rc
}

// String decodes k back into its size-base fragment.
func String(k Key, size int) string {
	buf := make([]byte, size)
	for i := size - 1; i >= 0; i-- {
		buf[i] = bitsToBase[k&3]
		k >>= 2
	}
	return string(buf)
}
