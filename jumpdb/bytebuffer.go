package jumpdb

import "encoding/binary"

// byteBuffer grows automatically as values are appended. It can be used
// either for reading or writing, but not both at the same time.
type byteBuffer []byte

// Ensure that b can store at least "bytes" more bytes, and return the new
// region.
func (b *byteBuffer) alloc(bytes int) []byte {
	blen := len(*b)
	newLen := blen + bytes
	if cap(*b) >= newLen {
		(*b) = (*b)[:newLen]
		return (*b)[blen:]
	}
	newCap := (newLen/16 + 1) * 16
	if newCap < cap(*b)*2 {
		newCap = cap(*b) * 2
	}
	newBuf := make([]byte, newLen, newCap)
	copy(newBuf, *b)
	*b = newBuf
	return (*b)[blen:]
}

func (b *byteBuffer) reset() { *b = (*b)[:0] }

func (b *byteBuffer) putUint32(value uint32) {
	binary.LittleEndian.PutUint32(b.alloc(4), value)
}

func (b *byteBuffer) putUint64(value uint64) {
	binary.LittleEndian.PutUint64(b.alloc(8), value)
}

func (b *byteBuffer) putUint40(value uint64) {
	putUint40(b.alloc(KeyEntrySize), value)
}

// putEntry appends (key, count, positions).
func (b *byteBuffer) putEntry(key uint64, positions []uint32) {
	buf := b.alloc(12 + 4*len(positions))
	binary.LittleEndian.PutUint64(buf, key)
	binary.LittleEndian.PutUint32(buf[8:], uint32(len(positions)))
	for i, p := range positions {
		binary.LittleEndian.PutUint32(buf[12+4*i:], p)
	}
}

// putPositions appends (count, positions).
func (b *byteBuffer) putPositions(positions []uint32) {
	buf := b.alloc(4 + 4*len(positions))
	binary.LittleEndian.PutUint32(buf, uint32(len(positions)))
	for i, p := range positions {
		binary.LittleEndian.PutUint32(buf[4+4*i:], p)
	}
}

func (b *byteBuffer) uint32() uint32 {
	value := binary.LittleEndian.Uint32(*b)
	*b = (*b)[4:]
	return value
}

// resizeBuf resizes "*buf" to exactly "size" bytes. The existing data may be
// destroyed.
func resizeBuf(buf *[]byte, size int) {
	if *buf == nil || cap(*buf) < size {
		*buf = make([]byte, size)
	} else {
		*buf = (*buf)[:size]
	}
}
