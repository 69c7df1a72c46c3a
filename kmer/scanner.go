package kmer

// Scanner slides a window of a fixed size across a sequence and yields the
// key of every window made only of A, C, G and T. Windows that overlap any
// other byte are skipped.
//
// Example:
//   s := NewScanner(12)
//   s.Reset(seq)
//   for s.Scan() {
//     pos, key := s.Get()
//   }
type Scanner struct {
	size int
	mask Key

	seq []byte
	si  int // start of the next window
	pos int
	cur Key
}

// NewScanner creates a scanner for windows of the given size. The size must
// have passed ValidateSize.
func NewScanner(size int) *Scanner {
	mask := ^Key(0)
	if size < MaxSize {
		mask = ^(^Key(0) << Key(size*2))
	}
	return &Scanner{size: size, mask: mask}
}

// Reset starts scanning seq from its beginning.
func (s *Scanner) Reset(seq []byte) {
	s.seq = seq
	s.si = 0
	s.pos = -1
}

// Scan advances to the next valid window. It returns false once the
// sequence is exhausted.
func (s *Scanner) Scan() bool {
	if s.pos >= 0 && s.pos+1 == s.si && s.si+s.size <= len(s.seq) {
		// Rolling update: only the last base of the window is new.
		if bits, ok := Bits(s.seq[s.si+s.size-1]); ok {
			s.cur = ((s.cur << 2) | Key(bits)) & s.mask
			s.pos = s.si
			s.si++
			return true
		}
	}
	for s.si+s.size <= len(s.seq) {
		var (
			k   Key
			bad = -1
		)
		for i := s.si; i < s.si+s.size; i++ {
			bits, ok := Bits(s.seq[i])
			if !ok {
				bad = i
			}
			k = (k << 2) | Key(bits)
		}
		if bad >= 0 {
			s.si = bad + 1
			continue
		}
		s.cur = k
		s.pos = s.si
		s.si++
		return true
	}
	return false
}

// Get returns the start position and key of the current window.
func (s *Scanner) Get() (int, Key) { return s.pos, s.cur }
