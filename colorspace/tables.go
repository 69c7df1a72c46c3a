package colorspace

// Transition codes. Canonical transitions between A, C, G and T are written
// as A (same base), C, G and T (the XOR of the 2-bit base codes). Transitions
// into or out of N and gaps use the synthetic codes E, F, I, L, O and P. No
// IUPAC code is used for them, so a decoded N or gap never agrees with a
// reference base.
const (
	gap = '-'
	// absent marks a missing table entry.
	absent = 0
)

// tables holds the immutable lookup tables shared by every conversion.
type tables struct {
	// decode[seed][transition] is the base that follows seed.
	decode [256][256]byte
	// encode[from][to] is the transition between two bases.
	encode [256][256]byte
	// compatible[a][b] is true when a and b may denote the same base.
	compatible [256][256]bool
}

var canonicalBases = [4]byte{'A', 'C', 'G', 'T'}

// iupacMask gives the set of canonical bases (bit i = canonicalBases[i]) that
// each ambiguity code stands for. N is left out on purpose: it is never
// compatible with anything.
var iupacMask = map[byte]uint8{
	'A': 0x1, 'C': 0x2, 'G': 0x4, 'T': 0x8,
	'M': 0x1 | 0x2, 'R': 0x1 | 0x4, 'W': 0x1 | 0x8,
	'S': 0x2 | 0x4, 'Y': 0x2 | 0x8, 'K': 0x4 | 0x8,
	'V': 0x1 | 0x2 | 0x4, 'H': 0x1 | 0x2 | 0x8,
	'D': 0x1 | 0x4 | 0x8, 'B': 0x2 | 0x4 | 0x8,
}

func newTables() *tables {
	t := &tables{}
	for i, from := range canonicalBases {
		for j, to := range canonicalBases {
			code := canonicalBases[i^j]
			t.encode[from][to] = code
			t.decode[from][code] = to
		}
	}
	// Rows and columns for N and gaps, in this order of partners:
	//   A C G T N -
	synthetic := map[byte][6]byte{
		'A': {0, 0, 0, 0, 'E', 'F'},
		'C': {0, 0, 0, 0, 'F', 'I'},
		'G': {0, 0, 0, 0, 'I', 'L'},
		'T': {0, 0, 0, 0, 'L', 'O'},
		'N': {'E', 'F', 'I', 'L', 'O', 'P'},
		gap: {'F', 'I', 'L', 'O', 'P', 'E'},
	}
	partners := [6]byte{'A', 'C', 'G', 'T', 'N', gap}
	for from, row := range synthetic {
		for i, code := range row {
			if code == 0 {
				continue
			}
			t.encode[from][partners[i]] = code
			t.decode[from][code] = partners[i]
		}
	}
	for a, ma := range iupacMask {
		for b, mb := range iupacMask {
			// Two ambiguity codes are not considered compatible with each
			// other, only a code and one of its bases.
			if a == b && ma&(ma-1) == 0 {
				t.compatible[a][b] = true
			}
			if ma&(ma-1) != 0 && mb&(mb-1) == 0 && ma&mb != 0 {
				t.compatible[a][b] = true
				t.compatible[b][a] = true
			}
		}
	}
	return t
}

// simplify maps an IUPAC ambiguity code to a single base, chosen by base
// frequency in the human genome rather than by biology.
func simplify(b byte) byte {
	switch b {
	case 'M', 'R', 'V':
		return 'A'
	case 'S':
		return 'G'
	case 'B', 'D', 'H', 'K', 'W', 'Y':
		return 'T'
	case 'X':
		return 'N'
	}
	return b
}

func isCanonical(b byte) bool {
	return b == 'A' || b == 'C' || b == 'G' || b == 'T'
}
