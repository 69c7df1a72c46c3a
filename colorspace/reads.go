package colorspace

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// ConvertReadBasespaceToPseudoColorspace converts read, in place, to the
// transitions between its consecutive bases. Ambiguity codes are simplified
// first. The result is one byte shorter than read.
func (t *Transcoder) ConvertReadBasespaceToPseudoColorspace(read []byte) ([]byte, error) {
	if len(read) == 0 {
		return read, nil
	}
	prev := simplify(read[0])
	for i := 1; i < len(read); i++ {
		cur := simplify(read[i])
		c, err := t.encodeOne(prev, cur)
		if err != nil {
			return nil, errors.E(err, fmt.Sprintf("converting read position %d to colorspace", i))
		}
		read[i-1] = c
		prev = cur
	}
	return read[:len(read)-1], nil
}

// ConvertReadColorspaceToPseudoColorspace converts a read of SOLiD color
// calls (0-3) to transition letters, in place. A missing call ('-') becomes
// N. An unknown call ('.') becomes A, an arbitrary transition that is right
// a quarter of the time, which is better than N.
func ConvertReadColorspaceToPseudoColorspace(read []byte) error {
	for i, c := range read {
		switch c {
		case '0':
			read[i] = 'A'
		case '1':
			read[i] = 'C'
		case '2':
			read[i] = 'G'
		case '3':
			read[i] = 'T'
		case 'X':
		case '-':
			read[i] = 'N'
		case '.':
			read[i] = 'A'
		default:
			return errors.E(errors.Invalid, fmt.Sprintf("colorspace: unrecognized color %q at read position %d", c, i))
		}
	}
	return nil
}

// ConvertReadPseudoColorspaceToColorspace converts transition letters back
// to color calls, in place. X and N are left unchanged.
func ConvertReadPseudoColorspaceToColorspace(read []byte) error {
	for i, c := range read {
		switch c {
		case 'A':
			read[i] = '0'
		case 'C':
			read[i] = '1'
		case 'G':
			read[i] = '2'
		case 'T':
			read[i] = '3'
		case 'X', 'N':
		default:
			return errors.E(errors.Invalid, fmt.Sprintf("colorspace: unrecognized transition %q at read position %d", c, i))
		}
	}
	return nil
}
