package sourcemap

import (
	"errors"
	"fmt"
)

// ErrMalformedMappings is returned when the mappings string holds something
// other than base64 VLQ digits and separators.
var ErrMalformedMappings = errors.New("malformed source map mappings")

const (
	vlqBaseShift       = 5
	vlqBaseMask        = 1<<vlqBaseShift - 1
	vlqContinuationBit = 1 << vlqBaseShift
	vlqMaxShift        = 30

	base64Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
)

var base64Values = func() [256]int8 {
	var t [256]int8
	for i := range t {
		t[i] = -1
	}
	for i := 0; i < len(base64Alphabet); i++ {
		t[base64Alphabet[i]] = int8(i)
	}
	return t
}()

// cursor walks a mappings string one byte at a time.
type cursor struct {
	s   string
	pos int
}

func (c *cursor) hasNext() bool { return c.pos < len(c.s) }

// peek returns the next byte without consuming it, or 0 at the end.
func (c *cursor) peek() byte {
	if c.pos >= len(c.s) {
		return 0
	}
	return c.s[c.pos]
}

func (c *cursor) next() byte {
	b := c.peek()
	c.pos++
	return b
}

// atSeparator reports whether the current segment has no more fields.
func (c *cursor) atSeparator() bool {
	b := c.peek()
	return b == ',' || b == ';' || !c.hasNext()
}

// decodeVLQ reads one signed base64 VLQ value.
func (c *cursor) decodeVLQ() (int, error) {
	result, shift := 0, 0
	for {
		if !c.hasNext() {
			return 0, fmt.Errorf("%w: truncated value at offset %d", ErrMalformedMappings, c.pos)
		}
		ch := c.next()
		digit := base64Values[ch]
		if digit < 0 {
			return 0, fmt.Errorf("%w: invalid character %q at offset %d", ErrMalformedMappings, ch, c.pos-1)
		}
		result += int(digit&vlqBaseMask) << shift
		if digit&vlqContinuationBit == 0 {
			break
		}
		shift += vlqBaseShift
		if shift > vlqMaxShift {
			return 0, fmt.Errorf("%w: value too large at offset %d", ErrMalformedMappings, c.pos-1)
		}
	}

	negative := result&1 == 1
	result >>= 1
	if negative {
		return -result, nil
	}
	return result, nil
}
