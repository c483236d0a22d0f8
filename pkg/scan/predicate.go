package scan

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/go-memscope/memscope/pkg/value"
)

// Predicate decides whether the window at the start of a buffer is a
// match. Match is only called with at least Size bytes.
type Predicate interface {
	Size() int
	Match(window []byte) bool
}

// Exact matches a literal byte string.
type Exact []byte

func (e Exact) Size() int { return len(e) }

func (e Exact) Match(window []byte) bool {
	return bytes.Equal(window[:len(e)], e)
}

// ForValue builds a predicate matching the wire encoding of v.
func ForValue(v value.Value, order binary.ByteOrder) (Exact, error) {
	enc, err := v.Encode(order)
	if err != nil {
		return nil, err
	}
	if len(enc) == 0 {
		return nil, errors.New("value encodes to zero bytes")
	}
	return Exact(enc), nil
}

// Pattern matches hex bytes with wildcard positions.
type Pattern struct {
	data []byte
	mask []byte // 0xff = significant, 0x00 = wildcard
}

// ParsePattern reads a signature like "48 8b ?? 05" or "488b??05".
// Each byte is two hex digits or "??" for any byte.
func ParsePattern(sig string) (Pattern, error) {
	var p Pattern
	fields := strings.Fields(sig)
	if len(fields) == 1 && len(fields[0]) > 2 {
		// Unspaced form: split into pairs.
		s := fields[0]
		if len(s)%2 != 0 {
			return Pattern{}, fmt.Errorf("pattern %q has an odd number of digits", sig)
		}
		fields = fields[:0]
		for i := 0; i < len(s); i += 2 {
			fields = append(fields, s[i:i+2])
		}
	}
	for _, f := range fields {
		if f == "??" || f == "?" {
			p.data = append(p.data, 0)
			p.mask = append(p.mask, 0)
			continue
		}
		if len(f) != 2 {
			return Pattern{}, fmt.Errorf("pattern element %q: want two hex digits or ??", f)
		}
		b, err := hex.DecodeString(f)
		if err != nil {
			return Pattern{}, fmt.Errorf("pattern element %q: %v", f, err)
		}
		p.data = append(p.data, b[0])
		p.mask = append(p.mask, 0xff)
	}
	if len(p.data) == 0 {
		return Pattern{}, errors.New("empty pattern")
	}
	if p.mask[0] == 0 {
		return Pattern{}, errors.New("pattern must not start with a wildcard")
	}
	return p, nil
}

func (p Pattern) Size() int { return len(p.data) }

func (p Pattern) Match(window []byte) bool {
	for i, m := range p.mask {
		if window[i]&m != p.data[i] {
			return false
		}
	}
	return true
}

func (p Pattern) String() string {
	var sb strings.Builder
	for i, b := range p.data {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if p.mask[i] == 0 {
			sb.WriteString("??")
		} else {
			fmt.Fprintf(&sb, "%02x", b)
		}
	}
	return sb.String()
}
