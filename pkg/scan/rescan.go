package scan

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/go-memscope/memscope/pkg/value"
)

// Compare selects how a rescan narrows previous matches.
type Compare int

const (
	CompareEqual Compare = iota
	CompareNotEqual
	CompareGreater
	CompareLess
	CompareChanged
	CompareUnchanged
)

var compareNames = map[Compare]string{
	CompareEqual:     "equal",
	CompareNotEqual:  "notequal",
	CompareGreater:   "greater",
	CompareLess:      "less",
	CompareChanged:   "changed",
	CompareUnchanged: "unchanged",
}

// ParseCompare maps a comparison name to its Compare value.
func ParseCompare(s string) (Compare, error) {
	for c, name := range compareNames {
		if name == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown comparison %q", s)
}

func (c Compare) String() string {
	if name, ok := compareNames[c]; ok {
		return name
	}
	return "invalid"
}

// NeedsValue reports whether the comparison is against a fresh search
// value rather than each match's previously recorded value.
func (c Compare) NeedsValue() bool {
	return c != CompareChanged && c != CompareUnchanged
}

// Rescan revisits the addresses of prev, re-reads the value at each
// and keeps the matches whose current value satisfies cmp. Equal,
// NotEqual, Greater and Less compare against v; Changed and Unchanged
// compare against each match's recorded value. Kept matches carry the
// refreshed bytes; addresses that no longer read drop out.
func Rescan(as AddressSpace, prev []Match, d value.Descriptor, cmp Compare, v value.Value, order binary.ByteOrder) ([]Match, error) {
	if cmp.NeedsValue() && v.Kind() != d.Kind {
		return nil, fmt.Errorf("comparison value is %v, scan was %v", v.Kind(), d.Kind)
	}
	var out []Match
	for _, m := range prev {
		buf := make([]byte, d.Width())
		if _, err := as.ReadMemory(buf, m.Addr); err != nil {
			continue
		}
		cur, err := value.Decode(buf, d, order)
		if err != nil {
			continue
		}
		ref := v
		if !cmp.NeedsValue() {
			if ref, err = value.Decode(m.Value, d, order); err != nil {
				continue
			}
		}
		keep, err := compare(cmp, cur, ref)
		if err != nil {
			return nil, err
		}
		if keep {
			out = append(out, Match{Addr: m.Addr, Value: buf})
		}
	}
	return out, nil
}

func compare(cmp Compare, cur, ref value.Value) (bool, error) {
	switch cmp {
	case CompareEqual, CompareUnchanged:
		return equalValues(cur, ref), nil
	case CompareNotEqual, CompareChanged:
		return !equalValues(cur, ref), nil
	}

	var less, greater bool
	switch cur.Kind() {
	case value.Uint8, value.Uint16, value.Uint32, value.Uint64:
		less, greater = cur.Uint() < ref.Uint(), cur.Uint() > ref.Uint()
	case value.Int8, value.Int16, value.Int32, value.Int64:
		less, greater = cur.Int() < ref.Int(), cur.Int() > ref.Int()
	case value.Float32, value.Float64:
		less, greater = cur.Float() < ref.Float(), cur.Float() > ref.Float()
	default:
		return false, fmt.Errorf("%v comparison needs a numeric kind, got %v", cmp, cur.Kind())
	}
	if cmp == CompareGreater {
		return greater, nil
	}
	return less, nil
}

func equalValues(a, b value.Value) bool {
	switch a.Kind() {
	case value.String, value.String16:
		return a.Str() == b.Str()
	case value.Bytes:
		return bytes.Equal(a.Raw(), b.Raw())
	case value.Float32, value.Float64:
		return a.Float() == b.Float()
	default:
		return a.Uint() == b.Uint()
	}
}
