// Package value implements the typed value codec: conversion between
// typed scan values and their raw byte encodings. The codec is pure
// and stateless; endianness is supplied by the caller and defaults to
// the target's byte order at the layers above.
package value

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf16"
	"unicode/utf8"
)

var (
	// ErrTruncated is returned when decoding is given fewer bytes than
	// the descriptor's width.
	ErrTruncated = errors.New("truncated input")

	// ErrUnpairedSurrogate is returned when UTF-16 conversion meets a
	// lone surrogate in either direction.
	ErrUnpairedSurrogate = errors.New("unpaired surrogate")
)

// Kind is the type tag of a Value.
type Kind uint8

const (
	Invalid Kind = iota
	Uint8
	Uint16
	Uint32
	Uint64
	Int8
	Int16
	Int32
	Int64
	Float32
	Float64
	String   // UTF-8, encoded as-is
	String16 // UTF-16, little-endian code units
	Bytes
)

var kindNames = map[Kind]string{
	Uint8: "u8", Uint16: "u16", Uint32: "u32", Uint64: "u64",
	Int8: "i8", Int16: "i16", Int32: "i32", Int64: "i64",
	Float32: "f32", Float64: "f64",
	String: "string", String16: "string16", Bytes: "bytes",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// KindFromString parses a kind name as used on the command line.
func KindFromString(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return Invalid, fmt.Errorf("unknown value kind %q", s)
}

// FixedWidth returns the encoded width of a numeric kind, or 0 for
// variable length kinds.
func (k Kind) FixedWidth() int {
	switch k {
	case Uint8, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Uint64, Int64, Float64:
		return 8
	}
	return 0
}

// Descriptor names a type for decoding. Len is the byte length for
// variable length kinds and is ignored for numeric ones.
type Descriptor struct {
	Kind Kind
	Len  int
}

// Width returns the number of bytes a decode of this descriptor consumes.
func (d Descriptor) Width() int {
	if w := d.Kind.FixedWidth(); w != 0 {
		return w
	}
	return d.Len
}

// Value is a tagged variant over the scannable types. A Value is
// immutable once constructed; its declared width always equals the
// length of its byte encoding.
type Value struct {
	kind Kind
	u    uint64
	s    string
	b    []byte
}

// NewUint returns an unsigned integer value of the given width.
func NewUint(k Kind, v uint64) Value {
	switch k {
	case Uint8, Uint16, Uint32, Uint64:
		return Value{kind: k, u: v}
	}
	panic(fmt.Sprintf("NewUint called with kind %v", k))
}

// NewInt returns a signed integer value of the given width.
func NewInt(k Kind, v int64) Value {
	switch k {
	case Int8, Int16, Int32, Int64:
		return Value{kind: k, u: uint64(v)}
	}
	panic(fmt.Sprintf("NewInt called with kind %v", k))
}

// NewFloat32 returns a 32-bit floating point value.
func NewFloat32(v float32) Value {
	return Value{kind: Float32, u: uint64(math.Float32bits(v))}
}

// NewFloat64 returns a 64-bit floating point value.
func NewFloat64(v float64) Value {
	return Value{kind: Float64, u: math.Float64bits(v)}
}

// NewString returns a UTF-8 string value.
func NewString(s string) Value {
	return Value{kind: String, s: s}
}

// NewString16 returns a UTF-16 string value. Encoding fails later if
// s is not valid UTF-8.
func NewString16(s string) Value {
	return Value{kind: String16, s: s}
}

// NewBytes returns a raw byte sequence value. The slice is copied.
func NewBytes(b []byte) Value {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Value{kind: Bytes, b: cp}
}

// Kind returns the value's type tag.
func (v Value) Kind() Kind { return v.kind }

// Descriptor returns the descriptor whose decode yields values of the
// same kind and width as v.
func (v Value) Descriptor() Descriptor {
	d := Descriptor{Kind: v.kind}
	switch v.kind {
	case String:
		d.Len = len(v.s)
	case String16:
		d.Len = 2 * len(utf16.Encode([]rune(v.s)))
	case Bytes:
		d.Len = len(v.b)
	}
	return d
}

// Uint returns the integer payload, sign-extended kinds included.
func (v Value) Uint() uint64 { return v.u }

// Int returns the signed integer payload.
func (v Value) Int() int64 { return int64(v.u) }

// Float returns the floating point payload.
func (v Value) Float() float64 {
	if v.kind == Float32 {
		return float64(math.Float32frombits(uint32(v.u)))
	}
	return math.Float64frombits(v.u)
}

// Str returns the string payload of String and String16 values.
func (v Value) Str() string { return v.s }

// Raw returns the byte payload of Bytes values.
func (v Value) Raw() []byte { return v.b }

func (v Value) String() string {
	switch v.kind {
	case Uint8, Uint16, Uint32, Uint64:
		return fmt.Sprintf("%s(%d)", v.kind, v.u)
	case Int8, Int16, Int32, Int64:
		return fmt.Sprintf("%s(%d)", v.kind, int64(v.u))
	case Float32, Float64:
		return fmt.Sprintf("%s(%g)", v.kind, v.Float())
	case String, String16:
		return fmt.Sprintf("%s(%q)", v.kind, v.s)
	case Bytes:
		return fmt.Sprintf("bytes(% x)", v.b)
	}
	return "invalid"
}

// Encode converts the value to its canonical byte encoding in the
// given byte order. UTF-16 encoding fails on input that is not valid
// UTF-8 or contains surrogate code points.
func (v Value) Encode(order binary.ByteOrder) ([]byte, error) {
	switch v.kind {
	case Uint8, Int8:
		return []byte{byte(v.u)}, nil
	case Uint16, Int16:
		buf := make([]byte, 2)
		order.PutUint16(buf, uint16(v.u))
		return buf, nil
	case Uint32, Int32, Float32:
		buf := make([]byte, 4)
		order.PutUint32(buf, uint32(v.u))
		return buf, nil
	case Uint64, Int64, Float64:
		buf := make([]byte, 8)
		order.PutUint64(buf, v.u)
		return buf, nil
	case String:
		return []byte(v.s), nil
	case String16:
		return encodeUTF16(v.s, order)
	case Bytes:
		cp := make([]byte, len(v.b))
		copy(cp, v.b)
		return cp, nil
	}
	return nil, fmt.Errorf("cannot encode %v", v.kind)
}

// Decode converts raw bytes into a typed value according to the
// descriptor. Numeric decodes with fewer bytes than the descriptor's
// width fail with ErrTruncated rather than zero-padding.
func Decode(buf []byte, d Descriptor, order binary.ByteOrder) (Value, error) {
	if w := d.Width(); len(buf) < w {
		return Value{}, fmt.Errorf("decoding %v: have %d bytes, need %d: %w", d.Kind, len(buf), w, ErrTruncated)
	}
	switch d.Kind {
	case Uint8:
		return NewUint(Uint8, uint64(buf[0])), nil
	case Int8:
		return NewInt(Int8, int64(int8(buf[0]))), nil
	case Uint16:
		return NewUint(Uint16, uint64(order.Uint16(buf))), nil
	case Int16:
		return NewInt(Int16, int64(int16(order.Uint16(buf)))), nil
	case Uint32:
		return NewUint(Uint32, uint64(order.Uint32(buf))), nil
	case Int32:
		return NewInt(Int32, int64(int32(order.Uint32(buf)))), nil
	case Uint64:
		return NewUint(Uint64, order.Uint64(buf)), nil
	case Int64:
		return NewInt(Int64, int64(order.Uint64(buf))), nil
	case Float32:
		return NewFloat32(math.Float32frombits(order.Uint32(buf))), nil
	case Float64:
		return NewFloat64(math.Float64frombits(order.Uint64(buf))), nil
	case String:
		return NewString(string(buf[:d.Len])), nil
	case String16:
		s, err := decodeUTF16(buf[:d.Len], order)
		if err != nil {
			return Value{}, err
		}
		return NewString16(s), nil
	case Bytes:
		return NewBytes(buf[:d.Len]), nil
	}
	return Value{}, fmt.Errorf("cannot decode kind %v", d.Kind)
}

func encodeUTF16(s string, order binary.ByteOrder) ([]byte, error) {
	if !utf8.ValidString(s) {
		return nil, fmt.Errorf("encoding %q: %w", s, ErrUnpairedSurrogate)
	}
	units := make([]uint16, 0, len(s))
	for _, r := range s {
		if utf16.IsSurrogate(r) {
			return nil, fmt.Errorf("encoding %q: %w", s, ErrUnpairedSurrogate)
		}
		if r > 0xffff {
			hi, lo := utf16.EncodeRune(r)
			units = append(units, uint16(hi), uint16(lo))
		} else {
			units = append(units, uint16(r))
		}
	}
	buf := make([]byte, 2*len(units))
	for i, u := range units {
		order.PutUint16(buf[2*i:], u)
	}
	return buf, nil
}

func decodeUTF16(buf []byte, order binary.ByteOrder) (string, error) {
	if len(buf)%2 != 0 {
		return "", fmt.Errorf("utf-16 input of odd length %d: %w", len(buf), ErrTruncated)
	}
	units := make([]uint16, len(buf)/2)
	for i := range units {
		units[i] = order.Uint16(buf[2*i:])
	}
	// utf16.Decode replaces lone surrogates silently; reject them instead.
	for i := 0; i < len(units); i++ {
		u := rune(units[i])
		switch {
		case !utf16.IsSurrogate(u):
		case u >= 0xd800 && u < 0xdc00:
			if i+1 >= len(units) || rune(units[i+1]) < 0xdc00 || rune(units[i+1]) >= 0xe000 {
				return "", ErrUnpairedSurrogate
			}
			i++
		default:
			return "", ErrUnpairedSurrogate
		}
	}
	return string(utf16.Decode(units)), nil
}
