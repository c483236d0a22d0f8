// Package mem provides the connector layer: raw byte-range read/write
// against a backing memory source addressed by physical or
// backend-opaque offsets. Connectors know nothing about processes or
// virtual addresses; higher layers compose them with an address
// translator to form a process address space.
package mem

import (
	"errors"
	"fmt"
)

var (
	// ErrUnmapped is returned when an offset has no backing memory.
	ErrUnmapped = errors.New("address not mapped")

	// ErrPermissionDenied is returned when the backing memory does not
	// allow the requested access.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrReadOnly is returned by connectors opened without write access.
	ErrReadOnly = errors.New("connector is read-only")

	// ErrConnectorClosed is returned when operating on a closed connector.
	ErrConnectorClosed = errors.New("connector is closed")
)

// Connector is a stateful handle to a raw memory source. Offsets are
// backend-addressable; a single call either yields one contiguous
// result or one error. Reads and writes larger than whatever
// granularity the backend imposes are chunked internally.
//
// Implementations must be safe for concurrent use: a single ReadPhys
// or WritePhys call never observes interleaved bytes from another.
type Connector interface {
	// ReadPhys reads len(buf) bytes at addr into buf. If only a prefix
	// of the range is backed it returns the prefix length together
	// with a *PartialReadError; it never zero-fills.
	ReadPhys(buf []byte, addr uint64) (int, error)

	// WritePhys writes data at addr, returning the number of bytes
	// written. A write that would extend past the backed range fails
	// with a *PartialWriteError before any byte past the boundary is
	// touched.
	WritePhys(addr uint64, data []byte) (int, error)

	// Size returns the extent of the addressable range, when known.
	Size() uint64

	// Close releases any transport resource owned by the connector.
	Close() error
}

// PartialReadError reports a multi-unit read that completed only a
// prefix. Read is the number of bytes successfully read, Addr the
// offset at which the failure occurred.
type PartialReadError struct {
	Addr      uint64
	Requested int
	Read      int
	Cause     error
}

func (e *PartialReadError) Error() string {
	return fmt.Sprintf("partial read: %d of %d bytes, failed at %#x: %v", e.Read, e.Requested, e.Addr, e.Cause)
}

func (e *PartialReadError) Unwrap() error { return e.Cause }

// PartialWriteError is the write-side analog of PartialReadError.
// Written is the number of bytes applied before the failure; a write
// rejected atomically reports Written == 0.
type PartialWriteError struct {
	Addr      uint64
	Requested int
	Written   int
	Cause     error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("partial write: %d of %d bytes, failed at %#x: %v", e.Written, e.Requested, e.Addr, e.Cause)
}

func (e *PartialWriteError) Unwrap() error { return e.Cause }
