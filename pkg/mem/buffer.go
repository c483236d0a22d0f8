package mem

import (
	"sync"
)

// Buffer is an in-memory connector. It backs decompressed snapshot
// images and synthetic targets in tests.
type Buffer struct {
	mu     sync.RWMutex
	data   []byte
	closed bool
}

// NewBuffer returns a connector backed by data. The slice is owned by
// the connector after the call.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data}
}

func (b *Buffer) ReadPhys(buf []byte, addr uint64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, ErrConnectorClosed
	}
	if addr >= uint64(len(b.data)) {
		return 0, ErrUnmapped
	}
	n := copy(buf, b.data[addr:])
	if n < len(buf) {
		return n, &PartialReadError{Addr: addr + uint64(n), Requested: len(buf), Read: n, Cause: ErrUnmapped}
	}
	return n, nil
}

func (b *Buffer) WritePhys(addr uint64, data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrConnectorClosed
	}
	if addr >= uint64(len(b.data)) {
		return 0, ErrUnmapped
	}
	if addr+uint64(len(data)) > uint64(len(b.data)) {
		return 0, &PartialWriteError{Addr: uint64(len(b.data)), Requested: len(data), Written: 0, Cause: ErrUnmapped}
	}
	copy(b.data[addr:], data)
	return len(data), nil
}

func (b *Buffer) Size() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return uint64(len(b.data))
}

func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.data = nil
	return nil
}
