package mem

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// zstd frame magic, little-endian 0xFD2FB528.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// File is a connector backed by a file on disk, typically a captured
// memory image. Offset 0 of the connector corresponds to base within
// the file. Compressed images (zstd) are inflated into memory on open
// and are always read-only.
type File struct {
	mu     sync.RWMutex
	f      *os.File
	base   int64
	size   uint64
	rw     bool
	closed bool
}

// OpenFile opens path as a memory image. Options:
//
//	base: offset within the file of connector offset 0 (default 0)
//	rw:   "true" to allow writes (patching the image in place)
func OpenFile(path string, opts map[string]string) (Connector, error) {
	var base int64
	if s := opts["base"]; s != "" {
		v, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid base option %q: %v", s, err)
		}
		base = v
	}
	rw := opts["rw"] == "true"

	flag := os.O_RDONLY
	if rw {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}

	magic := make([]byte, 4)
	if _, err := f.ReadAt(magic, base); err == nil && bytes.Equal(magic, zstdMagic) {
		defer f.Close()
		if rw {
			return nil, errors.New("compressed images cannot be opened read-write")
		}
		return inflate(f, base)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := uint64(0)
	if fi.Size() > base {
		size = uint64(fi.Size() - base)
	}
	return &File{f: f, base: base, size: size, rw: rw}, nil
}

func inflate(f *os.File, base int64) (Connector, error) {
	if _, err := f.Seek(base, io.SeekStart); err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	data, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("inflating image: %v", err)
	}
	return NewBuffer(data), nil
}

func (c *File) ReadPhys(buf []byte, addr uint64) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, ErrConnectorClosed
	}
	if addr >= c.size {
		return 0, ErrUnmapped
	}
	n, err := c.f.ReadAt(buf, c.base+int64(addr))
	if err != nil && !errors.Is(err, io.EOF) {
		if n > 0 {
			return n, &PartialReadError{Addr: addr + uint64(n), Requested: len(buf), Read: n, Cause: err}
		}
		return 0, err
	}
	if n < len(buf) {
		return n, &PartialReadError{Addr: addr + uint64(n), Requested: len(buf), Read: n, Cause: ErrUnmapped}
	}
	return n, nil
}

func (c *File) WritePhys(addr uint64, data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrConnectorClosed
	}
	if !c.rw {
		return 0, ErrReadOnly
	}
	if addr >= c.size {
		return 0, ErrUnmapped
	}
	if addr+uint64(len(data)) > c.size {
		return 0, &PartialWriteError{Addr: c.size, Requested: len(data), Written: 0, Cause: ErrUnmapped}
	}
	return c.f.WriteAt(data, c.base+int64(addr))
}

func (c *File) Size() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size
}

func (c *File) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.f.Close()
}
