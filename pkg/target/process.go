package target

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/go-memscope/memscope/pkg/logflags"
	"github.com/go-memscope/memscope/pkg/mem"
	"github.com/go-memscope/memscope/pkg/translate"
	"github.com/go-memscope/memscope/pkg/value"
)

// Backend supplies the OS specific pieces of a process handle.
type Backend interface {
	// MemoryMap walks the process's virtual memory descriptors and
	// produces a fresh snapshot. It is called on every MemoryMap
	// request, never cached.
	MemoryMap() (MemoryMap, error)

	// Valid returns nil while the process exists and an error wrapping
	// ErrProcessGone once it has exited.
	Valid() error
}

// Process is a live binding between an enumerated process and an
// address translator. It exposes the unified read/write surface over
// the process's virtual memory.
type Process struct {
	info  ProcessInfo
	conn  mem.Connector
	tr    translate.Translator // nil when conn is addressed virtually
	be    Backend
	order binary.ByteOrder
	log   logflags.Logger
}

// NewProcess builds a process handle. tr may be nil for backends whose
// connector already speaks virtual addresses.
func NewProcess(info ProcessInfo, conn mem.Connector, tr translate.Translator, be Backend) *Process {
	return &Process{
		info:  info,
		conn:  conn,
		tr:    tr,
		be:    be,
		order: binary.LittleEndian,
		log:   logflags.TargetLogger(),
	}
}

// Info returns the enumeration snapshot the handle was opened from.
func (p *Process) Info() ProcessInfo { return p.info }

// Pid returns the process ID.
func (p *Process) Pid() int { return p.info.Pid }

// ByteOrder returns the target's byte order.
func (p *Process) ByteOrder() binary.ByteOrder { return p.order }

// Valid returns nil while the process exists, and an error wrapping
// ErrProcessGone once it has exited. All memory operations fail after
// that point.
func (p *Process) Valid() error { return p.be.Valid() }

// MemoryMap returns a fresh ordered snapshot of the process's mapped
// regions. The map can change between calls while the target runs.
func (p *Process) MemoryMap() (MemoryMap, error) {
	if err := p.Valid(); err != nil {
		return nil, err
	}
	return p.be.MemoryMap()
}

// Modules derives the process's loaded modules from its memory map:
// file-backed regions sharing a label coalesce into one module
// spanning from the lowest to the highest address mapped under it.
// Pseudo mappings like "[heap]" are not modules.
func (p *Process) Modules() ([]ModuleInfo, error) {
	m, err := p.MemoryMap()
	if err != nil {
		return nil, err
	}
	idx := make(map[string]int)
	var mods []ModuleInfo
	for _, r := range m {
		if r.Label == "" || strings.HasPrefix(r.Label, "[") {
			continue
		}
		i, ok := idx[r.Label]
		if !ok {
			idx[r.Label] = len(mods)
			mods = append(mods, ModuleInfo{Name: r.Label, Base: r.Start, Size: r.Size})
			continue
		}
		if r.End() > mods[i].Base+mods[i].Size {
			mods[i].Size = r.End() - mods[i].Base
		}
	}
	return mods, nil
}

// ModuleByName looks up a module by its full label or by the trailing
// path component alone.
func (p *Process) ModuleByName(name string) (ModuleInfo, error) {
	mods, err := p.Modules()
	if err != nil {
		return ModuleInfo{}, err
	}
	for _, mod := range mods {
		if mod.Name == name || baseName(mod.Name) == name {
			return mod, nil
		}
	}
	return ModuleInfo{}, fmt.Errorf("module %q: %w", name, ErrNotFound)
}

// baseName strips the directory part of a module label, accepting
// both separator conventions since labels come from the target.
func baseName(label string) string {
	if i := strings.LastIndexAny(label, `/\`); i >= 0 {
		return label[i+1:]
	}
	return label
}

// ReadMemory reads len(buf) bytes of the process's virtual memory at
// addr. A read that crosses into an unmapped page returns the mapped
// prefix length together with a *mem.PartialReadError annotated with
// the virtual address where translation first failed.
func (p *Process) ReadMemory(buf []byte, addr uint64) (int, error) {
	if err := p.Valid(); err != nil {
		return 0, err
	}
	if p.tr == nil {
		return p.conn.ReadPhys(buf, addr)
	}

	n := 0
	for n < len(buf) {
		va := addr + uint64(n)
		chunk := int(translate.PageSize - va%translate.PageSize)
		if rem := len(buf) - n; chunk > rem {
			chunk = rem
		}
		rn, err := p.readPage(buf[n:n+chunk], va)
		n += rn
		if err != nil {
			if n == 0 {
				return 0, fmt.Errorf("reading %#x: %w", va, err)
			}
			return n, &mem.PartialReadError{Addr: va + uint64(rn), Requested: len(buf), Read: n, Cause: err}
		}
	}
	return n, nil
}

// readPage reads a range confined to a single virtual page, retrying
// once across a cache invalidation when the translation looks stale.
func (p *Process) readPage(buf []byte, va uint64) (int, error) {
	pa, err := p.tr.Translate(va, false)
	if err != nil {
		return 0, err
	}
	n, err := p.conn.ReadPhys(buf, pa)
	if err == nil || !errors.Is(err, mem.ErrUnmapped) {
		return n, err
	}

	// The translation resolved but its physical page is gone: the
	// cached mapping was stale. Drop the cache and retry once.
	p.tr.Invalidate()
	pa2, err2 := p.tr.Translate(va, false)
	if err2 != nil {
		return 0, err2
	}
	if pa2 == pa {
		return n, err
	}
	p.log.Debugf("stale translation for %#x: %#x -> %#x", va, pa, pa2)
	return p.conn.ReadPhys(buf, pa2)
}

// WriteMemory writes data to the process's virtual memory at addr. The
// full range is translated before any byte is written: a write that
// straddles an unmapped boundary is rejected whole. Use
// WriteMemoryPartial to opt into best-effort semantics.
func (p *Process) WriteMemory(addr uint64, data []byte) (int, error) {
	if err := p.Valid(); err != nil {
		return 0, err
	}
	if p.tr == nil {
		// Directly addressed backends write through the transport in
		// one call, which may apply a prefix before hitting an
		// unmapped page. Validate the whole range against a fresh map
		// first so a rejected write leaves memory untouched.
		if err := p.validateWrite(addr, len(data)); err != nil {
			return 0, err
		}
		return p.conn.WritePhys(addr, data)
	}

	type pageWrite struct {
		pa   uint64
		data []byte
	}
	var writes []pageWrite
	for off := 0; off < len(data); {
		va := addr + uint64(off)
		chunk := int(translate.PageSize - va%translate.PageSize)
		if rem := len(data) - off; chunk > rem {
			chunk = rem
		}
		pa, err := p.tr.Translate(va, true)
		if err != nil {
			return 0, &mem.PartialWriteError{Addr: va, Requested: len(data), Written: 0, Cause: err}
		}
		writes = append(writes, pageWrite{pa, data[off : off+chunk]})
		off += chunk
	}

	n := 0
	for _, w := range writes {
		wn, err := p.conn.WritePhys(w.pa, w.data)
		n += wn
		if err != nil {
			return n, &mem.PartialWriteError{Addr: addr + uint64(n), Requested: len(data), Written: n, Cause: err}
		}
	}
	return n, nil
}

// validateWrite checks that [addr, addr+n) is fully covered by
// writable regions of the process's current memory map. On failure it
// returns a *mem.PartialWriteError with Written 0, positioned at the
// first address that is unmapped or not writable.
func (p *Process) validateWrite(addr uint64, n int) error {
	m, err := p.be.MemoryMap()
	if err != nil {
		return err
	}
	end := addr + uint64(n)
	if end < addr {
		return &mem.PartialWriteError{Addr: addr, Requested: n, Written: 0, Cause: mem.ErrUnmapped}
	}
	for pos := addr; pos < end; {
		r, ok := m.RegionFor(pos)
		if !ok {
			return &mem.PartialWriteError{Addr: pos, Requested: n, Written: 0, Cause: mem.ErrUnmapped}
		}
		if !r.Write {
			return &mem.PartialWriteError{Addr: pos, Requested: n, Written: 0, Cause: mem.ErrPermissionDenied}
		}
		pos = r.End()
	}
	return nil
}

// WriteMemoryPartial writes as much of data as possible, stopping at
// the first untranslatable or unwritable page. The returned error is a
// *mem.PartialWriteError carrying the completed length.
func (p *Process) WriteMemoryPartial(addr uint64, data []byte) (int, error) {
	if err := p.Valid(); err != nil {
		return 0, err
	}
	if p.tr == nil {
		return p.conn.WritePhys(addr, data)
	}

	n := 0
	for n < len(data) {
		va := addr + uint64(n)
		chunk := int(translate.PageSize - va%translate.PageSize)
		if rem := len(data) - n; chunk > rem {
			chunk = rem
		}
		pa, err := p.tr.Translate(va, true)
		if err != nil {
			return n, &mem.PartialWriteError{Addr: va, Requested: len(data), Written: n, Cause: err}
		}
		wn, err := p.conn.WritePhys(pa, data[n:n+chunk])
		n += wn
		if err != nil {
			return n, &mem.PartialWriteError{Addr: va + uint64(wn), Requested: len(data), Written: n, Cause: err}
		}
	}
	return n, nil
}

// ReadValue reads and decodes a typed value at addr.
func (p *Process) ReadValue(addr uint64, d value.Descriptor) (value.Value, error) {
	buf := make([]byte, d.Width())
	if _, err := p.ReadMemory(buf, addr); err != nil {
		return value.Value{}, err
	}
	return value.Decode(buf, d, p.order)
}

// WriteValue encodes and writes a typed value at addr.
func (p *Process) WriteValue(addr uint64, v value.Value) error {
	enc, err := v.Encode(p.order)
	if err != nil {
		return err
	}
	_, err = p.WriteMemory(addr, enc)
	return err
}
