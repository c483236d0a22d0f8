package translate

import (
	"encoding/binary"
)

// TableBuilder constructs x86-64 page tables inside a growable
// physical arena. Snapshot writers use it to emit page tables that the
// AMD64 translator can walk; tests use it to craft synthetic address
// spaces.
type TableBuilder struct {
	arena *[]byte
	root  uint64
}

// NewTableBuilder allocates an empty top-level table in arena and
// returns a builder rooted there. The arena grows as tables are
// allocated; existing contents are preserved.
func NewTableBuilder(arena *[]byte) *TableBuilder {
	b := &TableBuilder{arena: arena}
	b.root = b.allocTable()
	return b
}

// Root returns the physical offset of the top-level table, suitable as
// a process's page table base.
func (b *TableBuilder) Root() uint64 {
	return b.root
}

// Map installs a 4KiB translation from va to pa.
func (b *TableBuilder) Map(va, pa uint64, writable bool) {
	pt := b.ensure(b.ensure(b.ensure(b.root, va>>39&0x1ff), va>>30&0x1ff), va>>21&0x1ff)
	b.setEntry(pt, va>>12&0x1ff, leafEntry(pa, writable))
}

// Map2M installs a 2MiB large-page translation. va and pa must be
// 2MiB aligned.
func (b *TableBuilder) Map2M(va, pa uint64, writable bool) {
	pd := b.ensure(b.ensure(b.root, va>>39&0x1ff), va>>30&0x1ff)
	b.setEntry(pd, va>>21&0x1ff, leafEntry(pa, writable)|ptePS)
}

// Map1G installs a 1GiB large-page translation. va and pa must be
// 1GiB aligned.
func (b *TableBuilder) Map1G(va, pa uint64, writable bool) {
	pdpt := b.ensure(b.root, va>>39&0x1ff)
	b.setEntry(pdpt, va>>30&0x1ff, leafEntry(pa, writable)|ptePS)
}

// Unmap clears the 4KiB translation for va, if present.
func (b *TableBuilder) Unmap(va uint64) {
	table := b.root
	for _, shift := range []uint{39, 30, 21} {
		e := b.entryAt(table, va>>shift&0x1ff)
		if e&pteP == 0 {
			return
		}
		table = e & pteFrameMask
	}
	b.setEntry(table, va>>12&0x1ff, 0)
}

func leafEntry(pa uint64, writable bool) uint64 {
	e := pa&pteFrameMask | pteP
	if writable {
		e |= pteRW
	}
	return e
}

// ensure returns the table the idx-th entry of table points to,
// allocating it first if the entry is not present. Intermediate
// entries are always writable so the leaf alone decides access.
func (b *TableBuilder) ensure(table, idx uint64) uint64 {
	e := b.entryAt(table, idx)
	if e&pteP != 0 {
		return e & pteFrameMask
	}
	child := b.allocTable()
	b.setEntry(table, idx, child|pteP|pteRW)
	return child
}

func (b *TableBuilder) allocTable() uint64 {
	a := *b.arena
	// Round the arena up to the next page boundary and append one
	// zeroed page.
	pad := (PageSize - len(a)%PageSize) % PageSize
	off := uint64(len(a) + pad)
	a = append(a, make([]byte, pad+PageSize)...)
	*b.arena = a
	return off
}

func (b *TableBuilder) entryAt(table, idx uint64) uint64 {
	return binary.LittleEndian.Uint64((*b.arena)[table+idx*8:])
}

func (b *TableBuilder) setEntry(table, idx, e uint64) {
	binary.LittleEndian.PutUint64((*b.arena)[table+idx*8:], e)
}
