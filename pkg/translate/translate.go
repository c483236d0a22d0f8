// Package translate maps a process's virtual addresses to
// connector-addressable physical offsets. Live OS backends whose
// transport already speaks virtual addresses use no translator at all;
// captured images carry real page tables and use the architecture
// specific walkers here.
package translate

// Translator resolves a virtual address to a physical offset.
// Implementations cache resolved pages; Invalidate drops the cache
// wholesale when a stale mapping is detected.
//
// Translate is safe for concurrent use; Invalidate excludes concurrent
// lookups on the same translator only.
type Translator interface {
	// Translate returns the physical offset backing va. write requests
	// the mapping be writable; a read-only mapping then fails with
	// mem.ErrPermissionDenied. An absent mapping fails with
	// mem.ErrUnmapped.
	Translate(va uint64, write bool) (uint64, error)

	// Invalidate drops all cached translations.
	Invalidate()
}

// PageSize is the translation granularity of the address space layer.
const PageSize = 1 << 12
