package translate

import (
	"encoding/binary"
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/go-memscope/memscope/pkg/logflags"
	"github.com/go-memscope/memscope/pkg/mem"
)

// Page table entry bits, identical at every level.
const (
	pteP  = 1 << 0 // present
	pteRW = 1 << 1 // writable
	ptePS = 1 << 7 // large page (PDPT: 1GiB, PD: 2MiB)
	pteNX = 1 << 63

	pteFrameMask = 0x000ffffffffff000
)

const defaultTLBSize = 1024

// AMD64 walks 4-level x86-64 page tables stored in physical memory,
// reading entries through a connector. Resolved virtual pages are kept
// in a per-translator TLB keyed by virtual page number.
type AMD64 struct {
	phys mem.Connector
	dtb  uint64
	tlb  *lru.Cache
	log  logflags.Logger
}

type tlbEntry struct {
	frame    uint64 // 4KiB-aligned physical page
	writable bool
}

// NewAMD64 returns a translator rooted at the page table base dtb.
// tlbSize caps the number of cached page translations; zero selects a
// default.
func NewAMD64(phys mem.Connector, dtb uint64, tlbSize int) (*AMD64, error) {
	if dtb&(PageSize-1) != 0 {
		return nil, fmt.Errorf("page table base %#x is not page aligned", dtb)
	}
	if tlbSize <= 0 {
		tlbSize = defaultTLBSize
	}
	tlb, err := lru.New(tlbSize)
	if err != nil {
		return nil, err
	}
	return &AMD64{phys: phys, dtb: dtb, tlb: tlb, log: logflags.TranslateLogger()}, nil
}

// Translate resolves va through the page tables. A previously cached
// page that turns out to be unmapped on re-walk purges the whole TLB,
// since that signals the target's mapping changed under us.
func (t *AMD64) Translate(va uint64, write bool) (uint64, error) {
	vpn := va >> 12
	e, hit := t.tlb.Get(vpn)
	if hit {
		ent := e.(tlbEntry)
		if !write || ent.writable {
			return ent.frame | (va & (PageSize - 1)), nil
		}
		// Cached as read-only but a write is requested: re-walk, the
		// mapping may have been upgraded.
		t.tlb.Remove(vpn)
	}

	ent, err := t.walk(va)
	if err != nil {
		if hit {
			t.log.Debugf("translation for %#x disappeared, purging TLB", va)
			t.tlb.Purge()
		}
		return 0, err
	}
	t.tlb.Add(vpn, ent)
	if write && !ent.writable {
		return 0, fmt.Errorf("write to read-only page %#x: %w", va, mem.ErrPermissionDenied)
	}
	return ent.frame | (va & (PageSize - 1)), nil
}

// Invalidate drops every cached translation.
func (t *AMD64) Invalidate() {
	t.tlb.Purge()
}

// walk performs the 4-level page table walk for va, short-circuiting
// at large-page entries.
func (t *AMD64) walk(va uint64) (tlbEntry, error) {
	const (
		shiftPML4 = 39
		shiftPDPT = 30
		shiftPD   = 21
		shiftPT   = 12
		idxMask   = 0x1ff
	)

	pml4e, err := t.entry(t.dtb, (va>>shiftPML4)&idxMask)
	if err != nil {
		return tlbEntry{}, err
	}
	if pml4e&pteP == 0 {
		return tlbEntry{}, fmt.Errorf("translating %#x: %w", va, mem.ErrUnmapped)
	}

	pdpte, err := t.entry(pml4e&pteFrameMask, (va>>shiftPDPT)&idxMask)
	if err != nil {
		return tlbEntry{}, err
	}
	if pdpte&pteP == 0 {
		return tlbEntry{}, fmt.Errorf("translating %#x: %w", va, mem.ErrUnmapped)
	}
	writable := pml4e&pteRW != 0 && pdpte&pteRW != 0
	if pdpte&ptePS != 0 {
		// 1GiB page: bits 29:12 of the VA select the 4KiB frame within it.
		frame := (pdpte & pteFrameMask &^ (1<<shiftPDPT - 1)) | (va & (1<<shiftPDPT - 1) &^ (PageSize - 1))
		return tlbEntry{frame: frame, writable: writable}, nil
	}

	pde, err := t.entry(pdpte&pteFrameMask, (va>>shiftPD)&idxMask)
	if err != nil {
		return tlbEntry{}, err
	}
	if pde&pteP == 0 {
		return tlbEntry{}, fmt.Errorf("translating %#x: %w", va, mem.ErrUnmapped)
	}
	writable = writable && pde&pteRW != 0
	if pde&ptePS != 0 {
		// 2MiB page.
		frame := (pde & pteFrameMask &^ (1<<shiftPD - 1)) | (va & (1<<shiftPD - 1) &^ (PageSize - 1))
		return tlbEntry{frame: frame, writable: writable}, nil
	}

	pte, err := t.entry(pde&pteFrameMask, (va>>shiftPT)&idxMask)
	if err != nil {
		return tlbEntry{}, err
	}
	if pte&pteP == 0 {
		return tlbEntry{}, fmt.Errorf("translating %#x: %w", va, mem.ErrUnmapped)
	}
	writable = writable && pte&pteRW != 0
	return tlbEntry{frame: pte & pteFrameMask, writable: writable}, nil
}

// entry reads the idx-th 8-byte entry of the table at phys offset table.
func (t *AMD64) entry(table uint64, idx uint64) (uint64, error) {
	var buf [8]byte
	if _, err := t.phys.ReadPhys(buf[:], table+idx*8); err != nil {
		return 0, fmt.Errorf("reading page table entry at %#x: %w", table+idx*8, err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
