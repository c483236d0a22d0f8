package target

import (
	"fmt"
	"sort"
	"strings"
)

// MemoryRegion is a contiguous virtual range with protection flags and
// a module or mapping label.
type MemoryRegion struct {
	Start uint64
	Size  uint64

	Read  bool
	Write bool
	Exec  bool

	Label string
}

// End returns the first address past the region.
func (r MemoryRegion) End() uint64 { return r.Start + r.Size }

// Contains reports whether addr falls inside the region.
func (r MemoryRegion) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End()
}

// Protection renders the region's flags in "rwx" form.
func (r MemoryRegion) Protection() string {
	var sb strings.Builder
	flag := func(set bool, c byte) {
		if set {
			sb.WriteByte(c)
		} else {
			sb.WriteByte('-')
		}
	}
	flag(r.Read, 'r')
	flag(r.Write, 'w')
	flag(r.Exec, 'x')
	return sb.String()
}

// MemoryMap is an ordered sequence of non-overlapping regions for one
// process, recomputed on demand. It is a point-in-time snapshot: the
// target mutates its own map concurrently, so two calls may differ.
type MemoryMap []MemoryRegion

// NormalizeMap sorts regions by start address and verifies the map
// invariant: regions are pairwise non-overlapping.
func NormalizeMap(regions []MemoryRegion) (MemoryMap, error) {
	m := make(MemoryMap, len(regions))
	copy(m, regions)
	sort.Slice(m, func(i, j int) bool { return m[i].Start < m[j].Start })
	for _, r := range m {
		if r.Start+r.Size < r.Start {
			return nil, fmt.Errorf("memory region [%#x, +%#x) wraps the address space", r.Start, r.Size)
		}
	}
	for i := 1; i < len(m); i++ {
		if m[i-1].End() > m[i].Start {
			return nil, fmt.Errorf("memory regions overlap: [%#x,%#x) and [%#x,%#x)",
				m[i-1].Start, m[i-1].End(), m[i].Start, m[i].End())
		}
	}
	return m, nil
}

// RegionFor returns the region containing addr.
func (m MemoryMap) RegionFor(addr uint64) (MemoryRegion, bool) {
	i := sort.Search(len(m), func(i int) bool { return m[i].End() > addr })
	if i < len(m) && m[i].Contains(addr) {
		return m[i], true
	}
	return MemoryRegion{}, false
}
