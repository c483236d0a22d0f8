package mem

import (
	"fmt"
	"sync"
)

// Spliced composes a memory space from multiple regions, each of which
// may override previously added regions. Sparse physical images are
// represented this way: every backed run of physical memory is added
// as its own entry and the gaps stay unmapped.
type Spliced struct {
	mu      sync.RWMutex
	entries []splicedEntry
}

type splicedEntry struct {
	offset uint64
	length uint64
	conn   Connector
	// base is the offset within conn corresponding to offset.
	base uint64
}

// NewSpliced returns an empty spliced connector.
func NewSpliced() *Spliced {
	return &Spliced{}
}

// Add maps [off, off+length) to conn starting at base, overriding any
// previously added region it overlaps.
func (s *Spliced) Add(conn Connector, off, length, base uint64) {
	if length == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	end := off + length - 1
	newEntries := make([]splicedEntry, 0, len(s.entries))
	add := func(e splicedEntry) {
		if e.length == 0 {
			return
		}
		newEntries = append(newEntries, e)
	}
	inserted := false
	for _, entry := range s.entries {
		entryEnd := entry.offset + entry.length - 1
		switch {
		case entryEnd < off:
			// Entry is completely before the new region.
			add(entry)
		case end < entry.offset:
			// Entry is completely after the new region.
			if !inserted {
				add(splicedEntry{off, length, conn, base})
				inserted = true
			}
			add(entry)
		case off <= entry.offset && entryEnd <= end:
			// Entry is completely overwritten by the new region. Drop.
		case entry.offset < off && entryEnd <= end:
			// New region overwrites the end of the entry.
			entry.length = off - entry.offset
			add(entry)
		case off <= entry.offset && end < entryEnd:
			// New region overwrites the beginning of the entry.
			if !inserted {
				add(splicedEntry{off, length, conn, base})
				inserted = true
			}
			overlap := end + 1 - entry.offset
			entry.offset += overlap
			entry.base += overlap
			entry.length -= overlap
			add(entry)
		case entry.offset < off && end < entryEnd:
			// New region punches a hole in the entry. Split it in two
			// and put the new region in the middle.
			add(splicedEntry{entry.offset, off - entry.offset, entry.conn, entry.base})
			add(splicedEntry{off, length, conn, base})
			tail := end + 1 - entry.offset
			add(splicedEntry{end + 1, entryEnd - end, entry.conn, entry.base + tail})
			inserted = true
		default:
			panic(fmt.Sprintf("unhandled case: existing entry is %v len %v, new is %v len %v", entry.offset, entry.length, off, length))
		}
	}
	if !inserted {
		newEntries = append(newEntries, splicedEntry{off, length, conn, base})
	}
	s.entries = newEntries
}

func (s *Spliced) ReadPhys(buf []byte, addr uint64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	req := len(buf)
	for _, entry := range s.entries {
		entryEnd := entry.offset + entry.length
		if entryEnd <= addr {
			continue
		}
		if entry.offset > addr {
			// Hit a gap before this entry.
			break
		}

		pb := buf
		if addr+uint64(len(buf)) > entryEnd {
			pb = pb[:entryEnd-addr]
		}
		pn, err := entry.conn.ReadPhys(pb, entry.base+(addr-entry.offset))
		n += pn
		if err != nil {
			return n, &PartialReadError{Addr: addr + uint64(pn), Requested: req, Read: n, Cause: err}
		}
		buf = buf[pn:]
		addr += uint64(pn)
		if len(buf) == 0 {
			return n, nil
		}
	}
	if n == 0 {
		return 0, ErrUnmapped
	}
	return n, &PartialReadError{Addr: addr, Requested: req, Read: n, Cause: ErrUnmapped}
}

func (s *Spliced) WritePhys(addr uint64, data []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Reject atomically unless the whole range is backed.
	if !s.covered(addr, uint64(len(data))) {
		return 0, &PartialWriteError{Addr: addr, Requested: len(data), Written: 0, Cause: ErrUnmapped}
	}
	req := len(data)
	n := 0
	for _, entry := range s.entries {
		entryEnd := entry.offset + entry.length
		if entryEnd <= addr || entry.offset > addr {
			continue
		}
		pd := data
		if addr+uint64(len(data)) > entryEnd {
			pd = pd[:entryEnd-addr]
		}
		pn, err := entry.conn.WritePhys(entry.base+(addr-entry.offset), pd)
		n += pn
		if err != nil {
			return n, &PartialWriteError{Addr: addr + uint64(pn), Requested: req, Written: n, Cause: err}
		}
		data = data[pn:]
		addr += uint64(pn)
		if len(data) == 0 {
			break
		}
	}
	return n, nil
}

// covered reports whether [addr, addr+length) is fully backed.
func (s *Spliced) covered(addr, length uint64) bool {
	remaining := length
	for _, entry := range s.entries {
		if remaining == 0 {
			break
		}
		entryEnd := entry.offset + entry.length
		if entryEnd <= addr {
			continue
		}
		if entry.offset > addr {
			return false
		}
		span := entryEnd - addr
		if span >= remaining {
			return true
		}
		addr += span
		remaining -= span
	}
	return remaining == 0
}

func (s *Spliced) Size() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return 0
	}
	last := s.entries[len(s.entries)-1]
	return last.offset + last.length
}

// Close closes every distinct sub-connector.
func (s *Spliced) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[Connector]bool)
	var first error
	for _, e := range s.entries {
		if seen[e.conn] {
			continue
		}
		seen[e.conn] = true
		if err := e.conn.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.entries = nil
	return first
}
