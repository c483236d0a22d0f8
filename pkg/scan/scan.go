// Package scan walks process address spaces looking for byte patterns
// and typed values. Scanning is lazy: matches are produced one at a
// time through a pull iterator, and regions that fail to read are
// recorded and skipped rather than aborting the sweep.
package scan

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-memscope/memscope/pkg/logflags"
	"github.com/go-memscope/memscope/pkg/mem"
	"github.com/go-memscope/memscope/pkg/target"
)

// AddressSpace is the surface a scan needs from a process handle.
// *target.Process implements it.
type AddressSpace interface {
	ReadMemory(buf []byte, addr uint64) (int, error)
	MemoryMap() (target.MemoryMap, error)
}

// Options bound a sweep. The zero value scans every readable region
// with a 1 MiB chunk, byte alignment and no match limit.
type Options struct {
	// ChunkSize is the read granularity. Defaults to 1 MiB.
	ChunkSize int

	// Alignment restricts candidate addresses to multiples of this
	// value, measured from the start of each region. Defaults to 1.
	Alignment int

	// Protection filters regions by substring match against their
	// "rwx" form, so "rw-" admits writable non-executable regions
	// only and "x" admits anything executable. Empty requires
	// readability only.
	Protection string

	// MinRegionSize and MaxRegionSize drop regions outside the given
	// bounds. Zero means unbounded.
	MinRegionSize uint64
	MaxRegionSize uint64

	// MaxMatches stops the sweep after this many matches. Zero means
	// unlimited.
	MaxMatches int
}

const defaultChunkSize = 1 << 20

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = defaultChunkSize
	}
	if o.Alignment <= 0 {
		o.Alignment = 1
	}
	return o
}

// Admit reports whether a region passes the option filters.
func (o Options) Admit(r target.MemoryRegion) bool {
	if !r.Read {
		return false
	}
	if !strings.Contains(r.Protection(), o.Protection) {
		return false
	}
	if o.MinRegionSize != 0 && r.Size < o.MinRegionSize {
		return false
	}
	if o.MaxRegionSize != 0 && r.Size > o.MaxRegionSize {
		return false
	}
	return true
}

// Match is one hit. Value holds a copy of the matched window.
type Match struct {
	Addr  uint64
	Value []byte
}

// Skipped records a region the sweep could not fully read.
type Skipped struct {
	Region target.MemoryRegion
	Err    error
}

// Scanner sweeps an address space for a predicate. Use it like
// bufio.Scanner: Next advances to the following match, Err reports a
// terminal failure after Next returns false.
type Scanner struct {
	as   AddressSpace
	pred Predicate
	opts Options
	log  logflags.Logger

	regions []target.MemoryRegion
	ri      int

	buf     []byte // current window, bufBase is its VA
	bufBase uint64
	pos     int    // next candidate offset inside buf
	next    uint64 // next VA to read within the current region
	end     uint64 // current region end

	cur     Match
	found   int
	skipped []Skipped
	err     error
	done    bool
}

// New prepares a sweep over every region of as admitted by opts.
func New(as AddressSpace, pred Predicate, opts Options) (*Scanner, error) {
	opts = opts.withDefaults()
	if pred == nil || pred.Size() == 0 {
		return nil, errors.New("empty scan predicate")
	}
	if pred.Size() > opts.ChunkSize {
		return nil, fmt.Errorf("predicate of %d bytes exceeds chunk size %d", pred.Size(), opts.ChunkSize)
	}
	mmap, err := as.MemoryMap()
	if err != nil {
		return nil, err
	}
	var regions []target.MemoryRegion
	for _, r := range mmap {
		if opts.Admit(r) && r.Size >= uint64(pred.Size()) {
			regions = append(regions, r)
		}
	}
	s := &Scanner{
		as:      as,
		pred:    pred,
		opts:    opts,
		log:     logflags.ScanLogger(),
		regions: regions,
	}
	s.log.Debugf("scanning %d of %d regions, window %d bytes", len(regions), len(mmap), pred.Size())
	return s, nil
}

// Next advances to the next match. It returns false when the sweep is
// exhausted, hit its match limit, or failed; check Err afterwards.
func (s *Scanner) Next() bool {
	if s.done {
		return false
	}
	if s.opts.MaxMatches > 0 && s.found >= s.opts.MaxMatches {
		s.done = true
		return false
	}
	for {
		if m, ok := s.scanBuffer(); ok {
			s.cur = m
			s.found++
			return true
		}
		if !s.refill() {
			s.done = true
			return false
		}
	}
}

// Match returns the match Next advanced to.
func (s *Scanner) Match() Match { return s.cur }

// Err returns the error that terminated the sweep, if any. Unreadable
// regions are not terminal; see Skipped.
func (s *Scanner) Err() error { return s.err }

// Skipped lists the regions the sweep had to pass over.
func (s *Scanner) Skipped() []Skipped { return s.skipped }

// scanBuffer advances pos over the current window looking for a hit.
func (s *Scanner) scanBuffer() (Match, bool) {
	size := s.pred.Size()
	for s.pos+size <= len(s.buf) {
		i := s.pos
		s.pos += s.opts.Alignment
		if s.pred.Match(s.buf[i : i+size]) {
			v := make([]byte, size)
			copy(v, s.buf[i:i+size])
			return Match{Addr: s.bufBase + uint64(i), Value: v}, true
		}
	}
	return Match{}, false
}

// refill loads the next chunk, carrying pred.Size()-1 bytes of overlap
// so matches straddling a chunk boundary are still seen. Returns false
// when no data remains.
func (s *Scanner) refill() bool {
	for {
		if s.next >= s.end {
			// Current region exhausted, move on.
			if s.ri >= len(s.regions) {
				return false
			}
			r := s.regions[s.ri]
			s.ri++
			s.buf = nil
			s.next = r.Start
			s.end = r.End()
			continue
		}

		// Carry the overlap from the tail of the previous chunk.
		var carry []byte
		if overlap := s.pred.Size() - 1; len(s.buf) >= overlap && overlap > 0 {
			carry = s.buf[len(s.buf)-overlap:]
		}

		want := s.opts.ChunkSize - len(carry)
		if rem := s.end - s.next; uint64(want) > rem {
			want = int(rem)
		}
		chunk := make([]byte, len(carry)+want)
		copy(chunk, carry)

		n, err := s.as.ReadMemory(chunk[len(carry):], s.next)
		if err != nil && n == 0 {
			if errors.Is(err, target.ErrProcessGone) || errors.Is(err, mem.ErrConnectorClosed) {
				s.err = err
				return false
			}
			s.skip(err)
			s.next = s.end
			continue
		}
		if err != nil {
			// Keep the mapped prefix, drop the rest of the region.
			s.log.Debugf("partial chunk at %#x: %v", s.next, err)
			s.skip(err)
		}

		s.bufBase = s.next - uint64(len(carry))
		s.buf = chunk[:len(carry)+n]
		s.pos = s.alignedPos(len(carry) - (s.pred.Size() - 1))
		s.next += uint64(n)
		if err != nil {
			s.next = s.end // region abandoned past the prefix
		}
		if s.pos+s.pred.Size() <= len(s.buf) {
			return true
		}
	}
}

// alignedPos returns the first candidate offset >= from that respects
// the alignment option relative to the region start.
func (s *Scanner) alignedPos(from int) int {
	if from < 0 {
		from = 0
	}
	align := uint64(s.opts.Alignment)
	va := s.bufBase + uint64(from)
	region := s.regions[s.ri-1].Start
	if rem := (va - region) % align; rem != 0 {
		va += align - rem
	}
	return int(va - s.bufBase)
}

// skip records the remainder of the current region as unscanned.
func (s *Scanner) skip(err error) {
	r := s.regions[s.ri-1]
	s.skipped = append(s.skipped, Skipped{Region: r, Err: err})
	if len(s.skipped) == 1 {
		s.log.Debugf("skipping region %#x-%#x: %v", r.Start, r.End(), err)
	}
}
