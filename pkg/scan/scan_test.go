package scan

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/go-memscope/memscope/pkg/mem"
	"github.com/go-memscope/memscope/pkg/target"
	"github.com/go-memscope/memscope/pkg/value"
)

// fakeSpace is an address space assembled from literal regions. A
// region whose backing slice is shorter than its Size reads only the
// prefix, like a mapping torn out from under a live scan.
type fakeSpace struct {
	regions target.MemoryMap
	data    map[uint64][]byte
}

func (f *fakeSpace) MemoryMap() (target.MemoryMap, error) { return f.regions, nil }

func (f *fakeSpace) ReadMemory(buf []byte, addr uint64) (int, error) {
	r, ok := f.regions.RegionFor(addr)
	if !ok {
		return 0, mem.ErrUnmapped
	}
	data := f.data[r.Start]
	off := addr - r.Start
	if off >= uint64(len(data)) {
		return 0, mem.ErrUnmapped
	}
	n := copy(buf, data[off:])
	if n < len(buf) {
		return n, &mem.PartialReadError{Addr: addr + uint64(n), Requested: len(buf), Read: n, Cause: mem.ErrUnmapped}
	}
	return n, nil
}

func region(start, size uint64, prot string, data []byte) (target.MemoryRegion, []byte) {
	return target.MemoryRegion{
		Start: start,
		Size:  size,
		Read:  strings.ContainsRune(prot, 'r'),
		Write: strings.ContainsRune(prot, 'w'),
		Exec:  strings.ContainsRune(prot, 'x'),
	}, data
}

func newSpace(t *testing.T, regs ...target.MemoryRegion) *fakeSpace {
	t.Helper()
	m, err := target.NormalizeMap(regs)
	if err != nil {
		t.Fatal(err)
	}
	return &fakeSpace{regions: m, data: make(map[uint64][]byte)}
}

func collect(t *testing.T, s *Scanner) []Match {
	t.Helper()
	var out []Match
	for s.Next() {
		out = append(out, s.Match())
	}
	if err := s.Err(); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	return out
}

func TestScanExact(t *testing.T) {
	data := make([]byte, 0x300)
	copy(data[0x10:], "needle")
	copy(data[0x3d:], "needle") // straddles the 64-byte chunk boundary
	copy(data[0x2fa:], "needle")
	r, d := region(0x1000, 0x300, "rw", data)
	fs := newSpace(t, r)
	fs.data[r.Start] = d

	s, err := New(fs, Exact("needle"), Options{ChunkSize: 64})
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, s)
	want := []uint64{0x1010, 0x103d, 0x12fa}
	if len(got) != len(want) {
		t.Fatalf("got %d matches, want %d: %+v", len(got), len(want), got)
	}
	for i, m := range got {
		if m.Addr != want[i] {
			t.Errorf("match %d at %#x, want %#x", i, m.Addr, want[i])
		}
		if string(m.Value) != "needle" {
			t.Errorf("match %d value %q", i, m.Value)
		}
	}
}

func TestScanAlignment(t *testing.T) {
	data := make([]byte, 0x100)
	binary.LittleEndian.PutUint32(data[0x20:], 0xfeedface) // aligned
	binary.LittleEndian.PutUint32(data[0x31:], 0xfeedface) // misaligned
	r, d := region(0x1000, 0x100, "rw", data)
	fs := newSpace(t, r)
	fs.data[r.Start] = d

	pred, err := ForValue(value.NewUint(value.Uint32, 0xfeedface), binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(fs, pred, Options{Alignment: 4})
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, s)
	if len(got) != 1 || got[0].Addr != 0x1020 {
		t.Errorf("got %+v, want single match at 0x1020", got)
	}
}

func TestScanMaxMatches(t *testing.T) {
	data := bytes.Repeat([]byte{0xab}, 0x100)
	r, d := region(0x1000, 0x100, "rw", data)
	fs := newSpace(t, r)
	fs.data[r.Start] = d

	s, err := New(fs, Exact{0xab}, Options{MaxMatches: 7})
	if err != nil {
		t.Fatal(err)
	}
	if got := collect(t, s); len(got) != 7 {
		t.Errorf("got %d matches, want 7", len(got))
	}
}

func TestScanProtectionFilter(t *testing.T) {
	rw, rwData := region(0x1000, 0x100, "rw", bytes.Repeat([]byte{1}, 0x100))
	ro, roData := region(0x2000, 0x100, "r", bytes.Repeat([]byte{1}, 0x100))
	fs := newSpace(t, rw, ro)
	fs.data[rw.Start] = rwData
	fs.data[ro.Start] = roData

	s, err := New(fs, Exact{1}, Options{Protection: "rw"})
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range collect(t, s) {
		if m.Addr >= 0x2000 {
			t.Fatalf("match %#x came from a filtered region", m.Addr)
		}
	}
}

func TestAdmitProtectionSubstring(t *testing.T) {
	rwx, _ := region(0x1000, 0x100, "rwx", nil)
	rw, _ := region(0x2000, 0x100, "rw", nil)
	rx, _ := region(0x3000, 0x100, "rx", nil)

	for _, tc := range []struct {
		filter string
		r      target.MemoryRegion
		want   bool
	}{
		{"", rwx, true},
		{"rw-", rw, true},
		{"rw-", rwx, false},
		{"r-x", rx, true},
		{"r-x", rwx, false},
		{"w", rwx, true},
		{"w", rx, false},
		{"x", rwx, true},
		{"x", rw, false},
	} {
		if got := (Options{Protection: tc.filter}).Admit(tc.r); got != tc.want {
			t.Errorf("Admit(%q, %s) = %v, want %v", tc.filter, tc.r.Protection(), got, tc.want)
		}
	}
}

func TestScanSkipsTornRegion(t *testing.T) {
	good, goodData := region(0x1000, 0x100, "rw", make([]byte, 0x100))
	copy(goodData[0x80:], "needle")
	// Only the first 0x40 bytes of this region still read.
	torn, tornData := region(0x2000, 0x100, "rw", make([]byte, 0x40))
	copy(tornData[0x10:], "needle")
	tail, tailData := region(0x3000, 0x100, "rw", make([]byte, 0x100))
	copy(tailData[0x20:], "needle")

	fs := newSpace(t, good, torn, tail)
	fs.data[good.Start] = goodData
	fs.data[torn.Start] = tornData
	fs.data[tail.Start] = tailData

	s, err := New(fs, Exact("needle"), Options{})
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, s)
	want := []uint64{0x1080, 0x2010, 0x3020}
	if len(got) != 3 {
		t.Fatalf("got %+v, want matches at %#x", got, want)
	}
	for i, m := range got {
		if m.Addr != want[i] {
			t.Errorf("match %d at %#x, want %#x", i, m.Addr, want[i])
		}
	}
	skipped := s.Skipped()
	if len(skipped) != 1 || skipped[0].Region.Start != 0x2000 {
		t.Errorf("skipped = %+v, want the torn region", skipped)
	}
	if !errors.Is(skipped[0].Err, mem.ErrUnmapped) {
		t.Errorf("skip cause = %v", skipped[0].Err)
	}
}

func TestParsePattern(t *testing.T) {
	p, err := ParsePattern("48 8b ?? 05")
	if err != nil {
		t.Fatal(err)
	}
	if p.Size() != 4 {
		t.Fatalf("size %d", p.Size())
	}
	if !p.Match([]byte{0x48, 0x8b, 0xff, 0x05}) {
		t.Error("wildcard position should match any byte")
	}
	if p.Match([]byte{0x48, 0x8b, 0xff, 0x06}) {
		t.Error("literal mismatch accepted")
	}
	if p.String() != "48 8b ?? 05" {
		t.Errorf("String() = %q", p.String())
	}

	if q, err := ParsePattern("488b??05"); err != nil || q.String() != p.String() {
		t.Errorf("unspaced form: %v, %v", q, err)
	}

	for _, bad := range []string{"", "4", "4g", "?? 48", "48 8"} {
		if _, err := ParsePattern(bad); err == nil {
			t.Errorf("accepted %q", bad)
		}
	}
}

func TestScanPattern(t *testing.T) {
	data := make([]byte, 0x100)
	copy(data[0x44:], []byte{0x48, 0x8b, 0x05, 0x11, 0x22})
	copy(data[0x90:], []byte{0x48, 0x8b, 0x0d, 0x33, 0x44})
	r, d := region(0x1000, 0x100, "rx", data)
	fs := newSpace(t, r)
	fs.data[r.Start] = d

	p, err := ParsePattern("48 8b ?? ?? ??")
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(fs, p, Options{})
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, s)
	if len(got) != 2 || got[0].Addr != 0x1044 || got[1].Addr != 0x1090 {
		t.Errorf("got %+v", got)
	}
}
