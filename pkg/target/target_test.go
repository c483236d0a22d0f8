package target

import (
	"bytes"
	"errors"
	"testing"

	"github.com/go-memscope/memscope/pkg/mem"
	"github.com/go-memscope/memscope/pkg/translate"
	"github.com/go-memscope/memscope/pkg/value"
)

func TestSelectProcessByPid(t *testing.T) {
	list := []ProcessInfo{
		{Pid: 1, Name: "init"},
		{Pid: 42, Name: "worker"},
	}
	p, err := SelectProcess(list, Selector{Pid: 42})
	if err != nil || p.Name != "worker" {
		t.Errorf("got %+v, %v", p, err)
	}
	if _, err := SelectProcess(list, Selector{Pid: 7}); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestSelectProcessByNameFirstMatch(t *testing.T) {
	list := []ProcessInfo{
		{Pid: 10, Name: "svc"},
		{Pid: 20, Name: "worker"},
		{Pid: 30, Name: "worker"},
	}
	// First match in enumeration order, consistently across calls.
	for i := 0; i < 5; i++ {
		p, err := SelectProcess(list, Selector{Name: "worker"})
		if err != nil || p.Pid != 20 {
			t.Fatalf("iteration %d: got %+v, %v", i, p, err)
		}
	}
	if _, err := SelectProcess(list, Selector{Name: "worker", Unique: true}); !errors.Is(err, ErrAmbiguous) {
		t.Errorf("want ErrAmbiguous, got %v", err)
	}
	if _, err := SelectProcess(list, Selector{Name: "Worker"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("name match must be case-sensitive, got %v", err)
	}
}

func TestNormalizeMap(t *testing.T) {
	m, err := NormalizeMap([]MemoryRegion{
		{Start: 0x3000, Size: 0x1000},
		{Start: 0x1000, Size: 0x1000},
	})
	if err != nil {
		t.Fatal(err)
	}
	if m[0].Start != 0x1000 || m[1].Start != 0x3000 {
		t.Errorf("map not sorted: %+v", m)
	}
	for i := 1; i < len(m); i++ {
		if m[i-1].End() > m[i].Start {
			t.Errorf("regions overlap: %+v", m)
		}
	}

	if _, err := NormalizeMap([]MemoryRegion{
		{Start: 0x1000, Size: 0x2000},
		{Start: 0x2000, Size: 0x1000},
	}); err == nil {
		t.Error("overlapping regions should be rejected")
	}

	if _, err := NormalizeMap([]MemoryRegion{
		{Start: 0xfffffffffffff000, Size: 0x2000},
	}); err == nil {
		t.Error("region wrapping the address space should be rejected")
	}
}

func TestRegionFor(t *testing.T) {
	m := MemoryMap{
		{Start: 0x1000, Size: 0x1000},
		{Start: 0x4000, Size: 0x2000},
	}
	if r, ok := m.RegionFor(0x4abc); !ok || r.Start != 0x4000 {
		t.Errorf("RegionFor(0x4abc) = %+v, %v", r, ok)
	}
	if _, ok := m.RegionFor(0x3000); ok {
		t.Error("gap address should not resolve")
	}
}

// staticBackend is a Backend over a fixed map and liveness flag.
type staticBackend struct {
	mmap MemoryMap
	gone bool
}

func (b *staticBackend) MemoryMap() (MemoryMap, error) { return b.mmap, nil }

func (b *staticBackend) Valid() error {
	if b.gone {
		return ErrProcessGone
	}
	return nil
}

// buildProcess maps two virtual pages at 0x10000 backed by
// physical memory, leaving 0x12000 onwards unmapped.
func buildProcess(t *testing.T) (*Process, *mem.Buffer) {
	t.Helper()
	arena := make([]byte, 0)
	tb := translate.NewTableBuilder(&arena)

	// Physical data pages follow the page tables.
	dataPhys := (uint64(len(arena)) + translate.PageSize - 1) &^ uint64(translate.PageSize-1)
	grow := dataPhys + 2*translate.PageSize
	arena = append(arena, make([]byte, int(grow)-len(arena))...)
	for i := 0; i < 2*translate.PageSize; i++ {
		arena[int(dataPhys)+i] = byte(i % 251)
	}

	tb.Map(0x10000, dataPhys, true)
	tb.Map(0x11000, dataPhys+translate.PageSize, true)

	conn := mem.NewBuffer(arena)
	tr, err := translate.NewAMD64(conn, tb.Root(), 0)
	if err != nil {
		t.Fatal(err)
	}
	info := ProcessInfo{Pid: 100, Name: "synthetic", DTB: tb.Root(), Arch: "amd64", Alive: true}
	be := &staticBackend{mmap: MemoryMap{{Start: 0x10000, Size: 2 * translate.PageSize, Read: true, Write: true}}}
	return NewProcess(info, conn, tr, be), conn
}

func TestProcessReadAcrossPages(t *testing.T) {
	p, _ := buildProcess(t)
	buf := make([]byte, 32)
	addr := uint64(0x11000 - 16)
	if _, err := p.ReadMemory(buf, addr); err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	want := make([]byte, 32)
	for i := range want {
		want[i] = byte((0x1000 - 16 + i) % 251)
	}
	if !bytes.Equal(buf, want) {
		t.Errorf("cross-page read mismatch\n got % x\nwant % x", buf, want)
	}
}

func TestProcessPartialReadAtomicCount(t *testing.T) {
	p, _ := buildProcess(t)
	// Read starting in the last mapped page, extending past it.
	buf := make([]byte, 2*translate.PageSize)
	n, err := p.ReadMemory(buf, 0x11000)
	if n != translate.PageSize {
		t.Errorf("read %d bytes, want exactly one page", n)
	}
	var pe *mem.PartialReadError
	if !errors.As(err, &pe) {
		t.Fatalf("want PartialReadError, got %v", err)
	}
	if pe.Read != translate.PageSize || pe.Addr != 0x12000 {
		t.Errorf("PartialReadError = %+v", pe)
	}
}

func TestProcessWriteStraddleRejected(t *testing.T) {
	p, _ := buildProcess(t)
	orig := make([]byte, 8)
	if _, err := p.ReadMemory(orig, 0x11ff8); err != nil {
		t.Fatal(err)
	}

	data := bytes.Repeat([]byte{0xee}, 16)
	n, err := p.WriteMemory(0x11ff8, data)
	if n != 0 {
		t.Errorf("atomic write applied %d bytes", n)
	}
	var pe *mem.PartialWriteError
	if !errors.As(err, &pe) || pe.Written != 0 {
		t.Fatalf("want atomic PartialWriteError, got %v", err)
	}

	after := make([]byte, 8)
	p.ReadMemory(after, 0x11ff8)
	if !bytes.Equal(orig, after) {
		t.Error("rejected write modified the mapped prefix")
	}

	// Best-effort variant applies the mapped prefix.
	n, err = p.WriteMemoryPartial(0x11ff8, data)
	if n != 8 {
		t.Errorf("best-effort write applied %d bytes, want 8", n)
	}
	if !errors.As(err, &pe) || pe.Written != 8 {
		t.Errorf("want PartialWriteError with Written=8, got %v", err)
	}
}

func TestProcessModulesFromMap(t *testing.T) {
	be := &staticBackend{mmap: MemoryMap{
		{Start: 0x400000, Size: 0x1000, Read: true, Exec: true, Label: "/usr/lib/libc.so.6"},
		{Start: 0x401000, Size: 0x2000, Read: true, Label: "/usr/lib/libc.so.6"},
		{Start: 0x500000, Size: 0x1000, Read: true, Write: true, Label: "[heap]"},
		{Start: 0x600000, Size: 0x1000, Read: true, Write: true},
	}}
	p := NewProcess(ProcessInfo{Pid: 1}, nil, nil, be)

	mods, err := p.Modules()
	if err != nil {
		t.Fatal(err)
	}
	want := ModuleInfo{Name: "/usr/lib/libc.so.6", Base: 0x400000, Size: 0x3000}
	if len(mods) != 1 || mods[0] != want {
		t.Fatalf("got %+v, want [%+v]", mods, want)
	}

	m, err := p.ModuleByName("libc.so.6")
	if err != nil || m != want {
		t.Errorf("lookup by basename: %+v, %v", m, err)
	}
	if _, err := p.ModuleByName("libm.so.6"); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestProcessDirectWriteValidated(t *testing.T) {
	// A directly addressed backend (no translator) must still reject a
	// straddling write whole, even though its transport would apply
	// the mapped prefix.
	conn := mem.NewBuffer(make([]byte, translate.PageSize))
	be := &staticBackend{mmap: MemoryMap{
		{Start: 0, Size: translate.PageSize, Read: true, Write: true},
		{Start: 2 * translate.PageSize, Size: translate.PageSize, Read: true},
	}}
	p := NewProcess(ProcessInfo{Pid: 1}, conn, nil, be)

	data := bytes.Repeat([]byte{0xee}, 16)
	n, err := p.WriteMemory(translate.PageSize-8, data)
	if n != 0 {
		t.Errorf("atomic write applied %d bytes", n)
	}
	var pe *mem.PartialWriteError
	if !errors.As(err, &pe) || pe.Written != 0 || !errors.Is(err, mem.ErrUnmapped) {
		t.Fatalf("want atomic PartialWriteError wrapping ErrUnmapped, got %v", err)
	}
	if pe.Addr != translate.PageSize {
		t.Errorf("failure address = %#x, want %#x", pe.Addr, translate.PageSize)
	}

	prefix := make([]byte, 8)
	conn.ReadPhys(prefix, translate.PageSize-8)
	if !bytes.Equal(prefix, make([]byte, 8)) {
		t.Error("rejected write modified the mapped prefix")
	}

	// Read-only regions are rejected up front too.
	if _, err := p.WriteMemory(2*translate.PageSize, data); !errors.Is(err, mem.ErrPermissionDenied) {
		t.Errorf("want ErrPermissionDenied, got %v", err)
	}
}

func TestProcessGone(t *testing.T) {
	p, _ := buildProcess(t)
	p.be.(*staticBackend).gone = true
	if _, err := p.ReadMemory(make([]byte, 4), 0x10000); !errors.Is(err, ErrProcessGone) {
		t.Errorf("want ErrProcessGone, got %v", err)
	}
	if _, err := p.MemoryMap(); !errors.Is(err, ErrProcessGone) {
		t.Errorf("want ErrProcessGone, got %v", err)
	}
}

func TestProcessTypedRoundTrip(t *testing.T) {
	p, _ := buildProcess(t)
	if err := p.WriteValue(0x10010, value.NewUint(value.Uint32, 0xcafe1234)); err != nil {
		t.Fatal(err)
	}
	v, err := p.ReadValue(0x10010, value.Descriptor{Kind: value.Uint32})
	if err != nil {
		t.Fatal(err)
	}
	if v.Uint() != 0xcafe1234 {
		t.Errorf("read back %#x", v.Uint())
	}
}
