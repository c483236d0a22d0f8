package session

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-memscope/memscope/pkg/config"
	"github.com/go-memscope/memscope/pkg/mem"
	"github.com/go-memscope/memscope/pkg/scan"
	"github.com/go-memscope/memscope/pkg/target"
	"github.com/go-memscope/memscope/pkg/target/image"
	"github.com/go-memscope/memscope/pkg/value"
)

const marker = "all systems nominal"

// testImage builds a small snapshot with a text editor process whose
// heap carries UTF-16 text, plus a decoy process.
func testImage(t *testing.T) []byte {
	t.Helper()
	b := image.NewBuilder()
	b.AddModule("vmlinux", 0xffffffff81000000, 0x1000000)

	pb := b.AddProcess(33216, "notepad.exe", `C:\Windows\notepad.exe`, true)
	pb.SetBase(0x7ff650e20000)

	heap := make([]byte, 0x3000)
	enc, err := value.NewString16(marker).Encode(binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	copy(heap[0x120:], enc)
	copy(heap[0x2f00:], enc)
	binary.LittleEndian.PutUint32(heap[0x400:], 1337)
	if err := pb.MapRegion(0x1a2b3c0000, heap, "rw", "[heap]"); err != nil {
		t.Fatal(err)
	}
	text := bytes.Repeat([]byte{0x90}, 0x1000)
	if err := pb.MapRegion(0x7ff650e20000, text, "rx", "notepad.exe"); err != nil {
		t.Fatal(err)
	}

	decoy := b.AddProcess(4, "notation-helper", "", true)
	if err := decoy.MapRegion(0x10000, make([]byte, 0x1000), "rw", ""); err != nil {
		t.Fatal(err)
	}

	out, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func attach(t *testing.T) *Session {
	t.Helper()
	img, err := image.Open(mem.NewBuffer(testImage(t)), nil)
	if err != nil {
		t.Fatal(err)
	}
	s := Attach(img, nil)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionModules(t *testing.T) {
	s := attach(t)
	mods, err := s.Modules(target.Selector{Pid: 33216})
	if err != nil {
		t.Fatal(err)
	}
	// The heap is a pseudo mapping, only the mapped binary counts.
	if len(mods) != 1 {
		t.Fatalf("got %+v, want the mapped binary only", mods)
	}
	want := target.ModuleInfo{Name: "notepad.exe", Base: 0x7ff650e20000, Size: 0x1000}
	if mods[0] != want {
		t.Errorf("got %+v, want %+v", mods[0], want)
	}
}

func TestSessionRescanNarrow(t *testing.T) {
	s := attach(t)
	sel := target.Selector{Pid: 33216}
	const heap = uint64(0x1a2b3c0000)

	// Plant a second copy of the counter, then narrow down to the one
	// that moves between sweeps.
	if err := s.WriteValue(sel, heap+0x500, value.NewUint(value.Uint32, 1337)); err != nil {
		t.Fatal(err)
	}
	matches, _, err := s.ScanValue(sel, value.NewUint(value.Uint32, 1337), scan.Options{Alignment: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("initial scan: got %+v, want 2 matches", matches)
	}

	if err := s.WriteValue(sel, heap+0x400, value.NewUint(value.Uint32, 1400)); err != nil {
		t.Fatal(err)
	}
	d := value.Descriptor{Kind: value.Uint32}

	got, err := s.Rescan(sel, matches, d, scan.CompareChanged, value.Value{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Addr != heap+0x400 {
		t.Fatalf("changed: got %+v, want the moved site", got)
	}

	got, err = s.Rescan(sel, matches, d, scan.CompareGreater, value.NewUint(value.Uint32, 1350))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Addr != heap+0x400 {
		t.Fatalf("greater: got %+v, want the moved site", got)
	}

	got, err = s.Rescan(sel, matches, d, scan.CompareEqual, value.NewUint(value.Uint32, 1337))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Addr != heap+0x500 {
		t.Fatalf("equal: got %+v, want the planted site", got)
	}
}

func TestSessionFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.img")
	if err := os.WriteFile(path, testImage(t), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		Connector:        "file",
		ConnectorOptions: map[string]string{"path": path},
		Backend:          "image",
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if s.Backend() != "image" {
		t.Errorf("backend %q", s.Backend())
	}
	procs, err := s.Processes()
	if err != nil {
		t.Fatal(err)
	}
	if len(procs) != 2 {
		t.Errorf("got %d processes", len(procs))
	}
}

func TestFindProcessesByPrefix(t *testing.T) {
	s := attach(t)
	got, err := s.FindProcesses("not")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("prefix \"not\": got %+v", got)
	}
	got, err = s.FindProcesses("notepad")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Pid != 33216 {
		t.Errorf("prefix \"notepad\": got %+v", got)
	}
	got, err = s.FindProcesses("zzz")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("prefix \"zzz\": got %+v", got)
	}
}

func TestScanAndPatch(t *testing.T) {
	s := attach(t)
	sel := target.Selector{Name: "notepad.exe"}

	matches, skipped, err := s.ScanValue(sel, value.NewString16(marker), scan.Options{Alignment: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(skipped) != 0 {
		t.Errorf("skipped regions in a snapshot: %+v", skipped)
	}
	if len(matches) != 2 || matches[0].Addr != 0x1a2b3c0120 || matches[1].Addr != 0x1a2b3c2f00 {
		t.Fatalf("matches = %+v", matches)
	}

	applied, err := s.WriteMatches(sel, matches, []byte{'X'})
	if err != nil {
		t.Fatal(err)
	}
	if applied != 2 {
		t.Errorf("applied %d patches, want 2", applied)
	}
	for _, m := range matches {
		got, err := s.ReadBytes(sel, m.Addr, 1)
		if err != nil {
			t.Fatal(err)
		}
		if got[0] != 'X' {
			t.Errorf("patch at %#x did not stick: %#x", m.Addr, got[0])
		}
	}
}

func TestScanTypedValue(t *testing.T) {
	s := attach(t)
	sel := target.Selector{Pid: 33216}

	matches, _, err := s.ScanValue(sel, value.NewUint(value.Uint32, 1337), scan.Options{Alignment: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Addr != 0x1a2b3c0400 {
		t.Fatalf("matches = %+v", matches)
	}

	v, err := s.ReadValue(sel, matches[0].Addr, value.Descriptor{Kind: value.Uint32})
	if err != nil {
		t.Fatal(err)
	}
	if v.Uint() != 1337 {
		t.Errorf("read back %d", v.Uint())
	}
	if err := s.WriteValue(sel, matches[0].Addr, value.NewUint(value.Uint32, 7331)); err != nil {
		t.Fatal(err)
	}
	v, err = s.ReadValue(sel, matches[0].Addr, value.Descriptor{Kind: value.Uint32})
	if err != nil {
		t.Fatal(err)
	}
	if v.Uint() != 7331 {
		t.Errorf("after write: %d", v.Uint())
	}
}

func TestScanPattern(t *testing.T) {
	s := attach(t)
	sel := target.Selector{Pid: 33216}
	// 39 05 = little-endian 1337 with a preceding zero byte.
	matches, _, err := s.ScanPattern(sel, "39 05 00 00", scan.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Addr != 0x1a2b3c0400 {
		t.Errorf("matches = %+v", matches)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := attach(t)
	sel := target.Selector{Pid: 33216}

	var buf bytes.Buffer
	if err := s.Snapshot(sel, &buf, SnapshotOptions{}); err != nil {
		t.Fatal(err)
	}

	img, err := image.Open(mem.NewBuffer(buf.Bytes()), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer img.Close()
	procs, err := img.Processes()
	if err != nil {
		t.Fatal(err)
	}
	if len(procs) != 1 || procs[0].Pid != 33216 || procs[0].Name != "notepad.exe" {
		t.Fatalf("recaptured processes = %+v", procs)
	}
	p, err := img.OpenProcess(target.Selector{Pid: 33216})
	if err != nil {
		t.Fatal(err)
	}
	enc, _ := value.NewString16(marker).Encode(binary.LittleEndian)
	got := make([]byte, len(enc))
	if _, err := p.ReadMemory(got, 0x1a2b3c0120); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, enc) {
		t.Error("recaptured heap differs from the original")
	}
	mods, err := img.KernelModules()
	if err != nil {
		t.Fatal(err)
	}
	if len(mods) != 1 || mods[0].Name != "vmlinux" {
		t.Errorf("recaptured modules = %+v", mods)
	}
}

func TestOpenCachesHandles(t *testing.T) {
	s := attach(t)
	p1, err := s.Open(target.Selector{Pid: 33216})
	if err != nil {
		t.Fatal(err)
	}
	p2, err := s.Open(target.Selector{Pid: 33216})
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Error("same pid produced distinct handles")
	}
}
