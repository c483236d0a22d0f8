package image

import (
	"bytes"
	"errors"
	"testing"

	"github.com/go-memscope/memscope/pkg/mem"
	"github.com/go-memscope/memscope/pkg/target"
)

func buildSnapshot(t *testing.T) []byte {
	t.Helper()
	b := NewBuilder()
	b.AddModule("vmlinux", 0xffffffff81000000, 0x2000000)
	b.AddModule("ext4", 0xffffffffc0100000, 0x80000)

	pb := b.AddProcess(1234, "svchost", "/usr/bin/svchost", true)
	pb.SetBase(0x400000)
	text := bytes.Repeat([]byte{0x90}, 0x1000)
	copy(text, []byte{0x55, 0x48, 0x89, 0xe5})
	if err := pb.MapRegion(0x400000, text, "rx", "svchost"); err != nil {
		t.Fatal(err)
	}
	heap := make([]byte, 0x2000)
	copy(heap[0x100:], "needle")
	if err := pb.MapRegion(0x7f0000000000, heap, "rw", "[heap]"); err != nil {
		t.Fatal(err)
	}

	pb2 := b.AddProcess(99, "reaper", "", false)
	if err := pb2.MapRegion(0x500000, []byte{1, 2, 3}, "r", ""); err != nil {
		t.Fatal(err)
	}

	out, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestOpenSnapshot(t *testing.T) {
	img, err := Open(mem.NewBuffer(buildSnapshot(t)), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer img.Close()

	procs, err := img.Processes()
	if err != nil {
		t.Fatal(err)
	}
	if len(procs) != 2 {
		t.Fatalf("got %d processes, want 2", len(procs))
	}
	if procs[0].Pid != 1234 || procs[0].Name != "svchost" || procs[0].Path != "/usr/bin/svchost" {
		t.Errorf("process record mismatch: %+v", procs[0])
	}
	if procs[0].Base != 0x400000 || !procs[0].Alive {
		t.Errorf("process record mismatch: %+v", procs[0])
	}
	if procs[1].Alive {
		t.Error("dead process marked alive")
	}

	mods, err := img.KernelModules()
	if err != nil {
		t.Fatal(err)
	}
	if len(mods) != 2 || mods[0].Name != "vmlinux" || mods[1].Size != 0x80000 {
		t.Errorf("module list mismatch: %+v", mods)
	}
}

func TestSnapshotProcessMemory(t *testing.T) {
	img, err := Open(mem.NewBuffer(buildSnapshot(t)), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer img.Close()

	p, err := img.OpenProcess(target.Selector{Name: "svchost"})
	if err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 4)
	if _, err := p.ReadMemory(buf, 0x400000); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, []byte{0x55, 0x48, 0x89, 0xe5}) {
		t.Errorf("text read mismatch: % x", buf)
	}

	needle := make([]byte, 6)
	if _, err := p.ReadMemory(needle, 0x7f0000000100); err != nil {
		t.Fatal(err)
	}
	if string(needle) != "needle" {
		t.Errorf("heap read mismatch: %q", needle)
	}

	// Unmapped VA.
	if _, err := p.ReadMemory(buf, 0xdead0000); !errors.Is(err, mem.ErrUnmapped) {
		t.Errorf("want ErrUnmapped, got %v", err)
	}

	// Read-only text rejects writes, heap accepts and reads back.
	if _, err := p.WriteMemory(0x400000, []byte{0xcc}); !errors.Is(err, mem.ErrPermissionDenied) {
		t.Errorf("want ErrPermissionDenied, got %v", err)
	}
	if _, err := p.WriteMemory(0x7f0000000100, []byte("patch!")); err != nil {
		t.Fatal(err)
	}
	if _, err := p.ReadMemory(needle, 0x7f0000000100); err != nil {
		t.Fatal(err)
	}
	if string(needle) != "patch!" {
		t.Errorf("write did not stick: %q", needle)
	}

	mmap, err := p.MemoryMap()
	if err != nil {
		t.Fatal(err)
	}
	if len(mmap) != 2 || mmap[0].Label != "svchost" || mmap[1].Protection() != "rw-" {
		t.Errorf("memory map mismatch: %+v", mmap)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	img, err := Open(mem.NewBuffer(buildSnapshot(t)), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer img.Close()

	p, err := img.OpenProcess(target.Selector{Pid: 99})
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 3)
	if _, err := p.ReadMemory(buf, 0x500000); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, []byte{1, 2, 3}) {
		t.Errorf("read % x", buf)
	}
	// The other process's mappings must not leak in.
	if _, err := p.ReadMemory(buf, 0x400000); !errors.Is(err, mem.ErrUnmapped) {
		t.Errorf("want ErrUnmapped, got %v", err)
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	if _, err := Open(mem.NewBuffer(make([]byte, 256)), nil); err == nil {
		t.Error("zeroed header accepted")
	}
	junk := buildSnapshot(t)
	junk[0] ^= 0xff
	if _, err := Open(mem.NewBuffer(junk), nil); err == nil {
		t.Error("corrupt magic accepted")
	}
}

func TestRegisteredBackend(t *testing.T) {
	os, err := target.Open("image", mem.NewBuffer(buildSnapshot(t)), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer os.Close()
	if os.Name() != "image" {
		t.Errorf("backend name %q", os.Name())
	}
}
