package scan

import (
	"encoding/binary"
	"testing"
)

// emitCall writes "e8 rel32" at off targeting dst.
func emitCall(code []byte, base uint64, off int, dst uint64) {
	code[off] = 0xe8
	rel := int32(dst - (base + uint64(off) + 5))
	binary.LittleEndian.PutUint32(code[off+1:], uint32(rel))
}

// emitJmp writes "e9 rel32" at off targeting dst.
func emitJmp(code []byte, base uint64, off int, dst uint64) {
	code[off] = 0xe9
	rel := int32(dst - (base + uint64(off) + 5))
	binary.LittleEndian.PutUint32(code[off+1:], uint32(rel))
}

// emitIndirectCall writes "ff 15 disp32" at off reading its
// destination from slot.
func emitIndirectCall(code []byte, base uint64, off int, slot uint64) {
	code[off] = 0xff
	code[off+1] = 0x15
	disp := int32(slot - (base + uint64(off) + 6))
	binary.LittleEndian.PutUint32(code[off+2:], uint32(disp))
}

func TestFindXrefs(t *testing.T) {
	const (
		codeBase = uint64(0x401000)
		dataBase = uint64(0x601000)
		fn       = uint64(0x401800) // sought function
		slot     = dataBase + 0x40  // import-table style pointer
	)

	code := make([]byte, 0x1000)
	for i := range code {
		code[i] = 0x90
	}
	emitCall(code, codeBase, 0x10, fn)
	emitJmp(code, codeBase, 0x80, fn)
	emitIndirectCall(code, codeBase, 0x100, slot)
	emitCall(code, codeBase, 0x200, fn+0x20)        // different destination
	emitIndirectCall(code, codeBase, 0x300, slot+8) // slot holds garbage

	data := make([]byte, 0x1000)
	binary.LittleEndian.PutUint64(data[0x40:], fn)
	binary.LittleEndian.PutUint64(data[0x48:], 0x1122334455667788)

	rc, _ := region(codeBase, 0x1000, "rx", nil)
	rd, _ := region(dataBase, 0x1000, "rw", nil)
	fs := newSpace(t, rc, rd)
	fs.data[codeBase] = code
	fs.data[dataBase] = data

	xrefs, err := FindXrefs(fs, fn, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(xrefs) != 3 {
		t.Fatalf("got %d xrefs, want 3: %+v", len(xrefs), xrefs)
	}
	want := []Xref{
		{Addr: codeBase + 0x10, Kind: XrefCall},
		{Addr: codeBase + 0x80, Kind: XrefJump},
		{Addr: codeBase + 0x100, Kind: XrefIndirect},
	}
	for i, x := range xrefs {
		if x != want[i] {
			t.Errorf("xref %d = %+v, want %+v", i, x, want[i])
		}
	}
}

func TestFindXrefsAtRegionEnd(t *testing.T) {
	// A call whose last byte is the final byte of the region.
	const codeBase = uint64(0x401000)
	const fn = uint64(0x400800)
	code := make([]byte, 0x1000)
	for i := range code {
		code[i] = 0x90
	}
	emitCall(code, codeBase, 0x1000-5, fn)

	rc, _ := region(codeBase, 0x1000, "rx", nil)
	fs := newSpace(t, rc)
	fs.data[codeBase] = code

	xrefs, err := FindXrefs(fs, fn, Options{})
	if err != nil {
		t.Fatal(err)
	}
	want := Xref{Addr: codeBase + 0x1000 - 5, Kind: XrefCall}
	if len(xrefs) != 1 || xrefs[0] != want {
		t.Fatalf("got %+v, want [%+v]", xrefs, want)
	}
}

func TestFindXrefsMaxMatches(t *testing.T) {
	const codeBase = uint64(0x401000)
	const fn = uint64(0x402000)
	code := make([]byte, 0x1000)
	for i := range code {
		code[i] = 0x90
	}
	for off := 0x10; off < 0x100; off += 0x10 {
		emitCall(code, codeBase, off, fn)
	}
	rc, _ := region(codeBase, 0x1000, "rx", nil)
	fs := newSpace(t, rc)
	fs.data[codeBase] = code

	xrefs, err := FindXrefs(fs, fn, Options{MaxMatches: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(xrefs) != 4 {
		t.Errorf("got %d xrefs, want 4", len(xrefs))
	}
}

func TestXrefKindString(t *testing.T) {
	if XrefCall.String() != "call" || XrefJump.String() != "jump" || XrefIndirect.String() != "indirect" {
		t.Error("kind names changed")
	}
}
