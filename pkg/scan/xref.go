package scan

import (
	"encoding/binary"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/go-memscope/memscope/pkg/logflags"
)

// XrefKind classifies how an instruction reaches its destination.
type XrefKind int

const (
	XrefCall     XrefKind = iota // direct near call
	XrefJump                     // direct near jump
	XrefIndirect                 // call/jump through a rip-relative slot
)

func (k XrefKind) String() string {
	switch k {
	case XrefCall:
		return "call"
	case XrefJump:
		return "jump"
	case XrefIndirect:
		return "indirect"
	}
	return "unknown"
}

// Xref is one code site referencing the sought address.
type Xref struct {
	Addr uint64 // instruction address
	Kind XrefKind
}

// candidate opcodes: e8 call rel32, e9 jmp rel32, ff /2 and /4 with a
// rip-relative operand. Everything else cannot encode a near transfer
// to an absolute 64-bit destination.
func xrefCandidate(b byte) bool {
	return b == 0xe8 || b == 0xe9 || b == 0xff
}

// FindXrefs sweeps the executable regions of as for control transfers
// landing on to. Candidate opcode bytes are located first and only
// those offsets are fed to the decoder. For rip-relative transfers the
// pointer slot is dereferenced through as, so the hit reflects the
// slot's current content.
func FindXrefs(as AddressSpace, to uint64, opts Options) ([]Xref, error) {
	log := logflags.ScanLogger()
	opts = opts.withDefaults()
	opts.Alignment = 1
	if !strings.ContainsRune(opts.Protection, 'x') {
		opts.Protection = "x"
	}

	// The scanner's limit would cap candidate opcodes, not confirmed
	// references, so the cap is applied below instead.
	sweep := opts
	sweep.MaxMatches = 0
	s, err := New(as, opcodePredicate{}, sweep)
	if err != nil {
		return nil, err
	}

	var out []Xref
	for s.Next() {
		m := s.Match()
		// Re-read the full instruction window; at a region tail the
		// prefix that is still mapped is enough for the short forms.
		var window [maxXrefLen]byte
		n, _ := as.ReadMemory(window[:], m.Addr)
		if n == 0 {
			continue
		}
		if x, ok := decodeXref(as, m.Addr, window[:n], to); ok {
			out = append(out, x)
			if opts.MaxMatches > 0 && len(out) >= opts.MaxMatches {
				break
			}
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	log.Debugf("%d cross references to %#x", len(out), to)
	return out, nil
}

// Longest form decoded here: ff 15/25 disp32 = 6 bytes.
const maxXrefLen = 6

// opcodePredicate spots candidate opcode bytes one at a time, so a
// transfer ending flush against a region boundary still surfaces. The
// sweep re-reads the instruction window before decoding.
type opcodePredicate struct{}

func (opcodePredicate) Size() int { return 1 }

func (opcodePredicate) Match(window []byte) bool {
	return xrefCandidate(window[0])
}

// decodeXref confirms a candidate window really is a transfer to the
// sought address.
func decodeXref(as AddressSpace, addr uint64, window []byte, to uint64) (Xref, bool) {
	inst, err := x86asm.Decode(window, 64)
	if err != nil {
		return Xref{}, false
	}
	var kind XrefKind
	switch inst.Op {
	case x86asm.CALL:
		kind = XrefCall
	case x86asm.JMP:
		kind = XrefJump
	default:
		return Xref{}, false
	}
	if len(inst.Args) == 0 || inst.Args[0] == nil {
		return Xref{}, false
	}
	next := addr + uint64(inst.Len)
	switch arg := inst.Args[0].(type) {
	case x86asm.Rel:
		if next+uint64(int64(arg)) == to {
			return Xref{Addr: addr, Kind: kind}, true
		}
	case x86asm.Mem:
		if arg.Base != x86asm.RIP || arg.Index != 0 {
			return Xref{}, false
		}
		slot := next + uint64(arg.Disp)
		var raw [8]byte
		if _, err := as.ReadMemory(raw[:], slot); err != nil {
			return Xref{}, false
		}
		if binary.LittleEndian.Uint64(raw[:]) == to {
			return Xref{Addr: addr, Kind: XrefIndirect}, true
		}
	}
	return Xref{}, false
}
