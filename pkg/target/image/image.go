// Package image implements an OS backend over captured memory snapshots.
//
// A snapshot is a single flat file (usually opened through the file
// connector) carrying the process table, kernel module list, per-process
// memory maps and a physical memory payload. Process address spaces are
// reconstructed by walking the AMD64 page tables embedded in the payload,
// rooted at each process record's DTB.
package image

import (
	"encoding/binary"
	"fmt"

	"github.com/go-memscope/memscope/pkg/logflags"
	"github.com/go-memscope/memscope/pkg/mem"
	"github.com/go-memscope/memscope/pkg/target"
	"github.com/go-memscope/memscope/pkg/translate"
)

// Snapshot file layout, all fields little-endian:
//
//	+0	magic "MSCOPE1\x00"
//	+8	u32 format version
//	+12	u32 process count
//	+16	u64 process table offset
//	+24	u32 module count
//	+28	u32 region count
//	+32	u64 module table offset
//	+40	u64 region table offset
//	+48	u64 payload offset
//	+56	u64 payload size
//
// Record tables are packed streams of variable-length records; offsets
// inside page table entries are relative to the payload, not the file.
const (
	magic      = "MSCOPE1\x00"
	version    = 1
	headerSize = 64
)

const (
	archAMD64 = 1

	protRead  = 1 << 0
	protWrite = 1 << 1
	protExec  = 1 << 2
)

func init() {
	target.Register("image", func(conn mem.Connector, opts map[string]string) (target.OS, error) {
		return Open(conn, opts)
	})
}

// Image is a parsed snapshot. It owns the connector it was opened over.
type Image struct {
	conn    mem.Connector
	payload mem.Connector

	procs   []target.ProcessInfo
	mods    []target.ModuleInfo
	regions map[int]target.MemoryMap

	log logflags.Logger
}

var _ target.OS = (*Image)(nil)

// Open parses the snapshot accessible through conn.
func Open(conn mem.Connector, opts map[string]string) (*Image, error) {
	hdr := make([]byte, headerSize)
	if _, err := conn.ReadPhys(hdr, 0); err != nil {
		return nil, fmt.Errorf("reading snapshot header: %w", err)
	}
	if string(hdr[:8]) != magic {
		return nil, fmt.Errorf("not a memory snapshot (bad magic % x)", hdr[:8])
	}
	if v := binary.LittleEndian.Uint32(hdr[8:]); v != version {
		return nil, fmt.Errorf("unsupported snapshot version %d", v)
	}

	img := &Image{
		conn:    conn,
		regions: make(map[int]target.MemoryMap),
		log:     logflags.TargetLogger(),
	}

	procCount := binary.LittleEndian.Uint32(hdr[12:])
	procOff := binary.LittleEndian.Uint64(hdr[16:])
	modCount := binary.LittleEndian.Uint32(hdr[24:])
	regionCount := binary.LittleEndian.Uint32(hdr[28:])
	modOff := binary.LittleEndian.Uint64(hdr[32:])
	regionOff := binary.LittleEndian.Uint64(hdr[40:])
	payloadOff := binary.LittleEndian.Uint64(hdr[48:])
	payloadSize := binary.LittleEndian.Uint64(hdr[56:])

	if payloadOff+payloadSize > conn.Size() {
		return nil, fmt.Errorf("payload extends past end of snapshot")
	}
	img.payload = mem.NewOffset(conn, payloadOff, payloadSize)

	r := &recordReader{conn: conn, off: procOff}
	for i := uint32(0); i < procCount; i++ {
		pid := r.u32()
		alive := r.u8()
		arch := r.u8()
		nameLen := r.u16()
		base := r.u64()
		dtb := r.u64()
		pathLen := r.u16()
		name := r.str(int(nameLen))
		path := r.str(int(pathLen))
		if r.err != nil {
			return nil, fmt.Errorf("process table truncated: %w", r.err)
		}
		if arch != archAMD64 {
			return nil, fmt.Errorf("process %d: unknown architecture tag %d", pid, arch)
		}
		img.procs = append(img.procs, target.ProcessInfo{
			Pid:   int(pid),
			Name:  name,
			Path:  path,
			Base:  base,
			DTB:   dtb,
			Arch:  "amd64",
			Alive: alive != 0,
		})
	}

	r = &recordReader{conn: conn, off: modOff}
	for i := uint32(0); i < modCount; i++ {
		base := r.u64()
		size := r.u64()
		nameLen := r.u16()
		name := r.str(int(nameLen))
		if r.err != nil {
			return nil, fmt.Errorf("module table truncated: %w", r.err)
		}
		img.mods = append(img.mods, target.ModuleInfo{Name: name, Base: base, Size: size})
	}

	r = &recordReader{conn: conn, off: regionOff}
	raw := make(map[int][]target.MemoryRegion)
	for i := uint32(0); i < regionCount; i++ {
		pid := r.u32()
		start := r.u64()
		size := r.u64()
		prot := r.u8()
		labelLen := r.u16()
		label := r.str(int(labelLen))
		if r.err != nil {
			return nil, fmt.Errorf("region table truncated: %w", r.err)
		}
		raw[int(pid)] = append(raw[int(pid)], target.MemoryRegion{
			Start: start,
			Size:  size,
			Read:  prot&protRead != 0,
			Write: prot&protWrite != 0,
			Exec:  prot&protExec != 0,
			Label: label,
		})
	}
	for pid, regs := range raw {
		m, err := target.NormalizeMap(regs)
		if err != nil {
			return nil, fmt.Errorf("process %d: %w", pid, err)
		}
		img.regions[pid] = m
	}

	img.log.Debugf("opened snapshot: %d processes, %d modules, %d regions", procCount, modCount, regionCount)
	return img, nil
}

func (img *Image) Name() string { return "image" }

func (img *Image) Processes() ([]target.ProcessInfo, error) {
	out := make([]target.ProcessInfo, len(img.procs))
	copy(out, img.procs)
	return out, nil
}

func (img *Image) KernelModules() ([]target.ModuleInfo, error) {
	out := make([]target.ModuleInfo, len(img.mods))
	copy(out, img.mods)
	return out, nil
}

// OpenProcess builds a process handle whose reads walk the snapshot's
// page tables. Writes patch the payload in place when the snapshot was
// opened writable.
func (img *Image) OpenProcess(sel target.Selector) (*target.Process, error) {
	info, err := target.SelectProcess(img.procs, sel)
	if err != nil {
		return nil, err
	}
	tr, err := translate.NewAMD64(img.payload, info.DTB, 0)
	if err != nil {
		return nil, fmt.Errorf("process %d: %w", info.Pid, err)
	}
	be := &snapshotBackend{mmap: img.regions[info.Pid]}
	return target.NewProcess(info, img.payload, tr, be), nil
}

func (img *Image) Close() error { return img.conn.Close() }

// snapshotBackend serves the memory map captured at snapshot time.
// Snapshot processes never disappear, dead ones stay readable.
type snapshotBackend struct {
	mmap target.MemoryMap
}

func (b *snapshotBackend) MemoryMap() (target.MemoryMap, error) { return b.mmap, nil }
func (b *snapshotBackend) Valid() error                         { return nil }

// recordReader cursors over a packed record table, deferring error
// checks to the end of each record.
type recordReader struct {
	conn mem.Connector
	off  uint64
	err  error
}

func (r *recordReader) read(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	buf := make([]byte, n)
	if _, err := r.conn.ReadPhys(buf, r.off); err != nil {
		r.err = err
		return buf
	}
	r.off += uint64(n)
	return buf
}

func (r *recordReader) u8() uint8   { return r.read(1)[0] }
func (r *recordReader) u16() uint16 { return binary.LittleEndian.Uint16(r.read(2)) }
func (r *recordReader) u32() uint32 { return binary.LittleEndian.Uint32(r.read(4)) }
func (r *recordReader) u64() uint64 { return binary.LittleEndian.Uint64(r.read(8)) }
func (r *recordReader) str(n int) string {
	return string(r.read(n))
}
