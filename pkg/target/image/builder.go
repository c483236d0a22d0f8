package image

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/go-memscope/memscope/pkg/target"
	"github.com/go-memscope/memscope/pkg/translate"
)

// Builder assembles a snapshot in memory. Processes share one physical
// payload arena; each process gets its own page table hierarchy inside
// it, so distinct processes can map the same payload pages.
type Builder struct {
	payload []byte
	procs   []*ProcessBuilder
	mods    []target.ModuleInfo
}

func NewBuilder() *Builder {
	return &Builder{}
}

// AddModule records a kernel module in the snapshot's global list.
func (b *Builder) AddModule(name string, base, size uint64) {
	b.mods = append(b.mods, target.ModuleInfo{Name: name, Base: base, Size: size})
}

// AddProcess allocates a fresh address space rooted in the shared
// payload and returns a builder for populating it.
func (b *Builder) AddProcess(pid int, name, path string, alive bool) *ProcessBuilder {
	pb := &ProcessBuilder{
		b:  b,
		tb: translate.NewTableBuilder(&b.payload),
		info: target.ProcessInfo{
			Pid:   pid,
			Name:  name,
			Path:  path,
			Arch:  "amd64",
			Alive: alive,
		},
	}
	b.procs = append(b.procs, pb)
	return pb
}

// ProcessBuilder populates one process's address space.
type ProcessBuilder struct {
	b       *Builder
	tb      *translate.TableBuilder
	info    target.ProcessInfo
	regions []target.MemoryRegion
}

// SetBase records the main module's load address.
func (pb *ProcessBuilder) SetBase(base uint64) { pb.info.Base = base }

// MapRegion places data at virtual address va, padding it out to whole
// pages. prot is a subset of "rwx"; pages are mapped writable only when
// prot contains 'w'.
func (pb *ProcessBuilder) MapRegion(va uint64, data []byte, prot, label string) error {
	if va%translate.PageSize != 0 {
		return fmt.Errorf("region at %#x: start not page aligned", va)
	}
	npages := (uint64(len(data)) + translate.PageSize - 1) / translate.PageSize
	if npages == 0 {
		return fmt.Errorf("region at %#x: empty", va)
	}

	// Region data starts on a fresh payload page.
	pa := (uint64(len(pb.b.payload)) + translate.PageSize - 1) &^ uint64(translate.PageSize-1)
	grow := pa + npages*translate.PageSize
	pb.b.payload = append(pb.b.payload, make([]byte, grow-uint64(len(pb.b.payload)))...)
	copy(pb.b.payload[pa:], data)

	writable := strings.ContainsRune(prot, 'w')
	for i := uint64(0); i < npages; i++ {
		pb.tb.Map(va+i*translate.PageSize, pa+i*translate.PageSize, writable)
	}

	pb.regions = append(pb.regions, target.MemoryRegion{
		Start: va,
		Size:  npages * translate.PageSize,
		Read:  strings.ContainsRune(prot, 'r'),
		Write: writable,
		Exec:  strings.ContainsRune(prot, 'x'),
		Label: label,
	})
	return nil
}

// Bytes serializes the snapshot.
func (b *Builder) Bytes() ([]byte, error) {
	var procTab, modTab, regionTab []byte
	regionCount := 0

	for _, pb := range b.procs {
		if _, err := target.NormalizeMap(pb.regions); err != nil {
			return nil, fmt.Errorf("process %d: %w", pb.info.Pid, err)
		}
		if pb.info.Pid < 0 || pb.info.Pid > math.MaxUint32 {
			return nil, fmt.Errorf("process id %d out of range", pb.info.Pid)
		}
		rec := make([]byte, 0, 32+len(pb.info.Name)+len(pb.info.Path))
		rec = binary.LittleEndian.AppendUint32(rec, uint32(pb.info.Pid))
		if pb.info.Alive {
			rec = append(rec, 1)
		} else {
			rec = append(rec, 0)
		}
		rec = append(rec, archAMD64)
		rec = binary.LittleEndian.AppendUint16(rec, uint16(len(pb.info.Name)))
		rec = binary.LittleEndian.AppendUint64(rec, pb.info.Base)
		rec = binary.LittleEndian.AppendUint64(rec, pb.tb.Root())
		rec = binary.LittleEndian.AppendUint16(rec, uint16(len(pb.info.Path)))
		rec = append(rec, pb.info.Name...)
		rec = append(rec, pb.info.Path...)
		procTab = append(procTab, rec...)

		for _, reg := range pb.regions {
			var prot uint8
			if reg.Read {
				prot |= protRead
			}
			if reg.Write {
				prot |= protWrite
			}
			if reg.Exec {
				prot |= protExec
			}
			rr := make([]byte, 0, 24+len(reg.Label))
			rr = binary.LittleEndian.AppendUint32(rr, uint32(pb.info.Pid))
			rr = binary.LittleEndian.AppendUint64(rr, reg.Start)
			rr = binary.LittleEndian.AppendUint64(rr, reg.Size)
			rr = append(rr, prot)
			rr = binary.LittleEndian.AppendUint16(rr, uint16(len(reg.Label)))
			rr = append(rr, reg.Label...)
			regionTab = append(regionTab, rr...)
			regionCount++
		}
	}

	for _, mod := range b.mods {
		rec := make([]byte, 0, 18+len(mod.Name))
		rec = binary.LittleEndian.AppendUint64(rec, mod.Base)
		rec = binary.LittleEndian.AppendUint64(rec, mod.Size)
		rec = binary.LittleEndian.AppendUint16(rec, uint16(len(mod.Name)))
		rec = append(rec, mod.Name...)
		modTab = append(modTab, rec...)
	}

	procOff := uint64(headerSize)
	modOff := procOff + uint64(len(procTab))
	regionOff := modOff + uint64(len(modTab))
	payloadOff := (regionOff + uint64(len(regionTab)) + translate.PageSize - 1) &^ uint64(translate.PageSize-1)

	out := make([]byte, payloadOff+uint64(len(b.payload)))
	copy(out, magic)
	binary.LittleEndian.PutUint32(out[8:], version)
	binary.LittleEndian.PutUint32(out[12:], uint32(len(b.procs)))
	binary.LittleEndian.PutUint64(out[16:], procOff)
	binary.LittleEndian.PutUint32(out[24:], uint32(len(b.mods)))
	binary.LittleEndian.PutUint32(out[28:], uint32(regionCount))
	binary.LittleEndian.PutUint64(out[32:], modOff)
	binary.LittleEndian.PutUint64(out[40:], regionOff)
	binary.LittleEndian.PutUint64(out[48:], payloadOff)
	binary.LittleEndian.PutUint64(out[56:], uint64(len(b.payload)))
	copy(out[procOff:], procTab)
	copy(out[modOff:], modTab)
	copy(out[regionOff:], regionTab)
	copy(out[payloadOff:], b.payload)
	return out, nil
}
