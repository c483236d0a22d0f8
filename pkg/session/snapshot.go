package session

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-memscope/memscope/pkg/scan"
	"github.com/go-memscope/memscope/pkg/target"
	"github.com/go-memscope/memscope/pkg/target/image"
)

// SnapshotOptions bound what a capture includes.
type SnapshotOptions struct {
	// Protection filters regions like scan.Options.Protection.
	Protection string
	// MaxRegionSize drops regions larger than this. Zero keeps all.
	MaxRegionSize uint64
}

// Snapshot captures the selected process into the snapshot image
// format and writes it to w. Regions that cannot be read (guard pages,
// mappings torn down mid-capture) are dropped; the capture fails only
// when nothing could be read at all.
func (s *Session) Snapshot(sel target.Selector, w io.Writer, opts SnapshotOptions) error {
	p, err := s.Open(sel)
	if err != nil {
		return err
	}
	mmap, err := p.MemoryMap()
	if err != nil {
		return err
	}

	filter := scan.Options{Protection: opts.Protection, MaxRegionSize: opts.MaxRegionSize}

	b := image.NewBuilder()
	if mods, err := s.KernelModules(); err == nil {
		for _, m := range mods {
			b.AddModule(m.Name, m.Base, m.Size)
		}
	}

	info := p.Info()
	pb := b.AddProcess(info.Pid, info.Name, info.Path, info.Alive)
	pb.SetBase(info.Base)

	captured := 0
	for _, r := range mmap {
		if !filter.Admit(r) {
			continue
		}
		data := make([]byte, r.Size)
		n, err := p.ReadMemory(data, r.Start)
		if n == 0 {
			if err != nil && errors.Is(err, target.ErrProcessGone) {
				return err
			}
			s.log.Debugf("snapshot: dropping region %#x-%#x: %v", r.Start, r.End(), err)
			continue
		}
		if err := pb.MapRegion(r.Start, data[:n], r.Protection(), r.Label); err != nil {
			return fmt.Errorf("capturing region %#x: %w", r.Start, err)
		}
		captured++
	}
	if captured == 0 {
		return fmt.Errorf("process %d: no readable regions to capture", info.Pid)
	}

	out, err := b.Bytes()
	if err != nil {
		return err
	}
	if _, err := w.Write(out); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	s.log.Debugf("snapshot: captured %d regions, %d bytes", captured, len(out))
	return nil
}
