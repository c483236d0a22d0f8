package mem

// Offset exposes a sub-range of another connector, subtracting a fixed
// base so that offset 0 of the view corresponds to base in the parent.
// It is used to address a payload embedded inside a larger image.
type Offset struct {
	parent Connector
	base   uint64
	size   uint64
}

// NewOffset returns a view of size bytes of parent starting at base.
// Closing the view does not close the parent.
func NewOffset(parent Connector, base, size uint64) *Offset {
	return &Offset{parent: parent, base: base, size: size}
}

func (o *Offset) ReadPhys(buf []byte, addr uint64) (int, error) {
	if addr >= o.size {
		return 0, ErrUnmapped
	}
	if addr+uint64(len(buf)) > o.size {
		avail := int(o.size - addr)
		n, err := o.parent.ReadPhys(buf[:avail], o.base+addr)
		if err != nil {
			return n, reoffsetRead(err, o.base)
		}
		return n, &PartialReadError{Addr: addr + uint64(n), Requested: len(buf), Read: n, Cause: ErrUnmapped}
	}
	n, err := o.parent.ReadPhys(buf, o.base+addr)
	return n, reoffsetRead(err, o.base)
}

func (o *Offset) WritePhys(addr uint64, data []byte) (int, error) {
	if addr >= o.size {
		return 0, ErrUnmapped
	}
	if addr+uint64(len(data)) > o.size {
		return 0, &PartialWriteError{Addr: o.size, Requested: len(data), Written: 0, Cause: ErrUnmapped}
	}
	n, err := o.parent.WritePhys(o.base+addr, data)
	return n, reoffsetWrite(err, o.base)
}

func (o *Offset) Size() uint64 { return o.size }

func (o *Offset) Close() error { return nil }

// reoffsetRead rebases the failure address of a partial read error
// into view coordinates.
func reoffsetRead(err error, base uint64) error {
	if pe, ok := err.(*PartialReadError); ok && pe.Addr >= base {
		cp := *pe
		cp.Addr -= base
		return &cp
	}
	return err
}

func reoffsetWrite(err error, base uint64) error {
	if pe, ok := err.(*PartialWriteError); ok && pe.Addr >= base {
		cp := *pe
		cp.Addr -= base
		return &cp
	}
	return err
}
