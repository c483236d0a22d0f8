//go:build linux

package linuxos

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/go-memscope/memscope/pkg/mem"
	"github.com/go-memscope/memscope/pkg/target"
)

// vmConn reads and writes another process's virtual memory with the
// process_vm syscalls, avoiding ptrace attachment. Writes fall back to
// /proc/<pid>/mem when process_vm_writev is denied, which happens for
// targets that are being traced or on hardened kernels.
type vmConn struct {
	pid int

	mu      sync.Mutex
	memFile *os.File // lazily opened write fallback
	closed  bool
}

var _ mem.Connector = (*vmConn)(nil)

func newVMConn(pid int) (*vmConn, error) {
	return &vmConn{pid: pid}, nil
}

func (c *vmConn) ReadPhys(buf []byte, addr uint64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if err := c.valid(); err != nil {
		return 0, err
	}
	local := []unix.Iovec{{Base: &buf[0], Len: uint64(len(buf))}}
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(buf)}}
	n, err := unix.ProcessVMReadv(c.pid, local, remote, 0)
	if err != nil {
		return 0, mapErrno(c.pid, addr, err)
	}
	if n < len(buf) {
		return n, &mem.PartialReadError{
			Addr:      addr + uint64(n),
			Requested: len(buf),
			Read:      n,
			Cause:     mem.ErrUnmapped,
		}
	}
	return n, nil
}

func (c *vmConn) WritePhys(addr uint64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if err := c.valid(); err != nil {
		return 0, err
	}
	local := []unix.Iovec{{Base: &data[0], Len: uint64(len(data))}}
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(data)}}
	n, err := unix.ProcessVMWritev(c.pid, local, remote, 0)
	if errors.Is(err, unix.EPERM) {
		return c.writeProcMem(addr, data)
	}
	if err != nil {
		return 0, mapErrno(c.pid, addr, err)
	}
	if n < len(data) {
		return n, &mem.PartialWriteError{
			Addr:      addr + uint64(n),
			Requested: len(data),
			Written:   n,
			Cause:     mem.ErrUnmapped,
		}
	}
	return n, nil
}

func (c *vmConn) writeProcMem(addr uint64, data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.memFile == nil {
		f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", c.pid), os.O_RDWR, 0)
		if err != nil {
			return 0, mapErrno(c.pid, addr, err)
		}
		c.memFile = f
	}
	n, err := c.memFile.WriteAt(data, int64(addr))
	if err != nil {
		return n, mapErrno(c.pid, addr, err)
	}
	return n, nil
}

func (c *vmConn) Size() uint64 { return math.MaxUint64 }

func (c *vmConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.memFile != nil {
		err := c.memFile.Close()
		c.memFile = nil
		return err
	}
	return nil
}

func (c *vmConn) valid() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return mem.ErrConnectorClosed
	}
	return nil
}

// mapErrno folds syscall errors into the package sentinels.
func mapErrno(pid int, addr uint64, err error) error {
	switch {
	case errors.Is(err, unix.EFAULT), errors.Is(err, unix.EIO):
		return fmt.Errorf("pid %d at %#x: %w", pid, addr, mem.ErrUnmapped)
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		return fmt.Errorf("pid %d at %#x: %w", pid, addr, mem.ErrPermissionDenied)
	case errors.Is(err, unix.ESRCH):
		return fmt.Errorf("pid %d: %w", pid, target.ErrProcessGone)
	}
	return fmt.Errorf("pid %d at %#x: %w", pid, addr, err)
}
