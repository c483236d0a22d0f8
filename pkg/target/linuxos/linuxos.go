//go:build linux

// Package linuxos enumerates and attaches to live processes through
// procfs and the process_vm syscalls. Process handles address virtual
// memory directly, so no page table translation is involved.
package linuxos

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-memscope/memscope/pkg/logflags"
	"github.com/go-memscope/memscope/pkg/mem"
	"github.com/go-memscope/memscope/pkg/target"
)

func init() {
	target.Register("linux", func(conn mem.Connector, opts map[string]string) (target.OS, error) {
		if conn != nil {
			return nil, errors.New("the linux backend reads live memory and takes no connector")
		}
		return New(), nil
	})
}

// LinuxOS is the live procfs backend.
type LinuxOS struct {
	log logflags.Logger
}

var _ target.OS = (*LinuxOS)(nil)

func New() *LinuxOS {
	return &LinuxOS{log: logflags.TargetLogger()}
}

func (l *LinuxOS) Name() string { return "linux" }

// Processes lists every process visible in /proc. Entries that vanish
// mid-walk are skipped.
func (l *LinuxOS) Processes() ([]target.ProcessInfo, error) {
	des, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("listing /proc: %w", err)
	}
	var out []target.ProcessInfo
	for _, de := range des {
		pid, err := strconv.Atoi(de.Name())
		if err != nil || !de.IsDir() {
			continue
		}
		comm, err := os.ReadFile(filepath.Join("/proc", de.Name(), "comm"))
		if err != nil {
			continue // exited between readdir and here
		}
		path, _ := os.Readlink(filepath.Join("/proc", de.Name(), "exe"))
		out = append(out, target.ProcessInfo{
			Pid:   pid,
			Name:  strings.TrimSuffix(string(comm), "\n"),
			Path:  path,
			Arch:  "amd64",
			Alive: true,
		})
	}
	return out, nil
}

// KernelModules parses /proc/modules. Without CAP_SYSLOG the kernel
// reports load addresses as zero.
func (l *LinuxOS) KernelModules() ([]target.ModuleInfo, error) {
	data, err := os.ReadFile("/proc/modules")
	if err != nil {
		return nil, fmt.Errorf("reading /proc/modules: %w", err)
	}
	var out []target.ModuleInfo
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		size, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		base, _ := strconv.ParseUint(strings.TrimPrefix(fields[5], "0x"), 16, 64)
		out = append(out, target.ModuleInfo{Name: fields[0], Base: base, Size: size})
	}
	return out, nil
}

func (l *LinuxOS) OpenProcess(sel target.Selector) (*target.Process, error) {
	list, err := l.Processes()
	if err != nil {
		return nil, err
	}
	info, err := target.SelectProcess(list, sel)
	if err != nil {
		return nil, err
	}

	be := &procBackend{pid: info.Pid}
	if mmap, err := be.MemoryMap(); err == nil && info.Path != "" {
		for _, r := range mmap {
			if r.Label == info.Path {
				info.Base = r.Start
				break
			}
		}
	}
	conn, err := newVMConn(info.Pid)
	if err != nil {
		return nil, err
	}
	l.log.Debugf("attached to pid %d (%s)", info.Pid, info.Name)
	return target.NewProcess(info, conn, nil, be), nil
}

func (l *LinuxOS) Close() error { return nil }

// procBackend reads per-process state from procfs.
type procBackend struct {
	pid int
}

func (b *procBackend) Valid() error {
	if _, err := os.Stat(fmt.Sprintf("/proc/%d", b.pid)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("pid %d: %w", b.pid, target.ErrProcessGone)
		}
		return err
	}
	return nil
}

func (b *procBackend) MemoryMap() (target.MemoryMap, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", b.pid))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("pid %d: %w", b.pid, target.ErrProcessGone)
		}
		return nil, err
	}
	defer f.Close()
	regions, err := parseMaps(f)
	if err != nil {
		return nil, fmt.Errorf("pid %d: %w", b.pid, err)
	}
	return target.NormalizeMap(regions)
}
