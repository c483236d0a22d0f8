// Package target implements the OS abstraction: process and kernel
// module enumeration, memory maps, and the process address space that
// composes a connector with an address translator.
package target

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-memscope/memscope/pkg/mem"
)

var (
	// ErrNotFound is returned when a process or module lookup misses.
	ErrNotFound = errors.New("not found")

	// ErrAmbiguous is returned when a unique name lookup resolves to
	// more than one candidate.
	ErrAmbiguous = errors.New("ambiguous name")

	// ErrProcessGone is returned when a handle refers to a process
	// that has exited.
	ErrProcessGone = errors.New("process has exited")
)

// ProcessInfo is an immutable snapshot of an enumerated process.
type ProcessInfo struct {
	Pid   int
	Name  string
	Path  string
	Base  uint64
	DTB   uint64 // page table base, zero when the backend needs no translation
	Arch  string
	Alive bool
}

// ModuleInfo describes a loaded module - a kernel module, or a mapped
// object derived from a process's memory map labels.
type ModuleInfo struct {
	Name string
	Base uint64
	Size uint64
}

// OS enumerates processes and kernel modules of one target and opens
// process handles. An OS instance owns its connector exclusively.
type OS interface {
	// Name returns the OS abstraction's registered name.
	Name() string

	// Processes enumerates the target's processes. Order is
	// OS-defined; pids are unique within one enumeration.
	Processes() ([]ProcessInfo, error)

	// OpenProcess opens a handle to the process matched by sel.
	OpenProcess(sel Selector) (*Process, error)

	// KernelModules enumerates kernel modules.
	KernelModules() ([]ModuleInfo, error)

	// Close releases the OS instance and its connector.
	Close() error
}

// Selector picks a process by pid or by name. Name matching is
// case-sensitive exact match against the first entry in enumeration
// order; set Unique to fail with ErrAmbiguous instead when several
// processes share the name.
type Selector struct {
	Pid    int
	Name   string
	Unique bool
}

func (sel Selector) String() string {
	if sel.Name != "" {
		return fmt.Sprintf("name=%q", sel.Name)
	}
	return fmt.Sprintf("pid=%d", sel.Pid)
}

// SelectProcess applies sel to an enumeration snapshot. Pid selection
// is exact; name selection returns the first match in list order so
// repeated calls on a static list are deterministic.
func SelectProcess(list []ProcessInfo, sel Selector) (ProcessInfo, error) {
	if sel.Name == "" {
		for _, p := range list {
			if p.Pid == sel.Pid {
				return p, nil
			}
		}
		return ProcessInfo{}, fmt.Errorf("process %s: %w", sel, ErrNotFound)
	}
	found := -1
	for i, p := range list {
		if p.Name != sel.Name {
			continue
		}
		if found >= 0 {
			return ProcessInfo{}, fmt.Errorf("process %s matches pids %d and %d: %w", sel, list[found].Pid, p.Pid, ErrAmbiguous)
		}
		found = i
		if !sel.Unique {
			break
		}
	}
	if found < 0 {
		return ProcessInfo{}, fmt.Errorf("process %s: %w", sel, ErrNotFound)
	}
	return list[found], nil
}

// Opener constructs an OS abstraction over a connector. Live backends
// that own their transport receive a nil connector.
type Opener func(conn mem.Connector, opts map[string]string) (OS, error)

var (
	backendsMu sync.RWMutex
	backends   = map[string]Opener{}
)

// Register makes an OS abstraction available under name.
func Register(name string, opener Opener) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if _, ok := backends[name]; ok {
		panic(fmt.Sprintf("OS backend %q registered twice", name))
	}
	backends[name] = opener
}

// Backends returns the names of all registered OS abstractions, sorted.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open creates an OS abstraction by name on top of conn.
func Open(name string, conn mem.Connector, opts map[string]string) (OS, error) {
	backendsMu.RLock()
	opener, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown OS backend %q (available: %v)", name, Backends())
	}
	return opener(conn, opts)
}
