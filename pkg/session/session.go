// Package session ties a connector, an OS abstraction and the scan
// engine together behind one handle. It is the layer the command line
// and the REPL talk to; everything here is expressed in terms of the
// lower packages and adds only caching, defaulting and name lookup.
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/derekparker/trie"

	"github.com/go-memscope/memscope/pkg/config"
	"github.com/go-memscope/memscope/pkg/logflags"
	"github.com/go-memscope/memscope/pkg/mem"
	"github.com/go-memscope/memscope/pkg/scan"
	"github.com/go-memscope/memscope/pkg/target"
	"github.com/go-memscope/memscope/pkg/value"
)

// Session owns one attached target: the connector it reads through,
// the OS abstraction enumerating it, and the process handles opened so
// far.
type Session struct {
	cfg *config.Config
	os  target.OS
	log logflags.Logger

	mu     sync.Mutex
	procs  map[int]*target.Process
	index  *trie.Trie // process name -> []target.ProcessInfo
	closed bool
}

// New attaches to a target described by cfg. Backends that read live
// memory take no connector; everything else opens one first and hands
// it over to the OS layer, which owns it from then on.
func New(cfg *config.Config) (*Session, error) {
	log := logflags.SessionLogger()

	var conn mem.Connector
	if cfg.Connector != "" && cfg.Backend != "linux" {
		c, err := mem.Open(cfg.Connector, cfg.ConnectorOptions)
		if err != nil {
			return nil, err
		}
		conn = c
	}
	os, err := target.Open(cfg.Backend, conn, cfg.ConnectorOptions)
	if err != nil {
		if conn != nil {
			conn.Close()
		}
		return nil, err
	}
	log.Debugf("session attached: backend %q, connector %q", cfg.Backend, cfg.Connector)
	return &Session{
		cfg:   cfg,
		os:    os,
		log:   log,
		procs: make(map[int]*target.Process),
	}, nil
}

// Attach wraps an already opened OS abstraction, mainly for tests and
// embedders that construct their own stack.
func Attach(os target.OS, cfg *config.Config) *Session {
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &Session{
		cfg:   cfg,
		os:    os,
		log:   logflags.SessionLogger(),
		procs: make(map[int]*target.Process),
	}
}

// Backend returns the name of the attached OS abstraction.
func (s *Session) Backend() string { return s.os.Name() }

// Close detaches from the target and releases the connector.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.os.Close()
}

// Processes enumerates the target and refreshes the name index used
// by FindProcesses.
func (s *Session) Processes() ([]target.ProcessInfo, error) {
	list, err := s.os.Processes()
	if err != nil {
		return nil, err
	}
	idx := trie.New()
	for _, p := range list {
		var bucket []target.ProcessInfo
		if node, ok := idx.Find(p.Name); ok {
			bucket = node.Meta().([]target.ProcessInfo)
		}
		idx.Add(p.Name, append(bucket, p))
	}
	s.mu.Lock()
	s.index = idx
	s.mu.Unlock()
	return list, nil
}

// FindProcesses returns every process whose name starts with prefix,
// in enumeration order within a name.
func (s *Session) FindProcesses(prefix string) ([]target.ProcessInfo, error) {
	s.mu.Lock()
	idx := s.index
	s.mu.Unlock()
	if idx == nil {
		if _, err := s.Processes(); err != nil {
			return nil, err
		}
		s.mu.Lock()
		idx = s.index
		s.mu.Unlock()
	}
	var out []target.ProcessInfo
	for _, name := range idx.PrefixSearch(prefix) {
		if node, ok := idx.Find(name); ok {
			out = append(out, node.Meta().([]target.ProcessInfo)...)
		}
	}
	return out, nil
}

// KernelModules lists the target's loaded kernel modules.
func (s *Session) KernelModules() ([]target.ModuleInfo, error) {
	return s.os.KernelModules()
}

// Open resolves sel to a process handle. Handles are cached per pid
// and reopened transparently once the process they referred to is
// gone.
func (s *Session) Open(sel target.Selector) (*target.Process, error) {
	if sel.Pid != 0 {
		s.mu.Lock()
		p, ok := s.procs[sel.Pid]
		s.mu.Unlock()
		if ok {
			if p.Valid() == nil {
				return p, nil
			}
			s.mu.Lock()
			delete(s.procs, sel.Pid)
			s.mu.Unlock()
		}
	}
	p, err := s.os.OpenProcess(sel)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.procs[p.Pid()] = p
	s.mu.Unlock()
	return p, nil
}

// MemoryMap returns a fresh memory map of the selected process.
func (s *Session) MemoryMap(sel target.Selector) (target.MemoryMap, error) {
	p, err := s.Open(sel)
	if err != nil {
		return nil, err
	}
	return p.MemoryMap()
}

// ReadBytes reads n bytes at addr. On a partial read the mapped
// prefix is returned together with the error describing the cut.
func (s *Session) ReadBytes(sel target.Selector, addr uint64, n int) ([]byte, error) {
	p, err := s.Open(sel)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	rn, err := p.ReadMemory(buf, addr)
	return buf[:rn], err
}

// WriteBytes writes data at addr, all or nothing.
func (s *Session) WriteBytes(sel target.Selector, addr uint64, data []byte) error {
	p, err := s.Open(sel)
	if err != nil {
		return err
	}
	if _, err := p.WriteMemory(addr, data); err != nil {
		return fmt.Errorf("writing %d bytes at %#x: %w", len(data), addr, err)
	}
	return nil
}

// ReadValue reads a typed value at addr.
func (s *Session) ReadValue(sel target.Selector, addr uint64, d value.Descriptor) (value.Value, error) {
	p, err := s.Open(sel)
	if err != nil {
		return value.Value{}, err
	}
	return p.ReadValue(addr, d)
}

// WriteValue writes a typed value at addr.
func (s *Session) WriteValue(sel target.Selector, addr uint64, v value.Value) error {
	p, err := s.Open(sel)
	if err != nil {
		return err
	}
	return p.WriteValue(addr, v)
}

// scanOptions fills scan defaults from the session configuration.
func (s *Session) scanOptions(opts scan.Options) scan.Options {
	if opts.ChunkSize == 0 {
		opts.ChunkSize = s.cfg.ScanChunkSize
	}
	if opts.Alignment == 0 {
		opts.Alignment = s.cfg.ScanAlignment
	}
	if opts.MaxMatches == 0 {
		opts.MaxMatches = s.cfg.MaxMatches
	}
	return opts
}

// ScanValue sweeps the selected process for the encoding of v.
func (s *Session) ScanValue(sel target.Selector, v value.Value, opts scan.Options) ([]scan.Match, []scan.Skipped, error) {
	p, err := s.Open(sel)
	if err != nil {
		return nil, nil, err
	}
	pred, err := scan.ForValue(v, p.ByteOrder())
	if err != nil {
		return nil, nil, err
	}
	return s.runScan(p, pred, opts)
}

// ScanPattern sweeps the selected process for a hex signature with
// "??" wildcards.
func (s *Session) ScanPattern(sel target.Selector, sig string, opts scan.Options) ([]scan.Match, []scan.Skipped, error) {
	p, err := s.Open(sel)
	if err != nil {
		return nil, nil, err
	}
	pred, err := scan.ParsePattern(sig)
	if err != nil {
		return nil, nil, err
	}
	return s.runScan(p, pred, opts)
}

func (s *Session) runScan(p *target.Process, pred scan.Predicate, opts scan.Options) ([]scan.Match, []scan.Skipped, error) {
	sc, err := scan.New(p, pred, s.scanOptions(opts))
	if err != nil {
		return nil, nil, err
	}
	var matches []scan.Match
	for sc.Next() {
		matches = append(matches, sc.Match())
	}
	if err := sc.Err(); err != nil {
		return matches, sc.Skipped(), err
	}
	s.log.Debugf("scan: %d matches, %d regions skipped", len(matches), len(sc.Skipped()))
	return matches, sc.Skipped(), nil
}

// Rescan narrows a previous set of matches: every address is re-read
// and kept when its current value satisfies cmp. Equal, NotEqual,
// Greater and Less compare against v; Changed and Unchanged compare
// against the value each match was recorded with.
func (s *Session) Rescan(sel target.Selector, prev []scan.Match, d value.Descriptor, cmp scan.Compare, v value.Value) ([]scan.Match, error) {
	p, err := s.Open(sel)
	if err != nil {
		return nil, err
	}
	matches, err := scan.Rescan(p, prev, d, cmp, v, p.ByteOrder())
	if err != nil {
		return nil, err
	}
	s.log.Debugf("rescan %v: %d of %d matches kept", cmp, len(matches), len(prev))
	return matches, nil
}

// Modules lists the modules loaded in the selected process.
func (s *Session) Modules(sel target.Selector) ([]target.ModuleInfo, error) {
	p, err := s.Open(sel)
	if err != nil {
		return nil, err
	}
	return p.Modules()
}

// Xrefs finds code references to addr in the selected process.
func (s *Session) Xrefs(sel target.Selector, addr uint64, opts scan.Options) ([]scan.Xref, error) {
	p, err := s.Open(sel)
	if err != nil {
		return nil, err
	}
	return scan.FindXrefs(p, addr, s.scanOptions(opts))
}

// WriteMatches patches data over every match, pressing on past
// individual failures. It reports how many writes stuck; sites that
// went unwritable since the scan are counted, not fatal.
func (s *Session) WriteMatches(sel target.Selector, matches []scan.Match, data []byte) (int, error) {
	p, err := s.Open(sel)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, m := range matches {
		if _, err := p.WriteMemory(m.Addr, data); err != nil {
			if errors.Is(err, target.ErrProcessGone) {
				return applied, err
			}
			s.log.Debugf("patch at %#x failed: %v", m.Addr, err)
			continue
		}
		applied++
	}
	return applied, nil
}
