// Package cmds builds the memscope command tree.
package cmds

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/go-memscope/memscope/pkg/config"
	"github.com/go-memscope/memscope/pkg/logflags"
	"github.com/go-memscope/memscope/pkg/mem"
	"github.com/go-memscope/memscope/pkg/session"
	"github.com/go-memscope/memscope/pkg/target"
	_ "github.com/go-memscope/memscope/pkg/target/image"
	_ "github.com/go-memscope/memscope/pkg/target/linuxos"
	"github.com/go-memscope/memscope/pkg/terminal"
	"github.com/go-memscope/memscope/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string

	// connector and backend override the configured defaults.
	connector string
	backend   string
	// connOpts are key=value options handed to the connector.
	connOpts []string
	// proc selects the process memory commands operate on.
	proc string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const memscopeCommandLongDesc = `Memscope inspects the memory of live targets and captured snapshots.

A connector supplies raw memory (a snapshot file, a zstd compressed capture)
and an OS backend interprets it: enumerating processes and kernel modules,
reconstructing virtual address spaces and serving reads, writes and scans
over them. On Linux the live backend attaches straight to running processes
instead.

Started without a subcommand memscope drops into an interactive prompt.`

// New returns an initialized command tree.
func New() *cobra.Command {
	conf = config.LoadConfig()

	rootCommand = &cobra.Command{
		Use:   "memscope",
		Short: "Memscope is a memory introspection tool for live targets and snapshots.",
		Long:  memscopeCommandLongDesc,
		RunE:  replCmd,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debug logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of components that should produce debug output (connector, translate, target, scan, session).")
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor.")
	rootCommand.PersistentFlags().StringVarP(&connector, "connector", "c", "", fmt.Sprintf("Connector supplying raw memory (%s).", strings.Join(mem.Connectors(), ", ")))
	rootCommand.PersistentFlags().StringVarP(&backend, "backend", "b", "", "OS backend interpreting the memory.")
	rootCommand.PersistentFlags().StringArrayVarP(&connOpts, "opt", "o", nil, "Connector option as key=value, repeatable (e.g. -o path=dump.img).")
	rootCommand.PersistentFlags().StringVarP(&proc, "proc", "p", "", "Process to operate on, by pid or name.")

	rootCommand.AddCommand(&cobra.Command{
		Use:   "ps [prefix]",
		Short: "List the target's processes.",
		RunE:  psCmd,
	})
	rootCommand.AddCommand(&cobra.Command{
		Use:     "modules",
		Aliases: []string{"mods"},
		Short:   "List the target's kernel modules.",
		RunE:    modulesCmd,
	})
	rootCommand.AddCommand(&cobra.Command{
		Use:     "libs",
		Aliases: []string{"libraries"},
		Short:   "List the modules loaded in the selected process.",
		RunE:    libsCmd,
	})
	rootCommand.AddCommand(&cobra.Command{
		Use:     "map",
		Aliases: []string{"vm"},
		Short:   "Print the memory map of the selected process.",
		RunE:    mapCmd,
	})
	rootCommand.AddCommand(&cobra.Command{
		Use:   "read <address> [length]",
		Short: "Dump memory of the selected process.",
		RunE:  readCmd,
	})
	rootCommand.AddCommand(&cobra.Command{
		Use:   "write <address> <hex bytes>",
		Short: "Write raw bytes into the selected process.",
		RunE:  writeCmd,
	})
	rootCommand.AddCommand(&cobra.Command{
		Use:   "scan <kind> <value>",
		Short: "Scan the selected process for a typed value.",
		Long: `Scan the selected process for a typed value.

Kinds: u8 u16 u32 u64 i8 i16 i32 i64 f32 f64 string string16 bytes.`,
		RunE: scanCmd,
	})
	rootCommand.AddCommand(&cobra.Command{
		Use:   "sig <pattern>",
		Short: "Scan the selected process for a hex signature with ?? wildcards.",
		RunE:  sigCmd,
	})
	rootCommand.AddCommand(&cobra.Command{
		Use:   "xref <address>",
		Short: "Find code references to an address in the selected process.",
		RunE:  xrefCmd,
	})
	rootCommand.AddCommand(&cobra.Command{
		Use:   "snapshot <path>",
		Short: "Capture the selected process into a snapshot file.",
		RunE:  snapshotCmd,
	})
	rootCommand.AddCommand(&cobra.Command{
		Use:   "repl",
		Short: "Start the interactive prompt.",
		RunE:  replCmd,
	})
	rootCommand.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Memscope memory introspection tool\n%s\n", version.MemscopeVersion)
		},
	})

	return rootCommand
}

// newSession applies the command line overrides to the configuration
// and attaches.
func newSession() (*session.Session, error) {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		return nil, err
	}
	cfg := *conf
	if connector != "" {
		cfg.Connector = connector
	}
	if backend != "" {
		cfg.Backend = backend
	}
	if len(connOpts) > 0 {
		opts := make(map[string]string, len(connOpts)+len(cfg.ConnectorOptions))
		for k, v := range cfg.ConnectorOptions {
			opts[k] = v
		}
		for _, kv := range connOpts {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return nil, fmt.Errorf("malformed connector option %q, want key=value", kv)
			}
			opts[k] = v
		}
		cfg.ConnectorOptions = opts
	}
	return session.New(&cfg)
}

// selector parses the --proc flag.
func selector() (target.Selector, error) {
	if proc == "" {
		return target.Selector{}, errors.New("no process selected, pass --proc <pid|name>")
	}
	if pid, err := strconv.Atoi(proc); err == nil {
		return target.Selector{Pid: pid}, nil
	}
	return target.Selector{Name: proc}, nil
}

func psCmd(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()
	var list []target.ProcessInfo
	if len(args) > 0 {
		list, err = s.FindProcesses(args[0])
	} else {
		list, err = s.Processes()
	}
	if err != nil {
		return err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Pid < list[j].Pid })
	for _, p := range list {
		state := "alive"
		if !p.Alive {
			state = "dead"
		}
		fmt.Printf("%8d  %-5s  %s\n", p.Pid, state, p.Name)
	}
	return nil
}

func modulesCmd(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()
	mods, err := s.KernelModules()
	if err != nil {
		return err
	}
	for _, m := range mods {
		fmt.Printf("%#16x  %#10x  %s\n", m.Base, m.Size, m.Name)
	}
	return nil
}

func libsCmd(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()
	sel, err := selector()
	if err != nil {
		return err
	}
	mods, err := s.Modules(sel)
	if err != nil {
		return err
	}
	for _, m := range mods {
		fmt.Printf("%#16x  %#10x  %s\n", m.Base, m.Size, m.Name)
	}
	return nil
}

func mapCmd(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()
	sel, err := selector()
	if err != nil {
		return err
	}
	mmap, err := s.MemoryMap(sel)
	if err != nil {
		return err
	}
	for _, r := range mmap {
		fmt.Printf("%#16x - %#16x  %s  %s\n", r.Start, r.End(), r.Protection(), r.Label)
	}
	return nil
}

func readCmd(cmd *cobra.Command, args []string) error {
	if len(args) < 1 {
		return errors.New("read needs an address")
	}
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()
	return withTerm(s, func(t *terminal.Term) error {
		return t.RunCommand("read " + strings.Join(args, " "))
	})
}

func writeCmd(cmd *cobra.Command, args []string) error {
	if len(args) < 2 {
		return errors.New("write needs an address and hex bytes")
	}
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()
	return withTerm(s, func(t *terminal.Term) error {
		return t.RunCommand("write " + strings.Join(args, " "))
	})
}

func scanCmd(cmd *cobra.Command, args []string) error {
	if len(args) < 2 {
		return errors.New("scan needs a kind and a value")
	}
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()
	return withTerm(s, func(t *terminal.Term) error {
		return t.RunCommand("scan " + strings.Join(args, " "))
	})
}

func sigCmd(cmd *cobra.Command, args []string) error {
	if len(args) < 1 {
		return errors.New("sig needs a pattern")
	}
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()
	return withTerm(s, func(t *terminal.Term) error {
		return t.RunCommand("sig " + strings.Join(args, " "))
	})
}

func xrefCmd(cmd *cobra.Command, args []string) error {
	if len(args) < 1 {
		return errors.New("xref needs an address")
	}
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()
	return withTerm(s, func(t *terminal.Term) error {
		return t.RunCommand("xref " + args[0])
	})
}

func snapshotCmd(cmd *cobra.Command, args []string) error {
	if len(args) < 1 {
		return errors.New("snapshot needs an output path")
	}
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()
	return withTerm(s, func(t *terminal.Term) error {
		return t.RunCommand("snapshot " + args[0])
	})
}

func replCmd(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()
	t := terminal.New(s, conf)
	if proc != "" {
		if err := t.RunCommand("use " + proc); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
	status, err := t.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(status)
	return nil
}

// withTerm runs one terminal command non-interactively, reusing the
// terminal's parsing and output formatting.
func withTerm(s *session.Session, fn func(t *terminal.Term) error) error {
	t := terminal.New(s, conf)
	defer t.Close()
	if proc != "" {
		if err := t.RunCommand("use " + proc); err != nil {
			return err
		}
	} else {
		return errors.New("no process selected, pass --proc <pid|name>")
	}
	return fn(t)
}
