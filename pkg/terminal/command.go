package terminal

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"

	"github.com/go-memscope/memscope/pkg/mem"
	"github.com/go-memscope/memscope/pkg/scan"
	"github.com/go-memscope/memscope/pkg/target"
	"github.com/go-memscope/memscope/pkg/value"
)

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases []string
	cmdFn   cmdfunc
	helpMsg string
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the command table.
type Commands struct {
	cmds []command
}

// exitRequestError is returned from the quit command to signal the
// loop to stop.
type exitRequestError struct{}

func (exitRequestError) Error() string { return "exit" }

// NewCommands returns the default command table.
func NewCommands() *Commands {
	c := &Commands{}
	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]`},
		{aliases: []string{"backends"}, cmdFn: backendsCmd, helpMsg: "Lists the available OS backends and connectors."},
		{aliases: []string{"ps", "processes"}, cmdFn: processes, helpMsg: `Lists the target's processes.

	ps [prefix]

With a prefix argument only processes whose name starts with it are shown.`},
		{aliases: []string{"use", "attach"}, cmdFn: use, helpMsg: `Selects the process the memory commands operate on.

	use <pid>
	use <name>`},
		{aliases: []string{"modules", "mods"}, cmdFn: modules, helpMsg: "Lists the target's kernel modules."},
		{aliases: []string{"libraries", "libs"}, cmdFn: libraries, helpMsg: "Lists the modules loaded in the selected process."},
		{aliases: []string{"vm", "map"}, cmdFn: memoryMap, helpMsg: "Prints the memory map of the selected process."},
		{aliases: []string{"read", "x"}, cmdFn: readCmd, helpMsg: `Dumps memory of the selected process.

	read <address> [length]

Length defaults to 64 bytes.`},
		{aliases: []string{"write", "w"}, cmdFn: writeCmd, helpMsg: `Writes raw bytes into the selected process.

	write <address> <hex bytes>`},
		{aliases: []string{"get"}, cmdFn: getCmd, helpMsg: `Reads a typed value.

	get <kind> <address> [length]

Kinds: u8 u16 u32 u64 i8 i16 i32 i64 f32 f64 string string16 bytes.
Length is required for the variable length kinds.`},
		{aliases: []string{"set"}, cmdFn: setCmd, helpMsg: `Writes a typed value.

	set <kind> <address> <value>`},
		{aliases: []string{"scan"}, cmdFn: scanCmd, helpMsg: `Scans the selected process for a typed value.

	scan <kind> <value> [flags]

Flags:
	-p <prot>	only regions whose "rwx" form contains <prot> (e.g. rw-)
	-a <align>	candidate alignment
	-n <max>	stop after this many matches

The matches feed the patch command.`},
		{aliases: []string{"sig", "pattern"}, cmdFn: sigCmd, helpMsg: `Scans the selected process for a hex signature.

	sig <pattern> [flags]

The pattern is hex bytes with ?? wildcards, e.g. "48 8b ?? 05".
Flags as for scan.`},
		{aliases: []string{"rescan", "next"}, cmdFn: rescanCmd, helpMsg: `Narrows the matches of the last scan.

	rescan <equal|notequal|greater|less> <value>
	rescan <changed|unchanged>

Every match's address is read again and kept when its current value
satisfies the comparison. changed and unchanged compare against the
value each match was last seen with. Survivors feed patch and further
rescans.`},
		{aliases: []string{"xref"}, cmdFn: xrefCmd, helpMsg: `Finds code references to an address.

	xref <address>`},
		{aliases: []string{"patch"}, cmdFn: patchCmd, helpMsg: `Overwrites every match of the last scan.

	patch <hex bytes>

Failures on individual matches are reported and skipped.`},
		{aliases: []string{"snapshot", "snap"}, cmdFn: snapshotCmd, helpMsg: `Captures the selected process into a snapshot file.

	snapshot <path>`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCmd, helpMsg: "Exit memscope."},
	}
	return c
}

// Merge adds aliases from the configuration to the command table.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
}

// Call dispatches one input line.
func (c *Commands) Call(t *Term, cmdstr string) error {
	name, args := cmdstr, ""
	if i := strings.Index(cmdstr, " "); i >= 0 {
		name, args = cmdstr[:i], strings.TrimSpace(cmdstr[i:])
	}
	for _, cmd := range c.cmds {
		if cmd.match(name) {
			return cmd.cmdFn(t, args)
		}
	}
	return fmt.Errorf("command not available: %q", name)
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			if cmd.match(args) {
				fmt.Fprintln(t.stdout, cmd.helpMsg)
				return nil
			}
		}
		return fmt.Errorf("command not available: %q", args)
	}
	fmt.Fprintln(t.stdout, "The following commands are available:")
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 0, '-', 0)
	for _, cmd := range c.cmds {
		h := cmd.helpMsg
		if i := strings.Index(h, "\n"); i >= 0 {
			h = h[:i]
		}
		if len(cmd.aliases) > 1 {
			fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
		} else {
			fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

func backendsCmd(t *Term, args string) error {
	fmt.Fprintf(t.stdout, "OS backends: %s\n", strings.Join(target.Backends(), ", "))
	fmt.Fprintf(t.stdout, "Connectors:  %s\n", strings.Join(mem.Connectors(), ", "))
	return nil
}

func processes(t *Term, args string) error {
	var list []target.ProcessInfo
	var err error
	if args != "" {
		list, err = t.sess.FindProcesses(args)
	} else {
		list, err = t.sess.Processes()
	}
	if err != nil {
		return err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Pid < list[j].Pid })
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "PID\tSTATE\tNAME\tPATH")
	for _, p := range list {
		state := "alive"
		if !p.Alive {
			state = "dead"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", p.Pid, state, p.Name, p.Path)
	}
	return w.Flush()
}

func use(t *Term, args string) error {
	if args == "" {
		return fmt.Errorf("argument required: use <pid|name>")
	}
	var sel target.Selector
	if pid, err := strconv.Atoi(args); err == nil {
		sel = target.Selector{Pid: pid}
	} else {
		sel = target.Selector{Name: args}
	}
	p, err := t.sess.Open(sel)
	if err != nil {
		return err
	}
	t.sel = sel
	t.lastMatches = nil
	t.lastDesc = value.Descriptor{}
	info := p.Info()
	fmt.Fprintf(t.stdout, "Using %d: %s\n", info.Pid, info.Name)
	return nil
}

func modules(t *Term, args string) error {
	mods, err := t.sess.KernelModules()
	if err != nil {
		return err
	}
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "BASE\tSIZE\tNAME")
	for _, m := range mods {
		fmt.Fprintf(w, "%#x\t%#x\t%s\n", m.Base, m.Size, m.Name)
	}
	return w.Flush()
}

func libraries(t *Term, args string) error {
	sel, err := t.selected()
	if err != nil {
		return err
	}
	mods, err := t.sess.Modules(sel)
	if err != nil {
		return err
	}
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "BASE\tSIZE\tNAME")
	for _, m := range mods {
		fmt.Fprintf(w, "%#x\t%#x\t%s\n", m.Base, m.Size, m.Name)
	}
	return w.Flush()
}

func memoryMap(t *Term, args string) error {
	sel, err := t.selected()
	if err != nil {
		return err
	}
	mmap, err := t.sess.MemoryMap(sel)
	if err != nil {
		return err
	}
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "START\tEND\tPROT\tLABEL")
	for _, r := range mmap {
		fmt.Fprintf(w, "%#x\t%#x\t%s\t%s\n", r.Start, r.End(), r.Protection(), r.Label)
	}
	return w.Flush()
}

func readCmd(t *Term, args string) error {
	sel, err := t.selected()
	if err != nil {
		return err
	}
	fields := strings.Fields(args)
	if len(fields) < 1 {
		return fmt.Errorf("argument required: read <address> [length]")
	}
	addr, err := parseAddr(fields[0])
	if err != nil {
		return err
	}
	length := 64
	if len(fields) > 1 {
		length, err = strconv.Atoi(fields[1])
		if err != nil || length <= 0 {
			return fmt.Errorf("invalid length %q", fields[1])
		}
	}
	buf, err := t.sess.ReadBytes(sel, addr, length)
	if len(buf) > 0 {
		dumpHex(t, addr, buf)
	}
	if err != nil && len(buf) > 0 {
		fmt.Fprintf(t.stdout, "(short read: %v)\n", err)
		return nil
	}
	return err
}

func writeCmd(t *Term, args string) error {
	sel, err := t.selected()
	if err != nil {
		return err
	}
	fields := strings.Fields(args)
	if len(fields) < 2 {
		return fmt.Errorf("arguments required: write <address> <hex bytes>")
	}
	addr, err := parseAddr(fields[0])
	if err != nil {
		return err
	}
	data, err := parseHexBytes(fields[1:])
	if err != nil {
		return err
	}
	if err := t.sess.WriteBytes(sel, addr, data); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Wrote %d bytes at %#x\n", len(data), addr)
	return nil
}

func getCmd(t *Term, args string) error {
	sel, err := t.selected()
	if err != nil {
		return err
	}
	fields := strings.Fields(args)
	if len(fields) < 2 {
		return fmt.Errorf("arguments required: get <kind> <address> [length]")
	}
	kind, err := value.KindFromString(fields[0])
	if err != nil {
		return err
	}
	addr, err := parseAddr(fields[1])
	if err != nil {
		return err
	}
	d := value.Descriptor{Kind: kind}
	if kind.FixedWidth() == 0 {
		if len(fields) < 3 {
			return fmt.Errorf("kind %s needs a length argument", kind)
		}
		d.Len, err = strconv.Atoi(fields[2])
		if err != nil || d.Len <= 0 {
			return fmt.Errorf("invalid length %q", fields[2])
		}
	}
	v, err := t.sess.ReadValue(sel, addr, d)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s\n", v)
	return nil
}

func setCmd(t *Term, args string) error {
	sel, err := t.selected()
	if err != nil {
		return err
	}
	fields, err := splitArgv(args)
	if err != nil {
		return err
	}
	if len(fields) < 3 {
		return fmt.Errorf("arguments required: set <kind> <address> <value>")
	}
	addr, err := parseAddr(fields[1])
	if err != nil {
		return err
	}
	v, err := parseValue(fields[0], strings.Join(fields[2:], " "))
	if err != nil {
		return err
	}
	if err := t.sess.WriteValue(sel, addr, v); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Wrote %s at %#x\n", v.Kind(), addr)
	return nil
}

func scanCmd(t *Term, args string) error {
	sel, err := t.selected()
	if err != nil {
		return err
	}
	fields, err := splitArgv(args)
	if err != nil {
		return err
	}
	if len(fields) < 2 {
		return fmt.Errorf("arguments required: scan <kind> <value>")
	}
	opts, rest, err := parseScanFlags(fields[2:])
	if err != nil {
		return err
	}
	v, err := parseValue(fields[0], strings.Join(append([]string{fields[1]}, rest...), " "))
	if err != nil {
		return err
	}
	matches, skipped, err := t.sess.ScanValue(sel, v, opts)
	if err != nil {
		return err
	}
	t.lastDesc = v.Descriptor()
	return t.printMatches(matches, skipped)
}

func rescanCmd(t *Term, args string) error {
	sel, err := t.selected()
	if err != nil {
		return err
	}
	if len(t.lastMatches) == 0 {
		return fmt.Errorf("no matches to narrow, scan first")
	}
	fields, err := splitArgv(args)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return fmt.Errorf("argument required: rescan <comparison> [value]")
	}
	cmp, err := scan.ParseCompare(fields[0])
	if err != nil {
		return err
	}
	var v value.Value
	if cmp.NeedsValue() {
		if len(fields) < 2 {
			return fmt.Errorf("comparison %v requires a value", cmp)
		}
		if v, err = parseValue(t.lastDesc.Kind.String(), strings.Join(fields[1:], " ")); err != nil {
			return err
		}
	} else if len(fields) > 1 {
		return fmt.Errorf("comparison %v takes no value", cmp)
	}
	matches, err := t.sess.Rescan(sel, t.lastMatches, t.lastDesc, cmp, v)
	if err != nil {
		return err
	}
	return t.printMatches(matches, nil)
}

func sigCmd(t *Term, args string) error {
	sel, err := t.selected()
	if err != nil {
		return err
	}
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return fmt.Errorf("argument required: sig <pattern>")
	}
	opts := scan.Options{}
	pat := fields
	for i, f := range fields {
		if strings.HasPrefix(f, "-") {
			var rest []string
			opts, rest, err = parseScanFlags(fields[i:])
			if err != nil {
				return err
			}
			if len(rest) != 0 {
				return fmt.Errorf("unexpected arguments after flags: %v", rest)
			}
			pat = fields[:i]
			break
		}
	}
	matches, skipped, err := t.sess.ScanPattern(sel, strings.Join(pat, " "), opts)
	if err != nil {
		return err
	}
	if len(matches) > 0 {
		t.lastDesc = value.Descriptor{Kind: value.Bytes, Len: len(matches[0].Value)}
	}
	return t.printMatches(matches, skipped)
}

func xrefCmd(t *Term, args string) error {
	sel, err := t.selected()
	if err != nil {
		return err
	}
	if args == "" {
		return fmt.Errorf("argument required: xref <address>")
	}
	addr, err := parseAddr(strings.Fields(args)[0])
	if err != nil {
		return err
	}
	xrefs, err := t.sess.Xrefs(sel, addr, scan.Options{})
	if err != nil {
		return err
	}
	if len(xrefs) == 0 {
		fmt.Fprintf(t.stdout, "No references to %#x\n", addr)
		return nil
	}
	for _, x := range xrefs {
		fmt.Fprintf(t.stdout, "%#x\t%s\n", x.Addr, x.Kind)
	}
	return nil
}

func patchCmd(t *Term, args string) error {
	sel, err := t.selected()
	if err != nil {
		return err
	}
	if len(t.lastMatches) == 0 {
		return fmt.Errorf("no scan matches to patch, run scan or sig first")
	}
	data, err := parseHexBytes(strings.Fields(args))
	if err != nil {
		return err
	}
	applied, err := t.sess.WriteMatches(sel, t.lastMatches, data)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Patched %d of %d matches\n", applied, len(t.lastMatches))
	return nil
}

func snapshotCmd(t *Term, args string) error {
	sel, err := t.selected()
	if err != nil {
		return err
	}
	if args == "" {
		return fmt.Errorf("argument required: snapshot <path>")
	}
	return t.snapshotToFile(sel, args)
}

func exitCmd(t *Term, args string) error {
	t.quittingMutex.Lock()
	t.quitting = true
	t.quittingMutex.Unlock()
	return exitRequestError{}
}

func (t *Term) printMatches(matches []scan.Match, skipped []scan.Skipped) error {
	for _, m := range matches {
		fmt.Fprintf(t.stdout, "%#x\t% x\n", m.Addr, m.Value)
	}
	fmt.Fprintf(t.stdout, "%d matches", len(matches))
	if len(skipped) > 0 {
		fmt.Fprintf(t.stdout, ", %d regions skipped", len(skipped))
	}
	fmt.Fprintln(t.stdout)
	t.lastMatches = matches
	return nil
}

// splitArgv splits a command line respecting quotes.
func splitArgv(s string) ([]string, error) {
	v, err := argv.Argv(s,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in %q", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal command line %q", s)
	}
	return v[0], nil
}

func parseAddr(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	addr, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return addr, nil
}

// parseHexBytes accepts both "de ad be ef" and "deadbeef".
func parseHexBytes(fields []string) ([]byte, error) {
	s := strings.Join(fields, "")
	data, err := hex.DecodeString(s)
	if err != nil || len(data) == 0 {
		return nil, fmt.Errorf("invalid hex bytes %q", strings.Join(fields, " "))
	}
	return data, nil
}

// parseValue builds a Value from its command line spelling.
func parseValue(kindstr, text string) (value.Value, error) {
	kind, err := value.KindFromString(kindstr)
	if err != nil {
		return value.Value{}, err
	}
	switch kind {
	case value.Uint8, value.Uint16, value.Uint32, value.Uint64:
		n, err := strconv.ParseUint(text, 0, kind.FixedWidth()*8)
		if err != nil {
			return value.Value{}, fmt.Errorf("invalid %s value %q", kind, text)
		}
		return value.NewUint(kind, n), nil
	case value.Int8, value.Int16, value.Int32, value.Int64:
		n, err := strconv.ParseInt(text, 0, kind.FixedWidth()*8)
		if err != nil {
			return value.Value{}, fmt.Errorf("invalid %s value %q", kind, text)
		}
		return value.NewInt(kind, n), nil
	case value.Float32:
		f, err := strconv.ParseFloat(text, 32)
		if err != nil {
			return value.Value{}, fmt.Errorf("invalid f32 value %q", text)
		}
		return value.NewFloat32(float32(f)), nil
	case value.Float64:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return value.Value{}, fmt.Errorf("invalid f64 value %q", text)
		}
		return value.NewFloat64(f), nil
	case value.String:
		return value.NewString(text), nil
	case value.String16:
		return value.NewString16(text), nil
	case value.Bytes:
		data, err := parseHexBytes(strings.Fields(text))
		if err != nil {
			return value.Value{}, err
		}
		return value.NewBytes(data), nil
	}
	return value.Value{}, fmt.Errorf("unknown value kind %q", kindstr)
}

// parseScanFlags picks -p/-a/-n flags out of the argument tail and
// returns whatever preceded them.
func parseScanFlags(fields []string) (scan.Options, []string, error) {
	var opts scan.Options
	var rest []string
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if !strings.HasPrefix(f, "-") {
			rest = append(rest, f)
			continue
		}
		if i+1 >= len(fields) {
			return opts, nil, fmt.Errorf("flag %s needs an argument", f)
		}
		arg := fields[i+1]
		i++
		switch f {
		case "-p":
			opts.Protection = arg
		case "-a":
			n, err := strconv.Atoi(arg)
			if err != nil || n <= 0 {
				return opts, nil, fmt.Errorf("invalid alignment %q", arg)
			}
			opts.Alignment = n
		case "-n":
			n, err := strconv.Atoi(arg)
			if err != nil || n <= 0 {
				return opts, nil, fmt.Errorf("invalid match limit %q", arg)
			}
			opts.MaxMatches = n
		default:
			return opts, nil, fmt.Errorf("unknown flag %s", f)
		}
	}
	return opts, rest, nil
}

// dumpHex prints a canonical hex+ASCII dump with target addresses.
func dumpHex(t *Term, addr uint64, data []byte) {
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		row := data[off:end]
		fmt.Fprintf(t.stdout, "%#016x  ", addr+uint64(off))
		for i := 0; i < 16; i++ {
			if i < len(row) {
				fmt.Fprintf(t.stdout, "%02x ", row[i])
			} else {
				fmt.Fprint(t.stdout, "   ")
			}
			if i == 7 {
				fmt.Fprint(t.stdout, " ")
			}
		}
		fmt.Fprint(t.stdout, " |")
		for _, b := range row {
			if b < 32 || b > 126 {
				b = '.'
			}
			fmt.Fprintf(t.stdout, "%c", b)
		}
		fmt.Fprintln(t.stdout, "|")
	}
}
