// Package terminal implements the interactive prompt.
package terminal

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/go-delve/liner"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/go-memscope/memscope/pkg/config"
	"github.com/go-memscope/memscope/pkg/scan"
	"github.com/go-memscope/memscope/pkg/session"
	"github.com/go-memscope/memscope/pkg/target"
	"github.com/go-memscope/memscope/pkg/value"
)

const historyFile string = ".scope_history"

// Term represents the terminal running memscope.
type Term struct {
	sess   *session.Session
	conf   *config.Config
	prompt string
	line   *liner.State
	cmds   *Commands
	dumb   bool
	stdout io.Writer

	// sel is the process the memory commands operate on, set by the
	// use command.
	sel target.Selector

	// lastMatches feeds the patch and rescan commands with the
	// preceding scan's results; lastDesc remembers how to decode them.
	lastMatches []scan.Match
	lastDesc    value.Descriptor

	quittingMutex sync.Mutex
	quitting      bool
}

// New returns a new Term wired to sess.
func New(sess *session.Session, conf *config.Config) *Term {
	cmds := NewCommands()
	if conf != nil && conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}
	if conf == nil {
		conf = &config.Config{}
	}

	var w io.Writer = os.Stdout
	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb" || !isatty.IsTerminal(os.Stdout.Fd())
	if !dumb {
		w = colorable.NewColorableStdout()
	}

	return &Term{
		sess:   sess,
		conf:   conf,
		prompt: "(scope) ",
		line:   liner.NewLiner(),
		cmds:   cmds,
		dumb:   dumb,
		stdout: w,
	}
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	t.line.Close()
}

// Run begins the read/dispatch loop and blocks until exit.
func (t *Term) Run() (int, error) {
	defer t.Close()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	go func() {
		for range ch {
			t.quittingMutex.Lock()
			quitting := t.quitting
			t.quittingMutex.Unlock()
			if quitting {
				os.Exit(1)
			}
			fmt.Fprintln(t.stdout, "interrupt (type quit to exit)")
		}
	}()

	t.line.SetCompleter(func(line string) (c []string) {
		for _, cmd := range t.cmds.cmds {
			for _, alias := range cmd.aliases {
				if strings.HasPrefix(alias, strings.ToLower(line)) {
					c = append(c, alias)
				}
			}
		}
		return
	})

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.\n", err)
	}
	f, err := os.Open(fullHistoryFile)
	if err == nil {
		t.line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(fullHistoryFile); err == nil {
			t.line.WriteHistory(f)
			f.Close()
		}
	}()

	fmt.Printf("Attached via the %s backend. Type 'help' for a list of commands.\n", t.sess.Backend())

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(t.stdout, "exit")
				return 0, nil
			}
			return 1, fmt.Errorf("prompt for input failed: %w", err)
		}
		if cmdstr == "" {
			continue
		}

		err = t.cmds.Call(t, cmdstr)
		if err != nil {
			if _, ok := err.(exitRequestError); ok {
				return 0, nil
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
}

// RunCommand dispatches a single command line, for non-interactive
// use.
func (t *Term) RunCommand(cmdstr string) error {
	return t.cmds.Call(t, cmdstr)
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}
	l = strings.TrimSpace(l)
	if l != "" {
		t.line.AppendHistory(l)
	}
	return l, nil
}

// selected returns the selector set by the use command.
func (t *Term) selected() (target.Selector, error) {
	if t.sel.Pid == 0 && t.sel.Name == "" {
		return target.Selector{}, fmt.Errorf("no process selected, run: use <pid|name>")
	}
	return t.sel, nil
}

func (t *Term) snapshotToFile(sel target.Selector, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := t.sess.Snapshot(sel, f, session.SnapshotOptions{}); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Snapshot written to %s\n", path)
	return nil
}
