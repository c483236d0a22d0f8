// Package logflags configures logging for the various layers of the
// engine. Logging is off by default; Setup enables it for a
// comma-separated list of layers.
package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
)

var (
	connector bool
	translate bool
	target    bool
	scan      bool
	session   bool
)

var logOut io.WriteCloser

func makeLogger(flag bool, fields Fields) Logger {
	lf := loggerFactory
	if lf == nil {
		lf = defaultLoggerFactory
	}
	var out io.Writer = os.Stderr
	if logOut != nil {
		out = logOut
	}
	return lf(flag, fields, out)
}

// Any returns true if any logging layer is enabled.
func Any() bool {
	return connector || translate || target || scan || session
}

// Connector returns true if the connector layer should log.
func Connector() bool {
	return connector
}

// ConnectorLogger returns a logger for the connector layer.
func ConnectorLogger() Logger {
	return makeLogger(connector, Fields{"layer": "connector"})
}

// Translate returns true if address translation should be logged.
func Translate() bool {
	return translate
}

// TranslateLogger returns a logger for the address translation layer.
func TranslateLogger() Logger {
	return makeLogger(translate, Fields{"layer": "translate"})
}

// Target returns true if the OS abstraction layer should log.
func Target() bool {
	return target
}

// TargetLogger returns a logger for the OS abstraction layer.
func TargetLogger() Logger {
	return makeLogger(target, Fields{"layer": "target"})
}

// Scan returns true if memory scans should log.
func Scan() bool {
	return scan
}

// ScanLogger returns a logger for the scanner.
func ScanLogger() Logger {
	return makeLogger(scan, Fields{"layer": "scan"})
}

// Session returns true if the session layer should log.
func Session() bool {
	return session
}

// SessionLogger returns a logger for the session layer.
func SessionLogger() Logger {
	return makeLogger(session, Fields{"layer": "session"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup enables the logging layers listed in logstr. If logDest is
// non-empty logs are written there instead of standard error; logDest
// may be a file path or a file descriptor number.
func Setup(logFlag bool, logstr string, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "memscope-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "session"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "connector":
			connector = true
		case "translate":
			translate = true
		case "target":
			target = true
		case "scan":
			scan = true
		case "session":
			session = true
		default:
			return fmt.Errorf("invalid log layer %q", logcmd)
		}
	}
	return nil
}

// Close closes the logging destination, if one was opened by Setup.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}
