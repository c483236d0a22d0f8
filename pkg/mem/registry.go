package mem

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/go-memscope/memscope/pkg/logflags"
)

// Opener constructs a connector from backend specific key-value options.
type Opener func(opts map[string]string) (Connector, error)

var (
	openersMu sync.RWMutex
	openers   = map[string]Opener{}
)

// Register makes a connector backend available under name. It panics
// if name is already taken, registration is an init-time affair.
func Register(name string, opener Opener) {
	openersMu.Lock()
	defer openersMu.Unlock()
	if _, ok := openers[name]; ok {
		panic(fmt.Sprintf("connector %q registered twice", name))
	}
	openers[name] = opener
}

// Connectors returns the names of all registered backends, sorted.
func Connectors() []string {
	openersMu.RLock()
	defer openersMu.RUnlock()
	names := make([]string, 0, len(openers))
	for name := range openers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open creates a connector by backend name.
func Open(name string, opts map[string]string) (Connector, error) {
	openersMu.RLock()
	opener, ok := openers[name]
	openersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown connector %q (available: %v)", name, Connectors())
	}
	logflags.ConnectorLogger().Debugf("opening connector %q with options %v", name, opts)
	return opener(opts)
}

func init() {
	Register("file", func(opts map[string]string) (Connector, error) {
		path := opts["path"]
		if path == "" {
			return nil, fmt.Errorf("file connector requires a path option")
		}
		return OpenFile(path, opts)
	})
	Register("buffer", func(opts map[string]string) (Connector, error) {
		size := 1 << 20
		if s := opts["size"]; s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 0 {
				return nil, fmt.Errorf("invalid size option %q", s)
			}
			size = v
		}
		return NewBuffer(make([]byte, size)), nil
	})
}
