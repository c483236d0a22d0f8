//go:build linux

package linuxos

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-memscope/memscope/pkg/target"
)

// parseMaps reads the /proc/<pid>/maps format:
//
//	7f1bb02f4000-7f1bb02f6000 rw-p 001ab000 fd:01 2100818   /usr/lib/libc.so.6
//
// The pathname column is optional and may contain spaces.
func parseMaps(r io.Reader) ([]target.MemoryRegion, error) {
	var regions []target.MemoryRegion
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 6)
		if len(fields) < 5 {
			return nil, fmt.Errorf("malformed maps line %q", line)
		}
		addr := strings.SplitN(fields[0], "-", 2)
		if len(addr) != 2 {
			return nil, fmt.Errorf("malformed address range %q", fields[0])
		}
		start, err := strconv.ParseUint(addr[0], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed address range %q: %v", fields[0], err)
		}
		end, err := strconv.ParseUint(addr[1], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed address range %q: %v", fields[0], err)
		}
		perms := fields[1]
		if len(perms) < 3 {
			return nil, fmt.Errorf("malformed permissions %q", perms)
		}
		var label string
		if len(fields) == 6 {
			label = strings.TrimLeft(fields[5], " ")
		}
		regions = append(regions, target.MemoryRegion{
			Start: start,
			Size:  end - start,
			Read:  perms[0] == 'r',
			Write: perms[1] == 'w',
			Exec:  perms[2] == 'x',
			Label: label,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return regions, nil
}
