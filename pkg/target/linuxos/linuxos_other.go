//go:build !linux

package linuxos

import (
	"errors"

	"github.com/go-memscope/memscope/pkg/mem"
	"github.com/go-memscope/memscope/pkg/target"
)

func init() {
	target.Register("linux", func(conn mem.Connector, opts map[string]string) (target.OS, error) {
		return nil, errors.New("the linux backend is only available on linux hosts")
	})
}
