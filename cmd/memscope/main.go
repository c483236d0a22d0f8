package main

import (
	"os"

	"github.com/go-memscope/memscope/cmd/memscope/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
