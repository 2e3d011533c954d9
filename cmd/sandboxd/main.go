package main

import (
	"os"

	"github.com/devgrid/sandboxd/cmd/sandboxd/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
