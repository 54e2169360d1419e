package main

import (
	"os"

	"github.com/harun/sandbridge/internal/cli"

	// Plugins available to sandboxes started by this binary.
	_ "github.com/harun/sandbridge/pkg/plugins/hello"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
