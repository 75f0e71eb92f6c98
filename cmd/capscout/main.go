package main

import (
	"os"

	"github.com/jgalley/capscout/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
