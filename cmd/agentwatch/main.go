package main

import (
	"os"

	"github.com/lucid-vigil/agentwatch/pkg/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
