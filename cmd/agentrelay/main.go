// Package main is the entry point for the agentrelay engine.
package main

import (
	"os"

	"github.com/Strob0t/agentrelay/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
