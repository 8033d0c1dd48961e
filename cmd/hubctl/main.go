// Package main is the entry point for the hubctl CLI.
package main

import (
	"fmt"
	"os"

	"github.com/codernetes/hub/internal/hubctl"
)

// Version information (set by goreleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var _ = []string{commit, date}

func main() {
	if err := hubctl.Execute(version); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
