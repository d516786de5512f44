// Package main is the entry point for the tvcast application.
package main

import (
	"os"

	"github.com/jmylchreest/tvcast/cmd/tvcast/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(cmd.ExitCode(err))
	}
}
