// Package main provides the entry point for the indexctl CLI.
package main

import (
	"os"

	"github.com/codeindex-engine/core/cmd/indexctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
