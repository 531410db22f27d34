// Package main provides the entry point for the packager CLI.
package main

import (
	"fmt"
	"os"

	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
