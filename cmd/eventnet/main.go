// Package main provides the entry point for the eventnet CLI.
package main

import (
	"fmt"
	"os"

	"github.com/VanDung-dev/eventnet/cmd/eventnet/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
