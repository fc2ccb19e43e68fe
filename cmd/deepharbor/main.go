package main

import (
	"fmt"
	"os"

	"github.com/pumpingstationone/deepharbor/cmd/deepharbor/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
