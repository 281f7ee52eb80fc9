// Package main is the entry point for the weft overlay node.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/weft/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
