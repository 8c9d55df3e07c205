// Package main is the entry point for the mhm CLI tool.
package main

import (
	"github.com/mhmlab/mhm/internal/cmd"
)

func main() {
	cmd.Execute()
}
