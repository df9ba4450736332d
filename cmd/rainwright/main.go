// Package main is the entry point for the rainwright application.
package main

import (
	"os"

	"github.com/yidakra/rainwright/cmd/rainwright/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
