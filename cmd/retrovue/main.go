// Package main is the entry point for the retrovue application.
package main

import (
	"os"

	"github.com/slbailey/Retrovue-sub002/cmd/retrovue/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
