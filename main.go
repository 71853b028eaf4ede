package main

import (
	"os"

	"github.com/bismurphy/mwccgap/cmd"
)

func main() {
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
