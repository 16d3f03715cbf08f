package main

import (
	"os"

	"github.com/rustyeddy/nightguard/cmd/nightguard/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
