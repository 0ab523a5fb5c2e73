package main

import (
	"os"

	"github.com/chosenoffset/tripwire/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
