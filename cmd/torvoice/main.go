package main

import (
	"os"

	"github.com/opd-ai/torvoice/cmd/torvoice/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
