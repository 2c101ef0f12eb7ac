package main

import (
	"os"

	"github.com/kryptoworx-io/kx-signal-cli/cmd/kx-store/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
