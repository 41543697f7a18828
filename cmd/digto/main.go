package main

import (
	"os"

	"digto/cmd/digto/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
