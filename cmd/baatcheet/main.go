package main

import (
	"os"

	"baatcheet/cmd/baatcheet/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
