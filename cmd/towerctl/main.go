package main

import (
	"os"

	"towersched/cmd/towerctl/commands"
)

func main() {
	if err := commands.RootCmd.Execute(); err != nil {
		os.Exit(commands.ExitCode(err))
	}
}
