package main

import (
	"os"

	"accounting-reports/internal/adapters/cli"
)

func main() {
	if err := cli.NewRootCommand(cli.DefaultOpener).Execute(); err != nil {
		os.Exit(1)
	}
}
