package main

import (
	"os"

	"github.com/tkingovr/sockguard/cmd/sockguard/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
