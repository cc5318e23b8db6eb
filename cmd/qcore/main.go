// Package main is the entry point for the qcore CLI.
package main

import (
	"fmt"
	"os"

	"github.com/baasix/querycore/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
