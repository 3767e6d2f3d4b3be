// Command scenehost runs, validates and tests scene directories.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/scenehost/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
