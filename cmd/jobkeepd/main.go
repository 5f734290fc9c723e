// Command jobkeepd is the standalone scheduler daemon and CLI: serve runs
// the timer loop against a data directory, the remaining subcommands
// manage jobs and inspect run history against that same data directory
// without needing a running daemon.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
