// Command compiled is the device backend registry and compilation cache
// daemon. `compiled serve` exposes it over HTTP; the other subcommands run
// the same core in-process.
package main

import (
	"fmt"
	"os"

	"compiled/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "compiled:", err)
		os.Exit(1)
	}
}
