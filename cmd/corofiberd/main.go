// Command corofiberd is a runnable demonstration of the corofiber
// runtime: a Hub driving a raw TCP echo listener through Trampoline and
// a FiberPool fanning out per-connection greeting work, in place of
// gaio's ad hoc aio_test.go echo harness. A tpool Bridge is built and
// shut down with the server but runs no jobs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "corofiberd",
		Short:   "corofiberd runs a demo Hub serving a cooperative TCP echo service",
		Version: version,
	}

	rootCmd.AddCommand(newServeCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
