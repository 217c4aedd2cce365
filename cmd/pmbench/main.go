// Command pmbench is the benchmark harness for the CORE's external
// collaborators: it drives dstack (a client built on the CORE's
// dcas/epoch/memento surface) with a configurable number of concurrent
// worker goroutines and reports throughput plus the expvar-backed
// counters the CORE itself publishes via package stats.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pmbench",
		Short:         "Benchmark data structures built on pmcore",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newStackCmd())
	return root
}
