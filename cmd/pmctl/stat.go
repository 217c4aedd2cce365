package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/persistex/pmcore/pmpool"
)

func newStatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stat <path>",
		Short: "Print a pool's root table occupancy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pmpool.Open(args[0])
			if err != nil {
				return fmt.Errorf("open pool: %w", err)
			}
			defer p.Close()

			occupied := 0
			for i := 0; i < pmpool.NumRoots; i++ {
				if !p.Root(i).IsNil() {
					occupied++
				}
			}
			fmt.Printf("%s: %d/%d roots occupied\n", args[0], occupied, pmpool.NumRoots)
			return nil
		},
	}
	return cmd
}
