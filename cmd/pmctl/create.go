package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/persistex/pmcore/pmpool"
)

func newCreateCmd() *cobra.Command {
	var sizeMiB int64

	cmd := &cobra.Command{
		Use:   "create <path>",
		Short: "Create a new pool file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := loggerFrom(cmd.Context())
			path := args[0]
			size := uint64(sizeMiB) << 20

			p, err := pmpool.Create(path, size)
			if err != nil {
				return fmt.Errorf("create pool: %w", err)
			}
			defer p.Close()

			log.Info("pool created", zap.String("path", path), zap.Int64("sizeMiB", sizeMiB))
			fmt.Printf("created %s (%d MiB, %d roots)\n", path, sizeMiB, pmpool.NumRoots)
			return nil
		},
	}
	cmd.Flags().Int64Var(&sizeMiB, "size-mib", 64, "pool size in MiB")
	return cmd
}
