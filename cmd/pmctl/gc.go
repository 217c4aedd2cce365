package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/persistex/pmcore/epoch"
	"github.com/persistex/pmcore/handle"
	"github.com/persistex/pmcore/pmpool"
)

func newGCCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gc <path>",
		Short: "Force an epoch advance and bounded collection pass",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := loggerFrom(cmd.Context())

			p, err := pmpool.Open(args[0])
			if err != nil {
				return fmt.Errorf("open pool: %w", err)
			}
			defer p.Close()

			g := epoch.New(log)
			reg, err := handle.NewRegistry(p, g, false, log)
			if err != nil {
				return fmt.Errorf("build registry: %w", err)
			}

			h, err := reg.Acquire(context.Background())
			if err != nil {
				return fmt.Errorf("acquire handle: %w", err)
			}
			h.Release()

			ran := g.Collect()
			fmt.Printf("collected %d sealed bag(s), %d still pending\n", ran, g.PendingBags())
			log.Info("gc pass complete", zap.Int("ran", ran), zap.Int("pending", g.PendingBags()))
			return nil
		},
	}
	return cmd
}
