package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/persistex/pmcore/dstack"
	"github.com/persistex/pmcore/epoch"
	"github.com/persistex/pmcore/handle"
	"github.com/persistex/pmcore/pmpool"
	"github.com/persistex/pmcore/stats"
)

func newStackCmd() *cobra.Command {
	var (
		threads int
		ops     int
		sizeMiB int64
		keep    bool
	)

	cmd := &cobra.Command{
		Use:   "stack",
		Short: "Push/pop throughput benchmark for dstack",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := os.CreateTemp("", "pmbench-stack-*.pm")
			if err != nil {
				return fmt.Errorf("tempfile: %w", err)
			}
			path.Close()
			if !keep {
				defer os.Remove(path.Name())
			}

			p, err := pmpool.Create(path.Name(), uint64(sizeMiB)<<20)
			if err != nil {
				return fmt.Errorf("create pool: %w", err)
			}
			defer p.Close()

			g := epoch.New(nil)
			reg, err := handle.NewRegistry(p, g, false, nil)
			if err != nil {
				return fmt.Errorf("build registry: %w", err)
			}
			s, err := dstack.New[uint64](p, 0)
			if err != nil {
				return fmt.Errorf("build stack: %w", err)
			}

			start := time.Now()
			var eg errgroup.Group
			for t := 0; t < threads; t++ {
				eg.Go(func() error {
					h, err := reg.Acquire(context.Background())
					if err != nil {
						return err
					}
					defer h.Release()

					for i := 0; i < ops; i++ {
						if err := s.Push(h, uint64(i)); err != nil {
							return fmt.Errorf("push: %w", err)
						}
						if _, err := s.Pop(h); err != nil {
							return fmt.Errorf("pop: %w", err)
						}
					}
					return nil
				})
			}
			if err := eg.Wait(); err != nil {
				return err
			}
			elapsed := time.Since(start)

			total := threads * ops * 2
			fmt.Printf("%d threads x %d ops: %d pushes+pops in %s (%.0f ops/sec)\n",
				threads, ops, total, elapsed, float64(total)/elapsed.Seconds())
			fmt.Printf("pool: allocs=%d frees=%d bytes_in_use=%d\n",
				stats.PoolAllocs.Value(), stats.PoolFrees.Value(), stats.PoolBytesInUse.Value())
			fmt.Printf("epoch: advances=%d stalled=%d bags_collected=%d\n",
				stats.EpochAdvances.Value(), stats.EpochStalledAdvances.Value(), stats.EpochBagsCollected.Value())
			return nil
		},
	}
	cmd.Flags().IntVar(&threads, "threads", 4, "concurrent worker goroutines")
	cmd.Flags().IntVar(&ops, "ops", 10000, "push/pop pairs per worker")
	cmd.Flags().Int64Var(&sizeMiB, "size-mib", 64, "scratch pool size in MiB")
	cmd.Flags().BoolVar(&keep, "keep", false, "keep the scratch pool file instead of deleting it")
	return cmd
}
