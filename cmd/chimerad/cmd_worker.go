package main

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// newWorkerCmd creates the "chimerad worker" subcommand.
func newWorkerCmd(load configLoader) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the worker pool",
		Long:  "Pops tasks from the task queue, executes them and pushes results to the review queue.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if count > 0 {
				cfg.Worker.Count = count
			}
			rt, err := newRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			workers, err := rt.workers()
			if err != nil {
				return err
			}
			group, ctx := errgroup.WithContext(cmd.Context())
			for _, w := range workers {
				group.Go(func() error { return runWorker(ctx, w.ID(), w.Run) })
			}
			return ignoreCanceled(group.Wait())
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "number of workers overriding worker.count")
	return cmd
}

func runWorker(ctx context.Context, id string, run func(context.Context) error) error {
	err := run(ctx)
	logExit("worker "+id, err)
	return err
}
