package main

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"Chimera-Swarm/internal/api"
	"Chimera-Swarm/internal/auth"
	"Chimera-Swarm/internal/observability/metrics"
	"Chimera-Swarm/internal/planner"
)

// newServeCmd creates the "chimerad serve" subcommand.
func newServeCmd(load configLoader) *cobra.Command {
	var withGoals bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run workers, judge and the HTTP API in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			rt, err := newRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			p := rt.planner()
			workers, err := rt.workers()
			if err != nil {
				return err
			}
			j, err := rt.judge(cmd.Context(), p)
			if err != nil {
				return err
			}

			tokens, err := auth.NewService(cfg.Server.Tokens)
			if err != nil {
				return err
			}
			deps := api.Dependencies{
				Auth:       tokens,
				Planner:    p,
				Budget:     rt.governor,
				Queues:     rt.store,
				Incidents:  rt.archive,
				QueueNames: rt.queueNames(),
			}
			if pinger, ok := rt.store.(api.Pinger); ok {
				deps.Health = pinger
			}
			server := api.NewServer(cfg.Server.Address, deps)

			group, ctx := errgroup.WithContext(cmd.Context())
			for _, w := range workers {
				group.Go(func() error { return runWorker(ctx, w.ID(), w.Run) })
			}
			group.Go(func() error {
				err := j.Run(ctx)
				logExit("judge", err)
				return err
			})
			group.Go(func() error {
				err := server.Start(ctx)
				logExit("api", err)
				return err
			})
			if cfg.Metrics.Address != "" {
				group.Go(func() error { return metrics.StartServer(ctx, cfg.Metrics.Address) })
			}
			if withGoals {
				group.Go(func() error { return submitGoals(ctx, p, cfg.Planner.GoalsFile) })
			}
			return ignoreCanceled(group.Wait())
		},
	}
	cmd.Flags().BoolVar(&withGoals, "plan", false, "also submit the goals file on startup")
	return cmd
}

func submitGoals(ctx context.Context, p *planner.Planner, path string) error {
	goals, err := planner.LoadGoals(path)
	if err != nil {
		return err
	}
	return p.Run(ctx, goals)
}
