package main

import (
	"github.com/spf13/cobra"

	"Chimera-Swarm/internal/planner"
)

// newPlanCmd creates the "chimerad plan" subcommand.
func newPlanCmd(load configLoader) *cobra.Command {
	var goalsFile string
	cmd := &cobra.Command{
		Use:   "plan [goal...]",
		Short: "Decompose goals into tasks and enqueue them",
		Long:  "Decomposes each goal into tasks on the task queue.\nGoals come from the arguments, or from the goals file when none are given.",
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

			goals := args
			if len(goals) == 0 {
				path := goalsFile
				if path == "" {
					path = cfg.Planner.GoalsFile
				}
				if goals, err = planner.LoadGoals(path); err != nil {
					return err
				}
			}
			return rt.planner().Run(cmd.Context(), goals)
		},
	}
	cmd.Flags().StringVar(&goalsFile, "goals", "", "goals file overriding planner.goals_file")
	return cmd
}
