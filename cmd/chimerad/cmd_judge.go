package main

import (
	"github.com/spf13/cobra"
)

// newJudgeCmd creates the "chimerad judge" subcommand.
func newJudgeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "judge",
		Short: "Review worker results",
		Long:  "Pops results from the review queue and approves or rejects them.\nRejected tasks are handed back to the planner for retry or escalation.",
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

			j, err := rt.judge(cmd.Context(), rt.planner())
			if err != nil {
				return err
			}
			return ignoreCanceled(j.Run(cmd.Context()))
		},
	}
}
