package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// newBudgetCmd creates the "chimerad budget" command group.
func newBudgetCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect or record agent spend",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "check <agent> <cost>",
			Short: "Check whether an agent may spend cost today",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				cost, err := strconv.ParseFloat(args[1], 64)
				if err != nil {
					return fmt.Errorf("cost 必须为数字: %w", err)
				}
				cfg, err := load()
				if err != nil {
					return err
				}
				rt, err := newRuntime(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				defer rt.Close()

				status, err := rt.governor.CheckRequest(cmd.Context(), args[0], cost)
				if err != nil {
					return err
				}
				spent, err := rt.governor.CurrentSpend(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{
					"agent_id": args[0],
					"cost":     cost,
					"spent":    spent,
					"limit":    rt.governor.DailyLimit(),
					"status":   status,
				})
			},
		},
		&cobra.Command{
			Use:   "record <agent> <amount>",
			Short: "Record spend for an agent",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				amount, err := strconv.ParseFloat(args[1], 64)
				if err != nil {
					return fmt.Errorf("amount 必须为数字: %w", err)
				}
				cfg, err := load()
				if err != nil {
					return err
				}
				rt, err := newRuntime(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				defer rt.Close()

				if err := rt.governor.RecordSpend(cmd.Context(), args[0], amount); err != nil {
					return err
				}
				spent, err := rt.governor.CurrentSpend(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"agent_id": args[0], "spent": spent, "limit": rt.governor.DailyLimit()})
			},
		},
	)
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
