package main

import (
	"os"

	"github.com/spf13/cobra"

	"Chimera-Swarm/internal/config"
)

// newRootCmd creates the root chimerad command with all subcommands attached.
func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "chimerad",
		Short:         "Chimera swarm task distribution and budget governance",
		Long:          "chimerad runs the planner, worker pool and judge of the Chimera swarm.\nComponents coordinate only through the shared queue store.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv(config.EnvConfigPath), "path to a JSON or YAML config file")

	load := func() (*config.Config, error) { return loadConfig(configPath) }
	cmd.AddCommand(
		newPlanCmd(load),
		newWorkerCmd(load),
		newJudgeCmd(load),
		newServeCmd(load),
		newBudgetCmd(load),
	)
	return cmd
}

type configLoader func() (*config.Config, error)

func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		cfg, err = config.Default()
	} else {
		cfg, err = config.Load(path)
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
