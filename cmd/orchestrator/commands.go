package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/af-corp/aegis-orchestrator/internal/config"
	"github.com/af-corp/aegis-orchestrator/internal/router"
)

func loadConfig(configDir string) (*config.Loader, error) {
	env, err := resolveEnv(configDir)
	if err != nil {
		return nil, err
	}
	logger := newLogger(firstNonEmpty(env.LogLevel, "warn"), env.LogFormat)
	loader := config.NewLoader(env.ConfigDir, logger)
	if err := loader.Load(); err != nil {
		return nil, err
	}
	return loader, nil
}

func newCheckConfigCmd(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the configuration, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loader, err := loadConfig(*configDir)
			if err != nil {
				return err
			}
			models := 0
			for _, p := range loader.Providers().Providers {
				models += len(p.Models)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: %d providers, %d models\n",
				len(loader.Providers().Providers), models)
			return nil
		},
	}
}

func newProvidersCmd(configDir *string) *cobra.Command {
	var usableOnly bool
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List configured providers in ranking order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loader, err := loadConfig(*configDir)
			if err != nil {
				return err
			}
			registry := router.BuildFromConfig(loader.Providers())

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PROVIDER\tTYPE\tSCORE\tUSABLE\tMAX CONTEXT\tMODELS")
			for _, p := range registry.Rank(router.Requirement{UsableOnly: usableOnly}) {
				fmt.Fprintf(tw, "%s\t%s\t%.2f\t%t\t%d\t%d\n",
					p.Name, p.Type, p.Scores.Composite(), p.Usable(), p.MaxContext(), len(p.Models))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&usableOnly, "usable", false, "only list providers that are available and have credentials")
	return cmd
}
