package main

import (
	"github.com/spf13/cobra"

	"github.com/R3E-Network/yieldvault/internal/app"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a scripted year against simulated backends and print the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		// one-shot run: no cron, and the optimizer may act on freshly activated backends
		cfg.Optimizer.Cooldown = 0
		cfg.Audit.DSN = ""

		application, err := app.New(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer application.Close()

		return app.DefaultScenario().Run(cmd.Context(), application, cmd.OutOrStdout())
	},
}
