package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/consolidata/dbsync/internal/config"
	"github.com/consolidata/dbsync/internal/engine"
	"github.com/consolidata/dbsync/internal/telemetry"
	"github.com/consolidata/dbsync/internal/ui"
)

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single sync cycle and exit",
	Long: `Once runs one consolidation cycle immediately, ignoring the allowed window.
Useful for catch-up runs after an outage and for cron-driven deployments
that schedule outside the daemon.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings := config.GetSettings()

		plan, err := config.LoadPlan(config.GetString(config.KeyPlanFile))
		if err != nil {
			return fmt.Errorf("load table plan: %w", err)
		}

		metrics, err := telemetry.NewSyncMetrics()
		if err != nil {
			logs.App.Warn("sync metrics unavailable", zap.Error(err))
		}

		eng := engine.New(settings, plan, logs, metrics)
		if err := eng.RunCycle(rootCtx); err != nil {
			return fmt.Errorf("sync cycle: %w", err)
		}

		fmt.Println(ui.RenderPass(ui.IconPass + " sync cycle complete"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(onceCmd)
}
