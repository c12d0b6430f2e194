package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/consolidata/dbsync/internal/config"
	"github.com/consolidata/dbsync/internal/engine"
	"github.com/consolidata/dbsync/internal/schedule"
	"github.com/consolidata/dbsync/internal/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the consolidation daemon",
	Long: `Run starts the scheduled consolidation loop. Every run interval, while the
allowed window is open, each source branch is replicated into the
consolidated target database.

The loop runs until interrupted. Interruption is safe: watermarks commit
with their batches, so the next cycle resumes where the last one stopped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings := config.GetSettings()

		plan, err := config.LoadPlan(config.GetString(config.KeyPlanFile))
		if err != nil {
			return fmt.Errorf("load table plan: %w", err)
		}

		window, err := schedule.ParseWindow(settings.WindowStart, settings.WindowEnd)
		if err != nil {
			return fmt.Errorf("parse sync window: %w", err)
		}

		metrics, err := telemetry.NewSyncMetrics()
		if err != nil {
			logs.App.Warn("sync metrics unavailable", zap.Error(err))
		}

		eng := engine.New(settings, plan, logs, metrics)
		runner := engine.NewRunner(eng, window, logs.App)

		watcher, err := watchConnectionsFile(settings.ConnectionsFile, runner)
		if err != nil {
			logs.App.Warn("connections file watch unavailable", zap.Error(err))
		} else {
			defer watcher.Close()
		}

		logs.App.Info("dbsync starting",
			zap.String("version", Version),
			zap.String("connections_file", settings.ConnectionsFile),
			zap.String("window", window.String()),
			zap.Duration("run_interval", settings.RunInterval),
			zap.Int("max_branch_workers", settings.MaxBranchWorkers),
			zap.Int("max_table_workers", settings.MaxTableWorkers),
		)

		runner.Run(rootCtx)

		logs.App.Info("dbsync stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
