// Package main provides the dbsync CLI: the consolidation daemon plus the
// operator commands for inspecting and maintaining a branch fleet.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/consolidata/dbsync/internal/logging"
	"github.com/consolidata/dbsync/internal/telemetry"
	"github.com/consolidata/dbsync/internal/ui"
)

var (
	cfgFile         string
	connectionsFlag string
	logDirFlag      string
	verboseFlag     bool // Enable verbose/debug output
	consoleFlag     bool // Mirror logs to stderr
	jsonOutput      bool

	// Logger set for daemon commands; nil for lightweight commands.
	logs *logging.Set

	// Signal-aware context for graceful cancellation
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "dbsync",
	Short: "dbsync - Multi-branch SQL Server consolidation",
	Long: `Replicates tables from branch SQL Server databases into one consolidated
database. Each row is tagged with the branch it came from, and per-table
watermarks make every run incremental and safe to interrupt.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		// Handle --version flag on root command
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("dbsync version %s (%s)\n", Version, Build)
			return
		}
		// No subcommand - show help
		_ = cmd.Help() // Help() always returns nil for cobra commands
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// --- Phase 1: Universal setup (runs for every command) ---
		setupSignalContext()
		loadConfiguration()
		applyFlagOverrides()

		// --- Phase 2: Early exit for commands that never run sync work ---
		if !isDaemonCommand(cmd) {
			return
		}

		// --- Phase 3: Full stack for sync commands ---
		openLogs()
		initTelemetry()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if telemetry.Enabled() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			telemetry.Shutdown(ctx)
			cancel()
		}
		if logs != nil {
			logs.Sync()
		}
		if rootCancel != nil {
			rootCancel()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./dbsync.yaml, then ~/.config/dbsync/dbsync.yaml)")
	rootCmd.PersistentFlags().StringVar(&connectionsFlag, "connections", "", "Connections file (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logDirFlag, "log-dir", "", "Log directory (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVar(&consoleFlag, "console", false, "Mirror logs to stderr")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	// Add --version flag to root command (same behavior as version subcommand)
	rootCmd.Flags().BoolP("version", "V", false, "Print version information")
}

// outputJSON renders v as indented JSON on stdout.
func outputJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: marshal JSON: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.RenderFail("Error: "+err.Error()))
		os.Exit(1)
	}
}
