package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/consolidata/dbsync/internal/config"
	"github.com/consolidata/dbsync/internal/logging"
	"github.com/consolidata/dbsync/internal/telemetry"
)

// --------------------------------------------------------------------------
// Bootstrap pipeline steps for PersistentPreRun
//
// Each function is a single concern in the initialization sequence. The
// PersistentPreRun in main.go calls these in order, making the boot
// sequence self-documenting.
// --------------------------------------------------------------------------

// setupSignalContext installs a context cancelled on SIGINT/SIGTERM. A
// shutdown request interrupts sleeping runners and in-flight batches; the
// engine then records a resumable status before exiting.
func setupSignalContext() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	rootCtx = ctx
	rootCancel = cancel
}

// loadConfiguration initializes viper. An explicit --config file wins;
// otherwise the standard search path applies. Errors are fatal because
// every command reads at least one key.
func loadConfiguration() {
	var err error
	if cfgFile != "" {
		err = config.LoadFile(cfgFile)
	} else {
		err = config.Initialize()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: load configuration: %v\n", err)
		os.Exit(1)
	}
}

// applyFlagOverrides pushes explicit command-line flags over file and
// environment configuration.
func applyFlagOverrides() {
	if connectionsFlag != "" {
		config.Set(config.KeyConnectionsFile, connectionsFlag)
	}
	if logDirFlag != "" {
		config.Set(config.KeyLogDir, logDirFlag)
	}
}

// daemonCommands lists commands that execute sync cycles and need the
// rolling file loggers and telemetry exporters. Operator commands like
// status and validate write to stdout instead.
var daemonCommands = []string{
	"once",
	"run",
}

// isDaemonCommand reports whether the command (or its parent) runs sync
// cycles and therefore needs the full logging and telemetry stack.
func isDaemonCommand(cmd *cobra.Command) bool {
	if cmd.Parent() != nil && slices.Contains(daemonCommands, cmd.Parent().Name()) {
		return true
	}
	return slices.Contains(daemonCommands, cmd.Name())
}

// openLogs builds the rolling file logger set. Sync cycles write to
// sync.log, errors.log, and success.log under the configured directory.
func openLogs() {
	set, err := logging.New(logging.Options{
		Dir:     config.GetString(config.KeyLogDir),
		Verbose: verboseFlag,
		Console: consoleFlag,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: open log sinks: %v\n", err)
		os.Exit(1)
	}
	logs = set
}

// initTelemetry wires the OpenTelemetry providers. A telemetry failure is
// logged and ignored; metrics must never block a sync run.
func initTelemetry() {
	if err := telemetry.Init(rootCtx, "dbsync", Version); err != nil {
		logs.App.Warn("telemetry init failed", zap.Error(err))
	}
}
