package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/consolidata/dbsync/internal/config"
	"github.com/consolidata/dbsync/internal/connfile"
	"github.com/consolidata/dbsync/internal/mssql"
	"github.com/consolidata/dbsync/internal/schedule"
	"github.com/consolidata/dbsync/internal/ui"
)

var probeFlag bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check configuration, plan, and connections file",
	Long: `Validate loads everything a sync run would use and reports what it found:
the configuration file, the sync window, the table plan, and the
connections file partition. With --probe it also dials every listed
server, so credential problems surface before the nightly window opens.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate()
	},
}

func init() {
	validateCmd.Flags().BoolVar(&probeFlag, "probe", false, "Dial every listed server to verify connectivity")
	rootCmd.AddCommand(validateCmd)
}

func runValidate() error {
	failed := false
	pass := func(format string, a ...any) {
		fmt.Printf("%s %s\n", ui.RenderPass(ui.IconPass), fmt.Sprintf(format, a...))
	}
	fail := func(format string, a ...any) {
		fmt.Printf("%s %s\n", ui.RenderFail(ui.IconFail), fmt.Sprintf(format, a...))
		failed = true
	}

	cfgPath := config.ConfigFileUsed()
	if cfgPath == "" {
		cfgPath = "built-in defaults"
	}
	pass("configuration: %s", cfgPath)

	settings := config.GetSettings()

	window, err := schedule.ParseWindow(settings.WindowStart, settings.WindowEnd)
	if err != nil {
		fail("sync window: %v", err)
	} else {
		pass("sync window: %s", window)
	}

	pass("schedule: every %s, %d branch workers x %d table workers, %d day lookback",
		settings.RunInterval, settings.MaxBranchWorkers, settings.MaxTableWorkers, settings.LookbackDays)

	planPath := config.GetString(config.KeyPlanFile)
	plan, err := config.LoadPlan(planPath)
	if err != nil {
		fail("table plan: %v", err)
	} else {
		source := "built-in"
		if planPath != "" {
			source = planPath
		}
		pass("table plan: %d tables (%s)", len(plan.Tables), source)
	}

	var target connfile.Connection
	var sources []connfile.Connection
	conns, err := connfile.Load(settings.ConnectionsFile, zap.NewNop())
	if err != nil {
		fail("connections file: %v", err)
	} else if target, sources, err = connfile.Partition(conns, zap.NewNop()); err != nil {
		fail("connections file: %v", err)
	} else {
		pass("connections file: 1 target, %d sources (%s)", len(sources), settings.ConnectionsFile)
	}

	if plan != nil {
		fmt.Println()
		printPlanTable(plan)
	}

	if probeFlag && !failed {
		fmt.Println()
		if !probeConnections(settings, target, sources) {
			failed = true
		}
	}

	if failed {
		return fmt.Errorf("validation failed")
	}
	return nil
}

func printPlanTable(plan *config.Plan) {
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tMETHOD\tBATCH\tDATE COLUMN")
	fmt.Fprintln(w, "-----\t------\t-----\t-----------")
	for _, name := range plan.TableNames() {
		dateCol := plan.DateColumnFor(name)
		if dateCol == "" {
			dateCol = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", name, plan.MethodFor(name), plan.BatchSizeFor(name), dateCol)
	}
	w.Flush()
}

// probeConnections dials every server with the same settings a sync run
// would use and prints one line per attempt.
func probeConnections(settings config.Settings, target connfile.Connection, sources []connfile.Connection) bool {
	ok := true
	probe := func(role string, c connfile.Connection, database string) {
		ctx, cancel := context.WithTimeout(rootCtx, settings.ConnectTimeout+10*time.Second)
		defer cancel()

		db, err := mssql.Open(ctx, mssql.Config{
			Server:         c.Server,
			Port:           c.Port,
			Database:       database,
			Username:       c.Username,
			Password:       c.Password,
			ConnectTimeout: settings.ConnectTimeout,
			AppName:        settings.AppName,
		}, zap.NewNop())
		if err != nil {
			fmt.Printf("%s %s %s/%s: %v\n", ui.RenderFail(ui.IconFail), role, c.Addr(), database, err)
			ok = false
			return
		}
		db.Close()
		fmt.Printf("%s %s %s/%s\n", ui.RenderPass(ui.IconPass), role, c.Addr(), database)
	}

	probe("target", target, resolveTargetDatabase(settings, target))
	for _, src := range sources {
		probe("source", src, src.Database)
	}
	return ok
}
