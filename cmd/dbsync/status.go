package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/consolidata/dbsync/internal/config"
	"github.com/consolidata/dbsync/internal/connfile"
	"github.com/consolidata/dbsync/internal/mssql"
	"github.com/consolidata/dbsync/internal/syncmeta"
	"github.com/consolidata/dbsync/internal/ui"
)

var statusFilter string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-branch, per-table sync state",
	Long: `Status reads the sync catalog on the consolidated target and prints one
row per (branch, table) pair: the committed watermark, the last run times,
and the current state. Failed and SchemaError rows carry their remarks.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if statusFilter != "" && !knownStatus(statusFilter) {
			return fmt.Errorf("unknown status %q (expected Pending, InProgress, Complete, Failed, or SchemaError)", statusFilter)
		}

		settings := config.GetSettings()

		conns, err := connfile.Load(settings.ConnectionsFile, zap.NewNop())
		if err != nil {
			return err
		}
		target, _, err := connfile.Partition(conns, zap.NewNop())
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(rootCtx, 30*time.Second)
		defer cancel()

		db, err := mssql.Open(ctx, mssql.Config{
			Server:         target.Server,
			Port:           target.Port,
			Database:       resolveTargetDatabase(settings, target),
			Username:       target.Username,
			Password:       target.Password,
			ConnectTimeout: settings.ConnectTimeout,
			AppName:        settings.AppName,
		}, zap.NewNop())
		if err != nil {
			return fmt.Errorf("connect to target: %w", err)
		}
		defer db.Close()

		records, err := syncmeta.NewStore(db, zap.NewNop()).List(ctx, statusFilter)
		if err != nil {
			return fmt.Errorf("read sync catalog: %w", err)
		}

		if jsonOutput {
			outputJSON(statusRows(records))
			return nil
		}
		renderStatusTable(records)
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "Only show rows in this state (Pending|InProgress|Complete|Failed|SchemaError)")
	rootCmd.AddCommand(statusCmd)
}

// resolveTargetDatabase picks the consolidated database name: the configured
// override wins, otherwise the database named on the target line.
func resolveTargetDatabase(settings config.Settings, target connfile.Connection) string {
	if settings.TargetDatabase != "" {
		return settings.TargetDatabase
	}
	return target.Database
}

func knownStatus(s string) bool {
	switch syncmeta.Status(s) {
	case syncmeta.StatusPending, syncmeta.StatusInProgress, syncmeta.StatusComplete,
		syncmeta.StatusFailed, syncmeta.StatusSchemaError:
		return true
	}
	return false
}

// statusRow is the JSON shape of one catalog entry.
type statusRow struct {
	Branch         string `json:"branch"`
	Table          string `json:"table"`
	LastValue      string `json:"last_value"`
	LastSynced     string `json:"last_synced,omitempty"`
	LastCompletion string `json:"last_completion,omitempty"`
	Status         string `json:"status"`
	Remarks        string `json:"remarks,omitempty"`
}

func statusRows(records []syncmeta.Record) []statusRow {
	rows := make([]statusRow, 0, len(records))
	for _, rec := range records {
		row := statusRow{
			Branch:    rec.BranchName,
			Table:     rec.TableName,
			LastValue: rec.LastValue,
			Status:    string(rec.Status),
		}
		if rec.LastSynced.Valid {
			row.LastSynced = rec.LastSynced.Time.Format(time.RFC3339)
		}
		if rec.LastCompletionTime.Valid {
			row.LastCompletion = rec.LastCompletionTime.Time.Format(time.RFC3339)
		}
		if rec.Remarks.Valid {
			row.Remarks = rec.Remarks.String
		}
		rows = append(rows, row)
	}
	return rows
}

func renderStatusTable(records []syncmeta.Record) {
	if len(records) == 0 {
		if statusFilter != "" {
			fmt.Println(ui.RenderMuted("no rows with status " + statusFilter))
			return
		}
		fmt.Println(ui.RenderMuted("no sync history recorded yet"))
		return
	}

	colorize := ui.IsTerminal()

	// STATUS stays the last column: its ANSI escapes would otherwise throw
	// off tabwriter's width accounting for everything after it.
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BRANCH\tTABLE\tLAST VALUE\tLAST SYNCED\tLAST COMPLETION\tSTATUS")
	fmt.Fprintln(w, "------\t-----\t----------\t-----------\t---------------\t------")
	for _, rec := range records {
		status := string(rec.Status)
		if colorize {
			status = ui.RenderStatus(status)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.BranchName,
			rec.TableName,
			rec.LastValue,
			formatCatalogTime(rec.LastSynced),
			formatCatalogTime(rec.LastCompletionTime),
			status,
		)
	}
	w.Flush()

	for _, rec := range records {
		if !needsAttention(rec.Status) || !rec.Remarks.Valid {
			continue
		}
		remark := strings.TrimSpace(rec.Remarks.String)
		if remark == "" {
			continue
		}
		fmt.Printf("  %s %s/%s: %s\n",
			ui.RenderFail(ui.IconFail),
			rec.BranchName,
			rec.TableName,
			ui.RenderMuted(truncateRemark(remark)),
		)
	}
}

func needsAttention(s syncmeta.Status) bool {
	return s == syncmeta.StatusFailed || s == syncmeta.StatusSchemaError
}

func formatCatalogTime(t sql.NullTime) string {
	if !t.Valid {
		return "-"
	}
	return t.Time.Format("2006-01-02 15:04:05")
}

// truncateRemark keeps remark lines to one terminal row. Full text is
// available via --json.
func truncateRemark(s string) string {
	const max = 120
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
