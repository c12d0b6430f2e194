package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/consolidata/dbsync/internal/config"
	"github.com/consolidata/dbsync/internal/ui"
)

var nonInteractive bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Add a connection entry to the connections file",
	Long: `Init appends one server entry to the connections file using an interactive
form. Run it once per branch and once for the consolidated target.

With --non-interactive it writes a commented template file instead, ready
for hand editing or configuration management.

The form uses keyboard navigation:
  - Tab/Shift+Tab: Move between fields
  - Enter: Submit the form (on the last field)
  - Ctrl+C: Cancel and exit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.GetString(config.KeyConnectionsFile)
		if nonInteractive {
			return writeConnectionsTemplate(path)
		}
		return runInitForm(path)
	},
}

func init() {
	initCmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "Write a commented template file instead of prompting")
	rootCmd.AddCommand(initCmd)
}

func runInitForm(path string) error {
	var (
		server   string
		portStr  string
		database string
		username string
		password string
		isTarget bool
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Server").
				Description("Hostname or IP of the SQL Server instance").
				Placeholder("e.g., branch-lahore-01.internal").
				Value(&server).
				Validate(connectionField("server")),

			huh.NewInput().
				Title("Port").
				Description("TCP port (blank for the default 1433)").
				Placeholder("1433").
				Value(&portStr).
				Validate(validatePort),

			huh.NewInput().
				Title("Database").
				Description("Branch database to replicate, or the consolidated database for the target").
				Placeholder("e.g., BranchPOS").
				Value(&database).
				Validate(connectionField("database")),

			huh.NewInput().
				Title("Username").
				Description("SQL login with read access (sources) or write access (target)").
				Value(&username).
				Validate(connectionField("username")),

			huh.NewInput().
				Title("Password").
				EchoMode(huh.EchoModePassword).
				Value(&password).
				Validate(connectionField("password")),

			huh.NewConfirm().
				Title("Is this the consolidation target?").
				Description("Exactly one entry must be the target; every other entry is a source").
				Affirmative("Target").
				Negative("Source").
				Value(&isTarget),
		),
	).WithTheme(huh.ThemeDracula())

	if err := form.Run(); err != nil {
		if err == huh.ErrUserAborted {
			fmt.Fprintln(os.Stderr, "Cancelled.")
			return nil
		}
		return fmt.Errorf("form error: %w", err)
	}

	line := connectionLine(server, portStr, database, username, password, isTarget)
	if err := appendConnectionLine(path, line); err != nil {
		return err
	}

	role := "source"
	if isTarget {
		role = "target"
	}
	fmt.Printf("%s added %s entry for %s to %s\n", ui.RenderPass(ui.IconPass), role, server, path)
	return nil
}

// connectionField rejects blank values and commas. A comma inside a field
// would corrupt the comma-separated connections file.
func connectionField(name string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", name)
		}
		if strings.Contains(s, ",") {
			return fmt.Errorf("%s must not contain commas", name)
		}
		return nil
	}
}

// validatePort accepts a blank port, which keeps the five-field line form
// and lets the loader default to 1433.
func validatePort(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("port must be a number between 1 and 65535")
	}
	return nil
}

// connectionLine renders one connections file line: six fields when a port
// is given, five otherwise.
func connectionLine(server, port, database, username, password string, isTarget bool) string {
	flag := "no"
	if isTarget {
		flag = "yes"
	}
	port = strings.TrimSpace(port)
	if port == "" {
		return strings.Join([]string{server, database, username, password, flag}, ",")
	}
	return strings.Join([]string{server, port, database, username, password, flag}, ",")
}

func appendConnectionLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open connections file: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("write connections file: %w", err)
	}
	return nil
}

// connectionsTemplate documents the line format. Passwords live in this
// file, hence the 0600 mode.
const connectionsTemplate = `# dbsync connections file
#
# One line per server, comma-separated, no spaces around commas:
#   server,database,username,password,target
#   server,port,database,username,password,target
#
# Exactly one line must set target=yes: the consolidated database server.
# Blank lines and lines starting with '#' are ignored.
#
# branch-lahore-01.internal,1433,BranchPOS,syncuser,changeme,no
# headoffice.internal,1433,ConsolidatedDB,syncuser,changeme,yes
`

func writeConnectionsTemplate(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists; edit it directly or remove it first", path)
	}
	if err := os.WriteFile(path, []byte(connectionsTemplate), 0o600); err != nil {
		return fmt.Errorf("write template: %w", err)
	}
	fmt.Printf("%s wrote template %s\n", ui.RenderPass(ui.IconPass), path)
	return nil
}
