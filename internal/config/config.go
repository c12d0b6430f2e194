// Package config manages dbsync configuration through a viper singleton:
// compiled defaults, an optional dbsync.yaml, and DBSYNC_* environment
// overrides, plus the per-table sync plan.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config keys.
const (
	KeyConnectionsFile = "connections.file"
	KeyTargetDatabase  = "target.database"

	KeyRunInterval         = "sync.run-interval"
	KeyWindowCheckInterval = "sync.window-check-interval"
	KeyWindowStart         = "sync.window-start"
	KeyWindowEnd           = "sync.window-end"
	KeyLookbackDays        = "sync.lookback-days"
	KeyMaxBranchWorkers    = "sync.max-branch-workers"
	KeyMaxTableWorkers     = "sync.max-table-workers"
	KeyDefaultBatchSize    = "sync.default-batch-size"
	KeyPlanFile            = "sync.plan-file"

	KeyConnectTimeout = "db.connect-timeout"
	KeyAppName        = "db.app-name"

	KeyLogDir = "log.dir"
)

var v *viper.Viper

// Initialize sets up the viper singleton: defaults, DBSYNC_* environment
// overrides, and discovery of an optional dbsync.yaml in the working
// directory or $HOME/.config/dbsync. Call once at process start; calling
// again rebuilds the singleton.
func Initialize() error {
	v = viper.New()

	registerDefaults()

	v.SetEnvPrefix("DBSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("dbsync")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "dbsync"))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// LoadFile replaces the discovered config file with an explicit one
// (--config). Defaults and environment overrides stay in effect.
func LoadFile(path string) error {
	if v == nil {
		if err := Initialize(); err != nil {
			return err
		}
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

func registerDefaults() {
	v.SetDefault(KeyConnectionsFile, "connection_strings.txt")
	v.SetDefault(KeyTargetDatabase, "ConsolidatedDB")

	v.SetDefault(KeyRunInterval, 2000*time.Second)
	v.SetDefault(KeyWindowCheckInterval, 60*time.Second)
	v.SetDefault(KeyWindowStart, "00:00")
	v.SetDefault(KeyWindowEnd, "00:00")
	v.SetDefault(KeyLookbackDays, 0)
	v.SetDefault(KeyMaxBranchWorkers, 4)
	v.SetDefault(KeyMaxTableWorkers, 2)
	v.SetDefault(KeyDefaultBatchSize, 100)
	v.SetDefault(KeyPlanFile, "")

	v.SetDefault(KeyConnectTimeout, 5*time.Second)
	v.SetDefault(KeyAppName, "dbsync")

	v.SetDefault(KeyLogDir, "logs")
}

// ConfigFileUsed returns the config file viper loaded, if any.
func ConfigFileUsed() string {
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}

// Set overrides a key at runtime (flag overrides, tests).
func Set(key string, value any) {
	if v == nil {
		return
	}
	v.Set(key, value)
}

// GetString returns a string config value.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetInt returns an integer config value.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetBool returns a boolean config value.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetDuration returns a duration config value.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// Settings is the engine-facing snapshot of the sync configuration.
type Settings struct {
	ConnectionsFile     string
	TargetDatabase      string
	RunInterval         time.Duration
	WindowCheckInterval time.Duration
	WindowStart         string
	WindowEnd           string
	LookbackDays        int
	MaxBranchWorkers    int
	MaxTableWorkers     int
	DefaultBatchSize    int
	ConnectTimeout      time.Duration
	AppName             string
}

// GetSettings snapshots the current configuration for the engine.
func GetSettings() Settings {
	return Settings{
		ConnectionsFile:     GetString(KeyConnectionsFile),
		TargetDatabase:      GetString(KeyTargetDatabase),
		RunInterval:         GetDuration(KeyRunInterval),
		WindowCheckInterval: GetDuration(KeyWindowCheckInterval),
		WindowStart:         GetString(KeyWindowStart),
		WindowEnd:           GetString(KeyWindowEnd),
		LookbackDays:        GetInt(KeyLookbackDays),
		MaxBranchWorkers:    GetInt(KeyMaxBranchWorkers),
		MaxTableWorkers:     GetInt(KeyMaxTableWorkers),
		DefaultBatchSize:    GetInt(KeyDefaultBatchSize),
		ConnectTimeout:      GetDuration(KeyConnectTimeout),
		AppName:             GetString(KeyAppName),
	}
}
