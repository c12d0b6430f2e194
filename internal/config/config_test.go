package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestInitialize(t *testing.T) {
	err := Initialize()
	if err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}

	if v == nil {
		t.Fatal("viper instance is nil after Initialize()")
	}
}

func TestDefaults(t *testing.T) {
	err := Initialize()
	if err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}

	tests := []struct {
		key      string
		expected interface{}
		getter   func(string) interface{}
	}{
		{KeyConnectionsFile, "connection_strings.txt", func(k string) interface{} { return GetString(k) }},
		{KeyTargetDatabase, "ConsolidatedDB", func(k string) interface{} { return GetString(k) }},
		{KeyRunInterval, 2000 * time.Second, func(k string) interface{} { return GetDuration(k) }},
		{KeyWindowCheckInterval, 60 * time.Second, func(k string) interface{} { return GetDuration(k) }},
		{KeyWindowStart, "00:00", func(k string) interface{} { return GetString(k) }},
		{KeyWindowEnd, "00:00", func(k string) interface{} { return GetString(k) }},
		{KeyLookbackDays, 0, func(k string) interface{} { return GetInt(k) }},
		{KeyMaxBranchWorkers, 4, func(k string) interface{} { return GetInt(k) }},
		{KeyMaxTableWorkers, 2, func(k string) interface{} { return GetInt(k) }},
		{KeyDefaultBatchSize, 100, func(k string) interface{} { return GetInt(k) }},
		{KeyConnectTimeout, 5 * time.Second, func(k string) interface{} { return GetDuration(k) }},
		{KeyLogDir, "logs", func(k string) interface{} { return GetString(k) }},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got := tt.getter(tt.key)
			if got != tt.expected {
				t.Errorf("GetXXX(%q) = %v, want %v", tt.key, got, tt.expected)
			}
		})
	}
}

func TestEnvironmentBinding(t *testing.T) {
	tests := []struct {
		envVar   string
		key      string
		value    string
		expected interface{}
		getter   func(string) interface{}
	}{
		{"DBSYNC_SYNC_LOOKBACK_DAYS", KeyLookbackDays, "5", 5, func(k string) interface{} { return GetInt(k) }},
		{"DBSYNC_TARGET_DATABASE", KeyTargetDatabase, "OtherDB", "OtherDB", func(k string) interface{} { return GetString(k) }},
		{"DBSYNC_SYNC_MAX_BRANCH_WORKERS", KeyMaxBranchWorkers, "8", 8, func(k string) interface{} { return GetInt(k) }},
		{"DBSYNC_SYNC_RUN_INTERVAL", KeyRunInterval, "90s", 90 * time.Second, func(k string) interface{} { return GetDuration(k) }},
	}

	for _, tt := range tests {
		t.Run(tt.envVar, func(t *testing.T) {
			t.Setenv(tt.envVar, tt.value)

			err := Initialize()
			if err != nil {
				t.Fatalf("Initialize() returned error: %v", err)
			}

			got := tt.getter(tt.key)
			if got != tt.expected {
				t.Errorf("GetXXX(%q) with %s=%s = %v, want %v", tt.key, tt.envVar, tt.value, got, tt.expected)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	tmpDir := t.TempDir()

	configContent := `
sync:
  max-branch-workers: 8
  window-start: "22:00"
`
	configPath := filepath.Join(tmpDir, "custom.yaml")
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	err := Initialize()
	if err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}
	if err := LoadFile(configPath); err != nil {
		t.Fatalf("LoadFile() returned error: %v", err)
	}

	if got := GetInt(KeyMaxBranchWorkers); got != 8 {
		t.Errorf("GetInt(%q) = %d, want 8 from file", KeyMaxBranchWorkers, got)
	}
	if got := GetString(KeyWindowStart); got != "22:00" {
		t.Errorf("GetString(%q) = %q, want \"22:00\" from file", KeyWindowStart, got)
	}
	// Keys the file does not mention keep their defaults.
	if got := GetInt(KeyMaxTableWorkers); got != 2 {
		t.Errorf("GetInt(%q) = %d, want default 2", KeyMaxTableWorkers, got)
	}
	if got := ConfigFileUsed(); got != configPath {
		t.Errorf("ConfigFileUsed() = %q, want %q", got, configPath)
	}
}

func TestLoadFileMissing(t *testing.T) {
	err := Initialize()
	if err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}
	if err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("LoadFile() on a missing file should return an error")
	}
}

func TestSetAndGet(t *testing.T) {
	err := Initialize()
	if err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}

	Set("test-key", "test-value")
	if got := GetString("test-key"); got != "test-value" {
		t.Errorf("GetString(test-key) = %q, want \"test-value\"", got)
	}

	Set("test-bool", true)
	if got := GetBool("test-bool"); got != true {
		t.Errorf("GetBool(test-bool) = %v, want true", got)
	}

	Set("test-int", 42)
	if got := GetInt("test-int"); got != 42 {
		t.Errorf("GetInt(test-int) = %d, want 42", got)
	}
}

func TestGetSettings(t *testing.T) {
	err := Initialize()
	if err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}

	Set(KeyMaxBranchWorkers, 6)
	Set(KeyConnectionsFile, "conns.txt")

	s := GetSettings()
	if s.MaxBranchWorkers != 6 {
		t.Errorf("Settings.MaxBranchWorkers = %d, want 6", s.MaxBranchWorkers)
	}
	if s.ConnectionsFile != "conns.txt" {
		t.Errorf("Settings.ConnectionsFile = %q, want \"conns.txt\"", s.ConnectionsFile)
	}
	if s.TargetDatabase != "ConsolidatedDB" {
		t.Errorf("Settings.TargetDatabase = %q, want \"ConsolidatedDB\"", s.TargetDatabase)
	}
	if s.DefaultBatchSize != 100 {
		t.Errorf("Settings.DefaultBatchSize = %d, want 100", s.DefaultBatchSize)
	}
	if s.ConnectTimeout != 5*time.Second {
		t.Errorf("Settings.ConnectTimeout = %v, want 5s", s.ConnectTimeout)
	}
}

func TestNilViperBehavior(t *testing.T) {
	savedV := v

	v = nil
	defer func() { v = savedV }()

	// All getters should return zero values without panicking.
	if got := GetString("any-key"); got != "" {
		t.Errorf("GetString with nil viper = %q, want \"\"", got)
	}

	if got := GetBool("any-key"); got != false {
		t.Errorf("GetBool with nil viper = %v, want false", got)
	}

	if got := GetInt("any-key"); got != 0 {
		t.Errorf("GetInt with nil viper = %d, want 0", got)
	}

	if got := GetDuration("any-key"); got != 0 {
		t.Errorf("GetDuration with nil viper = %v, want 0", got)
	}

	if got := ConfigFileUsed(); got != "" {
		t.Errorf("ConfigFileUsed with nil viper = %q, want \"\"", got)
	}

	Set("any-key", "any-value") // Should be a no-op
}
