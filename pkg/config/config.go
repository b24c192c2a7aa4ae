// Package config handles runedb configuration via YAML files and
// environment variables.
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags
//  2. Environment variables (RUNEDB_*)
//  3. Config file (config.yaml)
//  4. Built-in defaults
//
// Example Usage:
//
//	cfg, err := config.LoadFromFile("config.yaml")
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	store, err := storage.New(cfg)
//
// Environment Variables (all use the RUNEDB_ prefix):
//
// Items:
//   - RUNEDB_PROPERTIES_ON_EDGES=true
//
// Durability:
//   - RUNEDB_STORAGE_DIRECTORY="./runedb_data"
//   - RUNEDB_RECOVER_ON_STARTUP=true
//   - RUNEDB_SNAPSHOT_WAL_MODE="PERIODIC_SNAPSHOT_WITH_WAL"
//   - RUNEDB_SNAPSHOT_INTERVAL="5m"
//   - RUNEDB_SNAPSHOT_ON_EXIT=true
//   - RUNEDB_SNAPSHOT_RETENTION_COUNT=3
//   - RUNEDB_WAL_FILE_SIZE_KIB=20480
//   - RUNEDB_WAL_FLUSH_EVERY_N_TX=100000
//
// Gc:
//   - RUNEDB_GC_TYPE="PERIODIC"
//   - RUNEDB_GC_INTERVAL="1s"
//
// Transaction:
//   - RUNEDB_ISOLATION_LEVEL="SNAPSHOT_ISOLATION"
//   - RUNEDB_STORAGE_MODE="IN_MEMORY_TRANSACTIONAL"
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// SnapshotWalMode selects the durability level.
type SnapshotWalMode string

// Durability modes.
const (
	SnapshotWalModeDisabled                SnapshotWalMode = "DISABLED"
	SnapshotWalModePeriodicSnapshot        SnapshotWalMode = "PERIODIC_SNAPSHOT"
	SnapshotWalModePeriodicSnapshotWithWal SnapshotWalMode = "PERIODIC_SNAPSHOT_WITH_WAL"
)

// GcType selects the garbage collection strategy.
type GcType string

// Garbage collection strategies.
const (
	GcTypeNone     GcType = "NONE"
	GcTypePeriodic GcType = "PERIODIC"
)

// Config holds all runedb storage configuration.
type Config struct {
	// Items configures object representation choices frozen at
	// database creation.
	Items ItemsConfig

	// Durability configures snapshots, the WAL and recovery.
	Durability DurabilityConfig

	// Gc configures garbage collection.
	Gc GcConfig

	// Transaction configures default transaction behaviour.
	Transaction TransactionConfig
}

// ItemsConfig holds object representation settings.
type ItemsConfig struct {
	// PropertiesOnEdges freezes the edge representation: owned edge
	// objects with property maps, or thin Gid references.
	PropertiesOnEdges bool
}

// DurabilityConfig holds snapshot/WAL settings.
type DurabilityConfig struct {
	// StorageDirectory is the root for snapshots/, wal/, .backup/ and
	// the lock file.
	StorageDirectory string
	// RecoverOnStartup replays the newest snapshot plus WAL tail.
	RecoverOnStartup bool
	// SnapshotWalMode selects the durability level.
	SnapshotWalMode SnapshotWalMode
	// SnapshotInterval is the periodic snapshot cadence.
	SnapshotInterval time.Duration
	// SnapshotOnExit writes a snapshot during shutdown.
	SnapshotOnExit bool
	// SnapshotRetentionCount bounds how many snapshots of the current
	// database UUID are kept.
	SnapshotRetentionCount int
	// WalFileSizeKibibytes triggers WAL rotation when exceeded.
	WalFileSizeKibibytes int64
	// WalFileFlushEveryNTx fsyncs the WAL after this many
	// transactions.
	WalFileFlushEveryNTx int
}

// GcConfig holds garbage collection settings.
type GcConfig struct {
	// Type selects between no automatic collection and a periodic
	// background pass.
	Type GcType
	// Interval is the periodic GC cadence.
	Interval time.Duration
}

// TransactionConfig holds transaction defaults.
type TransactionConfig struct {
	// IsolationLevel: SNAPSHOT_ISOLATION, READ_COMMITTED or
	// READ_UNCOMMITTED.
	IsolationLevel string
	// StorageMode: IN_MEMORY_TRANSACTIONAL or IN_MEMORY_ANALYTICAL.
	StorageMode string
}

// LoadDefaults returns the built-in defaults.
func LoadDefaults() *Config {
	return &Config{
		Items: ItemsConfig{
			PropertiesOnEdges: true,
		},
		Durability: DurabilityConfig{
			StorageDirectory:       "./runedb_data",
			RecoverOnStartup:       false,
			SnapshotWalMode:        SnapshotWalModeDisabled,
			SnapshotInterval:       5 * time.Minute,
			SnapshotOnExit:         false,
			SnapshotRetentionCount: 3,
			WalFileSizeKibibytes:   20 * 1024,
			WalFileFlushEveryNTx:   100000,
		},
		Gc: GcConfig{
			Type:     GcTypePeriodic,
			Interval: time.Second,
		},
		Transaction: TransactionConfig{
			IsolationLevel: "SNAPSHOT_ISOLATION",
			StorageMode:    "IN_MEMORY_TRANSACTIONAL",
		},
	}
}

// YAMLConfig mirrors the YAML file layout. Durations are strings so
// "5m" style values parse with time.ParseDuration.
type YAMLConfig struct {
	Items struct {
		PropertiesOnEdges *bool `yaml:"properties_on_edges"`
	} `yaml:"items"`
	Durability struct {
		StorageDirectory       string `yaml:"storage_directory"`
		RecoverOnStartup       *bool  `yaml:"recover_on_startup"`
		SnapshotWalMode        string `yaml:"snapshot_wal_mode"`
		SnapshotInterval       string `yaml:"snapshot_interval"`
		SnapshotOnExit         *bool  `yaml:"snapshot_on_exit"`
		SnapshotRetentionCount int    `yaml:"snapshot_retention_count"`
		WalFileSizeKibibytes   int64  `yaml:"wal_file_size_kibibytes"`
		WalFileFlushEveryNTx   int    `yaml:"wal_file_flush_every_n_tx"`
	} `yaml:"durability"`
	Gc struct {
		Type     string `yaml:"type"`
		Interval string `yaml:"interval"`
	} `yaml:"gc"`
	Transaction struct {
		IsolationLevel string `yaml:"isolation_level"`
		StorageMode    string `yaml:"storage_mode"`
	} `yaml:"transaction"`
}

// LoadFromFile loads configuration with proper precedence: defaults,
// then the YAML file, then environment variables. A missing file is
// not an error.
func LoadFromFile(path string) (*Config, error) {
	cfg := LoadDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvVars(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("config: failed to read file: %w", err)
	}

	var yamlCfg YAMLConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse file: %w", err)
	}

	if yamlCfg.Items.PropertiesOnEdges != nil {
		cfg.Items.PropertiesOnEdges = *yamlCfg.Items.PropertiesOnEdges
	}
	if yamlCfg.Durability.StorageDirectory != "" {
		cfg.Durability.StorageDirectory = yamlCfg.Durability.StorageDirectory
	}
	if yamlCfg.Durability.RecoverOnStartup != nil {
		cfg.Durability.RecoverOnStartup = *yamlCfg.Durability.RecoverOnStartup
	}
	if yamlCfg.Durability.SnapshotWalMode != "" {
		cfg.Durability.SnapshotWalMode = SnapshotWalMode(yamlCfg.Durability.SnapshotWalMode)
	}
	if yamlCfg.Durability.SnapshotInterval != "" {
		if d, err := time.ParseDuration(yamlCfg.Durability.SnapshotInterval); err == nil {
			cfg.Durability.SnapshotInterval = d
		}
	}
	if yamlCfg.Durability.SnapshotOnExit != nil {
		cfg.Durability.SnapshotOnExit = *yamlCfg.Durability.SnapshotOnExit
	}
	if yamlCfg.Durability.SnapshotRetentionCount > 0 {
		cfg.Durability.SnapshotRetentionCount = yamlCfg.Durability.SnapshotRetentionCount
	}
	if yamlCfg.Durability.WalFileSizeKibibytes > 0 {
		cfg.Durability.WalFileSizeKibibytes = yamlCfg.Durability.WalFileSizeKibibytes
	}
	if yamlCfg.Durability.WalFileFlushEveryNTx > 0 {
		cfg.Durability.WalFileFlushEveryNTx = yamlCfg.Durability.WalFileFlushEveryNTx
	}
	if yamlCfg.Gc.Type != "" {
		cfg.Gc.Type = GcType(yamlCfg.Gc.Type)
	}
	if yamlCfg.Gc.Interval != "" {
		if d, err := time.ParseDuration(yamlCfg.Gc.Interval); err == nil {
			cfg.Gc.Interval = d
		}
	}
	if yamlCfg.Transaction.IsolationLevel != "" {
		cfg.Transaction.IsolationLevel = yamlCfg.Transaction.IsolationLevel
	}
	if yamlCfg.Transaction.StorageMode != "" {
		cfg.Transaction.StorageMode = yamlCfg.Transaction.StorageMode
	}

	applyEnvVars(cfg)
	return cfg, nil
}

// getEnv returns the env var or fallback.
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvBool parses a boolean env var.
func getEnvBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// applyEnvVars applies RUNEDB_* overrides onto cfg.
func applyEnvVars(cfg *Config) {
	if b, ok := getEnvBool("RUNEDB_PROPERTIES_ON_EDGES"); ok {
		cfg.Items.PropertiesOnEdges = b
	}
	if v := getEnv("RUNEDB_STORAGE_DIRECTORY", ""); v != "" {
		cfg.Durability.StorageDirectory = v
	}
	if b, ok := getEnvBool("RUNEDB_RECOVER_ON_STARTUP"); ok {
		cfg.Durability.RecoverOnStartup = b
	}
	if v := getEnv("RUNEDB_SNAPSHOT_WAL_MODE", ""); v != "" {
		cfg.Durability.SnapshotWalMode = SnapshotWalMode(v)
	}
	if v := getEnv("RUNEDB_SNAPSHOT_INTERVAL", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Durability.SnapshotInterval = d
		}
	}
	if b, ok := getEnvBool("RUNEDB_SNAPSHOT_ON_EXIT"); ok {
		cfg.Durability.SnapshotOnExit = b
	}
	if v := getEnv("RUNEDB_SNAPSHOT_RETENTION_COUNT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Durability.SnapshotRetentionCount = n
		}
	}
	if v := getEnv("RUNEDB_WAL_FILE_SIZE_KIB", ""); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Durability.WalFileSizeKibibytes = n
		}
	}
	if v := getEnv("RUNEDB_WAL_FLUSH_EVERY_N_TX", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Durability.WalFileFlushEveryNTx = n
		}
	}
	if v := getEnv("RUNEDB_GC_TYPE", ""); v != "" {
		cfg.Gc.Type = GcType(v)
	}
	if v := getEnv("RUNEDB_GC_INTERVAL", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Gc.Interval = d
		}
	}
	if v := getEnv("RUNEDB_ISOLATION_LEVEL", ""); v != "" {
		cfg.Transaction.IsolationLevel = v
	}
	if v := getEnv("RUNEDB_STORAGE_MODE", ""); v != "" {
		cfg.Transaction.StorageMode = v
	}
}

// Validate checks the closed option set.
func (c *Config) Validate() error {
	switch c.Durability.SnapshotWalMode {
	case SnapshotWalModeDisabled, SnapshotWalModePeriodicSnapshot, SnapshotWalModePeriodicSnapshotWithWal:
	default:
		return fmt.Errorf("config: invalid snapshot_wal_mode %q", c.Durability.SnapshotWalMode)
	}
	switch c.Gc.Type {
	case GcTypeNone, GcTypePeriodic:
	default:
		return fmt.Errorf("config: invalid gc type %q", c.Gc.Type)
	}
	if c.Durability.SnapshotRetentionCount < 1 {
		return fmt.Errorf("config: snapshot_retention_count must be at least 1")
	}
	if c.Durability.SnapshotWalMode != SnapshotWalModeDisabled && c.Durability.SnapshotInterval <= 0 {
		return fmt.Errorf("config: snapshot_interval must be positive")
	}
	if c.Gc.Type == GcTypePeriodic && c.Gc.Interval <= 0 {
		return fmt.Errorf("config: gc interval must be positive")
	}
	if c.Durability.WalFileSizeKibibytes <= 0 {
		return fmt.Errorf("config: wal_file_size_kibibytes must be positive")
	}
	if c.Durability.WalFileFlushEveryNTx <= 0 {
		return fmt.Errorf("config: wal_file_flush_every_n_tx must be positive")
	}
	switch c.Transaction.IsolationLevel {
	case "", "SNAPSHOT_ISOLATION", "READ_COMMITTED", "READ_UNCOMMITTED":
	default:
		return fmt.Errorf("config: invalid isolation_level %q", c.Transaction.IsolationLevel)
	}
	switch c.Transaction.StorageMode {
	case "", "IN_MEMORY_TRANSACTIONAL", "IN_MEMORY_ANALYTICAL":
	default:
		return fmt.Errorf("config: invalid storage_mode %q", c.Transaction.StorageMode)
	}
	return nil
}

// String renders a short summary for startup logging.
func (c *Config) String() string {
	return fmt.Sprintf("storage_directory=%s snapshot_wal_mode=%s gc=%s isolation=%s mode=%s properties_on_edges=%t",
		c.Durability.StorageDirectory, c.Durability.SnapshotWalMode, c.Gc.Type,
		c.Transaction.IsolationLevel, c.Transaction.StorageMode, c.Items.PropertiesOnEdges)
}
