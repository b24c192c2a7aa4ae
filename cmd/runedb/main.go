// Package main provides the runedb CLI entry point.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/orneryd/runedb/pkg/config"
	"github.com/orneryd/runedb/pkg/storage"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

var (
	flagConfigFile   string
	flagDataDir      string
	flagRecover      bool
	flagWalMode      string
	flagLogLevel     string
	flagPropsOnEdges bool
)

// loadConfig resolves the effective configuration from file, env and
// flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadFromFile(flagConfigFile)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.Durability.StorageDirectory = flagDataDir
	}
	if cmd.Flags().Changed("recover") {
		cfg.Durability.RecoverOnStartup = flagRecover
	}
	if cmd.Flags().Changed("wal-mode") {
		cfg.Durability.SnapshotWalMode = config.SnapshotWalMode(flagWalMode)
	}
	if cmd.Flags().Changed("properties-on-edges") {
		cfg.Items.PropertiesOnEdges = flagPropsOnEdges
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStorage(cmd *cobra.Command) (*storage.Storage, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return store, cfg, nil
}

func newInfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Open the storage (recovering if configured) and print counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, cfg, err := openStorage(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			info := store.Info()
			fmt.Printf("uuid:           %s\n", store.UUID())
			fmt.Printf("epoch:          %s\n", store.Epoch())
			fmt.Printf("configuration:  %s\n", cfg)
			fmt.Printf("vertices:       %d\n", info.VertexCount)
			fmt.Printf("edges:          %d\n", info.EdgeCount)
			fmt.Printf("average degree: %.2f\n", info.AverageDegree)
			fmt.Printf("disk usage:     %d bytes\n", info.DiskUsage)
			return nil
		},
	}
}

func newSnapshotCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Open the storage and force a snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, _, err := openStorage(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.CreateSnapshot(false); err != nil {
				return err
			}
			fmt.Println("snapshot written")
			return nil
		},
	}
}

func newVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Validate the snapshot and WAL files in the storage directory without loading them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			root := cfg.Durability.StorageDirectory
			bad := 0

			snapDir := filepath.Join(root, "snapshots")
			entries, _ := os.ReadDir(snapDir)
			for _, entry := range entries {
				if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".snapshot") {
					continue
				}
				path := filepath.Join(snapDir, entry.Name())
				if err := storage.VerifySnapshotFile(path); err != nil {
					fmt.Printf("snapshot %s: INVALID (%v)\n", entry.Name(), err)
					bad++
				} else {
					fmt.Printf("snapshot %s: ok\n", entry.Name())
				}
			}

			walDir := filepath.Join(root, "wal")
			entries, _ = os.ReadDir(walDir)
			for _, entry := range entries {
				if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".wal") {
					continue
				}
				path := filepath.Join(walDir, entry.Name())
				info, err := storage.ReadWalInfo(path)
				if err != nil {
					fmt.Printf("wal %s: INVALID (%v)\n", entry.Name(), err)
					bad++
					continue
				}
				fmt.Printf("wal %s: seq=%d ts=[%d, %d] deltas=%d finalized=%t\n",
					entry.Name(), info.Sequence, info.FirstTimestamp, info.LastTimestamp,
					info.NumDeltas, info.Finalized)
			}

			if bad > 0 {
				return fmt.Errorf("%d invalid durability file(s)", bad)
			}
			return nil
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:     "runedb",
		Short:   "runedb in-memory transactional property-graph storage engine",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			level, err := logrus.ParseLevel(flagLogLevel)
			if err != nil {
				level = logrus.InfoLevel
			}
			logrus.SetLevel(level)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&flagConfigFile, "config", "config.yaml", "path to the YAML config file")
	flags.StringVar(&flagDataDir, "data-dir", "./runedb_data", "storage directory")
	flags.BoolVar(&flagRecover, "recover", false, "recover snapshot and WAL on startup")
	flags.StringVar(&flagWalMode, "wal-mode", string(config.SnapshotWalModeDisabled),
		"durability mode: DISABLED, PERIODIC_SNAPSHOT or PERIODIC_SNAPSHOT_WITH_WAL")
	flags.StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.BoolVar(&flagPropsOnEdges, "properties-on-edges", true, "store properties on edges")

	root.AddCommand(newInfoCommand())
	root.AddCommand(newSnapshotCommand())
	root.AddCommand(newVerifyCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
