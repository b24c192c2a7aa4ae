package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/runedb/pkg/config"
)

// durableConfig enables snapshots (and optionally the WAL) in a fresh
// temp directory.
func durableConfig(t *testing.T, mode config.SnapshotWalMode) *config.Config {
	t.Helper()
	cfg := config.LoadDefaults()
	cfg.Durability.StorageDirectory = t.TempDir()
	cfg.Durability.SnapshotWalMode = mode
	cfg.Durability.RecoverOnStartup = false
	cfg.Gc.Type = config.GcTypeNone
	return cfg
}

func snapshotPaths(t *testing.T, cfg *config.Config) []string {
	t.Helper()
	dir := filepath.Join(cfg.Durability.StorageDirectory, "snapshots")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".snapshot") {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out
}

func TestSnapshotRoundTrip(t *testing.T) {
	cfg := durableConfig(t, config.SnapshotWalModePeriodicSnapshot)
	store, err := New(cfg)
	require.NoError(t, err)

	person := store.NameToLabel("Person")
	name := store.NameToProperty("name")
	knows := store.NameToEdgeType("KNOWS")
	since := store.NameToProperty("since")

	acc := store.Access()
	a := acc.CreateVertex()
	_, err = a.AddLabel(person)
	require.NoError(t, err)
	_, err = a.SetProperty(name, NewStringValue("alice"))
	require.NoError(t, err)
	b := acc.CreateVertex()
	e, err := acc.CreateEdge(a, b, knows)
	require.NoError(t, err)
	_, err = e.SetProperty(since, NewIntValue(2019))
	require.NoError(t, err)
	require.NoError(t, acc.Commit())

	require.NoError(t, store.CreateSnapshot(false))

	paths := snapshotPaths(t, cfg)
	require.Len(t, paths, 1)

	data, err := readSnapshot(paths[0])
	require.NoError(t, err)
	assert.Equal(t, store.UUID(), data.uuid)
	assert.True(t, data.propertiesOnEdges)
	require.Len(t, data.vertices, 2)
	assert.Equal(t, uint64(1), data.edgeCount)
	require.Len(t, data.edges, 1)

	require.NoError(t, store.Close())
}

func TestSnapshotCorruptionDetected(t *testing.T) {
	cfg := durableConfig(t, config.SnapshotWalModePeriodicSnapshot)
	store, err := New(cfg)
	require.NoError(t, err)

	acc := store.Access()
	acc.CreateVertex()
	require.NoError(t, acc.Commit())
	require.NoError(t, store.CreateSnapshot(false))
	require.NoError(t, store.Close())

	paths := snapshotPaths(t, cfg)
	require.Len(t, paths, 1)
	raw, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(paths[0], raw, 0o644))

	_, err = readSnapshot(paths[0])
	assert.ErrorIs(t, err, ErrSnapshotBadCrc)
	assert.Error(t, VerifySnapshotFile(paths[0]))
}

func TestSnapshotRetention(t *testing.T) {
	cfg := durableConfig(t, config.SnapshotWalModePeriodicSnapshot)
	cfg.Durability.SnapshotRetentionCount = 2
	store, err := New(cfg)
	require.NoError(t, err)

	// An unrelated-lineage snapshot must survive retention.
	foreign := filepath.Join(cfg.Durability.StorageDirectory, "snapshots",
		"ffffffff-0000-0000-0000-000000000000_00000000000000000001.snapshot")
	require.NoError(t, os.WriteFile(foreign, []byte("foreign"), 0o644))

	for i := 0; i < 4; i++ {
		acc := store.Access()
		acc.CreateVertex()
		require.NoError(t, acc.Commit())
		require.NoError(t, store.CreateSnapshot(false))
	}
	require.NoError(t, store.Close())

	var mine, other int
	for _, p := range snapshotPaths(t, cfg) {
		if snapshotFileUUID(p) == store.UUID() {
			mine++
		} else {
			other++
		}
	}
	assert.Equal(t, 2, mine, "only the retention count of own snapshots is kept")
	assert.Equal(t, 1, other, "foreign-lineage snapshots are preserved")
}

func TestSnapshotRefusedWithoutDurability(t *testing.T) {
	store := newTestStorage(t)
	err := store.CreateSnapshot(false)
	assert.ErrorIs(t, err, ErrDurabilityDisabled)
}

func TestPeriodicSnapshotRefusedInAnalyticalMode(t *testing.T) {
	cfg := durableConfig(t, config.SnapshotWalModePeriodicSnapshot)
	cfg.Durability.SnapshotInterval = 0
	cfg.Durability.SnapshotWalMode = config.SnapshotWalModeDisabled
	cfg.Durability.SnapshotOnExit = true // keeps the durability dirs alive
	store, err := New(cfg)
	require.NoError(t, err)
	defer store.Close()

	store.SetStorageMode(ModeAnalytical)
	err = store.CreateSnapshot(true)
	assert.ErrorIs(t, err, ErrDisabledForAnalyticsPeriodicCommit)

	// An explicit snapshot in analytical mode is allowed.
	assert.NoError(t, store.CreateSnapshot(false))
}

func TestSnapshotOnExit(t *testing.T) {
	cfg := durableConfig(t, config.SnapshotWalModePeriodicSnapshot)
	cfg.Durability.SnapshotWalMode = config.SnapshotWalModeDisabled
	cfg.Durability.SnapshotOnExit = true
	store, err := New(cfg)
	require.NoError(t, err)

	acc := store.Access()
	acc.CreateVertex()
	require.NoError(t, acc.Commit())
	require.NoError(t, store.Close())

	assert.Len(t, snapshotPaths(t, cfg), 1, "close must write the exit snapshot")
}
