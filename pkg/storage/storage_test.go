package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/runedb/pkg/config"
)

// testConfig returns a configuration with durability and background
// workers disabled so tests control everything explicitly.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.LoadDefaults()
	cfg.Durability.StorageDirectory = t.TempDir()
	cfg.Durability.SnapshotWalMode = config.SnapshotWalModeDisabled
	cfg.Gc.Type = config.GcTypeNone
	return cfg
}

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	store, err := New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateVertexVisibleAfterCommit(t *testing.T) {
	store := newTestStorage(t)

	acc := store.Access()
	v := acc.CreateVertex()
	gid := v.Gid()

	// Not yet committed: a concurrent transaction must not see it.
	other := store.Access()
	_, found := other.FindVertex(gid, ViewOld)
	assert.False(t, found, "uncommitted vertex should be invisible")
	other.Abort()

	// The creating transaction sees it in the NEW view only.
	_, found = acc.FindVertex(gid, ViewNew)
	assert.True(t, found)
	_, found = acc.FindVertex(gid, ViewOld)
	assert.False(t, found)

	require.NoError(t, acc.Commit())

	after := store.Access()
	defer after.Abort()
	_, found = after.FindVertex(gid, ViewOld)
	assert.True(t, found, "committed vertex should be visible to later transactions")
}

func TestAbortLeavesNoTrace(t *testing.T) {
	store := newTestStorage(t)

	acc := store.Access()
	v := acc.CreateVertex()
	label := store.NameToLabel("Ghost")
	_, err := v.AddLabel(label)
	require.NoError(t, err)
	gid := v.Gid()
	acc.Abort()

	after := store.Access()
	defer after.Abort()
	_, found := after.FindVertex(gid, ViewOld)
	assert.False(t, found, "aborted vertex must not be visible")
}

func TestSnapshotIsolation(t *testing.T) {
	store := newTestStorage(t)
	name := store.NameToProperty("name")

	setup := store.Access()
	v := setup.CreateVertex()
	gid := v.Gid()
	_, err := v.SetProperty(name, NewStringValue("before"))
	require.NoError(t, err)
	require.NoError(t, setup.Commit())

	// Reader starts before the writer commits.
	reader := store.Access()
	writer := store.Access()
	wv, found := writer.FindVertex(gid, ViewNew)
	require.True(t, found)
	_, err = wv.SetProperty(name, NewStringValue("after"))
	require.NoError(t, err)
	require.NoError(t, writer.Commit())

	rv, found := reader.FindVertex(gid, ViewOld)
	require.True(t, found)
	got, err := rv.GetProperty(name, ViewOld)
	require.NoError(t, err)
	assert.Equal(t, "before", got.ValueString(), "snapshot isolation must hide later commits")
	reader.Abort()

	// A transaction started after the commit sees the new value.
	late := store.Access()
	defer late.Abort()
	lv, found := late.FindVertex(gid, ViewNew)
	require.True(t, found)
	got, err = lv.GetProperty(name, ViewNew)
	require.NoError(t, err)
	assert.Equal(t, "after", got.ValueString())
}

func TestReadCommittedSeesLaterCommits(t *testing.T) {
	store := newTestStorage(t)
	name := store.NameToProperty("name")

	setup := store.Access()
	gid := setup.CreateVertex().Gid()
	require.NoError(t, setup.Commit())

	reader := store.AccessWithIsolation(ReadCommitted)
	defer reader.Abort()

	writer := store.Access()
	wv, _ := writer.FindVertex(gid, ViewNew)
	_, err := wv.SetProperty(name, NewIntValue(42))
	require.NoError(t, err)

	// While the writer is uncommitted, read committed must not see it.
	rv, found := reader.FindVertex(gid, ViewOld)
	require.True(t, found)
	got, err := rv.GetProperty(name, ViewOld)
	require.NoError(t, err)
	assert.True(t, got.IsNull())

	require.NoError(t, writer.Commit())

	got, err = rv.GetProperty(name, ViewOld)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.ValueInt(), "read committed sees commits from after its start")
}

func TestWriteConflictSerializationError(t *testing.T) {
	store := newTestStorage(t)
	name := store.NameToProperty("name")

	setup := store.Access()
	gid := setup.CreateVertex().Gid()
	require.NoError(t, setup.Commit())

	t1 := store.Access()
	t2 := store.Access()
	v1, _ := t1.FindVertex(gid, ViewNew)
	v2, _ := t2.FindVertex(gid, ViewNew)

	_, err := v1.SetProperty(name, NewIntValue(1))
	require.NoError(t, err)

	_, err = v2.SetProperty(name, NewIntValue(2))
	assert.ErrorIs(t, err, ErrSerialization, "concurrent write to the same object must conflict")

	t2.Abort()
	require.NoError(t, t1.Commit())
}

func TestWriteAfterCommitConflictsWithOlderSnapshot(t *testing.T) {
	store := newTestStorage(t)
	name := store.NameToProperty("name")

	setup := store.Access()
	gid := setup.CreateVertex().Gid()
	require.NoError(t, setup.Commit())

	older := store.Access()

	newer := store.Access()
	nv, _ := newer.FindVertex(gid, ViewNew)
	_, err := nv.SetProperty(name, NewIntValue(1))
	require.NoError(t, err)
	require.NoError(t, newer.Commit())

	// The older transaction's start predates the commit; writing the
	// same object must fail.
	ov, _ := older.FindVertex(gid, ViewNew)
	_, err = ov.SetProperty(name, NewIntValue(2))
	assert.ErrorIs(t, err, ErrSerialization)
	older.Abort()
}

func TestMustAbortFlagStopsWrites(t *testing.T) {
	store := newTestStorage(t)

	acc := store.Access()
	v := acc.CreateVertex()
	acc.Transaction().SetMustAbort()

	_, err := v.AddLabel(store.NameToLabel("Late"))
	assert.ErrorIs(t, err, ErrTransactionAborted)

	err = acc.Commit()
	assert.ErrorIs(t, err, ErrTransactionAborted)
}

func TestLabelsAndProperties(t *testing.T) {
	store := newTestStorage(t)
	person := store.NameToLabel("Person")
	name := store.NameToProperty("name")

	acc := store.Access()
	v := acc.CreateVertex()

	added, err := v.AddLabel(person)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = v.AddLabel(person)
	require.NoError(t, err)
	assert.False(t, added, "second add of the same label is a no-op")

	has, err := v.HasLabel(person, ViewNew)
	require.NoError(t, err)
	assert.True(t, has)

	old, err := v.SetProperty(name, NewStringValue("alice"))
	require.NoError(t, err)
	assert.True(t, old.IsNull())
	old, err = v.SetProperty(name, NewStringValue("bob"))
	require.NoError(t, err)
	assert.Equal(t, "alice", old.ValueString())

	// Removing by storing null.
	old, err = v.SetProperty(name, NewNullValue())
	require.NoError(t, err)
	assert.Equal(t, "bob", old.ValueString())
	props, err := v.Properties(ViewNew)
	require.NoError(t, err)
	assert.Empty(t, props)

	_, err = v.SetProperty(name, NewStringValue("carol"))
	require.NoError(t, err)
	require.NoError(t, acc.Commit())

	check := store.Access()
	defer check.Abort()
	cv, found := check.FindVertex(v.Gid(), ViewOld)
	require.True(t, found)
	labels, err := cv.Labels(ViewOld)
	require.NoError(t, err)
	assert.Equal(t, []LabelID{person}, labels)
	got, err := cv.GetProperty(name, ViewOld)
	require.NoError(t, err)
	assert.Equal(t, "carol", got.ValueString())
}

func TestIsolationLevelLockedInAnalyticalMode(t *testing.T) {
	store := newTestStorage(t)
	store.SetStorageMode(ModeAnalytical)
	err := store.SetIsolationLevel(ReadCommitted)
	assert.ErrorIs(t, err, ErrIsolationLevelLocked)

	store.SetStorageMode(ModeTransactional)
	assert.NoError(t, store.SetIsolationLevel(ReadCommitted))
}

func TestAnalyticalModeWritesInPlace(t *testing.T) {
	store := newTestStorage(t)
	store.SetStorageMode(ModeAnalytical)

	acc := store.Access()
	v := acc.CreateVertex()
	_, err := v.AddLabel(store.NameToLabel("Fast"))
	require.NoError(t, err)
	require.NoError(t, acc.Commit())

	check := store.Access()
	defer check.Abort()
	_, found := check.FindVertex(v.Gid(), ViewOld)
	assert.True(t, found)
	assert.Empty(t, check.txn.deltas, "analytical mode must not allocate deltas")
}

func TestReadersWithSameStartTimestampSeeSameView(t *testing.T) {
	store := newTestStorage(t)

	setup := store.Access()
	gid := setup.CreateVertex().Gid()
	require.NoError(t, setup.Commit())

	r1 := store.Access()
	r2 := store.Access()
	defer r1.Abort()
	defer r2.Abort()

	writer := store.Access()
	wv, _ := writer.FindVertex(gid, ViewNew)
	_, _, err := writer.DetachDelete([]*VertexAccessor{wv}, nil, true)
	require.NoError(t, err)
	require.NoError(t, writer.Commit())

	_, f1 := r1.FindVertex(gid, ViewOld)
	_, f2 := r2.FindVertex(gid, ViewOld)
	assert.Equal(t, f1, f2, "readers that overlap the same commit must agree")
	assert.True(t, f1, "both readers predate the deletion")
}
