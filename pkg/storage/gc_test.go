package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGcUnlinksCommittedDeltas(t *testing.T) {
	store := newTestStorage(t)
	name := store.NameToProperty("name")

	acc := store.Access()
	v := acc.CreateVertex()
	_, err := v.SetProperty(name, NewIntValue(1))
	require.NoError(t, err)
	require.NoError(t, acc.Commit())

	vertex, ok := store.vertices.Get(&Vertex{gid: v.Gid()})
	require.True(t, ok)
	assert.NotNil(t, vertex.delta, "chain present before GC")

	store.CollectGarbage(false)

	vertex.lock.RLock()
	head := vertex.delta
	vertex.lock.RUnlock()
	assert.Nil(t, head, "no live transaction can reach the chain; it must be unlinked")

	store.committedMu.Lock()
	assert.Empty(t, store.committedTransactions)
	store.committedMu.Unlock()
}

func TestGcKeepsDeltasNeededByActiveTransaction(t *testing.T) {
	store := newTestStorage(t)
	name := store.NameToProperty("name")

	setup := store.Access()
	v := setup.CreateVertex()
	_, err := v.SetProperty(name, NewIntValue(1))
	require.NoError(t, err)
	require.NoError(t, setup.Commit())
	store.CollectGarbage(false)

	// Reader pins the old version.
	reader := store.Access()

	writer := store.Access()
	wv, _ := writer.FindVertex(v.Gid(), ViewNew)
	_, err = wv.SetProperty(name, NewIntValue(2))
	require.NoError(t, err)
	require.NoError(t, writer.Commit())

	store.CollectGarbage(false)

	rv, _ := reader.FindVertex(v.Gid(), ViewOld)
	got, err := rv.GetProperty(name, ViewOld)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ValueInt(), "the reader's version must survive GC")
	reader.Abort()

	store.CollectGarbage(false)
	vertex, _ := store.vertices.Get(&Vertex{gid: v.Gid()})
	vertex.lock.RLock()
	head := vertex.delta
	vertex.lock.RUnlock()
	assert.Nil(t, head, "after the reader finishes the chain is collectible")
}

func TestGcReclaimsDeletedVertices(t *testing.T) {
	store := newTestStorage(t)

	acc := store.Access()
	gid := acc.CreateVertex().Gid()
	require.NoError(t, acc.Commit())

	del := store.Access()
	dv, _ := del.FindVertex(gid, ViewNew)
	_, err := del.DetachDeleteVertex(dv)
	require.NoError(t, err)
	require.NoError(t, del.Commit())

	// Two passes: the first unlinks and queues, the second frees once
	// the mark timestamp falls behind the oldest active transaction.
	// The no-op transaction in between advances the frontier past the
	// mark timestamp.
	store.CollectGarbage(false)
	bump := store.Access()
	bump.Abort()
	store.CollectGarbage(false)

	_, ok := store.vertices.Get(&Vertex{gid: gid})
	assert.False(t, ok, "deleted vertex must leave the vertex set")
}

func TestGcReclaimsAbortedTransactionBuffers(t *testing.T) {
	store := newTestStorage(t)

	acc := store.Access()
	gid := acc.CreateVertex().Gid()
	acc.Abort()

	store.CollectGarbage(false)
	bump := store.Access()
	bump.Abort()
	store.CollectGarbage(false)

	_, ok := store.vertices.Get(&Vertex{gid: gid})
	assert.False(t, ok, "a vertex born in an aborted transaction must be reclaimed")

	store.garbageMu.Lock()
	assert.Empty(t, store.garbageUndoBuffers)
	store.garbageMu.Unlock()
}

func TestForcedGcReclaimsEverythingImmediately(t *testing.T) {
	store := newTestStorage(t)

	acc := store.Access()
	gid := acc.CreateVertex().Gid()
	require.NoError(t, acc.Commit())

	del := store.Access()
	dv, _ := del.FindVertex(gid, ViewNew)
	_, err := del.DetachDeleteVertex(dv)
	require.NoError(t, err)
	require.NoError(t, del.Commit())

	store.CollectGarbage(true)
	store.CollectGarbage(true)

	_, ok := store.vertices.Get(&Vertex{gid: gid})
	assert.False(t, ok)
}

func TestGcCleansIndexResidue(t *testing.T) {
	store := newTestStorage(t)
	person := store.NameToLabel("Person")
	_, err := store.CreateLabelIndex(person)
	require.NoError(t, err)

	acc := store.Access()
	v := acc.CreateVertex()
	_, err = v.AddLabel(person)
	require.NoError(t, err)
	require.NoError(t, acc.Commit())

	rem := store.Access()
	rv, _ := rem.FindVertex(v.Gid(), ViewNew)
	_, err = rv.RemoveLabel(person)
	require.NoError(t, err)
	require.NoError(t, rem.Commit())

	store.CollectGarbage(false)

	store.indices.label.mu.RLock()
	tree := store.indices.label.indexes[person]
	store.indices.label.mu.RUnlock()
	assert.Equal(t, 0, tree.Len(), "index entry for the removed label must be pruned")
}

func TestGcAnalyticalFullScan(t *testing.T) {
	store := newTestStorage(t)

	acc := store.Access()
	gid := acc.CreateVertex().Gid()
	require.NoError(t, acc.Commit())
	store.CollectGarbage(true)

	store.SetStorageMode(ModeAnalytical)
	del := store.Access()
	dv, found := del.FindVertex(gid, ViewNew)
	require.True(t, found)
	_, err := del.DetachDeleteVertex(dv)
	require.NoError(t, err)
	require.NoError(t, del.Commit())

	store.CollectGarbage(false)
	_, ok := store.vertices.Get(&Vertex{gid: gid})
	assert.False(t, ok, "analytical deletions are reclaimed by the full scan")
}
