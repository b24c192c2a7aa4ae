package storage

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateEdgeSymmetricAdjacency(t *testing.T) {
	store := newTestStorage(t)
	knows := store.NameToEdgeType("KNOWS")

	acc := store.Access()
	a := acc.CreateVertex()
	b := acc.CreateVertex()
	e, err := acc.CreateEdge(a, b, knows)
	require.NoError(t, err)
	require.NoError(t, acc.Commit())

	check := store.Access()
	defer check.Abort()
	av, _ := check.FindVertex(a.Gid(), ViewOld)
	bv, _ := check.FindVertex(b.Gid(), ViewOld)

	out, err := av.OutEdges(ViewOld)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, e.Gid(), out[0].Gid())
	assert.Equal(t, knows, out[0].EdgeType())
	assert.Equal(t, a.Gid(), out[0].FromVertex().Gid())
	assert.Equal(t, b.Gid(), out[0].ToVertex().Gid())

	in, err := bv.InEdges(ViewOld)
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, e.Gid(), in[0].Gid())

	assert.Equal(t, int64(1), store.Info().EdgeCount)
}

func TestCreateEdgeSelfLoop(t *testing.T) {
	store := newTestStorage(t)
	loops := store.NameToEdgeType("LOOPS")

	acc := store.Access()
	a := acc.CreateVertex()
	_, err := acc.CreateEdge(a, a, loops)
	require.NoError(t, err)
	require.NoError(t, acc.Commit())

	check := store.Access()
	defer check.Abort()
	av, _ := check.FindVertex(a.Gid(), ViewOld)
	out, err := av.OutEdges(ViewOld)
	require.NoError(t, err)
	in, err := av.InEdges(ViewOld)
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Len(t, in, 1)
}

// Two transactions concurrently create an edge between the same two
// vertices. Edges are not unique: both commits succeed and both edges
// appear on both endpoints.
func TestConcurrentEdgeCreationBothSucceed(t *testing.T) {
	store := newTestStorage(t)
	knows := store.NameToEdgeType("KNOWS")

	setup := store.Access()
	aGid := setup.CreateVertex().Gid()
	bGid := setup.CreateVertex().Gid()
	require.NoError(t, setup.Commit())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	gids := make([]Gid, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			acc := store.Access()
			a, _ := acc.FindVertex(aGid, ViewNew)
			b, _ := acc.FindVertex(bGid, ViewNew)
			e, err := acc.CreateEdge(a, b, knows)
			if err != nil {
				errs[i] = err
				acc.Abort()
				return
			}
			gids[i] = e.Gid()
			errs[i] = acc.Commit()
		}(i)
	}
	wg.Wait()

	// At least one must commit; with edge creation being append-only
	// on the adjacency vectors, both typically do. A serialization
	// conflict is retried once to keep the test deterministic.
	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			require.ErrorIs(t, errs[i], ErrSerialization)
			acc := store.Access()
			a, _ := acc.FindVertex(aGid, ViewNew)
			b, _ := acc.FindVertex(bGid, ViewNew)
			e, err := acc.CreateEdge(a, b, knows)
			require.NoError(t, err)
			gids[i] = e.Gid()
			require.NoError(t, acc.Commit())
		}
	}

	assert.NotEqual(t, gids[0], gids[1], "the two edges must have distinct Gids")

	check := store.Access()
	defer check.Abort()
	av, _ := check.FindVertex(aGid, ViewOld)
	bv, _ := check.FindVertex(bGid, ViewOld)
	out, err := av.OutEdges(ViewOld)
	require.NoError(t, err)
	in, err := bv.InEdges(ViewOld)
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Len(t, in, 2)
}

func TestDeleteVertexWithEdgesFails(t *testing.T) {
	store := newTestStorage(t)
	knows := store.NameToEdgeType("KNOWS")

	acc := store.Access()
	a := acc.CreateVertex()
	b := acc.CreateVertex()
	_, err := acc.CreateEdge(a, b, knows)
	require.NoError(t, err)
	require.NoError(t, acc.Commit())

	del := store.Access()
	defer del.Abort()
	av, _ := del.FindVertex(a.Gid(), ViewNew)
	_, err = del.DeleteVertex(av)
	assert.ErrorIs(t, err, ErrVertexHasEdges)
}

func TestDetachDeleteRemovesIncidentEdges(t *testing.T) {
	store := newTestStorage(t)
	knows := store.NameToEdgeType("KNOWS")

	acc := store.Access()
	a := acc.CreateVertex()
	b := acc.CreateVertex()
	c := acc.CreateVertex()
	_, err := acc.CreateEdge(a, b, knows)
	require.NoError(t, err)
	_, err = acc.CreateEdge(c, a, knows)
	require.NoError(t, err)
	require.NoError(t, acc.Commit())

	del := store.Access()
	av, _ := del.FindVertex(a.Gid(), ViewNew)
	deleted, err := del.DetachDeleteVertex(av)
	require.NoError(t, err)
	assert.True(t, deleted)
	require.NoError(t, del.Commit())

	check := store.Access()
	defer check.Abort()
	_, found := check.FindVertex(a.Gid(), ViewOld)
	assert.False(t, found)

	bv, _ := check.FindVertex(b.Gid(), ViewOld)
	in, err := bv.InEdges(ViewOld)
	require.NoError(t, err)
	assert.Empty(t, in)

	cv, _ := check.FindVertex(c.Gid(), ViewOld)
	out, err := cv.OutEdges(ViewOld)
	require.NoError(t, err)
	assert.Empty(t, out)

	assert.Equal(t, int64(0), store.Info().EdgeCount)
}

// Create edge A→B, then retarget it to C. A keeps one out-edge (now to
// C), B's in-edges become empty and C's in-edges contain the edge.
func TestEdgeRetarget(t *testing.T) {
	store := newTestStorage(t)
	knows := store.NameToEdgeType("KNOWS")

	acc := store.Access()
	a := acc.CreateVertex()
	b := acc.CreateVertex()
	c := acc.CreateVertex()
	e, err := acc.CreateEdge(a, b, knows)
	require.NoError(t, err)
	require.NoError(t, acc.Commit())

	move := store.Access()
	av, _ := move.FindVertex(a.Gid(), ViewNew)
	bv, _ := move.FindVertex(b.Gid(), ViewNew)
	cv, _ := move.FindVertex(c.Gid(), ViewNew)
	_ = bv

	out, err := av.OutEdges(ViewNew)
	require.NoError(t, err)
	require.Len(t, out, 1)

	moved, err := move.EdgeSetTo(out[0], cv)
	require.NoError(t, err)
	assert.Equal(t, e.Gid(), moved.Gid())
	require.NoError(t, move.Commit())

	check := store.Access()
	defer check.Abort()
	av, _ = check.FindVertex(a.Gid(), ViewOld)
	bv, _ = check.FindVertex(b.Gid(), ViewOld)
	cv, _ = check.FindVertex(c.Gid(), ViewOld)

	out, err = av.OutEdges(ViewOld)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, c.Gid(), out[0].ToVertex().Gid())

	in, err := bv.InEdges(ViewOld)
	require.NoError(t, err)
	assert.Empty(t, in)

	in, err = cv.InEdges(ViewOld)
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, e.Gid(), in[0].Gid())
}

func TestEdgeSetFrom(t *testing.T) {
	store := newTestStorage(t)
	knows := store.NameToEdgeType("KNOWS")

	acc := store.Access()
	a := acc.CreateVertex()
	b := acc.CreateVertex()
	c := acc.CreateVertex()
	_, err := acc.CreateEdge(a, b, knows)
	require.NoError(t, err)
	require.NoError(t, acc.Commit())

	move := store.Access()
	av, _ := move.FindVertex(a.Gid(), ViewNew)
	cv, _ := move.FindVertex(c.Gid(), ViewNew)
	out, err := av.OutEdges(ViewNew)
	require.NoError(t, err)
	require.Len(t, out, 1)
	_, err = move.EdgeSetFrom(out[0], cv)
	require.NoError(t, err)
	require.NoError(t, move.Commit())

	check := store.Access()
	defer check.Abort()
	av, _ = check.FindVertex(a.Gid(), ViewOld)
	cv, _ = check.FindVertex(c.Gid(), ViewOld)
	out, err = av.OutEdges(ViewOld)
	require.NoError(t, err)
	assert.Empty(t, out)
	out, err = cv.OutEdges(ViewOld)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, b.Gid(), out[0].ToVertex().Gid())
}

func TestEdgePropertiesOwnedVariant(t *testing.T) {
	store := newTestStorage(t)
	likes := store.NameToEdgeType("LIKES")
	since := store.NameToProperty("since")

	acc := store.Access()
	a := acc.CreateVertex()
	b := acc.CreateVertex()
	e, err := acc.CreateEdge(a, b, likes)
	require.NoError(t, err)
	_, err = e.SetProperty(since, NewIntValue(2020))
	require.NoError(t, err)
	require.NoError(t, acc.Commit())

	check := store.Access()
	defer check.Abort()
	av, _ := check.FindVertex(a.Gid(), ViewOld)
	out, err := av.OutEdges(ViewOld)
	require.NoError(t, err)
	require.Len(t, out, 1)
	got, err := out[0].GetProperty(since, ViewOld)
	require.NoError(t, err)
	assert.Equal(t, int64(2020), got.ValueInt())
}

func TestEdgePropertiesDisabledVariant(t *testing.T) {
	cfg := testConfig(t)
	cfg.Items.PropertiesOnEdges = false
	store, err := New(cfg)
	require.NoError(t, err)
	defer store.Close()

	likes := store.NameToEdgeType("LIKES")
	since := store.NameToProperty("since")

	acc := store.Access()
	a := acc.CreateVertex()
	b := acc.CreateVertex()
	e, err := acc.CreateEdge(a, b, likes)
	require.NoError(t, err)

	_, err = e.SetProperty(since, NewIntValue(2020))
	assert.ErrorIs(t, err, ErrPropertiesDisabled)
	_, err = e.GetProperty(since, ViewNew)
	assert.ErrorIs(t, err, ErrPropertiesDisabled)
	require.NoError(t, acc.Commit())
}

func TestDeleteEdgeTwiceIsNoop(t *testing.T) {
	store := newTestStorage(t)
	knows := store.NameToEdgeType("KNOWS")

	acc := store.Access()
	a := acc.CreateVertex()
	b := acc.CreateVertex()
	e, err := acc.CreateEdge(a, b, knows)
	require.NoError(t, err)

	removed, err := acc.DeleteEdge(e)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = acc.DeleteEdge(e)
	require.NoError(t, err)
	assert.False(t, removed, "second delete of the same edge is a no-op")
	require.NoError(t, acc.Commit())
}

func TestCreateVertexExRaisesCounter(t *testing.T) {
	store := newTestStorage(t)

	acc := store.Access()
	v := acc.CreateVertexEx(Gid(1000))
	assert.Equal(t, Gid(1000), v.Gid())
	next := acc.CreateVertex()
	assert.Equal(t, Gid(1001), next.Gid())
	require.NoError(t, acc.Commit())
}

func TestVerticesScan(t *testing.T) {
	store := newTestStorage(t)

	acc := store.Access()
	for i := 0; i < 5; i++ {
		acc.CreateVertex()
	}
	require.NoError(t, acc.Commit())

	check := store.Access()
	defer check.Abort()
	assert.Len(t, check.Vertices(ViewOld), 5)
}
