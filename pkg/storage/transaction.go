package storage

import (
	"sync/atomic"
)

// IsolationLevel selects the MVCC visibility rules for a transaction.
type IsolationLevel uint8

// Supported isolation levels.
const (
	// SnapshotIsolation gives the transaction a stable view as of its
	// start timestamp. This is the default.
	SnapshotIsolation IsolationLevel = iota
	// ReadCommitted sees every committed write, regardless of when it
	// committed relative to the transaction's start.
	ReadCommitted
	// ReadUncommitted sees the newest state including uncommitted
	// foreign writes.
	ReadUncommitted
)

// String returns the configuration spelling of the level.
func (l IsolationLevel) String() string {
	switch l {
	case SnapshotIsolation:
		return "SNAPSHOT_ISOLATION"
	case ReadCommitted:
		return "READ_COMMITTED"
	case ReadUncommitted:
		return "READ_UNCOMMITTED"
	}
	return "UNKNOWN"
}

// StorageMode selects between transactional MVCC operation and the
// analytical mode that mutates objects in place without versioning.
type StorageMode uint8

// Supported storage modes.
const (
	ModeTransactional StorageMode = iota
	ModeAnalytical
)

// String returns the configuration spelling of the mode.
func (m StorageMode) String() string {
	switch m {
	case ModeTransactional:
		return "IN_MEMORY_TRANSACTIONAL"
	case ModeAnalytical:
		return "IN_MEMORY_ANALYTICAL"
	}
	return "UNKNOWN"
}

// View selects whether a read includes the transaction's own
// uncommitted writes (ViewNew) or excludes them (ViewOld).
type View uint8

// Read views.
const (
	ViewOld View = iota
	ViewNew
)

// edgeDirection distinguishes the two adjacency vectors in the
// materialised-adjacency cache.
type edgeDirection uint8

const (
	edgeDirectionIn edgeDirection = iota
	edgeDirectionOut
)

// adjacencyCacheKey identifies one materialised adjacency view.
type adjacencyCacheKey struct {
	vertex    *Vertex
	direction edgeDirection
	view      View
}

// adjacencyCache holds adjacency vectors reconstructed through long
// delta chains so repeated expansions inside one transaction don't
// re-walk the chain. Any write touching a vertex invalidates all of its
// entries.
type adjacencyCache struct {
	entries map[adjacencyCacheKey][]EdgeTuple
}

func (c *adjacencyCache) get(key adjacencyCacheKey) ([]EdgeTuple, bool) {
	if c.entries == nil {
		return nil, false
	}
	v, ok := c.entries[key]
	return v, ok
}

func (c *adjacencyCache) put(key adjacencyCacheKey, tuples []EdgeTuple) {
	if c.entries == nil {
		c.entries = make(map[adjacencyCacheKey][]EdgeTuple)
	}
	c.entries[key] = tuples
}

// invalidate drops every cached view of the vertex.
func (c *adjacencyCache) invalidate(v *Vertex) {
	if c.entries == nil {
		return
	}
	for _, dir := range []edgeDirection{edgeDirectionIn, edgeDirectionOut} {
		for _, view := range []View{ViewOld, ViewNew} {
			delete(c.entries, adjacencyCacheKey{vertex: v, direction: dir, view: view})
		}
	}
}

// Transaction is the mutable state of one open transaction. It is
// created by the storage engine and driven through an Accessor; it is
// not safe for concurrent use by multiple goroutines.
type Transaction struct {
	id             uint64
	startTimestamp uint64
	isolation      IsolationLevel
	storageMode    StorageMode

	// deltas is the private undo buffer, ordered by creation.
	deltas []*Delta

	// commitTimestamp is shared with every delta the transaction
	// creates. It holds the transaction id until commit publishes the
	// commit timestamp into it.
	commitTimestamp *atomic.Uint64

	// mustAbort is set by external actors (query timeout, explicit
	// terminate); the next write operation observes it and fails.
	mustAbort atomic.Bool

	adjCache adjacencyCache
}

func newTransaction(id, startTimestamp uint64, isolation IsolationLevel, mode StorageMode) *Transaction {
	cell := &atomic.Uint64{}
	cell.Store(id)
	return &Transaction{
		id:              id,
		startTimestamp:  startTimestamp,
		isolation:       isolation,
		storageMode:     mode,
		commitTimestamp: cell,
	}
}

// ID returns the transaction id.
func (t *Transaction) ID() uint64 { return t.id }

// StartTimestamp returns the snapshot timestamp assigned at Begin.
func (t *Transaction) StartTimestamp() uint64 { return t.startTimestamp }

// IsolationLevel returns the level the transaction runs under.
func (t *Transaction) IsolationLevel() IsolationLevel { return t.isolation }

// SetMustAbort flags the transaction for termination. The flag is
// observed by the next write operation; in-flight work is not
// interrupted.
func (t *Transaction) SetMustAbort() { t.mustAbort.Store(true) }

// MustAbort reports whether the transaction has been flagged for
// termination.
func (t *Transaction) MustAbort() bool { return t.mustAbort.Load() }
