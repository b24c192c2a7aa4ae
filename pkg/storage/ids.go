// Package storage implements the in-memory transactional property-graph
// storage engine of runedb.
//
// The engine provides:
//   - Multi-version concurrency control (MVCC) via per-object undo chains
//   - Snapshot isolation, read committed and read uncommitted transactions
//   - Label and (label, property) indexes kept consistent under MVCC
//   - Existence and unique constraints validated at commit
//   - Durability through a framed write-ahead log and periodic snapshots
//   - Crash recovery by splicing the newest valid snapshot with a WAL tail
//
// Usage:
//
//	store, err := storage.New(cfg)
//	acc := store.Access()
//	v := acc.CreateVertex()
//	_, _ = v.AddLabel(store.NameToLabel("Person"))
//	if err := acc.Commit(); err != nil { ... }
package storage

import (
	"sort"
	"sync"
)

// Gid is a 64-bit identifier, globally unique per database and stable
// across restarts.
type Gid uint64

// LabelID identifies an interned label name.
type LabelID uint64

// PropertyID identifies an interned property key.
type PropertyID uint64

// EdgeTypeID identifies an interned edge type name.
type EdgeTypeID uint64

// transactionInitialID is the first transaction id. Transaction ids live
// in the upper half of the 64-bit space so a delta timestamp cell can be
// classified as "transaction id" or "commit timestamp" by comparison.
const transactionInitialID = uint64(1) << 63

// isTransactionID reports whether a delta timestamp cell still holds a
// transaction id (the writer has not committed yet).
func isTransactionID(ts uint64) bool {
	return ts >= transactionInitialID
}

// NameIDMapper interns label, edge-type and property-key strings.
// IDs are stable for the life of a database and are persisted inside
// snapshots.
type NameIDMapper struct {
	mu     sync.RWMutex
	nextID uint64
	toID   map[string]uint64
	toName map[uint64]string
}

// NewNameIDMapper creates an empty mapper.
func NewNameIDMapper() *NameIDMapper {
	return &NameIDMapper{
		nextID: 1,
		toID:   make(map[string]uint64),
		toName: make(map[uint64]string),
	}
}

// NameToID returns the id for name, interning it on first use.
func (m *NameIDMapper) NameToID(name string) uint64 {
	m.mu.RLock()
	id, ok := m.toID[name]
	m.mu.RUnlock()
	if ok {
		return id
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.toID[name]; ok {
		return id
	}
	id = m.nextID
	m.nextID++
	m.toID[name] = id
	m.toName[id] = name
	return id
}

// IDToName returns the interned name for id. The empty string is
// returned for an unknown id.
func (m *NameIDMapper) IDToName(id uint64) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.toName[id]
}

// Insert installs a recovered (id, name) pair and raises the internal
// counter past it. Used when seeding the mapper from a snapshot.
func (m *NameIDMapper) Insert(id uint64, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toID[name] = id
	m.toName[id] = name
	if id >= m.nextID {
		m.nextID = id + 1
	}
}

// All returns every (id, name) pair sorted by id. Used by the snapshot
// writer.
func (m *NameIDMapper) All() []NameIDPair {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pairs := make([]NameIDPair, 0, len(m.toName))
	for id, name := range m.toName {
		pairs = append(pairs, NameIDPair{ID: id, Name: name})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].ID < pairs[j].ID })
	return pairs
}

// NameIDPair is a single interned mapping.
type NameIDPair struct {
	ID   uint64
	Name string
}
