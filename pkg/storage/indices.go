package storage

import (
	"sync"

	"github.com/tidwall/btree"
)

// Bound is one side of a label-property range query.
type Bound struct {
	Value     PropertyValue
	Inclusive bool
}

// BoundInclusive is a convenience constructor.
func BoundInclusive(v PropertyValue) *Bound { return &Bound{Value: v, Inclusive: true} }

// BoundExclusive is a convenience constructor.
func BoundExclusive(v PropertyValue) *Bound { return &Bound{Value: v, Inclusive: false} }

// labelEntry is one label-index entry. A vertex is inserted on the
// operation that logically places it in the index, before that
// operation commits; visibility is reconciled at iteration time by
// re-walking the vertex's delta chain.
type labelEntry struct {
	vertex *Vertex
	ts     uint64
}

func labelEntryLess(a, b labelEntry) bool {
	if a.vertex.gid != b.vertex.gid {
		return a.vertex.gid < b.vertex.gid
	}
	return a.ts < b.ts
}

// LabelIndex maps a label to the set of vertices that may carry it.
type LabelIndex struct {
	mu      sync.RWMutex
	indexes map[LabelID]*btree.BTreeG[labelEntry]
}

// NewLabelIndex creates an empty label index.
func NewLabelIndex() *LabelIndex {
	return &LabelIndex{indexes: make(map[LabelID]*btree.BTreeG[labelEntry])}
}

// CreateIndex builds an index for label from the current vertex set.
// Returns false if the index already exists. Caller holds the main
// storage lock exclusively.
func (i *LabelIndex) CreateIndex(label LabelID, vertices *btree.BTreeG[*Vertex]) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.indexes[label]; ok {
		return false
	}
	tree := btree.NewBTreeG(labelEntryLess)
	vertices.Scan(func(v *Vertex) bool {
		if !v.deleted && v.hasLabel(label) {
			tree.Set(labelEntry{vertex: v, ts: 0})
		}
		return true
	})
	i.indexes[label] = tree
	return true
}

// DropIndex removes the index for label. Returns false when absent.
func (i *LabelIndex) DropIndex(label LabelID) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.indexes[label]; !ok {
		return false
	}
	delete(i.indexes, label)
	return true
}

// IndexExists reports whether label is indexed.
func (i *LabelIndex) IndexExists(label LabelID) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.indexes[label]
	return ok
}

// ListIndexes returns the indexed labels.
func (i *LabelIndex) ListIndexes() []LabelID {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]LabelID, 0, len(i.indexes))
	for label := range i.indexes {
		out = append(out, label)
	}
	return out
}

// UpdateOnAddLabel inserts the vertex into the label's index, tagged
// with the writer's start timestamp.
func (i *LabelIndex) UpdateOnAddLabel(label LabelID, v *Vertex, txn *Transaction) {
	i.mu.RLock()
	tree, ok := i.indexes[label]
	i.mu.RUnlock()
	if !ok {
		return
	}
	tree.Set(labelEntry{vertex: v, ts: txn.startTimestamp})
}

// Vertices collects the vertices visible to txn under the label.
func (i *LabelIndex) Vertices(label LabelID, view View, txn *Transaction) []*Vertex {
	i.mu.RLock()
	tree, ok := i.indexes[label]
	i.mu.RUnlock()
	if !ok {
		return nil
	}

	var out []*Vertex
	var last *Vertex
	tree.Copy().Scan(func(e labelEntry) bool {
		if e.vertex == last {
			return true
		}
		if currentVersionHasLabel(e.vertex, label, txn, view) {
			out = append(out, e.vertex)
			last = e.vertex
		} else {
			last = e.vertex
		}
		return true
	})
	return out
}

// RemoveObsoleteEntries drops entries older than the oldest active
// start timestamp whose vertex no longer has any reachable version
// carrying the label. Duplicate (vertex) runs keep only their newest
// entry.
func (i *LabelIndex) RemoveObsoleteEntries(oldestActive uint64) {
	i.mu.RLock()
	trees := make(map[LabelID]*btree.BTreeG[labelEntry], len(i.indexes))
	for label, tree := range i.indexes {
		trees[label] = tree
	}
	i.mu.RUnlock()

	for label, tree := range trees {
		var obsolete []labelEntry
		var prev *labelEntry
		tree.Copy().Scan(func(e labelEntry) bool {
			if prev != nil && prev.vertex == e.vertex && prev.ts < oldestActive {
				// Superseded by a newer entry for the same vertex.
				obsolete = append(obsolete, *prev)
			} else if prev != nil && prev.ts < oldestActive && !anyVersionHasLabel(prev.vertex, label, oldestActive) {
				obsolete = append(obsolete, *prev)
			}
			cp := e
			prev = &cp
			return true
		})
		if prev != nil && prev.ts < oldestActive && !anyVersionHasLabel(prev.vertex, label, oldestActive) {
			obsolete = append(obsolete, *prev)
		}
		for _, e := range obsolete {
			tree.Delete(e)
		}
	}
}

// labelPropertyKey identifies one (label, property) index.
type labelPropertyKey struct {
	label    LabelID
	property PropertyID
}

// lpEntry is one label-property index entry, ordered by value, then
// vertex, then insertion timestamp.
type lpEntry struct {
	value  PropertyValue
	vertex *Vertex
	ts     uint64
}

func lpEntryLess(a, b lpEntry) bool {
	if a.value.Less(b.value) {
		return true
	}
	if b.value.Less(a.value) {
		return false
	}
	if lpEntryGid(a) != lpEntryGid(b) {
		return lpEntryGid(a) < lpEntryGid(b)
	}
	return a.ts < b.ts
}

// lpEntryGid tolerates the vertex-less pivot entries used to seed
// range scans.
func lpEntryGid(e lpEntry) Gid {
	if e.vertex == nil {
		return 0
	}
	return e.vertex.gid
}

// LabelPropertyIndex maps (label, property) pairs to value-ordered
// vertex entries, enabling point and range lookups.
type LabelPropertyIndex struct {
	mu      sync.RWMutex
	indexes map[labelPropertyKey]*btree.BTreeG[lpEntry]
}

// NewLabelPropertyIndex creates an empty label-property index.
func NewLabelPropertyIndex() *LabelPropertyIndex {
	return &LabelPropertyIndex{indexes: make(map[labelPropertyKey]*btree.BTreeG[lpEntry])}
}

// CreateIndex builds an index for (label, property) from the current
// vertex set. Returns false if it already exists. Caller holds the
// main storage lock exclusively.
func (i *LabelPropertyIndex) CreateIndex(label LabelID, property PropertyID, vertices *btree.BTreeG[*Vertex]) bool {
	key := labelPropertyKey{label: label, property: property}
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.indexes[key]; ok {
		return false
	}
	tree := btree.NewBTreeG(lpEntryLess)
	vertices.Scan(func(v *Vertex) bool {
		if v.deleted || !v.hasLabel(label) {
			return true
		}
		value := v.properties.GetProperty(property)
		if !value.IsNull() {
			tree.Set(lpEntry{value: value, vertex: v, ts: 0})
		}
		return true
	})
	i.indexes[key] = tree
	return true
}

// DropIndex removes the (label, property) index. Returns false when
// absent.
func (i *LabelPropertyIndex) DropIndex(label LabelID, property PropertyID) bool {
	key := labelPropertyKey{label: label, property: property}
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.indexes[key]; !ok {
		return false
	}
	delete(i.indexes, key)
	return true
}

// IndexExists reports whether (label, property) is indexed.
func (i *LabelPropertyIndex) IndexExists(label LabelID, property PropertyID) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.indexes[labelPropertyKey{label: label, property: property}]
	return ok
}

// ListIndexes returns the indexed (label, property) pairs.
func (i *LabelPropertyIndex) ListIndexes() []LabelPropertyPair {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]LabelPropertyPair, 0, len(i.indexes))
	for key := range i.indexes {
		out = append(out, LabelPropertyPair{Label: key.label, Property: key.property})
	}
	return out
}

// LabelPropertyPair names one (label, property) index.
type LabelPropertyPair struct {
	Label    LabelID
	Property PropertyID
}

// UpdateOnAddLabel inserts entries for every property of the vertex
// indexed under the freshly added label. Caller holds the vertex lock.
func (i *LabelPropertyIndex) UpdateOnAddLabel(label LabelID, v *Vertex, txn *Transaction) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	for key, tree := range i.indexes {
		if key.label != label {
			continue
		}
		value := v.properties.GetProperty(key.property)
		if !value.IsNull() {
			tree.Set(lpEntry{value: value, vertex: v, ts: txn.startTimestamp})
		}
	}
}

// UpdateOnSetProperty inserts entries for every index covering the
// property whose label the vertex carries. Caller holds the vertex
// lock.
func (i *LabelPropertyIndex) UpdateOnSetProperty(property PropertyID, value PropertyValue, v *Vertex, txn *Transaction) {
	if value.IsNull() {
		return
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	for key, tree := range i.indexes {
		if key.property != property || !v.hasLabel(key.label) {
			continue
		}
		tree.Set(lpEntry{value: value, vertex: v, ts: txn.startTimestamp})
	}
}

// Vertices collects the vertices visible to txn within the bounds,
// ordered by property value. Nil bounds are unbounded.
func (i *LabelPropertyIndex) Vertices(label LabelID, property PropertyID, lower, upper *Bound, view View, txn *Transaction) []*Vertex {
	i.mu.RLock()
	tree, ok := i.indexes[labelPropertyKey{label: label, property: property}]
	i.mu.RUnlock()
	if !ok {
		return nil
	}

	var out []*Vertex
	var lastVertex *Vertex
	var lastValue PropertyValue
	var haveLast bool

	iter := func(e lpEntry) bool {
		if lower != nil {
			if e.value.Less(lower.Value) {
				return true
			}
			if !lower.Inclusive && e.value.Equal(lower.Value) {
				return true
			}
		}
		if upper != nil {
			if upper.Value.Less(e.value) {
				return false
			}
			if !upper.Inclusive && e.value.Equal(upper.Value) {
				return false
			}
		}
		if haveLast && lastVertex == e.vertex && lastValue.Equal(e.value) {
			return true
		}
		lastVertex, lastValue, haveLast = e.vertex, e.value, true
		if currentVersionHasLabelProperty(e.vertex, label, property, e.value, txn, view) {
			out = append(out, e.vertex)
		}
		return true
	}

	snapshot := tree.Copy()
	if lower != nil {
		snapshot.Ascend(lpEntry{value: lower.Value}, iter)
	} else {
		snapshot.Scan(iter)
	}
	return out
}

// RemoveObsoleteEntries drops entries older than the oldest active
// start timestamp that no reachable version still satisfies.
func (i *LabelPropertyIndex) RemoveObsoleteEntries(oldestActive uint64) {
	i.mu.RLock()
	trees := make(map[labelPropertyKey]*btree.BTreeG[lpEntry], len(i.indexes))
	for key, tree := range i.indexes {
		trees[key] = tree
	}
	i.mu.RUnlock()

	for key, tree := range trees {
		props := []PropertyID{key.property}
		var obsolete []lpEntry
		var prev *lpEntry
		tree.Copy().Scan(func(e lpEntry) bool {
			if prev != nil && prev.ts < oldestActive {
				if (prev.vertex == e.vertex && prev.value.Equal(e.value)) ||
					!anyVersionHasLabelProperty(prev.vertex, key.label, props, []PropertyValue{prev.value}, oldestActive) {
					obsolete = append(obsolete, *prev)
				}
			}
			cp := e
			prev = &cp
			return true
		})
		if prev != nil && prev.ts < oldestActive &&
			!anyVersionHasLabelProperty(prev.vertex, key.label, props, []PropertyValue{prev.value}, oldestActive) {
			obsolete = append(obsolete, *prev)
		}
		for _, e := range obsolete {
			tree.Delete(e)
		}
	}
}

// Indices bundles the two index structures.
type Indices struct {
	label         *LabelIndex
	labelProperty *LabelPropertyIndex
}

// NewIndices creates empty indices.
func NewIndices() *Indices {
	return &Indices{
		label:         NewLabelIndex(),
		labelProperty: NewLabelPropertyIndex(),
	}
}

// RemoveObsoleteEntries runs GC over both index kinds.
func (i *Indices) RemoveObsoleteEntries(oldestActive uint64) {
	i.label.RemoveObsoleteEntries(oldestActive)
	i.labelProperty.RemoveObsoleteEntries(oldestActive)
}

// updateOnAddLabel maintains both index kinds after a label addition.
func (i *Indices) updateOnAddLabel(label LabelID, v *Vertex, txn *Transaction) {
	i.label.UpdateOnAddLabel(label, v, txn)
	i.labelProperty.UpdateOnAddLabel(label, v, txn)
}

// updateOnSetProperty maintains the label-property index after a
// property write.
func (i *Indices) updateOnSetProperty(property PropertyID, value PropertyValue, v *Vertex, txn *Transaction) {
	i.labelProperty.UpdateOnSetProperty(property, value, v, txn)
}
