package storage

import (
	"sort"
	"sync"

	"github.com/tidwall/btree"
)

// uniqueConstraintsMaxProperties bounds the property tuple of a unique
// constraint.
const uniqueConstraintsMaxProperties = 4

// existenceConstraint requires property on every vertex carrying label.
type existenceConstraint struct {
	label    LabelID
	property PropertyID
}

// ExistenceConstraints holds the registered existence constraints.
// Registration happens under the main storage lock exclusively;
// validation runs concurrently under the shared lock.
type ExistenceConstraints struct {
	mu          sync.RWMutex
	constraints []existenceConstraint
}

// NewExistenceConstraints creates an empty registry.
func NewExistenceConstraints() *ExistenceConstraints {
	return &ExistenceConstraints{}
}

// ConstraintExists reports whether (label, property) is registered.
func (c *ExistenceConstraints) ConstraintExists(label LabelID, property PropertyID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ec := range c.constraints {
		if ec.label == label && ec.property == property {
			return true
		}
	}
	return false
}

// CreateConstraint validates the constraint against every existing
// vertex and registers it. A nil violation and true mean success; false
// means the constraint already existed.
func (c *ExistenceConstraints) CreateConstraint(label LabelID, property PropertyID, vertices *btree.BTreeG[*Vertex]) (*ConstraintViolation, bool) {
	if c.ConstraintExists(label, property) {
		return nil, false
	}
	var violation *ConstraintViolation
	vertices.Scan(func(v *Vertex) bool {
		if !v.deleted && v.hasLabel(label) && !v.properties.HasProperty(property) {
			violation = &ConstraintViolation{
				Kind:       ConstraintViolationExistence,
				Label:      label,
				Properties: []PropertyID{property},
			}
			return false
		}
		return true
	})
	if violation != nil {
		return violation, false
	}
	c.mu.Lock()
	c.constraints = append(c.constraints, existenceConstraint{label: label, property: property})
	c.mu.Unlock()
	return nil, true
}

// DropConstraint removes (label, property). Returns false when absent.
func (c *ExistenceConstraints) DropConstraint(label LabelID, property PropertyID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ec := range c.constraints {
		if ec.label == label && ec.property == property {
			c.constraints = append(c.constraints[:i], c.constraints[i+1:]...)
			return true
		}
	}
	return false
}

// ListConstraints returns every registered (label, property) pair.
func (c *ExistenceConstraints) ListConstraints() []LabelPropertyPair {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]LabelPropertyPair, 0, len(c.constraints))
	for _, ec := range c.constraints {
		out = append(out, LabelPropertyPair{Label: ec.label, Property: ec.property})
	}
	return out
}

// Validate checks the vertex's current state against every constraint.
// Called at commit for each vertex the transaction modified; the caller
// owns the vertex so no lock is needed.
func (c *ExistenceConstraints) Validate(v *Vertex) *ConstraintViolation {
	if v.deleted {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ec := range c.constraints {
		if v.hasLabel(ec.label) && !v.properties.HasProperty(ec.property) {
			return &ConstraintViolation{
				Kind:       ConstraintViolationExistence,
				Label:      ec.label,
				Properties: []PropertyID{ec.property},
			}
		}
	}
	return nil
}

// UniqueConstraintStatus reports the outcome of creating or dropping a
// unique constraint.
type UniqueConstraintStatus uint8

// Unique constraint creation/drop outcomes.
const (
	UniqueConstraintSuccess UniqueConstraintStatus = iota
	UniqueConstraintAlreadyExists
	UniqueConstraintNotFound
	UniqueConstraintEmptyProperties
	UniqueConstraintPropertiesLimitExceeded
)

// uniqueEntry is one entry in a unique-constraint set, ordered by the
// value tuple, then vertex, then the writer's start timestamp.
type uniqueEntry struct {
	values []PropertyValue
	vertex *Vertex
	ts     uint64
}

func uniqueEntryLess(a, b uniqueEntry) bool {
	if valuesLess(a.values, b.values) {
		return true
	}
	if valuesLess(b.values, a.values) {
		return false
	}
	ag, bg := uniqueEntryGid(a), uniqueEntryGid(b)
	if ag != bg {
		return ag < bg
	}
	return a.ts < b.ts
}

// uniqueEntryGid tolerates the vertex-less pivots used to seed scans.
func uniqueEntryGid(e uniqueEntry) Gid {
	if e.vertex == nil {
		return 0
	}
	return e.vertex.gid
}

// uniqueConstraintStore is the sorted entry set of one constraint.
type uniqueConstraintStore struct {
	label      LabelID
	properties []PropertyID
	entries    *btree.BTreeG[uniqueEntry]
}

// uniqueConstraintKey canonically identifies a constraint by label and
// sorted property set. Only up to uniqueConstraintsMaxProperties
// properties participate.
type uniqueConstraintKey struct {
	label LabelID
	props [uniqueConstraintsMaxProperties]PropertyID
	n     int
}

func makeUniqueConstraintKey(label LabelID, properties []PropertyID) uniqueConstraintKey {
	key := uniqueConstraintKey{label: label, n: len(properties)}
	copy(key.props[:], properties)
	return key
}

// normalizeProperties sorts and deduplicates a property set.
func normalizeProperties(properties []PropertyID) []PropertyID {
	out := make([]PropertyID, 0, len(properties))
	out = append(out, properties...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	dedup := out[:0]
	for i, p := range out {
		if i == 0 || p != out[i-1] {
			dedup = append(dedup, p)
		}
	}
	return dedup
}

// UniqueConstraints holds every unique constraint and its entry set.
type UniqueConstraints struct {
	mu          sync.RWMutex
	constraints map[uniqueConstraintKey]*uniqueConstraintStore
}

// NewUniqueConstraints creates an empty registry.
func NewUniqueConstraints() *UniqueConstraints {
	return &UniqueConstraints{constraints: make(map[uniqueConstraintKey]*uniqueConstraintStore)}
}

// ConstraintExists reports whether the constraint is registered.
func (c *UniqueConstraints) ConstraintExists(label LabelID, properties []PropertyID) bool {
	props := normalizeProperties(properties)
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.constraints[makeUniqueConstraintKey(label, props)]
	return ok
}

// CreateConstraint scans every vertex, rejects creation when two live
// vertices already share the value tuple, and registers the constraint.
// Caller holds the main storage lock exclusively.
func (c *UniqueConstraints) CreateConstraint(label LabelID, properties []PropertyID, vertices *btree.BTreeG[*Vertex]) (UniqueConstraintStatus, *ConstraintViolation) {
	props := normalizeProperties(properties)
	if len(props) == 0 {
		return UniqueConstraintEmptyProperties, nil
	}
	if len(props) > uniqueConstraintsMaxProperties {
		return UniqueConstraintPropertiesLimitExceeded, nil
	}

	key := makeUniqueConstraintKey(label, props)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.constraints[key]; ok {
		return UniqueConstraintAlreadyExists, nil
	}

	store := &uniqueConstraintStore{
		label:      label,
		properties: props,
		entries:    btree.NewBTreeG(uniqueEntryLess),
	}

	var violation *ConstraintViolation
	vertices.Scan(func(v *Vertex) bool {
		if v.deleted || !v.hasLabel(label) {
			return true
		}
		values, ok := v.properties.ExtractPropertyValues(props)
		if !ok {
			return true
		}
		if existing, found := store.firstEqual(values); found && existing.vertex != v {
			violation = &ConstraintViolation{
				Kind:       ConstraintViolationUnique,
				Label:      label,
				Properties: props,
			}
			return false
		}
		store.entries.Set(uniqueEntry{values: values, vertex: v, ts: 0})
		return true
	})

	if violation != nil {
		return UniqueConstraintSuccess, violation
	}
	c.constraints[key] = store
	return UniqueConstraintSuccess, nil
}

// DropConstraint removes the constraint. Returns NotFound when absent.
func (c *UniqueConstraints) DropConstraint(label LabelID, properties []PropertyID) UniqueConstraintStatus {
	props := normalizeProperties(properties)
	if len(props) == 0 {
		return UniqueConstraintEmptyProperties
	}
	if len(props) > uniqueConstraintsMaxProperties {
		return UniqueConstraintPropertiesLimitExceeded
	}
	key := makeUniqueConstraintKey(label, props)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.constraints[key]; !ok {
		return UniqueConstraintNotFound
	}
	delete(c.constraints, key)
	return UniqueConstraintSuccess
}

// ListConstraints returns every registered constraint.
func (c *UniqueConstraints) ListConstraints() []UniqueConstraintDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]UniqueConstraintDescriptor, 0, len(c.constraints))
	for _, store := range c.constraints {
		props := make([]PropertyID, len(store.properties))
		copy(props, store.properties)
		out = append(out, UniqueConstraintDescriptor{Label: store.label, Properties: props})
	}
	return out
}

// UniqueConstraintDescriptor names one unique constraint.
type UniqueConstraintDescriptor struct {
	Label      LabelID
	Properties []PropertyID
}

// firstEqual finds the first entry whose value tuple equals values.
func (s *uniqueConstraintStore) firstEqual(values []PropertyValue) (uniqueEntry, bool) {
	var out uniqueEntry
	found := false
	s.entries.Ascend(uniqueEntry{values: values}, func(e uniqueEntry) bool {
		if !valuesEqual(e.values, values) {
			return false
		}
		out = e
		found = true
		return false
	})
	return out, found
}

// UpdateBeforeCommit inserts the vertex into every constraint set whose
// label it carries, tagged with the transaction's start timestamp.
// Called under the engine lock just before commit-time validation.
func (c *UniqueConstraints) UpdateBeforeCommit(v *Vertex, txn *Transaction) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, store := range c.constraints {
		if !v.hasLabel(store.label) {
			continue
		}
		values, ok := v.properties.ExtractPropertyValues(store.properties)
		if !ok {
			continue
		}
		store.entries.Set(uniqueEntry{values: values, vertex: v, ts: txn.startTimestamp})
	}
}

// Validate checks one committing vertex against every constraint. The
// commit-serialisation lock is held, so any other writer that touches
// the same vertices would have failed with a serialization conflict;
// historical versions of other vertices are reconstructed as of the
// validating transaction's commit timestamp.
func (c *UniqueConstraints) Validate(v *Vertex, txn *Transaction, commitTimestamp uint64) *ConstraintViolation {
	if v.deleted {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, store := range c.constraints {
		if !v.hasLabel(store.label) {
			continue
		}
		values, ok := v.properties.ExtractPropertyValues(store.properties)
		if !ok {
			continue
		}
		violated := false
		store.entries.Ascend(uniqueEntry{values: values}, func(e uniqueEntry) bool {
			if !valuesEqual(e.values, values) {
				return false
			}
			if e.vertex != v &&
				lastCommittedVersionHasLabelProperty(e.vertex, store.label, store.properties, values, txn, commitTimestamp) {
				violated = true
				return false
			}
			return true
		})
		if violated {
			props := make([]PropertyID, len(store.properties))
			copy(props, store.properties)
			return &ConstraintViolation{
				Kind:       ConstraintViolationUnique,
				Label:      store.label,
				Properties: props,
			}
		}
	}
	return nil
}

// RemoveObsoleteEntries drops entries older than the oldest active
// start timestamp that are either duplicated by a newer entry or no
// longer satisfied by any reachable version of their vertex.
func (c *UniqueConstraints) RemoveObsoleteEntries(oldestActive uint64) {
	c.mu.RLock()
	stores := make([]*uniqueConstraintStore, 0, len(c.constraints))
	for _, store := range c.constraints {
		stores = append(stores, store)
	}
	c.mu.RUnlock()

	for _, store := range stores {
		var obsolete []uniqueEntry
		var prev *uniqueEntry
		store.entries.Copy().Scan(func(e uniqueEntry) bool {
			if prev != nil && prev.ts < oldestActive {
				if (prev.vertex == e.vertex && valuesEqual(prev.values, e.values)) ||
					!anyVersionHasLabelProperty(prev.vertex, store.label, store.properties, prev.values, oldestActive) {
					obsolete = append(obsolete, *prev)
				}
			}
			cp := e
			prev = &cp
			return true
		})
		if prev != nil && prev.ts < oldestActive &&
			!anyVersionHasLabelProperty(prev.vertex, store.label, store.properties, prev.values, oldestActive) {
			obsolete = append(obsolete, *prev)
		}
		for _, e := range obsolete {
			store.entries.Delete(e)
		}
	}
}

// lastCommittedVersionHasLabelProperty reconstructs the state of vertex
// as of commitTimestamp (walking past every version committed at or
// after it, except the validating transaction's own writes) and reports
// whether that state carries the label and the exact value tuple.
func lastCommittedVersionHasLabelProperty(v *Vertex, label LabelID, properties []PropertyID, values []PropertyValue, txn *Transaction, commitTimestamp uint64) bool {
	v.lock.RLock()
	deleted := v.deleted
	hasLabel := v.hasLabel(label)
	equal := make([]bool, len(properties))
	for i, p := range properties {
		equal[i] = v.properties.IsPropertyEqual(p, values[i])
	}
	head := v.delta
	v.lock.RUnlock()

	for d := head; d != nil; d = d.next.Load() {
		ts := d.timestamp.Load()
		if ts < commitTimestamp || ts == txn.id {
			break
		}
		switch d.action {
		case DeltaSetProperty:
			for i, p := range properties {
				if d.key == p {
					equal[i] = d.value.Equal(values[i])
				}
			}
		case DeltaDeleteObject, DeltaDeleteDeserializedObject:
			deleted = true
		case DeltaRecreateObject:
			deleted = false
		case DeltaAddLabel:
			if d.label == label {
				hasLabel = true
			}
		case DeltaRemoveLabel:
			if d.label == label {
				hasLabel = false
			}
		}
	}

	for _, e := range equal {
		if !e {
			return false
		}
	}
	return !deleted && hasLabel
}

// Constraints bundles both constraint kinds.
type Constraints struct {
	existence *ExistenceConstraints
	unique    *UniqueConstraints
}

// NewConstraints creates empty constraint registries.
func NewConstraints() *Constraints {
	return &Constraints{
		existence: NewExistenceConstraints(),
		unique:    NewUniqueConstraints(),
	}
}
