package storage

// applyDeltasForRead walks a delta chain from its head and invokes cb
// for every delta that must be applied (undone) to reconstruct the
// state the transaction should see. The walk exits early at the first
// delta whose timestamp shows the change is visible to the reader:
//
//   - the transaction's own writes terminate the walk under ViewNew and
//     are undone under ViewOld;
//   - under snapshot isolation, commit timestamps at or before the
//     start timestamp terminate the walk;
//   - under read committed, any commit timestamp terminates the walk;
//   - under read uncommitted, no foreign delta is ever applied.
func applyDeltasForRead(txn *Transaction, head *Delta, view View, cb func(*Delta)) {
	for d := head; d != nil; d = d.next.Load() {
		ts := d.timestamp.Load()

		if ts == txn.id {
			if view == ViewNew {
				return
			}
			cb(d)
			continue
		}

		switch txn.isolation {
		case SnapshotIsolation:
			if !isTransactionID(ts) && ts < txn.startTimestamp {
				return
			}
		case ReadCommitted:
			if !isTransactionID(ts) {
				return
			}
		case ReadUncommitted:
			return
		}

		cb(d)
	}
}

// objectState accumulates existence flags while undoing deltas.
type objectState struct {
	exists  bool
	deleted bool
}

// applyExistence folds the existence-affecting delta kinds into state.
// Returns true when the delta was one of them.
func (s *objectState) applyExistence(d *Delta) bool {
	switch d.action {
	case DeltaDeleteObject, DeltaDeleteDeserializedObject:
		s.exists = false
	case DeltaRecreateObject:
		s.deleted = false
	default:
		return false
	}
	return true
}

// vertexVisible reports whether the vertex exists and is not deleted in
// the transaction's view.
func vertexVisible(v *Vertex, txn *Transaction, view View) bool {
	v.lock.RLock()
	state := objectState{exists: true, deleted: v.deleted}
	head := v.delta
	v.lock.RUnlock()

	applyDeltasForRead(txn, head, view, func(d *Delta) {
		state.applyExistence(d)
	})
	return state.exists && !state.deleted
}

// edgeVisible reports whether an owned edge exists and is not deleted
// in the transaction's view.
func edgeVisible(e *Edge, txn *Transaction, view View) bool {
	e.lock.RLock()
	state := objectState{exists: true, deleted: e.deleted}
	head := e.delta
	e.lock.RUnlock()

	applyDeltasForRead(txn, head, view, func(d *Delta) {
		state.applyExistence(d)
	})
	return state.exists && !state.deleted
}

// currentVersionHasLabel reconstructs whether the vertex carries label
// in the transaction's view. Used when iterating the label index.
func currentVersionHasLabel(v *Vertex, label LabelID, txn *Transaction, view View) bool {
	v.lock.RLock()
	state := objectState{exists: true, deleted: v.deleted}
	hasLabel := v.hasLabel(label)
	head := v.delta
	v.lock.RUnlock()

	applyDeltasForRead(txn, head, view, func(d *Delta) {
		if state.applyExistence(d) {
			return
		}
		switch d.action {
		case DeltaAddLabel:
			if d.label == label {
				hasLabel = true
			}
		case DeltaRemoveLabel:
			if d.label == label {
				hasLabel = false
			}
		}
	})
	return state.exists && !state.deleted && hasLabel
}

// currentVersionHasLabelProperty reconstructs whether the vertex
// carries label and stores exactly value under key in the
// transaction's view. Used when iterating the label-property index.
func currentVersionHasLabelProperty(v *Vertex, label LabelID, key PropertyID, value PropertyValue, txn *Transaction, view View) bool {
	v.lock.RLock()
	state := objectState{exists: true, deleted: v.deleted}
	hasLabel := v.hasLabel(label)
	equal := v.properties.IsPropertyEqual(key, value)
	head := v.delta
	v.lock.RUnlock()

	applyDeltasForRead(txn, head, view, func(d *Delta) {
		if state.applyExistence(d) {
			return
		}
		switch d.action {
		case DeltaAddLabel:
			if d.label == label {
				hasLabel = true
			}
		case DeltaRemoveLabel:
			if d.label == label {
				hasLabel = false
			}
		case DeltaSetProperty:
			if d.key == key {
				equal = d.value.Equal(value)
			}
		}
	})
	return state.exists && !state.deleted && hasLabel && equal
}

// anyVersionHasLabel reports whether any version of the vertex
// reachable by a transaction with a start timestamp of at least ts
// carries the label. Used by the garbage collector to decide whether a
// label-index entry is still needed.
func anyVersionHasLabel(v *Vertex, label LabelID, ts uint64) bool {
	v.lock.RLock()
	deleted := v.deleted
	hasLabel := v.hasLabel(label)
	head := v.delta
	v.lock.RUnlock()

	if !deleted && hasLabel {
		return true
	}
	for d := head; d != nil; d = d.next.Load() {
		if dts := d.timestamp.Load(); !isTransactionID(dts) && dts < ts {
			break
		}
		switch d.action {
		case DeltaAddLabel:
			if d.label == label {
				hasLabel = true
			}
		case DeltaRemoveLabel:
			if d.label == label {
				hasLabel = false
			}
		case DeltaDeleteObject, DeltaDeleteDeserializedObject:
			deleted = true
		case DeltaRecreateObject:
			deleted = false
		}
		if !deleted && hasLabel {
			return true
		}
	}
	return false
}

// anyVersionHasLabelProperty is anyVersionHasLabel extended with a
// property-value match. Used by index and unique-constraint GC.
func anyVersionHasLabelProperty(v *Vertex, label LabelID, keys []PropertyID, values []PropertyValue, ts uint64) bool {
	v.lock.RLock()
	deleted := v.deleted
	hasLabel := v.hasLabel(label)
	equal := make([]bool, len(keys))
	for i, key := range keys {
		equal[i] = v.properties.IsPropertyEqual(key, values[i])
	}
	head := v.delta
	v.lock.RUnlock()

	allEqual := func() bool {
		for _, e := range equal {
			if !e {
				return false
			}
		}
		return true
	}

	if !deleted && hasLabel && allEqual() {
		return true
	}
	for d := head; d != nil; d = d.next.Load() {
		if dts := d.timestamp.Load(); !isTransactionID(dts) && dts < ts {
			break
		}
		switch d.action {
		case DeltaAddLabel:
			if d.label == label {
				hasLabel = true
			}
		case DeltaRemoveLabel:
			if d.label == label {
				hasLabel = false
			}
		case DeltaSetProperty:
			for i, key := range keys {
				if d.key == key {
					equal[i] = d.value.Equal(values[i])
				}
			}
		case DeltaDeleteObject, DeltaDeleteDeserializedObject:
			deleted = true
		case DeltaRecreateObject:
			deleted = false
		}
		if !deleted && hasLabel && allEqual() {
			return true
		}
	}
	return false
}
