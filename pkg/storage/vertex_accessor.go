package storage

// VertexAccessor is a per-transaction handle on one vertex. Reads
// reconstruct the state the transaction should see by undoing deltas;
// writes follow the MVCC write protocol: lock, prepare, push a
// compensating delta, mutate in place.
type VertexAccessor struct {
	vertex  *Vertex
	txn     *Transaction
	storage *Storage
}

// Gid returns the vertex identifier.
func (va *VertexAccessor) Gid() Gid { return va.vertex.gid }

// IsVisible reports whether the vertex exists and is not deleted in
// the given view.
func (va *VertexAccessor) IsVisible(view View) bool {
	return vertexVisible(va.vertex, va.txn, view)
}

// AddLabel adds label to the vertex. Returns false when the label was
// already present.
func (va *VertexAccessor) AddLabel(label LabelID) (bool, error) {
	if va.txn.MustAbort() {
		return false, ErrTransactionAborted
	}
	v := va.vertex
	v.lock.Lock()

	if !prepareForWrite(va.txn, v.delta) {
		v.lock.Unlock()
		return false, ErrSerialization
	}
	if v.deleted {
		v.lock.Unlock()
		return false, ErrDeletedObject
	}
	if v.hasLabel(label) {
		v.lock.Unlock()
		return false, nil
	}

	removeLabelDelta(va.txn, v, label)
	v.labels = append(v.labels, label)

	// The vertex enters the relevant indexes now, before the
	// transaction commits; readers filter by re-walking the chain.
	va.storage.indices.updateOnAddLabel(label, v, va.txn)
	v.lock.Unlock()
	return true, nil
}

// RemoveLabel removes label. Returns false when it was absent.
func (va *VertexAccessor) RemoveLabel(label LabelID) (bool, error) {
	if va.txn.MustAbort() {
		return false, ErrTransactionAborted
	}
	v := va.vertex
	v.lock.Lock()
	defer v.lock.Unlock()

	if !prepareForWrite(va.txn, v.delta) {
		return false, ErrSerialization
	}
	if v.deleted {
		return false, ErrDeletedObject
	}
	if !v.hasLabel(label) {
		return false, nil
	}

	addLabelDelta(va.txn, v, label)
	v.removeLabel(label)
	return true, nil
}

// HasLabel reports label membership in the given view.
func (va *VertexAccessor) HasLabel(label LabelID, view View) (bool, error) {
	v := va.vertex
	v.lock.RLock()
	state := objectState{exists: true, deleted: v.deleted}
	hasLabel := v.hasLabel(label)
	head := v.delta
	v.lock.RUnlock()

	applyDeltasForRead(va.txn, head, view, func(d *Delta) {
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
	if !state.exists {
		return false, ErrNonexistentObject
	}
	if state.deleted {
		return false, ErrDeletedObject
	}
	return hasLabel, nil
}

// Labels returns the label set in the given view.
func (va *VertexAccessor) Labels(view View) ([]LabelID, error) {
	v := va.vertex
	v.lock.RLock()
	state := objectState{exists: true, deleted: v.deleted}
	labels := make([]LabelID, len(v.labels))
	copy(labels, v.labels)
	head := v.delta
	v.lock.RUnlock()

	applyDeltasForRead(va.txn, head, view, func(d *Delta) {
		if state.applyExistence(d) {
			return
		}
		switch d.action {
		case DeltaAddLabel:
			labels = append(labels, d.label)
		case DeltaRemoveLabel:
			for i, l := range labels {
				if l == d.label {
					labels[i] = labels[len(labels)-1]
					labels = labels[:len(labels)-1]
					break
				}
			}
		}
	})
	if !state.exists {
		return nil, ErrNonexistentObject
	}
	if state.deleted {
		return nil, ErrDeletedObject
	}
	return labels, nil
}

// SetProperty stores value under key and returns the previous value.
// Storing the null value removes the key.
func (va *VertexAccessor) SetProperty(key PropertyID, value PropertyValue) (PropertyValue, error) {
	if va.txn.MustAbort() {
		return NewNullValue(), ErrTransactionAborted
	}
	v := va.vertex
	v.lock.Lock()
	defer v.lock.Unlock()

	if !prepareForWrite(va.txn, v.delta) {
		return NewNullValue(), ErrSerialization
	}
	if v.deleted {
		return NewNullValue(), ErrDeletedObject
	}

	old := v.properties.SetProperty(key, value)
	setVertexPropertyDelta(va.txn, v, key, old)
	va.storage.indices.updateOnSetProperty(key, value, v, va.txn)
	return old, nil
}

// GetProperty returns the value under key in the given view.
func (va *VertexAccessor) GetProperty(key PropertyID, view View) (PropertyValue, error) {
	v := va.vertex
	v.lock.RLock()
	state := objectState{exists: true, deleted: v.deleted}
	value := v.properties.GetProperty(key)
	head := v.delta
	v.lock.RUnlock()

	applyDeltasForRead(va.txn, head, view, func(d *Delta) {
		if state.applyExistence(d) {
			return
		}
		if d.action == DeltaSetProperty && d.key == key {
			value = d.value
		}
	})
	if !state.exists {
		return NewNullValue(), ErrNonexistentObject
	}
	if state.deleted {
		return NewNullValue(), ErrDeletedObject
	}
	return value, nil
}

// Properties returns the full property map in the given view.
func (va *VertexAccessor) Properties(view View) (map[PropertyID]PropertyValue, error) {
	v := va.vertex
	v.lock.RLock()
	state := objectState{exists: true, deleted: v.deleted}
	props := v.properties.Properties()
	head := v.delta
	v.lock.RUnlock()

	applyDeltasForRead(va.txn, head, view, func(d *Delta) {
		if state.applyExistence(d) {
			return
		}
		if d.action == DeltaSetProperty {
			if d.value.IsNull() {
				delete(props, d.key)
			} else {
				props[d.key] = d.value
			}
		}
	})
	if !state.exists {
		return nil, ErrNonexistentObject
	}
	if state.deleted {
		return nil, ErrDeletedObject
	}
	return props, nil
}

// InEdges returns the incoming edges in the given view, optionally
// filtered by edge type.
func (va *VertexAccessor) InEdges(view View, edgeTypes ...EdgeTypeID) ([]*EdgeAccessor, error) {
	tuples, err := va.adjacency(edgeDirectionIn, view)
	if err != nil {
		return nil, err
	}
	out := make([]*EdgeAccessor, 0, len(tuples))
	for _, t := range tuples {
		if len(edgeTypes) > 0 && !containsEdgeType(edgeTypes, t.EdgeType) {
			continue
		}
		out = append(out, &EdgeAccessor{
			edge: t.Edge, edgeType: t.EdgeType, from: t.Vertex, to: va.vertex,
			txn: va.txn, storage: va.storage,
		})
	}
	return out, nil
}

// OutEdges returns the outgoing edges in the given view, optionally
// filtered by edge type.
func (va *VertexAccessor) OutEdges(view View, edgeTypes ...EdgeTypeID) ([]*EdgeAccessor, error) {
	tuples, err := va.adjacency(edgeDirectionOut, view)
	if err != nil {
		return nil, err
	}
	out := make([]*EdgeAccessor, 0, len(tuples))
	for _, t := range tuples {
		if len(edgeTypes) > 0 && !containsEdgeType(edgeTypes, t.EdgeType) {
			continue
		}
		out = append(out, &EdgeAccessor{
			edge: t.Edge, edgeType: t.EdgeType, from: va.vertex, to: t.Vertex,
			txn: va.txn, storage: va.storage,
		})
	}
	return out, nil
}

// adjacency reconstructs one adjacency vector for the view, consulting
// the transaction's materialised-adjacency cache first.
func (va *VertexAccessor) adjacency(direction edgeDirection, view View) ([]EdgeTuple, error) {
	key := adjacencyCacheKey{vertex: va.vertex, direction: direction, view: view}
	if tuples, ok := va.txn.adjCache.get(key); ok {
		return tuples, nil
	}

	v := va.vertex
	v.lock.RLock()
	state := objectState{exists: true, deleted: v.deleted}
	var tuples []EdgeTuple
	if direction == edgeDirectionIn {
		tuples = make([]EdgeTuple, len(v.inEdges))
		copy(tuples, v.inEdges)
	} else {
		tuples = make([]EdgeTuple, len(v.outEdges))
		copy(tuples, v.outEdges)
	}
	head := v.delta
	v.lock.RUnlock()

	addAction, removeAction := DeltaAddInEdge, DeltaRemoveInEdge
	if direction == edgeDirectionOut {
		addAction, removeAction = DeltaAddOutEdge, DeltaRemoveOutEdge
	}

	applyDeltasForRead(va.txn, head, view, func(d *Delta) {
		if state.applyExistence(d) {
			return
		}
		switch d.action {
		case addAction:
			tuples = append(tuples, EdgeTuple{EdgeType: d.edgeType, Vertex: d.vertex, Edge: d.edge})
		case removeAction:
			removeEdgeTuple(&tuples, EdgeTuple{EdgeType: d.edgeType, Vertex: d.vertex, Edge: d.edge})
		}
	})
	if !state.exists {
		return nil, ErrNonexistentObject
	}
	if state.deleted {
		return nil, ErrDeletedObject
	}

	va.txn.adjCache.put(key, tuples)
	return tuples, nil
}

func containsEdgeType(types []EdgeTypeID, t EdgeTypeID) bool {
	for _, et := range types {
		if et == t {
			return true
		}
	}
	return false
}
