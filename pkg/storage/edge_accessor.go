package storage

// EdgeAccessor is a per-transaction handle on one edge. For the thin
// edge variant (properties-on-edges disabled) the accessor carries the
// Gid and endpoints only and property operations are rejected.
type EdgeAccessor struct {
	edge     EdgeRef
	edgeType EdgeTypeID
	from     *Vertex
	to       *Vertex
	txn      *Transaction
	storage  *Storage
}

// Gid returns the edge identifier.
func (ea *EdgeAccessor) Gid() Gid { return ea.edge.Gid() }

// EdgeType returns the edge's type id.
func (ea *EdgeAccessor) EdgeType() EdgeTypeID { return ea.edgeType }

// FromVertex returns an accessor on the edge's origin.
func (ea *EdgeAccessor) FromVertex() *VertexAccessor {
	return &VertexAccessor{vertex: ea.from, txn: ea.txn, storage: ea.storage}
}

// ToVertex returns an accessor on the edge's destination.
func (ea *EdgeAccessor) ToVertex() *VertexAccessor {
	return &VertexAccessor{vertex: ea.to, txn: ea.txn, storage: ea.storage}
}

// IsVisible reports whether the edge exists in the given view. Thin
// edges are visible iff they appear in the origin's adjacency.
func (ea *EdgeAccessor) IsVisible(view View) bool {
	if e := ea.edge.Ptr(); e != nil {
		return edgeVisible(e, ea.txn, view)
	}
	va := &VertexAccessor{vertex: ea.from, txn: ea.txn, storage: ea.storage}
	tuples, err := va.adjacency(edgeDirectionOut, view)
	if err != nil {
		return false
	}
	return findEdgeTuple(tuples, EdgeTuple{EdgeType: ea.edgeType, Vertex: ea.to, Edge: ea.edge}) >= 0
}

// SetProperty stores value under key on the edge and returns the
// previous value. Fails with ErrPropertiesDisabled for thin edges.
func (ea *EdgeAccessor) SetProperty(key PropertyID, value PropertyValue) (PropertyValue, error) {
	if ea.txn.MustAbort() {
		return NewNullValue(), ErrTransactionAborted
	}
	e := ea.edge.Ptr()
	if e == nil {
		return NewNullValue(), ErrPropertiesDisabled
	}
	e.lock.Lock()
	defer e.lock.Unlock()

	if !prepareForWrite(ea.txn, e.delta) {
		return NewNullValue(), ErrSerialization
	}
	if e.deleted {
		return NewNullValue(), ErrDeletedObject
	}

	old := e.properties.SetProperty(key, value)
	setEdgePropertyDelta(ea.txn, e, key, old)
	return old, nil
}

// GetProperty returns the value under key in the given view.
func (ea *EdgeAccessor) GetProperty(key PropertyID, view View) (PropertyValue, error) {
	e := ea.edge.Ptr()
	if e == nil {
		return NewNullValue(), ErrPropertiesDisabled
	}
	e.lock.RLock()
	state := objectState{exists: true, deleted: e.deleted}
	value := e.properties.GetProperty(key)
	head := e.delta
	e.lock.RUnlock()

	applyDeltasForRead(ea.txn, head, view, func(d *Delta) {
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
func (ea *EdgeAccessor) Properties(view View) (map[PropertyID]PropertyValue, error) {
	e := ea.edge.Ptr()
	if e == nil {
		return nil, ErrPropertiesDisabled
	}
	e.lock.RLock()
	state := objectState{exists: true, deleted: e.deleted}
	props := e.properties.Properties()
	head := e.delta
	e.lock.RUnlock()

	applyDeltasForRead(ea.txn, head, view, func(d *Delta) {
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
