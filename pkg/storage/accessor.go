package storage

import (
	"sort"
)

// Accessor is a per-transaction handle on the storage. It exposes every
// data operation, enforces MVCC visibility and drives the transaction
// through Commit or Abort. An accessor is not safe for concurrent use;
// it holds the main storage lock shared from creation until the
// transaction finishes.
type Accessor struct {
	storage           *Storage
	txn               *Transaction
	propertiesOnEdges bool
	active            bool
}

// Transaction exposes the underlying transaction, e.g. to flag it for
// abort from another goroutine.
func (a *Accessor) Transaction() *Transaction { return a.txn }

// CreateVertex allocates a fresh vertex, born with a DeleteObject delta
// so readers that predate the creation see it as absent.
func (a *Accessor) CreateVertex() *VertexAccessor {
	gid := Gid(a.storage.vertexID.Add(1) - 1)
	return a.createVertexWithGid(gid)
}

// CreateVertexEx creates a vertex with an externally assigned Gid and
// raises the local counter past it. Only the replication applier calls
// this; it runs single-threaded on a replica, so the read-modify-write
// on the counter needs no stronger guarantee.
func (a *Accessor) CreateVertexEx(gid Gid) *VertexAccessor {
	for {
		cur := a.storage.vertexID.Load()
		next := uint64(gid) + 1
		if next <= cur {
			break
		}
		if a.storage.vertexID.CompareAndSwap(cur, next) {
			break
		}
	}
	return a.createVertexWithGid(gid)
}

func (a *Accessor) createVertexWithGid(gid Gid) *VertexAccessor {
	delta := createDeleteObjectDelta(a.txn)
	v := &Vertex{gid: gid, delta: delta}
	if delta != nil {
		delta.prev.setVertex(v)
	}
	a.storage.vertices.Set(v)
	return &VertexAccessor{vertex: v, txn: a.txn, storage: a.storage}
}

// FindVertex looks up a vertex by Gid, honouring the view.
func (a *Accessor) FindVertex(gid Gid, view View) (*VertexAccessor, bool) {
	v, ok := a.storage.vertices.Get(&Vertex{gid: gid})
	if !ok {
		return nil, false
	}
	if !vertexVisible(v, a.txn, view) {
		return nil, false
	}
	return &VertexAccessor{vertex: v, txn: a.txn, storage: a.storage}, true
}

// Vertices collects every vertex visible in the view.
func (a *Accessor) Vertices(view View) []*VertexAccessor {
	var out []*VertexAccessor
	a.storage.vertices.Copy().Scan(func(v *Vertex) bool {
		if vertexVisible(v, a.txn, view) {
			out = append(out, &VertexAccessor{vertex: v, txn: a.txn, storage: a.storage})
		}
		return true
	})
	return out
}

// VerticesByLabel collects the visible vertices carrying label, via the
// label index.
func (a *Accessor) VerticesByLabel(label LabelID, view View) []*VertexAccessor {
	vertices := a.storage.indices.label.Vertices(label, view, a.txn)
	out := make([]*VertexAccessor, 0, len(vertices))
	for _, v := range vertices {
		out = append(out, &VertexAccessor{vertex: v, txn: a.txn, storage: a.storage})
	}
	return out
}

// VerticesByLabelProperty collects the visible vertices carrying label
// with any value for property, ordered by value.
func (a *Accessor) VerticesByLabelProperty(label LabelID, property PropertyID, view View) []*VertexAccessor {
	return a.verticesByRange(label, property, nil, nil, view)
}

// VerticesByLabelPropertyValue collects the visible vertices whose
// property equals value.
func (a *Accessor) VerticesByLabelPropertyValue(label LabelID, property PropertyID, value PropertyValue, view View) []*VertexAccessor {
	b := BoundInclusive(value)
	return a.verticesByRange(label, property, b, b, view)
}

// VerticesByLabelPropertyRange collects the visible vertices whose
// property value falls inside the bounds, ordered by value. Nil bounds
// are unbounded.
func (a *Accessor) VerticesByLabelPropertyRange(label LabelID, property PropertyID, lower, upper *Bound, view View) []*VertexAccessor {
	return a.verticesByRange(label, property, lower, upper, view)
}

func (a *Accessor) verticesByRange(label LabelID, property PropertyID, lower, upper *Bound, view View) []*VertexAccessor {
	vertices := a.storage.indices.labelProperty.Vertices(label, property, lower, upper, view, a.txn)
	out := make([]*VertexAccessor, 0, len(vertices))
	for _, v := range vertices {
		out = append(out, &VertexAccessor{vertex: v, txn: a.txn, storage: a.storage})
	}
	return out
}

// CreateEdge connects from and to with a new edge of the given type.
// Locks are taken in ascending Gid order (one lock when the endpoints
// coincide) to preclude lock cycles.
func (a *Accessor) CreateEdge(from, to *VertexAccessor, edgeType EdgeTypeID) (*EdgeAccessor, error) {
	gid := Gid(a.storage.edgeID.Add(1) - 1)
	return a.createEdgeWithGid(from, to, edgeType, gid)
}

// CreateEdgeEx creates an edge with an externally assigned Gid for the
// replication applier, raising the local counter past it.
func (a *Accessor) CreateEdgeEx(from, to *VertexAccessor, edgeType EdgeTypeID, gid Gid) (*EdgeAccessor, error) {
	for {
		cur := a.storage.edgeID.Load()
		next := uint64(gid) + 1
		if next <= cur {
			break
		}
		if a.storage.edgeID.CompareAndSwap(cur, next) {
			break
		}
	}
	return a.createEdgeWithGid(from, to, edgeType, gid)
}

func (a *Accessor) createEdgeWithGid(from, to *VertexAccessor, edgeType EdgeTypeID, gid Gid) (*EdgeAccessor, error) {
	if a.txn.MustAbort() {
		return nil, ErrTransactionAborted
	}
	fromVertex := from.vertex
	toVertex := to.vertex

	lockVertexPair(fromVertex, toVertex)
	defer unlockVertexPair(fromVertex, toVertex)

	if !prepareForWrite(a.txn, fromVertex.delta) {
		return nil, ErrSerialization
	}
	if fromVertex.deleted {
		return nil, ErrDeletedObject
	}
	if toVertex != fromVertex {
		if !prepareForWrite(a.txn, toVertex.delta) {
			return nil, ErrSerialization
		}
		if toVertex.deleted {
			return nil, ErrDeletedObject
		}
	}

	edge := EdgeRefFromGid(gid)
	if a.propertiesOnEdges {
		delta := createDeleteObjectDelta(a.txn)
		e := &Edge{gid: gid, delta: delta}
		if delta != nil {
			delta.prev.setEdge(e)
		}
		a.storage.edges.Set(e)
		edge = EdgeRefFromPtr(e)
	}

	adjacencyDelta(a.txn, fromVertex, DeltaRemoveOutEdge, edgeType, toVertex, edge)
	fromVertex.outEdges = append(fromVertex.outEdges, EdgeTuple{EdgeType: edgeType, Vertex: toVertex, Edge: edge})

	adjacencyDelta(a.txn, toVertex, DeltaRemoveInEdge, edgeType, fromVertex, edge)
	toVertex.inEdges = append(toVertex.inEdges, EdgeTuple{EdgeType: edgeType, Vertex: fromVertex, Edge: edge})

	a.txn.adjCache.invalidate(fromVertex)
	a.txn.adjCache.invalidate(toVertex)

	a.storage.edgeCount.Add(1)

	return &EdgeAccessor{
		edge:     edge,
		edgeType: edgeType,
		from:     fromVertex,
		to:       toVertex,
		txn:      a.txn,
		storage:  a.storage,
	}, nil
}

// DeleteEdge removes the edge. Returns false without error when the
// edge was already deleted inside this transaction's view.
func (a *Accessor) DeleteEdge(e *EdgeAccessor) (bool, error) {
	if a.txn.MustAbort() {
		return false, ErrTransactionAborted
	}
	return a.deleteEdgeInternal(e.edge, e.edgeType, e.from, e.to)
}

func (a *Accessor) deleteEdgeInternal(edge EdgeRef, edgeType EdgeTypeID, fromVertex, toVertex *Vertex) (bool, error) {
	lockVertexPair(fromVertex, toVertex)
	defer unlockVertexPair(fromVertex, toVertex)

	if !prepareForWrite(a.txn, fromVertex.delta) {
		return false, ErrSerialization
	}
	if toVertex != fromVertex {
		if !prepareForWrite(a.txn, toVertex.delta) {
			return false, ErrSerialization
		}
	}

	outTuple := EdgeTuple{EdgeType: edgeType, Vertex: toVertex, Edge: edge}
	inTuple := EdgeTuple{EdgeType: edgeType, Vertex: fromVertex, Edge: edge}

	removedOut := removeEdgeTuple(&fromVertex.outEdges, outTuple)
	removedIn := removeEdgeTuple(&toVertex.inEdges, inTuple)
	if !removedOut && !removedIn {
		// Already deleted; symmetric by the adjacency invariant.
		return false, nil
	}

	if edge.Ptr() != nil {
		e := edge.Ptr()
		e.lock.Lock()
		if !prepareForWrite(a.txn, e.delta) {
			e.lock.Unlock()
			return false, ErrSerialization
		}
		recreateEdgeDelta(a.txn, e)
		e.deleted = true
		if a.txn.storageMode == ModeAnalytical {
			a.storage.gcFullScanEdges.Store(true)
		}
		e.lock.Unlock()
	}

	adjacencyDelta(a.txn, fromVertex, DeltaAddOutEdge, edgeType, toVertex, edge)
	adjacencyDelta(a.txn, toVertex, DeltaAddInEdge, edgeType, fromVertex, edge)

	a.txn.adjCache.invalidate(fromVertex)
	a.txn.adjCache.invalidate(toVertex)

	a.storage.edgeCount.Add(-1)
	return true, nil
}

// DeleteVertex deletes the vertex if it has no attached edges.
func (a *Accessor) DeleteVertex(v *VertexAccessor) (bool, error) {
	deleted, _, err := a.DetachDelete([]*VertexAccessor{v}, nil, false)
	return len(deleted) > 0, err
}

// DetachDeleteVertex deletes the vertex's incident edges first, then
// the vertex.
func (a *Accessor) DetachDeleteVertex(v *VertexAccessor) (bool, error) {
	deleted, _, err := a.DetachDelete([]*VertexAccessor{v}, nil, true)
	return len(deleted) > 0, err
}

// DetachDelete deletes the supplied edges, then the supplied vertices.
// With detach set, every still-reachable incident edge of each vertex
// is deleted first; without it a vertex with remaining edges fails with
// ErrVertexHasEdges. Touched objects have their materialised adjacency
// cache entries invalidated.
func (a *Accessor) DetachDelete(vertices []*VertexAccessor, edges []*EdgeAccessor, detach bool) ([]*VertexAccessor, []*EdgeAccessor, error) {
	if a.txn.MustAbort() {
		return nil, nil, ErrTransactionAborted
	}

	var deletedEdges []*EdgeAccessor
	for _, e := range edges {
		removed, err := a.deleteEdgeInternal(e.edge, e.edgeType, e.from, e.to)
		if err != nil {
			return nil, nil, err
		}
		if removed {
			deletedEdges = append(deletedEdges, e)
		}
	}

	if detach {
		for _, va := range vertices {
			v := va.vertex
			for {
				v.lock.Lock()
				if !prepareForWrite(a.txn, v.delta) {
					v.lock.Unlock()
					return nil, nil, ErrSerialization
				}
				incident := make([]EdgeTuple, 0, len(v.inEdges)+len(v.outEdges))
				for _, t := range v.outEdges {
					incident = append(incident, t)
				}
				inTuples := make([]EdgeTuple, len(v.inEdges))
				copy(inTuples, v.inEdges)
				v.lock.Unlock()

				if len(incident) == 0 && len(inTuples) == 0 {
					break
				}
				for _, t := range incident {
					removed, err := a.deleteEdgeInternal(t.Edge, t.EdgeType, v, t.Vertex)
					if err != nil {
						return nil, nil, err
					}
					if removed {
						deletedEdges = append(deletedEdges, &EdgeAccessor{
							edge: t.Edge, edgeType: t.EdgeType, from: v, to: t.Vertex,
							txn: a.txn, storage: a.storage,
						})
					}
				}
				for _, t := range inTuples {
					removed, err := a.deleteEdgeInternal(t.Edge, t.EdgeType, t.Vertex, v)
					if err != nil {
						return nil, nil, err
					}
					if removed {
						deletedEdges = append(deletedEdges, &EdgeAccessor{
							edge: t.Edge, edgeType: t.EdgeType, from: t.Vertex, to: v,
							txn: a.txn, storage: a.storage,
						})
					}
				}
			}
		}
	}

	var deletedVertices []*VertexAccessor
	for _, va := range vertices {
		v := va.vertex
		v.lock.Lock()
		if !prepareForWrite(a.txn, v.delta) {
			v.lock.Unlock()
			return nil, nil, ErrSerialization
		}
		if v.deleted {
			v.lock.Unlock()
			continue
		}
		if len(v.inEdges) > 0 || len(v.outEdges) > 0 {
			v.lock.Unlock()
			return nil, nil, ErrVertexHasEdges
		}
		recreateVertexDelta(a.txn, v)
		v.deleted = true
		if a.txn.storageMode == ModeAnalytical {
			a.storage.gcFullScanVertices.Store(true)
		}
		v.lock.Unlock()

		a.txn.adjCache.invalidate(v)
		deletedVertices = append(deletedVertices, va)
	}

	return deletedVertices, deletedEdges, nil
}

// EdgeSetFrom re-targets the edge's origin to newFrom. Three locks are
// taken in ascending Gid order with deduplication; every endpoint and
// the edge itself must be alive.
func (a *Accessor) EdgeSetFrom(e *EdgeAccessor, newFrom *VertexAccessor) (*EdgeAccessor, error) {
	return a.retargetEdge(e, newFrom.vertex, e.to, true)
}

// EdgeSetTo re-targets the edge's destination to newTo.
func (a *Accessor) EdgeSetTo(e *EdgeAccessor, newTo *VertexAccessor) (*EdgeAccessor, error) {
	return a.retargetEdge(e, e.from, newTo.vertex, false)
}

// retargetEdge moves one endpoint of the edge. The old adjacency
// entries on both endpoints are removed and symmetric add deltas are
// installed on the new endpoints.
func (a *Accessor) retargetEdge(e *EdgeAccessor, newFrom, newTo *Vertex, changingFrom bool) (*EdgeAccessor, error) {
	if a.txn.MustAbort() {
		return nil, ErrTransactionAborted
	}

	oldFrom, oldTo := e.from, e.to

	locked := dedupVerticesByGid(oldFrom, oldTo, newFrom, newTo)
	for _, v := range locked {
		v.lock.Lock()
	}
	defer func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].lock.Unlock()
		}
	}()

	for _, v := range locked {
		if !prepareForWrite(a.txn, v.delta) {
			return nil, ErrSerialization
		}
		if v.deleted {
			return nil, ErrDeletedObject
		}
	}

	if e.edge.Ptr() != nil {
		obj := e.edge.Ptr()
		obj.lock.Lock()
		defer obj.lock.Unlock()
		if !prepareForWrite(a.txn, obj.delta) {
			return nil, ErrSerialization
		}
		if obj.deleted {
			return nil, ErrDeletedObject
		}
	}

	if !removeEdgeTuple(&oldFrom.outEdges, EdgeTuple{EdgeType: e.edgeType, Vertex: oldTo, Edge: e.edge}) {
		return nil, ErrDeletedObject
	}
	if !removeEdgeTuple(&oldTo.inEdges, EdgeTuple{EdgeType: e.edgeType, Vertex: oldFrom, Edge: e.edge}) {
		return nil, ErrDeletedObject
	}
	adjacencyDelta(a.txn, oldFrom, DeltaAddOutEdge, e.edgeType, oldTo, e.edge)
	adjacencyDelta(a.txn, oldTo, DeltaAddInEdge, e.edgeType, oldFrom, e.edge)

	newFrom.outEdges = append(newFrom.outEdges, EdgeTuple{EdgeType: e.edgeType, Vertex: newTo, Edge: e.edge})
	newTo.inEdges = append(newTo.inEdges, EdgeTuple{EdgeType: e.edgeType, Vertex: newFrom, Edge: e.edge})
	adjacencyDelta(a.txn, newFrom, DeltaRemoveOutEdge, e.edgeType, newTo, e.edge)
	adjacencyDelta(a.txn, newTo, DeltaRemoveInEdge, e.edgeType, newFrom, e.edge)

	for _, v := range locked {
		a.txn.adjCache.invalidate(v)
	}

	return &EdgeAccessor{
		edge:     e.edge,
		edgeType: e.edgeType,
		from:     newFrom,
		to:       newTo,
		txn:      a.txn,
		storage:  a.storage,
	}, nil
}

// dedupVerticesByGid returns the distinct vertices sorted by ascending
// Gid, the lock acquisition order for multi-object operations.
func dedupVerticesByGid(vs ...*Vertex) []*Vertex {
	out := make([]*Vertex, 0, len(vs))
	for _, v := range vs {
		seen := false
		for _, o := range out {
			if o == v {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].gid < out[j].gid })
	return out
}

// lockVertexPair locks two vertices in ascending Gid order, once when
// they coincide.
func lockVertexPair(a, b *Vertex) {
	switch {
	case a == b:
		a.lock.Lock()
	case a.gid < b.gid:
		a.lock.Lock()
		b.lock.Lock()
	default:
		b.lock.Lock()
		a.lock.Lock()
	}
}

// unlockVertexPair releases the pair locked by lockVertexPair.
func unlockVertexPair(a, b *Vertex) {
	if a == b {
		a.lock.Unlock()
		return
	}
	a.lock.Unlock()
	b.lock.Unlock()
}
