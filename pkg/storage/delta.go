package storage

import (
	"sync/atomic"
)

// DeltaAction tags an undo record. Every delta describes the inverse of
// the forward mutation that created it: applying the delta to the
// current state yields the previous state.
type DeltaAction uint8

// Undo record kinds.
const (
	// DeltaDeleteObject undoes an object creation: a reader that applies
	// it sees the object as absent.
	DeltaDeleteObject DeltaAction = iota
	// DeltaDeleteDeserializedObject is DeltaDeleteObject for objects
	// materialised from durable storage during replica apply.
	DeltaDeleteDeserializedObject
	// DeltaRecreateObject undoes an object deletion.
	DeltaRecreateObject
	// DeltaAddLabel undoes a label removal.
	DeltaAddLabel
	// DeltaRemoveLabel undoes a label addition.
	DeltaRemoveLabel
	// DeltaSetProperty restores the previous value of a property.
	DeltaSetProperty
	// DeltaAddInEdge undoes an in-edge removal.
	DeltaAddInEdge
	// DeltaRemoveInEdge undoes an in-edge addition.
	DeltaRemoveInEdge
	// DeltaAddOutEdge undoes an out-edge removal.
	DeltaAddOutEdge
	// DeltaRemoveOutEdge undoes an out-edge addition.
	DeltaRemoveOutEdge
)

// prevKind discriminates the target of a delta's back pointer.
type prevKind uint8

const (
	prevNil prevKind = iota
	prevVertex
	prevEdge
	prevDelta
)

// prevTarget is the resolved back pointer of a delta: the newer delta in
// the same chain, or the object that owns the chain.
type prevTarget struct {
	kind   prevKind
	vertex *Vertex
	edge   *Edge
	delta  *Delta
}

// previousPtr is a discriminated back pointer {Vertex | Edge | Delta |
// nil}. It is written only under the owning object's lock but may be
// read concurrently, hence the atomic pointer.
type previousPtr struct {
	p atomic.Pointer[prevTarget]
}

func (p *previousPtr) get() prevTarget {
	t := p.p.Load()
	if t == nil {
		return prevTarget{}
	}
	return *t
}

func (p *previousPtr) setVertex(v *Vertex) { p.p.Store(&prevTarget{kind: prevVertex, vertex: v}) }
func (p *previousPtr) setEdge(e *Edge)     { p.p.Store(&prevTarget{kind: prevEdge, edge: e}) }
func (p *previousPtr) setDelta(d *Delta)   { p.p.Store(&prevTarget{kind: prevDelta, delta: d}) }

// Delta is a single undo record in an object's version chain.
//
// The timestamp cell is shared by every delta of one transaction: it
// holds the transaction id while the writer is active and is atomically
// overwritten with the commit timestamp at commit. After an abort it is
// left unchanged and the chain is garbage collected.
//
// next points at the older delta; prev points at the newer delta or at
// the owning object. The chain may be read lock-free, but must only be
// modified under the owning object's lock.
type Delta struct {
	action    DeltaAction
	timestamp *atomic.Uint64

	// Payload; the populated fields depend on action.
	label    LabelID
	key      PropertyID
	value    PropertyValue
	edgeType EdgeTypeID
	vertex   *Vertex
	edge     EdgeRef

	next atomic.Pointer[Delta]
	prev previousPtr
}

// Action returns the delta's kind.
func (d *Delta) Action() DeltaAction { return d.action }

// newDelta allocates a delta carrying the transaction's shared timestamp
// cell and registers it in the transaction's buffer.
func newDelta(txn *Transaction, action DeltaAction) *Delta {
	d := &Delta{action: action, timestamp: txn.commitTimestamp}
	txn.deltas = append(txn.deltas, d)
	return d
}

// createDeleteObjectDelta builds the birth delta for a freshly created
// object. In analytical mode objects carry no chains and nil is
// returned.
func createDeleteObjectDelta(txn *Transaction) *Delta {
	if txn.storageMode == ModeAnalytical {
		return nil
	}
	return newDelta(txn, DeltaDeleteObject)
}

// prepareForWrite checks whether txn may mutate an object whose current
// delta head is head. A head carrying a foreign transaction id, or a
// commit timestamp newer than the transaction's start, means a
// write-write conflict.
func prepareForWrite(txn *Transaction, head *Delta) bool {
	if txn.storageMode == ModeAnalytical {
		return true
	}
	if head == nil {
		return true
	}
	ts := head.timestamp.Load()
	return ts == txn.id || ts < txn.startTimestamp
}

// linkDeltaToVertex pushes d onto v's chain. Caller holds v's lock and
// has verified prepareForWrite.
func linkDeltaToVertex(v *Vertex, d *Delta) {
	if d == nil {
		return
	}
	old := v.delta
	d.next.Store(old)
	d.prev.setVertex(v)
	if old != nil {
		old.prev.setDelta(d)
	}
	v.delta = d
}

// linkDeltaToEdge pushes d onto e's chain. Caller holds e's lock.
func linkDeltaToEdge(e *Edge, d *Delta) {
	if d == nil {
		return
	}
	old := e.delta
	d.next.Store(old)
	d.prev.setEdge(e)
	if old != nil {
		old.prev.setDelta(d)
	}
	e.delta = d
}

// Delta constructors for the vertex-side payloads. Each allocates,
// fills the payload and links the record onto the object's chain in one
// step, mirroring the write protocol: lock, prepare, link, mutate.

func addLabelDelta(txn *Transaction, v *Vertex, label LabelID) {
	if txn.storageMode == ModeAnalytical {
		return
	}
	d := newDelta(txn, DeltaAddLabel)
	d.label = label
	linkDeltaToVertex(v, d)
}

func removeLabelDelta(txn *Transaction, v *Vertex, label LabelID) {
	if txn.storageMode == ModeAnalytical {
		return
	}
	d := newDelta(txn, DeltaRemoveLabel)
	d.label = label
	linkDeltaToVertex(v, d)
}

func setVertexPropertyDelta(txn *Transaction, v *Vertex, key PropertyID, previous PropertyValue) {
	if txn.storageMode == ModeAnalytical {
		return
	}
	d := newDelta(txn, DeltaSetProperty)
	d.key = key
	d.value = previous
	linkDeltaToVertex(v, d)
}

func setEdgePropertyDelta(txn *Transaction, e *Edge, key PropertyID, previous PropertyValue) {
	if txn.storageMode == ModeAnalytical {
		return
	}
	d := newDelta(txn, DeltaSetProperty)
	d.key = key
	d.value = previous
	linkDeltaToEdge(e, d)
}

func recreateVertexDelta(txn *Transaction, v *Vertex) {
	if txn.storageMode == ModeAnalytical {
		return
	}
	d := newDelta(txn, DeltaRecreateObject)
	linkDeltaToVertex(v, d)
}

func recreateEdgeDelta(txn *Transaction, e *Edge) {
	if txn.storageMode == ModeAnalytical {
		return
	}
	d := newDelta(txn, DeltaRecreateObject)
	linkDeltaToEdge(e, d)
}

func adjacencyDelta(txn *Transaction, v *Vertex, action DeltaAction, edgeType EdgeTypeID, other *Vertex, edge EdgeRef) {
	if txn.storageMode == ModeAnalytical {
		return
	}
	d := newDelta(txn, action)
	d.edgeType = edgeType
	d.vertex = other
	d.edge = edge
	linkDeltaToVertex(v, d)
}
