package storage

import (
	"sync"
)

// EdgeTuple is one adjacency entry: the edge type, the vertex on the
// other side and a reference to the edge itself. Entries are removed
// with the swap-with-last idiom; their order carries no meaning.
type EdgeTuple struct {
	EdgeType EdgeTypeID
	Vertex   *Vertex
	Edge     EdgeRef
}

// Vertex is the stored representation of a graph vertex. Mutable state
// (labels, properties, adjacency, deleted, delta) is protected by the
// per-object lock; the delta chain hanging off delta may be read
// lock-free but is modified only under the lock.
type Vertex struct {
	gid Gid

	lock       sync.RWMutex
	labels     []LabelID
	properties PropertyStore
	inEdges    []EdgeTuple
	outEdges   []EdgeTuple
	deleted    bool
	delta      *Delta
}

// Gid returns the vertex identifier.
func (v *Vertex) Gid() Gid { return v.gid }

// hasLabel reports label membership. Caller holds the lock.
func (v *Vertex) hasLabel(label LabelID) bool {
	for _, l := range v.labels {
		if l == label {
			return true
		}
	}
	return false
}

// removeLabel drops label with swap-with-last. Caller holds the lock.
// Reports whether the label was present.
func (v *Vertex) removeLabel(label LabelID) bool {
	for i, l := range v.labels {
		if l == label {
			last := len(v.labels) - 1
			v.labels[i] = v.labels[last]
			v.labels = v.labels[:last]
			return true
		}
	}
	return false
}

// findEdgeTuple returns the index of the matching tuple or -1.
func findEdgeTuple(edges []EdgeTuple, t EdgeTuple) int {
	for i, e := range edges {
		if e == t {
			return i
		}
	}
	return -1
}

// removeEdgeTuple drops the matching tuple with swap-with-last and
// reports whether it was present.
func removeEdgeTuple(edges *[]EdgeTuple, t EdgeTuple) bool {
	i := findEdgeTuple(*edges, t)
	if i < 0 {
		return false
	}
	last := len(*edges) - 1
	(*edges)[i] = (*edges)[last]
	*edges = (*edges)[:last]
	return true
}

// vertexLess orders vertices by Gid for the vertex set.
func vertexLess(a, b *Vertex) bool { return a.gid < b.gid }
