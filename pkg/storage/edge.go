package storage

import (
	"sync"
)

// Edge is the owned edge representation, used when properties-on-edges
// is enabled at database creation. When disabled, edges exist only as
// Gids inside adjacency tuples and no Edge objects are allocated.
type Edge struct {
	gid Gid

	lock       sync.RWMutex
	properties PropertyStore
	deleted    bool
	delta      *Delta
}

// Gid returns the edge identifier.
func (e *Edge) Gid() Gid { return e.gid }

// EdgeRef refers to an edge either by Gid (thin variant) or by pointer
// (owned variant). The variant in use is fixed for the life of the
// database by the properties-on-edges configuration.
type EdgeRef struct {
	gid Gid
	ptr *Edge
}

// EdgeRefFromGid builds a thin reference.
func EdgeRefFromGid(gid Gid) EdgeRef { return EdgeRef{gid: gid} }

// EdgeRefFromPtr builds an owned reference.
func EdgeRefFromPtr(e *Edge) EdgeRef { return EdgeRef{ptr: e} }

// Gid returns the referenced edge's identifier for either variant.
func (r EdgeRef) Gid() Gid {
	if r.ptr != nil {
		return r.ptr.gid
	}
	return r.gid
}

// Ptr returns the owned edge object, or nil for the thin variant.
func (r EdgeRef) Ptr() *Edge { return r.ptr }

// edgeLess orders edges by Gid for the edge set.
func edgeLess(a, b *Edge) bool { return a.gid < b.gid }
