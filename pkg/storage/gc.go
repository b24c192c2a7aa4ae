package storage

// FreeMemory runs a forced garbage collection pass, reclaiming
// everything reclaimable under the exclusive storage lock.
func (s *Storage) FreeMemory() {
	s.CollectGarbage(true)
}

// CollectGarbage runs one garbage collection pass.
//
// Collection is two-phased: deltas that no transaction can traverse
// anymore are first unlinked from the version chains, then — tagged
// with a mark timestamp — parked until every transaction that might
// still be walking into them has finished, and only then dropped.
//
// A forced pass takes the main storage lock exclusively (no concurrent
// accessors) and reclaims everything; the periodic pass holds it shared
// so index and constraint cleanup never races a schema change. Only one
// pass runs at a time; a pass that cannot take the GC lock returns
// immediately.
func (s *Storage) CollectGarbage(force bool) {
	if force {
		if !s.mainLock.TryLock() {
			// Someone holds the storage exclusively or shared; fall
			// back to a plain pass instead of blocking.
			s.CollectGarbage(false)
			return
		}
		defer s.mainLock.Unlock()
	} else {
		s.mainLock.RLock()
		defer s.mainLock.RUnlock()
	}

	if !s.gcMu.TryLock() {
		return
	}
	defer s.gcMu.Unlock()

	oldestActive := s.commitLog.OldestActive()

	var unlinkedBuffers [][]*Delta

	s.deletedMu.Lock()
	currentDeletedVertices := s.deletedVertices
	currentDeletedEdges := s.deletedEdges
	s.deletedVertices = nil
	s.deletedEdges = nil
	s.deletedMu.Unlock()

	needFullScanVertices := s.gcFullScanVertices.Swap(false)
	needFullScanEdges := s.gcFullScanEdges.Swap(false)

	s.committedMu.Lock()
	haveCommitted := len(s.committedTransactions) > 0
	s.committedMu.Unlock()
	s.garbageMu.Lock()
	haveGarbage := len(s.garbageUndoBuffers) > 0
	s.garbageMu.Unlock()

	runIndexCleanup := haveCommitted || haveGarbage || needFullScanVertices || needFullScanEdges

	for {
		s.committedMu.Lock()
		if len(s.committedTransactions) == 0 {
			s.committedMu.Unlock()
			break
		}
		txn := s.committedTransactions[0]
		s.committedMu.Unlock()

		commitTs := txn.commitTimestamp.Load()
		if commitTs >= oldestActive {
			break
		}

		for _, delta := range txn.deltas {
			s.unlinkDelta(delta, commitTs, &currentDeletedVertices, &currentDeletedEdges)
		}

		s.committedMu.Lock()
		unlinkedBuffers = append(unlinkedBuffers, txn.deltas)
		txn.deltas = nil
		s.committedTransactions = s.committedTransactions[1:]
		s.committedMu.Unlock()
	}

	// With the dead deltas unlinked, refresh the indexes and the
	// unique-constraint sets so none of the vertices queued for removal
	// is still referenced by them.
	if runIndexCleanup {
		s.indices.RemoveObsoleteEntries(oldestActive)
		s.constraints.unique.RemoveObsoleteEntries(oldestActive)
	}

	s.engineLock.Lock()
	markTs := s.timestamp
	s.engineLock.Unlock()

	s.garbageMu.Lock()
	for _, deltas := range unlinkedBuffers {
		s.garbageUndoBuffers = append(s.garbageUndoBuffers, garbageBuffer{
			markTimestamp: markTs,
			deltas:        deltas,
		})
	}
	s.garbageMu.Unlock()

	for _, gid := range currentDeletedVertices {
		s.garbageVertices = append(s.garbageVertices, markedGid{ts: markTs, gid: gid})
	}

	// Free parked undo buffers that no transaction can reach anymore.
	s.garbageMu.Lock()
	if force {
		s.garbageUndoBuffers = nil
	} else {
		i := 0
		for i < len(s.garbageUndoBuffers) && s.garbageUndoBuffers[i].markTimestamp <= oldestActive {
			i++
		}
		s.garbageUndoBuffers = s.garbageUndoBuffers[i:]
	}
	s.garbageMu.Unlock()

	// Remove fully dead vertices from the vertex set. Edges can go
	// immediately: nothing reaches an edge except through a vertex.
	for len(s.garbageVertices) > 0 {
		front := s.garbageVertices[0]
		if !force && front.ts >= oldestActive {
			break
		}
		s.vertices.Delete(&Vertex{gid: front.gid})
		s.garbageVertices = s.garbageVertices[1:]
	}
	for _, gid := range currentDeletedEdges {
		s.edges.Delete(&Edge{gid: gid})
	}

	// Analytical-mode deletions leave no deltas behind; they are found
	// with a full scan over the object sets.
	if needFullScanVertices {
		var dead []*Vertex
		s.vertices.Scan(func(v *Vertex) bool {
			if v.delta == nil && v.deleted {
				dead = append(dead, v)
			}
			return true
		})
		for _, v := range dead {
			s.vertices.Delete(v)
		}
	}
	if needFullScanEdges {
		var dead []*Edge
		s.edges.Scan(func(e *Edge) bool {
			if e.delta == nil && e.deleted {
				dead = append(dead, e)
			}
			return true
		})
		for _, e := range dead {
			s.edges.Delete(e)
		}
	}
}

// unlinkDelta detaches one delta from its version chain. A delta at the
// head of a chain is cleared from the owner under the owner's lock; a
// mid-chain delta is cut by clearing the newer delta's next pointer,
// also under the owner's lock. Concurrent re-linking is handled by
// re-checking the position after taking the lock and retrying.
func (s *Storage) unlinkDelta(delta *Delta, commitTs uint64, deletedVertices *[]Gid, deletedEdges *[]Gid) {
	for {
		prev := delta.prev.get()
		switch prev.kind {
		case prevVertex:
			v := prev.vertex
			v.lock.Lock()
			if v.delta != delta {
				// Re-linked since we resolved the pointer; retry.
				v.lock.Unlock()
				continue
			}
			v.delta = nil
			if v.deleted {
				*deletedVertices = append(*deletedVertices, v.gid)
			}
			v.lock.Unlock()

		case prevEdge:
			e := prev.edge
			e.lock.Lock()
			if e.delta != delta {
				e.lock.Unlock()
				continue
			}
			e.delta = nil
			if e.deleted {
				*deletedEdges = append(*deletedEdges, e.gid)
			}
			e.lock.Unlock()

		case prevDelta:
			if prev.delta.timestamp.Load() == commitTs {
				// The newer delta belongs to the same transaction; the
				// whole suffix is unlinked when its first delta is.
				break
			}
			// Find the object that owns the chain so we can take its
			// lock before cutting the chain.
			parent := prev
			for parent.kind == prevDelta {
				parent = parent.delta.prev.get()
			}
			var unlock func()
			switch parent.kind {
			case prevVertex:
				parent.vertex.lock.Lock()
				unlock = parent.vertex.lock.Unlock
			case prevEdge:
				parent.edge.lock.Lock()
				unlock = parent.edge.lock.Unlock
			default:
				// The owner vanished mid-resolution; retry.
				continue
			}
			if delta.prev.get() != prev {
				// The chain changed while we were resolving the owner;
				// we might be the head now.
				unlock()
				continue
			}
			prev.delta.next.Store(nil)
			unlock()

		case prevNil:
			// Nothing links to this delta.
		}
		break
	}
}
