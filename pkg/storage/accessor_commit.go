package storage

// Commit validates constraints, writes the transaction to the WAL and
// publishes its commit timestamp. On a constraint violation the
// transaction is aborted automatically and the violation is returned.
func (a *Accessor) Commit() error {
	return a.commit(nil)
}

// CommitWithTimestamp commits with an externally assigned commit
// timestamp. Only the replication applier uses this; the timestamp
// counter is raised past the desired value.
func (a *Accessor) CommitWithTimestamp(desired uint64) error {
	return a.commit(&desired)
}

func (a *Accessor) commit(desired *uint64) error {
	if !a.active {
		return ErrTransactionAborted
	}
	if a.txn.MustAbort() {
		a.Abort()
		return ErrTransactionAborted
	}

	s := a.storage
	txn := a.txn

	if len(txn.deltas) == 0 {
		// Read-only transaction: nothing to validate or log.
		s.commitLog.MarkFinished(txn.startTimestamp)
		a.finish()
		return nil
	}

	// Existence constraints are validated outside the engine lock: the
	// transaction owns every vertex it modified, nobody else can touch
	// them until the commit timestamp is published.
	for _, v := range transactionModifiedVertices(txn) {
		if violation := s.constraints.existence.Validate(v); violation != nil {
			a.Abort()
			return violation
		}
	}

	var commitTs uint64
	var violation *ConstraintViolation
	var walErr error
	var records []WALRecord

	s.engineLock.Lock()
	commitTs = s.commitTimestamp(desired)

	// Insert the modified vertices into the relevant unique-constraint
	// sets before validating them, then reconstruct the last committed
	// version of any conflicting vertex as of this commit timestamp.
	modified := transactionModifiedVertices(txn)
	for _, v := range modified {
		s.constraints.unique.UpdateBeforeCommit(v, txn)
	}
	for _, v := range modified {
		violation = s.constraints.unique.Validate(v, txn, commitTs)
		if violation != nil {
			break
		}
	}

	if violation == nil {
		// The WAL is written while holding the engine lock so records
		// across transactions are ordered by commit timestamp, and
		// before the commit timestamp is published so no reader can
		// observe state that is not yet on disk.
		if s.ReplicationRole() == RoleMain || desired != nil {
			records = buildWALRecords(s, txn, commitTs)
			walErr = s.appendWalRecords(records, commitTs, true)
		}

		txn.commitTimestamp.Store(commitTs)
		if s.ReplicationRole() == RoleMain || desired != nil {
			s.lastCommitTimestamp.Store(commitTs)
		}
	}
	s.engineLock.Unlock()

	if violation != nil {
		a.Abort()
		// The allocated commit timestamp was never published; mark it
		// finished so it cannot pin the GC frontier.
		s.commitLog.MarkFinished(commitTs)
		return violation
	}

	s.commitLog.MarkFinished(txn.startTimestamp)
	a.finalizeCommit(commitTs)

	if walErr != nil {
		return walErr
	}
	if len(records) > 0 {
		return s.handToReplicationSink(commitTs, records)
	}
	return nil
}

// finalizeCommit marks the commit timestamp finished and hands the
// transaction's delta buffer over to the garbage collector via the
// committed-transactions list.
func (a *Accessor) finalizeCommit(commitTs uint64) {
	s := a.storage
	s.commitLog.MarkFinished(commitTs)
	s.committedMu.Lock()
	s.committedTransactions = append(s.committedTransactions, a.txn)
	s.committedMu.Unlock()
	a.finish()
}

// finish deactivates the accessor and releases the shared storage lock.
func (a *Accessor) finish() {
	if a.active {
		a.active = false
		a.storage.mainLock.RUnlock()
	}
}

// transactionModifiedVertices returns the distinct vertices the
// transaction created deltas on.
func transactionModifiedVertices(txn *Transaction) []*Vertex {
	var out []*Vertex
	seen := make(map[*Vertex]struct{})
	for _, d := range txn.deltas {
		prev := d.prev.get()
		if prev.kind != prevVertex {
			continue
		}
		if _, ok := seen[prev.vertex]; ok {
			continue
		}
		seen[prev.vertex] = struct{}{}
		out = append(out, prev.vertex)
	}
	return out
}

// Abort undoes the transaction's forward mutations by replaying each
// touched object's chain segment, then queues the delta buffer for
// garbage collection.
func (a *Accessor) Abort() {
	if !a.active {
		return
	}
	s := a.storage
	txn := a.txn

	var myDeletedVertices []Gid
	var myDeletedEdges []Gid

	for _, d := range txn.deltas {
		prev := d.prev.get()
		switch prev.kind {
		case prevVertex:
			v := prev.vertex
			v.lock.Lock()
			current := v.delta
			for current != nil && current.timestamp.Load() == txn.id {
				switch current.action {
				case DeltaRemoveLabel:
					v.removeLabel(current.label)
				case DeltaAddLabel:
					v.labels = append(v.labels, current.label)
				case DeltaSetProperty:
					v.properties.SetProperty(current.key, current.value)
				case DeltaAddInEdge:
					v.inEdges = append(v.inEdges, EdgeTuple{
						EdgeType: current.edgeType, Vertex: current.vertex, Edge: current.edge,
					})
				case DeltaAddOutEdge:
					v.outEdges = append(v.outEdges, EdgeTuple{
						EdgeType: current.edgeType, Vertex: current.vertex, Edge: current.edge,
					})
					// The edge-count bookkeeping follows the out-edge
					// deltas only; the in-edge record is redundant.
					s.edgeCount.Add(1)
				case DeltaRemoveInEdge:
					removeEdgeTuple(&v.inEdges, EdgeTuple{
						EdgeType: current.edgeType, Vertex: current.vertex, Edge: current.edge,
					})
				case DeltaRemoveOutEdge:
					removeEdgeTuple(&v.outEdges, EdgeTuple{
						EdgeType: current.edgeType, Vertex: current.vertex, Edge: current.edge,
					})
					s.edgeCount.Add(-1)
				case DeltaDeleteObject, DeltaDeleteDeserializedObject:
					v.deleted = true
					myDeletedVertices = append(myDeletedVertices, v.gid)
				case DeltaRecreateObject:
					v.deleted = false
				}
				current = current.next.Load()
			}
			v.delta = current
			if current != nil {
				current.prev.setVertex(v)
			}
			v.lock.Unlock()

		case prevEdge:
			e := prev.edge
			e.lock.Lock()
			current := e.delta
			for current != nil && current.timestamp.Load() == txn.id {
				switch current.action {
				case DeltaSetProperty:
					e.properties.SetProperty(current.key, current.value)
				case DeltaDeleteObject, DeltaDeleteDeserializedObject:
					e.deleted = true
					myDeletedEdges = append(myDeletedEdges, e.gid)
				case DeltaRecreateObject:
					e.deleted = false
				}
				current = current.next.Load()
			}
			e.delta = current
			if current != nil {
				current.prev.setEdge(e)
			}
			e.lock.Unlock()

		case prevDelta, prevNil:
			// Mid-chain deltas are undone as part of the walk that
			// started at the object they belong to.
		}
	}

	s.engineLock.Lock()
	markTs := s.timestamp
	s.engineLock.Unlock()

	s.garbageMu.Lock()
	s.garbageUndoBuffers = append(s.garbageUndoBuffers, garbageBuffer{
		markTimestamp: markTs,
		deltas:        txn.deltas,
	})
	s.garbageMu.Unlock()
	txn.deltas = nil

	if len(myDeletedVertices) > 0 || len(myDeletedEdges) > 0 {
		s.deletedMu.Lock()
		s.deletedVertices = append(s.deletedVertices, myDeletedVertices...)
		s.deletedEdges = append(s.deletedEdges, myDeletedEdges...)
		s.deletedMu.Unlock()
	}

	s.commitLog.MarkFinished(txn.startTimestamp)
	a.finish()
}
