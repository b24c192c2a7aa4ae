// Recovery and snapshot orchestration.
//
// On startup with recovery enabled, the newest valid snapshot of the
// newest lineage is loaded, then every WAL file whose timestamp window
// extends past the snapshot is replayed in sequence order. A torn tail
// in the final WAL file discards only the incomplete transaction; a
// missing or corrupt WAL in the middle of the needed range aborts
// startup, because committed state would otherwise be dropped silently.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Durability orchestration errors.
var (
	// ErrRecoveryFailed wraps fatal recovery problems: on-disk
	// corruption, missing WAL segments, constraint rebuild failures.
	ErrRecoveryFailed = errors.New("storage: recovery failed")

	// ErrSnapshotConfigMismatch is returned when a snapshot's
	// properties-on-edges flag disagrees with the running
	// configuration.
	ErrSnapshotConfigMismatch = errors.New("storage: snapshot properties-on-edges setting disagrees with configuration")

	// ErrDurabilityDisabled is returned by CreateSnapshot when the
	// storage has no durability directories.
	ErrDurabilityDisabled = errors.New("storage: durability is disabled")
)

// recoveryInfo carries the counters recovered from disk.
type recoveryInfo struct {
	nextVertexID        uint64
	nextEdgeID          uint64
	nextTimestamp       uint64
	lastCommitTimestamp uint64
}

// walRetryPolicy bounds the append retries; the intervals stay short
// because the engine lock is held across WAL emission.
func walRetryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	return backoff.WithMaxRetries(b, 3)
}

// walAppendWithRetry appends one record, retrying transient I/O errors
// with backoff before giving up.
func (s *Storage) walAppendWithRetry(rec WALRecord) error {
	return backoff.Retry(func() error {
		return s.walFile.AppendRecord(rec)
	}, walRetryPolicy())
}

// moveDurabilityToBackup displaces existing snapshot and WAL files into
// the .backup subtree. Called when durability is on but recovery was
// not requested, so a later startup can still reach the old files.
func (s *Storage) moveDurabilityToBackup() error {
	backupRoot := filepath.Join(s.config.Durability.StorageDirectory, backupDirectory)
	moved := false
	for _, sub := range []struct{ src, name string }{
		{s.snapshotDirPath, snapshotDirectory},
		{s.walDirPath, walDirectory},
	} {
		entries, err := os.ReadDir(sub.src)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("storage: cannot list %s: %w", sub.src, err)
		}
		for _, entry := range entries {
			dstDir := filepath.Join(backupRoot, sub.name)
			if err := os.MkdirAll(dstDir, 0o755); err != nil {
				return fmt.Errorf("storage: cannot create backup directory: %w", err)
			}
			src := filepath.Join(sub.src, entry.Name())
			dst := filepath.Join(dstDir, entry.Name())
			if err := os.Rename(src, dst); err != nil {
				return fmt.Errorf("storage: cannot move %s to backup: %w", src, err)
			}
			moved = true
		}
	}
	if moved {
		s.logger.Warn("recovery was not requested but durability files were found; " +
			"they were moved into the .backup directory to prevent data loss")
	}
	return nil
}

// listSnapshotFiles returns the snapshot paths sorted newest-first by
// the commit timestamp embedded in the file name.
func listSnapshotFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: cannot list snapshots: %w", err)
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".snapshot") {
			continue
		}
		out = append(out, filepath.Join(dir, entry.Name()))
	}
	sort.Slice(out, func(i, j int) bool {
		// Names end in a zero-padded commit timestamp.
		bi, bj := filepath.Base(out[i]), filepath.Base(out[j])
		ti, tj := bi[strings.LastIndex(bi, "_")+1:], bj[strings.LastIndex(bj, "_")+1:]
		if ti != tj {
			return ti > tj
		}
		return bi > bj
	})
	return out, nil
}

// recoverData seeds the storage from the newest valid snapshot plus the
// matching WAL tail. Returns nil info when there was nothing to
// recover.
func (s *Storage) recoverData() (*recoveryInfo, error) {
	log := s.logger.WithField("component", "recovery")

	snapshots, err := listSnapshotFiles(s.snapshotDirPath)
	if err != nil {
		return nil, err
	}

	info := &recoveryInfo{}
	recovered := false
	var snapshotTs uint64
	lineage := ""

	if len(snapshots) > 0 {
		// The newest snapshot file names the lineage being recovered;
		// snapshots of any other UUID are ignored.
		lineage = snapshotFileUUID(snapshots[0])
		var loaded *snapshotData
		for _, path := range snapshots {
			if snapshotFileUUID(path) != lineage {
				log.Infof("ignoring snapshot %s from unrelated lineage", filepath.Base(path))
				continue
			}
			data, err := readSnapshot(path)
			if err != nil {
				log.Warnf("skipping invalid snapshot %s: %v", filepath.Base(path), err)
				continue
			}
			loaded = data
			log.Infof("recovering from snapshot %s", filepath.Base(path))
			break
		}
		if loaded == nil {
			return nil, fmt.Errorf("%w: every snapshot of lineage %s is corrupt", ErrRecoveryFailed, lineage)
		}
		if loaded.propertiesOnEdges != s.config.Items.PropertiesOnEdges {
			return nil, fmt.Errorf("%w (snapshot: %t, configuration: %t)",
				ErrSnapshotConfigMismatch, loaded.propertiesOnEdges, s.config.Items.PropertiesOnEdges)
		}
		if err := s.loadSnapshot(loaded, info); err != nil {
			return nil, err
		}
		snapshotTs = loaded.lastCommitTimestamp
		s.uuid = loaded.uuid
		recovered = true
	}

	walRecovered, err := s.replayWalFiles(lineage, snapshotTs, info, log)
	if err != nil {
		return nil, err
	}
	recovered = recovered || walRecovered

	if !recovered {
		return nil, nil
	}

	if err := s.recoverIndicesAndConstraints(); err != nil {
		return nil, err
	}

	if info.lastCommitTimestamp < snapshotTs {
		info.lastCommitTimestamp = snapshotTs
	}
	if info.nextTimestamp <= info.lastCommitTimestamp {
		info.nextTimestamp = info.lastCommitTimestamp + 1
	}
	// Snapshot loading and WAL replay both raise the id counters past
	// every recovered object.
	info.nextVertexID = s.vertexID.Load()
	info.nextEdgeID = s.edgeID.Load()
	return info, nil
}

// replayWalFiles applies every WAL record with a commit timestamp past
// the snapshot. lineage may be empty when no snapshot was found, in
// which case the first WAL file's UUID defines it.
func (s *Storage) replayWalFiles(lineage string, snapshotTs uint64, info *recoveryInfo, log interface {
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
}) (bool, error) {
	entries, err := os.ReadDir(s.walDirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("storage: cannot list WAL directory: %w", err)
	}

	type walCandidate struct {
		info WalInfo
		path string
	}
	var candidates []walCandidate
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".wal") {
			continue
		}
		path := filepath.Join(s.walDirPath, entry.Name())
		wi, err := ReadWalInfo(path)
		if err != nil {
			log.Warnf("skipping unreadable WAL %s: %v", entry.Name(), err)
			continue
		}
		if lineage == "" {
			// WAL-only recovery: the first readable WAL names the
			// lineage and the storage adopts it.
			lineage = wi.UUID
			s.uuid = wi.UUID
		}
		if wi.UUID != lineage {
			log.Infof("ignoring WAL %s from unrelated lineage", entry.Name())
			continue
		}
		candidates = append(candidates, walCandidate{info: wi, path: path})
	}
	if len(candidates) == 0 {
		return false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].info.Sequence < candidates[j].info.Sequence
	})

	// Keep only the files whose window reaches past the snapshot; an
	// empty current file (no records yet) is harmless either way.
	start := 0
	for start < len(candidates) &&
		candidates[start].info.NumDeltas > 0 &&
		candidates[start].info.LastTimestamp <= snapshotTs {
		start++
	}
	needed := candidates[start:]
	if len(needed) == 0 {
		s.walSeqNum = candidates[len(candidates)-1].info.Sequence + 1
		return false, nil
	}

	// The needed range must be gapless: a missing WAL in the middle
	// means committed state would be dropped silently.
	if start > 0 && needed[0].info.Sequence != candidates[start-1].info.Sequence+1 {
		return false, fmt.Errorf("%w: WAL sequence gap between %d and %d",
			ErrRecoveryFailed, candidates[start-1].info.Sequence, needed[0].info.Sequence)
	}
	for i := 1; i < len(needed); i++ {
		if needed[i].info.Sequence != needed[i-1].info.Sequence+1 {
			return false, fmt.Errorf("%w: WAL sequence gap between %d and %d",
				ErrRecoveryFailed, needed[i-1].info.Sequence, needed[i].info.Sequence)
		}
	}

	applied := false
	for i, cand := range needed {
		_, records, truncated, err := LoadWal(cand.path)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrRecoveryFailed, err)
		}
		isLast := i == len(needed)-1
		if truncated && !isLast {
			return false, fmt.Errorf("%w: WAL %s is corrupt in the middle of the needed range",
				ErrRecoveryFailed, filepath.Base(cand.path))
		}
		if truncated {
			log.Warnf("WAL %s has a torn tail; the incomplete transaction is discarded", filepath.Base(cand.path))
		}

		var pending []WALRecord
		for _, rec := range records {
			if rec.Kind.isSchemaOperation() {
				// Definition records commit on their own; anything the
				// snapshot already contains is skipped.
				if rec.CommitTimestamp > snapshotTs {
					s.applySchemaRecord(rec)
					s.noteTimestamp(info, rec.CommitTimestamp)
					applied = true
				}
				continue
			}
			if rec.Kind == WALTransactionEnd {
				if rec.CommitTimestamp > snapshotTs {
					for _, p := range pending {
						if err := s.applyDataRecord(p); err != nil {
							return false, fmt.Errorf("%w: %v", ErrRecoveryFailed, err)
						}
					}
					s.noteTimestamp(info, rec.CommitTimestamp)
					applied = true
				}
				pending = pending[:0]
				continue
			}
			pending = append(pending, rec)
		}
		// Records without a TRANSACTION_END belong to an unfinished
		// transaction and are dropped here.
	}

	s.walSeqNum = needed[len(needed)-1].info.Sequence + 1
	return applied, nil
}

// noteTimestamp folds a replayed commit timestamp into the recovery
// counters.
func (s *Storage) noteTimestamp(info *recoveryInfo, ts uint64) {
	if ts > info.lastCommitTimestamp {
		info.lastCommitTimestamp = ts
	}
	if ts+1 > info.nextTimestamp {
		info.nextTimestamp = ts + 1
	}
	s.lastCommitTimestamp.Store(info.lastCommitTimestamp)
}

// applySchemaRecord registers a definition change during replay. The
// index and constraint contents are rebuilt after the data is loaded.
func (s *Storage) applySchemaRecord(rec WALRecord) {
	label := s.NameToLabel(rec.Label)
	props := make([]PropertyID, 0, len(rec.Properties))
	for _, p := range rec.Properties {
		props = append(props, s.NameToProperty(p))
	}
	if len(props) == 0 {
		props = append(props, 0)
	}
	switch rec.Kind {
	case WALLabelIndexCreate:
		s.recoveredSchema.labelIndexes[label] = struct{}{}
	case WALLabelIndexDrop:
		delete(s.recoveredSchema.labelIndexes, label)
	case WALLabelPropertyIndexCreate:
		s.recoveredSchema.labelPropertyIndexes[labelPropertyKey{label: label, property: props[0]}] = struct{}{}
	case WALLabelPropertyIndexDrop:
		delete(s.recoveredSchema.labelPropertyIndexes, labelPropertyKey{label: label, property: props[0]})
	case WALExistenceConstraintCreate:
		s.recoveredSchema.existenceConstraints[labelPropertyKey{label: label, property: props[0]}] = struct{}{}
	case WALExistenceConstraintDrop:
		delete(s.recoveredSchema.existenceConstraints, labelPropertyKey{label: label, property: props[0]})
	case WALUniqueConstraintCreate:
		s.recoveredSchema.uniqueConstraints[makeUniqueConstraintKey(label, normalizeProperties(props))] = props
	case WALUniqueConstraintDrop:
		delete(s.recoveredSchema.uniqueConstraints, makeUniqueConstraintKey(label, normalizeProperties(props)))
	}
}

// applyDataRecord applies one committed data record to the storage.
// Replayed objects carry no delta chains: the recovered state is fully
// committed history.
func (s *Storage) applyDataRecord(rec WALRecord) error {
	switch rec.Kind {
	case WALVertexCreate:
		s.vertices.Set(&Vertex{gid: rec.Gid})
		s.raiseVertexID(rec.Gid)

	case WALVertexDelete:
		v, ok := s.vertices.Get(&Vertex{gid: rec.Gid})
		if !ok {
			return fmt.Errorf("vertex %d deleted but never created", rec.Gid)
		}
		if len(v.inEdges) > 0 || len(v.outEdges) > 0 {
			return fmt.Errorf("vertex %d deleted while edges remain", rec.Gid)
		}
		s.vertices.Delete(v)

	case WALVertexAddLabel:
		v, ok := s.vertices.Get(&Vertex{gid: rec.Gid})
		if !ok {
			return fmt.Errorf("label added to missing vertex %d", rec.Gid)
		}
		v.labels = append(v.labels, s.NameToLabel(rec.Name))

	case WALVertexRemoveLabel:
		v, ok := s.vertices.Get(&Vertex{gid: rec.Gid})
		if !ok {
			return fmt.Errorf("label removed from missing vertex %d", rec.Gid)
		}
		v.removeLabel(s.NameToLabel(rec.Name))

	case WALVertexSetProperty:
		v, ok := s.vertices.Get(&Vertex{gid: rec.Gid})
		if !ok {
			return fmt.Errorf("property set on missing vertex %d", rec.Gid)
		}
		v.properties.SetProperty(s.NameToProperty(rec.Name), rec.Value)

	case WALEdgeCreate:
		from, ok := s.vertices.Get(&Vertex{gid: rec.FromGid})
		if !ok {
			return fmt.Errorf("edge %d references missing vertex %d", rec.Gid, rec.FromGid)
		}
		to, ok := s.vertices.Get(&Vertex{gid: rec.ToGid})
		if !ok {
			return fmt.Errorf("edge %d references missing vertex %d", rec.Gid, rec.ToGid)
		}
		edgeType := s.NameToEdgeType(rec.Name)
		ref := EdgeRefFromGid(rec.Gid)
		if s.config.Items.PropertiesOnEdges {
			e := &Edge{gid: rec.Gid}
			s.edges.Set(e)
			ref = EdgeRefFromPtr(e)
		}
		from.outEdges = append(from.outEdges, EdgeTuple{EdgeType: edgeType, Vertex: to, Edge: ref})
		to.inEdges = append(to.inEdges, EdgeTuple{EdgeType: edgeType, Vertex: from, Edge: ref})
		s.edgeCount.Add(1)
		s.raiseEdgeID(rec.Gid)

	case WALEdgeDelete:
		from, ok := s.vertices.Get(&Vertex{gid: rec.FromGid})
		if !ok {
			return fmt.Errorf("edge %d deletion references missing vertex %d", rec.Gid, rec.FromGid)
		}
		to, ok := s.vertices.Get(&Vertex{gid: rec.ToGid})
		if !ok {
			return fmt.Errorf("edge %d deletion references missing vertex %d", rec.Gid, rec.ToGid)
		}
		edgeType := s.NameToEdgeType(rec.Name)
		ref := EdgeRefFromGid(rec.Gid)
		if s.config.Items.PropertiesOnEdges {
			e, ok := s.edges.Get(&Edge{gid: rec.Gid})
			if !ok {
				return fmt.Errorf("edge %d deleted but never created", rec.Gid)
			}
			ref = EdgeRefFromPtr(e)
			s.edges.Delete(e)
		}
		removeEdgeTuple(&from.outEdges, EdgeTuple{EdgeType: edgeType, Vertex: to, Edge: ref})
		removeEdgeTuple(&to.inEdges, EdgeTuple{EdgeType: edgeType, Vertex: from, Edge: ref})
		s.edgeCount.Add(-1)

	case WALEdgeSetProperty:
		if !s.config.Items.PropertiesOnEdges {
			return fmt.Errorf("edge property in WAL but properties on edges are disabled")
		}
		e, ok := s.edges.Get(&Edge{gid: rec.Gid})
		if !ok {
			return fmt.Errorf("property set on missing edge %d", rec.Gid)
		}
		e.properties.SetProperty(s.NameToProperty(rec.Name), rec.Value)

	default:
		return fmt.Errorf("unexpected record kind %d", rec.Kind)
	}
	return nil
}

// raiseVertexID lifts the vertex id counter past gid.
func (s *Storage) raiseVertexID(gid Gid) {
	if uint64(gid)+1 > s.vertexID.Load() {
		s.vertexID.Store(uint64(gid) + 1)
	}
}

// raiseEdgeID lifts the edge id counter past gid.
func (s *Storage) raiseEdgeID(gid Gid) {
	if uint64(gid)+1 > s.edgeID.Load() {
		s.edgeID.Store(uint64(gid) + 1)
	}
}

// loadSnapshot materialises a decoded snapshot into the storage.
func (s *Storage) loadSnapshot(data *snapshotData, info *recoveryInfo) error {
	for _, pair := range data.nameMap {
		s.nameIDMapper.Insert(pair.ID, pair.Name)
	}

	// Owned edges first so adjacency stubs can resolve the pointers.
	edgeByGid := make(map[Gid]*Edge, len(data.edges))
	if data.propertiesOnEdges {
		for _, se := range data.edges {
			e := &Edge{gid: se.gid}
			for _, p := range se.properties {
				e.properties.SetProperty(PropertyID(p.key), p.value)
			}
			s.edges.Set(e)
			edgeByGid[se.gid] = e
			s.raiseEdgeID(se.gid)
		}
	}

	for _, sv := range data.vertices {
		v := &Vertex{gid: sv.gid}
		for _, l := range sv.labels {
			v.labels = append(v.labels, LabelID(l))
		}
		for _, p := range sv.properties {
			v.properties.SetProperty(PropertyID(p.key), p.value)
		}
		s.vertices.Set(v)
		s.raiseVertexID(sv.gid)
	}

	// Wire the adjacency from the out-stubs; the in-side follows from
	// the symmetry invariant.
	for _, sv := range data.vertices {
		if len(sv.outEdges) == 0 {
			continue
		}
		from, ok := s.vertices.Get(&Vertex{gid: sv.gid})
		if !ok {
			return fmt.Errorf("%w: snapshot vertex %d vanished during load", ErrRecoveryFailed, sv.gid)
		}
		for _, stub := range sv.outEdges {
			to, ok := s.vertices.Get(&Vertex{gid: stub.toGid})
			if !ok {
				return fmt.Errorf("%w: snapshot adjacency references missing vertex %d", ErrRecoveryFailed, stub.toGid)
			}
			ref := EdgeRefFromGid(stub.edgeGid)
			if data.propertiesOnEdges {
				e, ok := edgeByGid[stub.edgeGid]
				if !ok {
					return fmt.Errorf("%w: snapshot adjacency references missing edge %d", ErrRecoveryFailed, stub.edgeGid)
				}
				ref = EdgeRefFromPtr(e)
			}
			edgeType := EdgeTypeID(stub.edgeType)
			from.outEdges = append(from.outEdges, EdgeTuple{EdgeType: edgeType, Vertex: to, Edge: ref})
			to.inEdges = append(to.inEdges, EdgeTuple{EdgeType: edgeType, Vertex: from, Edge: ref})
			s.raiseEdgeID(stub.edgeGid)
		}
	}
	s.edgeCount.Store(int64(data.edgeCount))

	for _, l := range data.labelIndexes {
		s.recoveredSchema.labelIndexes[LabelID(l)] = struct{}{}
	}
	for _, lp := range data.labelPropertyIndexes {
		s.recoveredSchema.labelPropertyIndexes[labelPropertyKey{label: LabelID(lp[0]), property: PropertyID(lp[1])}] = struct{}{}
	}
	for _, lp := range data.existenceConstraints {
		s.recoveredSchema.existenceConstraints[labelPropertyKey{label: LabelID(lp[0]), property: PropertyID(lp[1])}] = struct{}{}
	}
	for _, uc := range data.uniqueConstraints {
		props := make([]PropertyID, 0, len(uc.properties))
		for _, p := range uc.properties {
			props = append(props, PropertyID(p))
		}
		props = normalizeProperties(props)
		s.recoveredSchema.uniqueConstraints[makeUniqueConstraintKey(LabelID(uc.label), props)] = props
	}

	info.lastCommitTimestamp = data.lastCommitTimestamp
	if data.lastCommitTimestamp+1 > info.nextTimestamp {
		info.nextTimestamp = data.lastCommitTimestamp + 1
	}
	info.nextVertexID = s.vertexID.Load()
	info.nextEdgeID = s.edgeID.Load()
	return nil
}

// recoverIndicesAndConstraints rebuilds the index and constraint
// contents from the fully loaded object sets.
func (s *Storage) recoverIndicesAndConstraints() error {
	for label := range s.recoveredSchema.labelIndexes {
		s.indices.label.CreateIndex(label, s.vertices)
	}
	for key := range s.recoveredSchema.labelPropertyIndexes {
		s.indices.labelProperty.CreateIndex(key.label, key.property, s.vertices)
	}
	for key := range s.recoveredSchema.existenceConstraints {
		if violation, _ := s.constraints.existence.CreateConstraint(key.label, key.property, s.vertices); violation != nil {
			return fmt.Errorf("%w: recovered data violates an existence constraint: %v", ErrRecoveryFailed, violation)
		}
	}
	for key, props := range s.recoveredSchema.uniqueConstraints {
		status, violation := s.constraints.unique.CreateConstraint(key.label, props, s.vertices)
		if violation != nil {
			return fmt.Errorf("%w: recovered data violates a unique constraint: %v", ErrRecoveryFailed, violation)
		}
		if status != UniqueConstraintSuccess && status != UniqueConstraintAlreadyExists {
			return fmt.Errorf("%w: cannot rebuild unique constraint (status %d)", ErrRecoveryFailed, status)
		}
	}
	return nil
}

// CreateSnapshot writes a snapshot of the current state. A periodic
// snapshot is refused while the storage runs in analytical mode. The
// storage lock is tried shared first (transactional mode), then
// exclusive (analytical mode), alternating up to ten times.
func (s *Storage) CreateSnapshot(isPeriodic bool) error {
	if s.snapshotDirPath == "" {
		return ErrDurabilityDisabled
	}
	s.snapshotMu.Lock()
	defer s.snapshotMu.Unlock()

	tryShared := true
	for tries := 10; tries > 0; tries-- {
		if tryShared {
			s.mainLock.RLock()
			if s.StorageMode() == ModeTransactional {
				err := s.writeSnapshotLocked()
				s.mainLock.RUnlock()
				return err
			}
			s.mainLock.RUnlock()
		} else {
			s.mainLock.Lock()
			if s.StorageMode() == ModeAnalytical {
				if isPeriodic {
					s.mainLock.Unlock()
					return ErrDisabledForAnalyticsPeriodicCommit
				}
				err := s.writeSnapshotLocked()
				s.mainLock.Unlock()
				return err
			}
			s.mainLock.Unlock()
		}
		tryShared = !tryShared
	}
	return ErrSnapshotRetries
}

// writeSnapshotLocked captures and persists the snapshot. Caller holds
// the main lock (shared or exclusive, per storage mode).
func (s *Storage) writeSnapshotLocked() error {
	log := s.logger.WithField("component", "snapshot")
	txn := s.createTransaction(SnapshotIsolation, s.StorageMode())
	defer s.commitLog.MarkFinished(txn.startTimestamp)

	data := buildSnapshotData(s, txn)
	path := filepath.Join(s.snapshotDirPath, snapshotFileName(s.uuid, data.lastCommitTimestamp))

	write := func() error { return writeSnapshot(path, data) }
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	if err := backoff.Retry(write, backoff.WithMaxRetries(b, 3)); err != nil {
		// The previous snapshot stays in place.
		log.Warnf("snapshot write failed: %v", err)
		return fmt.Errorf("storage: snapshot write failed: %w", err)
	}
	log.Infof("wrote snapshot %s", filepath.Base(path))

	s.enforceSnapshotRetention(log)
	return nil
}

// enforceSnapshotRetention deletes the oldest snapshots of the current
// lineage beyond the retention count. Snapshots of other lineages are
// preserved.
func (s *Storage) enforceSnapshotRetention(log interface {
	Warnf(string, ...interface{})
}) {
	paths, err := listSnapshotFiles(s.snapshotDirPath)
	if err != nil {
		log.Warnf("cannot enforce snapshot retention: %v", err)
		return
	}
	var mine []string
	for _, p := range paths {
		if snapshotFileUUID(p) == s.uuid {
			mine = append(mine, p)
		}
	}
	keep := s.config.Durability.SnapshotRetentionCount
	if keep < 1 {
		keep = 1
	}
	for i := keep; i < len(mine); i++ {
		if err := os.Remove(mine[i]); err != nil {
			log.Warnf("cannot remove old snapshot %s: %v", filepath.Base(mine[i]), err)
		}
	}
}
