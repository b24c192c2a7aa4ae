package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/krotik/common/lockutil"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/btree"

	"github.com/orneryd/runedb/pkg/config"
)

// Filesystem layout inside the storage directory.
const (
	snapshotDirectory = "snapshots"
	walDirectory      = "wal"
	backupDirectory   = ".backup"
	lockFileName      = "lock"
)

// lockFileInterval is the watch interval of the storage directory lock
// sentinel.
const lockFileInterval = 500 * time.Millisecond

// ReplicationRole selects between the writable main instance and a
// read-only replica that applies deltas received from main.
type ReplicationRole uint8

// Replication roles.
const (
	RoleMain ReplicationRole = iota
	RoleReplica
)

// ReplicationSink receives the freshly committed records of one
// transaction. It is called after the commit timestamp is published and
// the engine lock is released, before Commit returns; it is not called
// under the engine lock. A sink failure surfaces as
// ErrReplicationFailed but does not roll back the commit.
type ReplicationSink func(commitTimestamp uint64, records []WALRecord) error

// garbageBuffer is an unlinked undo buffer waiting to be freed once no
// transaction can traverse into it.
type garbageBuffer struct {
	markTimestamp uint64
	deltas        []*Delta
}

// markedGid is a deleted object queued for removal from the object set.
type markedGid struct {
	ts  uint64
	gid Gid
}

// recoveredSchema tracks the definition operations replayed during
// recovery.
type recoveredSchema struct {
	labelIndexes         map[LabelID]struct{}
	labelPropertyIndexes map[labelPropertyKey]struct{}
	existenceConstraints map[labelPropertyKey]struct{}
	uniqueConstraints    map[uniqueConstraintKey][]PropertyID
}

func newRecoveredSchema() recoveredSchema {
	return recoveredSchema{
		labelIndexes:         make(map[LabelID]struct{}),
		labelPropertyIndexes: make(map[labelPropertyKey]struct{}),
		existenceConstraints: make(map[labelPropertyKey]struct{}),
		uniqueConstraints:    make(map[uniqueConstraintKey][]PropertyID),
	}
}

// StorageInfo summarises the current contents of the storage.
type StorageInfo struct {
	VertexCount   int
	EdgeCount     int64
	AverageDegree float64
	DiskUsage     int64
}

// Storage owns the vertex and edge sets, the indexes, the constraints,
// the MVCC transaction machinery and the durability state. Construct it
// once with New; the lock file guarantees a single live instance per
// storage directory.
type Storage struct {
	config *config.Config
	logger logrus.FieldLogger

	// mainLock serialises schema changes and forced GC (writers)
	// against accessors, the periodic GC and snapshots (readers).
	mainLock sync.RWMutex

	// engineLock protects the timestamp/transaction-id counters and
	// the commit critical section. Held only for short, I/O-free spans
	// except for WAL emission, which must stay inside it so records
	// are ordered by commit timestamp.
	engineLock sync.Mutex

	vertices *btree.BTreeG[*Vertex]
	edges    *btree.BTreeG[*Edge]

	nameIDMapper *NameIDMapper

	vertexID atomic.Uint64
	edgeID   atomic.Uint64

	// Guarded by engineLock.
	transactionID uint64
	timestamp     uint64

	edgeCount atomic.Int64

	commitLog *CommitLog

	committedMu           sync.Mutex
	committedTransactions []*Transaction

	garbageMu          sync.Mutex
	garbageUndoBuffers []garbageBuffer

	deletedMu       sync.Mutex
	deletedVertices []Gid
	deletedEdges    []Gid

	// gcMu admits one GC pass at a time; garbageVertices is only
	// touched while it is held.
	gcMu            sync.Mutex
	garbageVertices []markedGid

	gcFullScanVertices atomic.Bool
	gcFullScanEdges    atomic.Bool

	indices     *Indices
	constraints *Constraints

	isolationMu      sync.Mutex
	defaultIsolation IsolationLevel
	storageMode      StorageMode

	role atomic.Uint32

	uuid                string
	epoch               string
	lastCommitTimestamp atomic.Uint64

	// WAL state, guarded by engineLock.
	walFile       *walFile
	walSeqNum     uint64
	walUnsyncedTx int

	sinkMu          sync.Mutex
	replicationSink ReplicationSink

	// recoveredSchema accumulates the index and constraint definitions
	// seen during recovery; their contents are rebuilt once the object
	// sets are fully loaded.
	recoveredSchema recoveredSchema

	lockFile *lockutil.LockFile

	snapshotMu      sync.Mutex
	snapshotRunner  *Scheduler
	gcRunner        *Scheduler
	snapshotDirPath string
	walDirPath      string

	closed atomic.Bool
}

// New constructs a storage instance from cfg, performing recovery or
// the move-to-backup protocol as configured, and starts the background
// snapshot and GC schedulers.
func New(cfg *config.Config) (*Storage, error) {
	if cfg == nil {
		cfg = config.LoadDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("storage: invalid configuration: %w", err)
	}

	isolation, err := ParseIsolationLevel(cfg.Transaction.IsolationLevel)
	if err != nil {
		return nil, err
	}
	mode, err := ParseStorageMode(cfg.Transaction.StorageMode)
	if err != nil {
		return nil, err
	}

	s := &Storage{
		config:           cfg,
		logger:           logrus.StandardLogger().WithField("component", "storage"),
		vertices:         btree.NewBTreeG(vertexLess),
		edges:            btree.NewBTreeG(edgeLess),
		nameIDMapper:     NewNameIDMapper(),
		transactionID:    transactionInitialID,
		timestamp:        1,
		indices:          NewIndices(),
		constraints:      NewConstraints(),
		defaultIsolation: isolation,
		storageMode:      mode,
		uuid:             uuid.New().String(),
		epoch:            uuid.New().String(),
		recoveredSchema:  newRecoveredSchema(),
	}

	durabilityEnabled := cfg.Durability.SnapshotWalMode != config.SnapshotWalModeDisabled ||
		cfg.Durability.SnapshotOnExit || cfg.Durability.RecoverOnStartup

	if durabilityEnabled {
		s.snapshotDirPath = filepath.Join(cfg.Durability.StorageDirectory, snapshotDirectory)
		s.walDirPath = filepath.Join(cfg.Durability.StorageDirectory, walDirectory)
		// Create the directories early so permission problems fail the
		// construction instead of the first runtime snapshot.
		for _, dir := range []string{s.snapshotDirPath, s.walDirPath} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("storage: cannot create durability directory %s: %w", dir, err)
			}
		}

		lockPath := filepath.Join(cfg.Durability.StorageDirectory, lockFileName)
		s.lockFile = lockutil.NewLockFile(lockPath, lockFileInterval)
		if err := s.lockFile.Start(); err != nil {
			return nil, fmt.Errorf("storage: cannot acquire lock on storage directory %s "+
				"(is another instance running?): %w", cfg.Durability.StorageDirectory, err)
		}
	}

	if cfg.Durability.RecoverOnStartup {
		info, err := s.recoverData()
		if err != nil {
			s.releaseLockFile()
			return nil, err
		}
		if info != nil {
			s.vertexID.Store(info.nextVertexID)
			s.edgeID.Store(info.nextEdgeID)
			if info.nextTimestamp > s.timestamp {
				s.timestamp = info.nextTimestamp
			}
			s.lastCommitTimestamp.Store(info.lastCommitTimestamp)
		}
	} else if durabilityEnabled {
		if err := s.moveDurabilityToBackup(); err != nil {
			s.releaseLockFile()
			return nil, err
		}
	}

	s.commitLog = NewCommitLog(s.timestamp)

	if cfg.Durability.SnapshotWalMode != config.SnapshotWalModeDisabled {
		s.snapshotRunner = NewScheduler("snapshot", cfg.Durability.SnapshotInterval, func() {
			if err := s.CreateSnapshot(true); err != nil {
				s.logger.WithField("component", "snapshot").Warnf("periodic snapshot failed: %v", err)
			}
		})
		s.snapshotRunner.Start()
	}
	if cfg.Gc.Type == config.GcTypePeriodic {
		s.gcRunner = NewScheduler("gc", cfg.Gc.Interval, func() {
			s.CollectGarbage(false)
		})
		s.gcRunner.Start()
	}

	return s, nil
}

// releaseLockFile stops the lock watcher if one is running.
func (s *Storage) releaseLockFile() {
	if s.lockFile != nil {
		if err := s.lockFile.Finish(); err != nil {
			s.logger.Warnf("releasing storage lock file: %v", err)
		}
		s.lockFile = nil
	}
}

// Close stops the background workers, finalises the WAL, optionally
// writes the exit snapshot and releases the directory lock.
func (s *Storage) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.gcRunner != nil {
		s.gcRunner.Stop()
	}
	if s.snapshotRunner != nil {
		s.snapshotRunner.Stop()
	}

	s.engineLock.Lock()
	if s.walFile != nil {
		if err := s.walFile.Finalize(); err != nil {
			s.logger.Warnf("finalizing WAL on close: %v", err)
		}
		s.walFile = nil
	}
	s.engineLock.Unlock()

	if s.config.Durability.SnapshotOnExit {
		if err := s.CreateSnapshot(false); err != nil {
			s.logger.Warnf("snapshot on exit failed: %v", err)
		}
	}

	s.releaseLockFile()
	return nil
}

// UUID returns the database lineage identifier.
func (s *Storage) UUID() string { return s.uuid }

// Epoch returns the current epoch id.
func (s *Storage) Epoch() string { return s.epoch }

// NameToLabel interns a label name.
func (s *Storage) NameToLabel(name string) LabelID {
	return LabelID(s.nameIDMapper.NameToID(name))
}

// NameToProperty interns a property key.
func (s *Storage) NameToProperty(name string) PropertyID {
	return PropertyID(s.nameIDMapper.NameToID(name))
}

// NameToEdgeType interns an edge type name.
func (s *Storage) NameToEdgeType(name string) EdgeTypeID {
	return EdgeTypeID(s.nameIDMapper.NameToID(name))
}

// LabelToName resolves a label id.
func (s *Storage) LabelToName(id LabelID) string {
	return s.nameIDMapper.IDToName(uint64(id))
}

// PropertyToName resolves a property id.
func (s *Storage) PropertyToName(id PropertyID) string {
	return s.nameIDMapper.IDToName(uint64(id))
}

// EdgeTypeToName resolves an edge type id.
func (s *Storage) EdgeTypeToName(id EdgeTypeID) string {
	return s.nameIDMapper.IDToName(uint64(id))
}

// SetReplicationRole switches between main and replica behaviour.
func (s *Storage) SetReplicationRole(role ReplicationRole) {
	s.role.Store(uint32(role))
}

// ReplicationRole returns the current role.
func (s *Storage) ReplicationRole() ReplicationRole {
	return ReplicationRole(s.role.Load())
}

// SetReplicationSink registers the commit hand-off hook. Pass nil to
// unregister.
func (s *Storage) SetReplicationSink(sink ReplicationSink) {
	s.sinkMu.Lock()
	s.replicationSink = sink
	s.sinkMu.Unlock()
}

// SetIsolationLevel changes the default isolation level for new
// transactions. Refused while the storage runs in analytical mode.
func (s *Storage) SetIsolationLevel(level IsolationLevel) error {
	s.isolationMu.Lock()
	defer s.isolationMu.Unlock()
	if s.storageMode == ModeAnalytical {
		return ErrIsolationLevelLocked
	}
	s.defaultIsolation = level
	return nil
}

// IsolationLevel returns the default isolation level.
func (s *Storage) IsolationLevel() IsolationLevel {
	s.isolationMu.Lock()
	defer s.isolationMu.Unlock()
	return s.defaultIsolation
}

// SetStorageMode switches between transactional and analytical
// operation. The switch runs a full garbage collection under the
// exclusive storage lock so no open transaction straddles both modes.
func (s *Storage) SetStorageMode(mode StorageMode) {
	s.mainLock.Lock()
	s.isolationMu.Lock()
	changed := s.storageMode != mode
	s.storageMode = mode
	s.isolationMu.Unlock()
	s.mainLock.Unlock()
	if changed {
		s.CollectGarbage(true)
	}
}

// StorageMode returns the current mode.
func (s *Storage) StorageMode() StorageMode {
	s.isolationMu.Lock()
	defer s.isolationMu.Unlock()
	return s.storageMode
}

// createTransaction assigns the transaction id and start timestamp
// under the engine lock. Replicas take the current timestamp counter
// without advancing it so they preserve snapshot isolation against any
// main-side write.
func (s *Storage) createTransaction(isolation IsolationLevel, mode StorageMode) *Transaction {
	s.engineLock.Lock()
	id := s.transactionID
	s.transactionID++
	var start uint64
	if s.ReplicationRole() == RoleReplica {
		start = s.timestamp
	} else {
		start = s.timestamp
		s.timestamp++
	}
	s.engineLock.Unlock()
	return newTransaction(id, start, isolation, mode)
}

// commitTimestamp allocates the next commit timestamp, or registers a
// desired one from replica apply and raises the counter past it.
// Caller holds the engine lock.
func (s *Storage) commitTimestamp(desired *uint64) uint64 {
	if desired == nil {
		ts := s.timestamp
		s.timestamp++
		return ts
	}
	if *desired+1 > s.timestamp {
		s.timestamp = *desired + 1
	}
	return *desired
}

// Access opens an accessor with the storage's default isolation level.
func (s *Storage) Access() *Accessor {
	return s.AccessWithIsolation(s.IsolationLevel())
}

// AccessWithIsolation opens an accessor running at the given level.
// The accessor holds the main storage lock shared until Commit or
// Abort, so schema operations never interleave with a delta-chain walk.
func (s *Storage) AccessWithIsolation(isolation IsolationLevel) *Accessor {
	s.mainLock.RLock()
	mode := s.StorageMode()
	txn := s.createTransaction(isolation, mode)
	return &Accessor{
		storage:           s,
		txn:               txn,
		propertiesOnEdges: s.config.Items.PropertiesOnEdges,
		active:            true,
	}
}

// Info returns storage counters.
func (s *Storage) Info() StorageInfo {
	vertexCount := s.vertices.Len()
	edgeCount := s.edgeCount.Load()
	var avg float64
	if vertexCount > 0 {
		avg = 2.0 * float64(edgeCount) / float64(vertexCount)
	}
	var diskUsage int64
	if s.config.Durability.StorageDirectory != "" {
		diskUsage = dirSize(s.config.Durability.StorageDirectory)
	}
	return StorageInfo{
		VertexCount:   vertexCount,
		EdgeCount:     edgeCount,
		AverageDegree: avg,
		DiskUsage:     diskUsage,
	}
}

// dirSize sums file sizes below root; best effort.
func dirSize(root string) int64 {
	var total int64
	_ = filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err == nil && info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// EstablishNewEpoch finalises the current WAL file and rotates the
// epoch id. Called on role or identity changes.
func (s *Storage) EstablishNewEpoch() {
	s.engineLock.Lock()
	defer s.engineLock.Unlock()
	if s.walFile != nil {
		if err := s.walFile.Finalize(); err != nil {
			s.logger.Warnf("finalizing WAL for epoch change: %v", err)
		}
		s.walFile = nil
	}
	s.epoch = uuid.New().String()
}

// ParseIsolationLevel converts the configuration spelling.
func ParseIsolationLevel(v string) (IsolationLevel, error) {
	switch v {
	case "", "SNAPSHOT_ISOLATION":
		return SnapshotIsolation, nil
	case "READ_COMMITTED":
		return ReadCommitted, nil
	case "READ_UNCOMMITTED":
		return ReadUncommitted, nil
	}
	return SnapshotIsolation, fmt.Errorf("storage: unknown isolation level %q", v)
}

// ParseStorageMode converts the configuration spelling.
func ParseStorageMode(v string) (StorageMode, error) {
	switch v {
	case "", "IN_MEMORY_TRANSACTIONAL":
		return ModeTransactional, nil
	case "IN_MEMORY_ANALYTICAL":
		return ModeAnalytical, nil
	}
	return ModeTransactional, fmt.Errorf("storage: unknown storage mode %q", v)
}

// Schema operations. Each takes the main storage lock exclusively so
// index and constraint structures are never modified while a delta
// chain is being walked, then writes the definition to the WAL under
// its own commit timestamp.

// CreateLabelIndex builds a label index. Returns false if it existed.
func (s *Storage) CreateLabelIndex(label LabelID) (bool, error) {
	s.mainLock.Lock()
	defer s.mainLock.Unlock()
	if !s.indices.label.CreateIndex(label, s.vertices) {
		return false, nil
	}
	return true, s.appendSchemaOperation(WALLabelIndexCreate, label, nil)
}

// DropLabelIndex drops a label index. Returns false if absent.
func (s *Storage) DropLabelIndex(label LabelID) (bool, error) {
	s.mainLock.Lock()
	defer s.mainLock.Unlock()
	if !s.indices.label.DropIndex(label) {
		return false, nil
	}
	return true, s.appendSchemaOperation(WALLabelIndexDrop, label, nil)
}

// CreateLabelPropertyIndex builds a (label, property) index.
func (s *Storage) CreateLabelPropertyIndex(label LabelID, property PropertyID) (bool, error) {
	s.mainLock.Lock()
	defer s.mainLock.Unlock()
	if !s.indices.labelProperty.CreateIndex(label, property, s.vertices) {
		return false, nil
	}
	return true, s.appendSchemaOperation(WALLabelPropertyIndexCreate, label, []PropertyID{property})
}

// DropLabelPropertyIndex drops a (label, property) index.
func (s *Storage) DropLabelPropertyIndex(label LabelID, property PropertyID) (bool, error) {
	s.mainLock.Lock()
	defer s.mainLock.Unlock()
	if !s.indices.labelProperty.DropIndex(label, property) {
		return false, nil
	}
	return true, s.appendSchemaOperation(WALLabelPropertyIndexDrop, label, []PropertyID{property})
}

// CreateExistenceConstraint registers an existence constraint after
// validating it against every vertex.
func (s *Storage) CreateExistenceConstraint(label LabelID, property PropertyID) (bool, error) {
	s.mainLock.Lock()
	defer s.mainLock.Unlock()
	violation, created := s.constraints.existence.CreateConstraint(label, property, s.vertices)
	if violation != nil {
		return false, violation
	}
	if !created {
		return false, nil
	}
	return true, s.appendSchemaOperation(WALExistenceConstraintCreate, label, []PropertyID{property})
}

// DropExistenceConstraint removes an existence constraint.
func (s *Storage) DropExistenceConstraint(label LabelID, property PropertyID) (bool, error) {
	s.mainLock.Lock()
	defer s.mainLock.Unlock()
	if !s.constraints.existence.DropConstraint(label, property) {
		return false, nil
	}
	return true, s.appendSchemaOperation(WALExistenceConstraintDrop, label, []PropertyID{property})
}

// CreateUniqueConstraint registers a unique constraint after scanning
// every vertex for duplicates.
func (s *Storage) CreateUniqueConstraint(label LabelID, properties []PropertyID) (UniqueConstraintStatus, error) {
	s.mainLock.Lock()
	defer s.mainLock.Unlock()
	status, violation := s.constraints.unique.CreateConstraint(label, properties, s.vertices)
	if violation != nil {
		return status, violation
	}
	if status != UniqueConstraintSuccess {
		return status, nil
	}
	return status, s.appendSchemaOperation(WALUniqueConstraintCreate, label, normalizeProperties(properties))
}

// DropUniqueConstraint removes a unique constraint.
func (s *Storage) DropUniqueConstraint(label LabelID, properties []PropertyID) (UniqueConstraintStatus, error) {
	s.mainLock.Lock()
	defer s.mainLock.Unlock()
	status := s.constraints.unique.DropConstraint(label, properties)
	if status != UniqueConstraintSuccess {
		return status, nil
	}
	return status, s.appendSchemaOperation(WALUniqueConstraintDrop, label, normalizeProperties(properties))
}

// LabelIndexExists reports whether label is indexed.
func (s *Storage) LabelIndexExists(label LabelID) bool {
	return s.indices.label.IndexExists(label)
}

// LabelPropertyIndexExists reports whether (label, property) is
// indexed.
func (s *Storage) LabelPropertyIndexExists(label LabelID, property PropertyID) bool {
	return s.indices.labelProperty.IndexExists(label, property)
}

// appendSchemaOperation allocates a commit timestamp for a definition
// change, writes it to the WAL and hands it to the replication sink.
func (s *Storage) appendSchemaOperation(kind WALRecordKind, label LabelID, properties []PropertyID) error {
	s.engineLock.Lock()
	ts := s.commitTimestamp(nil)
	rec := WALRecord{
		Kind:            kind,
		CommitTimestamp: ts,
		Label:           s.LabelToName(label),
	}
	for _, p := range properties {
		rec.Properties = append(rec.Properties, s.PropertyToName(p))
	}
	err := s.appendWalRecords([]WALRecord{rec}, ts, false)
	s.lastCommitTimestamp.Store(ts)
	s.engineLock.Unlock()

	s.commitLog.MarkFinished(ts)
	if err != nil {
		return err
	}
	return s.handToReplicationSink(ts, []WALRecord{rec})
}

// handToReplicationSink forwards records to the registered sink.
func (s *Storage) handToReplicationSink(commitTs uint64, records []WALRecord) error {
	s.sinkMu.Lock()
	sink := s.replicationSink
	s.sinkMu.Unlock()
	if sink == nil {
		return nil
	}
	if err := sink(commitTs, records); err != nil {
		return fmt.Errorf("%w: %v", ErrReplicationFailed, err)
	}
	return nil
}
