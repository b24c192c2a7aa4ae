// Write-ahead logging for runedb durability.
//
// A WAL file is a magic-prefixed, versioned sequence of self-framed
// records. Every record frame carries a length prefix and a CRC32 so a
// torn tail is detected and discarded instead of being replayed.
// Finalised files end with a fixed-size footer summarising the commit
// timestamp window, usable without parsing the records.
//
// Inside one file, records are ordered strictly by commit timestamp
// (they are emitted under the engine lock). Within one transaction the
// record order is: vertex creations and vertex data mutations (vertex
// by vertex, each vertex's creation before its own mutations), edge
// creations, edge data mutations, edge deletions, vertex deletions,
// terminated by a TRANSACTION_END marker. A single forward pass can
// therefore rebuild a consistent state without deferring references.
package storage

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/orneryd/runedb/pkg/config"
)

// Common WAL errors.
var (
	ErrWalCorrupted    = errors.New("wal: corrupted record")
	ErrWalBadMagic     = errors.New("wal: bad magic bytes")
	ErrWalBadVersion   = errors.New("wal: unsupported version")
	ErrWalTruncated    = errors.New("wal: truncated file")
	ErrWalNoFooter     = errors.New("wal: missing footer")
	ErrWalRecordTooBig = errors.New("wal: record exceeds size limit")
)

// WAL format constants.
const (
	walVersion uint64 = 1

	// Maximum record size guards recovery against reading a corrupt
	// length prefix as a huge allocation.
	walMaxRecordSize uint32 = 16 * 1024 * 1024

	// walFooterSize is the fixed byte size of the finalisation footer.
	walFooterSize = 4 + 8 + 8 + 8 + 8 + 4
)

var (
	walMagic       = [4]byte{'R', 'D', 'W', 'L'}
	walFooterMagic = [4]byte{'R', 'D', 'W', 'F'}
)

// WALRecordKind tags a WAL record.
type WALRecordKind uint8

// WAL record kinds. The data-manipulation kinds carry the redo image of
// one committed delta; the definition kinds record schema operations.
const (
	WALVertexCreate WALRecordKind = iota + 1
	WALVertexDelete
	WALVertexAddLabel
	WALVertexRemoveLabel
	WALVertexSetProperty
	WALEdgeCreate
	WALEdgeDelete
	WALEdgeSetProperty
	WALTransactionEnd
	WALLabelIndexCreate
	WALLabelIndexDrop
	WALLabelPropertyIndexCreate
	WALLabelPropertyIndexDrop
	WALExistenceConstraintCreate
	WALExistenceConstraintDrop
	WALUniqueConstraintCreate
	WALUniqueConstraintDrop
)

// isSchemaOperation reports whether the kind is a definition record.
func (k WALRecordKind) isSchemaOperation() bool {
	return k >= WALLabelIndexCreate
}

// WALRecord is one decoded WAL record. Field use per kind:
//
//	VertexCreate/VertexDelete:     Gid
//	VertexAddLabel/RemoveLabel:    Gid, Name (label)
//	VertexSetProperty:             Gid, Name (key), Value
//	EdgeCreate/EdgeDelete:         Gid, FromGid, ToGid, Name (edge type)
//	EdgeSetProperty:               Gid, Name (key), Value
//	TransactionEnd:                —
//	schema operations:             Label, Properties
//
// Names are stored as strings so recovery can reseed the interning
// mapper regardless of id assignment order.
type WALRecord struct {
	Kind            WALRecordKind
	CommitTimestamp uint64
	Gid             Gid
	FromGid         Gid
	ToGid           Gid
	Name            string
	Value           PropertyValue
	Label           string
	Properties      []string
}

// encodeWALRecord renders the record payload (without framing).
func encodeWALRecord(rec WALRecord) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(rec.Kind))
	writeUvarint(&buf, rec.CommitTimestamp)
	switch rec.Kind {
	case WALVertexCreate, WALVertexDelete:
		writeUvarint(&buf, uint64(rec.Gid))
	case WALVertexAddLabel, WALVertexRemoveLabel:
		writeUvarint(&buf, uint64(rec.Gid))
		writeString(&buf, rec.Name)
	case WALVertexSetProperty, WALEdgeSetProperty:
		writeUvarint(&buf, uint64(rec.Gid))
		writeString(&buf, rec.Name)
		encodePropertyValue(&buf, rec.Value)
	case WALEdgeCreate, WALEdgeDelete:
		writeUvarint(&buf, uint64(rec.Gid))
		writeUvarint(&buf, uint64(rec.FromGid))
		writeUvarint(&buf, uint64(rec.ToGid))
		writeString(&buf, rec.Name)
	case WALTransactionEnd:
	default:
		writeString(&buf, rec.Label)
		writeUvarint(&buf, uint64(len(rec.Properties)))
		for _, p := range rec.Properties {
			writeString(&buf, p)
		}
	}
	return buf.Bytes()
}

// decodeWALRecord parses one record payload.
func decodeWALRecord(payload []byte) (WALRecord, error) {
	c := newByteCursor(payload)
	rec := WALRecord{Kind: WALRecordKind(c.readByte())}
	rec.CommitTimestamp = c.readUvarint()
	switch rec.Kind {
	case WALVertexCreate, WALVertexDelete:
		rec.Gid = Gid(c.readUvarint())
	case WALVertexAddLabel, WALVertexRemoveLabel:
		rec.Gid = Gid(c.readUvarint())
		rec.Name = c.readString()
	case WALVertexSetProperty, WALEdgeSetProperty:
		rec.Gid = Gid(c.readUvarint())
		rec.Name = c.readString()
		rec.Value = decodePropertyValue(c)
	case WALEdgeCreate, WALEdgeDelete:
		rec.Gid = Gid(c.readUvarint())
		rec.FromGid = Gid(c.readUvarint())
		rec.ToGid = Gid(c.readUvarint())
		rec.Name = c.readString()
	case WALTransactionEnd:
	case WALLabelIndexCreate, WALLabelIndexDrop,
		WALLabelPropertyIndexCreate, WALLabelPropertyIndexDrop,
		WALExistenceConstraintCreate, WALExistenceConstraintDrop,
		WALUniqueConstraintCreate, WALUniqueConstraintDrop:
		rec.Label = c.readString()
		n := c.readUvarint()
		if c.err == nil && n > uint64(c.remaining()) {
			c.err = errCodecShort
		}
		for i := uint64(0); i < n && c.err == nil; i++ {
			rec.Properties = append(rec.Properties, c.readString())
		}
	default:
		return rec, ErrWalCorrupted
	}
	if c.err != nil {
		return rec, ErrWalCorrupted
	}
	return rec, nil
}

// walFile is an open WAL file being written.
type walFile struct {
	path   string
	file   *os.File
	writer *bufio.Writer

	uuid     string
	epoch    string
	sequence uint64

	size         int64
	offsetDeltas uint64
	firstTs      uint64
	lastTs       uint64
	numDeltas    uint64
	haveFirst    bool
}

// walFileName renders the on-disk name; lexical order equals sequence
// order.
func walFileName(sequence uint64) string {
	return fmt.Sprintf("%020d.wal", sequence)
}

// createWalFile opens a fresh WAL file and writes its header.
func createWalFile(dir, dbUUID, epoch string, sequence uint64) (*walFile, error) {
	path := filepath.Join(dir, walFileName(sequence))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: cannot create file: %w", err)
	}

	w := &walFile{
		path:     path,
		file:     file,
		writer:   bufio.NewWriterSize(file, 64*1024),
		uuid:     dbUUID,
		epoch:    epoch,
		sequence: sequence,
	}

	var hdr bytes.Buffer
	hdr.Write(walMagic[:])
	writeU64(&hdr, walVersion)
	writeU64(&hdr, sequence)
	writeString(&hdr, dbUUID)
	writeString(&hdr, epoch)
	if _, err := w.writer.Write(hdr.Bytes()); err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: cannot write header: %w", err)
	}
	w.size = int64(hdr.Len())
	w.offsetDeltas = uint64(hdr.Len())

	if err := syncDir(dir); err != nil {
		file.Close()
		return nil, err
	}
	return w, nil
}

// AppendRecord frames and buffers one record.
func (w *walFile) AppendRecord(rec WALRecord) error {
	payload := encodeWALRecord(rec)
	if uint32(len(payload)) > walMaxRecordSize {
		return ErrWalRecordTooBig
	}

	var frame [8]byte
	binary.LittleEndian.PutUint32(frame[:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:], crc32.ChecksumIEEE(payload))
	if _, err := w.writer.Write(frame[:4]); err != nil {
		return fmt.Errorf("wal: write failed: %w", err)
	}
	if _, err := w.writer.Write(payload); err != nil {
		return fmt.Errorf("wal: write failed: %w", err)
	}
	if _, err := w.writer.Write(frame[4:]); err != nil {
		return fmt.Errorf("wal: write failed: %w", err)
	}

	w.size += int64(8 + len(payload))
	w.numDeltas++
	if !w.haveFirst {
		w.firstTs = rec.CommitTimestamp
		w.haveFirst = true
	}
	w.lastTs = rec.CommitTimestamp
	return nil
}

// Size returns the bytes written so far including buffered data.
func (w *walFile) Size() int64 { return w.size }

// SequenceNumber returns the file's sequence number.
func (w *walFile) SequenceNumber() uint64 { return w.sequence }

// Sync flushes the buffer and fsyncs the file.
func (w *walFile) Sync() error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush failed: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync failed: %w", err)
	}
	return nil
}

// TryFlush drains the in-memory buffer without fsyncing.
func (w *walFile) TryFlush() error {
	return w.writer.Flush()
}

// Finalize appends the footer, syncs and closes the file.
func (w *walFile) Finalize() error {
	var footer bytes.Buffer
	footer.Write(walFooterMagic[:])
	writeU64(&footer, w.firstTs)
	writeU64(&footer, w.lastTs)
	writeU64(&footer, w.numDeltas)
	writeU64(&footer, w.offsetDeltas)
	crc := crc32.ChecksumIEEE(footer.Bytes())
	var crcBytes [4]byte
	binary.LittleEndian.PutUint32(crcBytes[:], crc)
	footer.Write(crcBytes[:])

	if _, err := w.writer.Write(footer.Bytes()); err != nil {
		return fmt.Errorf("wal: cannot write footer: %w", err)
	}
	if err := w.Sync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close failed: %w", err)
	}
	return nil
}

// initializeWalFile opens the current WAL file if the configuration
// asks for one. Caller holds the engine lock. Returns false when WAL
// writing is disabled.
func (s *Storage) initializeWalFile() (bool, error) {
	if s.config.Durability.SnapshotWalMode != config.SnapshotWalModePeriodicSnapshotWithWal {
		return false, nil
	}
	if s.walFile == nil {
		w, err := createWalFile(s.walDirPath, s.uuid, s.epoch, s.walSeqNum)
		if err != nil {
			return false, err
		}
		s.walSeqNum++
		s.walFile = w
	}
	return true, nil
}

// appendWalRecords writes one transaction's records (plus the
// TRANSACTION_END marker for data manipulation) and applies the flush
// and rotation policy. Caller holds the engine lock. Append failures
// are retried with backoff and then logged; a degraded WAL never fails
// the commit itself.
func (s *Storage) appendWalRecords(records []WALRecord, commitTs uint64, dataManipulation bool) error {
	enabled, err := s.initializeWalFile()
	if err != nil {
		s.logger.WithField("component", "wal").Warnf("cannot open WAL file: %v", err)
		return nil
	}
	if !enabled {
		return nil
	}

	for _, rec := range records {
		if err := s.walAppendWithRetry(rec); err != nil {
			s.logger.WithField("component", "wal").Warnf("WAL append failed: %v", err)
			return nil
		}
	}
	if dataManipulation {
		end := WALRecord{Kind: WALTransactionEnd, CommitTimestamp: commitTs}
		if err := s.walAppendWithRetry(end); err != nil {
			s.logger.WithField("component", "wal").Warnf("WAL append failed: %v", err)
			return nil
		}
	}

	s.finalizeWalWrite()
	return nil
}

// finalizeWalWrite applies the flush-every-n-transactions policy and
// rotates the file once it outgrows the configured size. Caller holds
// the engine lock.
func (s *Storage) finalizeWalWrite() {
	s.walUnsyncedTx++
	if s.walUnsyncedTx >= s.config.Durability.WalFileFlushEveryNTx {
		if err := s.walFile.Sync(); err != nil {
			s.logger.WithField("component", "wal").Warnf("WAL sync failed: %v", err)
		}
		s.walUnsyncedTx = 0
	}
	if s.walFile.Size()/1024 >= s.config.Durability.WalFileSizeKibibytes {
		if err := s.walFile.Finalize(); err != nil {
			s.logger.WithField("component", "wal").Warnf("WAL finalize failed: %v", err)
		}
		s.walFile = nil
		s.walUnsyncedTx = 0
	} else if err := s.walFile.TryFlush(); err != nil {
		s.logger.WithField("component", "wal").Warnf("WAL flush failed: %v", err)
	}
}

// buildWALRecords converts a committing transaction's delta buffer into
// redo records in replay-safe order: vertex creations and vertex data
// first (one vertex at a time, its creation before its mutations), then
// edge creations, edge data, edge deletions and finally vertex
// deletions.
//
// Deltas don't carry their owner, so the buffer is traversed once per
// category: for every chain the oldest delta of this transaction is
// located by following next pointers, then the chain segment is walked
// back through prev, emitting the deltas that pass the category filter
// in their original creation order.
func buildWALRecords(s *Storage, txn *Transaction, commitTs uint64) []WALRecord {
	var records []WALRecord
	cell := txn.commitTimestamp.Load()

	findAndApply := func(delta *Delta, emit func(*Delta)) {
		for {
			older := delta.next.Load()
			if older == nil || older.timestamp.Load() != cell {
				break
			}
			delta = older
		}
		for {
			emit(delta)
			prev := delta.prev.get()
			if prev.kind != prevDelta {
				break
			}
			delta = prev.delta
		}
	}

	vertexPass := func(emit func(*Delta, *Vertex)) {
		for _, d := range txn.deltas {
			prev := d.prev.get()
			if prev.kind != prevVertex {
				continue
			}
			findAndApply(d, func(cur *Delta) { emit(cur, prev.vertex) })
		}
	}
	edgePass := func(emit func(*Delta, *Edge)) {
		for _, d := range txn.deltas {
			prev := d.prev.get()
			if prev.kind != prevEdge {
				continue
			}
			findAndApply(d, func(cur *Delta) { emit(cur, prev.edge) })
		}
	}

	// 1. Vertex creations and vertex data mutations.
	vertexPass(func(d *Delta, v *Vertex) {
		switch d.action {
		case DeltaDeleteObject, DeltaDeleteDeserializedObject:
			records = append(records, WALRecord{
				Kind: WALVertexCreate, CommitTimestamp: commitTs, Gid: v.gid,
			})
		case DeltaSetProperty:
			records = append(records, WALRecord{
				Kind: WALVertexSetProperty, CommitTimestamp: commitTs, Gid: v.gid,
				Name:  s.PropertyToName(d.key),
				Value: v.properties.GetProperty(d.key),
			})
		case DeltaAddLabel:
			records = append(records, WALRecord{
				Kind: WALVertexRemoveLabel, CommitTimestamp: commitTs, Gid: v.gid,
				Name: s.LabelToName(d.label),
			})
		case DeltaRemoveLabel:
			records = append(records, WALRecord{
				Kind: WALVertexAddLabel, CommitTimestamp: commitTs, Gid: v.gid,
				Name: s.LabelToName(d.label),
			})
		}
	})

	// 2. Edge creations.
	vertexPass(func(d *Delta, v *Vertex) {
		if d.action != DeltaRemoveOutEdge {
			return
		}
		records = append(records, WALRecord{
			Kind: WALEdgeCreate, CommitTimestamp: commitTs,
			Gid: d.edge.Gid(), FromGid: v.gid, ToGid: d.vertex.gid,
			Name: s.EdgeTypeToName(d.edgeType),
		})
	})

	// 3. Edge data mutations.
	edgePass(func(d *Delta, e *Edge) {
		if d.action != DeltaSetProperty {
			return
		}
		records = append(records, WALRecord{
			Kind: WALEdgeSetProperty, CommitTimestamp: commitTs, Gid: e.gid,
			Name:  s.PropertyToName(d.key),
			Value: e.properties.GetProperty(d.key),
		})
	})

	// 4. Edge deletions.
	vertexPass(func(d *Delta, v *Vertex) {
		if d.action != DeltaAddOutEdge {
			return
		}
		records = append(records, WALRecord{
			Kind: WALEdgeDelete, CommitTimestamp: commitTs,
			Gid: d.edge.Gid(), FromGid: v.gid, ToGid: d.vertex.gid,
			Name: s.EdgeTypeToName(d.edgeType),
		})
	})

	// 5. Vertex deletions.
	vertexPass(func(d *Delta, v *Vertex) {
		if d.action != DeltaRecreateObject {
			return
		}
		records = append(records, WALRecord{
			Kind: WALVertexDelete, CommitTimestamp: commitTs, Gid: v.gid,
		})
	})

	return records
}

// syncDir fsyncs a directory so a file creation or rename inside it is
// durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("wal: cannot open directory for sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("wal: directory sync failed: %w", err)
	}
	return nil
}
