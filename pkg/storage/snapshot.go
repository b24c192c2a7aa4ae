// Snapshot format for runedb durability.
//
// A snapshot is a self-contained binary image of the whole graph plus
// schema: a valid snapshot alone reconstructs a fully working database
// as of its commit timestamp. The layout is
//
//	magic(4) · version(u64) · header{uuid, epoch, last_commit_ts,
//	properties_on_edges} · sections · offset table · crc(u32) ·
//	footer magic(4)
//
// Sections each start with a type-marker byte; their offsets are listed
// in the trailing offset table. Vertices are emitted in Gid order; the
// CRC covers every byte before it.
package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Common snapshot errors.
var (
	ErrSnapshotBadMagic   = errors.New("snapshot: bad magic bytes")
	ErrSnapshotBadVersion = errors.New("snapshot: unsupported version")
	ErrSnapshotCorrupted  = errors.New("snapshot: corrupted file")
	ErrSnapshotBadCrc     = errors.New("snapshot: checksum mismatch")
)

// Snapshot format constants.
const snapshotVersion uint64 = 1

var (
	snapshotMagic       = [4]byte{'R', 'D', 'S', 'N'}
	snapshotFooterMagic = [4]byte{'R', 'D', 'S', 'F'}
)

// Section type markers.
const (
	snapshotSectionNameIDMap byte = 0x01
	snapshotSectionSchema    byte = 0x02
	snapshotSectionVertices  byte = 0x03
	snapshotSectionEdges     byte = 0x04
	snapshotSectionOffsets   byte = 0x05
)

// snapshotEdgeStub is one out-adjacency entry of a vertex record. The
// in-adjacency is reconstructed from the symmetric side at load time.
type snapshotEdgeStub struct {
	edgeType uint64
	toGid    Gid
	edgeGid  Gid
}

// snapshotVertex is one decoded vertex record.
type snapshotVertex struct {
	gid        Gid
	labels     []uint64
	properties []snapshotProperty
	outEdges   []snapshotEdgeStub
}

// snapshotProperty is one (key id, value) pair.
type snapshotProperty struct {
	key   uint64
	value PropertyValue
}

// snapshotEdge is one decoded owned-edge record.
type snapshotEdge struct {
	gid        Gid
	properties []snapshotProperty
}

// snapshotUniqueConstraint describes one unique constraint.
type snapshotUniqueConstraint struct {
	label      uint64
	properties []uint64
}

// snapshotData is the fully decoded content of a snapshot file.
type snapshotData struct {
	uuid                string
	epoch               string
	lastCommitTimestamp uint64
	propertiesOnEdges   bool

	nameMap []NameIDPair

	labelIndexes         []uint64
	labelPropertyIndexes [][2]uint64
	existenceConstraints [][2]uint64
	uniqueConstraints    []snapshotUniqueConstraint

	vertices  []snapshotVertex
	edges     []snapshotEdge
	edgeCount uint64
}

// snapshotFileName renders the on-disk name. The database UUID leads so
// retention can distinguish lineages; the commit timestamp orders the
// files newest-last lexically.
func snapshotFileName(dbUUID string, lastCommitTs uint64) string {
	return fmt.Sprintf("%s_%020d.snapshot", dbUUID, lastCommitTs)
}

// snapshotFileUUID extracts the lineage UUID from a snapshot file name.
func snapshotFileUUID(name string) string {
	base := filepath.Base(name)
	idx := strings.LastIndex(base, "_")
	if idx < 0 {
		return ""
	}
	return base[:idx]
}

// writeSnapshot encodes data and writes it durably to path via a
// temporary file and rename.
func writeSnapshot(path string, data *snapshotData) error {
	var buf bytes.Buffer
	buf.Write(snapshotMagic[:])
	writeU64(&buf, snapshotVersion)
	writeString(&buf, data.uuid)
	writeString(&buf, data.epoch)
	writeU64(&buf, data.lastCommitTimestamp)
	if data.propertiesOnEdges {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}

	offsets := make(map[byte]uint64)

	// Name-id map.
	offsets[snapshotSectionNameIDMap] = uint64(buf.Len())
	buf.WriteByte(snapshotSectionNameIDMap)
	writeUvarint(&buf, uint64(len(data.nameMap)))
	for _, pair := range data.nameMap {
		writeUvarint(&buf, pair.ID)
		writeString(&buf, pair.Name)
	}

	// Index and constraint descriptors.
	offsets[snapshotSectionSchema] = uint64(buf.Len())
	buf.WriteByte(snapshotSectionSchema)
	writeUvarint(&buf, uint64(len(data.labelIndexes)))
	for _, label := range data.labelIndexes {
		writeUvarint(&buf, label)
	}
	writeUvarint(&buf, uint64(len(data.labelPropertyIndexes)))
	for _, lp := range data.labelPropertyIndexes {
		writeUvarint(&buf, lp[0])
		writeUvarint(&buf, lp[1])
	}
	writeUvarint(&buf, uint64(len(data.existenceConstraints)))
	for _, lp := range data.existenceConstraints {
		writeUvarint(&buf, lp[0])
		writeUvarint(&buf, lp[1])
	}
	writeUvarint(&buf, uint64(len(data.uniqueConstraints)))
	for _, uc := range data.uniqueConstraints {
		writeUvarint(&buf, uc.label)
		writeUvarint(&buf, uint64(len(uc.properties)))
		for _, p := range uc.properties {
			writeUvarint(&buf, p)
		}
	}

	// Vertices, in Gid order.
	offsets[snapshotSectionVertices] = uint64(buf.Len())
	buf.WriteByte(snapshotSectionVertices)
	writeUvarint(&buf, uint64(len(data.vertices)))
	for _, v := range data.vertices {
		writeUvarint(&buf, uint64(v.gid))
		writeUvarint(&buf, uint64(len(v.labels)))
		for _, l := range v.labels {
			writeUvarint(&buf, l)
		}
		writeUvarint(&buf, uint64(len(v.properties)))
		for _, p := range v.properties {
			writeUvarint(&buf, p.key)
			encodePropertyValue(&buf, p.value)
		}
		writeUvarint(&buf, uint64(len(v.outEdges)))
		for _, e := range v.outEdges {
			writeUvarint(&buf, e.edgeType)
			writeUvarint(&buf, uint64(e.toGid))
			writeUvarint(&buf, uint64(e.edgeGid))
		}
	}

	// Edges (owned variant only) and the edge count.
	offsets[snapshotSectionEdges] = uint64(buf.Len())
	buf.WriteByte(snapshotSectionEdges)
	writeU64(&buf, data.edgeCount)
	writeUvarint(&buf, uint64(len(data.edges)))
	for _, e := range data.edges {
		writeUvarint(&buf, uint64(e.gid))
		writeUvarint(&buf, uint64(len(e.properties)))
		for _, p := range e.properties {
			writeUvarint(&buf, p.key)
			encodePropertyValue(&buf, p.value)
		}
	}

	// Offset table, CRC, footer.
	buf.WriteByte(snapshotSectionOffsets)
	markers := make([]byte, 0, len(offsets))
	for marker := range offsets {
		markers = append(markers, marker)
	}
	sort.Slice(markers, func(i, j int) bool { return markers[i] < markers[j] })
	writeUvarint(&buf, uint64(len(markers)))
	for _, marker := range markers {
		buf.WriteByte(marker)
		writeU64(&buf, offsets[marker])
	}

	crc := crc32.ChecksumIEEE(buf.Bytes())
	var crcBytes [4]byte
	binary.LittleEndian.PutUint32(crcBytes[:], crc)
	buf.Write(crcBytes[:])
	buf.Write(snapshotFooterMagic[:])

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("snapshot: cannot write %s: %w", tmp, err)
	}
	f, err := os.Open(tmp)
	if err != nil {
		return fmt.Errorf("snapshot: cannot reopen %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("snapshot: fsync failed: %w", err)
	}
	f.Close()
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("snapshot: rename failed: %w", err)
	}
	return syncDir(filepath.Dir(path))
}

// verifySnapshot checks magic, version, footer and CRC without
// materialising the content. Used by recovery to pick the newest valid
// snapshot.
func verifySnapshot(data []byte) error {
	if len(data) < 4+8+4+4 {
		return ErrSnapshotCorrupted
	}
	if !bytes.Equal(data[:4], snapshotMagic[:]) {
		return ErrSnapshotBadMagic
	}
	if !bytes.Equal(data[len(data)-4:], snapshotFooterMagic[:]) {
		return ErrSnapshotCorrupted
	}
	crcPos := len(data) - 8
	want := binary.LittleEndian.Uint32(data[crcPos:])
	if crc32.ChecksumIEEE(data[:crcPos]) != want {
		return ErrSnapshotBadCrc
	}
	return nil
}

// VerifySnapshotFile checks a snapshot file's framing and CRC without
// decoding its content.
func VerifySnapshotFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("snapshot: cannot read %s: %w", path, err)
	}
	return verifySnapshot(raw)
}

// readSnapshot loads and fully decodes a snapshot file, verifying the
// CRC first.
func readSnapshot(path string) (*snapshotData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: cannot read %s: %w", path, err)
	}
	if err := verifySnapshot(raw); err != nil {
		return nil, fmt.Errorf("%w (%s)", err, path)
	}

	c := newByteCursor(raw[4:])
	version := c.readU64()
	if version != snapshotVersion {
		return nil, fmt.Errorf("%w: %d (%s)", ErrSnapshotBadVersion, version, path)
	}

	out := &snapshotData{}
	out.uuid = c.readString()
	out.epoch = c.readString()
	out.lastCommitTimestamp = c.readU64()
	out.propertiesOnEdges = c.readByte() != 0

	readProps := func() []snapshotProperty {
		n := c.readUvarint()
		props := make([]snapshotProperty, 0, n)
		for i := uint64(0); i < n && c.err == nil; i++ {
			key := c.readUvarint()
			value := decodePropertyValue(c)
			props = append(props, snapshotProperty{key: key, value: value})
		}
		return props
	}

	if marker := c.readByte(); marker != snapshotSectionNameIDMap {
		return nil, fmt.Errorf("%w: unexpected section %#x (%s)", ErrSnapshotCorrupted, marker, path)
	}
	nameCount := c.readUvarint()
	for i := uint64(0); i < nameCount && c.err == nil; i++ {
		id := c.readUvarint()
		name := c.readString()
		out.nameMap = append(out.nameMap, NameIDPair{ID: id, Name: name})
	}

	if marker := c.readByte(); marker != snapshotSectionSchema {
		return nil, fmt.Errorf("%w: unexpected section %#x (%s)", ErrSnapshotCorrupted, marker, path)
	}
	n := c.readUvarint()
	for i := uint64(0); i < n && c.err == nil; i++ {
		out.labelIndexes = append(out.labelIndexes, c.readUvarint())
	}
	n = c.readUvarint()
	for i := uint64(0); i < n && c.err == nil; i++ {
		out.labelPropertyIndexes = append(out.labelPropertyIndexes, [2]uint64{c.readUvarint(), c.readUvarint()})
	}
	n = c.readUvarint()
	for i := uint64(0); i < n && c.err == nil; i++ {
		out.existenceConstraints = append(out.existenceConstraints, [2]uint64{c.readUvarint(), c.readUvarint()})
	}
	n = c.readUvarint()
	for i := uint64(0); i < n && c.err == nil; i++ {
		uc := snapshotUniqueConstraint{label: c.readUvarint()}
		pn := c.readUvarint()
		for j := uint64(0); j < pn && c.err == nil; j++ {
			uc.properties = append(uc.properties, c.readUvarint())
		}
		out.uniqueConstraints = append(out.uniqueConstraints, uc)
	}

	if marker := c.readByte(); marker != snapshotSectionVertices {
		return nil, fmt.Errorf("%w: unexpected section %#x (%s)", ErrSnapshotCorrupted, marker, path)
	}
	vertexCount := c.readUvarint()
	for i := uint64(0); i < vertexCount && c.err == nil; i++ {
		v := snapshotVertex{gid: Gid(c.readUvarint())}
		ln := c.readUvarint()
		for j := uint64(0); j < ln && c.err == nil; j++ {
			v.labels = append(v.labels, c.readUvarint())
		}
		v.properties = readProps()
		en := c.readUvarint()
		for j := uint64(0); j < en && c.err == nil; j++ {
			v.outEdges = append(v.outEdges, snapshotEdgeStub{
				edgeType: c.readUvarint(),
				toGid:    Gid(c.readUvarint()),
				edgeGid:  Gid(c.readUvarint()),
			})
		}
		out.vertices = append(out.vertices, v)
	}

	if marker := c.readByte(); marker != snapshotSectionEdges {
		return nil, fmt.Errorf("%w: unexpected section %#x (%s)", ErrSnapshotCorrupted, marker, path)
	}
	out.edgeCount = c.readU64()
	edgeCountRecords := c.readUvarint()
	for i := uint64(0); i < edgeCountRecords && c.err == nil; i++ {
		e := snapshotEdge{gid: Gid(c.readUvarint())}
		e.properties = readProps()
		out.edges = append(out.edges, e)
	}

	if c.err != nil {
		return nil, fmt.Errorf("%w (%s)", ErrSnapshotCorrupted, path)
	}
	return out, nil
}

// buildSnapshotData captures the storage content visible to the
// snapshot transaction. The transaction runs under snapshot isolation,
// so concurrent commits after its start timestamp are invisible.
func buildSnapshotData(s *Storage, txn *Transaction) *snapshotData {
	// Everything committed strictly before the snapshot transaction's
	// start timestamp is visible to it, and commits are published under
	// the engine lock before the start timestamp is allocated. The
	// header therefore records start-1: recovery replays exactly the
	// WAL records the snapshot cannot contain.
	data := &snapshotData{
		uuid:                s.uuid,
		epoch:               s.epoch,
		lastCommitTimestamp: txn.startTimestamp - 1,
		propertiesOnEdges:   s.config.Items.PropertiesOnEdges,
		nameMap:             s.nameIDMapper.All(),
	}

	for _, label := range s.indices.label.ListIndexes() {
		data.labelIndexes = append(data.labelIndexes, uint64(label))
	}
	for _, lp := range s.indices.labelProperty.ListIndexes() {
		data.labelPropertyIndexes = append(data.labelPropertyIndexes, [2]uint64{uint64(lp.Label), uint64(lp.Property)})
	}
	for _, lp := range s.constraints.existence.ListConstraints() {
		data.existenceConstraints = append(data.existenceConstraints, [2]uint64{uint64(lp.Label), uint64(lp.Property)})
	}
	for _, uc := range s.constraints.unique.ListConstraints() {
		suc := snapshotUniqueConstraint{label: uint64(uc.Label)}
		for _, p := range uc.Properties {
			suc.properties = append(suc.properties, uint64(p))
		}
		data.uniqueConstraints = append(data.uniqueConstraints, suc)
	}

	var edgeGids []Gid
	s.vertices.Copy().Scan(func(v *Vertex) bool {
		va := &VertexAccessor{vertex: v, txn: txn, storage: s}
		if !va.IsVisible(ViewOld) {
			return true
		}
		labels, err := va.Labels(ViewOld)
		if err != nil {
			return true
		}
		props, err := va.Properties(ViewOld)
		if err != nil {
			return true
		}
		tuples, err := va.adjacency(edgeDirectionOut, ViewOld)
		if err != nil {
			return true
		}

		sv := snapshotVertex{gid: v.gid}
		for _, l := range labels {
			sv.labels = append(sv.labels, uint64(l))
		}
		sv.properties = sortedSnapshotProperties(props)
		for _, t := range tuples {
			sv.outEdges = append(sv.outEdges, snapshotEdgeStub{
				edgeType: uint64(t.EdgeType),
				toGid:    t.Vertex.gid,
				edgeGid:  t.Edge.Gid(),
			})
			edgeGids = append(edgeGids, t.Edge.Gid())
			if t.Edge.Ptr() != nil {
				ea := &EdgeAccessor{edge: t.Edge, edgeType: t.EdgeType, from: v, to: t.Vertex, txn: txn, storage: s}
				eprops, err := ea.Properties(ViewOld)
				if err == nil {
					data.edges = append(data.edges, snapshotEdge{
						gid:        t.Edge.Gid(),
						properties: sortedSnapshotProperties(eprops),
					})
				}
			}
		}
		data.vertices = append(data.vertices, sv)
		return true
	})
	data.edgeCount = uint64(len(edgeGids))

	sort.Slice(data.edges, func(i, j int) bool { return data.edges[i].gid < data.edges[j].gid })
	return data
}

// sortedSnapshotProperties renders a property map deterministically.
func sortedSnapshotProperties(props map[PropertyID]PropertyValue) []snapshotProperty {
	out := make([]snapshotProperty, 0, len(props))
	for k, v := range props {
		out = append(out, snapshotProperty{key: uint64(k), value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}
