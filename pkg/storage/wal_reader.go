package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
)

// WalInfo summarises one WAL file. For finalised files it comes
// straight from the footer; for an unfinalised (current or crashed)
// file the records are scanned and a torn tail is tolerated.
type WalInfo struct {
	Path           string
	UUID           string
	Epoch          string
	Sequence       uint64
	FirstTimestamp uint64
	LastTimestamp  uint64
	NumDeltas      uint64
	OffsetDeltas   uint64
	Finalized      bool
}

// walHeader is the decoded fixed file prefix.
type walHeader struct {
	uuid         string
	epoch        string
	sequence     uint64
	offsetDeltas uint64
}

// readWalHeader parses and validates the header of data.
func readWalHeader(data []byte) (walHeader, error) {
	var hdr walHeader
	if len(data) < 4 || !bytes.Equal(data[:4], walMagic[:]) {
		return hdr, ErrWalBadMagic
	}
	c := newByteCursor(data[4:])
	version := c.readU64()
	hdr.sequence = c.readU64()
	hdr.uuid = c.readString()
	hdr.epoch = c.readString()
	if c.err != nil {
		return hdr, ErrWalTruncated
	}
	if version != walVersion {
		return hdr, fmt.Errorf("%w: %d", ErrWalBadVersion, version)
	}
	hdr.offsetDeltas = uint64(4 + c.off)
	return hdr, nil
}

// readWalFooter tries to parse the trailing footer of data.
func readWalFooter(data []byte) (firstTs, lastTs, numDeltas, offsetDeltas uint64, ok bool) {
	if len(data) < walFooterSize {
		return 0, 0, 0, 0, false
	}
	f := data[len(data)-walFooterSize:]
	if !bytes.Equal(f[:4], walFooterMagic[:]) {
		return 0, 0, 0, 0, false
	}
	want := binary.LittleEndian.Uint32(f[walFooterSize-4:])
	if crc32.ChecksumIEEE(f[:walFooterSize-4]) != want {
		return 0, 0, 0, 0, false
	}
	firstTs = binary.LittleEndian.Uint64(f[4:])
	lastTs = binary.LittleEndian.Uint64(f[12:])
	numDeltas = binary.LittleEndian.Uint64(f[20:])
	offsetDeltas = binary.LittleEndian.Uint64(f[28:])
	return firstTs, lastTs, numDeltas, offsetDeltas, true
}

// ReadWalInfo reads a WAL file's summary triple without parsing every
// record when the footer is present.
func ReadWalInfo(path string) (WalInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return WalInfo{}, fmt.Errorf("wal: cannot read %s: %w", path, err)
	}
	hdr, err := readWalHeader(data)
	if err != nil {
		return WalInfo{}, fmt.Errorf("wal: %s: %w", path, err)
	}
	info := WalInfo{
		Path:         path,
		UUID:         hdr.uuid,
		Epoch:        hdr.epoch,
		Sequence:     hdr.sequence,
		OffsetDeltas: hdr.offsetDeltas,
	}

	if firstTs, lastTs, numDeltas, offsetDeltas, ok := readWalFooter(data); ok {
		info.FirstTimestamp = firstTs
		info.LastTimestamp = lastTs
		info.NumDeltas = numDeltas
		info.OffsetDeltas = offsetDeltas
		info.Finalized = true
		return info, nil
	}

	// No footer: the file was still being written. Scan what is
	// readable; a torn tail only shortens the summary.
	records, _, err := parseWalRecords(data, hdr.offsetDeltas)
	if err != nil {
		return WalInfo{}, fmt.Errorf("wal: %s: %w", path, err)
	}
	for _, rec := range records {
		if info.NumDeltas == 0 {
			info.FirstTimestamp = rec.CommitTimestamp
		}
		info.LastTimestamp = rec.CommitTimestamp
		info.NumDeltas++
	}
	return info, nil
}

// parseWalRecords walks the frames from offset. It returns the decoded
// records and whether the file ended in a torn or corrupt frame
// (truncated=true) instead of a clean end or footer.
func parseWalRecords(data []byte, offset uint64) (records []WALRecord, truncated bool, err error) {
	pos := int(offset)
	for pos < len(data) {
		remaining := len(data) - pos
		if remaining >= 4 && bytes.Equal(data[pos:pos+4], walFooterMagic[:]) {
			// Finalisation footer; no records follow.
			return records, false, nil
		}
		if remaining < 8 {
			return records, true, nil
		}
		length := binary.LittleEndian.Uint32(data[pos:])
		if length > walMaxRecordSize {
			return records, true, nil
		}
		frameEnd := pos + 4 + int(length) + 4
		if frameEnd > len(data) {
			return records, true, nil
		}
		payload := data[pos+4 : pos+4+int(length)]
		wantCrc := binary.LittleEndian.Uint32(data[pos+4+int(length):])
		if crc32.ChecksumIEEE(payload) != wantCrc {
			return records, true, nil
		}
		rec, decErr := decodeWALRecord(payload)
		if decErr != nil {
			return records, true, nil
		}
		records = append(records, rec)
		pos = frameEnd
	}
	return records, false, nil
}

// LoadWal reads every record of a WAL file. truncated reports a torn
// tail; the caller decides whether that is tolerable (newest file) or
// fatal (mid-range file).
func LoadWal(path string) (info WalInfo, records []WALRecord, truncated bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return WalInfo{}, nil, false, fmt.Errorf("wal: cannot read %s: %w", path, err)
	}
	hdr, err := readWalHeader(data)
	if err != nil {
		return WalInfo{}, nil, false, fmt.Errorf("wal: %s: %w", path, err)
	}
	info = WalInfo{
		Path:         path,
		UUID:         hdr.uuid,
		Epoch:        hdr.epoch,
		Sequence:     hdr.sequence,
		OffsetDeltas: hdr.offsetDeltas,
	}
	if _, _, _, _, ok := readWalFooter(data); ok {
		info.Finalized = true
	}
	records, truncated, err = parseWalRecords(data, hdr.offsetDeltas)
	if err != nil {
		return info, nil, false, err
	}
	for i, rec := range records {
		if i == 0 {
			info.FirstTimestamp = rec.CommitTimestamp
		}
		info.LastTimestamp = rec.CommitTimestamp
		info.NumDeltas++
	}
	return info, records, truncated, nil
}
