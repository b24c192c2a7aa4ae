package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
)

// errCodecShort is returned when a buffer ends mid-value.
var errCodecShort = errors.New("storage: truncated value encoding")

// byteCursor is a forward-only reader over an encoded byte slice. All
// read methods return errCodecShort past the end so callers can check
// once at the end of a decode sequence.
type byteCursor struct {
	b   []byte
	off int
	err error
}

func newByteCursor(b []byte) *byteCursor { return &byteCursor{b: b} }

func (c *byteCursor) remaining() int { return len(c.b) - c.off }

func (c *byteCursor) readByte() byte {
	if c.err != nil || c.off >= len(c.b) {
		c.err = errCodecShort
		return 0
	}
	v := c.b[c.off]
	c.off++
	return v
}

func (c *byteCursor) readUvarint() uint64 {
	if c.err != nil {
		return 0
	}
	v, n := binary.Uvarint(c.b[c.off:])
	if n <= 0 {
		c.err = errCodecShort
		return 0
	}
	c.off += n
	return v
}

func (c *byteCursor) readVarint() int64 {
	if c.err != nil {
		return 0
	}
	v, n := binary.Varint(c.b[c.off:])
	if n <= 0 {
		c.err = errCodecShort
		return 0
	}
	c.off += n
	return v
}

func (c *byteCursor) readU64() uint64 {
	if c.err != nil || c.off+8 > len(c.b) {
		c.err = errCodecShort
		return 0
	}
	v := binary.LittleEndian.Uint64(c.b[c.off:])
	c.off += 8
	return v
}

func (c *byteCursor) readString() string {
	n := c.readUvarint()
	if c.err != nil {
		return ""
	}
	if uint64(c.remaining()) < n {
		c.err = errCodecShort
		return ""
	}
	s := string(c.b[c.off : c.off+int(n)])
	c.off += int(n)
	return s
}

// writeUvarint appends a varint-encoded uint64.
func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

// writeVarint appends a zig-zag varint-encoded int64.
func writeVarint(buf *bytes.Buffer, v int64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutVarint(tmp[:], v)
	buf.Write(tmp[:n])
}

// writeU64 appends a fixed-width little-endian uint64.
func writeU64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

// writeString appends a length-prefixed string.
func writeString(buf *bytes.Buffer, s string) {
	writeUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

// encodePropertyValue appends the canonical binary form of v. The
// encoding is shared by the property store, the WAL and the snapshot
// format. Map entries are emitted in sorted key order so the encoding
// is deterministic.
func encodePropertyValue(buf *bytes.Buffer, v PropertyValue) {
	buf.WriteByte(byte(v.Type()))
	switch v.Type() {
	case PropertyValueNull:
	case PropertyValueBool:
		if v.ValueBool() {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case PropertyValueInt:
		writeVarint(buf, v.ValueInt())
	case PropertyValueFloat:
		writeU64(buf, math.Float64bits(v.ValueFloat()))
	case PropertyValueString:
		writeString(buf, v.ValueString())
	case PropertyValueList:
		list := v.ValueList()
		writeUvarint(buf, uint64(len(list)))
		for _, e := range list {
			encodePropertyValue(buf, e)
		}
	case PropertyValueMap:
		m := v.ValueMap()
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sortStrings(keys)
		writeUvarint(buf, uint64(len(keys)))
		for _, k := range keys {
			writeString(buf, k)
			encodePropertyValue(buf, m[k])
		}
	case PropertyValueTemporal:
		td := v.ValueTemporal()
		buf.WriteByte(byte(td.Type))
		writeVarint(buf, td.Microseconds)
	}
}

// decodePropertyValue reads one value from the cursor.
func decodePropertyValue(c *byteCursor) PropertyValue {
	t := PropertyValueType(c.readByte())
	switch t {
	case PropertyValueNull:
		return NewNullValue()
	case PropertyValueBool:
		return NewBoolValue(c.readByte() != 0)
	case PropertyValueInt:
		return NewIntValue(c.readVarint())
	case PropertyValueFloat:
		return NewFloatValue(math.Float64frombits(c.readU64()))
	case PropertyValueString:
		return NewStringValue(c.readString())
	case PropertyValueList:
		n := c.readUvarint()
		if c.err != nil || n > uint64(c.remaining()) {
			c.err = errCodecShort
			return NewNullValue()
		}
		list := make([]PropertyValue, 0, n)
		for i := uint64(0); i < n; i++ {
			list = append(list, decodePropertyValue(c))
		}
		return NewListValue(list)
	case PropertyValueMap:
		n := c.readUvarint()
		if c.err != nil || n > uint64(c.remaining()) {
			c.err = errCodecShort
			return NewNullValue()
		}
		m := make(map[string]PropertyValue, n)
		for i := uint64(0); i < n; i++ {
			k := c.readString()
			m[k] = decodePropertyValue(c)
		}
		return NewMapValue(m)
	case PropertyValueTemporal:
		tt := TemporalType(c.readByte())
		return NewTemporalValue(TemporalData{Type: tt, Microseconds: c.readVarint()})
	default:
		c.err = errCodecShort
		return NewNullValue()
	}
}

// skipPropertyValue advances the cursor past one encoded value without
// materialising it.
func skipPropertyValue(c *byteCursor) {
	t := PropertyValueType(c.readByte())
	switch t {
	case PropertyValueNull:
	case PropertyValueBool:
		c.readByte()
	case PropertyValueInt:
		c.readVarint()
	case PropertyValueFloat:
		c.readU64()
	case PropertyValueString:
		c.readString()
	case PropertyValueList:
		n := c.readUvarint()
		for i := uint64(0); i < n && c.err == nil; i++ {
			skipPropertyValue(c)
		}
	case PropertyValueMap:
		n := c.readUvarint()
		for i := uint64(0); i < n && c.err == nil; i++ {
			c.readString()
			skipPropertyValue(c)
		}
	case PropertyValueTemporal:
		c.readByte()
		c.readVarint()
	default:
		c.err = errCodecShort
	}
}

// sortStrings is a tiny insertion sort; key sets are small and this
// avoids pulling sort into the hot encode path for 1-2 element maps.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
