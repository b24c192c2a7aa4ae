package storage

import (
	"bytes"
)

// PropertyStore is a byte-compact property map. Entries are kept in a
// single buffer, sorted by property id, each encoded as a uvarint key
// followed by the canonical value encoding. Lookups walk the buffer and
// decode only the requested entry, so probing a single key never
// materialises the whole map.
//
// The zero value is an empty store.
type PropertyStore struct {
	buf []byte
}

// entrySpan locates the encoded entry for key. It returns the offset of
// the entry, the offset of its value and the offset just past the value,
// or ok=false when the key is absent.
func (p *PropertyStore) entrySpan(key PropertyID) (entryOff, valueOff, end int, ok bool) {
	c := newByteCursor(p.buf)
	for c.err == nil && c.remaining() > 0 {
		start := c.off
		k := c.readUvarint()
		vOff := c.off
		skipPropertyValue(c)
		if c.err != nil {
			break
		}
		if PropertyID(k) == key {
			return start, vOff, c.off, true
		}
		if PropertyID(k) > key {
			// Entries are sorted; the key cannot appear later.
			return start, 0, 0, false
		}
	}
	return len(p.buf), 0, 0, false
}

// GetProperty returns the value stored under key, or the null value.
func (p *PropertyStore) GetProperty(key PropertyID) PropertyValue {
	_, vOff, end, ok := p.entrySpan(key)
	if !ok {
		return NewNullValue()
	}
	c := newByteCursor(p.buf[vOff:end])
	return decodePropertyValue(c)
}

// HasProperty reports whether key is present.
func (p *PropertyStore) HasProperty(key PropertyID) bool {
	_, _, _, ok := p.entrySpan(key)
	return ok
}

// IsPropertyEqual reports whether the value stored under key equals
// value. Only the probed entry is decoded.
func (p *PropertyStore) IsPropertyEqual(key PropertyID, value PropertyValue) bool {
	_, vOff, end, ok := p.entrySpan(key)
	if !ok {
		return value.IsNull()
	}
	c := newByteCursor(p.buf[vOff:end])
	return decodePropertyValue(c).Equal(value)
}

// SetProperty stores value under key and returns the previous value.
// Storing the null value removes the key.
func (p *PropertyStore) SetProperty(key PropertyID, value PropertyValue) PropertyValue {
	entryOff, vOff, end, ok := p.entrySpan(key)

	old := NewNullValue()
	if ok {
		c := newByteCursor(p.buf[vOff:end])
		old = decodePropertyValue(c)
	}

	var out bytes.Buffer
	out.Write(p.buf[:entryOff])
	if !value.IsNull() {
		writeUvarint(&out, uint64(key))
		encodePropertyValue(&out, value)
	}
	if ok {
		out.Write(p.buf[end:])
	} else {
		out.Write(p.buf[entryOff:])
	}
	p.buf = out.Bytes()
	return old
}

// Properties decodes the whole store into a fresh map.
func (p *PropertyStore) Properties() map[PropertyID]PropertyValue {
	out := make(map[PropertyID]PropertyValue)
	c := newByteCursor(p.buf)
	for c.err == nil && c.remaining() > 0 {
		k := c.readUvarint()
		v := decodePropertyValue(c)
		if c.err != nil {
			break
		}
		out[PropertyID(k)] = v
	}
	return out
}

// ExtractPropertyValues returns the values for keys, in key order,
// only when every key is present. Used by unique constraints.
func (p *PropertyStore) ExtractPropertyValues(keys []PropertyID) ([]PropertyValue, bool) {
	values := make([]PropertyValue, 0, len(keys))
	for _, key := range keys {
		_, vOff, end, ok := p.entrySpan(key)
		if !ok {
			return nil, false
		}
		c := newByteCursor(p.buf[vOff:end])
		values = append(values, decodePropertyValue(c))
	}
	return values, true
}

// Size returns the encoded size in bytes.
func (p *PropertyStore) Size() int { return len(p.buf) }

// Clone returns an independent copy of the store.
func (p *PropertyStore) Clone() PropertyStore {
	buf := make([]byte, len(p.buf))
	copy(buf, p.buf)
	return PropertyStore{buf: buf}
}
