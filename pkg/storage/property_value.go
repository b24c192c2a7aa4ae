package storage

import (
	"fmt"
	"sort"
	"strings"
)

// PropertyValueType tags the value stored in a PropertyValue.
type PropertyValueType uint8

// Supported property value types.
const (
	PropertyValueNull PropertyValueType = iota
	PropertyValueBool
	PropertyValueInt
	PropertyValueFloat
	PropertyValueString
	PropertyValueList
	PropertyValueMap
	PropertyValueTemporal
)

// String returns the type name as used in error messages.
func (t PropertyValueType) String() string {
	switch t {
	case PropertyValueNull:
		return "null"
	case PropertyValueBool:
		return "bool"
	case PropertyValueInt:
		return "int"
	case PropertyValueFloat:
		return "float"
	case PropertyValueString:
		return "string"
	case PropertyValueList:
		return "list"
	case PropertyValueMap:
		return "map"
	case PropertyValueTemporal:
		return "temporal"
	}
	return "unknown"
}

// TemporalType distinguishes the temporal value kinds.
type TemporalType uint8

// Supported temporal kinds.
const (
	TemporalDate TemporalType = iota
	TemporalLocalTime
	TemporalLocalDateTime
	TemporalDuration
)

// TemporalData is a temporal value stored as microseconds relative to
// the Unix epoch (or as a span for durations).
type TemporalData struct {
	Type         TemporalType
	Microseconds int64
}

// PropertyValue is a tagged union over every value a property can hold.
// The zero value is the null value.
type PropertyValue struct {
	t        PropertyValueType
	boolV    bool
	intV     int64
	floatV   float64
	stringV  string
	listV    []PropertyValue
	mapV     map[string]PropertyValue
	temporal TemporalData
}

// NewNullValue returns the null property value.
func NewNullValue() PropertyValue { return PropertyValue{} }

// NewBoolValue wraps a bool.
func NewBoolValue(v bool) PropertyValue {
	return PropertyValue{t: PropertyValueBool, boolV: v}
}

// NewIntValue wraps an int64.
func NewIntValue(v int64) PropertyValue {
	return PropertyValue{t: PropertyValueInt, intV: v}
}

// NewFloatValue wraps a float64.
func NewFloatValue(v float64) PropertyValue {
	return PropertyValue{t: PropertyValueFloat, floatV: v}
}

// NewStringValue wraps a string.
func NewStringValue(v string) PropertyValue {
	return PropertyValue{t: PropertyValueString, stringV: v}
}

// NewListValue wraps a list. The slice is not copied.
func NewListValue(v []PropertyValue) PropertyValue {
	return PropertyValue{t: PropertyValueList, listV: v}
}

// NewMapValue wraps a map. The map is not copied.
func NewMapValue(v map[string]PropertyValue) PropertyValue {
	return PropertyValue{t: PropertyValueMap, mapV: v}
}

// NewTemporalValue wraps a temporal value.
func NewTemporalValue(v TemporalData) PropertyValue {
	return PropertyValue{t: PropertyValueTemporal, temporal: v}
}

// Type returns the value's tag.
func (v PropertyValue) Type() PropertyValueType { return v.t }

// IsNull reports whether the value is null.
func (v PropertyValue) IsNull() bool { return v.t == PropertyValueNull }

// ValueBool returns the bool payload. Valid only when Type() is bool.
func (v PropertyValue) ValueBool() bool { return v.boolV }

// ValueInt returns the int payload. Valid only when Type() is int.
func (v PropertyValue) ValueInt() int64 { return v.intV }

// ValueFloat returns the float payload. Valid only when Type() is float.
func (v PropertyValue) ValueFloat() float64 { return v.floatV }

// ValueString returns the string payload. Valid only when Type() is string.
func (v PropertyValue) ValueString() string { return v.stringV }

// ValueList returns the list payload. Valid only when Type() is list.
func (v PropertyValue) ValueList() []PropertyValue { return v.listV }

// ValueMap returns the map payload. Valid only when Type() is map.
func (v PropertyValue) ValueMap() map[string]PropertyValue { return v.mapV }

// ValueTemporal returns the temporal payload.
func (v PropertyValue) ValueTemporal() TemporalData { return v.temporal }

// typeOrder groups int and float together so that numbers of either
// representation compare against each other by numeric value.
func (v PropertyValue) typeOrder() int {
	switch v.t {
	case PropertyValueNull:
		return 0
	case PropertyValueBool:
		return 1
	case PropertyValueInt, PropertyValueFloat:
		return 2
	case PropertyValueString:
		return 3
	case PropertyValueList:
		return 4
	case PropertyValueMap:
		return 5
	case PropertyValueTemporal:
		return 6
	}
	return 7
}

// Equal reports deep equality. Int and float values compare numerically.
func (v PropertyValue) Equal(other PropertyValue) bool {
	if v.typeOrder() != other.typeOrder() {
		return false
	}
	switch v.t {
	case PropertyValueNull:
		return true
	case PropertyValueBool:
		return v.boolV == other.boolV
	case PropertyValueInt, PropertyValueFloat:
		return v.numeric() == other.numeric()
	case PropertyValueString:
		return v.stringV == other.stringV
	case PropertyValueList:
		if len(v.listV) != len(other.listV) {
			return false
		}
		for i := range v.listV {
			if !v.listV[i].Equal(other.listV[i]) {
				return false
			}
		}
		return true
	case PropertyValueMap:
		if len(v.mapV) != len(other.mapV) {
			return false
		}
		for k, mv := range v.mapV {
			ov, ok := other.mapV[k]
			if !ok || !mv.Equal(ov) {
				return false
			}
		}
		return true
	case PropertyValueTemporal:
		return v.temporal == other.temporal
	}
	return false
}

// numeric widens int and float payloads to float64 for cross-type
// comparison.
func (v PropertyValue) numeric() float64 {
	if v.t == PropertyValueInt {
		return float64(v.intV)
	}
	return v.floatV
}

// Less imposes the total order used by the label-property index and the
// unique-constraint entry sets: values order by type class first, then
// by payload.
func (v PropertyValue) Less(other PropertyValue) bool {
	to, oo := v.typeOrder(), other.typeOrder()
	if to != oo {
		return to < oo
	}
	switch v.t {
	case PropertyValueNull:
		return false
	case PropertyValueBool:
		return !v.boolV && other.boolV
	case PropertyValueInt, PropertyValueFloat:
		a, b := v.numeric(), other.numeric()
		if a != b {
			return a < b
		}
		// Ints order before floats of the same numeric value so the
		// ordering stays total.
		return v.t == PropertyValueInt && other.t == PropertyValueFloat
	case PropertyValueString:
		return v.stringV < other.stringV
	case PropertyValueList:
		for i := 0; i < len(v.listV) && i < len(other.listV); i++ {
			if v.listV[i].Less(other.listV[i]) {
				return true
			}
			if other.listV[i].Less(v.listV[i]) {
				return false
			}
		}
		return len(v.listV) < len(other.listV)
	case PropertyValueMap:
		return v.mapKey() < other.mapKey()
	case PropertyValueTemporal:
		if v.temporal.Type != other.temporal.Type {
			return v.temporal.Type < other.temporal.Type
		}
		return v.temporal.Microseconds < other.temporal.Microseconds
	}
	return false
}

// mapKey renders a map value as a deterministic sort key.
func (v PropertyValue) mapKey() string {
	keys := make([]string, 0, len(v.mapV))
	for k := range v.mapV {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte(0)
		sb.WriteString(v.mapV[k].String())
		sb.WriteByte(0)
	}
	return sb.String()
}

// String renders the value for diagnostics.
func (v PropertyValue) String() string {
	switch v.t {
	case PropertyValueNull:
		return "null"
	case PropertyValueBool:
		return fmt.Sprintf("%t", v.boolV)
	case PropertyValueInt:
		return fmt.Sprintf("%d", v.intV)
	case PropertyValueFloat:
		return fmt.Sprintf("%g", v.floatV)
	case PropertyValueString:
		return fmt.Sprintf("%q", v.stringV)
	case PropertyValueList:
		parts := make([]string, len(v.listV))
		for i, e := range v.listV {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case PropertyValueMap:
		return "{" + v.mapKey() + "}"
	case PropertyValueTemporal:
		return fmt.Sprintf("temporal(%d, %d)", v.temporal.Type, v.temporal.Microseconds)
	}
	return "?"
}

// valuesLess orders two value tuples lexicographically. Used by the
// unique-constraint entry sets.
func valuesLess(a, b []PropertyValue) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i].Less(b[i]) {
			return true
		}
		if b[i].Less(a[i]) {
			return false
		}
	}
	return len(a) < len(b)
}

// valuesEqual reports element-wise equality of two value tuples.
func valuesEqual(a, b []PropertyValue) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
