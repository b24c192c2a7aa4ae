package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPropertyStoreSetGet(t *testing.T) {
	var p PropertyStore

	assert.True(t, p.GetProperty(1).IsNull())
	assert.False(t, p.HasProperty(1))

	old := p.SetProperty(1, NewStringValue("a"))
	assert.True(t, old.IsNull())
	assert.Equal(t, "a", p.GetProperty(1).ValueString())

	old = p.SetProperty(1, NewIntValue(7))
	assert.Equal(t, "a", old.ValueString())
	assert.Equal(t, int64(7), p.GetProperty(1).ValueInt())
}

func TestPropertyStoreNullRemoves(t *testing.T) {
	var p PropertyStore
	p.SetProperty(3, NewBoolValue(true))
	old := p.SetProperty(3, NewNullValue())
	assert.True(t, old.ValueBool())
	assert.False(t, p.HasProperty(3))
	assert.Zero(t, p.Size())
}

func TestPropertyStoreKeepsKeysSorted(t *testing.T) {
	var p PropertyStore
	p.SetProperty(9, NewIntValue(9))
	p.SetProperty(1, NewIntValue(1))
	p.SetProperty(5, NewIntValue(5))

	props := p.Properties()
	require.Len(t, props, 3)
	assert.Equal(t, int64(1), props[1].ValueInt())
	assert.Equal(t, int64(5), props[5].ValueInt())
	assert.Equal(t, int64(9), props[9].ValueInt())
}

func TestPropertyStoreIsPropertyEqual(t *testing.T) {
	var p PropertyStore
	p.SetProperty(1, NewStringValue("x"))
	p.SetProperty(2, NewFloatValue(1.5))

	assert.True(t, p.IsPropertyEqual(1, NewStringValue("x")))
	assert.False(t, p.IsPropertyEqual(1, NewStringValue("y")))
	assert.True(t, p.IsPropertyEqual(2, NewFloatValue(1.5)))
	// Missing keys equal only the null value.
	assert.True(t, p.IsPropertyEqual(3, NewNullValue()))
	assert.False(t, p.IsPropertyEqual(3, NewIntValue(0)))
	// Int and float compare numerically.
	p.SetProperty(4, NewIntValue(2))
	assert.True(t, p.IsPropertyEqual(4, NewFloatValue(2.0)))
}

func TestPropertyStoreExtractPropertyValues(t *testing.T) {
	var p PropertyStore
	p.SetProperty(1, NewStringValue("a"))
	p.SetProperty(2, NewIntValue(2))

	values, ok := p.ExtractPropertyValues([]PropertyID{1, 2})
	require.True(t, ok)
	require.Len(t, values, 2)
	assert.Equal(t, "a", values[0].ValueString())
	assert.Equal(t, int64(2), values[1].ValueInt())

	_, ok = p.ExtractPropertyValues([]PropertyID{1, 3})
	assert.False(t, ok, "all keys must be present")
}

func TestPropertyStoreNestedValues(t *testing.T) {
	var p PropertyStore
	list := NewListValue([]PropertyValue{NewIntValue(1), NewStringValue("two")})
	m := NewMapValue(map[string]PropertyValue{
		"inner": NewListValue([]PropertyValue{NewBoolValue(true)}),
	})
	p.SetProperty(1, list)
	p.SetProperty(2, m)

	got := p.GetProperty(1)
	require.Equal(t, PropertyValueList, got.Type())
	require.Len(t, got.ValueList(), 2)
	assert.Equal(t, int64(1), got.ValueList()[0].ValueInt())

	got = p.GetProperty(2)
	require.Equal(t, PropertyValueMap, got.Type())
	assert.True(t, got.Equal(m))
}

func TestPropertyStoreTemporal(t *testing.T) {
	var p PropertyStore
	td := TemporalData{Type: TemporalLocalDateTime, Microseconds: 1234567}
	p.SetProperty(1, NewTemporalValue(td))
	got := p.GetProperty(1)
	require.Equal(t, PropertyValueTemporal, got.Type())
	assert.Equal(t, td, got.ValueTemporal())
}

func TestPropertyStoreClone(t *testing.T) {
	var p PropertyStore
	p.SetProperty(1, NewIntValue(1))
	c := p.Clone()
	p.SetProperty(1, NewIntValue(2))
	assert.Equal(t, int64(1), c.GetProperty(1).ValueInt())
	assert.Equal(t, int64(2), p.GetProperty(1).ValueInt())
}

func TestPropertyValueOrdering(t *testing.T) {
	// Type classes order before payloads.
	assert.True(t, NewNullValue().Less(NewBoolValue(false)))
	assert.True(t, NewBoolValue(true).Less(NewIntValue(0)))
	assert.True(t, NewIntValue(5).Less(NewStringValue("")))

	// Numbers compare across representations.
	assert.True(t, NewIntValue(1).Less(NewFloatValue(1.5)))
	assert.True(t, NewFloatValue(0.5).Less(NewIntValue(1)))
	assert.True(t, NewIntValue(1).Less(NewFloatValue(1.0)), "ints order before equal floats")
	assert.False(t, NewFloatValue(1.0).Less(NewIntValue(1)))

	// Lists order lexicographically.
	a := NewListValue([]PropertyValue{NewIntValue(1)})
	b := NewListValue([]PropertyValue{NewIntValue(1), NewIntValue(2)})
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
}

func TestPropertyValueEquality(t *testing.T) {
	assert.True(t, NewIntValue(2).Equal(NewFloatValue(2.0)))
	assert.False(t, NewIntValue(2).Equal(NewFloatValue(2.5)))
	assert.True(t, NewNullValue().Equal(NewNullValue()))
	assert.False(t, NewStringValue("a").Equal(NewIntValue(0)))
}
