package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExistenceConstraintEnforcedAtCommit(t *testing.T) {
	store := newTestStorage(t)
	person := store.NameToLabel("Person")
	name := store.NameToProperty("name")

	created, err := store.CreateExistenceConstraint(person, name)
	require.NoError(t, err)
	assert.True(t, created)

	acc := store.Access()
	v := acc.CreateVertex()
	_, err = v.AddLabel(person)
	require.NoError(t, err)

	err = acc.Commit()
	var violation *ConstraintViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, ConstraintViolationExistence, violation.Kind)
	assert.Equal(t, person, violation.Label)

	// The commit aborted: the vertex must not exist.
	check := store.Access()
	defer check.Abort()
	_, found := check.FindVertex(v.Gid(), ViewOld)
	assert.False(t, found)
}

func TestExistenceConstraintSatisfied(t *testing.T) {
	store := newTestStorage(t)
	person := store.NameToLabel("Person")
	name := store.NameToProperty("name")
	_, err := store.CreateExistenceConstraint(person, name)
	require.NoError(t, err)

	acc := store.Access()
	v := acc.CreateVertex()
	_, err = v.AddLabel(person)
	require.NoError(t, err)
	_, err = v.SetProperty(name, NewStringValue("ok"))
	require.NoError(t, err)
	assert.NoError(t, acc.Commit())
}

func TestExistenceConstraintCreationValidatesExistingData(t *testing.T) {
	store := newTestStorage(t)
	person := store.NameToLabel("Person")
	name := store.NameToProperty("name")

	acc := store.Access()
	v := acc.CreateVertex()
	_, err := v.AddLabel(person)
	require.NoError(t, err)
	require.NoError(t, acc.Commit())

	_, err = store.CreateExistenceConstraint(person, name)
	var violation *ConstraintViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, ConstraintViolationExistence, violation.Kind)
}

// T1 sets name="x" on A; T2 sets name="x" on B. T1 commits first; T2's
// commit must fail with a unique violation and leave B unchanged.
func TestUniqueConstraintConflictAtCommit(t *testing.T) {
	store := newTestStorage(t)
	person := store.NameToLabel("Person")
	name := store.NameToProperty("name")

	status, err := store.CreateUniqueConstraint(person, []PropertyID{name})
	require.NoError(t, err)
	assert.Equal(t, UniqueConstraintSuccess, status)

	setup := store.Access()
	a := setup.CreateVertex()
	_, err = a.AddLabel(person)
	require.NoError(t, err)
	b := setup.CreateVertex()
	_, err = b.AddLabel(person)
	require.NoError(t, err)
	require.NoError(t, setup.Commit())

	t1 := store.Access()
	t2 := store.Access()
	av, _ := t1.FindVertex(a.Gid(), ViewNew)
	bv, _ := t2.FindVertex(b.Gid(), ViewNew)

	_, err = av.SetProperty(name, NewStringValue("x"))
	require.NoError(t, err)
	_, err = bv.SetProperty(name, NewStringValue("x"))
	require.NoError(t, err)

	require.NoError(t, t1.Commit())

	err = t2.Commit()
	var violation *ConstraintViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, ConstraintViolationUnique, violation.Kind)
	assert.Equal(t, person, violation.Label)
	assert.Equal(t, []PropertyID{name}, violation.Properties)

	check := store.Access()
	defer check.Abort()
	cb, _ := check.FindVertex(b.Gid(), ViewOld)
	got, err := cb.GetProperty(name, ViewOld)
	require.NoError(t, err)
	assert.True(t, got.IsNull(), "the failed transaction must leave B unchanged")
}

func TestUniqueConstraintAllowsDistinctValues(t *testing.T) {
	store := newTestStorage(t)
	person := store.NameToLabel("Person")
	name := store.NameToProperty("name")
	_, err := store.CreateUniqueConstraint(person, []PropertyID{name})
	require.NoError(t, err)

	acc := store.Access()
	for _, n := range []string{"a", "b", "c"} {
		v := acc.CreateVertex()
		_, err = v.AddLabel(person)
		require.NoError(t, err)
		_, err = v.SetProperty(name, NewStringValue(n))
		require.NoError(t, err)
	}
	assert.NoError(t, acc.Commit())
}

func TestUniqueConstraintReusableAfterDelete(t *testing.T) {
	store := newTestStorage(t)
	person := store.NameToLabel("Person")
	name := store.NameToProperty("name")
	_, err := store.CreateUniqueConstraint(person, []PropertyID{name})
	require.NoError(t, err)

	acc := store.Access()
	v := acc.CreateVertex()
	_, err = v.AddLabel(person)
	require.NoError(t, err)
	_, err = v.SetProperty(name, NewStringValue("x"))
	require.NoError(t, err)
	require.NoError(t, acc.Commit())

	del := store.Access()
	dv, _ := del.FindVertex(v.Gid(), ViewNew)
	_, err = del.DetachDeleteVertex(dv)
	require.NoError(t, err)
	require.NoError(t, del.Commit())

	again := store.Access()
	nv := again.CreateVertex()
	_, err = nv.AddLabel(person)
	require.NoError(t, err)
	_, err = nv.SetProperty(name, NewStringValue("x"))
	require.NoError(t, err)
	assert.NoError(t, again.Commit(), "the value is free again after the holder was deleted")
}

func TestUniqueConstraintCreationRejectsExistingDuplicates(t *testing.T) {
	store := newTestStorage(t)
	person := store.NameToLabel("Person")
	name := store.NameToProperty("name")

	acc := store.Access()
	for i := 0; i < 2; i++ {
		v := acc.CreateVertex()
		_, err := v.AddLabel(person)
		require.NoError(t, err)
		_, err = v.SetProperty(name, NewStringValue("dup"))
		require.NoError(t, err)
	}
	require.NoError(t, acc.Commit())

	_, err := store.CreateUniqueConstraint(person, []PropertyID{name})
	var violation *ConstraintViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, ConstraintViolationUnique, violation.Kind)
}

func TestUniqueConstraintPropertyLimits(t *testing.T) {
	store := newTestStorage(t)
	person := store.NameToLabel("Person")

	status, err := store.CreateUniqueConstraint(person, nil)
	require.NoError(t, err)
	assert.Equal(t, UniqueConstraintEmptyProperties, status)

	var props []PropertyID
	for i := 0; i < uniqueConstraintsMaxProperties+1; i++ {
		props = append(props, PropertyID(i+1))
	}
	status, err = store.CreateUniqueConstraint(person, props)
	require.NoError(t, err)
	assert.Equal(t, UniqueConstraintPropertiesLimitExceeded, status)

	status, err = store.CreateUniqueConstraint(person, props[:2])
	require.NoError(t, err)
	assert.Equal(t, UniqueConstraintSuccess, status)

	status, err = store.CreateUniqueConstraint(person, []PropertyID{props[1], props[0]})
	require.NoError(t, err)
	assert.Equal(t, UniqueConstraintAlreadyExists, status,
		"the property set is order-insensitive")

	status, err = store.DropUniqueConstraint(person, props[:2])
	require.NoError(t, err)
	assert.Equal(t, UniqueConstraintSuccess, status)

	status, err = store.DropUniqueConstraint(person, props[:2])
	require.NoError(t, err)
	assert.Equal(t, UniqueConstraintNotFound, status)
}

func TestUniqueConstraintMultiProperty(t *testing.T) {
	store := newTestStorage(t)
	person := store.NameToLabel("Person")
	first := store.NameToProperty("first")
	last := store.NameToProperty("last")
	_, err := store.CreateUniqueConstraint(person, []PropertyID{first, last})
	require.NoError(t, err)

	acc := store.Access()
	v1 := acc.CreateVertex()
	_, _ = v1.AddLabel(person)
	_, _ = v1.SetProperty(first, NewStringValue("ada"))
	_, _ = v1.SetProperty(last, NewStringValue("lovelace"))
	// Same first name, different last name: allowed.
	v2 := acc.CreateVertex()
	_, _ = v2.AddLabel(person)
	_, _ = v2.SetProperty(first, NewStringValue("ada"))
	_, _ = v2.SetProperty(last, NewStringValue("byron"))
	require.NoError(t, acc.Commit())

	dup := store.Access()
	v3 := dup.CreateVertex()
	_, _ = v3.AddLabel(person)
	_, _ = v3.SetProperty(first, NewStringValue("ada"))
	_, _ = v3.SetProperty(last, NewStringValue("lovelace"))
	err = dup.Commit()
	var violation *ConstraintViolation
	assert.True(t, errors.As(err, &violation))
}

func TestDropExistenceConstraint(t *testing.T) {
	store := newTestStorage(t)
	person := store.NameToLabel("Person")
	name := store.NameToProperty("name")

	_, err := store.CreateExistenceConstraint(person, name)
	require.NoError(t, err)
	dropped, err := store.DropExistenceConstraint(person, name)
	require.NoError(t, err)
	assert.True(t, dropped)

	// No longer enforced.
	acc := store.Access()
	v := acc.CreateVertex()
	_, err = v.AddLabel(person)
	require.NoError(t, err)
	assert.NoError(t, acc.Commit())
}
