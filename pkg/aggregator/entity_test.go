package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cellmesh/cellmesh/pkg/mutationindex"
)

func offset(v uint64) *uint64 { return &v }

func TestFoldPutThenTombstoneKeepsTraitWithDeletionDate(t *testing.T) {
	now := time.Now().UTC()
	deletedAt := now.Add(time.Second)
	docs := []mutationindex.Document{
		{EntityID: "e1", TraitID: "t1", TraitType: "note", OperationID: 1, BlockOffset: offset(1), AllText: "hello", CreationDate: now, ModificationDate: now},
		{EntityID: "e1", TraitID: "t1", Deleted: true, OperationID: 2, BlockOffset: offset(2), ModificationDate: deletedAt},
	}

	e := Fold("e1", docs)
	require.Len(t, e.Traits, 1)
	require.NotNil(t, e.Traits["t1"].DeletionDate)
	require.Equal(t, deletedAt, *e.Traits["t1"].DeletionDate)
	require.False(t, e.InPending)
	require.Equal(t, uint64(2), e.LastOperationID)

	// t1 was the entity's only trait, so tombstoning it implies the
	// whole entity is now deleted too (spec.md §8 Scenario 6).
	require.NotNil(t, e.DeletionDate)
}

// TestFoldAllTraitsTombstonedImpliesEntityDeleted is spec.md §8
// Scenario 6 verbatim: put entity1/trait1, put entity1/trait2, delete
// trait1, delete trait2 — with no delete_entity mutation anywhere in
// the stream. Every trait individually tombstoned must still mark the
// entity itself deleted, with both traits carrying their own
// deletion_date.
func TestFoldAllTraitsTombstonedImpliesEntityDeleted(t *testing.T) {
	now := time.Now().UTC()
	docs := []mutationindex.Document{
		{EntityID: "e1", TraitID: "t1", TraitType: "note", OperationID: 1, BlockOffset: offset(1), AllText: "hello", CreationDate: now, ModificationDate: now},
		{EntityID: "e1", TraitID: "t2", TraitType: "note", OperationID: 2, BlockOffset: offset(2), AllText: "world", CreationDate: now, ModificationDate: now},
		{EntityID: "e1", TraitID: "t1", Deleted: true, OperationID: 3, BlockOffset: offset(3), ModificationDate: now.Add(time.Second)},
		{EntityID: "e1", TraitID: "t2", Deleted: true, OperationID: 4, BlockOffset: offset(4), ModificationDate: now.Add(2 * time.Second)},
	}

	e := Fold("e1", docs)
	require.NotNil(t, e.DeletionDate)
	require.Len(t, e.Traits, 2)
	require.NotNil(t, e.Traits["t1"].DeletionDate)
	require.NotNil(t, e.Traits["t2"].DeletionDate)

	withoutDeleted := WithoutDeletedTraits(e)
	require.Empty(t, withoutDeleted.Traits)
}

// TestFoldPartiallyTombstonedEntityStaysVisible covers the mixed case:
// one trait deleted, one trait still live. The entity itself must not
// be considered deleted, but the tombstoned trait still carries its
// own deletion_date until it is filtered out by WithoutDeletedTraits.
func TestFoldPartiallyTombstonedEntityStaysVisible(t *testing.T) {
	now := time.Now().UTC()
	docs := []mutationindex.Document{
		{EntityID: "e1", TraitID: "t1", TraitType: "note", OperationID: 1, BlockOffset: offset(1), AllText: "hello", CreationDate: now, ModificationDate: now},
		{EntityID: "e1", TraitID: "t2", TraitType: "note", OperationID: 2, BlockOffset: offset(2), AllText: "world", CreationDate: now, ModificationDate: now},
		{EntityID: "e1", TraitID: "t1", Deleted: true, OperationID: 3, BlockOffset: offset(3), ModificationDate: now.Add(time.Second)},
	}

	e := Fold("e1", docs)
	require.Nil(t, e.DeletionDate)
	require.Len(t, e.Traits, 2)
	require.NotNil(t, e.Traits["t1"].DeletionDate)
	require.Nil(t, e.Traits["t2"].DeletionDate)

	withoutDeleted := WithoutDeletedTraits(e)
	require.Len(t, withoutDeleted.Traits, 1)
	_, hasT1 := withoutDeleted.Traits["t1"]
	require.False(t, hasT1)
}

func TestFoldOutOfOrderPutDiscarded(t *testing.T) {
	now := time.Now().UTC()
	docs := []mutationindex.Document{
		{EntityID: "e1", TraitID: "t1", TraitType: "note", OperationID: 5, AllText: "newer", BlockOffset: offset(1), CreationDate: now, ModificationDate: now},
		{EntityID: "e1", TraitID: "t1", TraitType: "note", OperationID: 3, AllText: "older-out-of-order", BlockOffset: offset(2), CreationDate: now, ModificationDate: now},
	}

	e := Fold("e1", docs)
	require.Len(t, e.Traits, 1)
	require.Equal(t, "newer", string(e.Traits["t1"].MessageData))
}

func TestFoldEntityTombstoneClearsTraits(t *testing.T) {
	now := time.Now().UTC()
	docs := []mutationindex.Document{
		{EntityID: "e1", TraitID: "t1", TraitType: "note", OperationID: 1, BlockOffset: offset(1), AllText: "hello", CreationDate: now, ModificationDate: now},
		{EntityID: "e1", Deleted: true, OperationID: 2, BlockOffset: nil, ModificationDate: now.Add(time.Second)},
	}

	e := Fold("e1", docs)
	require.Empty(t, e.Traits)
	require.NotNil(t, e.DeletionDate)
	require.True(t, e.InPending)
	require.True(t, e.PendingDeletion)
}

func TestFoldContentHashChangesWithNewOperation(t *testing.T) {
	now := time.Now().UTC()
	base := []mutationindex.Document{
		{EntityID: "e1", TraitID: "t1", TraitType: "note", OperationID: 1, BlockOffset: offset(1), AllText: "hello", CreationDate: now, ModificationDate: now},
	}
	e1 := Fold("e1", base)

	extended := append(append([]mutationindex.Document{}, base...), mutationindex.Document{
		EntityID: "e1", TraitID: "t2", TraitType: "note", OperationID: 2, BlockOffset: offset(2), AllText: "world", CreationDate: now, ModificationDate: now,
	})
	e2 := Fold("e1", extended)

	require.NotEqual(t, e1.ContentHash, e2.ContentHash)
}

func TestApplyProjectionSkipsMatchingTrait(t *testing.T) {
	now := time.Now().UTC()
	e := Fold("e1", []mutationindex.Document{
		{EntityID: "e1", TraitID: "t1", TraitType: "exomind.base.Note", OperationID: 1, BlockOffset: offset(1), AllText: "hello", CreationDate: now, ModificationDate: now},
		{EntityID: "e1", TraitID: "t2", TraitType: "exomind.base.Task", OperationID: 2, BlockOffset: offset(2), AllText: "do thing", CreationDate: now, ModificationDate: now},
	})

	projected := Apply(e, []Projection{{Patterns: []string{"exomind.base.Note"}, Skip: true}})
	require.Len(t, projected.Traits, 1)
	_, hasNote := projected.Traits["t1"]
	require.False(t, hasNote)
}

func TestApplyNoProjectionsReturnsSameEntity(t *testing.T) {
	e := Fold("e1", nil)
	require.Same(t, e, Apply(e, nil))
}
