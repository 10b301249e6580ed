package pending

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cellmesh/cellmesh/pkg/types"
)

func op(id, groupID uint64) *types.Operation {
	return &types.Operation{OperationID: id, GroupID: groupID, NodeID: "node-1", Type: types.OperationEntry}
}

func TestStorePutReportsExisting(t *testing.T) {
	s := New()
	require.False(t, s.Put(op(1, 1)))
	require.True(t, s.Put(op(1, 1)))
	require.Equal(t, 1, s.Count())
}

func TestStoreGroupPreservesArrivalOrder(t *testing.T) {
	s := New()
	s.Put(op(10, 1))
	s.Put(op(11, 1))
	s.Put(op(12, 1))

	group := s.Group(1)
	require.Len(t, group, 3)
	require.Equal(t, []uint64{10, 11, 12}, []uint64{group[0].OperationID, group[1].OperationID, group[2].OperationID})
}

func TestStoreIterRangeAndOrdering(t *testing.T) {
	s := New()
	for _, id := range []uint64{5, 1, 3, 9} {
		s.Put(op(id, id))
	}
	all := s.Iter(0, 0)
	require.Len(t, all, 4)
	require.Equal(t, uint64(1), all[0].OperationID)
	require.Equal(t, uint64(9), all[3].OperationID)

	sub := s.Iter(3, 9)
	require.Len(t, sub, 2)
	require.Equal(t, uint64(3), sub[0].OperationID)
	require.Equal(t, uint64(5), sub[1].OperationID)
}

func TestStoreUpdateCommitStatus(t *testing.T) {
	s := New()
	s.Put(op(1, 1))
	s.UpdateCommitStatus(1, types.CommitStatus{Kind: types.CommitCommitted, BlockOffset: 42, BlockHeight: 3})

	status, ok := s.CommitStatus(1)
	require.True(t, ok)
	require.Equal(t, types.CommitCommitted, status.Kind)
	require.Equal(t, uint64(42), status.BlockOffset)
}

func TestStoreDeleteRemovesFromGroup(t *testing.T) {
	s := New()
	s.Put(op(1, 100))
	s.Put(op(2, 100))
	s.Delete(1)

	require.Equal(t, 1, s.Count())
	_, ok := s.Get(1)
	require.False(t, ok)

	group := s.Group(100)
	require.Len(t, group, 1)
	require.Equal(t, uint64(2), group[0].OperationID)
}

func TestStoreDeleteLastInGroupDropsGroup(t *testing.T) {
	s := New()
	s.Put(op(1, 100))
	s.Delete(1)
	require.Empty(t, s.Group(100))
	require.NotContains(t, s.GroupIDs(), uint64(100))
}

func TestStoreClear(t *testing.T) {
	s := New()
	s.Put(op(1, 1))
	s.Put(op(2, 2))
	s.Clear()
	require.Equal(t, 0, s.Count())
	require.Empty(t, s.GroupIDs())
}
