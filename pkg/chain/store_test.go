package chain

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cellmesh/cellmesh/pkg/types"
)

func testOperation(id uint64) *types.Operation {
	return &types.Operation{
		OperationID: id,
		GroupID:     id,
		NodeID:      "node-1",
		Type:        types.OperationEntry,
		Entry: &types.EntityMutation{
			EntityID: "entity1",
			Kind:     types.MutationPutTrait,
			PutTrait: &types.Trait{
				TraitID:     "trait1",
				MessageType: "test.Note",
				MessageData: []byte("hello"),
			},
		},
		Signature: []byte("sig"),
	}
}

func appendBlock(t *testing.T, s *Store, height uint64, ops ...*types.Operation) uint64 {
	t.Helper()
	next := s.NextOffset()

	var prevOffset uint64
	var prevHash []byte
	if height > 0 {
		last, err := s.LastBlock()
		require.NoError(t, err)
		require.NotNil(t, last)
		prevOffset = last.Header.Offset
		prevHeaderFrame := types.EncodeBlockHeader(&last.Header)
		h, err := hashFrame(prevHeaderFrame)
		require.NoError(t, err)
		prevHash = h
	}

	b := &types.Block{
		Header: types.BlockHeader{
			Offset:              next,
			Height:              height,
			PreviousOffset:      prevOffset,
			PreviousHash:        prevHash,
			ProposedOperationID: ops[0].OperationID,
			ProposedNodeID:      "node-1",
			SignaturesSize:      256,
		},
		Operations: ops,
		Signatures: []types.SignatureEntry{{NodeID: "node-1", Signature: []byte("blocksig")}},
	}

	newNext, err := s.WriteBlock(b)
	require.NoError(t, err)
	return newNext
}

func TestStoreWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer s.Close()

	appendBlock(t, s, 0, testOperation(1))
	appendBlock(t, s, 1, testOperation(2))

	last, err := s.LastBlock()
	require.NoError(t, err)
	require.Equal(t, uint64(1), last.Header.Height)

	first, err := s.ReadBlockAt(0)
	require.NoError(t, err)
	require.Equal(t, uint64(0), first.Header.Height)
	require.Equal(t, uint64(1), first.Operations[0].OperationID)
}

func TestStoreRejectsBadLinkage(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer s.Close()

	appendBlock(t, s, 0, testOperation(1))

	bad := &types.Block{
		Header: types.BlockHeader{
			Offset:              s.NextOffset(),
			Height:              5, // wrong: should be 1
			PreviousOffset:      0,
			ProposedOperationID: 2,
			ProposedNodeID:      "node-1",
			SignaturesSize:      256,
		},
		Operations: []*types.Operation{testOperation(2)},
		Signatures: []types.SignatureEntry{{NodeID: "node-1", Signature: []byte("sig")}},
	}
	_, err = s.WriteBlock(bad)
	require.Error(t, err)
}

func TestStoreGetBlockByOperationID(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer s.Close()

	appendBlock(t, s, 0, testOperation(1))
	appendBlock(t, s, 1, testOperation(2))

	b, ok, err := s.GetBlockByOperationID(2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), b.Header.Height)

	_, ok, err = s.GetBlockByOperationID(999)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreRecoversTipAfterReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(DefaultConfig(dir))
	require.NoError(t, err)

	appendBlock(t, s, 0, testOperation(1))
	appendBlock(t, s, 1, testOperation(2))
	appendBlock(t, s, 2, testOperation(3))
	require.NoError(t, s.Close())

	reopened, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer reopened.Close()

	last, err := reopened.LastBlock()
	require.NoError(t, err)
	require.Equal(t, uint64(2), last.Header.Height)

	b, ok, err := reopened.GetBlockByOperationID(2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), b.Header.Height)
}

func TestStoreTruncateFromDropsTailBlocks(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer s.Close()

	appendBlock(t, s, 0, testOperation(1))
	second := s.NextOffset()
	appendBlock(t, s, 1, testOperation(2))
	appendBlock(t, s, 2, testOperation(3))

	require.NoError(t, s.TruncateFrom(second))

	last, err := s.LastBlock()
	require.NoError(t, err)
	require.Equal(t, uint64(0), last.Header.Height)

	_, ok, err := s.GetBlockByOperationID(2)
	require.NoError(t, err)
	require.False(t, ok)

	appendBlock(t, s, 1, testOperation(4))
	last, err = s.LastBlock()
	require.NoError(t, err)
	require.Equal(t, uint64(1), last.Header.Height)
	require.Equal(t, uint64(4), last.Operations[0].OperationID)
}

// TestOperationsIndexFlushCount reproduces the persistence scenario of
// appending many small blocks and checking the number of immutable
// index files that accumulate once the in-memory tail repeatedly
// exceeds its configured bound. A flush fires once the buffer holds
// more than 100 items, i.e. every 101 inserts; 1000 blocks of 2
// operations each is 2000 inserts, which crosses that threshold 19
// times (at insert 1919 the 19th flush fires; the remaining 81 never
// reach a 20th).
func TestOperationsIndexFlushCount(t *testing.T) {
	dir := t.TempDir()
	idx, err := OpenOperationsIndex(dir, 100)
	require.NoError(t, err)

	opID := uint64(1)
	for block := uint64(0); block < 1000; block++ {
		for i := 0; i < 2; i++ {
			require.NoError(t, idx.Insert(opID, block))
			opID++
		}
		idx.AdvanceNextExpected(block + 1)
	}

	require.Len(t, idx.immutables, 19)
}
