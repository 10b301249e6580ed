package chain

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cellmesh/cellmesh/pkg/types"
)

func sampleBlock(t *testing.T, height, offset uint64, prevOffset uint64, prevHash []byte) *types.Block {
	t.Helper()
	op := &types.Operation{
		OperationID: 100 + height,
		GroupID:     100 + height,
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

	b := &types.Block{
		Header: types.BlockHeader{
			Offset:              offset,
			Height:               height,
			PreviousOffset:       prevOffset,
			PreviousHash:         prevHash,
			ProposedOperationID:  op.OperationID,
			ProposedNodeID:       "node-1",
			SignaturesSize:       256,
		},
		Operations: []*types.Operation{op},
		Signatures: []types.SignatureEntry{{NodeID: "node-1", Signature: []byte("blocksig")}},
	}
	return b
}

func TestEncodeDecodeBlockRoundTrip(t *testing.T) {
	b := sampleBlock(t, 0, 0, 0, nil)
	encoded, err := encodeBlock(b)
	require.NoError(t, err)

	decoded, err := decodeBlock(encoded)
	require.NoError(t, err)

	require.Equal(t, b.Header.Height, decoded.Header.Height)
	require.Equal(t, b.Header.ProposedOperationID, decoded.Header.ProposedOperationID)
	require.Equal(t, b.Header.OperationsHash, decoded.Header.OperationsHash)
	require.Len(t, decoded.Operations, 1)
	require.Equal(t, b.Operations[0].OperationID, decoded.Operations[0].OperationID)
	require.Equal(t, b.Operations[0].Entry.PutTrait.MessageData, decoded.Operations[0].Entry.PutTrait.MessageData)
	require.Len(t, decoded.Signatures, 1)
	require.Equal(t, "node-1", decoded.Signatures[0].NodeID)
}

func TestEncodeSignaturesRejectsOversizedFrame(t *testing.T) {
	sigs := []types.SignatureEntry{{NodeID: "node-1", Signature: make([]byte, 1000)}}
	_, err := encodeSignatures(sigs, 8)
	require.Error(t, err)
}

func TestEncodeSignaturesPadsToExactSize(t *testing.T) {
	sigs := []types.SignatureEntry{{NodeID: "n1", Signature: []byte("x")}}
	out, err := encodeSignatures(sigs, 512)
	require.NoError(t, err)
	require.Len(t, out, 512)

	decoded, err := decodeSignatures(out)
	require.NoError(t, err)
	require.Equal(t, sigs, decoded)
}
