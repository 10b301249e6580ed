package chainsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cellmesh/cellmesh/pkg/chain"
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
			PutTrait: &types.Trait{TraitID: "trait1", MessageType: "test.Note", MessageData: []byte("hi")},
		},
		Signature: []byte("sig"),
	}
}

func appendTestBlock(t *testing.T, s *chain.Store, height uint64, opID uint64) {
	t.Helper()
	next := s.NextOffset()

	var prevHeader *types.BlockHeader
	if height > 0 {
		last, err := s.LastBlock()
		require.NoError(t, err)
		prevHeader = &last.Header
	}

	op := testOperation(opID)
	header, err := chain.BuildHeader(prevHeader, []*types.Operation{op}, opID, "node-1", 256)
	require.NoError(t, err)
	header.Offset = next

	b := &types.Block{
		Header:     header,
		Operations: []*types.Operation{op},
		Signatures: []types.SignatureEntry{{NodeID: "node-1", Signature: []byte("blocksig")}},
	}
	_, err = s.WriteBlock(b)
	require.NoError(t, err)
}

func TestSampleHeadersIncludesTipAndGenesis(t *testing.T) {
	dir := t.TempDir()
	s, err := chain.Open(chain.DefaultConfig(dir))
	require.NoError(t, err)
	defer s.Close()

	for i := uint64(0); i < 5; i++ {
		appendTestBlock(t, s, i, i+1)
	}

	blocks, err := s.BlocksIter(0)
	require.NoError(t, err)
	sample := sampleHeaders(blocks)
	require.NotEmpty(t, sample)
	require.Equal(t, uint64(0), sample[0].Height)
	require.Equal(t, uint64(4), sample[len(sample)-1].Height)
}

func TestFindCommonMatchesSharedHistory(t *testing.T) {
	dir := t.TempDir()
	s, err := chain.Open(chain.DefaultConfig(dir))
	require.NoError(t, err)
	defer s.Close()

	for i := uint64(0); i < 3; i++ {
		appendTestBlock(t, s, i, i+1)
	}
	blocks, err := s.BlocksIter(0)
	require.NoError(t, err)
	sample := sampleHeaders(blocks)

	common, diverged, err := findCommon(sample, sample)
	require.NoError(t, err)
	require.False(t, diverged)
	require.NotNil(t, common)
	require.Equal(t, uint64(2), common.Height)
}

func TestFindCommonDivergesWhenGenesisDiffers(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	sa, err := chain.Open(chain.DefaultConfig(dirA))
	require.NoError(t, err)
	defer sa.Close()
	sb, err := chain.Open(chain.DefaultConfig(dirB))
	require.NoError(t, err)
	defer sb.Close()

	appendTestBlock(t, sa, 0, 1)
	appendTestBlock(t, sb, 0, 2) // different operation id -> different genesis hash

	blocksA, err := sa.BlocksIter(0)
	require.NoError(t, err)
	blocksB, err := sb.BlocksIter(0)
	require.NoError(t, err)

	_, diverged, err := findCommon(sampleHeaders(blocksA), sampleHeaders(blocksB))
	require.NoError(t, err)
	require.True(t, diverged)
}

func TestRequestTrackerPacingAndFailureThreshold(t *testing.T) {
	rt := NewRequestTracker(100*time.Millisecond, 2)
	now := time.Unix(0, 0)
	require.True(t, rt.CanSend(now))
	rt.MarkSent(now)
	require.False(t, rt.CanSend(now))

	require.False(t, rt.MarkResponse(false))
	require.False(t, rt.CanSend(now)) // still inFlight=false now, but interval hasn't passed
	require.True(t, rt.MarkResponse(false))
}

func TestSynchronizerBuildAndHandleRequest(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	sa, err := chain.Open(chain.DefaultConfig(dirA))
	require.NoError(t, err)
	defer sa.Close()
	sb, err := chain.Open(chain.DefaultConfig(dirB))
	require.NoError(t, err)
	defer sb.Close()

	for i := uint64(0); i < 3; i++ {
		appendTestBlock(t, sa, i, i+1)
	}
	appendTestBlock(t, sb, 0, 1)

	cfg := Config{BlocksMaxSendSize: 10, ResponseFailureThreshold: 3, MinRequestInterval: 0, MeaningfulCommitLeeway: 0}
	syncB := New(cfg, "node-b", sb)
	syncB.AddPeer("node-a")

	req, ok, err := syncB.BuildRequest("node-a", time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	syncA := New(cfg, "node-a", sa)
	resp, err := syncA.HandleRequest(req)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Blocks)

	var applied []*types.Block
	err = syncB.HandleResponse("node-a", resp, true, func(b *types.Block) error {
		applied = append(applied, b)
		_, err := sb.WriteBlock(copyWithOffset(b, sb.NextOffset()))
		return err
	})
	require.NoError(t, err)
	require.NotEmpty(t, applied)

	info, ok := syncB.PeerInfo("node-a")
	require.True(t, ok)
	require.Equal(t, StatusSynchronized, info.Status)
}

// copyWithOffset avoids mutating the response's block in place.
func copyWithOffset(b *types.Block, offset uint64) *types.Block {
	h := b.Header
	h.Offset = offset
	return &types.Block{Header: h, Operations: b.Operations, Signatures: b.Signatures}
}

func TestSelectLeaderPrefersHigherSynchronizedPeer(t *testing.T) {
	dir := t.TempDir()
	s, err := chain.Open(chain.DefaultConfig(dir))
	require.NoError(t, err)
	defer s.Close()
	appendTestBlock(t, s, 0, 1)

	cfg := Config{MeaningfulCommitLeeway: 100}
	sc := New(cfg, "node-a", s)
	sc.AddPeer("node-b")

	info, _ := sc.PeerInfo("node-b")
	info.Status = StatusSynchronized
	info.LastKnownBlock = &types.BlockHeader{Height: 5}
	sc.peers["node-b"] = &info

	leader, isSelf := sc.SelectLeader()
	require.Equal(t, "node-b", leader)
	require.False(t, isSelf)
}

func TestSelectLeaderSelfWhenAheadOfAllPeers(t *testing.T) {
	dir := t.TempDir()
	s, err := chain.Open(chain.DefaultConfig(dir))
	require.NoError(t, err)
	defer s.Close()
	for i := uint64(0); i < 5; i++ {
		appendTestBlock(t, s, i, i+1)
	}

	cfg := Config{MeaningfulCommitLeeway: 100}
	sc := New(cfg, "node-a", s)
	sc.AddPeer("node-b")

	info, _ := sc.PeerInfo("node-b")
	info.Status = StatusSynchronized
	info.LastKnownBlock = &types.BlockHeader{Height: 1}
	sc.peers["node-b"] = &info

	leader, isSelf := sc.SelectLeader()
	require.Equal(t, "node-a", leader)
	require.True(t, isSelf)
}
