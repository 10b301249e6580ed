package engine

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cellmesh/cellmesh/pkg/chain"
	"github.com/cellmesh/cellmesh/pkg/chainsync"
	"github.com/cellmesh/cellmesh/pkg/commitmanager"
	"github.com/cellmesh/cellmesh/pkg/entityindex"
	"github.com/cellmesh/cellmesh/pkg/events"
	"github.com/cellmesh/cellmesh/pkg/hlc"
	"github.com/cellmesh/cellmesh/pkg/mutationindex"
	"github.com/cellmesh/cellmesh/pkg/pending"
	"github.com/cellmesh/cellmesh/pkg/pendingsync"
	"github.com/cellmesh/cellmesh/pkg/security"
	"github.com/cellmesh/cellmesh/pkg/transport"
	"github.com/cellmesh/cellmesh/pkg/types"
)

type multiVerifier map[string]ed25519.PublicKey

func (v multiVerifier) NodePublicKey(nodeID string) (ed25519.PublicKey, bool) {
	pk, ok := v[nodeID]
	return pk, ok
}

func testMutation(entityID string) *types.EntityMutation {
	return &types.EntityMutation{
		EntityID: entityID,
		Kind:     types.MutationPutTrait,
		PutTrait: &types.Trait{TraitID: "t1", MessageType: "test.Note", MessageData: []byte("hello")},
	}
}

func newTestEngine(t *testing.T, nodeID string, chainNodes, peers []string, mt *transport.MemoryTransport, verifier security.Verifier, kp *security.KeyPair) *Engine {
	t.Helper()

	store, err := chain.Open(chain.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pendingStore := pending.New()
	clock := hlc.NewClock(nodeID)

	commitCfg := commitmanager.Config{
		CommitMaximumInterval:            time.Second,
		BlockProposalTimeout:             time.Minute,
		OperationsCleanupAfterBlockDepth: 0,
	}
	commitMgr := commitmanager.New(commitCfg, nodeID, chainNodes, store, pendingStore, clock, kp, verifier)

	chainSyncCfg := chainsync.Config{
		BlocksMaxSendSize:        16,
		ResponseFailureThreshold: 3,
		MinRequestInterval:       0,
		MeaningfulCommitLeeway:   0,
	}
	chainSyncer := chainsync.New(chainSyncCfg, nodeID, store)
	for _, p := range peers {
		chainSyncer.AddPeer(p)
	}

	pendingSyncer := pendingsync.New(pendingsync.Config{RangesMaxOperations: 50}, pendingStore)

	index := entityindex.New(entityindex.Config{DiscontinuityLeeway: 5}, store, pendingStore, mutationindex.OpenMemory())

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	mt.Register(nodeID)
	bound := transport.Bind(mt, nodeID)

	return New(Config{TickInterval: time.Second}, nodeID, peers, bound, store, pendingStore, clock, kp, commitMgr, chainSyncer, pendingSyncer, index, broker)
}

func TestEngineTickCommitsAndIndexesSingleNode(t *testing.T) {
	mt := transport.NewMemoryTransport()
	kp, err := security.NewKeyPair()
	require.NoError(t, err)
	verifier := multiVerifier{"node-1": kp.Public}

	e := newTestEngine(t, "node-1", []string{"node-1"}, nil, mt, verifier, kp)

	ids := e.submitLocked([]*types.EntityMutation{testMutation("entity1")})
	require.Len(t, ids, 1)

	// commit is two-phase: the first tick proposes, the second signs and commits.
	e.tick(context.Background(), time.Now())
	e.tick(context.Background(), time.Now())

	last, err := e.chainStore.LastBlock()
	require.NoError(t, err)
	require.NotNil(t, last)
	require.Equal(t, uint64(0), last.Header.Height)

	res, err := e.index.Query(entityindex.QueryRequest{Query: mutationindex.Query{Predicate: mutationindex.AllPredicate{}}})
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	require.Equal(t, "entity1", res.Entities[0].Entity.ID)
}

func TestEngineHandleEnvelopePendingSyncRequestIngestsAndIndexes(t *testing.T) {
	mt := transport.NewMemoryTransport()
	kpA, err := security.NewKeyPair()
	require.NoError(t, err)
	kpB, err := security.NewKeyPair()
	require.NoError(t, err)
	verifier := multiVerifier{"node-1": kpA.Public, "node-2": kpB.Public}

	a := newTestEngine(t, "node-1", []string{"node-1", "node-2"}, nil, mt, verifier, kpA)
	b := newTestEngine(t, "node-2", []string{"node-1", "node-2"}, nil, mt, verifier, kpB)

	a.submitLocked([]*types.EntityMutation{testMutation("entity1")})

	ctx := context.Background()
	req := a.pendingSync.BuildRequest(0, pendingsync.CleanupWatermark{})
	a.send(ctx, "node-2", req)

	env := <-mt.Inbox("node-2")
	gotReq, ok := env.Payload.(*transport.PendingSyncRequest)
	require.True(t, ok)

	b.handleEnvelope(ctx, &transport.Envelope{SourceNodeID: "node-1", DestNodeID: "node-2", Payload: gotReq})

	require.Equal(t, 1, b.pendingStore.Count())
	res, err := b.index.Query(entityindex.QueryRequest{Query: mutationindex.Query{Predicate: mutationindex.AllPredicate{}}})
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
}

func TestEngineHandleEnvelopeChainSyncRequestFromEmptyPeerIsNoop(t *testing.T) {
	mt := transport.NewMemoryTransport()
	kpA, err := security.NewKeyPair()
	require.NoError(t, err)
	verifier := multiVerifier{"node-1": kpA.Public}

	a := newTestEngine(t, "node-1", []string{"node-1"}, nil, mt, verifier, kpA)
	mt.Register("node-2") // valid destination for a's reply; no peer tracked on a's chain syncer

	a.submitLocked([]*types.EntityMutation{testMutation("entity1")})
	ctx := context.Background()
	a.tick(ctx, time.Now()) // proposes
	a.tick(ctx, time.Now()) // signs and commits
	require.NotNil(t, mustLastBlock(t, a))

	emptyReq := &transport.ChainSyncRequest{FromOffset: 0, ToOffset: 0}
	a.handleEnvelope(ctx, &transport.Envelope{SourceNodeID: "node-2", DestNodeID: "node-1", Payload: emptyReq})

	env := <-mt.Inbox("node-2")
	resp, ok := env.Payload.(*transport.ChainSyncResponse)
	require.True(t, ok)
	require.NotEmpty(t, resp.Headers)
	require.Empty(t, resp.Blocks) // common is nil for a peer with no headers at all: nothing to forward
}

func TestEngineSubmitRoundTripsThroughRunLoop(t *testing.T) {
	mt := transport.NewMemoryTransport()
	kp, err := security.NewKeyPair()
	require.NoError(t, err)
	verifier := multiVerifier{"node-1": kp.Public}

	e := newTestEngine(t, "node-1", []string{"node-1"}, nil, mt, verifier, kp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	ids, err := e.Submit(ctx, []*types.EntityMutation{testMutation("entity1")})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	cancel()
	<-done
}

func TestEngineTriggerGCRunsOutOfBand(t *testing.T) {
	mt := transport.NewMemoryTransport()
	kp, err := security.NewKeyPair()
	require.NoError(t, err)
	verifier := multiVerifier{"node-1": kp.Public}

	e := newTestEngine(t, "node-1", []string{"node-1"}, nil, mt, verifier, kp)
	e.cfg.GC = entityindex.GCConfig{DeletedEntityCollection: time.Nanosecond, MinOperationAge: 0}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	ids, err := e.Submit(ctx, []*types.EntityMutation{{
		EntityID: "entity1",
		Kind:     types.MutationDeleteEntity,
	}})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, e.TriggerGC(ctx))

	cancel()
	<-done
}

func mustLastBlock(t *testing.T, e *Engine) *types.Block {
	t.Helper()
	b, err := e.chainStore.LastBlock()
	require.NoError(t, err)
	return b
}
