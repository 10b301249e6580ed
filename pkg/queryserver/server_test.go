package queryserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cellmesh/cellmesh/pkg/entityindex"
	"github.com/cellmesh/cellmesh/pkg/events"
	"github.com/cellmesh/cellmesh/pkg/mutationindex"
	"github.com/cellmesh/cellmesh/pkg/transport"
	"github.com/cellmesh/cellmesh/pkg/types"
)

type fakeChain struct{ next uint64 }

func (c *fakeChain) ReadBlockAt(offset uint64) (*types.Block, error) { return nil, nil }
func (c *fakeChain) BlocksIter(from uint64) ([]*types.Block, error)  { return nil, nil }
func (c *fakeChain) NextOffset() uint64                              { return c.next }

type fakePending struct {
	ops map[uint64]*types.Operation
}

func (p *fakePending) Get(id uint64) (*types.Operation, bool) { op, ok := p.ops[id]; return op, ok }
func (p *fakePending) Iter(from, to uint64) []*types.Operation {
	var out []*types.Operation
	for _, op := range p.ops {
		out = append(out, op)
	}
	return out
}

// fakeMutator mimics pkg/engine.submitLocked's effect on the pending
// store and facade, without signing or a chain, so the server's
// dispatch logic can be tested in isolation.
type fakeMutator struct {
	pending *fakePending
	facade  *entityindex.Facade
	broker  *events.Broker
	nextID  uint64
}

func (m *fakeMutator) Submit(ctx context.Context, mutations []*types.EntityMutation) ([]uint64, error) {
	var ids []uint64
	for _, mut := range mutations {
		m.nextID++
		id := m.nextID
		op := &types.Operation{OperationID: id, GroupID: id, Type: types.OperationEntry, Entry: mut}
		m.pending.ops[id] = op
		ev := &events.Event{Type: events.EventNewPendingOperation, OperationID: id}
		if err := m.facade.HandleEvent(ev); err != nil {
			return nil, err
		}
		m.broker.Publish(ev)
		ids = append(ids, id)
	}
	return ids, nil
}

func newTestServer(t *testing.T, nodeID string, mt *transport.MemoryTransport) (*Server, *fakeMutator) {
	t.Helper()
	pending := &fakePending{ops: map[uint64]*types.Operation{}}
	facade := entityindex.New(entityindex.Config{}, &fakeChain{}, pending, mutationindex.OpenMemory())

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	mutator := &fakeMutator{pending: pending, facade: facade, broker: broker}

	mt.Register(nodeID)
	s := New(Config{WatchExpiry: time.Minute, RefreshInterval: 10 * time.Millisecond}, nodeID, mt, mutator, facade, broker)
	return s, mutator
}

func TestServerHandleQueryReturnsEncodedEntities(t *testing.T) {
	mt := transport.NewMemoryTransport()
	s, mutator := newTestServer(t, "server-1", mt)
	mt.Register("client-1")

	_, err := mutator.Submit(context.Background(), []*types.EntityMutation{{
		EntityID: "e1",
		Kind:     types.MutationPutTrait,
		PutTrait: &types.Trait{TraitID: "t1", MessageType: "test.Note", MessageData: []byte("hi")},
	}})
	require.NoError(t, err)

	predicate, err := transport.EncodeQuery(mutationindex.Query{Predicate: mutationindex.AllPredicate{}})
	require.NoError(t, err)

	ctx := context.Background()
	s.handleEnvelope(ctx, &transport.Envelope{
		SourceNodeID: "client-1",
		Payload:      &transport.QueryRequest{Predicate: predicate},
	})

	env := <-mt.Inbox("client-1")
	resp, ok := env.Payload.(*transport.QueryResponse)
	require.True(t, ok)
	require.Len(t, resp.Entities, 1)

	entity, err := transport.DecodeEntity(resp.Entities[0])
	require.NoError(t, err)
	require.Equal(t, "e1", entity.ID)
}

func TestServerWatchPushesOnChange(t *testing.T) {
	mt := transport.NewMemoryTransport()
	s, mutator := newTestServer(t, "server-1", mt)
	mt.Register("client-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	predicate, err := transport.EncodeQuery(mutationindex.Query{Predicate: mutationindex.AllPredicate{}})
	require.NoError(t, err)

	s.handleEnvelope(ctx, &transport.Envelope{
		SourceNodeID: "client-1",
		Payload:      &transport.QueryRequest{Predicate: predicate, WatchToken: "tok-1"},
	})
	initial := <-mt.Inbox("client-1")
	_, ok := initial.Payload.(*transport.QueryResponse)
	require.True(t, ok)

	_, err = mutator.Submit(ctx, []*types.EntityMutation{{
		EntityID: "e1",
		Kind:     types.MutationPutTrait,
		PutTrait: &types.Trait{TraitID: "t1", MessageType: "test.Note", MessageData: []byte("hi")},
	}})
	require.NoError(t, err)

	select {
	case env := <-mt.Inbox("client-1"):
		pushed, ok := env.Payload.(*transport.WatchedQueryResponse)
		require.True(t, ok)
		require.Equal(t, "tok-1", pushed.WatchToken)
		require.Len(t, pushed.Response.Entities, 1)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for watched query push")
	}
}

func TestServerHandleRPCMutationAndQuery(t *testing.T) {
	mt := transport.NewMemoryTransport()
	s, _ := newTestServer(t, "server-1", mt)

	mutResp := s.HandleRPC(context.Background(), transport.RPCRequest{
		Mutation: &transport.MutationRequest{
			Mutations: []*types.EntityMutation{{
				EntityID: "e1",
				Kind:     types.MutationPutTrait,
				PutTrait: &types.Trait{TraitID: "t1", MessageType: "test.Note", MessageData: []byte("hi")},
			}},
		},
	})
	require.Empty(t, mutResp.Err)
	require.Len(t, mutResp.Mutation.OperationIDs, 1)

	predicate, err := transport.EncodeQuery(mutationindex.Query{Predicate: mutationindex.AllPredicate{}})
	require.NoError(t, err)

	queryResp := s.HandleRPC(context.Background(), transport.RPCRequest{
		Query: &transport.QueryRequest{Predicate: predicate},
	})
	require.Empty(t, queryResp.Err)
	require.Len(t, queryResp.Query.Entities, 1)
}

func TestServerUnwatchRemovesRegistration(t *testing.T) {
	mt := transport.NewMemoryTransport()
	s, _ := newTestServer(t, "server-1", mt)
	mt.Register("client-1")

	ctx := context.Background()
	predicate, err := transport.EncodeQuery(mutationindex.Query{Predicate: mutationindex.AllPredicate{}})
	require.NoError(t, err)

	s.handleEnvelope(ctx, &transport.Envelope{
		SourceNodeID: "client-1",
		Payload:      &transport.QueryRequest{Predicate: predicate, WatchToken: "tok-1"},
	})
	<-mt.Inbox("client-1")
	require.Len(t, s.watches, 1)

	s.handleEnvelope(ctx, &transport.Envelope{
		SourceNodeID: "client-1",
		Payload:      &transport.UnwatchQueryRequest{WatchToken: "tok-1"},
	})
	require.Empty(t, s.watches)
}
