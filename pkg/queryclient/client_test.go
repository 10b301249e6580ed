package queryclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cellmesh/cellmesh/pkg/entityindex"
	"github.com/cellmesh/cellmesh/pkg/events"
	"github.com/cellmesh/cellmesh/pkg/mutationindex"
	"github.com/cellmesh/cellmesh/pkg/queryserver"
	"github.com/cellmesh/cellmesh/pkg/transport"
	"github.com/cellmesh/cellmesh/pkg/types"
)

type fakeChain struct{}

func (c *fakeChain) ReadBlockAt(offset uint64) (*types.Block, error) { return nil, nil }
func (c *fakeChain) BlocksIter(from uint64) ([]*types.Block, error)  { return nil, nil }
func (c *fakeChain) NextOffset() uint64                              { return 0 }

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
		m.pending.ops[id] = &types.Operation{OperationID: id, GroupID: id, Type: types.OperationEntry, Entry: mut}
		ev := &events.Event{Type: events.EventNewPendingOperation, OperationID: id}
		if err := m.facade.HandleEvent(ev); err != nil {
			return nil, err
		}
		m.broker.Publish(ev)
		ids = append(ids, id)
	}
	return ids, nil
}

func TestClientMutateAndQueryRoundTrip(t *testing.T) {
	mt := transport.NewMemoryTransport()

	pending := &fakePending{ops: map[uint64]*types.Operation{}}
	facade := entityindex.New(entityindex.Config{}, &fakeChain{}, pending, mutationindex.OpenMemory())
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	mutator := &fakeMutator{pending: pending, facade: facade, broker: broker}

	mt.Register("server-1")
	srv := queryserver.New(queryserver.Config{}, "server-1", mt, mutator, facade, broker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	bound := transport.Bind(mt, "client-1")
	mt.Register("client-1")
	cl := New(Config{QueryTimeout: time.Second, MutationTimeout: time.Second}, "client-1", "server-1", bound)
	go cl.Run(ctx)

	res, err := cl.Mutate(ctx, []*types.EntityMutation{{
		EntityID: "e1",
		Kind:     types.MutationPutTrait,
		PutTrait: &types.Trait{TraitID: "t1", MessageType: "test.Note", MessageData: []byte("hi")},
	}}, "", false)
	require.NoError(t, err)
	require.Len(t, res.OperationIDs, 1)

	qres, err := cl.Query(ctx, mutationindex.Query{Predicate: mutationindex.AllPredicate{}})
	require.NoError(t, err)
	require.Len(t, qres.Entities, 1)
	require.Equal(t, "e1", qres.Entities[0].ID)
}

func TestClientWatchReceivesUpdateAndUnwatchStopsPushes(t *testing.T) {
	mt := transport.NewMemoryTransport()

	pending := &fakePending{ops: map[uint64]*types.Operation{}}
	facade := entityindex.New(entityindex.Config{}, &fakeChain{}, pending, mutationindex.OpenMemory())
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	mutator := &fakeMutator{pending: pending, facade: facade, broker: broker}

	mt.Register("server-1")
	srv := queryserver.New(queryserver.Config{RefreshInterval: 5 * time.Millisecond}, "server-1", mt, mutator, facade, broker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	bound := transport.Bind(mt, "client-1")
	mt.Register("client-1")
	cl := New(Config{QueryTimeout: time.Second, WatchRegisterInterval: time.Minute}, "client-1", "server-1", bound)
	go cl.Run(ctx)

	watchCh, unwatch, err := cl.Watch(ctx, mutationindex.Query{Predicate: mutationindex.AllPredicate{}})
	require.NoError(t, err)

	_, err = mutator.Submit(ctx, []*types.EntityMutation{{
		EntityID: "e1",
		Kind:     types.MutationPutTrait,
		PutTrait: &types.Trait{TraitID: "t1", MessageType: "test.Note", MessageData: []byte("hi")},
	}})
	require.NoError(t, err)

	select {
	case res := <-watchCh:
		require.Len(t, res.Entities, 1)
		require.Equal(t, "e1", res.Entities[0].ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for watch update")
	}

	unwatch()
}
