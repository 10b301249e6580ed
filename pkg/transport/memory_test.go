package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryTransportDeliversToRegisteredNode(t *testing.T) {
	mt := NewMemoryTransport()
	inbox := mt.Register("node-2")

	err := mt.Send(context.Background(), &Envelope{
		SourceNodeID: "node-1",
		DestNodeID:   "node-2",
		Payload:      &ChainSyncRequest{FromOffset: 0, ToOffset: 100},
	})
	require.NoError(t, err)

	env := <-inbox
	req, ok := env.Payload.(*ChainSyncRequest)
	require.True(t, ok)
	require.Equal(t, uint64(100), req.ToOffset)
}

func TestMemoryTransportUnknownNodeErrors(t *testing.T) {
	mt := NewMemoryTransport()
	err := mt.Send(context.Background(), &Envelope{DestNodeID: "ghost"})
	require.Error(t, err)
}

func TestBoundTransportSetsSourceNodeID(t *testing.T) {
	mt := NewMemoryTransport()
	mt.Register("node-1")
	inbox := mt.Register("node-2")

	bound := Bind(mt, "node-1")
	require.NoError(t, bound.Send(context.Background(), &Envelope{DestNodeID: "node-2"}))

	env := <-inbox
	require.Equal(t, "node-1", env.SourceNodeID)
}

func TestUnregisterClosesInbox(t *testing.T) {
	mt := NewMemoryTransport()
	mt.Register("node-1")
	mt.Unregister("node-1")

	_, ok := <-mt.Inbox("node-1")
	require.False(t, ok)
}
