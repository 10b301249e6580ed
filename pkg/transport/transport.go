package transport

import (
	"context"
	"fmt"
)

// Transport is the peer-to-peer side the chain/pending synchronizers
// and commit manager exchange Envelopes over. A real implementation
// would back Send/Inbox with signed, length-prefixed frames over gRPC;
// see this package's doc comment for why that is not hand-rolled here.
type Transport interface {
	// Send delivers env to env.DestNodeID. It returns once the message
	// has been handed off, not once it has been processed.
	Send(ctx context.Context, env *Envelope) error

	// Inbox returns the channel this node's own messages arrive on.
	Inbox(nodeID string) <-chan *Envelope
}

// EngineTransport is the narrower interface pkg/engine depends on: it
// sends with its own node id as the source and receives only from its
// own node id's inbox.
type EngineTransport interface {
	Send(ctx context.Context, env *Envelope) error
	Inbox() <-chan *Envelope
}

// boundTransport adapts a Transport plus a fixed local node id to the
// narrower EngineTransport shape.
type boundTransport struct {
	t      Transport
	nodeID string
}

// Bind returns an EngineTransport scoped to nodeID.
func Bind(t Transport, nodeID string) EngineTransport {
	return &boundTransport{t: t, nodeID: nodeID}
}

func (b *boundTransport) Send(ctx context.Context, env *Envelope) error {
	env.SourceNodeID = b.nodeID
	return b.t.Send(ctx, env)
}

func (b *boundTransport) Inbox() <-chan *Envelope {
	return b.t.Inbox(b.nodeID)
}

var errUnknownNode = func(nodeID string) error { return fmt.Errorf("transport: unknown node %q", nodeID) }
