package queryclient

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cellmesh/cellmesh/pkg/aggregator"
	"github.com/cellmesh/cellmesh/pkg/log"
	"github.com/cellmesh/cellmesh/pkg/mutationindex"
	"github.com/cellmesh/cellmesh/pkg/transport"
	"github.com/cellmesh/cellmesh/pkg/types"
)

// Config bounds request deadlines and watch re-registration pacing.
type Config struct {
	QueryTimeout          time.Duration
	MutationTimeout       time.Duration
	WatchRegisterInterval time.Duration
}

// Result is a query or mutation response, decoded off the wire.
type Result struct {
	OperationIDs   []uint64
	Entities       []*aggregator.Entity
	EstimatedCount int
	NextPageOffset *int
	Hash           uint64
	SkippedHash    bool
}

type watchHandle struct {
	ch     chan Result
	cancel chan struct{}
}

// Client is the §6 remote query/mutation client: one Query or Mutate
// call is in flight at a time (serialized by queryMu/mutationMu), plus
// any number of concurrently live Watch streams.
type Client struct {
	cfg    Config
	selfID string
	server string
	t      transport.EngineTransport
	logger zerolog.Logger

	queryMu      sync.Mutex
	queryReplyCh chan *transport.QueryResponse

	mutationMu      sync.Mutex
	mutationReplyCh chan *transport.MutationResponse

	watchMu  sync.Mutex
	watches  map[string]*watchHandle
	tokenSeq uint64
}

// New builds a Client that talks to serverNodeID over t, which must
// already be bound to this client's own node id (so replies and
// watched-query pushes land on its own inbox without colliding with
// any other node's traffic on the same transport).
func New(cfg Config, selfID, serverNodeID string, t transport.EngineTransport) *Client {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Second
	}
	if cfg.MutationTimeout <= 0 {
		cfg.MutationTimeout = 5 * time.Second
	}
	if cfg.WatchRegisterInterval <= 0 {
		cfg.WatchRegisterInterval = 30 * time.Second
	}
	return &Client{
		cfg:              cfg,
		selfID:           selfID,
		server:           serverNodeID,
		t:                t,
		logger:           log.WithComponent("queryclient").With().Str("node_id", selfID).Logger(),
		queryReplyCh:     make(chan *transport.QueryResponse, 1),
		mutationReplyCh:  make(chan *transport.MutationResponse, 1),
		watches:          make(map[string]*watchHandle),
	}
}

// Run dispatches inbound replies and watched-query pushes until ctx is
// cancelled. Exactly one goroutine should call Run for a given Client.
func (c *Client) Run(ctx context.Context) error {
	inbox := c.t.Inbox()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-inbox:
			if !ok {
				return nil
			}
			c.dispatch(env)
		}
	}
}

func (c *Client) dispatch(env *transport.Envelope) {
	switch p := env.Payload.(type) {
	case *transport.QueryResponse:
		select {
		case c.queryReplyCh <- p:
		default:
		}
	case *transport.MutationResponse:
		select {
		case c.mutationReplyCh <- p:
		default:
		}
	case *transport.WatchedQueryResponse:
		c.watchMu.Lock()
		h, ok := c.watches[p.WatchToken]
		c.watchMu.Unlock()
		if !ok {
			return
		}
		res := decodeQueryResponse(&p.Response)
		select {
		case h.ch <- res:
		default:
			// slow watcher: coalesced into the next push, per spec.
		}
	default:
		c.logger.Warn().Msg("unhandled reply type")
	}
}

// Query executes q once and returns its decoded result, or an error if
// ctx is cancelled or the configured query timeout elapses first.
func (c *Client) Query(ctx context.Context, q mutationindex.Query) (Result, error) {
	c.queryMu.Lock()
	defer c.queryMu.Unlock()

	predicate, err := transport.EncodeQuery(q)
	if err != nil {
		return Result{}, fmt.Errorf("encode query: %w", err)
	}
	req := &transport.QueryRequest{
		Predicate:      predicate,
		IncludeDeleted: q.IncludeDeleted,
		ResultHash:     q.ResultHash,
	}

	deadline, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()

	if err := c.send(deadline, req); err != nil {
		return Result{}, err
	}
	select {
	case resp := <-c.queryReplyCh:
		return decodeQueryResponse(resp), nil
	case <-deadline.Done():
		return Result{}, deadline.Err()
	}
}

// Mutate submits mutations and returns their minted operation ids
// (and, if returnEntities is set, the post-mutation entity state the
// server had on hand).
func (c *Client) Mutate(ctx context.Context, mutations []*types.EntityMutation, commonEntityID string, returnEntities bool) (Result, error) {
	c.mutationMu.Lock()
	defer c.mutationMu.Unlock()

	req := &transport.MutationRequest{
		Mutations:      mutations,
		ReturnEntities: returnEntities,
		CommonEntityID: commonEntityID,
	}

	deadline, cancel := context.WithTimeout(ctx, c.cfg.MutationTimeout)
	defer cancel()

	if err := c.send(deadline, req); err != nil {
		return Result{}, err
	}
	select {
	case resp := <-c.mutationReplyCh:
		return Result{OperationIDs: resp.OperationIDs, Entities: decodeEntities(resp.Entities)}, nil
	case <-deadline.Done():
		return Result{}, deadline.Err()
	}
}

// Watch registers q as a watched query and returns a channel of
// result updates plus a function to drop the watch. Per §6, the
// registration is renewed every WatchRegisterInterval and a dropped
// watch sends an explicit unwatch message.
func (c *Client) Watch(ctx context.Context, q mutationindex.Query) (<-chan Result, func(), error) {
	predicate, err := transport.EncodeQuery(q)
	if err != nil {
		return nil, nil, fmt.Errorf("encode query: %w", err)
	}
	token := fmt.Sprintf("%s/%d", c.selfID, atomic.AddUint64(&c.tokenSeq, 1))
	req := &transport.QueryRequest{
		Predicate:      predicate,
		WatchToken:     token,
		IncludeDeleted: q.IncludeDeleted,
		ResultHash:     q.ResultHash,
	}

	h := &watchHandle{ch: make(chan Result, 4), cancel: make(chan struct{})}
	c.watchMu.Lock()
	c.watches[token] = h
	c.watchMu.Unlock()

	if err := c.send(ctx, req); err != nil {
		c.watchMu.Lock()
		delete(c.watches, token)
		c.watchMu.Unlock()
		return nil, nil, err
	}

	go c.reregisterLoop(ctx, req, h.cancel)

	unwatch := func() {
		c.watchMu.Lock()
		delete(c.watches, token)
		c.watchMu.Unlock()
		close(h.cancel)
		_ = c.send(context.Background(), &transport.UnwatchQueryRequest{WatchToken: token})
	}
	return h.ch, unwatch, nil
}

func (c *Client) reregisterLoop(ctx context.Context, req *transport.QueryRequest, cancel chan struct{}) {
	ticker := time.NewTicker(c.cfg.WatchRegisterInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-cancel:
			return
		case <-ticker.C:
			if err := c.send(ctx, req); err != nil {
				c.logger.Warn().Err(err).Str("token", req.WatchToken).Msg("watch re-registration failed")
			}
		}
	}
}

func (c *Client) send(ctx context.Context, payload interface{}) error {
	env := &transport.Envelope{DestNodeID: c.server, Payload: payload}
	return c.t.Send(ctx, env)
}

func decodeQueryResponse(resp *transport.QueryResponse) Result {
	return Result{
		Entities:       decodeEntities(resp.Entities),
		EstimatedCount: resp.EstimatedCount,
		NextPageOffset: resp.NextPageOffset,
		Hash:           resp.Hash,
		SkippedHash:    resp.SkippedHash,
	}
}

func decodeEntities(raw [][]byte) []*aggregator.Entity {
	if len(raw) == 0 {
		return nil
	}
	out := make([]*aggregator.Entity, 0, len(raw))
	for _, b := range raw {
		e, err := transport.DecodeEntity(b)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out
}
