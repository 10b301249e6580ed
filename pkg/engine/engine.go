package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cellmesh/cellmesh/pkg/chain"
	"github.com/cellmesh/cellmesh/pkg/chainsync"
	"github.com/cellmesh/cellmesh/pkg/commitmanager"
	"github.com/cellmesh/cellmesh/pkg/entityindex"
	"github.com/cellmesh/cellmesh/pkg/events"
	"github.com/cellmesh/cellmesh/pkg/hlc"
	"github.com/cellmesh/cellmesh/pkg/log"
	"github.com/cellmesh/cellmesh/pkg/mutationindex"
	"github.com/cellmesh/cellmesh/pkg/pending"
	"github.com/cellmesh/cellmesh/pkg/pendingsync"
	"github.com/cellmesh/cellmesh/pkg/security"
	"github.com/cellmesh/cellmesh/pkg/transport"
	"github.com/cellmesh/cellmesh/pkg/types"

	"github.com/rs/zerolog"
)

// Config bounds the engine's own timing: how often it ticks the commit
// and sync loops, how often it sweeps garbage, and what GC policy it
// applies.
type Config struct {
	TickInterval time.Duration
	GCInterval   time.Duration
	GC           entityindex.GCConfig
}

// mutationRequest is one client-submitted batch of mutations, queued
// onto the engine loop for sequential signing and insertion.
type mutationRequest struct {
	mutations []*types.EntityMutation
	resultCh  chan mutationResult
}

type mutationResult struct {
	operationIDs []uint64
	err          error
}

// Engine ties one node's storage, synchronizers, commit manager, and
// entity index together behind a single run loop.
type Engine struct {
	cfg    Config
	nodeID string
	peers  []string

	transport   transport.EngineTransport
	chainStore  *chain.Store
	pendingStore *pending.Store
	clock       *hlc.Clock
	keypair     *security.KeyPair

	commitMgr   *commitmanager.Manager
	chainSync   *chainsync.Synchronizer
	pendingSync *pendingsync.Synchronizer
	index       *entityindex.Facade
	broker      *events.Broker

	mutationCh chan *mutationRequest
	gcTriggerCh chan chan struct{}
	logger     zerolog.Logger
}

// New builds an Engine from its already-constructed dependencies. Each
// dependency is expected to have been wired by the caller (typically
// cmd/cellmeshd) since several of them (the chain store, the entity
// index's persistent side) carry their own lifecycle and error paths.
func New(
	cfg Config,
	nodeID string,
	peers []string,
	t transport.EngineTransport,
	chainStore *chain.Store,
	pendingStore *pending.Store,
	clock *hlc.Clock,
	keypair *security.KeyPair,
	commitMgr *commitmanager.Manager,
	chainSync *chainsync.Synchronizer,
	pendingSync *pendingsync.Synchronizer,
	index *entityindex.Facade,
	broker *events.Broker,
) *Engine {
	return &Engine{
		cfg:          cfg,
		nodeID:       nodeID,
		peers:        peers,
		transport:    t,
		chainStore:   chainStore,
		pendingStore: pendingStore,
		clock:        clock,
		keypair:      keypair,
		commitMgr:    commitMgr,
		chainSync:    chainSync,
		pendingSync:  pendingSync,
		index:        index,
		broker:       broker,
		mutationCh:   make(chan *mutationRequest, 64),
		gcTriggerCh:  make(chan chan struct{}),
		logger:       log.WithComponent("engine").With().Str("node_id", nodeID).Logger(),
	}
}

// Submit signs and inserts mutations as a new entry operation per
// mutation, returning their minted operation ids once the engine loop
// has accepted them into the pending store. It blocks until the engine
// loop processes the request or ctx is done.
func (e *Engine) Submit(ctx context.Context, mutations []*types.EntityMutation) ([]uint64, error) {
	if len(mutations) == 0 {
		return nil, nil
	}
	req := &mutationRequest{mutations: mutations, resultCh: make(chan mutationResult, 1)}
	select {
	case e.mutationCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.resultCh:
		return res.operationIDs, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TriggerGC runs one garbage-collection sweep immediately, outside the
// engine's regular GCInterval ticking, and blocks until it completes.
// Used by cmd/cellmeshctl's manual GC operation.
func (e *Engine) TriggerGC(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case e.gcTriggerCh <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the engine loop until ctx is cancelled or the transport
// inbox is closed. Exactly one goroutine should ever call Run for a
// given Engine.
func (e *Engine) Run(ctx context.Context) error {
	tickInterval := e.cfg.TickInterval
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	gcInterval := e.cfg.GCInterval
	var gcTicker *time.Ticker
	var gcCh <-chan time.Time
	if gcInterval > 0 {
		gcTicker = time.NewTicker(gcInterval)
		defer gcTicker.Stop()
		gcCh = gcTicker.C
	}

	inbox := e.transport.Inbox()
	e.logger.Info().Strs("peers", e.peers).Msg("engine started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-inbox:
			if !ok {
				return nil
			}
			e.handleEnvelope(ctx, env)
		case req := <-e.mutationCh:
			ids := e.submitLocked(req.mutations)
			req.resultCh <- mutationResult{operationIDs: ids}
		case now := <-ticker.C:
			e.tick(ctx, now)
		case now := <-gcCh:
			e.runGC(now)
		case reply := <-e.gcTriggerCh:
			e.runGC(time.Now())
			close(reply)
		}
	}
}

// tick runs one round of the commit loop and, for every peer, issues a
// chain-sync request if that peer's pacing allows it and a pending-sync
// request unconditionally.
func (e *Engine) tick(ctx context.Context, now time.Time) {
	result, err := e.commitMgr.Tick(now)
	if err != nil {
		e.logger.Error().Err(err).Msg("commit manager tick failed")
	}
	for _, op := range result.EmittedOperations {
		e.publishNewOperation(op.OperationID)
	}
	if result.CommittedBlock != nil {
		e.logger.Info().
			Uint64("height", result.CommittedBlock.Header.Height).
			Uint64("offset", result.CommittedBlock.Header.Offset).
			Msg("committed block")
		e.publishNewBlock(result.CommittedBlock.Header.Offset)
	}

	for _, peer := range e.peers {
		if req, ok, err := e.chainSync.BuildRequest(peer, now); err != nil {
			e.logger.Warn().Err(err).Str("peer", peer).Msg("build chain sync request failed")
		} else if ok {
			e.send(ctx, peer, req)
		}

		watermark := pendingsync.CleanupWatermark{Height: e.commitMgr.CleanupWatermark()}
		req := e.pendingSync.BuildRequest(0, watermark)
		e.send(ctx, peer, req)
	}
}

// runGC re-aggregates every currently known entity and submits the
// delete_operations mutations pkg/entityindex's garbage policies
// decide on, the same way a client-submitted mutation is submitted.
func (e *Engine) runGC(now time.Time) {
	result, err := e.index.Query(entityindex.QueryRequest{
		Query: mutationindex.Query{Predicate: mutationindex.AllPredicate{}, IncludeDeleted: true},
	})
	if err != nil {
		e.logger.Error().Err(err).Msg("gc query failed")
		return
	}
	ids := make([]string, 0, len(result.Entities))
	for _, er := range result.Entities {
		ids = append(ids, er.Entity.ID)
	}

	mutations := e.index.CollectGarbage(now, e.cfg.GC, ids)
	if len(mutations) == 0 {
		return
	}
	e.logger.Info().Int("mutations", len(mutations)).Msg("gc sweep")
	e.submitLocked(mutations)
}

// submitLocked mints, signs, and inserts one entry operation per
// mutation. It must only be called from the engine's own goroutine.
func (e *Engine) submitLocked(mutations []*types.EntityMutation) []uint64 {
	ids := make([]uint64, 0, len(mutations))
	for _, m := range mutations {
		id := e.clock.ConsistentTime()
		op := &types.Operation{
			OperationID: id,
			GroupID:     id,
			NodeID:      e.nodeID,
			Type:        types.OperationEntry,
			Entry:       m,
		}
		op.Signature = security.Sign(e.keypair.Private, op.FrameBytes())
		e.pendingStore.Put(op)
		ids = append(ids, id)
		e.publishNewOperation(id)
	}
	return ids
}

// handleEnvelope dispatches one inbound transport message by payload
// type.
func (e *Engine) handleEnvelope(ctx context.Context, env *transport.Envelope) {
	switch p := env.Payload.(type) {
	case *transport.ChainSyncRequest:
		resp, err := e.chainSync.HandleRequest(p)
		if err != nil {
			e.logger.Warn().Err(err).Str("peer", env.SourceNodeID).Msg("chain sync request failed")
			return
		}
		e.send(ctx, env.SourceNodeID, resp)

	case *transport.ChainSyncResponse:
		leaderID, isSelf := e.chainSync.SelectLeader()
		isLeader := !isSelf && leaderID == env.SourceNodeID
		err := e.chainSync.HandleResponse(env.SourceNodeID, p, isLeader, e.applyBlock(ctx))
		var diverged *chainsync.ErrDiverged
		switch {
		case errors.As(err, &diverged):
			ev := &events.Event{Type: events.EventChainDiverged, BlockOffset: e.chainStore.NextOffset(), PeerNodeID: env.SourceNodeID}
			e.broker.Publish(ev)
			if hErr := e.index.HandleEvent(ev); hErr != nil {
				e.logger.Error().Err(hErr).Msg("index handle chain diverged failed")
			}
		case err != nil:
			e.logger.Warn().Err(err).Str("peer", env.SourceNodeID).Msg("chain sync response failed")
		}

	case *transport.PendingSyncRequest:
		resp, newIDs, err := e.pendingSync.HandleRequest(p)
		if err != nil {
			e.logger.Warn().Err(err).Str("peer", env.SourceNodeID).Msg("pending sync request failed")
			return
		}
		for _, id := range newIDs {
			e.publishNewOperation(id)
		}
		e.send(ctx, env.SourceNodeID, resp)

	case *transport.PendingSyncResponse:
		newIDs := e.pendingSync.HandleResponse(p)
		for _, id := range newIDs {
			e.publishNewOperation(id)
		}

	default:
		e.logger.Warn().Str("peer", env.SourceNodeID).Msg("unhandled envelope payload type")
	}
}

// applyBlock returns the callback chainsync.HandleResponse uses to
// apply synced blocks in order: write to the chain store, mark their
// operations committed in the pending store (inserting them if we
// never saw them pending), and publish the block event.
func (e *Engine) applyBlock(ctx context.Context) func(*types.Block) error {
	return func(b *types.Block) error {
		if _, err := e.chainStore.WriteBlock(b); err != nil {
			return fmt.Errorf("apply synced block: %w", err)
		}
		status := types.CommitStatus{Kind: types.CommitCommitted, BlockOffset: b.Header.Offset, BlockHeight: b.Header.Height}
		for _, op := range b.Operations {
			e.pendingStore.Put(op)
			e.pendingStore.UpdateCommitStatus(op.OperationID, status)
		}
		e.publishNewBlock(b.Header.Offset)
		return nil
	}
}

func (e *Engine) publishNewOperation(operationID uint64) {
	ev := &events.Event{Type: events.EventNewPendingOperation, OperationID: operationID}
	e.broker.Publish(ev)
	if err := e.index.HandleEvent(ev); err != nil {
		e.logger.Error().Err(err).Uint64("operation_id", operationID).Msg("index handle new pending operation failed")
	}
}

func (e *Engine) publishNewBlock(offset uint64) {
	ev := &events.Event{Type: events.EventNewChainBlock, BlockOffset: offset}
	e.broker.Publish(ev)
	if err := e.index.HandleEvent(ev); err != nil {
		e.logger.Error().Err(err).Uint64("offset", offset).Msg("index handle new chain block failed")
	}
}

func (e *Engine) send(ctx context.Context, peer string, payload interface{}) {
	env := &transport.Envelope{DestNodeID: peer, Payload: payload}
	if err := e.transport.Send(ctx, env); err != nil {
		e.logger.Warn().Err(err).Str("peer", peer).Msg("send failed")
	}
}
