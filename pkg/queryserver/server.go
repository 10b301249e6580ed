package queryserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cellmesh/cellmesh/pkg/entityindex"
	"github.com/cellmesh/cellmesh/pkg/events"
	"github.com/cellmesh/cellmesh/pkg/log"
	"github.com/cellmesh/cellmesh/pkg/types"

	"github.com/cellmesh/cellmesh/pkg/transport"
)

// Mutator is the slice of pkg/engine the server submits client
// mutations through.
type Mutator interface {
	Submit(ctx context.Context, mutations []*types.EntityMutation) ([]uint64, error)
}

// Querier is the slice of pkg/entityindex.Facade the server executes
// client queries against.
type Querier interface {
	Query(req entityindex.QueryRequest) (entityindex.QueryResult, error)
}

// GCTrigger is implemented by pkg/engine.Engine. It is optional: a
// Mutator used only in tests need not support it, and HandleRPC
// reports an error for a gc request when it's absent.
type GCTrigger interface {
	TriggerGC(ctx context.Context) error
}

// Config bounds the server's watched-query bookkeeping.
type Config struct {
	// WatchExpiry is how long a watch may go without the client
	// re-registering it before the server drops it.
	WatchExpiry time.Duration
	// RefreshInterval is how often registered watches are swept for
	// expiry. Result hashes are re-checked whenever the broker delivers
	// an event, not on this interval.
	RefreshInterval time.Duration
}

type watchEntry struct {
	clientNodeID string
	query        entityindex.QueryRequest
	lastHash     uint64
	registeredAt time.Time
}

// Server dispatches §6 mutation_request/query_request/
// unwatch_query_request messages and pushes watched_query_response
// notifications when a registered query's result set changes.
type Server struct {
	cfg     Config
	nodeID  string
	t       transport.Transport
	mutator Mutator
	querier Querier
	broker  *events.Broker
	logger  zerolog.Logger

	mu      sync.Mutex
	watches map[string]*watchEntry
}

// New builds a Server bound to nodeID's transport inbox.
func New(cfg Config, nodeID string, t transport.Transport, mutator Mutator, querier Querier, broker *events.Broker) *Server {
	if cfg.WatchExpiry <= 0 {
		cfg.WatchExpiry = time.Minute
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Second
	}
	return &Server{
		cfg:     cfg,
		nodeID:  nodeID,
		t:       t,
		mutator: mutator,
		querier: querier,
		broker:  broker,
		logger:  log.WithComponent("queryserver").With().Str("node_id", nodeID).Logger(),
		watches: make(map[string]*watchEntry),
	}
}

// Run drives the server loop until ctx is cancelled: dispatching
// inbound requests, refreshing watched queries whenever the broker
// reports activity, and sweeping watches the client stopped
// re-registering.
func (s *Server) Run(ctx context.Context) error {
	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	inbox := s.t.Inbox(s.nodeID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-inbox:
			if !ok {
				return nil
			}
			s.handleEnvelope(ctx, env)
		case <-sub:
			// drain events already queued so a burst triggers one refresh
			for drained := false; !drained; {
				select {
				case <-sub:
				default:
					drained = true
				}
			}
			s.refreshWatches(ctx)
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

func (s *Server) handleEnvelope(ctx context.Context, env *transport.Envelope) {
	switch req := env.Payload.(type) {
	case *transport.MutationRequest:
		s.handleMutation(ctx, env.SourceNodeID, req)
	case *transport.QueryRequest:
		s.handleQuery(ctx, env.SourceNodeID, req)
	case *transport.UnwatchQueryRequest:
		s.mu.Lock()
		delete(s.watches, req.WatchToken)
		s.mu.Unlock()
	default:
		s.logger.Warn().Str("client", env.SourceNodeID).Msg("unhandled request type")
	}
}

func (s *Server) handleMutation(ctx context.Context, client string, req *transport.MutationRequest) {
	s.send(ctx, client, s.buildMutationResponse(ctx, req))
}

func (s *Server) buildMutationResponse(ctx context.Context, req *transport.MutationRequest) *transport.MutationResponse {
	for _, m := range req.Mutations {
		if m.EntityID == "" {
			m.EntityID = req.CommonEntityID
		}
	}
	ids, err := s.mutator.Submit(ctx, req.Mutations)
	resp := &transport.MutationResponse{OperationIDs: ids}
	if err != nil {
		s.logger.Warn().Err(err).Msg("mutation submit failed")
		return resp
	}
	if req.ReturnEntities {
		resp.Entities = s.encodeEntitiesByID(mutatedEntityIDs(req.Mutations))
	}
	return resp
}

func (s *Server) handleQuery(ctx context.Context, client string, req *transport.QueryRequest) {
	eq, result, err := s.executeQuery(req)
	if err != nil {
		s.logger.Warn().Err(err).Str("client", client).Msg("query failed")
		s.send(ctx, client, &transport.QueryResponse{})
		return
	}

	if req.WatchToken != "" {
		s.mu.Lock()
		s.watches[req.WatchToken] = &watchEntry{
			clientNodeID: client,
			query:        eq,
			lastHash:     result.Hash,
			registeredAt: time.Now(),
		}
		s.mu.Unlock()
	}

	resp, err := encodeQueryResult(result)
	if err != nil {
		s.logger.Error().Err(err).Str("client", client).Msg("encode query result failed")
		return
	}
	s.send(ctx, client, resp)
}

// executeQuery decodes and runs req against the facade, without any
// watch bookkeeping: shared by handleQuery and HandleRPC.
func (s *Server) executeQuery(req *transport.QueryRequest) (entityindex.QueryRequest, entityindex.QueryResult, error) {
	q, err := transport.DecodeQuery(req.Predicate)
	if err != nil {
		return entityindex.QueryRequest{}, entityindex.QueryResult{}, fmt.Errorf("decode query: %w", err)
	}
	q.IncludeDeleted = req.IncludeDeleted
	q.ResultHash = req.ResultHash

	eq := entityindex.QueryRequest{Query: q}
	result, err := s.querier.Query(eq)
	if err != nil {
		return entityindex.QueryRequest{}, entityindex.QueryResult{}, err
	}
	return eq, result, nil
}

// HandleRPC answers a one-shot cmd/cellmeshctl request over
// transport.ServeRPC. Unlike handleQuery, a watch_token on the request
// is ignored: a one-shot RPC connection has no standing peer to push
// watched_query_response notifications to.
func (s *Server) HandleRPC(ctx context.Context, req transport.RPCRequest) transport.RPCResponse {
	switch {
	case req.Mutation != nil:
		return transport.RPCResponse{Mutation: s.buildMutationResponse(ctx, req.Mutation)}
	case req.Query != nil:
		_, result, err := s.executeQuery(req.Query)
		if err != nil {
			return transport.RPCResponse{Err: err.Error()}
		}
		resp, err := encodeQueryResult(result)
		if err != nil {
			return transport.RPCResponse{Err: err.Error()}
		}
		return transport.RPCResponse{Query: resp}
	case req.GC:
		trigger, ok := s.mutator.(GCTrigger)
		if !ok {
			return transport.RPCResponse{Err: "gc trigger not supported by this server"}
		}
		if err := trigger.TriggerGC(ctx); err != nil {
			return transport.RPCResponse{Err: err.Error()}
		}
		return transport.RPCResponse{GCDone: true}
	default:
		return transport.RPCResponse{Err: "empty rpc request"}
	}
}

// refreshWatches re-executes every registered watch and pushes an
// unsolicited response to clients whose result hash changed. Events
// are coalesced: a burst of engine activity between two broker reads
// still only triggers one re-execution per watch.
func (s *Server) refreshWatches(ctx context.Context) {
	s.mu.Lock()
	entries := make(map[string]*watchEntry, len(s.watches))
	for token, w := range s.watches {
		entries[token] = w
	}
	s.mu.Unlock()

	for token, w := range entries {
		result, err := s.querier.Query(w.query)
		if err != nil {
			s.logger.Warn().Err(err).Str("token", token).Msg("watch refresh failed")
			continue
		}
		if result.Hash == w.lastHash {
			continue
		}
		w.lastHash = result.Hash
		resp, err := encodeQueryResult(result)
		if err != nil {
			s.logger.Error().Err(err).Str("token", token).Msg("encode watch result failed")
			continue
		}
		s.send(ctx, w.clientNodeID, &transport.WatchedQueryResponse{WatchToken: token, Response: *resp})
	}
}

func (s *Server) sweepExpired() {
	cutoff := time.Now().Add(-s.cfg.WatchExpiry)
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, w := range s.watches {
		if w.registeredAt.Before(cutoff) {
			delete(s.watches, token)
		}
	}
}

func (s *Server) encodeEntitiesByID(ids []string) [][]byte {
	if len(ids) == 0 {
		return nil
	}
	result, err := s.querier.Query(entityindex.QueryRequest{})
	if err != nil {
		return nil
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out [][]byte
	for _, er := range result.Entities {
		if _, ok := want[er.Entity.ID]; !ok {
			continue
		}
		if enc, err := transport.EncodeEntity(er.Entity); err == nil {
			out = append(out, enc)
		}
	}
	return out
}

func mutatedEntityIDs(mutations []*types.EntityMutation) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, m := range mutations {
		if m.EntityID == "" {
			continue
		}
		if _, ok := seen[m.EntityID]; ok {
			continue
		}
		seen[m.EntityID] = struct{}{}
		ids = append(ids, m.EntityID)
	}
	return ids
}

func encodeQueryResult(result entityindex.QueryResult) (*transport.QueryResponse, error) {
	resp := &transport.QueryResponse{
		EstimatedCount: result.EstimatedCount,
		Hash:           result.Hash,
		SkippedHash:    result.SkippedHash,
	}
	if result.NextPage != nil && result.NextPage.Offset != nil {
		off := *result.NextPage.Offset
		resp.NextPageOffset = &off
	}
	for _, er := range result.Entities {
		enc, err := transport.EncodeEntity(er.Entity)
		if err != nil {
			return nil, err
		}
		resp.Entities = append(resp.Entities, enc)
	}
	return resp, nil
}

func (s *Server) send(ctx context.Context, client string, payload interface{}) {
	env := &transport.Envelope{SourceNodeID: s.nodeID, DestNodeID: client, Payload: payload}
	if err := s.t.Send(ctx, env); err != nil {
		s.logger.Warn().Err(err).Str("client", client).Msg("send failed")
	}
}
