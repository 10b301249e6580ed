package transport

import "github.com/cellmesh/cellmesh/pkg/types"

// ChainSyncRequest is the §4.6 chain-synchronizer request: a sampled
// list of the requester's own headers, dense near the tip and sparser
// toward genesis, covering [FromOffset, ToOffset].
type ChainSyncRequest struct {
	FromOffset uint64
	ToOffset   uint64
	Headers    []types.BlockHeader
}

// ChainSyncResponse replies with the responder's own sampled headers
// and, if it is ahead, the first range of blocks beyond the common one.
type ChainSyncResponse struct {
	Headers []types.BlockHeader
	Blocks  []*types.Block
}

// RangeBound discriminates how a PendingSyncRange's bound is interpreted.
type RangeBound int

const (
	BoundIncluded RangeBound = iota
	BoundExcluded
	BoundUnbounded
)

// PendingSyncRange is one partition of the operation_id keyspace in a
// pending-synchronizer anti-entropy exchange (§4.7).
type PendingSyncRange struct {
	FromOperation   uint64
	FromBound       RangeBound
	ToOperation     uint64
	ToBound         RangeBound
	OperationsHash  []byte // SHA3-256 over sorted signed-frame bodies
	OperationsCount int
	Headers         []uint64 // operation ids only, for diffing
	Frames          []*types.Operation
}

// PendingSyncRequest is the §4.7 anti-entropy request.
type PendingSyncRequest struct {
	FromBlockHeight uint64
	Ranges          []PendingSyncRange
}

// PendingSyncResponse carries the receiver's per-range reply, built by
// pkg/pendingsync's four-branch receiver logic.
type PendingSyncResponse struct {
	Ranges []PendingSyncRange
}

// MutationRequest is the client-facing §6 mutation request.
type MutationRequest struct {
	Mutations       []*types.EntityMutation
	WaitIndexed     bool
	ReturnEntities  bool
	CommonEntityID  string
}

// MutationResponse is the client-facing §6 mutation response.
type MutationResponse struct {
	OperationIDs []uint64
	Entities     [][]byte // opaque encoded entities, only if requested and indexed
}

// QueryRequest is the client-facing §6 query request, its predicate
// and paging/ordering modeled by pkg/mutationindex and its projections
// by pkg/aggregator.
type QueryRequest struct {
	Predicate      []byte // caller-serialized mutationindex.Query, opaque at the wire layer
	WatchToken     string
	ResultHash     *uint64
	IncludeDeleted bool
	Programmatic   bool
}

// QueryResponse is the client-facing §6 query response.
type QueryResponse struct {
	Entities       [][]byte
	EstimatedCount int
	CurrentPage    int
	NextPageOffset *int // nil once the result set is exhausted
	Hash           uint64
	SkippedHash    bool
}

// WatchedQueryResponse is pushed to a client that registered a
// watch_token, each time the underlying result set changes.
type WatchedQueryResponse struct {
	WatchToken string
	Response   QueryResponse
}

// UnwatchQueryRequest drops a previously registered watch.
type UnwatchQueryRequest struct {
	WatchToken string
}

// Envelope wraps one message with the source/destination node ids a
// real signed, length-prefixed wire frame would also carry; the
// in-memory transport uses it directly instead of framing bytes.
type Envelope struct {
	SourceNodeID string
	DestNodeID   string
	Payload      interface{}
}
