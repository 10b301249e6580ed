package pendingsync

import (
	"bytes"
	"errors"

	"github.com/cellmesh/cellmesh/pkg/pending"
	"github.com/cellmesh/cellmesh/pkg/transport"
	"github.com/cellmesh/cellmesh/pkg/types"
)

// ErrInvalidSyncState is returned when a diff branch produces no
// changes at all despite the range hash/count mismatching: every
// round must either ingest frames, shrink the set of diverging
// ranges, or terminate with an empty reply.
var ErrInvalidSyncState = errors.New("pendingsync: invalid sync state, diff branch produced no changes")

// Config bounds range partitioning and the cleanup watermark leeway.
type Config struct {
	RangesMaxOperations         int
	OperationsDepthAfterCleanup uint64
}

// CleanupWatermark is the last block the commit manager's pending
// cleanup pass reached, used to compute the effective from_block_height.
type CleanupWatermark struct {
	Height uint64
}

// Synchronizer runs the §4.7 pending-store anti-entropy protocol
// against a single local pkg/pending.Store.
type Synchronizer struct {
	cfg   Config
	store *pending.Store
}

// New builds a Synchronizer over store.
func New(cfg Config, store *pending.Store) *Synchronizer {
	return &Synchronizer{cfg: cfg, store: store}
}

// EffectiveFromHeight computes the height below which committed
// operations are excluded from an exchange, per §4.7: the higher of
// the caller-requested floor and our own post-cleanup watermark plus
// leeway.
func (s *Synchronizer) EffectiveFromHeight(requestedFromHeight uint64, watermark CleanupWatermark) uint64 {
	floor := watermark.Height + s.cfg.OperationsDepthAfterCleanup
	if requestedFromHeight > floor {
		return requestedFromHeight
	}
	return floor
}

// eligibleOps returns every pending operation whose commit status
// does not fall below fromHeight, sorted by operation id.
func (s *Synchronizer) eligibleOps(fromHeight uint64) []*types.Operation {
	all := s.store.Iter(0, 0)
	out := make([]*types.Operation, 0, len(all))
	for _, op := range all {
		status, ok := s.store.CommitStatus(op.OperationID)
		if ok && status.Kind == types.CommitCommitted && status.BlockHeight < fromHeight {
			continue
		}
		out = append(out, op)
	}
	return out
}

// BuildRequest partitions our eligible pending operations into ranges
// of at most RangesMaxOperations each and summarizes each with a hash
// and count, for a peer to diff against.
func (s *Synchronizer) BuildRequest(requestedFromHeight uint64, watermark CleanupWatermark) *transport.PendingSyncRequest {
	effective := s.EffectiveFromHeight(requestedFromHeight, watermark)
	ops := s.eligibleOps(effective)
	return &transport.PendingSyncRequest{
		FromBlockHeight: effective,
		Ranges:          partitionRanges(ops, s.cfg.RangesMaxOperations, false),
	}
}

// HandleRequest applies the four-branch receiver logic of §4.7 to
// each incoming range and returns the reply ranges to send back,
// along with the ids of any operations ingested from req's own
// included frames (for the caller to index/publish).
func (s *Synchronizer) HandleRequest(req *transport.PendingSyncRequest) (*transport.PendingSyncResponse, []uint64, error) {
	var newIDs []uint64
	for _, rr := range req.Ranges {
		for _, frame := range rr.Frames {
			if existed := s.store.Put(frame); !existed {
				newIDs = append(newIDs, frame.OperationID)
			}
		}
	}

	ops := s.eligibleOps(req.FromBlockHeight)

	resp := &transport.PendingSyncResponse{}
	for _, rr := range req.Ranges {
		local := opsInRange(ops, rr)
		localHash, localCount := rangeHash(local)

		reply := transport.PendingSyncRange{
			FromOperation: rr.FromOperation,
			FromBound:     rr.FromBound,
			ToOperation:   rr.ToOperation,
			ToBound:       rr.ToBound,
		}

		matched := rr.OperationsCount == localCount && (rr.OperationsCount == 0 || bytes.Equal(rr.OperationsHash, localHash))
		switch {
		case matched:
			reply.OperationsHash = localHash
			reply.OperationsCount = localCount

		case rr.OperationsCount == 0:
			reply.Frames = local
			reply.OperationsHash, reply.OperationsCount = localHash, localCount

		case len(rr.Headers) == 0 && len(rr.Frames) == 0:
			for _, op := range local {
				reply.Headers = append(reply.Headers, op.OperationID)
			}
			reply.OperationsHash, reply.OperationsCount = localHash, localCount

		default:
			remoteHas := make(map[uint64]bool, len(rr.Headers))
			for _, id := range rr.Headers {
				remoteHas[id] = true
			}
			for _, op := range local {
				if !remoteHas[op.OperationID] {
					reply.Frames = append(reply.Frames, op)
				}
			}
			reply.OperationsHash, reply.OperationsCount = localHash, localCount
		}

		if !matched && len(reply.Frames) == 0 && len(reply.Headers) == 0 {
			return nil, nil, ErrInvalidSyncState
		}

		resp.Ranges = append(resp.Ranges, reply)
	}
	return resp, newIDs, nil
}

// HandleResponse ingests every full operation frame carried in resp
// into the local pending store, returning the ids of the operations
// that were not already present (for the caller to index/publish).
func (s *Synchronizer) HandleResponse(resp *transport.PendingSyncResponse) []uint64 {
	var newIDs []uint64
	for _, rr := range resp.Ranges {
		for _, op := range rr.Frames {
			if existed := s.store.Put(op); !existed {
				newIDs = append(newIDs, op.OperationID)
			}
		}
	}
	return newIDs
}
