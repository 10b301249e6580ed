package pendingsync

import (
	"sort"

	"golang.org/x/crypto/sha3"

	"github.com/cellmesh/cellmesh/pkg/transport"
	"github.com/cellmesh/cellmesh/pkg/types"
)

// inBound reports whether id falls inside the range described by
// (from, fromBound, to, toBound).
func inBound(id uint64, from uint64, fromBound transport.RangeBound, to uint64, toBound transport.RangeBound) bool {
	if fromBound != transport.BoundUnbounded {
		if fromBound == transport.BoundExcluded && id <= from {
			return false
		}
		if fromBound == transport.BoundIncluded && id < from {
			return false
		}
	}
	if toBound != transport.BoundUnbounded {
		if toBound == transport.BoundExcluded && id >= to {
			return false
		}
		if toBound == transport.BoundIncluded && id > to {
			return false
		}
	}
	return true
}

// opsInRange filters a sorted operation slice down to the ones falling
// inside r's bounds.
func opsInRange(ops []*types.Operation, r transport.PendingSyncRange) []*types.Operation {
	out := make([]*types.Operation, 0, len(ops))
	for _, op := range ops {
		if inBound(op.OperationID, r.FromOperation, r.FromBound, r.ToOperation, r.ToBound) {
			out = append(out, op)
		}
	}
	return out
}

// rangeHash computes the SHA3-256 digest of the concatenated signed
// frames of ops, taken in sorted operation-id order, and returns it
// alongside the operation count.
func rangeHash(ops []*types.Operation) ([]byte, int) {
	sorted := make([]*types.Operation, len(ops))
	copy(sorted, ops)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].OperationID < sorted[j].OperationID })

	h := sha3.New256()
	for _, op := range sorted {
		h.Write(types.EncodeOperation(op))
	}
	return h.Sum(nil), len(sorted)
}

// partitionRanges splits a sorted operation slice into chunks of at
// most maxPerRange operations each, returning empty-bodied
// PendingSyncRange descriptors (bounds + hash + count + headers) whose
// union covers the entire operation_id keyspace: the first range's
// lower bound and the last range's upper bound are unbounded so newly
// arrived operations outside the sampled id span are still covered.
func partitionRanges(ops []*types.Operation, maxPerRange int, includeHeaders bool) []transport.PendingSyncRange {
	if maxPerRange <= 0 {
		maxPerRange = len(ops)
		if maxPerRange == 0 {
			maxPerRange = 1
		}
	}
	if len(ops) == 0 {
		return []transport.PendingSyncRange{{
			FromBound: transport.BoundUnbounded,
			ToBound:   transport.BoundUnbounded,
		}}
	}

	var out []transport.PendingSyncRange
	for start := 0; start < len(ops); start += maxPerRange {
		end := start + maxPerRange
		if end > len(ops) {
			end = len(ops)
		}
		chunk := ops[start:end]

		r := transport.PendingSyncRange{
			FromOperation: chunk[0].OperationID,
			FromBound:     transport.BoundIncluded,
			ToOperation:   chunk[len(chunk)-1].OperationID,
			ToBound:       transport.BoundIncluded,
		}
		if start == 0 {
			r.FromBound = transport.BoundUnbounded
		} else {
			r.FromOperation = ops[start-1].OperationID
			r.FromBound = transport.BoundExcluded
		}
		if end == len(ops) {
			r.ToBound = transport.BoundUnbounded
		}
		hash, count := rangeHash(chunk)
		r.OperationsHash = hash
		r.OperationsCount = count
		if includeHeaders {
			for _, op := range chunk {
				r.Headers = append(r.Headers, op.OperationID)
			}
		}
		out = append(out, r)
	}
	return out
}
