package entityindex

import (
	"hash/fnv"
	"sort"

	"github.com/cellmesh/cellmesh/pkg/aggregator"
	"github.com/cellmesh/cellmesh/pkg/mutationindex"
)

// QueryRequest is a facade-level query: the predicate/paging/ordering
// pkg/mutationindex already models, plus the projections and
// deleted-entity toggle that only make sense once results are
// aggregated per entity.
type QueryRequest struct {
	Query       mutationindex.Query
	Projections []aggregator.Projection
}

// EntityResult is one aggregated entity in a QueryResult.
type EntityResult struct {
	Entity        *aggregator.Entity
	Source        string // "chain", "pending", or "mixed"
	OrderingValue uint64
}

// QueryResult is the facade's response to a QueryRequest.
type QueryResult struct {
	Entities       []EntityResult
	EstimatedCount int
	NextPage       *mutationindex.Paging
	Hash           uint64
	SkippedHash    bool
}

// Query fans req out to both indices, aggregates per entity via
// pkg/aggregator, applies projections and deletion filtering, and
// pages the merged, entity-ordered result set.
func (f *Facade) Query(req QueryRequest) (QueryResult, error) {
	f.mu.Lock()
	chainIdx, pendingIdx, pool := f.chainIdx, f.pendingIdx, f.pool
	f.mu.Unlock()

	var chainRes, pendingRes mutationindex.MutationResults
	var chainErr, pendingErr error
	pool.Wait(
		func() {
			chainRes, chainErr = chainIdx.Search(mutationindex.Query{Predicate: req.Query.Predicate, IncludeDeleted: true})
		},
		func() {
			pendingRes, pendingErr = pendingIdx.Search(mutationindex.Query{Predicate: req.Query.Predicate, IncludeDeleted: true})
		},
	)
	if chainErr != nil {
		return QueryResult{}, chainErr
	}
	if pendingErr != nil {
		return QueryResult{}, pendingErr
	}

	byEntity := entityDocs(chainRes.Results, pendingRes.Results)

	var entities []EntityResult
	for id, docs := range byEntity {
		e := aggregator.Fold(id, docs)
		if e.DeletionDate != nil && !req.Query.IncludeDeleted {
			continue
		}
		if !req.Query.IncludeDeleted {
			e = aggregator.WithoutDeletedTraits(e)
		}
		if len(req.Projections) > 0 {
			e = aggregator.Apply(e, req.Projections)
		}
		entities = append(entities, EntityResult{
			Entity:        e,
			Source:        sourceOf(docs),
			OrderingValue: e.LastOperationID,
		})
	}

	sort.Slice(entities, func(i, j int) bool {
		if entities[i].OrderingValue != entities[j].OrderingValue {
			return entities[i].OrderingValue > entities[j].OrderingValue
		}
		return entities[i].Entity.ID > entities[j].Entity.ID
	})

	hash := hashEntities(entities)
	if req.Query.ResultHash != nil && *req.Query.ResultHash == hash {
		return QueryResult{Hash: hash, SkippedHash: true}, nil
	}

	count := req.Query.Paging.Count
	offset := 0
	if req.Query.Paging.Offset != nil {
		offset = *req.Query.Paging.Offset
	}
	total := len(entities)
	if offset > total {
		offset = total
	}
	entities = entities[offset:]
	if count > 0 && len(entities) > count {
		entities = entities[:count]
	}

	var next *mutationindex.Paging
	if offset+len(entities) < total {
		nextOffset := offset + len(entities)
		next = &mutationindex.Paging{Offset: &nextOffset, Count: req.Query.Paging.Count}
	}

	return QueryResult{
		Entities:       entities,
		EstimatedCount: total,
		NextPage:       next,
		Hash:           hash,
	}, nil
}

func sourceOf(docs []mutationindex.Document) string {
	hasChain, hasPending := false, false
	for _, d := range docs {
		if d.BlockOffset == nil {
			hasPending = true
		} else {
			hasChain = true
		}
	}
	switch {
	case hasChain && hasPending:
		return "mixed"
	case hasPending:
		return "pending"
	default:
		return "chain"
	}
}

func hashEntities(entities []EntityResult) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, er := range entities {
		v := er.Entity.ContentHash
		for i := 0; i < 8; i++ {
			buf[i] = byte(v >> (8 * i))
		}
		_, _ = h.Write(buf[:])
		_, _ = h.Write([]byte(er.Entity.ID))
	}
	return h.Sum64()
}
