package entityindex

import (
	"sort"
	"time"

	"github.com/cellmesh/cellmesh/pkg/aggregator"
	"github.com/cellmesh/cellmesh/pkg/mutationindex"
	"github.com/cellmesh/cellmesh/pkg/types"
)

// GCConfig bounds the three independent collection policies.
type GCConfig struct {
	DeletedEntityCollection time.Duration
	DeletedTraitCollection  time.Duration
	TraitVersionsLeeway     int
	TraitVersionsMax        int
	MinOperationAge         time.Duration
}

// CollectGarbage re-aggregates each of entityIDs and returns the
// delete_operations mutations a commit manager should propose to
// apply the garbage collection decision. It never touches the index
// directly: deletion only happens once the mutation itself commits.
//
// An entity with any mutation still in the pending index is skipped
// entirely, since pending mutations may still be rewritten by a losing
// commit race.
func (f *Facade) CollectGarbage(now time.Time, cfg GCConfig, entityIDs []string) []*types.EntityMutation {
	f.mu.Lock()
	defer f.mu.Unlock()

	var mutations []*types.EntityMutation
	for _, id := range entityIDs {
		if len(f.pendingIdx.FetchEntityMutations(id)) > 0 {
			continue
		}

		docs := f.chainIdx.FetchEntityMutations(id)
		e := aggregator.Fold(id, docs)

		if e.DeletionDate != nil && now.Sub(*e.DeletionDate) >= cfg.DeletedEntityCollection {
			if m := deleteUnlessActive(id, docs, e); m != nil {
				mutations = append(mutations, m)
			}
			continue
		}

		mutations = append(mutations, deleteTombstonedTraits(id, docs, e, now, cfg)...)
		mutations = append(mutations, pruneTraitVersions(id, docs, e, now, cfg)...)
	}
	return mutations
}

// deleteTombstonedTraits implements the second GC policy: a trait whose
// latest mutation is a tombstone older than cfg.DeletedTraitCollection
// has every operation id outside the aggregator's active set deleted.
// Fold keeps the tombstone itself active, so this collects the puts it
// superseded. pruneTraitVersions skips tombstoned traits entirely, so the
// two policies never compete for the same trait.
func deleteTombstonedTraits(entityID string, docs []mutationindex.Document, e *aggregator.Entity, now time.Time, cfg GCConfig) []*types.EntityMutation {
	byTrait := make(map[string][]mutationindex.Document)
	for _, d := range docs {
		if d.TraitID == "" {
			continue
		}
		byTrait[d.TraitID] = append(byTrait[d.TraitID], d)
	}

	var out []*types.EntityMutation
	for _, versions := range byTrait {
		sort.Slice(versions, func(i, j int) bool { return versions[i].OperationID < versions[j].OperationID })
		last := versions[len(versions)-1]
		if !last.Deleted {
			continue
		}
		if now.Sub(last.ModificationDate) < cfg.DeletedTraitCollection {
			continue
		}

		var ids []uint64
		for _, v := range versions {
			if _, active := e.ActiveOperationIDs[v.OperationID]; active {
				continue
			}
			ids = append(ids, v.OperationID)
		}
		if len(ids) == 0 {
			continue
		}
		out = append(out, &types.EntityMutation{EntityID: entityID, Kind: types.MutationDeleteOperations, DeleteOperationIDs: ids})
	}
	return out
}

func deleteUnlessActive(entityID string, docs []mutationindex.Document, e *aggregator.Entity) *types.EntityMutation {
	var ids []uint64
	for _, d := range docs {
		if _, active := e.ActiveOperationIDs[d.OperationID]; !active {
			ids = append(ids, d.OperationID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return &types.EntityMutation{EntityID: entityID, Kind: types.MutationDeleteOperations, DeleteOperationIDs: ids}
}

func pruneTraitVersions(entityID string, docs []mutationindex.Document, e *aggregator.Entity, now time.Time, cfg GCConfig) []*types.EntityMutation {
	byTrait := make(map[string][]mutationindex.Document)
	for _, d := range docs {
		if d.TraitID == "" || d.Deleted {
			continue
		}
		byTrait[d.TraitID] = append(byTrait[d.TraitID], d)
	}

	var out []*types.EntityMutation
	for _, versions := range byTrait {
		sort.Slice(versions, func(i, j int) bool { return versions[i].OperationID < versions[j].OperationID })
		if len(versions) <= cfg.TraitVersionsLeeway {
			continue
		}

		var prunable []mutationindex.Document
		for _, v := range versions {
			if _, active := e.ActiveOperationIDs[v.OperationID]; active {
				continue
			}
			if now.Sub(v.ModificationDate) < cfg.MinOperationAge {
				continue
			}
			prunable = append(prunable, v)
		}

		excess := len(versions) - cfg.TraitVersionsMax
		if excess <= 0 {
			continue
		}
		if excess > len(prunable) {
			excess = len(prunable)
		}
		if excess == 0 {
			continue
		}

		var ids []uint64
		for i := 0; i < excess; i++ {
			ids = append(ids, prunable[i].OperationID)
		}
		out = append(out, &types.EntityMutation{EntityID: entityID, Kind: types.MutationDeleteOperations, DeleteOperationIDs: ids})
	}
	return out
}
