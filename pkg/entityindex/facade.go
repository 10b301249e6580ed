package entityindex

import (
	"sort"
	"sync"

	"github.com/cellmesh/cellmesh/pkg/events"
	"github.com/cellmesh/cellmesh/pkg/hlc"
	"github.com/cellmesh/cellmesh/pkg/mutationindex"
	"github.com/cellmesh/cellmesh/pkg/types"
)

// ChainReader is the slice of pkg/chain.Store the facade needs.
type ChainReader interface {
	ReadBlockAt(offset uint64) (*types.Block, error)
	BlocksIter(fromOffset uint64) ([]*types.Block, error)
	NextOffset() uint64
}

// PendingReader is the slice of pkg/pending.Store the facade needs.
type PendingReader interface {
	Get(id uint64) (*types.Operation, bool)
	Iter(from, to uint64) []*types.Operation
}

// Config bounds how much of the chain the facade re-walks on
// discontinuity and divergence.
type Config struct {
	ChainIndexMinDepth uint64
	DiscontinuityLeeway uint64
}

// Facade owns the chain and pending mutation indices and keeps them
// current in response to engine events.
type Facade struct {
	mu      sync.Mutex
	cfg     Config
	chain   ChainReader
	pending PendingReader

	chainIdx   *mutationindex.Index
	pendingIdx *mutationindex.Index
	pool       *mutationindex.WorkerPool
}

// New builds a facade over an already-open chain index (persistent)
// and a fresh in-memory pending index.
func New(cfg Config, chain ChainReader, pending PendingReader, chainIdx *mutationindex.Index) *Facade {
	return &Facade{
		cfg:        cfg,
		chain:      chain,
		pending:    pending,
		chainIdx:   chainIdx,
		pendingIdx: mutationindex.OpenMemory(),
		pool:       mutationindex.NewWorkerPool(4),
	}
}

// HandleEvent dispatches one engine event to the appropriate handler.
func (f *Facade) HandleEvent(ev *events.Event) error {
	switch ev.Type {
	case events.EventNewChainBlock:
		return f.handleNewChainBlock(ev.BlockOffset)
	case events.EventNewPendingOperation:
		return f.handleNewPendingOperation(ev.OperationID)
	case events.EventStreamDiscontinuity:
		return f.handleStreamDiscontinuity()
	case events.EventChainDiverged:
		return f.handleChainDiverged(ev.BlockOffset)
	default:
		return nil
	}
}

func (f *Facade) handleNewChainBlock(offset uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	block, err := f.chain.ReadBlockAt(offset)
	if err != nil {
		return err
	}
	if err := f.indexBlockLocked(block, offset); err != nil {
		return err
	}
	return f.reindexPendingLocked()
}

func (f *Facade) indexBlockLocked(block *types.Block, offset uint64) error {
	var records []mutationindex.MutationRecord
	for _, op := range block.Operations {
		if rec, ok := mutationRecord(op, &offset); ok {
			records = append(records, rec)
		}
	}
	if len(records) == 0 {
		return nil
	}
	return f.chainIdx.ApplyMutations(records)
}

func (f *Facade) handleNewPendingOperation(operationID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	op, ok := f.pending.Get(operationID)
	if !ok {
		return nil
	}
	rec, ok := mutationRecord(op, nil)
	if !ok {
		return nil
	}
	return f.pendingIdx.ApplyMutations([]mutationindex.MutationRecord{rec})
}

func (f *Facade) handleStreamDiscontinuity() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.reindexPendingLocked(); err != nil {
		return err
	}

	tail := f.chain.NextOffset()
	if tail > f.cfg.DiscontinuityLeeway && f.chainIdx.HighestIndexedBlockOffset() < tail-f.cfg.DiscontinuityLeeway {
		return f.reindexChainLocked()
	}
	return nil
}

func (f *Facade) handleChainDiverged(offset uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if offset <= f.chainIdx.HighestIndexedBlockOffset() {
		return f.reindexChainLocked()
	}
	return f.reindexPendingLocked()
}

// reindexPendingLocked rebuilds the in-memory pending index from the
// current pending store contents: cheap enough to do wholesale rather
// than track incremental removals as operations commit.
func (f *Facade) reindexPendingLocked() error {
	fresh := mutationindex.OpenMemory()
	var records []mutationindex.MutationRecord
	for _, op := range f.pending.Iter(0, 0) {
		if rec, ok := mutationRecord(op, nil); ok {
			records = append(records, rec)
		}
	}
	if len(records) > 0 {
		if err := fresh.ApplyMutations(records); err != nil {
			return err
		}
	}
	f.pendingIdx = fresh
	return nil
}

func (f *Facade) reindexChainLocked() error {
	blocks, err := f.chain.BlocksIter(0)
	if err != nil {
		return err
	}
	for _, block := range blocks {
		if err := f.indexBlockLocked(block, block.Header.Offset); err != nil {
			return err
		}
	}
	return nil
}

func mutationRecord(op *types.Operation, blockOffset *uint64) (mutationindex.MutationRecord, bool) {
	if op.Type != types.OperationEntry || op.Entry == nil {
		return mutationindex.MutationRecord{}, false
	}
	return mutationindex.MutationRecord{
		OperationID: op.OperationID,
		BlockOffset: blockOffset,
		OperationAt: hlc.WallTime(op.OperationID).UTC(),
		Mutation:    op.Entry,
	}, true
}

// entityDocs groups a set of Document rows by entity id, in
// (block_offset.unwrap_or(inf), operation_id) order, ready for
// pkg/aggregator.Fold.
func entityDocs(chainDocs, pendingDocs []mutationindex.Document) map[string][]mutationindex.Document {
	byEntity := make(map[string][]mutationindex.Document)
	for _, d := range chainDocs {
		byEntity[d.EntityID] = append(byEntity[d.EntityID], d)
	}
	for _, d := range pendingDocs {
		byEntity[d.EntityID] = append(byEntity[d.EntityID], d)
	}
	for id, docs := range byEntity {
		sort.Slice(docs, func(i, j int) bool {
			oi, oj := docs[i].BlockOffset, docs[j].BlockOffset
			switch {
			case oi == nil && oj == nil:
				return docs[i].OperationID < docs[j].OperationID
			case oi == nil:
				return false
			case oj == nil:
				return true
			case *oi != *oj:
				return *oi < *oj
			default:
				return docs[i].OperationID < docs[j].OperationID
			}
		})
		byEntity[id] = docs
	}
	return byEntity
}
