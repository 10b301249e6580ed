package mutationindex

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/cellmesh/cellmesh/pkg/types"
)

var documentsBucket = []byte("documents")

// Index is a document store plus the inverted indices Search needs.
// A persistent instance (Open) keeps documents in bbolt so the chain
// index survives restarts without replaying the whole chain; a
// memory-only instance (OpenMemory) backs the pending index, which is
// cheap enough to rebuild from the pending store on demand.
type Index struct {
	mu sync.RWMutex

	db *bbolt.DB // nil for a memory-only index

	docs     map[uint64]Document
	byEntity map[string][]uint64
	byTrait  map[string][]uint64
	tokens   map[string][]uint64

	highestBlockOffset uint64
}

// Open opens (or creates) a persistent index backed by a bbolt file at path.
func Open(path string) (*Index, error) {
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("open mutation index db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(documentsBucket)
		return err
	}); err != nil {
		return nil, fmt.Errorf("create documents bucket: %w", err)
	}

	idx := newIndex()
	idx.db = db

	if err := db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(documentsBucket)
		return b.ForEach(func(k, v []byte) error {
			var d Document
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("decode document %x: %w", k, err)
			}
			idx.indexDocumentLocked(d)
			if d.BlockOffset != nil && *d.BlockOffset > idx.highestBlockOffset {
				idx.highestBlockOffset = *d.BlockOffset
			}
			return nil
		})
	}); err != nil {
		return nil, err
	}
	return idx, nil
}

// OpenMemory returns an empty, memory-only index (used for the pending index).
func OpenMemory() *Index {
	return newIndex()
}

func newIndex() *Index {
	return &Index{
		docs:     make(map[uint64]Document),
		byEntity: make(map[string][]uint64),
		byTrait:  make(map[string][]uint64),
		tokens:   make(map[string][]uint64),
	}
}

// Close closes the underlying bbolt database, if any.
func (idx *Index) Close() error {
	if idx.db == nil {
		return nil
	}
	return idx.db.Close()
}

// ApplyMutations applies a batch of mutation records. On a persistent
// index the batch's new documents are written in one bbolt transaction;
// documents removed by delete_operations or compact_traits are deleted
// from bbolt in a transaction of their own each, before that write.
func (idx *Index) ApplyMutations(records []MutationRecord) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var toStore []Document
	for _, rec := range records {
		for _, d := range toDocuments(rec) {
			toStore = append(toStore, d)
		}
		for _, id := range deletedOperationIDs(rec) {
			idx.removeDocumentLocked(id)
		}
	}

	if idx.db != nil && len(toStore) > 0 {
		if err := idx.db.Update(func(tx *bbolt.Tx) error {
			b := tx.Bucket(documentsBucket)
			for _, d := range toStore {
				raw, err := json.Marshal(d)
				if err != nil {
					return fmt.Errorf("encode document: %w", err)
				}
				if err := b.Put(opKey(d.OperationID), raw); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return fmt.Errorf("apply mutation batch: %w", err)
		}
	}

	for _, d := range toStore {
		idx.indexDocumentLocked(d)
		if d.BlockOffset != nil && *d.BlockOffset > idx.highestBlockOffset {
			idx.highestBlockOffset = *d.BlockOffset
		}
	}
	return nil
}

func deletedOperationIDs(rec MutationRecord) []uint64 {
	m := rec.Mutation
	switch m.Kind {
	case types.MutationDeleteOperations:
		return m.DeleteOperationIDs
	case types.MutationCompactTraits:
		return m.CompactSupersededOpIDs
	default:
		return nil
	}
}

func opKey(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}

func (idx *Index) indexDocumentLocked(d Document) {
	idx.docs[d.OperationID] = d
	idx.byEntity[d.EntityID] = appendUnique(idx.byEntity[d.EntityID], d.OperationID)
	if d.TraitType != "" {
		idx.byTrait[d.TraitType] = appendUnique(idx.byTrait[d.TraitType], d.OperationID)
	}
	for _, tok := range tokenize(d.AllText) {
		idx.tokens[tok] = appendUnique(idx.tokens[tok], d.OperationID)
	}
}

func (idx *Index) removeDocumentLocked(id uint64) {
	d, ok := idx.docs[id]
	if !ok {
		return
	}
	delete(idx.docs, id)
	idx.byEntity[d.EntityID] = removeID(idx.byEntity[d.EntityID], id)
	if d.TraitType != "" {
		idx.byTrait[d.TraitType] = removeID(idx.byTrait[d.TraitType], id)
	}
	for _, tok := range tokenize(d.AllText) {
		idx.tokens[tok] = removeID(idx.tokens[tok], id)
	}
	if idx.db != nil {
		_ = idx.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(documentsBucket).Delete(opKey(id))
		})
	}
}

// DeleteOperation removes the document whose primary key is operationID.
func (idx *Index) DeleteOperation(operationID uint64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeDocumentLocked(operationID)
	return nil
}

// HighestIndexedBlockOffset returns the largest block_offset seen so
// far, used to resume indexing after a restart.
func (idx *Index) HighestIndexedBlockOffset() uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.highestBlockOffset
}

// FetchEntityMutations returns every mutation document for entityID,
// in operation id order.
func (idx *Index) FetchEntityMutations(entityID string) []Document {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	ids := append([]uint64(nil), idx.byEntity[entityID]...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Document, 0, len(ids))
	for _, id := range ids {
		out = append(out, idx.docs[id])
	}
	return out
}

func appendUnique(ids []uint64, id uint64) []uint64 {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func removeID(ids []uint64, id uint64) []uint64 {
	for i, existing := range ids {
		if existing == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func tokenize(text string) []string {
	if text == "" {
		return nil
	}
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	return fields
}
