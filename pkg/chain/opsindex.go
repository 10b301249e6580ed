package chain

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const opsIndexMetadataFile = "ops_idx.json"

// immutableIndexMeta describes one on-disk immutable index in the
// metadata file.
type immutableIndexMeta struct {
	OffsetFrom uint64 `json:"offset_from"`
	OffsetTo   uint64 `json:"offset_to"`
	FileName   string `json:"file_name"`
}

type opsIndexEntry struct {
	OperationID uint64
	BlockOffset uint64
}

// immutableIndex is a sealed, binary-searchable operation_id ->
// block_offset mapping covering a disjoint block-offset range.
type immutableIndex struct {
	immutableIndexMeta
	entries []opsIndexEntry // sorted by OperationID
}

func (idx *immutableIndex) find(operationID uint64) (uint64, bool) {
	i := sort.Search(len(idx.entries), func(i int) bool {
		return idx.entries[i].OperationID >= operationID
	})
	if i < len(idx.entries) && idx.entries[i].OperationID == operationID {
		return idx.entries[i].BlockOffset, true
	}
	return 0, false
}

// OperationsIndex maps operation_id -> containing block_offset for
// every operation that has appeared inside a committed block. See
// original_source/chain/src/chain/directory/operations_index.rs for
// the two-tier design this mirrors: a mutable in-memory tail and zero
// or more immutable disk-backed ranges.
type OperationsIndex struct {
	dataDir        string
	maxMemoryItems int

	mu               sync.RWMutex
	memory           map[uint64]uint64 // operationID -> blockOffset, buffered since last flush
	memoryOffsetFrom uint64           // lowest block offset the current memory buffer covers
	nextExpected     uint64           // next_expected_block_offset
	immutables       []*immutableIndex
}

// OpenOperationsIndex opens (or creates) the operations index rooted
// at dataDir.
func OpenOperationsIndex(dataDir string, maxMemoryItems int) (*OperationsIndex, error) {
	if maxMemoryItems < 1 {
		maxMemoryItems = 1
	}
	idx := &OperationsIndex{
		dataDir:        dataDir,
		maxMemoryItems: maxMemoryItems,
		memory:         make(map[uint64]uint64),
	}

	metaPath := filepath.Join(dataDir, opsIndexMetadataFile)
	raw, err := os.ReadFile(metaPath)
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read operations index metadata: %w", err)
	}

	var metas []immutableIndexMeta
	if err := json.Unmarshal(raw, &metas); err != nil {
		return nil, fmt.Errorf("parse operations index metadata: %w", err)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].OffsetFrom < metas[j].OffsetFrom })

	for _, m := range metas {
		entries, err := loadImmutableIndexFile(filepath.Join(dataDir, m.FileName))
		if err != nil {
			return nil, fmt.Errorf("load operations index file %s: %w", m.FileName, err)
		}
		idx.immutables = append(idx.immutables, &immutableIndex{immutableIndexMeta: m, entries: entries})
		if m.OffsetTo > idx.nextExpected {
			idx.nextExpected = m.OffsetTo
		}
	}
	idx.memoryOffsetFrom = idx.nextExpected
	return idx, nil
}

// Insert records that operationID appears inside the block at
// blockOffset, and flushes the memory buffer to an immutable index if
// it now exceeds the configured item bound.
func (idx *OperationsIndex) Insert(operationID, blockOffset uint64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.memory[operationID] = blockOffset
	if len(idx.memory) > idx.maxMemoryItems {
		return idx.flushLocked()
	}
	return nil
}

// AdvanceNextExpected records the upper bound the memory buffer covers
// once a block has been appended. Must be called once per appended
// block, after all of its operations have been Insert-ed.
func (idx *OperationsIndex) AdvanceNextExpected(nextOffset uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if nextOffset > idx.nextExpected {
		idx.nextExpected = nextOffset
	}
}

// flushLocked drains the in-memory buffer into a new immutable index
// file. Caller must hold idx.mu.
func (idx *OperationsIndex) flushLocked() error {
	entries := make([]opsIndexEntry, 0, len(idx.memory))
	for opID, off := range idx.memory {
		entries = append(entries, opsIndexEntry{OperationID: opID, BlockOffset: off})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].OperationID < entries[j].OperationID })

	meta := immutableIndexMeta{
		OffsetFrom: idx.memoryOffsetFrom,
		OffsetTo:   idx.nextExpected,
		FileName:   fmt.Sprintf("opsidx_%020d.bin", idx.memoryOffsetFrom),
	}
	if err := writeImmutableIndexFile(filepath.Join(idx.dataDir, meta.FileName), entries); err != nil {
		return fmt.Errorf("write operations index file: %w", err)
	}

	idx.immutables = append(idx.immutables, &immutableIndex{immutableIndexMeta: meta, entries: entries})
	idx.memory = make(map[uint64]uint64)
	idx.memoryOffsetFrom = idx.nextExpected

	return idx.writeMetadataLocked()
}

func (idx *OperationsIndex) writeMetadataLocked() error {
	metas := make([]immutableIndexMeta, 0, len(idx.immutables))
	for _, im := range idx.immutables {
		metas = append(metas, im.immutableIndexMeta)
	}
	raw, err := json.MarshalIndent(metas, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal operations index metadata: %w", err)
	}
	tmp := filepath.Join(idx.dataDir, opsIndexMetadataFile+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write operations index metadata tmp file: %w", err)
	}
	return os.Rename(tmp, filepath.Join(idx.dataDir, opsIndexMetadataFile))
}

// Find returns the block offset containing operationID, checking the
// in-memory tail first, then immutable indices from most to least
// recent.
func (idx *OperationsIndex) Find(operationID uint64) (uint64, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if off, ok := idx.memory[operationID]; ok {
		return off, true
	}
	for i := len(idx.immutables) - 1; i >= 0; i-- {
		if off, ok := idx.immutables[i].find(operationID); ok {
			return off, true
		}
	}
	return 0, false
}

// NextExpectedBlockOffset returns the upper bound of the last
// immutable index, used after restart to re-index the chain tail that
// was only ever in memory.
func (idx *OperationsIndex) NextExpectedBlockOffset() uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.nextExpected
}

// MemoryItemCount reports the number of operations currently only
// buffered in memory (not yet flushed to an immutable index).
func (idx *OperationsIndex) MemoryItemCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.memory)
}

// TruncateFrom drops every entry whose containing block offset is >=
// fromOffset: the in-memory buffer is cleared outright, and any
// immutable index whose range starts at or beyond fromOffset is
// deleted entirely (its entries only ever describe blocks at or past
// the truncation point, since ranges are assigned contiguously).
func (idx *OperationsIndex) TruncateFrom(fromOffset uint64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.memory = make(map[uint64]uint64)

	kept := idx.immutables[:0:0]
	for _, im := range idx.immutables {
		if im.OffsetFrom >= fromOffset {
			if err := os.Remove(filepath.Join(idx.dataDir, im.FileName)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove truncated operations index file: %w", err)
			}
			continue
		}
		kept = append(kept, im)
	}
	idx.immutables = kept

	if len(idx.immutables) > 0 {
		last := idx.immutables[len(idx.immutables)-1]
		idx.nextExpected = last.OffsetTo
	} else {
		idx.nextExpected = 0
	}
	idx.memoryOffsetFrom = idx.nextExpected

	if fromOffset < idx.memoryOffsetFrom {
		idx.memoryOffsetFrom = fromOffset
		idx.nextExpected = fromOffset
	}

	return idx.writeMetadataLocked()
}

func writeImmutableIndexFile(path string, entries []opsIndexEntry) error {
	var buf bytes.Buffer
	var countBytes [8]byte
	binary.BigEndian.PutUint64(countBytes[:], uint64(len(entries)))
	buf.Write(countBytes[:])
	for _, e := range entries {
		var pair [16]byte
		binary.BigEndian.PutUint64(pair[0:8], e.OperationID)
		binary.BigEndian.PutUint64(pair[8:16], e.BlockOffset)
		buf.Write(pair[:])
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func loadImmutableIndexFile(path string) ([]opsIndexEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var countBytes [8]byte
	if _, err := io.ReadFull(f, countBytes[:]); err != nil {
		return nil, fmt.Errorf("read entry count: %w", err)
	}
	count := binary.BigEndian.Uint64(countBytes[:])

	entries := make([]opsIndexEntry, 0, count)
	var pair [16]byte
	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(f, pair[:]); err != nil {
			return nil, fmt.Errorf("read entry %d: %w", i, err)
		}
		entries = append(entries, opsIndexEntry{
			OperationID: binary.BigEndian.Uint64(pair[0:8]),
			BlockOffset: binary.BigEndian.Uint64(pair[8:16]),
		})
	}
	return entries, nil
}
