package chain

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cellmesh/cellmesh/pkg/types"
)

// Config configures a Store's segment and memory-mapping behavior.
type Config struct {
	DataDir                       string
	SegmentMaxSize                uint64
	SegmentMaxOpenMmap            int
	OperationsIndexMaxMemoryItems int
}

// DefaultConfig returns sensible defaults, matching the scale the
// design targets for a single cell node.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:                       dataDir,
		SegmentMaxSize:                128 * 1024 * 1024,
		SegmentMaxOpenMmap:            20,
		OperationsIndexMaxMemoryItems: 10_000,
	}
}

// Store is the append-only segmented block log described in §4.1: a
// sequence of segment files holding contiguous, offset-addressed
// blocks, with a random-access operations index layered on top.
type Store struct {
	cfg Config

	mu       sync.RWMutex
	segments []*segment // sorted by startOffset; last is the writable tail
	mmaps    *mmapCache

	lastHeader *types.BlockHeader // nil before genesis
	opsIndex   *OperationsIndex
}

// Open opens or creates the block store at cfg.DataDir.
func Open(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create chain data dir: %w", err)
	}

	mmaps, err := newMmapCache(cfg.SegmentMaxOpenMmap)
	if err != nil {
		return nil, err
	}

	opsIndex, err := OpenOperationsIndex(filepath.Join(cfg.DataDir, "index"), cfg.OperationsIndexMaxMemoryItems)
	if err != nil {
		return nil, fmt.Errorf("open operations index: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "index"), 0o755); err != nil {
		return nil, fmt.Errorf("create operations index dir: %w", err)
	}

	s := &Store{
		cfg:      cfg,
		mmaps:    mmaps,
		opsIndex: opsIndex,
	}

	if err := s.loadSegments(); err != nil {
		return nil, err
	}
	if err := s.recover(); err != nil {
		return nil, fmt.Errorf("recover chain store: %w", err)
	}
	return s, nil
}

func (s *Store) loadSegments() error {
	entries, err := os.ReadDir(s.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("list segment dir: %w", err)
	}

	var offsets []uint64
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "segment_") {
			continue
		}
		offStr := strings.TrimPrefix(e.Name(), "segment_")
		off, err := strconv.ParseUint(offStr, 10, 64)
		if err != nil {
			continue
		}
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	for _, off := range offsets {
		seg, err := openExistingSegment(filepath.Join(s.cfg.DataDir, segmentFileName(off)), off)
		if err != nil {
			return err
		}
		s.segments = append(s.segments, seg)
	}

	if len(s.segments) == 0 {
		seg, err := createSegment(s.cfg.DataDir, 0)
		if err != nil {
			return err
		}
		s.segments = append(s.segments, seg)
	}
	return nil
}

// recover walks the whole chain from offset 0 to establish lastHeader
// (the tip), re-indexing into the operations index every block at or
// beyond its persisted NextExpectedBlockOffset (the blocks that were
// only ever indexed in memory before a restart). A framing error on
// the final block of the tail segment is treated as a partial write
// and the tail is truncated to the last valid boundary; the same
// error anywhere else is fatal (sealed segment corruption).
func (s *Store) recover() error {
	resumeFrom := s.opsIndex.NextExpectedBlockOffset()

	var offset uint64
	for {
		seg, err := s.segmentFor(offset)
		if err != nil {
			break
		}
		block, total, err := s.readBlockFromSegment(seg, offset-seg.startOffset)
		if err != nil {
			if seg == s.segments[len(s.segments)-1] {
				if err := seg.truncate(offset - seg.startOffset); err != nil {
					return err
				}
				break
			}
			return fmt.Errorf("sealed segment %s corrupted at offset %d: %w", seg.path, offset, err)
		}
		if offset >= resumeFrom {
			if err := s.indexBlock(block, offset); err != nil {
				return err
			}
		}
		header := block.Header
		s.lastHeader = &header
		offset += total
	}

	s.opsIndex.AdvanceNextExpected(offset)
	return nil
}

// WriteBlock appends a block to the tail segment, enforcing framing
// and linkage invariants, and returns the offset the next block must
// start at.
func (s *Store) WriteBlock(b *types.Block) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateLinkage(b); err != nil {
		return 0, err
	}

	encoded, err := encodeBlock(b)
	if err != nil {
		return 0, err
	}

	tail := s.segments[len(s.segments)-1]
	if tail.size > 0 && tail.size+uint64(len(encoded)) > s.cfg.SegmentMaxSize {
		if err := tail.seal(); err != nil {
			return 0, fmt.Errorf("seal full segment: %w", err)
		}
		next, err := createSegment(s.cfg.DataDir, b.Header.Offset)
		if err != nil {
			return 0, err
		}
		s.segments = append(s.segments, next)
		tail = next
	}

	if _, err := tail.append(encoded); err != nil {
		return 0, err
	}
	if err := tail.fsync(); err != nil {
		return 0, fmt.Errorf("fsync block: %w", err)
	}

	if err := s.indexBlock(b, b.Header.Offset); err != nil {
		return 0, err
	}
	next := types.NextOffset(headerFrameSize(&b.Header), &b.Header)
	s.opsIndex.AdvanceNextExpected(next)

	header := b.Header
	s.lastHeader = &header
	return next, nil
}

func (s *Store) validateLinkage(b *types.Block) error {
	if s.lastHeader == nil {
		if b.Header.Height != 0 || b.Header.PreviousOffset != 0 || b.Header.PreviousHash != nil {
			return &ErrIntegrity{Reason: "genesis block must have height 0 and no previous link"}
		}
		return nil
	}
	prevHeaderFrame := types.EncodeBlockHeader(s.lastHeader)
	prevHash, err := hashFrame(prevHeaderFrame)
	if err != nil {
		return err
	}
	if b.Header.PreviousOffset != s.lastHeader.Offset {
		return &ErrIntegrity{Reason: "previous_offset does not match current tip"}
	}
	if string(b.Header.PreviousHash) != string(prevHash) {
		return &ErrIntegrity{Reason: "previous_hash does not match current tip"}
	}
	if b.Header.Height != s.lastHeader.Height+1 {
		return &ErrIntegrity{Reason: "height is not previous height + 1"}
	}
	return nil
}

func (s *Store) indexBlock(b *types.Block, offset uint64) error {
	if err := s.opsIndex.Insert(b.Header.ProposedOperationID, offset); err != nil {
		return err
	}
	for _, op := range b.Operations {
		if err := s.opsIndex.Insert(op.OperationID, offset); err != nil {
			return err
		}
	}
	return nil
}

// ReadBlockAt reads the block starting at the given chain offset.
func (s *Store) ReadBlockAt(offset uint64) (*types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seg, err := s.segmentFor(offset)
	if err != nil {
		return nil, err
	}
	block, _, err := s.readBlockFromSegment(seg, offset-seg.startOffset)
	return block, err
}

func (s *Store) readBlockFromSegment(seg *segment, at uint64) (*types.Block, uint64, error) {
	var data []byte
	if seg == s.segments[len(s.segments)-1] {
		// tail segment: read straight from the writer's backing file via a fresh stat+read,
		// since it may not be sealed/mapped yet.
		raw, err := os.ReadFile(seg.path)
		if err != nil {
			return nil, 0, fmt.Errorf("read tail segment: %w", err)
		}
		data = raw
	} else {
		m, err := s.mmaps.get(seg)
		if err != nil {
			return nil, 0, err
		}
		data = m
	}

	if int(at) > len(data) {
		return nil, 0, &ErrIntegrity{Reason: "block offset past end of segment"}
	}
	block, err := decodeBlock(data[at:])
	if err != nil {
		return nil, 0, err
	}
	total := blockTotalSize(block)
	return block, total, nil
}

// ReadBlockFromNext reads the block whose offset equals "off", an
// alias kept for symmetry with spec's read_block_from_next_offset when
// off is exactly a NextOffset() result.
func (s *Store) ReadBlockFromNext(off uint64) (*types.Block, error) {
	return s.ReadBlockAt(off)
}

// LastBlock returns the most recently appended block, or nil before genesis.
func (s *Store) LastBlock() (*types.Block, error) {
	s.mu.RLock()
	header := s.lastHeader
	s.mu.RUnlock()
	if header == nil {
		return nil, nil
	}
	return s.ReadBlockAt(header.Offset)
}

// NextOffset returns the offset the next appended block must start at.
func (s *Store) NextOffset() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastHeader == nil {
		return 0
	}
	return types.NextOffset(headerFrameSize(s.lastHeader), s.lastHeader)
}

// GetBlockByOperationID consults the operations index and returns the
// block containing the given operation id.
func (s *Store) GetBlockByOperationID(operationID uint64) (*types.Block, bool, error) {
	off, ok := s.opsIndex.Find(operationID)
	if !ok {
		return nil, false, nil
	}
	b, err := s.ReadBlockAt(off)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// BlocksIter returns every block at or after fromOffset, in order.
func (s *Store) BlocksIter(fromOffset uint64) ([]*types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Block
	for offset := fromOffset; ; {
		seg, err := s.segmentFor(offset)
		if err != nil {
			break
		}
		block, total, err := s.readBlockFromSegment(seg, offset-seg.startOffset)
		if err != nil {
			break
		}
		out = append(out, block)
		offset += total
	}
	return out, nil
}

func (s *Store) segmentFor(offset uint64) (*segment, error) {
	for i := len(s.segments) - 1; i >= 0; i-- {
		if offset >= s.segments[i].startOffset {
			return s.segments[i], nil
		}
	}
	return nil, fmt.Errorf("no segment covers offset %d", offset)
}

// TruncateFrom removes every block at or after offset, truncating the
// affected segment (and deleting any fully superseded segments), and
// truncates the operations index to match.
func (s *Store) TruncateFrom(offset uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []*segment
	for _, seg := range s.segments {
		if seg.startOffset >= offset {
			s.mmaps.evict(seg.startOffset)
			if err := seg.close(); err != nil {
				return err
			}
			if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove truncated segment: %w", err)
			}
			continue
		}
		kept = append(kept, seg)
	}
	if len(kept) == 0 {
		seg, err := createSegment(s.cfg.DataDir, 0)
		if err != nil {
			return err
		}
		kept = append(kept, seg)
	} else {
		last := kept[len(kept)-1]
		s.mmaps.evict(last.startOffset)
		if offset > last.startOffset {
			if err := last.truncate(offset - last.startOffset); err != nil {
				return err
			}
		}
	}
	s.segments = kept

	if err := s.opsIndex.TruncateFrom(offset); err != nil {
		return err
	}

	if offset == 0 {
		s.lastHeader = nil
	} else {
		// s.mu is already held, so read through the segment directly
		// rather than via ReadBlockAt, which takes the read lock.
		readAt := func(off uint64) (*types.Block, error) {
			seg, err := s.segmentFor(off)
			if err != nil {
				return nil, err
			}
			b, _, err := s.readBlockFromSegment(seg, off-seg.startOffset)
			return b, err
		}
		b, err := readAt(0)
		if err == nil {
			s.lastHeader = &b.Header
		}
		// walk forward to the new tip
		for {
			next := s.NextOffsetUnlocked()
			if next >= offset {
				break
			}
			nb, err := readAt(next)
			if err != nil {
				break
			}
			s.lastHeader = &nb.Header
		}
	}
	return nil
}

// NextOffsetUnlocked is NextOffset without taking the lock, for
// internal use while already holding it.
func (s *Store) NextOffsetUnlocked() uint64 {
	if s.lastHeader == nil {
		return 0
	}
	return types.NextOffset(headerFrameSize(s.lastHeader), s.lastHeader)
}

// Height returns the height of the current tip block, or 0 before genesis.
func (s *Store) Height() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastHeader == nil {
		return 0
	}
	return s.lastHeader.Height
}

// SegmentCount returns the number of segment files backing the store,
// sealed and tail combined.
func (s *Store) SegmentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.segments)
}

// Close flushes and closes every open segment and mapping.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mmaps.closeAll()
	for _, seg := range s.segments {
		if err := seg.close(); err != nil {
			return err
		}
	}
	return nil
}
