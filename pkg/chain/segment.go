package chain

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/edsrzf/mmap-go"

	"github.com/cellmesh/cellmesh/pkg/log"
)

// segmentFileName returns the on-disk name for a segment starting at
// the given offset, per the naming convention "segment_<starting_offset>".
func segmentFileName(startOffset uint64) string {
	return fmt.Sprintf("segment_%020d", startOffset)
}

// segment is one contiguous range [startOffset, startOffset+size) of
// the chain. The tail segment is open for buffered append; sealed
// segments are read through a bounded LRU of memory mappings.
type segment struct {
	mu          sync.Mutex
	path        string
	startOffset uint64
	size        uint64
	sealed      bool

	writeFile *os.File
	writer    *bufio.Writer
}

func createSegment(dataDir string, startOffset uint64) (*segment, error) {
	path := filepath.Join(dataDir, segmentFileName(startOffset))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create segment: %w", err)
	}
	return &segment{
		path:        path,
		startOffset: startOffset,
		writeFile:   f,
		writer:      bufio.NewWriter(f),
	}, nil
}

// openExistingSegment reopens an already-sealed or tail segment found
// on disk at startup.
func openExistingSegment(path string, startOffset uint64) (*segment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat segment: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}
	return &segment{
		path:        path,
		startOffset: startOffset,
		size:        uint64(info.Size()),
		writeFile:   f,
		writer:      bufio.NewWriter(f),
	}, nil
}

// append writes frame bytes to the tail of the segment and returns the
// offset within the segment (not the global chain offset) the frame
// was written at.
func (s *segment) append(frame []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return 0, fmt.Errorf("segment %s is sealed", s.path)
	}
	at := s.size
	n, err := s.writer.Write(frame)
	if err != nil {
		return 0, fmt.Errorf("append to segment: %w", err)
	}
	s.size += uint64(n)
	return at, nil
}

// fsync flushes the buffered writer and fsyncs the underlying file.
// Called on every block boundary per the write durability contract.
func (s *segment) fsync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("flush segment: %w", err)
	}
	return s.writeFile.Sync()
}

// seal flushes, fsyncs and marks the segment read-only. The tail
// segment is sealed when a new segment must be started.
func (s *segment) seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("flush segment on seal: %w", err)
	}
	if err := s.writeFile.Sync(); err != nil {
		return fmt.Errorf("fsync segment on seal: %w", err)
	}
	s.sealed = true
	return nil
}

// truncate discards everything in the segment at or beyond the given
// segment-relative offset, used by Store.TruncateFrom and by
// Store.recover to drop a partially written tail block.
func (s *segment) truncate(at uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("flush before truncate: %w", err)
	}
	if err := s.writeFile.Truncate(int64(at)); err != nil {
		return fmt.Errorf("truncate segment: %w", err)
	}
	if _, err := s.writeFile.Seek(int64(at), 0); err != nil {
		return fmt.Errorf("seek after truncate: %w", err)
	}
	s.writer = bufio.NewWriter(s.writeFile)
	s.size = at
	s.sealed = false
	return nil
}

// close flushes and closes the segment's file handle.
func (s *segment) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.writer.Flush()
	return s.writeFile.Close()
}

// mmapCache is a bounded LRU of open memory-mapped sealed segments,
// capping address-space use (segment_max_open_mmap). Eviction never
// invalidates an outstanding slice reference: Go slices backed by an
// mmap region remain valid to any reader holding one even after the
// cache entry is evicted and unmapped from the *cache's* point of
// view is unsafe in general, so eviction here simply drops the cache's
// handle once no block read is using it; callers must not retain a
// read byte slice past the call that produced it.
type mmapCache struct {
	mu    sync.Mutex
	cache *lru.Cache[uint64, mmap.MMap]
}

func newMmapCache(size int) (*mmapCache, error) {
	if size < 1 {
		size = 1
	}
	c, err := lru.NewWithEvict[uint64, mmap.MMap](size, func(_ uint64, m mmap.MMap) {
		if err := m.Unmap(); err != nil {
			log.WithComponent("chain").Warn().Err(err).Msg("failed to unmap evicted segment")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create mmap cache: %w", err)
	}
	return &mmapCache{cache: c}, nil
}

// get returns the memory mapping for the sealed segment starting at
// startOffset, mapping it on first access.
func (c *mmapCache) get(s *segment) (mmap.MMap, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, ok := c.cache.Get(s.startOffset); ok {
		return m, nil
	}

	m, err := mmap.MapRegion(s.writeFile, int(s.size), mmap.RDONLY, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("mmap segment %s: %w", s.path, err)
	}
	c.cache.Add(s.startOffset, m)
	return m, nil
}

// evict removes a segment's mapping, used before truncating it.
func (c *mmapCache) evict(startOffset uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(startOffset)
}

func (c *mmapCache) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}
