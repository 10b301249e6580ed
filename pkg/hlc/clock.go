package hlc

import (
	"hash/fnv"
	"sync"
	"time"
)

const disambiguatorBits = 16

// Clock mints monotonically increasing, approximately time-ordered
// operation ids for one node.
type Clock struct {
	mu            sync.Mutex
	last          uint64
	disambiguator uint64
	now           func() time.Time // overridable for tests
}

// NewClock creates a Clock for the given node id.
func NewClock(nodeID string) *Clock {
	return &Clock{
		disambiguator: nodeDisambiguator(nodeID),
		now:           time.Now,
	}
}

// ConsistentTime returns the next operation id. It is monotonically
// increasing across all calls on this Clock, regardless of wall-clock
// behavior.
func (c *Clock) ConsistentTime() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	micros := uint64(c.now().UnixMicro())
	candidate := (micros << disambiguatorBits) | c.disambiguator
	if candidate <= c.last {
		candidate = c.last + 1
	}
	c.last = candidate
	return candidate
}

// Observe folds an id seen from elsewhere (e.g. a remote operation)
// into the clock so that subsequently minted ids stay ahead of it.
func (c *Clock) Observe(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id > c.last {
		c.last = id
	}
}

// WallTime extracts the approximate wall-clock instant an operation id
// was minted at.
func WallTime(id uint64) time.Time {
	micros := int64(id >> disambiguatorBits)
	return time.UnixMicro(micros)
}

func nodeDisambiguator(nodeID string) uint64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(nodeID))
	return uint64(h.Sum32()) & ((1 << disambiguatorBits) - 1)
}
