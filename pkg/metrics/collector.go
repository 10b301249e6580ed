package metrics

import "time"

// ChainSource is the minimal view of the block store a Collector needs.
type ChainSource interface {
	Height() uint64
	SegmentCount() int
}

// PendingSource is the minimal view of the pending store a Collector needs.
type PendingSource interface {
	Count() int
	GroupCount() int
}

// SyncSource is the minimal view of the chain synchronizer a Collector needs.
type SyncSource interface {
	SynchronizedPeerCount() int
	IsLeader() bool
}

// Collector periodically samples engine-owned state into the package's
// Prometheus gauges, so a tick-driven engine doesn't have to touch the
// metrics package directly on every state change.
type Collector struct {
	chain   ChainSource
	pending PendingSource
	sync    SyncSource
	stopCh  chan struct{}
}

// NewCollector creates a Collector sampling the given sources.
func NewCollector(chain ChainSource, pending PendingSource, sync SyncSource) *Collector {
	return &Collector{chain: chain, pending: pending, sync: sync, stopCh: make(chan struct{})}
}

// Start begins periodic collection on its own goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts periodic collection.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.chain != nil {
		ChainHeight.Set(float64(c.chain.Height()))
		ChainSegmentsTotal.Set(float64(c.chain.SegmentCount()))
	}
	if c.pending != nil {
		PendingOperationsTotal.Set(float64(c.pending.Count()))
		PendingGroupsTotal.Set(float64(c.pending.GroupCount()))
	}
	if c.sync != nil {
		PeersSynchronizedTotal.Set(float64(c.sync.SynchronizedPeerCount()))
		if c.sync.IsLeader() {
			IsLeader.Set(1)
		} else {
			IsLeader.Set(0)
		}
	}
}
