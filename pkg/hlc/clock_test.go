package hlc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsistentTimeMonotonic(t *testing.T) {
	c := NewClock("node-a")

	var last uint64
	for i := 0; i < 1000; i++ {
		id := c.ConsistentTime()
		assert.Greater(t, id, last)
		last = id
	}
}

func TestConsistentTimeFrozenClockStillAdvances(t *testing.T) {
	c := NewClock("node-a")
	frozen := time.Now()
	c.now = func() time.Time { return frozen }

	first := c.ConsistentTime()
	second := c.ConsistentTime()

	assert.Greater(t, second, first, "same wall-clock instant must still step forward")
}

func TestDisambiguatorDiffersAcrossNodes(t *testing.T) {
	a := NewClock("node-a")
	b := NewClock("node-b")

	require.NotEqual(t, a.disambiguator, b.disambiguator)
}

func TestObserveAdvancesClock(t *testing.T) {
	c := NewClock("node-a")
	first := c.ConsistentTime()

	c.Observe(first + 1_000_000)
	second := c.ConsistentTime()

	assert.Greater(t, second, first+1_000_000)
}

func TestWallTimeRoundTrips(t *testing.T) {
	c := NewClock("node-a")
	id := c.ConsistentTime()

	wt := WallTime(id)
	assert.False(t, wt.IsZero())
}
