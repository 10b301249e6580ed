package mutationindex

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkerPoolWaitRunsAllJobs(t *testing.T) {
	pool := NewWorkerPool(2)
	var count int64
	pool.Wait(
		func() { atomic.AddInt64(&count, 1) },
		func() { atomic.AddInt64(&count, 1) },
		func() { atomic.AddInt64(&count, 1) },
	)
	require.Equal(t, int64(3), count)
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	pool := NewWorkerPool(1)
	var active, maxActive int64
	jobs := make([]func(), 5)
	for i := range jobs {
		jobs[i] = func() {
			n := atomic.AddInt64(&active, 1)
			if n > atomic.LoadInt64(&maxActive) {
				atomic.StoreInt64(&maxActive, n)
			}
			atomic.AddInt64(&active, -1)
		}
	}
	pool.Wait(jobs...)
	require.LessOrEqual(t, maxActive, int64(1))
}
