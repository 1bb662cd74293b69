package workqueue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderedPreservesSubmissionOrder(t *testing.T) {
	q := NewOrdered(16)
	defer q.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		i := i
		q.Submit(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestOrderedStopFlushesBufferedWork(t *testing.T) {
	q := NewOrdered(16)
	var ran int32
	for i := 0; i < 5; i++ {
		q.Submit(func() { atomic.AddInt32(&ran, 1) })
	}
	q.Stop()
	assert.Equal(t, int32(5), atomic.LoadInt32(&ran))
}

func TestPoolRunsAllSubmittedTasks(t *testing.T) {
	p := NewPool(4, 64)
	defer p.Stop()

	var ran int32
	var wg sync.WaitGroup
	wg.Add(50)
	for i := 0; i < 50; i++ {
		p.Submit(func() {
			atomic.AddInt32(&ran, 1)
			wg.Done()
		})
	}
	wg.Wait()
	assert.Equal(t, int32(50), atomic.LoadInt32(&ran))
}

func TestPoolStopFlushesBufferedWork(t *testing.T) {
	p := NewPool(2, 64)
	var ran int32
	for i := 0; i < 20; i++ {
		p.Submit(func() { atomic.AddInt32(&ran, 1) })
	}
	p.Stop()
	assert.Equal(t, int32(20), atomic.LoadInt32(&ran))
}

func TestOrderedSubmitUnblocksOnStop(t *testing.T) {
	q := NewOrdered(0)
	q.Submit(func() { time.Sleep(time.Millisecond) })

	done := make(chan struct{})
	go func() {
		q.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "Stop did not return")
	}
}
