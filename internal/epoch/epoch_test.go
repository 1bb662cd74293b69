package epoch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeferRunsImmediatelyWithNoReaders(t *testing.T) {
	d := NewDomain()
	ran := false
	d.Defer(func() { ran = true })
	assert.True(t, ran)
}

func TestDeferWaitsForActiveReader(t *testing.T) {
	d := NewDomain()
	g := d.Enter()

	ran := make(chan struct{})
	d.Defer(func() { close(ran) })

	select {
	case <-ran:
		t.Fatal("deferred callback ran before the active reader exited")
	case <-time.After(20 * time.Millisecond):
	}

	g.Exit()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("deferred callback never ran after reader exited")
	}
}

func TestNewReadersDoNotBlockOlderDefer(t *testing.T) {
	d := NewDomain()
	g1 := d.Enter()

	ran := make(chan struct{})
	d.Defer(func() { close(ran) })

	// A reader entering after Defer was scheduled belongs to a newer
	// generation and must not be waited on.
	g2 := d.Enter()
	g1.Exit()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("defer should only wait for readers active at schedule time")
	}
	g2.Exit()
}

func TestConcurrentReadersAndDefer(t *testing.T) {
	d := NewDomain()
	var freed int32
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g := d.Enter()
			time.Sleep(time.Millisecond)
			g.Exit()
		}()
	}

	d.Defer(func() {
		mu.Lock()
		freed++
		mu.Unlock()
	})

	wg.Wait()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return freed == 1
	}, time.Second, time.Millisecond)
}
