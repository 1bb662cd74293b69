package bitmap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddContains(t *testing.T) {
	b := New()
	require.False(t, b.Contains(42))
	require.True(t, b.Add(42))
	require.True(t, b.Contains(42))
	require.False(t, b.Add(42), "second add of the same key must report no-op")
}

func TestAddRangeBasic(t *testing.T) {
	b := New()
	runs := b.AddRange(100, 108)
	require.Len(t, runs, 1)
	assert.Equal(t, Range{Lo: 100, Hi: 108}, runs[0])
	for x := uint32(100); x < 108; x++ {
		assert.True(t, b.Contains(x))
	}
}

func TestAddRangeDedup(t *testing.T) {
	b := New()
	_ = b.AddRange(100, 108)
	runs := b.AddRange(100, 108)
	assert.Empty(t, runs, "fully overlapping range must add nothing new")

	runs = b.AddRange(104, 116)
	require.Len(t, runs, 1)
	assert.Equal(t, Range{Lo: 108, Hi: 116}, runs[0])
}

func TestAddRangePopcount(t *testing.T) {
	b := New()
	runs := b.AddRange(10, 20)
	var n uint64
	for _, r := range runs {
		n += r.Hi - r.Lo
	}
	assert.Equal(t, uint64(10), n)

	// Adding an overlapping range should yield exactly the non-overlapping delta.
	runs = b.AddRange(15, 25)
	n = 0
	for _, r := range runs {
		n += r.Hi - r.Lo
	}
	assert.Equal(t, uint64(5), n)
}

func TestEmptyRangeIsNoOp(t *testing.T) {
	b := New()
	assert.Nil(t, b.AddRange(5, 5))
	assert.False(t, b.Contains(5))
}

func TestChunkBoundaryCrossing(t *testing.T) {
	b := New()
	lo := uint64(1<<28) - 4
	hi := uint64(1<<28) + 4
	runs := b.AddRange(lo, hi)
	var n uint64
	for _, r := range runs {
		n += r.Hi - r.Lo
	}
	assert.Equal(t, uint64(8), n)
	for x := lo; x < hi; x++ {
		assert.True(t, b.Contains(uint32(x)))
	}
}

func TestPromotionToBitset(t *testing.T) {
	b := New()
	// Force an array container past the promotion threshold one add at a time.
	for i := uint32(0); i < arrayPromoteAt+10; i++ {
		b.Add(i * 2) // stay within container 0 (low 16 bits)
	}
	for i := uint32(0); i < arrayPromoteAt+10; i++ {
		assert.True(t, b.Contains(i*2))
	}
	assert.NotNil(t, b.chunks[0].containers[0].bitset, "container must have been promoted to a bitset")
}

func TestLargeRangeAllocatesBitsetDirectly(t *testing.T) {
	b := New()
	runs := b.AddRange(0, arrayPromoteAt+200)
	require.Len(t, runs, 1)
	assert.Equal(t, uint64(arrayPromoteAt+200), runs[0].Hi-runs[0].Lo)
	assert.NotNil(t, b.chunks[0].containers[0].bitset, "large range must be stored as a bitset")
}

func TestConcurrentAddDisjointChunks(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for chunk := 0; chunk < 16; chunk++ {
		wg.Add(1)
		go func(c uint32) {
			defer wg.Done()
			base := c << 28
			for i := uint32(0); i < 1000; i++ {
				b.Add(base + i)
			}
		}(uint32(chunk))
	}
	wg.Wait()
	for chunk := 0; chunk < 16; chunk++ {
		base := uint32(chunk) << 28
		for i := uint32(0); i < 1000; i++ {
			assert.True(t, b.Contains(base+i))
		}
	}
}

func TestConcurrentAddSameKeyExactlyOneWinner(t *testing.T) {
	b := New()
	const n = 64
	results := make([]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = b.Add(777)
		}(i)
	}
	wg.Wait()
	wins := 0
	for _, r := range results {
		if r {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
}
