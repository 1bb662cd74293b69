package itree

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/blocksnap/blocksnap/internal/sector"
)

func s(n uint64) sector.Sector { return sector.Sector(n) }

func TestEmptyRangeIsNoOp(t *testing.T) {
	tr := New()
	assert.True(t, tr.Covers(5, 5), "empty query range is vacuously covered")
	tr.Insert(0, 0)
	assert.False(t, tr.Covers(0, 1))
}

func TestCoversExactAndSubset(t *testing.T) {
	tr := New()
	tr.Insert(100, 200)
	assert.True(t, tr.Covers(100, 200))
	assert.True(t, tr.Covers(120, 150))
	assert.False(t, tr.Covers(90, 150))
	assert.False(t, tr.Covers(150, 250))
}

func TestCoversDoesNotUnionAdjacentRanges(t *testing.T) {
	tr := New()
	tr.Insert(0, 100)
	tr.Insert(100, 200)
	assert.False(t, tr.Covers(50, 150), "split across two adjacent nodes must not count as covered")
	assert.True(t, tr.Covers(0, 100))
	assert.True(t, tr.Covers(100, 200))
}

func TestDuplicateInsertsPermitted(t *testing.T) {
	tr := New()
	tr.Insert(10, 20)
	tr.Insert(10, 20)
	assert.True(t, tr.Covers(10, 20))
}

func TestRandomizedAgainstNaiveModel(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	tr := New()
	var model []sector.Range

	covers := func(q sector.Range) bool {
		for _, r := range model {
			if r.Start <= q.Start && q.End <= r.End {
				return true
			}
		}
		return false
	}

	for i := 0; i < 2000; i++ {
		start := s(uint64(rng.Intn(1000)))
		end := start + s(uint64(rng.Intn(50)+1))
		if rng.Intn(3) == 0 {
			// Query.
			qStart := s(uint64(rng.Intn(1000)))
			qEnd := qStart + s(uint64(rng.Intn(50)+1))
			assert.Equal(t, covers(sector.Range{Start: qStart, End: qEnd}), tr.Covers(qStart, qEnd))
			continue
		}
		tr.Insert(start, end)
		model = append(model, sector.Range{Start: start, End: end})
	}
}

func TestConcurrentInsertAndCover(t *testing.T) {
	tr := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := s(uint64(i * 10))
			tr.Insert(start, start+10)
		}(i)
	}
	wg.Wait()
	for i := 0; i < 50; i++ {
		start := s(uint64(i * 10))
		assert.True(t, tr.Covers(start, start+10))
	}
}
