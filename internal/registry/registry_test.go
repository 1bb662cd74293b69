package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blocksnap/blocksnap/internal/sector"
	"github.com/blocksnap/blocksnap/internal/session"
)

type fakeClock struct{ n int64 }

func (c *fakeClock) Now() session.CreatedOn {
	c.n++
	return session.CreatedOn{Monotonic: c.n}
}

func TestInsertDuplicateAndTooLong(t *testing.T) {
	r := New()
	require.NoError(t, r.Insert("/dev/loop0"))
	assert.ErrorIs(t, r.Insert("/dev/loop0"), ErrDuplicateName)

	longest := make([]byte, MaxPathLen+1)
	assert.ErrorIs(t, r.Insert(string(longest)), ErrNameTooLong)
}

func TestInsertDeleteInsertRoundTrip(t *testing.T) {
	r := New()
	require.NoError(t, r.Insert("/dev/loop0"))
	_, err := r.Delete("/dev/loop0")
	require.NoError(t, err)
	require.NoError(t, r.Insert("/dev/loop0"))

	listing := r.RenderListing(4096, func(string, *session.Session) (string, bool) { return "", false })
	assert.Equal(t, "/dev/loop0 -\n", listing)
}

func TestDeleteNotFound(t *testing.T) {
	r := New()
	_, err := r.Delete("/dev/missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAttachSessionAndCovers(t *testing.T) {
	r := New()
	require.NoError(t, r.Insert("/dev/loop0"))
	dev := sector.DeviceID{Major: 7, Minor: 0}
	clock := &fakeClock{}

	ssn, old, err := r.AttachSessionPrealloc("/dev/loop0", dev, clock)
	require.NoError(t, err)
	assert.Nil(t, old)
	require.NotNil(t, ssn)

	ok, err := r.Covers(dev, sector.Range{Start: 0, End: 10})
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.AddRange(dev, ssn.CreatedOn, sector.Range{Start: 0, End: 10}))
	ok, err = r.Covers(dev, sector.Range{Start: 2, End: 8})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReattachDefersOldSession(t *testing.T) {
	r := New()
	require.NoError(t, r.Insert("/dev/loop0"))
	dev := sector.DeviceID{Major: 7, Minor: 0}
	clock := &fakeClock{}

	ssn1, _, err := r.AttachSessionPrealloc("/dev/loop0", dev, clock)
	require.NoError(t, err)

	ssn2, old, err := r.AttachSessionPrealloc("/dev/loop0", dev, clock)
	require.NoError(t, err)
	assert.Same(t, ssn1, old)
	assert.NotSame(t, ssn1, ssn2)

	found, ok := r.Session(dev)
	require.True(t, ok)
	assert.Same(t, ssn2, found)
}

func TestDetachSessionNoSessionIsNoop(t *testing.T) {
	r := New()
	dev := sector.DeviceID{Major: 1, Minor: 2}
	assert.Nil(t, r.DetachSession(dev))
}

func TestFindSessionAtOrBeforeGuardsRace(t *testing.T) {
	r := New()
	require.NoError(t, r.Insert("/dev/loop0"))
	dev := sector.DeviceID{Major: 7, Minor: 0}
	clock := &fakeClock{}

	ssn, _, err := r.AttachSessionPrealloc("/dev/loop0", dev, clock)
	require.NoError(t, err)

	// A write observed before the session existed must not be attributed
	// to it.
	_, ok := r.FindSessionAtOrBefore(dev, session.CreatedOn{Monotonic: ssn.CreatedOn.Monotonic - 1})
	assert.False(t, ok)

	found, ok := r.FindSessionAtOrBefore(dev, ssn.CreatedOn)
	assert.True(t, ok)
	assert.Same(t, ssn, found)
}

func TestConcurrentInsertSameNameExactlyOneWinner(t *testing.T) {
	r := New()
	const n = 32
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			errs[idx] = r.Insert("/dev/same")
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, ErrDuplicateName)
		}
	}
	assert.Equal(t, 1, successes)
}

func TestRenderListingTruncatesWithEOF(t *testing.T) {
	r := New()
	for i := 0; i < 50; i++ {
		require.NoError(t, r.Insert(deviceName(i)))
	}
	listing := r.RenderListing(80, func(string, *session.Session) (string, bool) { return "", false })
	assert.Contains(t, listing, "EOF")
}

func deviceName(i int) string {
	return "/dev/loopXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXX" + string(rune('a'+i%26))
}
