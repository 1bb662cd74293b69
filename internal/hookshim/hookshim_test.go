package hookshim

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blocksnap/blocksnap/internal/intercept"
	"github.com/blocksnap/blocksnap/internal/persist"
	"github.com/blocksnap/blocksnap/internal/registry"
	"github.com/blocksnap/blocksnap/internal/sector"
	"github.com/blocksnap/blocksnap/internal/session"
	"github.com/blocksnap/blocksnap/internal/snapmap"
)

// memBackend is a minimal RAM-backed interfaces.Backend used only to keep
// this package's tests independent of backend/mem.go's import-path
// rename, which happens in a separate pass over the teacher's code.
type memBackend struct {
	mu   sync.Mutex
	data []byte
}

func newMemBackend(size int) *memBackend { return &memBackend{data: make([]byte, size)} }

func (m *memBackend) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copy(p, m.data[off:]), nil
}

func (m *memBackend) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copy(m.data[off:], p), nil
}

func (m *memBackend) Size() int64  { return int64(len(m.data)) }
func (m *memBackend) Close() error { return nil }
func (m *memBackend) Flush() error { return nil }

type fakeClock struct {
	mu sync.Mutex
	n  int64
}

func (c *fakeClock) Now() session.CreatedOn {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return session.CreatedOn{Realtime: time.Now(), Monotonic: c.n}
}

func TestWriteAtDivertsCapturedWriteToUnderlyingBackend(t *testing.T) {
	r := registry.New()
	dev := sector.DeviceID{Major: 7, Minor: 0}
	clock := &fakeClock{}
	require.NoError(t, r.Insert("/dev/loop0"))
	_, _, err := r.AttachSessionPrealloc("/dev/loop0", dev, clock)
	require.NoError(t, err)

	store, err := persist.New(t.TempDir(), persist.DefaultDirPrefixLen)
	require.NoError(t, err)
	snaps := snapmap.NewList(store)

	underlying := newMemBackend(1 << 20)
	engine := intercept.New(intercept.Config{
		Registry: r,
		Snaps:    snaps,
		Reader:   underlying,
		Submit:   NewSubmitter(underlying),
		Clock:    clock,
	})
	defer engine.Stop()

	b := New(underlying, engine, dev)

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	n, err := b.WriteAt(payload, 5*512)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	require.Eventually(t, func() bool {
		got := make([]byte, 512)
		underlying.ReadAt(got, 5*512)
		return got[0] == payload[0]
	}, time.Second, time.Millisecond)
}

func TestReadSizeCloseFlushPassThrough(t *testing.T) {
	underlying := newMemBackend(4096)
	b := New(underlying, nil, sector.DeviceID{})

	assert.Equal(t, int64(4096), b.Size())
	assert.NoError(t, b.Close())
	assert.NoError(t, b.Flush())

	p := make([]byte, 16)
	n, err := b.ReadAt(p, 0)
	require.NoError(t, err)
	assert.Equal(t, 16, n)
}
