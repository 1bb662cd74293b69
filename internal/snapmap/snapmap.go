// Package snapmap implements the process-wide list of per-session capture
// dedup bitmaps and their backing data files, grounded directly on
// core/snap_map.c: one writer spinlock guarding list membership, readers
// walking the list under an epoch-based grace period so a concurrently
// removed entry is only freed once no in-flight capture can still be
// touching it.
//
// A Map is keyed by (device, session creation time) rather than by the
// session pointer itself, mirroring the original's dev_t+timespec64 key -
// a capture callback that raced a reattach must look the map up by the
// same two values it observed at submission time, not by a handle that
// might already have been superseded.
package snapmap

import (
	"encoding/binary"
	"errors"
	"os"
	"sync"

	"github.com/blocksnap/blocksnap/internal/bitmap"
	"github.com/blocksnap/blocksnap/internal/epoch"
	"github.com/blocksnap/blocksnap/internal/persist"
	"github.com/blocksnap/blocksnap/internal/sector"
	"github.com/blocksnap/blocksnap/internal/session"
)

// ErrExists is returned by Create when a map for the given key already
// exists, mirroring snap_map_create's -EEXIST.
var ErrExists = errors.New("snapmap: already exists")

// ErrNotFound is returned when no map matches the given key.
var ErrNotFound = errors.New("snapmap: not found")

// frameHeaderSize is sizeof(struct snap_block_header): two little-endian
// uint64 fields, sector then nbytes.
const frameHeaderSize = 16

// Map is one session's capture dedup bitmap and backing data file.
type Map struct {
	Dev       sector.DeviceID
	CreatedOn session.CreatedOn

	bitmap *bitmap.Bitmap32
	data   *os.File
	// writeMu serializes appends to data: the header+payload pair must
	// land contiguously, and os.File offers no atomic "write both or
	// neither" primitive across two Write calls.
	writeMu sync.Mutex
}

type entry struct {
	m    *Map
	next *entry
}

// List is the process-wide table of Maps.
type List struct {
	writeMu sync.Mutex
	head    *entry
	domain  *epoch.Domain
	store   *persist.Persistence
}

// NewList returns an empty List backed by store for on-disk data files.
func NewList(store *persist.Persistence) *List {
	return &List{domain: epoch.NewDomain(), store: store}
}

func (l *List) find(dev sector.DeviceID, createdOn session.CreatedOn) *entry {
	for e := l.head; e != nil; e = e.next {
		if e.m.Dev == dev && e.m.CreatedOn.Equal(createdOn) {
			return e
		}
	}
	return nil
}

// lookupLocked is used under l.writeMu by Create/Destroy to re-check
// membership once the write lock is held.
func (l *List) lookupLocked(dev sector.DeviceID, createdOn session.CreatedOn) *entry {
	return l.find(dev, createdOn)
}

// lookup is the SRCU-protected read path used internally by AddRange/
// AddSector, matching snap_map_lookup_srcu: a plain list walk under the
// epoch guard, no lock.
func (l *List) lookup(dev sector.DeviceID, createdOn session.CreatedOn) *Map {
	g := l.domain.Enter()
	defer g.Exit()
	if e := l.find(dev, createdOn); e != nil {
		return e.m
	}
	return nil
}

// Lookup returns the Map for (dev, createdOn), if one has been published,
// under the same epoch-guarded read path as AddRange/AddSector.
func (l *List) Lookup(dev sector.DeviceID, createdOn session.CreatedOn) *Map {
	return l.lookup(dev, createdOn)
}

// Create allocates a Map and its backing data file for (dev, createdOn)
// and publishes it, unless one already exists. devPath is used only to
// derive the on-disk directory name.
func (l *List) Create(devPath string, dev sector.DeviceID, createdOn session.CreatedOn) (*Map, error) {
	if l.lookup(dev, createdOn) != nil {
		return nil, ErrExists
	}

	dir, err := l.store.EnsureSessionDir(devPath, createdOn.Realtime)
	if err != nil {
		return nil, err
	}
	f, err := persist.CreateDataFile(dir)
	if err != nil {
		return nil, err
	}

	m := &Map{Dev: dev, CreatedOn: createdOn, bitmap: bitmap.New(), data: f}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.lookupLocked(dev, createdOn) != nil {
		f.Close()
		return nil, ErrExists
	}
	l.head = &entry{m: m, next: l.head}
	return m, nil
}

// Destroy removes and closes the map for (dev, createdOn), deferring the
// close+free until no reader already inside the epoch guard can still be
// using it.
func (l *List) Destroy(dev sector.DeviceID, createdOn session.CreatedOn) error {
	l.writeMu.Lock()
	var prev *entry
	target := l.head
	for target != nil {
		if target.m.Dev == dev && target.m.CreatedOn.Equal(createdOn) {
			break
		}
		prev = target
		target = target.next
	}
	if target == nil {
		l.writeMu.Unlock()
		return ErrNotFound
	}
	if prev == nil {
		l.head = target.next
	} else {
		prev.next = target.next
	}
	l.writeMu.Unlock()

	m := target.m
	l.domain.Defer(func() { m.data.Close() })
	return nil
}

// AddRange adds [lo, hiExcl) to the dedup bitmap and returns the
// newly-added contiguous runs, mirroring snap_map_add_range.
func (l *List) AddRange(dev sector.DeviceID, createdOn session.CreatedOn, rng sector.Range) ([]bitmap.Range, error) {
	m := l.lookup(dev, createdOn)
	if m == nil {
		return nil, ErrNotFound
	}
	return m.bitmap.AddRange(uint64(rng.Start), uint64(rng.End)), nil
}

// AddSector adds a single 512-byte sector, mirroring snap_map_add_sector.
// The sector index is truncated to its low 32 bits, matching Bitmap32's
// 32-bit key space.
func (l *List) AddSector(dev sector.DeviceID, createdOn session.CreatedOn, sec sector.Sector) (bool, error) {
	m := l.lookup(dev, createdOn)
	if m == nil {
		return false, ErrNotFound
	}
	return m.bitmap.Add(uint32(sec)), nil
}

// WriteFrame looks up the Map for (dev, createdOn) and appends one capture
// frame to its data file, holding the epoch guard across both the lookup
// and the write. This matters because Destroy's deferred close
// (snap_map_destroy's call_rcu-style cleanup) only waits out readers that
// are inside the guard when it runs: a lookup that returns before the
// write would let Destroy close the data file in the gap between the two,
// writing to a closed os.File. The original's save_block holds its SRCU
// read-side critical section across the equivalent lookup-through-
// snap_map_write sequence for the same reason.
func (l *List) WriteFrame(dev sector.DeviceID, createdOn session.CreatedOn, sec sector.Sector, payload []byte) error {
	g := l.domain.Enter()
	defer g.Exit()
	e := l.find(dev, createdOn)
	if e == nil {
		return ErrNotFound
	}
	return e.m.WriteFrame(sec, payload)
}

// WriteFrame appends one capture frame - a 16-byte {sector, nbytes}
// header followed by payload - to m's data file. It is the caller's
// responsibility to have already deduplicated via AddRange/AddSector and
// to be holding List's epoch guard across the call (see List.WriteFrame);
// a short write (header or payload) is reported but leaves whatever bytes
// landed in place, matching the original's "log and move on" handling of
// a failed kernel_write.
func (m *Map) WriteFrame(sec sector.Sector, payload []byte) error {
	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint64(header[0:8], uint64(sec))
	binary.LittleEndian.PutUint64(header[8:16], uint64(len(payload)))

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if _, err := m.data.Write(header[:]); err != nil {
		return err
	}
	if _, err := m.data.Write(payload); err != nil {
		return err
	}
	return nil
}
