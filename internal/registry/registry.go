// Package registry implements the read-mostly table of registered devices
// and their active mount sessions. Writers (activate/deactivate/mount/
// unmount) serialize on one mutex; readers (the write-interception hot
// path) never take that mutex, instead relying on an epoch-based grace
// period (internal/epoch) so that a concurrently-unlinked entry is only
// freed once every reader that could have observed it has moved on.
// Reads are not lock-free: entering and leaving the epoch briefly holds
// the epoch Domain's own mutex.
//
// Updates never mutate a published entry in place. attach/detach instead
// build a new entry, splice it into the list in place of the old one, and
// schedule the old one for deferred destruction - the same "atomic
// replace" discipline the design calls for in place of in-place session
// field mutation.
package registry

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/blocksnap/blocksnap/internal/epoch"
	"github.com/blocksnap/blocksnap/internal/sector"
	"github.com/blocksnap/blocksnap/internal/session"
)

// MaxPathLen bounds registered device paths, mirroring PATH_MAX.
const MaxPathLen = 4096

var (
	ErrDuplicateName = errors.New("registry: device path already registered")
	ErrNameTooLong   = errors.New("registry: device path too long")
	ErrNotFound      = errors.New("registry: device path not registered")
	ErrNoSession     = errors.New("registry: device has no active session")
)

type entry struct {
	devPath  string
	nameHash uint64
	session  *session.Session // nil while unmounted
	next     atomic.Pointer[entry]
}

func hashPath(p string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(p))
	return h.Sum64()
}

// Registry is the singleton table of registered devices.
type Registry struct {
	writeMu sync.Mutex
	head    atomic.Pointer[entry]
	domain  *epoch.Domain
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{domain: epoch.NewDomain()}
}

// Insert registers devPath. It is an error if devPath is already present
// or exceeds MaxPathLen.
func (r *Registry) Insert(devPath string) error {
	if len(devPath) > MaxPathLen {
		return ErrNameTooLong
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if r.findLocked(devPath) != nil {
		return ErrDuplicateName
	}

	n := &entry{devPath: devPath, nameHash: hashPath(devPath)}
	n.next.Store(r.head.Load())
	r.head.Store(n)
	return nil
}

// Delete removes devPath. If a session was active, it is returned so the
// caller can destroy its SnapMap after the grace period; Registry itself
// has no reference to the SnapMap list.
func (r *Registry) Delete(devPath string) (*session.Session, error) {
	r.writeMu.Lock()
	target, prev := r.findWithPrevLocked(devPath)
	if target == nil {
		r.writeMu.Unlock()
		return nil, ErrNotFound
	}
	r.unlinkLocked(prev, target)
	r.writeMu.Unlock()

	old := target.session
	r.domain.Defer(func() {})
	return old, nil
}

// AttachSessionPrealloc installs a freshly created session for devPath. If
// the entry already carries a session, the old one is scheduled for
// deferred destruction and returned so the caller can tear down its
// SnapMap.
func (r *Registry) AttachSessionPrealloc(devPath string, dev sector.DeviceID, clock session.Clock) (*session.Session, *session.Session, error) {
	if clock == nil {
		clock = session.SystemClock
	}
	newSsn := session.New(dev, clock.Now())

	r.writeMu.Lock()
	cur, prev := r.findWithPrevLocked(devPath)
	if cur == nil {
		r.writeMu.Unlock()
		return nil, nil, ErrNotFound
	}

	replacement := &entry{devPath: cur.devPath, nameHash: cur.nameHash, session: newSsn}
	r.replaceLocked(prev, cur, replacement)
	old := cur.session
	r.writeMu.Unlock()

	if old != nil {
		r.domain.Defer(func() {})
	}
	return newSsn, old, nil
}

// DetachSession clears the session associated with dev, if any, and
// returns it so the caller can destroy its SnapMap after the grace
// period. A device with no session is a no-op.
func (r *Registry) DetachSession(dev sector.DeviceID) *session.Session {
	r.writeMu.Lock()
	cur, prev := r.findByDevWithPrevLocked(dev)
	if cur == nil || cur.session == nil {
		r.writeMu.Unlock()
		return nil
	}

	replacement := &entry{devPath: cur.devPath, nameHash: cur.nameHash, session: nil}
	r.replaceLocked(prev, cur, replacement)
	old := cur.session
	r.writeMu.Unlock()

	r.domain.Defer(func() {})
	return old
}

// FindSessionAtOrBefore returns the session for dev if it was created at or
// before observed, guarding the capture callback against reporting into a
// session created after the write event it is completing.
func (r *Registry) FindSessionAtOrBefore(dev sector.DeviceID, observed session.CreatedOn) (*session.Session, bool) {
	g := r.domain.Enter()
	defer g.Exit()

	for n := r.head.Load(); n != nil; n = n.next.Load() {
		if n.session != nil && n.session.Dev == dev && n.session.CreatedOn.LessEqual(observed) {
			return n.session, true
		}
	}
	return nil, false
}

// AddRange forwards a captured range into dev's session interval tree.
func (r *Registry) AddRange(dev sector.DeviceID, t session.CreatedOn, rng sector.Range) error {
	ssn, ok := r.FindSessionAtOrBefore(dev, t)
	if !ok || !ssn.CreatedOn.Equal(t) {
		return ErrNoSession
	}
	ssn.CapturedRanges.Insert(rng.Start, rng.End)
	return nil
}

// Covers reports whether dev's current session already fully covers rng.
func (r *Registry) Covers(dev sector.DeviceID, rng sector.Range) (bool, error) {
	g := r.domain.Enter()
	defer g.Exit()

	for n := r.head.Load(); n != nil; n = n.next.Load() {
		if n.session != nil && n.session.Dev == dev {
			return n.session.CapturedRanges.Covers(rng.Start, rng.End), nil
		}
	}
	return false, ErrNoSession
}

// PathForDevice returns the registered device path backing dev's current
// session, if any. Used by the capture path to derive the on-disk
// directory name, which is keyed by path rather than by device number.
func (r *Registry) PathForDevice(dev sector.DeviceID) (string, bool) {
	g := r.domain.Enter()
	defer g.Exit()
	for n := r.head.Load(); n != nil; n = n.next.Load() {
		if n.session != nil && n.session.Dev == dev {
			return n.devPath, true
		}
	}
	return "", false
}

// Session returns the currently-active session for dev, if any. Used by
// components (SnapMap creation) that need a stable handle rather than a
// per-call lookup.
func (r *Registry) Session(dev sector.DeviceID) (*session.Session, bool) {
	g := r.domain.Enter()
	defer g.Exit()
	for n := r.head.Load(); n != nil; n = n.next.Load() {
		if n.session != nil && n.session.Dev == dev {
			return n.session, true
		}
	}
	return nil, false
}

// RenderListing writes one line per registered device in the form
// "<path> <dir-name|->\n" into a buffer of at most limit bytes, truncating
// with a trailing "EOF" if the listing does not fit. dirName computes the
// on-disk directory name for a session, or returns false if none exists.
func (r *Registry) RenderListing(limit int, dirName func(devPath string, s *session.Session) (string, bool)) string {
	g := r.domain.Enter()
	defer g.Exit()

	if r.head.Load() == nil {
		return "(no devices)\n"
	}

	var b strings.Builder
	for n := r.head.Load(); n != nil; n = n.next.Load() {
		line := n.devPath + " -\n"
		if n.session != nil {
			if name, ok := dirName(n.devPath, n.session); ok {
				line = fmt.Sprintf("%s %s\n", n.devPath, name)
			}
		}
		if b.Len()+len(line) >= limit {
			if b.Len()+len("EOF") < limit {
				b.WriteString("EOF")
			}
			return b.String()
		}
		b.WriteString(line)
	}
	return b.String()
}

// --- unexported list helpers; writeMu must be held ---

func (r *Registry) findLocked(devPath string) *entry {
	h := hashPath(devPath)
	for n := r.head.Load(); n != nil; n = n.next.Load() {
		if n.nameHash == h && n.devPath == devPath {
			return n
		}
	}
	return nil
}

func (r *Registry) findWithPrevLocked(devPath string) (target, prev *entry) {
	h := hashPath(devPath)
	for n := r.head.Load(); n != nil; n = n.next.Load() {
		if n.nameHash == h && n.devPath == devPath {
			return n, prev
		}
		prev = n
	}
	return nil, nil
}

func (r *Registry) findByDevWithPrevLocked(dev sector.DeviceID) (target, prev *entry) {
	for n := r.head.Load(); n != nil; n = n.next.Load() {
		if n.session != nil && n.session.Dev == dev {
			return n, prev
		}
		prev = n
	}
	return nil, nil
}

func (r *Registry) unlinkLocked(prev, target *entry) {
	if prev == nil {
		r.head.Store(target.next.Load())
		return
	}
	prev.next.Store(target.next.Load())
}

func (r *Registry) replaceLocked(prev, old, replacement *entry) {
	replacement.next.Store(old.next.Load())
	if prev == nil {
		r.head.Store(replacement)
		return
	}
	prev.next.Store(replacement)
}
