// Package session holds per-mount snapshot state: the interval tree of
// already-captured sector ranges and the bitmap dedup guard for the
// currently in-flight capture job, keyed to one mount lifetime.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/blocksnap/blocksnap/internal/bitmap"
	"github.com/blocksnap/blocksnap/internal/itree"
	"github.com/blocksnap/blocksnap/internal/sector"
)

// CreatedOn is a monotonic+realtime timestamp pair. Realtime names the
// on-disk directory; monotonic orders sessions for the same device without
// being vulnerable to clock adjustments.
type CreatedOn struct {
	Realtime  time.Time
	Monotonic int64
}

// LessEqual reports whether c happened before or at the same instant as other,
// using the monotonic counter so that comparisons are immune to wall-clock
// changes.
func (c CreatedOn) LessEqual(other CreatedOn) bool {
	return c.Monotonic <= other.Monotonic
}

// Equal reports whether c and other identify the same session instant.
func (c CreatedOn) Equal(other CreatedOn) bool {
	return c.Monotonic == other.Monotonic
}

// Clock supplies CreatedOn values. Production code uses SystemClock; tests
// substitute a deterministic clock to control session ordering.
type Clock interface {
	Now() CreatedOn
}

type systemClock struct{}

func (systemClock) Now() CreatedOn {
	return CreatedOn{Realtime: time.Now(), Monotonic: time.Now().UnixNano()}
}

// SystemClock is the production Clock.
var SystemClock Clock = systemClock{}

// Session is the state of one mount, from attach to deferred destruction.
type Session struct {
	ID        string
	Dev       sector.DeviceID
	CreatedOn CreatedOn

	CapturedRanges  *itree.Tree
	CapturedSectors *bitmap.Bitmap32
}

// New creates a Session for dev at the given creation time.
func New(dev sector.DeviceID, createdOn CreatedOn) *Session {
	return &Session{
		ID:              uuid.NewString(),
		Dev:             dev,
		CreatedOn:       createdOn,
		CapturedRanges:  itree.New(),
		CapturedSectors: bitmap.New(),
	}
}
