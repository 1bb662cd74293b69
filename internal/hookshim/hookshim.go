// Package hookshim adapts the intercepting write-path engine to the
// teacher's Backend interface (internal/interfaces.Backend), the same
// abstraction internal/blockdev/queue.Runner drives its I/O loop against. It plays
// the role the design calls "filesystem hook attachment" / the bnull
// diversion device: every WriteAt is routed through intercept.Engine
// instead of landing on the underlying backend directly; ReadAt, Size,
// Close and Flush pass straight through.
package hookshim

import (
	"github.com/blocksnap/blocksnap/internal/intercept"
	"github.com/blocksnap/blocksnap/internal/interfaces"
	"github.com/blocksnap/blocksnap/internal/sector"
)

// InterceptingBackend wraps an underlying backend so that every write is
// first offered to an intercept.Engine.
type InterceptingBackend struct {
	underlying interfaces.Backend
	engine     *intercept.Engine
	dev        sector.DeviceID
}

// New wraps underlying so writes to dev are intercepted by engine.
func New(underlying interfaces.Backend, engine *intercept.Engine, dev sector.DeviceID) *InterceptingBackend {
	return &InterceptingBackend{underlying: underlying, engine: engine, dev: dev}
}

// ReadAt passes straight through to the underlying backend.
func (b *InterceptingBackend) ReadAt(p []byte, off int64) (int, error) {
	return b.underlying.ReadAt(p, off)
}

// WriteAt offers the write to the intercept engine. A diverted write is
// acknowledged immediately - the engine's own pipeline owns submitting it
// to the underlying backend once pre-capture bookkeeping has run - while
// a passed-through write (already covered, or not eligible) is applied
// synchronously.
func (b *InterceptingBackend) WriteAt(p []byte, off int64) (int, error) {
	bio := &intercept.Bio{Dev: b.dev, Start: sector.Sector(off / sector.Size), Payload: p}
	if d := b.engine.OnSubmitBio(bio); d.Divert {
		return len(p), nil
	}
	return b.underlying.WriteAt(p, off)
}

// Size passes straight through to the underlying backend.
func (b *InterceptingBackend) Size() int64 { return b.underlying.Size() }

// Close passes straight through to the underlying backend.
func (b *InterceptingBackend) Close() error { return b.underlying.Close() }

// Flush passes straight through to the underlying backend.
func (b *InterceptingBackend) Flush() error { return b.underlying.Flush() }

// Submitter adapts an interfaces.Backend to intercept.Submitter: the
// final step of the capture pipeline, run on the block-persist worker
// queue, which actually writes the original payload through to storage.
type Submitter struct {
	underlying interfaces.Backend
}

// NewSubmitter wraps underlying as an intercept.Submitter.
func NewSubmitter(underlying interfaces.Backend) *Submitter {
	return &Submitter{underlying: underlying}
}

// SubmitOriginal writes b's payload to its original target offset.
func (s *Submitter) SubmitOriginal(b *intercept.Bio) error {
	_, err := s.underlying.WriteAt(b.Payload, int64(b.Start)*sector.Size)
	return err
}
