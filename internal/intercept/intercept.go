// Package intercept implements the write-path state machine described for
// core/snapshot.c and probes/submit_bio.c: a write bio is diverted into a
// pre-read of the region it is about to overwrite, the pre-read's result
// is captured to the session's SnapMap before the original write is
// finally allowed through, and every step past the initial dispatch runs
// on one of three sleepable worker queues so the hot interception path
// itself does no I/O. It does block while the ingress queue is at capacity.
package intercept

import (
	"github.com/blocksnap/blocksnap/internal/logging"
	"github.com/blocksnap/blocksnap/internal/registry"
	"github.com/blocksnap/blocksnap/internal/sector"
	"github.com/blocksnap/blocksnap/internal/session"
	"github.com/blocksnap/blocksnap/internal/snapmap"
	"github.com/blocksnap/blocksnap/internal/workqueue"
)

// pageSize bounds how large a single BlockWork's payload chunk is, mirroring
// the original's per-page save_block work items.
const pageSize = 4096

// Bio is a single write (or, when marked is consulted a second time, its
// own resubmission) in flight through the interception pipeline.
type Bio struct {
	Dev     sector.DeviceID
	Start   sector.Sector
	Payload []byte // nil/empty means not a write worth intercepting

	// marked implements the mark-once contract: a bio may pass through
	// on_submit_bio twice (once diverted, once as the real write) and
	// must only be captured on the first pass.
	marked bool
}

// Sectors returns the number of 512-byte sectors Payload spans.
func (b *Bio) Sectors() uint32 {
	return uint32((uint64(len(b.Payload)) + sector.Size - 1) / sector.Size)
}

func (b *Bio) rangeExcl() sector.Range {
	return sector.Range{Start: b.Start, End: b.Start + sector.Sector(b.Sectors())}
}

// Decision is the result of OnSubmitBio.
type Decision struct {
	// Divert is true when the caller must submit a no-op stub write in
	// place of the original and let Engine's own pre-read/capture
	// pipeline (already enqueued) submit the real write once it is safe
	// to do so.
	Divert bool
}

// PreReader performs the pre-image read a diverted write requires. It is
// supplied by the boundary shim that owns the real backend; Engine never
// touches storage directly outside of the capture write path.
type PreReader interface {
	ReadAt(p []byte, off int64) (int, error)
}

// Submitter finally submits the original write once capture bookkeeping
// has run (or been abandoned). Supplied by the boundary shim.
type Submitter interface {
	SubmitOriginal(b *Bio) error
}

// CaptureObserver receives capture-path outcomes for metrics collection.
// Implementations must be safe for concurrent use, since calls arrive from
// the block-persist worker pool.
type CaptureObserver interface {
	RecordCapture(bytes uint64, dedup bool, failed bool)
}

type noOpObserver struct{}

func (noOpObserver) RecordCapture(uint64, bool, bool) {}

// Engine is the write-path state machine.
type Engine struct {
	registry *registry.Registry
	snaps    *snapmap.List
	reader   PreReader
	submit   Submitter
	clock    session.Clock
	log      *logging.Logger
	metrics  CaptureObserver

	ingress  *workqueue.Ordered
	captureQ *workqueue.Pool
	blockQ   *workqueue.Pool
}

// Config configures a new Engine.
type Config struct {
	Registry *registry.Registry
	Snaps    *snapmap.List
	Reader   PreReader
	Submit   Submitter
	Clock    session.Clock

	IngressCapacity int
	CaptureWorkers  int
	BlockWorkers    int
	QueueCapacity   int

	Logger  *logging.Logger
	Metrics CaptureObserver
}

// New builds an Engine and starts its three worker queues.
func New(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = session.SystemClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.IngressCapacity <= 0 {
		cfg.IngressCapacity = 64
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	if cfg.CaptureWorkers <= 0 {
		cfg.CaptureWorkers = 4
	}
	if cfg.BlockWorkers <= 0 {
		cfg.BlockWorkers = 8
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noOpObserver{}
	}

	return &Engine{
		registry: cfg.Registry,
		snaps:    cfg.Snaps,
		reader:   cfg.Reader,
		submit:   cfg.Submit,
		clock:    cfg.Clock,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		ingress:  workqueue.NewOrdered(cfg.IngressCapacity),
		captureQ: workqueue.NewPool(cfg.CaptureWorkers, cfg.QueueCapacity),
		blockQ:   workqueue.NewPool(cfg.BlockWorkers, cfg.QueueCapacity),
	}
}

// Stop flushes and tears down all three worker queues, in pipeline order
// so that nothing is abandoned mid-flight: ingress first (nothing new
// will be enqueued to capture after it drains), then capture, then
// block-persist.
func (e *Engine) Stop() {
	e.ingress.Stop()
	e.captureQ.Stop()
	e.blockQ.Stop()
}

// OnSubmitBio is the entry point. It decides whether b is eligible for
// interception and, if so, enqueues the sleepable pre-read step onto the
// per-device ordered ingress queue before returning. It does no I/O, but
// the enqueue blocks while the ingress queue is at capacity.
func (e *Engine) OnSubmitBio(b *Bio) Decision {
	if len(b.Payload) == 0 {
		return Decision{Divert: false}
	}
	if b.marked {
		b.marked = false
		return Decision{Divert: false}
	}

	rng := b.rangeExcl()
	if covered, err := e.registry.Covers(b.Dev, rng); err == nil && covered {
		return Decision{Divert: false}
	}

	b.marked = true
	e.ingress.Submit(func() { e.preRead(b, rng) })
	return Decision{Divert: true}
}

// preRead performs the pre-image read (sleepable: may block on backend
// I/O) and hands off to the capture queue, mirroring
// read_original_block_end_io scheduling read_bio_enqueue.
func (e *Engine) preRead(b *Bio, rng sector.Range) {
	buf := make([]byte, len(b.Payload))
	_, err := e.reader.ReadAt(buf, int64(b.Start)*sector.Size)
	readCompletedOn := e.clock.Now()

	if err != nil {
		e.log.Warn("pre-read failed, dropping capture", "dev", b.Dev, "start", b.Start, "err", err)
		e.metrics.RecordCapture(0, false, true)
		buf = nil
	}

	e.captureQ.Submit(func() { e.handleFileWork(b, rng, buf, readCompletedOn) })
}

// handleFileWork is snapshot_save: find the owning session, record the
// range as captured, ensure the session's directory and SnapMap exist,
// fan out per-page BlockWork, and only then submit the original write.
func (e *Engine) handleFileWork(b *Bio, rng sector.Range, buf []byte, readCompletedOn session.CreatedOn) {
	defer e.submitOriginal(b)

	if buf == nil {
		return
	}

	ssn, ok := e.registry.FindSessionAtOrBefore(b.Dev, readCompletedOn)
	if !ok {
		e.log.Debug("no session for device at read-complete, dropping capture", "dev", b.Dev)
		return
	}

	if err := e.registry.AddRange(b.Dev, ssn.CreatedOn, rng); err != nil {
		e.log.Warn("add_range failed, dropping capture", "dev", b.Dev, "err", err)
		return
	}

	devPath, ok := e.registry.PathForDevice(b.Dev)
	if !ok {
		return
	}

	if e.ensureMap(devPath, b.Dev, ssn.CreatedOn) == nil {
		e.log.Warn("snapmap create failed, dropping capture", "dev", b.Dev)
		return
	}

	start := b.Start
	for off := 0; off < len(buf); off += pageSize {
		end := off + pageSize
		if end > len(buf) {
			end = len(buf)
		}
		chunk := buf[off:end]
		chunkSector := start + sector.Sector(off/sector.Size)
		e.blockQ.Submit(func() { e.handleBlockWork(b.Dev, ssn.CreatedOn, chunkSector, chunk) })
	}
}

// ensureMap returns the SnapMap for (dev, createdOn), creating it on
// first use. Concurrent FileWork handlers for the same session race
// harmlessly: snapmap.List.Create reports ErrExists to every loser, which
// simply looks up the winner's Map instead of treating it as a failure.
func (e *Engine) ensureMap(devPath string, dev sector.DeviceID, createdOn session.CreatedOn) *snapmap.Map {
	if m := e.snaps.Lookup(dev, createdOn); m != nil {
		return m
	}
	m, err := e.snaps.Create(devPath, dev, createdOn)
	if err == nil {
		return m
	}
	if err == snapmap.ErrExists {
		return e.snaps.Lookup(dev, createdOn)
	}
	return nil
}

// handleBlockWork is save_block: dedup the chunk's sectors against the
// SnapMap bitmap and append one frame per newly-added contiguous run.
func (e *Engine) handleBlockWork(dev sector.DeviceID, createdOn session.CreatedOn, start sector.Sector, chunk []byte) {
	runs, err := e.snaps.AddRange(dev, createdOn, sector.Range{Start: start, End: start + sector.Sector((len(chunk)+sector.Size-1)/sector.Size)})
	if err != nil {
		e.log.Warn("snapmap add_range failed", "dev", dev, "err", err)
		e.metrics.RecordCapture(0, false, true)
		return
	}
	if len(runs) == 0 {
		e.metrics.RecordCapture(0, true, false)
		return
	}

	for _, r := range runs {
		loOff := (uint64(r.Lo) - uint64(start)) * sector.Size
		hiOff := (uint64(r.Hi) - uint64(start)) * sector.Size
		if hiOff > uint64(len(chunk)) {
			hiOff = uint64(len(chunk))
		}
		if loOff >= hiOff {
			continue
		}
		if err := e.snaps.WriteFrame(dev, createdOn, sector.Sector(r.Lo), chunk[loOff:hiOff]); err != nil {
			e.log.Warn("write frame failed", "dev", dev, "sector", r.Lo, "err", err)
			e.metrics.RecordCapture(0, false, true)
			continue
		}
		e.metrics.RecordCapture(hiOff-loOff, false, false)
	}
}

func (e *Engine) submitOriginal(b *Bio) {
	if err := e.submit.SubmitOriginal(b); err != nil {
		e.log.Error("submit original write failed", "dev", b.Dev, "err", err)
	}
}
