package blocksnap

import (
	"context"
	"fmt"

	"github.com/blocksnap/blocksnap/internal/auth"
	"github.com/blocksnap/blocksnap/internal/hookshim"
	"github.com/blocksnap/blocksnap/internal/intercept"
	"github.com/blocksnap/blocksnap/internal/logging"
	"github.com/blocksnap/blocksnap/internal/persist"
	"github.com/blocksnap/blocksnap/internal/registry"
	"github.com/blocksnap/blocksnap/internal/sector"
	"github.com/blocksnap/blocksnap/internal/session"
	"github.com/blocksnap/blocksnap/internal/snapmap"
)

// Manager is the root of the snapshot interception system: it ties the
// device registry, the per-session capture bitmaps, the on-disk layout and
// the write-path engine together behind the control-channel and write/mount
// intake operations named in spec.md §6. It plays the role the teacher's
// CreateAndServe/Device pair plays for a ublk device.
type Manager struct {
	cfg      Config
	registry *registry.Registry
	snaps    *snapmap.List
	store    *persist.Persistence
	creds    *auth.Store
	engine   *intercept.Engine
	clock    session.Clock
	log      *logging.Logger
	metrics  *Metrics
}

// NewManager wires a Manager from cfg. reader and submit are the write-path
// engine's storage collaborators (internal/hookshim supplies both over a
// concrete Backend); clock defaults to session.SystemClock when nil; logger
// defaults to logging.Default() when nil.
func NewManager(cfg Config, reader intercept.PreReader, submit intercept.Submitter, clock session.Clock, logger *logging.Logger) (*Manager, error) {
	if clock == nil {
		clock = session.SystemClock
	}
	if logger == nil {
		logger = logging.Default()
	}

	store, err := persist.New(cfg.SnapshotRoot, cfg.DirPrefixLen)
	if err != nil {
		return nil, fmt.Errorf("blocksnap: %w", err)
	}

	reg := registry.New()
	snaps := snapmap.NewList(store)
	metrics := NewMetrics()

	engine := intercept.New(intercept.Config{
		Registry:        reg,
		Snaps:           snaps,
		Reader:          reader,
		Submit:          submit,
		Clock:           clock,
		IngressCapacity: cfg.IngressCapacity,
		CaptureWorkers:  cfg.CaptureWorkers,
		BlockWorkers:    cfg.BlockWorkers,
		QueueCapacity:   cfg.QueueCapacity,
		Logger:          logger,
		Metrics:         metrics,
	})

	return &Manager{
		cfg:      cfg,
		registry: reg,
		snaps:    snaps,
		store:    store,
		creds:    auth.NewStore(),
		engine:   engine,
		clock:    clock,
		log:      logger,
		metrics:  metrics,
	}, nil
}

// Stop flushes and tears down the write-path worker queues. It does not
// remove any registered device.
func (m *Manager) Stop() { m.engine.Stop() }

// Activate registers devPath and its activation password, per §6's
// activate(dev_path, password) -> Result control-channel operation.
func (m *Manager) Activate(devPath, password string) error {
	if err := m.registry.Insert(devPath); err != nil {
		switch err {
		case registry.ErrDuplicateName:
			return ErrDuplicateName
		case registry.ErrNameTooLong:
			return ErrNameTooLong
		default:
			return err
		}
	}
	if err := m.creds.Set(devPath, password); err != nil {
		return newSnapError("activate", CodeNoHashPool, "failed to hash credential", err)
	}
	return nil
}

// Deactivate verifies password against devPath's stored credential, then
// removes it from the registry and tears down any active session's SnapMap.
func (m *Manager) Deactivate(devPath, password string) error {
	if err := m.creds.Verify(devPath, password); err != nil {
		return ErrWrongCredentials
	}

	ssn, err := m.registry.Delete(devPath)
	if err != nil {
		return ErrNotFoundDevice
	}
	m.creds.Delete(devPath)

	if ssn != nil {
		if derr := m.snaps.Destroy(ssn.Dev, ssn.CreatedOn); derr != nil {
			m.log.Warn("snapmap destroy on deactivate failed", "dev_path", devPath, "error", derr)
		}
	}
	return nil
}

// Status renders the sysfs-like device listing described in §6, truncated
// to limit bytes with a trailing "EOF" marker if it does not fit.
func (m *Manager) Status(limit int) string {
	return m.registry.RenderListing(limit, func(devPath string, s *session.Session) (string, bool) {
		return m.store.DirName(devPath, s.CreatedOn.Realtime), true
	})
}

// OnMountPreattach attaches a fresh session for dev at devPath, tearing down
// any prior session's SnapMap once the attach has published. A mount-race
// failure here (devPath not registered) is recorded but the mount itself
// still proceeds, per §4.7's "mount itself proceeds; no capture for this
// session" policy - callers should not abort the mount on this error.
func (m *Manager) OnMountPreattach(devPath string, dev sector.DeviceID) error {
	_, old, err := m.registry.AttachSessionPrealloc(devPath, dev, m.clock)
	if err != nil {
		m.log.Warn("mount preattach found no registered device", "dev_path", devPath)
		return err
	}
	if old != nil {
		if derr := m.snaps.Destroy(old.Dev, old.CreatedOn); derr != nil {
			m.log.Warn("snapmap destroy on reattach failed", "dev_path", devPath, "error", derr)
		}
	}
	return nil
}

// OnMountFinalizeFailure detaches dev's session after a failed mount.
func (m *Manager) OnMountFinalizeFailure(dev sector.DeviceID) {
	m.onUnmount(dev)
}

// OnUnmount detaches dev's session and destroys its SnapMap.
func (m *Manager) OnUnmount(dev sector.DeviceID) {
	m.onUnmount(dev)
}

func (m *Manager) onUnmount(dev sector.DeviceID) {
	ssn := m.registry.DetachSession(dev)
	if ssn == nil {
		return
	}
	if err := m.snaps.Destroy(ssn.Dev, ssn.CreatedOn); err != nil {
		m.log.Warn("snapmap destroy on unmount failed", "dev", dev, "error", err)
	}
}

// OnSubmitBio offers a write to the intercept engine, per §6's
// on_submit_bio(bio) -> Divert | PassThrough write intake.
func (m *Manager) OnSubmitBio(b *intercept.Bio) intercept.Decision {
	return m.engine.OnSubmitBio(b)
}

// Engine exposes the underlying write-path engine for callers (such as
// internal/hookshim) that need to wire a concrete backend through it.
func (m *Manager) Engine() *intercept.Engine { return m.engine }

// ServeKernelDevice creates a real ublk block device for devPath and routes
// every write the kernel submits to it through the capture engine, wrapping
// params.Backend in the same internal/hookshim decorator used to exercise
// the write path without a kernel (cmd/snapctl's in-process "serve" path).
// It attaches dev's session before the device is created and detaches it
// again if creation fails, so a failed mount never leaves a dangling
// session behind.
func (m *Manager) ServeKernelDevice(ctx context.Context, devPath string, dev sector.DeviceID, params DeviceParams, options *Options) (*Device, error) {
	if err := m.OnMountPreattach(devPath, dev); err != nil {
		return nil, err
	}

	params.Backend = hookshim.New(params.Backend, m.engine, dev)

	device, err := CreateAndServe(ctx, params, options)
	if err != nil {
		m.OnMountFinalizeFailure(dev)
		return nil, err
	}
	return device, nil
}

// StopKernelDevice stops and deletes a device created by ServeKernelDevice,
// then detaches dev's session and destroys its SnapMap.
func (m *Manager) StopKernelDevice(ctx context.Context, device *Device, dev sector.DeviceID) error {
	err := StopAndDelete(ctx, device)
	m.OnUnmount(dev)
	return err
}

// Metrics returns the Manager's capture and I/O metrics.
func (m *Manager) Metrics() *Metrics { return m.metrics }

// MetricsSnapshot returns a point-in-time snapshot of the Manager's metrics.
func (m *Manager) MetricsSnapshot() MetricsSnapshot { return m.metrics.Snapshot() }
