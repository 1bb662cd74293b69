// Package blocksnap implements a copy-on-write block-device snapshot
// interceptor: a registry of registered devices, a write-interception
// engine that captures a pre-image of any sector range not yet covered by
// the active session before the write proceeds, and an append-only
// on-disk log of the captured frames.
//
// Manager is the entry point, playing the role CreateAndServe/Device play
// in a userspace block-device server: it ties together the device
// registry, the per-session capture state, the on-disk layout and the
// write-path engine, and exposes the control-channel (Activate/Deactivate/
// Status) and mount/write intake operations a real kernel-facing shim would
// drive.
package blocksnap
