package blocksnap

import "github.com/blocksnap/blocksnap/internal/persist"

// Config carries the tunables for a Manager, in the style of the teacher's
// DeviceParams/logging.Config: a flat struct with a DefaultConfig
// constructor rather than functional options.
type Config struct {
	// SnapshotRoot is the directory under which per-session snapshot
	// directories are created.
	SnapshotRoot string

	// DirPrefixLen is N from the directory-naming scheme: the number of
	// trailing basename characters from the device path carried into the
	// session directory name.
	DirPrefixLen int

	// IngressCapacity bounds the ordered write-ingress queue.
	IngressCapacity int

	// CaptureWorkers and BlockWorkers size the capture-job and
	// per-block-persist worker pools.
	CaptureWorkers int
	BlockWorkers   int

	// QueueCapacity bounds the capture and block-persist queues.
	QueueCapacity int
}

// DefaultConfig returns sensible defaults, mirroring DefaultParams.
func DefaultConfig() Config {
	return Config{
		SnapshotRoot:    "/snapshots",
		DirPrefixLen:    persist.DefaultDirPrefixLen,
		IngressCapacity: 64,
		CaptureWorkers:  4,
		BlockWorkers:    8,
		QueueCapacity:   256,
	}
}
