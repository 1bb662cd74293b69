package blocksnap

import "github.com/blocksnap/blocksnap/internal/interfaces"

// Backend defines the interface that all storage backends must implement.
type Backend = interfaces.Backend

// DiscardBackend is an optional interface for TRIM/DISCARD support.
type DiscardBackend = interfaces.DiscardBackend

// Logger interface for optional logging.
type Logger = interfaces.Logger

// WriteZeroesBackend is an optional interface for backends that can zero a
// range without transferring zero bytes over the wire.
type WriteZeroesBackend interface {
	WriteZeroes(offset, length int64) error
}

// SyncBackend is an optional interface for backends with an explicit durability
// barrier distinct from Flush.
type SyncBackend interface {
	Sync() error
	SyncRange(offset, length int64) error
}

// StatBackend is an optional interface for backends that expose
// implementation-defined statistics.
type StatBackend interface {
	Stats() map[string]interface{}
}

// ResizeBackend is an optional interface for backends that support online
// resize.
type ResizeBackend interface {
	Resize(newSize int64) error
}
