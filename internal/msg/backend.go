package msg

import (
	"context"
	"time"
)

// Lock is a held advisory lock. Release is idempotent.
type Lock interface {
	Release() error
}

// Locker acquires advisory locks keyed by resource identifier.
type Locker interface {
	// Acquire blocks until the lock is held, the configured timeout elapses
	// (an *Error of KindLockTimeout), or ctx is done.
	Acquire(ctx context.Context, resourceID string) (Lock, error)
}

// Backend persists collections addressed by a resolved Ref.
type Backend interface {
	// Read returns the current collection. The lock, if any, is held only
	// for the duration of the read.
	Read(ctx context.Context, ref Ref) (Snapshot, error)

	// Begin acquires the collection's lock, reads it, and returns a Txn that
	// holds the lock until Commit or Release.
	Begin(ctx context.Context, ref Ref) (*Txn, error)
}

// Store is the path-addressed view the service works against. It resolves
// resource identifiers and dispatches to the right Backend.
type Store interface {
	Read(ctx context.Context, path string) (Snapshot, error)
	// Peek reads without taking the lock. It may observe a collection in the
	// middle of being rewritten.
	Peek(ctx context.Context, path string) (Snapshot, error)
	Begin(ctx context.Context, path string) (*Txn, error)
	PathFor(depositionID string, c Category) string
}

// Persister writes the changes of a committed Txn to its backend.
type Persister interface {
	Persist(ctx context.Context, ref Ref, ch Changes) error
}

// Mirror copies a committed collection to its depositor-facing location.
// It runs after the primary lock has been released and takes its own lock.
type Mirror interface {
	Mirror(ctx context.Context, ref Ref, c Collection) error
}

// Metrics receives store events. Implementations must be safe for concurrent use.
type Metrics interface {
	LockAcquired(wait time.Duration)
	LockTimedOut(wait time.Duration)
	Committed(backend string)
	MirrorFailed()
	SanityCheckFailed()
	PeekCache(hit bool)
	Submitted(c Category)
	Archived(c Category, bytes int64)
}

// NopMetrics discards all events.
type NopMetrics struct{}

func (NopMetrics) LockAcquired(time.Duration) {}
func (NopMetrics) LockTimedOut(time.Duration) {}
func (NopMetrics) Committed(string)           {}
func (NopMetrics) MirrorFailed()              {}
func (NopMetrics) SanityCheckFailed()         {}
func (NopMetrics) PeekCache(bool)             {}
func (NopMetrics) Submitted(Category)         {}
func (NopMetrics) Archived(Category, int64)   {}
