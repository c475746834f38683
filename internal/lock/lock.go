// Package lock provides advisory, file-based locks around message
// collections. Locks are exclusive and process-scoped through flock(2); they
// do not coordinate across hosts.
package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"msgstore/internal/msg"
)

const (
	DefaultTimeout       = 60 * time.Second
	DefaultRetryInterval = time.Second
)

// DefaultVirtualMarkers identify resources that have no file behind them.
var DefaultVirtualMarkers = []string{"/dummy/", "dummy/messaging"}

// State is the lifecycle state of a Handle.
type State int

const (
	Unheld State = iota
	Acquiring
	Held
	Released
	Failed
)

func (s State) String() string {
	switch s {
	case Unheld:
		return "unheld"
	case Acquiring:
		return "acquiring"
	case Held:
		return "held"
	case Released:
		return "released"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures a FileLocker. Zero values select the defaults.
type Options struct {
	Timeout        time.Duration
	RetryInterval  time.Duration
	VirtualMarkers []string
	Logger         msg.Logger
	Metrics        msg.Metrics
}

// FileLocker takes an exclusive flock on "<resource>.lock" next to the
// resource it protects.
type FileLocker struct {
	timeout time.Duration
	retry   time.Duration
	markers []string
	logger  msg.Logger
	metrics msg.Metrics
}

// NewFileLocker creates a FileLocker from opts.
func NewFileLocker(opts Options) *FileLocker {
	l := &FileLocker{
		timeout: opts.Timeout,
		retry:   opts.RetryInterval,
		markers: opts.VirtualMarkers,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if l.timeout <= 0 {
		l.timeout = DefaultTimeout
	}
	if l.retry <= 0 {
		l.retry = DefaultRetryInterval
	}
	if l.markers == nil {
		l.markers = DefaultVirtualMarkers
	}
	if l.logger == nil {
		l.logger = msg.NewNopLogger()
	}
	if l.metrics == nil {
		l.metrics = msg.NopMetrics{}
	}
	return l
}

// Virtual reports whether resourceID names a virtual resource.
func (l *FileLocker) Virtual(resourceID string) bool {
	for _, m := range l.markers {
		if m != "" && strings.Contains(resourceID, m) {
			return true
		}
	}
	return false
}

// LockPath returns the lock file used for resourceID.
func LockPath(resourceID string) string { return resourceID + ".lock" }

// Acquire blocks until the lock on resourceID is held. Contention is retried
// every RetryInterval, and the last wait is cut short so one attempt is made
// at the deadline. After that attempt an error of kind LOCK_TIMEOUT is
// returned.
func (l *FileLocker) Acquire(ctx context.Context, resourceID string) (msg.Lock, error) {
	h := &Handle{resource: resourceID, state: Acquiring}
	if l.Virtual(resourceID) {
		h.state = Held
		return h, nil
	}

	path := LockPath(resourceID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		h.state = Failed
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		h.state = Failed
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	start := time.Now()
	deadline := start.Add(l.timeout)
	for {
		ok, err := tryLock(f)
		if err != nil {
			f.Close()
			h.state = Failed
			return nil, fmt.Errorf("locking %s: %w", path, err)
		}
		if ok {
			h.file = f
			h.state = Held
			l.metrics.LockAcquired(time.Since(start))
			return h, nil
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			f.Close()
			h.state = Failed
			waited := time.Since(start)
			l.metrics.LockTimedOut(waited)
			l.logger.Warn("lock timeout", "resource", resourceID, "waited", waited)
			return nil, &msg.Error{
				Kind:     msg.KindLockTimeout,
				Op:       "acquire lock",
				Resource: resourceID,
				Err:      fmt.Errorf("not acquired within %s", l.timeout),
			}
		}
		wait = min(wait, l.retry)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			f.Close()
			h.state = Failed
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Handle is a lock returned by FileLocker.Acquire.
type Handle struct {
	mu       sync.Mutex
	resource string
	file     *os.File
	state    State
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Release drops the lock. Calling it again is a no-op.
func (h *Handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Held {
		return nil
	}
	h.state = Released
	if h.file == nil {
		return nil
	}
	f := h.file
	h.file = nil
	uerr := unlock(f)
	cerr := f.Close()
	if uerr != nil {
		return fmt.Errorf("unlocking %s: %w", h.resource, uerr)
	}
	return cerr
}

var _ msg.Locker = (*FileLocker)(nil)
