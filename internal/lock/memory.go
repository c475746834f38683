package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"msgstore/internal/msg"
)

// MemoryLocker serializes access to a resource among goroutines of one
// process. It backs collections that have no file to flock, such as the
// relational backend, where sqlite's own locking covers other processes.
type MemoryLocker struct {
	mu      sync.Mutex
	slots   map[string]chan struct{}
	timeout time.Duration
	metrics msg.Metrics
}

// NewMemoryLocker creates a MemoryLocker. A zero timeout selects DefaultTimeout.
func NewMemoryLocker(timeout time.Duration, metrics msg.Metrics) *MemoryLocker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if metrics == nil {
		metrics = msg.NopMetrics{}
	}
	return &MemoryLocker{slots: make(map[string]chan struct{}), timeout: timeout, metrics: metrics}
}

func (l *MemoryLocker) slot(id string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[id]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[id] = s
	}
	return s
}

// Acquire blocks until resourceID is free, the timeout elapses or ctx is done.
func (l *MemoryLocker) Acquire(ctx context.Context, resourceID string) (msg.Lock, error) {
	slot := l.slot(resourceID)
	start := time.Now()
	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case slot <- struct{}{}:
		l.metrics.LockAcquired(time.Since(start))
		return &memoryHandle{slot: slot}, nil
	case <-timer.C:
		l.metrics.LockTimedOut(time.Since(start))
		return nil, &msg.Error{
			Kind:     msg.KindLockTimeout,
			Op:       "acquire lock",
			Resource: resourceID,
			Err:      fmt.Errorf("not acquired within %s", l.timeout),
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type memoryHandle struct {
	once sync.Once
	slot chan struct{}
}

func (h *memoryHandle) Release() error {
	h.once.Do(func() { <-h.slot })
	return nil
}

var _ msg.Locker = (*MemoryLocker)(nil)
