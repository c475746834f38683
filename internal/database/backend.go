package database

import (
	"context"
	"path"

	"msgstore/internal/msg"
)

// BackendName labels commits in metrics.
const BackendName = "database"

// LockID is the resource identifier used to serialize writers of one
// collection. It carries the virtual marker, so file lockers treat it as a
// no-op.
func LockID(ref msg.Ref) string {
	return path.Join("dummy/messaging", ref.DepositionID, string(ref.Category))
}

// Backend adapts a SQLiteDatabase to msg.Backend.
type Backend struct {
	db      *SQLiteDatabase
	locker  msg.Locker
	logger  msg.Logger
	metrics msg.Metrics
}

// NewBackend creates a Backend. locker serializes transactions on the same
// collection within this process; across processes the unique ordinal
// constraint rejects the losing writer.
func NewBackend(db *SQLiteDatabase, locker msg.Locker, logger msg.Logger, metrics msg.Metrics) *Backend {
	if logger == nil {
		logger = msg.NewNopLogger()
	}
	if metrics == nil {
		metrics = msg.NopMetrics{}
	}
	return &Backend{db: db, locker: locker, logger: logger, metrics: metrics}
}

// Database returns the underlying database.
func (b *Backend) Database() *SQLiteDatabase { return b.db }

// Read loads the collection addressed by ref.
func (b *Backend) Read(ctx context.Context, ref msg.Ref) (msg.Snapshot, error) {
	return b.db.Load(ctx, ref)
}

// Begin locks the collection, loads it and returns a Txn holding the lock.
func (b *Backend) Begin(ctx context.Context, ref msg.Ref) (*msg.Txn, error) {
	lk, err := b.locker.Acquire(ctx, LockID(ref))
	if err != nil {
		return nil, err
	}
	snap, err := b.db.Load(ctx, ref)
	if err != nil {
		lk.Release()
		return nil, err
	}
	return msg.NewTxn(snap, msg.TxnOptions{
		Lock:      lk,
		Persister: b.db,
		Backend:   BackendName,
		Logger:    b.logger,
		Metrics:   b.metrics,
	}), nil
}

var _ msg.Backend = (*Backend)(nil)
