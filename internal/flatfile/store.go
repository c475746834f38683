// Package flatfile keeps message collections as mmCIF files on disk.
//
// Every write goes through a msg.Txn created by Begin: the collection's lock
// is taken before the file is read and held until the new version has been
// renamed into place. Each write first rotates the previous versions into
// <file>.PREV0 .. <file>.PREV4. Writes to the to-depositor collection are
// then copied to a mirror location under a separate lock.
package flatfile

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"msgstore/internal/msg"
)

// BackendName labels commits in metrics.
const BackendName = "flatfile"

const (
	DefaultPeekCacheSize = 256
	DefaultPeekCacheTTL  = 5 * time.Minute
)

// Options configures a Store.
type Options struct {
	// MirrorRoot is where depositor-facing copies are written, as
	// <MirrorRoot>/<deposition>/<file name>. Empty disables mirroring.
	MirrorRoot    string
	PeekCacheSize int
	PeekCacheTTL  time.Duration
	Logger        msg.Logger
	Metrics       msg.Metrics
}

type peekEntry struct {
	modTime time.Time
	size    int64
	coll    msg.Collection
}

// Store is the flat-file msg.Backend.
type Store struct {
	locker     msg.Locker
	mirrorRoot string
	logger     msg.Logger
	metrics    msg.Metrics
	cache      *expirable.LRU[string, peekEntry]
}

// NewStore creates a Store that serializes access through locker.
func NewStore(locker msg.Locker, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = msg.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = msg.NopMetrics{}
	}
	if opts.PeekCacheSize <= 0 {
		opts.PeekCacheSize = DefaultPeekCacheSize
	}
	if opts.PeekCacheTTL <= 0 {
		opts.PeekCacheTTL = DefaultPeekCacheTTL
	}
	return &Store{
		locker:     locker,
		mirrorRoot: opts.MirrorRoot,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		cache:      expirable.NewLRU[string, peekEntry](opts.PeekCacheSize, nil, opts.PeekCacheTTL),
	}
}

// Read loads the collection under its lock.
func (s *Store) Read(ctx context.Context, ref msg.Ref) (msg.Snapshot, error) {
	lk, err := s.locker.Acquire(ctx, ref.Path)
	if err != nil {
		return msg.Snapshot{Ref: ref}, err
	}
	defer lk.Release()
	return s.load(ref)
}

// Peek loads the collection without taking the lock. Parsed collections are
// cached and reused while the file's modification time and size are unchanged.
func (s *Store) Peek(ctx context.Context, ref msg.Ref) (msg.Snapshot, error) {
	info, err := os.Stat(ref.Path)
	if err != nil {
		if os.IsNotExist(err) {
			s.cache.Remove(ref.Path)
			return msg.Snapshot{Ref: ref}, nil
		}
		return msg.Snapshot{Ref: ref}, fmt.Errorf("stat %s: %w", ref.Path, err)
	}
	if info.Size() == 0 {
		return msg.Snapshot{Ref: ref}, nil
	}

	if e, ok := s.cache.Get(ref.Path); ok && e.modTime.Equal(info.ModTime()) && e.size == info.Size() {
		s.metrics.PeekCache(true)
		return msg.Snapshot{Ref: ref, Found: true, Collection: e.coll.Clone()}, nil
	}
	s.metrics.PeekCache(false)

	snap, err := s.load(ref)
	if err != nil {
		return snap, err
	}
	if snap.Found {
		s.cache.Add(ref.Path, peekEntry{modTime: info.ModTime(), size: info.Size(), coll: snap.Collection.Clone()})
	}
	return snap, nil
}

// Begin locks the collection, reads it and returns a Txn holding the lock.
func (s *Store) Begin(ctx context.Context, ref msg.Ref) (*msg.Txn, error) {
	lk, err := s.locker.Acquire(ctx, ref.Path)
	if err != nil {
		return nil, err
	}
	snap, err := s.load(ref)
	if err != nil {
		lk.Release()
		return nil, err
	}

	opts := msg.TxnOptions{
		Lock:      lk,
		Persister: s,
		Backend:   BackendName,
		Logger:    s.logger,
		Metrics:   s.metrics,
	}
	if s.mirrorRoot != "" {
		opts.Mirror = s
	}
	return msg.NewTxn(snap, opts), nil
}

// Persist rotates the snapshots of ref and replaces it with the full row set
// of ch. The caller holds the collection's lock.
func (s *Store) Persist(ctx context.Context, ref msg.Ref, ch msg.Changes) error {
	if err := os.MkdirAll(filepath.Dir(ref.Path), 0755); err != nil {
		return fmt.Errorf("creating collection directory: %w", err)
	}
	RotateSnapshots(ref.Path, s.logger)
	if err := writeCollection(ref.Path, ref.DepositionID, ch.Collection); err != nil {
		return err
	}
	s.cache.Remove(ref.Path)
	s.logger.Debug("collection written", "path", ref.Path,
		"messages", len(ch.Collection.Messages), "new_messages", len(ch.Messages))
	return nil
}

// MirrorPath returns the depositor-facing location of ref, or "" when
// mirroring is disabled.
func (s *Store) MirrorPath(ref msg.Ref) string {
	if s.mirrorRoot == "" {
		return ""
	}
	return filepath.Join(s.mirrorRoot, ref.DepositionID, filepath.Base(ref.Path))
}

// Mirror writes c to the mirror location under the mirror file's own lock.
func (s *Store) Mirror(ctx context.Context, ref msg.Ref, c msg.Collection) error {
	path := s.MirrorPath(ref)
	if path == "" {
		return nil
	}
	lk, err := s.locker.Acquire(ctx, path)
	if err != nil {
		return err
	}
	defer lk.Release()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating mirror directory: %w", err)
	}
	return writeCollection(path, ref.DepositionID, c)
}

func (s *Store) load(ref msg.Ref) (msg.Snapshot, error) {
	data, err := os.ReadFile(ref.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return msg.Snapshot{Ref: ref}, nil
		}
		return msg.Snapshot{Ref: ref}, fmt.Errorf("reading %s: %w", ref.Path, err)
	}
	if len(data) == 0 {
		return msg.Snapshot{Ref: ref}, nil
	}
	coll, err := DecodeCollection(bytes.NewReader(data))
	if err != nil {
		return msg.Snapshot{Ref: ref}, fmt.Errorf("parsing %s: %w", ref.Path, err)
	}
	return msg.Snapshot{Ref: ref, Found: true, Collection: coll}, nil
}

// writeCollection encodes c and writes it to path atomically (temp file in
// the same directory, then rename).
func writeCollection(path, name string, c msg.Collection) error {
	var buf bytes.Buffer
	if err := EncodeCollection(&buf, name, c); err != nil {
		return fmt.Errorf("encoding collection: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(buf.Bytes()); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Chmod(0644); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

var (
	_ msg.Backend   = (*Store)(nil)
	_ msg.Persister = (*Store)(nil)
	_ msg.Mirror    = (*Store)(nil)
)
