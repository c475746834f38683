package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"msgstore/internal/database"
	"msgstore/internal/flatfile"
	"msgstore/internal/lock"
	"msgstore/internal/msg"
	"msgstore/internal/router"
)

// TestStore bundles a router with the backends behind it.
type TestStore struct {
	*router.Router
	Flat        *flatfile.Store
	DB          *database.SQLiteDatabase
	ArchiveRoot string
	MirrorRoot  string
}

// NewTestStore creates a flat-file store under t.TempDir() with a mirror
// root and an in-memory database for virtual resources.
func NewTestStore(t *testing.T) *TestStore {
	t.Helper()

	dir := t.TempDir()
	archive := filepath.Join(dir, "archive")
	mirror := filepath.Join(dir, "mirror")

	locker := lock.NewFileLocker(lock.Options{Timeout: 10 * time.Second, RetryInterval: 5 * time.Millisecond})
	flat := flatfile.NewStore(locker, flatfile.Options{MirrorRoot: mirror})

	db := NewTestDatabase(t)
	backend := database.NewBackend(db, lock.NewMemoryLocker(10*time.Second, nil), msg.NewNopLogger(), nil)

	return &TestStore{
		Router:      router.New(flat, backend, router.Options{ArchiveRoot: archive}),
		Flat:        flat,
		DB:          db,
		ArchiveRoot: archive,
		MirrorRoot:  mirror,
	}
}
