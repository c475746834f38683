package router

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgstore/internal/database"
	"msgstore/internal/flatfile"
	"msgstore/internal/lock"
	"msgstore/internal/msg"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		path string
		want msg.Ref
		ok   bool
	}{
		{
			name: "deposition",
			path: "/data/D_1000000001/D_1000000001_messages-to-depositor_P1.cif.V1",
			want: msg.Ref{DepositionID: "D_1000000001", Category: msg.ToDepositor, Partition: 1, Format: "cif", Version: 1},
			ok:   true,
		},
		{
			name: "bare file name",
			path: "D_1000000001_messages-to-depositor_P1.cif.V1",
			want: msg.Ref{DepositionID: "D_1000000001", Category: msg.ToDepositor, Partition: 1, Format: "cif", Version: 1},
			ok:   true,
		},
		{
			name: "group",
			path: "G_2000000002_notes-from-annotator_P1.cif.V1",
			want: msg.Ref{DepositionID: "G_2000000002", Category: msg.AnnotatorNotes, Partition: 1, Format: "cif", Version: 1},
			ok:   true,
		},
		{
			name: "last matching component wins",
			path: "/data/D_1/archive/D_2/D_2_messages-from-depositor_P3.cif.V12",
			want: msg.Ref{DepositionID: "D_2", Category: msg.FromDepositor, Partition: 3, Format: "cif", Version: 12},
			ok:   true,
		},
		{
			name: "virtual",
			path: "/dummy/D_1000000001/D_1000000001_messages-to-depositor_P1.cif.V1",
			want: msg.Ref{DepositionID: "D_1000000001", Category: msg.ToDepositor, Partition: 1, Format: "cif", Version: 1, Virtual: true},
			ok:   true,
		},
		{
			name: "no category",
			path: "/data/D_1000000001/D_1000000001_model_P1.cif.V1",
			want: msg.Ref{DepositionID: "D_1000000001", Partition: 1, Format: "cif", Version: 1},
			ok:   false,
		},
		{
			name: "no deposition",
			path: "/data/messages-to-depositor.cif",
			want: msg.Ref{Category: msg.ToDepositor},
			ok:   false,
		},
		{
			name: "empty",
			path: "",
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.path, lock.DefaultVirtualMarkers)
			tt.want.Path = tt.path
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPathFor(t *testing.T) {
	got := PathFor("/data", "D_1000000001", msg.FromDepositor)
	assert.Equal(t, "/data/D_1000000001/D_1000000001_messages-from-depositor_P1.cif.V1", got)

	ref, ok := Parse(got, nil)
	require.True(t, ok)
	assert.Equal(t, "D_1000000001", ref.DepositionID)
	assert.Equal(t, msg.FromDepositor, ref.Category)
}

type fixture struct {
	dir string
	db  *database.SQLiteDatabase
	r   *Router
}

func newFixture(t *testing.T, useDatabase, withDB bool) *fixture {
	t.Helper()
	dir := t.TempDir()
	flat := flatfile.NewStore(
		lock.NewFileLocker(lock.Options{Timeout: 5 * time.Second, RetryInterval: 5 * time.Millisecond}),
		flatfile.Options{},
	)

	f := &fixture{dir: dir}
	var backend msg.Backend
	if withDB {
		db, err := database.NewSQLiteDatabase(":memory:")
		require.NoError(t, err)
		_, err = db.DB().Exec(database.Schema)
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		f.db = db
		backend = database.NewBackend(db, lock.NewMemoryLocker(5*time.Second, nil), nil, nil)
	}
	f.r = New(flat, backend, Options{ArchiveRoot: dir, UseDatabase: useDatabase})
	return f
}

func send(t *testing.T, r *Router, path, id string) msg.WriteResult {
	t.Helper()
	ctx := context.Background()
	txn, err := r.Begin(ctx, path)
	require.NoError(t, err)
	_, err = txn.Append(msg.Message{MessageID: id, Sender: "annotator", Subject: "s", Text: "t",
		Timestamp: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)})
	require.NoError(t, err)
	res, err := txn.Commit(ctx)
	require.NoError(t, err)
	return res
}

func TestRouter_FlatFile(t *testing.T) {
	f := newFixture(t, false, true)
	path := f.r.PathFor("D_1000000001", msg.ToDepositor)

	res := send(t, f.r, path, "m1")
	assert.True(t, res.Written)
	assert.FileExists(t, path)

	snap, err := f.r.Read(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, snap.Found)
	require.Len(t, snap.Collection.Messages, 1)

	stats, err := f.db.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Messages, "flat-file write reached the database")
}

func TestRouter_VirtualGoesToDatabase(t *testing.T) {
	f := newFixture(t, false, true)
	path := "/dummy/D_1000000001/D_1000000001_notes-from-annotator_P1.cif.V1"

	res := send(t, f.r, path, "n1")
	assert.True(t, res.Written)
	assert.NoFileExists(t, path)

	snap, err := f.r.Peek(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, snap.Collection.Messages, 1)
	assert.Equal(t, "n1", snap.Collection.Messages[0].MessageID)
}

func TestRouter_MessagesStayInTheirCollection(t *testing.T) {
	for _, tt := range []struct {
		name        string
		useDatabase bool
	}{
		{"flatfile", false},
		{"database", true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.useDatabase, true)
			ctx := context.Background()
			to := f.r.PathFor("D_1000000001", msg.ToDepositor)
			notes := f.r.PathFor("D_1000000001", msg.AnnotatorNotes)

			txn, err := f.r.Begin(ctx, to)
			require.NoError(t, err)
			_, err = txn.Append(msg.Message{MessageID: "stray", Sender: "annotator", Category: msg.AnnotatorNotes})
			assert.True(t, msg.IsKind(err, msg.KindInvalidRecord), "Append() error = %v", err)
			_, err = txn.Append(msg.Message{MessageID: "m1", Sender: "annotator", MessageType: "archive_manual",
				Category: msg.ToDepositor, Timestamp: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)})
			require.NoError(t, err)
			_, err = txn.Append(msg.OrigCommReference{MessageID: "m1", OrigSender: "a@example.org"})
			require.NoError(t, err)
			_, err = txn.Commit(ctx)
			require.NoError(t, err)

			snap, err := f.r.Read(ctx, to)
			require.NoError(t, err)
			require.Len(t, snap.Collection.Messages, 1)
			assert.Equal(t, "m1", snap.Collection.Messages[0].MessageID)
			assert.Equal(t, 1, snap.Collection.Messages[0].OrdinalID)
			assert.Equal(t, msg.ToDepositor, snap.Collection.Messages[0].Category)
			require.Len(t, snap.Collection.OrigCommReferences, 1)
			assert.Equal(t, "a@example.org", snap.Collection.OrigCommReferences[0].OrigSender)

			other, err := f.r.Read(ctx, notes)
			require.NoError(t, err)
			assert.False(t, other.Found)
			assert.Empty(t, other.Collection.Messages)
		})
	}
}

func TestRouter_UseDatabase(t *testing.T) {
	f := newFixture(t, true, true)
	path := f.r.PathFor("D_1000000001", msg.FromDepositor)

	send(t, f.r, path, "m1")
	send(t, f.r, path, "m2")

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "database mode wrote a file")

	snap, err := f.r.Read(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, snap.Collection.Messages, 2)
	assert.Equal(t, 2, snap.Collection.Messages[1].OrdinalID)
}

func TestRouter_UseDatabaseWithoutDatabaseFallsBack(t *testing.T) {
	f := newFixture(t, true, false)
	path := f.r.PathFor("D_1000000001", msg.ToDepositor)

	send(t, f.r, path, "m1")
	assert.FileExists(t, path)
}

func TestRouter_Unroutable(t *testing.T) {
	tests := []struct {
		name   string
		withDB bool
		path   string
	}{
		{"no deposition", true, "messages-to-depositor.cif"},
		{"no category", true, "/data/D_1/D_1_model_P1.cif.V1"},
		{"virtual without database", false, "/dummy/D_1/D_1_messages-to-depositor_P1.cif.V1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false, tt.withDB)
			path := filepath.Join(f.dir, tt.path)
			ctx := context.Background()

			snap, err := f.r.Read(ctx, path)
			require.NoError(t, err)
			assert.False(t, snap.Found)
			assert.True(t, snap.Empty())

			res := send(t, f.r, path, "m1")
			assert.False(t, res.Written)

			entries, err := os.ReadDir(f.dir)
			require.NoError(t, err)
			assert.Empty(t, entries, "detached txn wrote something")
		})
	}
}

func TestRouter_Resolve(t *testing.T) {
	f := newFixture(t, false, false)

	_, err := f.r.Resolve("/data/nothing.cif")
	assert.ErrorIs(t, err, msg.ErrRoutingAmbiguity)

	ref, err := f.r.Resolve(f.r.PathFor("G_2000000002", msg.AnnotatorNotes))
	require.NoError(t, err)
	assert.Equal(t, "G_2000000002", ref.DepositionID)
}
