package flatfile

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"msgstore/internal/lock"
	"msgstore/internal/msg"
)

const dep = "D_1000000001"

var t0 = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

type recordingMetrics struct {
	msg.NopMetrics
	mu           sync.Mutex
	hits, misses int
	mirrorFailed int
}

func (m *recordingMetrics) PeekCache(hit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hit {
		m.hits++
	} else {
		m.misses++
	}
}

func (m *recordingMetrics) MirrorFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mirrorFailed++
}

func newLocker() *lock.FileLocker {
	return lock.NewFileLocker(lock.Options{Timeout: 20 * time.Second, RetryInterval: 5 * time.Millisecond})
}

func refFor(dir string, c msg.Category) msg.Ref {
	name := fmt.Sprintf("%s_%s_P1.cif.V1", dep, c)
	return msg.Ref{
		Path:         filepath.Join(dir, dep, name),
		DepositionID: dep,
		Category:     c,
		Partition:    1,
		Format:       "cif",
		Version:      1,
	}
}

func message(id string, minute int) msg.Message {
	return msg.Message{
		MessageID: id,
		Timestamp: t0.Add(time.Duration(minute) * time.Minute),
		Sender:    "annotator",
		Subject:   "Subject " + id,
		Text:      "Dear depositor,\nplease review " + id + ".\n",
	}
}

// appendMessages commits one message per id in a single transaction.
func appendMessages(t *testing.T, s *Store, ref msg.Ref, ids ...string) msg.WriteResult {
	t.Helper()
	txn, err := s.Begin(context.Background(), ref)
	require.NoError(t, err)
	for i, id := range ids {
		_, err := txn.Append(message(id, i))
		require.NoError(t, err)
	}
	res, err := txn.Commit(context.Background())
	require.NoError(t, err)
	return res
}

func TestStore_ReadMissing(t *testing.T) {
	s := NewStore(newLocker(), Options{})
	ref := refFor(t.TempDir(), msg.FromDepositor)

	snap, err := s.Read(context.Background(), ref)
	require.NoError(t, err)
	assert.False(t, snap.Found)
	assert.True(t, snap.Empty())
}

func TestStore_EmptyFileIsNotFound(t *testing.T) {
	s := NewStore(newLocker(), Options{})
	ref := refFor(t.TempDir(), msg.FromDepositor)
	require.NoError(t, os.MkdirAll(filepath.Dir(ref.Path), 0755))
	require.NoError(t, os.WriteFile(ref.Path, nil, 0644))

	snap, err := s.Read(context.Background(), ref)
	require.NoError(t, err)
	assert.False(t, snap.Found)

	peeked, err := s.Peek(context.Background(), ref)
	require.NoError(t, err)
	assert.False(t, peeked.Found)
}

func TestStore_CommitAndRead(t *testing.T) {
	s := NewStore(newLocker(), Options{})
	ref := refFor(t.TempDir(), msg.FromDepositor)

	txn, err := s.Begin(context.Background(), ref)
	require.NoError(t, err)
	assert.False(t, txn.Found())

	ord, err := txn.Append(message("m1", 0))
	require.NoError(t, err)
	assert.Equal(t, 1, ord)

	reply := message("m2", 1)
	reply.ParentMessageID = "m1"
	reply.Subject = `it's the "final" model`
	ord, err = txn.Append(reply)
	require.NoError(t, err)
	assert.Equal(t, 2, ord)

	ford, err := txn.Append(msg.FileReference{MessageID: "m2", ContentType: "model", ContentFormat: "pdbx", UploadFileName: "model.cif"})
	require.NoError(t, err)
	assert.Equal(t, 1, ford)

	_, err = txn.Append(msg.Status{MessageID: "m1", ReadStatus: msg.Yes})
	require.NoError(t, err)

	want := msg.Collection{Messages: txn.Messages(), FileReferences: txn.FileReferences(), Statuses: txn.Statuses()}

	res, err := txn.Commit(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Written)
	assert.False(t, res.Mirrored, "from-depositor is never mirrored")

	snap, err := s.Read(context.Background(), ref)
	require.NoError(t, err)
	require.True(t, snap.Found)
	assert.Equal(t, want, snap.Collection)

	m2, ok := snap.Collection.Message("m2")
	require.True(t, ok)
	assert.Equal(t, dep, m2.DepositionID)
	assert.Equal(t, msg.FromDepositor, m2.Category)
	assert.Equal(t, msg.Yes, m2.SendStatus)
	assert.Equal(t, "text", m2.MessageType)

	st, ok := snap.Collection.Status("m1")
	require.True(t, ok)
	assert.Equal(t, msg.No, st.ActionRequired)
}

func TestStore_SecondCommitContinuesOrdinals(t *testing.T) {
	s := NewStore(newLocker(), Options{})
	ref := refFor(t.TempDir(), msg.AnnotatorNotes)

	appendMessages(t, s, ref, "a", "b")
	appendMessages(t, s, ref, "c")

	snap, err := s.Read(context.Background(), ref)
	require.NoError(t, err)
	require.Len(t, snap.Collection.Messages, 3)
	c, _ := snap.Collection.Message("c")
	assert.Equal(t, 3, c.OrdinalID)
}

func TestRotateSnapshots(t *testing.T) {
	for k := 1; k <= 7; k++ {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "coll.cif")
			for i := 0; i < k; i++ {
				require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("v%d", i)), 0644))
				RotateSnapshots(path, msg.NewNopLogger())
			}

			count := 0
			for i := 0; i < Snapshots+2; i++ {
				if _, err := os.Stat(SnapshotPath(path, i)); err == nil {
					count++
				}
			}
			assert.Equal(t, min(k, Snapshots), count)

			data, err := os.ReadFile(SnapshotPath(path, 0))
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("v%d", k-1), string(data))
		})
	}
}

func TestRotateSnapshots_MissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.cif")
	RotateSnapshots(path, msg.NewNopLogger())
	_, err := os.Stat(SnapshotPath(path, 0))
	assert.True(t, os.IsNotExist(err))
}

func TestStore_CommitRotates(t *testing.T) {
	s := NewStore(newLocker(), Options{})
	ref := refFor(t.TempDir(), msg.FromDepositor)

	appendMessages(t, s, ref, "a")
	_, err := os.Stat(SnapshotPath(ref.Path, 0))
	assert.True(t, os.IsNotExist(err), "first write has nothing to rotate")

	appendMessages(t, s, ref, "b")
	data, err := os.ReadFile(SnapshotPath(ref.Path, 0))
	require.NoError(t, err)
	prev, err := DecodeCollection(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Len(t, prev.Messages, 1)
}

func TestTxn_SanityCheck(t *testing.T) {
	s := NewStore(newLocker(), Options{})
	ref := refFor(t.TempDir(), msg.FromDepositor)
	appendMessages(t, s, ref, "a", "b")

	tests := []struct {
		watermark int
		wantErr   bool
	}{
		{0, false},
		{2, false},
		{3, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("W=%d", tt.watermark), func(t *testing.T) {
			txn, err := s.Begin(context.Background(), ref)
			require.NoError(t, err)
			defer txn.Release()

			err = txn.SanityCheck(tt.watermark)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, msg.ErrSanityCheck)

			_, err = txn.Append(message("late", 5))
			require.NoError(t, err)
			res, err := txn.Commit(context.Background())
			assert.ErrorIs(t, err, msg.ErrSanityCheck)
			assert.False(t, res.Written)
		})
	}

	snap, err := s.Read(context.Background(), ref)
	require.NoError(t, err)
	assert.Len(t, snap.Collection.Messages, 2, "aborted txn must not write")
}

func TestStore_Mirror(t *testing.T) {
	dir := t.TempDir()
	mirrorRoot := filepath.Join(dir, "public")
	s := NewStore(newLocker(), Options{MirrorRoot: mirrorRoot})

	ref := refFor(filepath.Join(dir, "archive"), msg.ToDepositor)
	res := appendMessages(t, s, ref, "a")
	assert.True(t, res.Written)
	assert.True(t, res.Mirrored)

	mirrored, err := os.ReadFile(s.MirrorPath(ref))
	require.NoError(t, err)
	primary, err := os.ReadFile(ref.Path)
	require.NoError(t, err)
	assert.Equal(t, primary, mirrored)

	notes := refFor(filepath.Join(dir, "archive"), msg.AnnotatorNotes)
	res = appendMessages(t, s, notes, "n")
	assert.False(t, res.Mirrored)
	_, err = os.Stat(s.MirrorPath(notes))
	assert.True(t, os.IsNotExist(err))
}

func TestStore_MirrorFailureKeepsPrimary(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0644))

	metrics := &recordingMetrics{}
	s := NewStore(newLocker(), Options{MirrorRoot: blocker, Metrics: metrics})
	ref := refFor(filepath.Join(dir, "archive"), msg.ToDepositor)

	txn, err := s.Begin(context.Background(), ref)
	require.NoError(t, err)
	_, err = txn.Append(message("a", 0))
	require.NoError(t, err)

	res, err := txn.Commit(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Written)
	assert.True(t, res.MirrorFailed)
	assert.ErrorIs(t, res.MirrorErr, msg.ErrMirrorWrite)
	assert.Equal(t, 1, metrics.mirrorFailed)

	snap, err := s.Read(context.Background(), ref)
	require.NoError(t, err)
	assert.Len(t, snap.Collection.Messages, 1)
}

func TestStore_ConcurrentAppends(t *testing.T) {
	s := NewStore(newLocker(), Options{})
	ref := refFor(t.TempDir(), msg.FromDepositor)

	const n = 12
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			txn, err := s.Begin(context.Background(), ref)
			if err != nil {
				return err
			}
			if _, err := txn.Append(message(fmt.Sprintf("m%02d", i), i)); err != nil {
				txn.Release()
				return err
			}
			_, err = txn.Commit(context.Background())
			return err
		})
	}
	require.NoError(t, g.Wait())

	snap, err := s.Read(context.Background(), ref)
	require.NoError(t, err)
	require.Len(t, snap.Collection.Messages, n)

	ordinals := make([]int, 0, n)
	for _, m := range snap.Collection.Messages {
		ordinals = append(ordinals, m.OrdinalID)
	}
	sort.Ints(ordinals)
	for i, o := range ordinals {
		assert.Equal(t, i+1, o)
	}
}

func TestStore_PeekCache(t *testing.T) {
	metrics := &recordingMetrics{}
	s := NewStore(newLocker(), Options{Metrics: metrics})
	ref := refFor(t.TempDir(), msg.FromDepositor)
	appendMessages(t, s, ref, "a")

	snap, err := s.Peek(context.Background(), ref)
	require.NoError(t, err)
	require.Len(t, snap.Collection.Messages, 1)

	snap, err = s.Peek(context.Background(), ref)
	require.NoError(t, err)
	require.Len(t, snap.Collection.Messages, 1)
	assert.Equal(t, 1, metrics.hits)
	assert.Equal(t, 1, metrics.misses)

	// mutating a peeked snapshot must not leak into the cache
	snap.Collection.Messages[0].Subject = "changed"
	snap, err = s.Peek(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "Subject a", snap.Collection.Messages[0].Subject)
	assert.Equal(t, 2, metrics.hits)

	appendMessages(t, s, ref, "b", "c")
	snap, err = s.Peek(context.Background(), ref)
	require.NoError(t, err)
	require.Len(t, snap.Collection.Messages, 3)
	assert.Equal(t, 2, metrics.misses)
}

func TestTxn_ClosedAfterCommit(t *testing.T) {
	s := NewStore(newLocker(), Options{})
	ref := refFor(t.TempDir(), msg.FromDepositor)

	txn, err := s.Begin(context.Background(), ref)
	require.NoError(t, err)
	_, err = txn.Append(message("a", 0))
	require.NoError(t, err)
	_, err = txn.Commit(context.Background())
	require.NoError(t, err)

	_, err = txn.Append(message("b", 1))
	assert.ErrorIs(t, err, msg.ErrTxnClosed)
	_, err = txn.Commit(context.Background())
	assert.ErrorIs(t, err, msg.ErrTxnClosed)
	assert.NoError(t, txn.Release())
}

func TestDecodeCollection_KeepsUnknownCategories(t *testing.T) {
	src := `data_D_1000000001
#
loop_
_pdbx_deposition_message_info.ordinal_id
_pdbx_deposition_message_info.message_id
_pdbx_deposition_message_info.timestamp
_pdbx_deposition_message_info.parent_message_id
1 abc '2024-01-15 10:30:00' abc
#
_pdbx_deposition_message_review_note.message_id abc
_pdbx_deposition_message_review_note.note 'checked twice'
#
`
	c, err := DecodeCollection(bytes.NewReader([]byte(src)))
	require.NoError(t, err)
	require.Len(t, c.Messages, 1)
	assert.True(t, c.Messages[0].Timestamp.Equal(t0))
	assert.True(t, c.Messages[0].IsRoot())

	require.Len(t, c.Extra, 1)
	assert.Equal(t, "pdbx_deposition_message_review_note", c.Extra[0].Category)
	assert.Equal(t, []string{"message_id", "note"}, c.Extra[0].Attributes)
	assert.Equal(t, [][]string{{"abc", "checked twice"}}, c.Extra[0].Rows)

	var buf bytes.Buffer
	require.NoError(t, EncodeCollection(&buf, dep, c))
	again, err := DecodeCollection(&buf)
	require.NoError(t, err)
	assert.Equal(t, c.Extra, again.Extra)
}

func TestStore_CommitKeepsUnknownTables(t *testing.T) {
	s := NewStore(newLocker(), Options{})
	ref := refFor(t.TempDir(), msg.ToDepositor)
	require.NoError(t, os.MkdirAll(filepath.Dir(ref.Path), 0755))

	src := `data_D_1000000001
#
loop_
_pdbx_deposition_message_info.ordinal_id
_pdbx_deposition_message_info.message_id
_pdbx_deposition_message_info.deposition_data_set_id
_pdbx_deposition_message_info.timestamp
_pdbx_deposition_message_info.sender
_pdbx_deposition_message_info.parent_message_id
_pdbx_deposition_message_info.message_type
_pdbx_deposition_message_info.send_status
_pdbx_deposition_message_info.content_type
1 abc D_1000000001 '2024-01-15 10:30:00' annotator abc text Y messages-to-depositor
#
loop_
_pdbx_deposition_message_review_note.message_id
_pdbx_deposition_message_review_note.note
abc first
abc second
#
`
	require.NoError(t, os.WriteFile(ref.Path, []byte(src), 0644))

	appendMessages(t, s, ref, "def")

	data, err := os.ReadFile(ref.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "_pdbx_deposition_message_review_note.note")

	snap, err := s.Read(context.Background(), ref)
	require.NoError(t, err)
	require.Len(t, snap.Collection.Messages, 2)
	require.Len(t, snap.Collection.Extra, 1)
	assert.Equal(t, [][]string{{"abc", "first"}, {"abc", "second"}}, snap.Collection.Extra[0].Rows)
}

func TestStore_OrigCommReferences(t *testing.T) {
	s := NewStore(newLocker(), Options{})
	ref := refFor(t.TempDir(), msg.ToDepositor)

	txn, err := s.Begin(context.Background(), ref)
	require.NoError(t, err)
	m := message("a", 0)
	m.MessageType = "archive_manual"
	_, err = txn.Append(m)
	require.NoError(t, err)
	assert.Equal(t, 1, txn.NextOrigCommReferenceOrdinal())
	n, err := txn.Append(msg.OrigCommReference{MessageID: "a", OrigSender: "someone@example.org", OrigSubject: "Re: coordinates"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, txn.NextOrigCommReferenceOrdinal())
	_, err = txn.Commit(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(ref.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "_"+OrigCommReferenceCategory+".orig_sender")

	snap, err := s.Read(context.Background(), ref)
	require.NoError(t, err)
	require.Len(t, snap.Collection.OrigCommReferences, 1)
	o := snap.Collection.OrigCommReferences[0]
	assert.Equal(t, "a", o.MessageID)
	assert.Equal(t, dep, o.DepositionID)
	assert.Equal(t, "someone@example.org", o.OrigSender)
	assert.Equal(t, "Re: coordinates", o.OrigSubject)
	assert.Empty(t, snap.Collection.Extra)
}

func TestStore_CommitSurvivesSnapshotFailure(t *testing.T) {
	s := NewStore(newLocker(), Options{})
	ref := refFor(t.TempDir(), msg.FromDepositor)

	appendMessages(t, s, ref, "a")
	appendMessages(t, s, ref, "b")
	require.FileExists(t, SnapshotPath(ref.Path, 0))
	require.NoError(t, os.Mkdir(SnapshotPath(ref.Path, 1), 0755))

	res := appendMessages(t, s, ref, "c")
	assert.True(t, res.Written)

	snap, err := s.Read(context.Background(), ref)
	require.NoError(t, err)
	require.Len(t, snap.Collection.Messages, 3)
	c, ok := snap.Collection.Message("c")
	require.True(t, ok)
	assert.Equal(t, 3, c.OrdinalID)

	data, err := os.ReadFile(SnapshotPath(ref.Path, 0))
	require.NoError(t, err)
	prev, err := DecodeCollection(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Len(t, prev.Messages, 2)
}
