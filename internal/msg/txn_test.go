package msg

import (
	"context"
	"errors"
	"testing"
)

type fakeLock struct{ releases int }

func (l *fakeLock) Release() error {
	l.releases++
	return nil
}

type fakePersister struct {
	calls int
	last  Changes
	err   error
}

func (p *fakePersister) Persist(_ context.Context, _ Ref, ch Changes) error {
	p.calls++
	p.last = ch
	return p.err
}

type fakeMirror struct {
	calls int
	err   error
}

func (m *fakeMirror) Mirror(context.Context, Ref, Collection) error {
	m.calls++
	return m.err
}

var testRef = Ref{Path: "/archive/D_1/D_1_messages-to-depositor_P1.cif.V1", DepositionID: "D_1", Category: ToDepositor}

func newTxn(coll Collection, p Persister, m Mirror) (*Txn, *fakeLock) {
	l := &fakeLock{}
	snap := Snapshot{Ref: testRef, Found: !coll.Empty(), Collection: coll}
	return NewTxn(snap, TxnOptions{Lock: l, Persister: p, Mirror: m, Backend: "fake"}), l
}

func TestTxn_AppendAssignsOrdinals(t *testing.T) {
	existing := Collection{Messages: []Message{{OrdinalID: 1, MessageID: "m1"}}}
	txn, _ := newTxn(existing, &fakePersister{}, nil)

	if got := txn.NextMessageOrdinal(); got != 2 {
		t.Fatalf("NextMessageOrdinal() = %d, want 2", got)
	}
	ord, err := txn.Append(Message{MessageID: "m2"})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if ord != 2 {
		t.Errorf("ordinal = %d, want 2", ord)
	}
	if got := txn.NextMessageOrdinal(); got != 3 {
		t.Errorf("NextMessageOrdinal() after append = %d, want 3", got)
	}

	m, _ := txn.Message("m2")
	if m.DepositionID != "D_1" || m.Category != ToDepositor {
		t.Errorf("appended message not filled from ref: %+v", m)
	}
	if m.ParentMessageID != "m2" || m.SendStatus != Yes || m.MessageType != "text" {
		t.Errorf("appended message defaults = %+v", m)
	}
}

func TestTxn_AppendRejects(t *testing.T) {
	existing := Collection{Messages: []Message{{OrdinalID: 1, MessageID: "m1"}}}

	tests := []struct {
		name string
		rec  Record
		kind ErrorKind
	}{
		{"duplicate message", Message{MessageID: "m1"}, KindDuplicate},
		{"message without id", Message{}, KindInvalidRecord},
		{"file for missing message", FileReference{MessageID: "nope", ContentType: "model"}, KindInvalidRecord},
		{"file without content type", FileReference{MessageID: "m1"}, KindInvalidRecord},
		{"status without id", Status{}, KindInvalidRecord},
		{"message from another collection", Message{MessageID: "m2", Category: AnnotatorNotes}, KindInvalidRecord},
		{"origcomm for missing message", OrigCommReference{MessageID: "nope"}, KindInvalidRecord},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txn, _ := newTxn(existing, &fakePersister{}, nil)
			if _, err := txn.Append(tt.rec); !IsKind(err, tt.kind) {
				t.Errorf("Append() error = %v, want kind %s", err, tt.kind)
			}
		})
	}
}

func TestTxn_FileReferenceKey(t *testing.T) {
	txn, _ := newTxn(Collection{}, &fakePersister{}, nil)
	if _, err := txn.Append(Message{MessageID: "m1"}); err != nil {
		t.Fatalf("Append(message) error = %v", err)
	}
	ord, err := txn.Append(FileReference{MessageID: "m1", ContentType: "model"})
	if err != nil || ord != 1 {
		t.Fatalf("Append(file) = %d, %v", ord, err)
	}
	if _, err := txn.Append(FileReference{MessageID: "m1", ContentType: "model", PartitionNumber: 1, VersionID: 1}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("second identical file reference error = %v, want ErrDuplicate", err)
	}
	ord, err = txn.Append(FileReference{MessageID: "m1", ContentType: "model", VersionID: 2})
	if err != nil || ord != 2 {
		t.Errorf("Append(version 2) = %d, %v", ord, err)
	}
}

func TestTxn_MessageCategoryMatchesCollection(t *testing.T) {
	txn, _ := newTxn(Collection{}, &fakePersister{}, nil)
	if _, err := txn.Append(Message{MessageID: "m1", Category: ToDepositor}); err != nil {
		t.Fatalf("Append(same category) error = %v", err)
	}
	if _, err := txn.Append(Message{MessageID: "m2", Category: FromDepositor}); !IsKind(err, KindInvalidRecord) {
		t.Errorf("Append(other category) error = %v, want kind %s", err, KindInvalidRecord)
	}
	if _, ok := txn.Message("m2"); ok {
		t.Error("rejected message was added to the collection")
	}
	if got := txn.NextMessageOrdinal(); got != 2 {
		t.Errorf("NextMessageOrdinal() = %d, want 2", got)
	}
}

func TestTxn_OrigCommReferences(t *testing.T) {
	p := &fakePersister{}
	existing := Collection{
		Messages:           []Message{{OrdinalID: 1, MessageID: "m1"}},
		OrigCommReferences: []OrigCommReference{{OrdinalID: 1, MessageID: "m1"}},
	}
	txn, _ := newTxn(existing, p, nil)
	if _, err := txn.Append(Message{MessageID: "m2", MessageType: "forward_manual"}); err != nil {
		t.Fatalf("Append(message) error = %v", err)
	}
	if got := txn.NextOrigCommReferenceOrdinal(); got != 2 {
		t.Fatalf("NextOrigCommReferenceOrdinal() = %d, want 2", got)
	}
	ord, err := txn.Append(OrigCommReference{MessageID: "m2", OrigSender: "a@example.org"})
	if err != nil || ord != 2 {
		t.Fatalf("Append(origcomm) = %d, %v", ord, err)
	}
	if _, err := txn.Commit(context.Background()); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if len(p.last.OrigCommReferences) != 1 {
		t.Fatalf("changed origcomm references = %d, want 1", len(p.last.OrigCommReferences))
	}
	got := p.last.OrigCommReferences[0]
	if got.DepositionID != "D_1" || got.OrdinalID != 2 || got.OrigSender != "a@example.org" {
		t.Errorf("persisted origcomm reference = %+v", got)
	}
	if len(p.last.Collection.OrigCommReferences) != 2 {
		t.Errorf("collection origcomm references = %d, want 2", len(p.last.Collection.OrigCommReferences))
	}
}

func TestCollection_CloneCopiesExtra(t *testing.T) {
	c := Collection{Extra: []ExtraTable{{Category: "x", Attributes: []string{"a"}, Rows: [][]string{{"1"}}}}}
	cp := c.Clone()
	cp.Extra[0].Rows[0][0] = "2"
	cp.Extra[0].Attributes[0] = "b"
	if c.Extra[0].Rows[0][0] != "1" || c.Extra[0].Attributes[0] != "a" {
		t.Errorf("Clone() shares extra tables: %+v", c.Extra)
	}
}

func TestTxn_SanityCheck(t *testing.T) {
	existing := Collection{Messages: []Message{{OrdinalID: 1, MessageID: "m1"}, {OrdinalID: 2, MessageID: "m2"}}}
	for _, w := range []int{0, 1, 2} {
		txn, _ := newTxn(existing, &fakePersister{}, nil)
		if err := txn.SanityCheck(w); err != nil {
			t.Errorf("SanityCheck(%d) error = %v", w, err)
		}
	}

	p := &fakePersister{}
	txn, l := newTxn(existing, p, nil)
	if err := txn.SanityCheck(3); !errors.Is(err, ErrSanityCheck) {
		t.Fatalf("SanityCheck(3) error = %v, want ErrSanityCheck", err)
	}
	if _, err := txn.Append(Message{MessageID: "m3"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := txn.Commit(context.Background()); !errors.Is(err, ErrSanityCheck) {
		t.Errorf("Commit() error = %v, want ErrSanityCheck", err)
	}
	if p.calls != 0 {
		t.Errorf("aborted txn persisted %d times", p.calls)
	}
	if l.releases != 1 {
		t.Errorf("lock released %d times, want 1", l.releases)
	}
}

func TestTxn_CommitMirrors(t *testing.T) {
	p := &fakePersister{}
	m := &fakeMirror{}
	txn, l := newTxn(Collection{}, p, m)
	if _, err := txn.Append(Message{MessageID: "m1"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	res, err := txn.Commit(context.Background())
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if !res.Written || !res.Mirrored || res.MirrorFailed {
		t.Errorf("Commit() = %+v", res)
	}
	if p.calls != 1 || len(p.last.Messages) != 1 || len(p.last.Collection.Messages) != 1 {
		t.Errorf("persisted changes = %+v", p.last)
	}
	if m.calls != 1 {
		t.Errorf("mirror calls = %d, want 1", m.calls)
	}
	if l.releases != 1 {
		t.Errorf("lock released %d times, want 1", l.releases)
	}
}

func TestTxn_MirrorFailureIsNotAnError(t *testing.T) {
	m := &fakeMirror{err: errors.New("disk full")}
	txn, _ := newTxn(Collection{}, &fakePersister{}, m)
	if _, err := txn.Append(Message{MessageID: "m1"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	res, err := txn.Commit(context.Background())
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if !res.Written || !res.MirrorFailed || !errors.Is(res.MirrorErr, ErrMirrorWrite) {
		t.Errorf("Commit() = %+v", res)
	}
}

func TestTxn_NoMirrorForOtherCategories(t *testing.T) {
	m := &fakeMirror{}
	snap := Snapshot{Ref: Ref{Path: "/x", DepositionID: "D_1", Category: AnnotatorNotes}}
	txn := NewTxn(snap, TxnOptions{Persister: &fakePersister{}, Mirror: m})
	if _, err := txn.Append(Message{MessageID: "m1"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	res, err := txn.Commit(context.Background())
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if res.Mirrored || m.calls != 0 {
		t.Errorf("notes collection was mirrored: %+v", res)
	}
}

func TestTxn_CommitWithoutChanges(t *testing.T) {
	p := &fakePersister{}
	txn, _ := newTxn(Collection{}, p, nil)
	res, err := txn.Commit(context.Background())
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if res.Written || p.calls != 0 {
		t.Errorf("empty commit wrote: %+v", res)
	}
}

func TestTxn_PersistError(t *testing.T) {
	p := &fakePersister{err: errors.New("boom")}
	m := &fakeMirror{}
	txn, l := newTxn(Collection{}, p, m)
	if _, err := txn.Append(Message{MessageID: "m1"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := txn.Commit(context.Background()); err == nil {
		t.Fatal("Commit() succeeded with failing persister")
	}
	if m.calls != 0 {
		t.Error("mirror ran after a failed primary write")
	}
	if l.releases != 1 {
		t.Errorf("lock released %d times, want 1", l.releases)
	}
}

func TestTxn_ClosedAfterRelease(t *testing.T) {
	txn, l := newTxn(Collection{}, &fakePersister{}, nil)
	if err := txn.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := txn.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
	if l.releases != 1 {
		t.Errorf("lock released %d times, want 1", l.releases)
	}
	if _, err := txn.Append(Message{MessageID: "m1"}); !errors.Is(err, ErrTxnClosed) {
		t.Errorf("Append() after Release error = %v, want ErrTxnClosed", err)
	}
	if _, err := txn.Commit(context.Background()); !errors.Is(err, ErrTxnClosed) {
		t.Errorf("Commit() after Release error = %v, want ErrTxnClosed", err)
	}
}

func TestTxn_UpdateDraft(t *testing.T) {
	existing := Collection{Messages: []Message{
		{OrdinalID: 1, MessageID: "sent", SendStatus: Yes},
		{OrdinalID: 2, MessageID: "draft", SendStatus: No, Subject: "old"},
	}}
	p := &fakePersister{}
	txn, _ := newTxn(existing, p, nil)

	if err := txn.UpdateDraft(Message{MessageID: "sent", Subject: "x"}); !IsKind(err, KindInvalidRecord) {
		t.Errorf("UpdateDraft(sent) error = %v, want invalid record", err)
	}
	if err := txn.UpdateDraft(Message{MessageID: "draft", Subject: "new", SendStatus: Yes}); err != nil {
		t.Fatalf("UpdateDraft(draft) error = %v", err)
	}
	m, _ := txn.Message("draft")
	if m.Subject != "new" || m.SendStatus != Yes || m.OrdinalID != 2 {
		t.Errorf("draft after update = %+v", m)
	}
	if _, err := txn.Commit(context.Background()); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if len(p.last.Messages) != 1 || p.last.Messages[0].MessageID != "draft" {
		t.Errorf("changed messages = %+v, want the draft only", p.last.Messages)
	}
}

func TestTxn_PutStatusReplaces(t *testing.T) {
	txn, _ := newTxn(Collection{Statuses: []Status{{MessageID: "m1", ReadStatus: No}}}, &fakePersister{}, nil)
	if err := txn.PutStatus(Status{MessageID: "m1", ReadStatus: Yes}); err != nil {
		t.Fatalf("PutStatus() error = %v", err)
	}
	if n := len(txn.Statuses()); n != 1 {
		t.Fatalf("len(Statuses()) = %d, want 1", n)
	}
	s, _ := txn.Status("m1")
	if s.ReadStatus != Yes || s.ActionRequired != No || s.ForRelease != No || s.DepositionID != "D_1" {
		t.Errorf("status = %+v", s)
	}
}
