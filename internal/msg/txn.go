package msg

import (
	"context"
	"fmt"
)

// Changes is what a Txn hands to its Persister on commit: the full row set
// after the transaction plus the rows it added or modified.
type Changes struct {
	Collection     Collection
	Messages       []Message
	FileReferences []FileReference
	Statuses       []Status

	OrigCommReferences []OrigCommReference
}

// Empty reports whether the transaction changed nothing.
func (c Changes) Empty() bool {
	return len(c.Messages) == 0 && len(c.FileReferences) == 0 && len(c.Statuses) == 0 &&
		len(c.OrigCommReferences) == 0
}

// TxnOptions carries the backend collaborators of a Txn.
type TxnOptions struct {
	Lock      Lock
	Persister Persister
	Mirror    Mirror
	Backend   string
	Logger    Logger
	Metrics   Metrics
}

// Txn is one read-modify-write scope over a collection. The collection's
// lock is held from the read that created the Txn until Commit or Release,
// so ordinals assigned by Append cannot collide with another writer.
//
// A Txn is not safe for concurrent use.
type Txn struct {
	ref       Ref
	found     bool
	persisted int
	coll      Collection

	dirtyMessages []string
	dirtyFiles    []int
	dirtyStatuses []string
	dirtyOrig     []int

	lock      Lock
	persister Persister
	mirror    Mirror
	backend   string
	logger    Logger
	metrics   Metrics

	aborted error
	closed  bool
}

// NewTxn wraps a snapshot read under opts.Lock. A nil Persister yields a
// detached Txn whose Commit writes nothing.
func NewTxn(snap Snapshot, opts TxnOptions) *Txn {
	if opts.Logger == nil {
		opts.Logger = NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics{}
	}
	coll := snap.Collection.Clone()
	return &Txn{
		ref:       snap.Ref,
		found:     snap.Found,
		persisted: len(coll.Messages),
		coll:      coll,
		lock:      opts.Lock,
		persister: opts.Persister,
		mirror:    opts.Mirror,
		backend:   opts.Backend,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
}

func (t *Txn) Ref() Ref { return t.ref }

// Found reports whether the collection existed when the Txn began.
func (t *Txn) Found() bool { return t.found }

func (t *Txn) Messages() []Message             { return append([]Message(nil), t.coll.Messages...) }
func (t *Txn) FileReferences() []FileReference { return append([]FileReference(nil), t.coll.FileReferences...) }
func (t *Txn) Statuses() []Status              { return append([]Status(nil), t.coll.Statuses...) }
func (t *Txn) OrigCommReferences() []OrigCommReference {
	return append([]OrigCommReference(nil), t.coll.OrigCommReferences...)
}

func (t *Txn) Message(id string) (Message, bool) { return t.coll.Message(id) }
func (t *Txn) Status(id string) (Status, bool)   { return t.coll.Status(id) }

// NextMessageOrdinal is persisted + pending + 1.
func (t *Txn) NextMessageOrdinal() int { return t.coll.NextMessageOrdinal() }

// NextFileReferenceOrdinal is persisted + pending + 1.
func (t *Txn) NextFileReferenceOrdinal() int { return t.coll.NextFileReferenceOrdinal() }

// NextOrigCommReferenceOrdinal is persisted + pending + 1.
func (t *Txn) NextOrigCommReferenceOrdinal() int { return t.coll.NextOrigCommReferenceOrdinal() }

// SanityCheck fails when fewer than watermark messages were persisted at the
// time the Txn began. A failure aborts the Txn: Commit will refuse to write.
func (t *Txn) SanityCheck(watermark int) error {
	if t.persisted >= watermark {
		return nil
	}
	err := &Error{
		Kind:     KindSanityCheck,
		Op:       "sanity check",
		Resource: t.ref.Path,
		Err:      fmt.Errorf("collection holds %d messages, expected at least %d", t.persisted, watermark),
	}
	t.aborted = err
	t.metrics.SanityCheckFailed()
	t.logger.Error("sanity check failed, write aborted", "path", t.ref.Path, "persisted", t.persisted, "watermark", watermark)
	return err
}

// Append adds a record and returns its ordinal. Status rows replace any
// existing row for the same message and return 0.
func (t *Txn) Append(rec Record) (int, error) {
	if t.closed {
		return 0, t.closedErr("append")
	}
	switch r := rec.(type) {
	case Message:
		return t.appendMessage(r)
	case FileReference:
		return t.appendFileReference(r)
	case Status:
		return 0, t.putStatus(r)
	case OrigCommReference:
		return t.appendOrigCommReference(r)
	default:
		return 0, &Error{Kind: KindInvalidRecord, Op: "append", Resource: t.ref.Path, Err: fmt.Errorf("unsupported record %T", rec)}
	}
}

func (t *Txn) appendMessage(m Message) (int, error) {
	if m.MessageID == "" {
		return 0, &Error{Kind: KindInvalidRecord, Op: "append message", Resource: t.ref.Path, Err: fmt.Errorf("missing message_id")}
	}
	if _, ok := t.coll.Message(m.MessageID); ok {
		return 0, &Error{Kind: KindDuplicate, Op: "append message", Resource: t.ref.Path, Err: fmt.Errorf("message %s already exists", m.MessageID)}
	}
	if m.DepositionID == "" {
		m.DepositionID = t.ref.DepositionID
	}
	switch m.Category {
	case "":
		m.Category = t.ref.Category
	case t.ref.Category:
	default:
		return 0, &Error{Kind: KindInvalidRecord, Op: "append message", Resource: t.ref.Path, Err: fmt.Errorf("message %s has category %s, collection is %s", m.MessageID, m.Category, t.ref.Category)}
	}
	if m.ParentMessageID == "" {
		m.ParentMessageID = m.MessageID
	}
	if m.MessageType == "" {
		m.MessageType = "text"
	}
	if m.SendStatus == "" {
		m.SendStatus = Yes
	}
	m.OrdinalID = t.coll.NextMessageOrdinal()
	t.coll.Messages = append(t.coll.Messages, m)
	t.dirtyMessages = appendOnce(t.dirtyMessages, m.MessageID)
	return m.OrdinalID, nil
}

func (t *Txn) appendFileReference(f FileReference) (int, error) {
	if _, ok := t.coll.Message(f.MessageID); !ok {
		return 0, &Error{Kind: KindInvalidRecord, Op: "append file reference", Resource: t.ref.Path, Err: fmt.Errorf("no message %q in collection", f.MessageID)}
	}
	if f.ContentType == "" {
		return 0, &Error{Kind: KindInvalidRecord, Op: "append file reference", Resource: t.ref.Path, Err: fmt.Errorf("missing content_type")}
	}
	if f.DepositionID == "" {
		f.DepositionID = t.ref.DepositionID
	}
	if f.PartitionNumber == 0 {
		f.PartitionNumber = 1
	}
	if f.VersionID == 0 {
		f.VersionID = 1
	}
	if f.StorageType == "" {
		f.StorageType = "archive"
	}
	if t.coll.hasFile(f.Key()) {
		return 0, &Error{Kind: KindDuplicate, Op: "append file reference", Resource: t.ref.Path, Err: fmt.Errorf("file reference %+v already exists", f.Key())}
	}
	f.OrdinalID = t.coll.NextFileReferenceOrdinal()
	t.coll.FileReferences = append(t.coll.FileReferences, f)
	t.dirtyFiles = append(t.dirtyFiles, len(t.coll.FileReferences)-1)
	return f.OrdinalID, nil
}

func (t *Txn) appendOrigCommReference(o OrigCommReference) (int, error) {
	if _, ok := t.coll.Message(o.MessageID); !ok {
		return 0, &Error{Kind: KindInvalidRecord, Op: "append origcomm reference", Resource: t.ref.Path, Err: fmt.Errorf("no message %q in collection", o.MessageID)}
	}
	if o.DepositionID == "" {
		o.DepositionID = t.ref.DepositionID
	}
	o.OrdinalID = t.coll.NextOrigCommReferenceOrdinal()
	t.coll.OrigCommReferences = append(t.coll.OrigCommReferences, o)
	t.dirtyOrig = append(t.dirtyOrig, len(t.coll.OrigCommReferences)-1)
	return o.OrdinalID, nil
}

// PutStatus inserts or replaces the status row of a message.
func (t *Txn) PutStatus(s Status) error {
	if t.closed {
		return t.closedErr("put status")
	}
	return t.putStatus(s)
}

// Status rows are keyed by message id only; the message may live in an
// associated collection, so it is not looked up here.
func (t *Txn) putStatus(s Status) error {
	if s.MessageID == "" {
		return &Error{Kind: KindInvalidRecord, Op: "put status", Resource: t.ref.Path, Err: fmt.Errorf("missing message_id")}
	}
	if s.DepositionID == "" {
		s.DepositionID = t.ref.DepositionID
	}
	s.ReadStatus = normalizeFlag(s.ReadStatus)
	s.ActionRequired = normalizeFlag(s.ActionRequired)
	s.ForRelease = normalizeFlag(s.ForRelease)

	replaced := false
	for i := range t.coll.Statuses {
		if t.coll.Statuses[i].MessageID == s.MessageID {
			t.coll.Statuses[i] = s
			replaced = true
			break
		}
	}
	if !replaced {
		t.coll.Statuses = append(t.coll.Statuses, s)
	}
	t.dirtyStatuses = appendOnce(t.dirtyStatuses, s.MessageID)
	return nil
}

// UpdateDraft rewrites the send status, subject, text and timestamp of a
// message that is still a draft. The ordinal is kept.
func (t *Txn) UpdateDraft(m Message) error {
	if t.closed {
		return t.closedErr("update draft")
	}
	for i := range t.coll.Messages {
		cur := &t.coll.Messages[i]
		if cur.MessageID != m.MessageID {
			continue
		}
		if !cur.IsDraft() {
			return &Error{Kind: KindInvalidRecord, Op: "update draft", Resource: t.ref.Path, Err: fmt.Errorf("message %s was already sent", m.MessageID)}
		}
		if m.SendStatus != "" {
			cur.SendStatus = m.SendStatus
		}
		cur.Subject = m.Subject
		cur.Text = m.Text
		if !m.Timestamp.IsZero() {
			cur.Timestamp = m.Timestamp
		}
		t.dirtyMessages = appendOnce(t.dirtyMessages, cur.MessageID)
		return nil
	}
	return &Error{Kind: KindInvalidRecord, Op: "update draft", Resource: t.ref.Path, Err: fmt.Errorf("no message %q in collection", m.MessageID)}
}

// Commit persists the changes and ends the lock scope. For mirrored
// categories the depositor-facing copy is written afterwards under its own
// lock; a failure there is reported in the result, not as an error.
func (t *Txn) Commit(ctx context.Context) (WriteResult, error) {
	if t.closed {
		return WriteResult{}, t.closedErr("commit")
	}
	defer t.Release()

	if t.aborted != nil {
		return WriteResult{}, t.aborted
	}
	ch := t.changes()
	if ch.Empty() || t.persister == nil {
		return WriteResult{}, nil
	}
	if err := t.persister.Persist(ctx, t.ref, ch); err != nil {
		return WriteResult{}, fmt.Errorf("writing %s: %w", t.ref.Path, err)
	}
	t.metrics.Committed(t.backend)
	res := WriteResult{Written: true}

	if err := t.Release(); err != nil {
		t.logger.Warn("releasing lock after write", "path", t.ref.Path, "error", err)
	}
	if t.mirror == nil || !t.ref.Category.Mirrored() {
		return res, nil
	}
	if err := t.mirror.Mirror(ctx, t.ref, ch.Collection); err != nil {
		res.MirrorFailed = true
		res.MirrorErr = &Error{Kind: KindMirrorWrite, Op: "mirror", Resource: t.ref.Path, Err: err}
		t.metrics.MirrorFailed()
		t.logger.Error("mirror write failed, primary copy kept", "path", t.ref.Path, "error", err)
		return res, nil
	}
	res.Mirrored = true
	return res, nil
}

// Release ends the Txn without writing. It is safe to call more than once
// and after Commit.
func (t *Txn) Release() error {
	t.closed = true
	if t.lock == nil {
		return nil
	}
	l := t.lock
	t.lock = nil
	return l.Release()
}

func (t *Txn) changes() Changes {
	ch := Changes{Collection: t.coll.Clone()}
	for _, id := range t.dirtyMessages {
		if m, ok := t.coll.Message(id); ok {
			ch.Messages = append(ch.Messages, m)
		}
	}
	for _, i := range t.dirtyFiles {
		ch.FileReferences = append(ch.FileReferences, t.coll.FileReferences[i])
	}
	for _, id := range t.dirtyStatuses {
		if s, ok := t.coll.Status(id); ok {
			ch.Statuses = append(ch.Statuses, s)
		}
	}
	for _, i := range t.dirtyOrig {
		ch.OrigCommReferences = append(ch.OrigCommReferences, t.coll.OrigCommReferences[i])
	}
	return ch
}

func (t *Txn) closedErr(op string) error {
	return &Error{Kind: KindTxnClosed, Op: op, Resource: t.ref.Path}
}

func appendOnce(ids []string, id string) []string {
	for _, v := range ids {
		if v == id {
			return ids
		}
	}
	return append(ids, id)
}
