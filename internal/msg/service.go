package msg

import (
	"context"
	"fmt"
)

// Service is the orchestration layer the CLI works against. It resolves
// collections through a Store and never touches a backend directly.
type Service struct {
	store     Store
	vault     Vault
	encryptor Encryptor
	codec     ArchiveCodec
	logger    Logger
	clock     Clock
	idgen     IDGenerator
	metrics   Metrics

	releaseSubjects []string
}

// NewService creates a Service. vault, encryptor and codec may be nil when
// archiving is not used; metrics may be nil.
func NewService(store Store, vault Vault, encryptor Encryptor, codec ArchiveCodec, logger Logger, clock Clock, idgen IDGenerator, metrics Metrics) *Service {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Service{
		store:     store,
		vault:     vault,
		encryptor: encryptor,
		codec:     codec,
		logger:    logger,
		clock:     clock,
		idgen:     idgen,
		metrics:   metrics,
	}
}

// SetReleaseSubjects sets the message subjects that mark a depositor
// message as a release request.
func (s *Service) SetReleaseSubjects(subjects []string) {
	s.releaseSubjects = append([]string(nil), subjects...)
}

// Submission is one message to append, with the files to associate with it.
type Submission struct {
	Message Message
	Files   []FileReference
	// OrigComm describes the communication an archived or forwarded message
	// copies. It is only accepted for such messages.
	OrigComm *OrigCommReference
	// Watermark, when positive, is the minimum number of messages the
	// collection must already hold. See Txn.SanityCheck.
	Watermark int
}

// SubmitResult reports the outcome of Submit.
type SubmitResult struct {
	OK             bool
	MessageID      string
	MessageOrdinal int
	// FailedFiles names the file references that could not be associated
	// with an otherwise stored message.
	FailedFiles  []string
	MirrorFailed bool
}

// Submit appends a message and its file references to the collection at
// path in one locked transaction. Archived and forwarded messages also get
// an origcomm reference row unless their type says "noorig". A message whose id is already stored as a
// draft is updated in place instead. Unroutable paths return OK=false
// without an error.
func (s *Service) Submit(ctx context.Context, path string, sub Submission) (SubmitResult, error) {
	txn, err := s.store.Begin(ctx, path)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("opening collection: %w", err)
	}
	defer txn.Release()

	if sub.Watermark > 0 {
		if err := txn.SanityCheck(sub.Watermark); err != nil {
			s.logger.Error("refusing to write stale collection", "path", path, "error", err)
			return SubmitResult{}, err
		}
	}

	m := sub.Message.Defaults(s.clock, s.idgen)
	if sub.OrigComm != nil && !m.NeedsOrigCommReference() {
		return SubmitResult{}, &Error{Kind: KindInvalidRecord, Op: "submit", Resource: path, Err: fmt.Errorf("message type %q does not take an origcomm reference", m.MessageType)}
	}
	var ordinal int
	if cur, ok := txn.Message(m.MessageID); ok && cur.IsDraft() {
		if err := txn.UpdateDraft(m); err != nil {
			return SubmitResult{}, err
		}
		ordinal = cur.OrdinalID
	} else {
		ordinal, err = txn.Append(m)
		if err != nil {
			return SubmitResult{}, err
		}
	}

	if m.NeedsOrigCommReference() && len(txn.coll.OrigCommReferencesFor(m.MessageID)) == 0 {
		var o OrigCommReference
		if sub.OrigComm != nil {
			o = *sub.OrigComm
		}
		o.MessageID = m.MessageID
		if _, err := txn.Append(o); err != nil {
			return SubmitResult{}, err
		}
	}

	var failed []string
	for _, f := range sub.Files {
		f.MessageID = m.MessageID
		if _, err := txn.Append(f); err != nil {
			if IsKind(err, KindDuplicate) {
				continue
			}
			s.logger.Warn("file reference not associated", "message_id", m.MessageID, "content_type", f.ContentType, "error", err)
			failed = append(failed, fileLabel(f))
		}
	}

	res, err := txn.Commit(ctx)
	if err != nil {
		return SubmitResult{}, err
	}
	if !res.Written {
		return SubmitResult{}, nil
	}

	s.metrics.Submitted(txn.Ref().Category)
	s.logger.Info("message stored", "path", path, "message_id", m.MessageID, "ordinal", ordinal)
	return SubmitResult{
		OK:             true,
		MessageID:      m.MessageID,
		MessageOrdinal: ordinal,
		FailedFiles:    failed,
		MirrorFailed:   res.MirrorFailed,
	}, nil
}

func fileLabel(f FileReference) string {
	if f.UploadFileName != "" {
		return f.UploadFileName
	}
	return fmt.Sprintf("%s.%s.P%d.V%d", f.ContentType, f.ContentFormat, f.PartitionNumber, f.VersionID)
}

// MarkRead records that a message was read. Status rows live in the
// deposition's messages-to-depositor collection. A message that is already
// marked read is left untouched. A depositor message seen for the first time
// whose subject is a release request is flagged for release.
func (s *Service) MarkRead(ctx context.Context, depositionID, messageID string) error {
	release := false
	if len(s.releaseSubjects) > 0 {
		snap, err := s.store.Peek(ctx, s.store.PathFor(depositionID, FromDepositor))
		if err != nil {
			return fmt.Errorf("reading depositor messages: %w", err)
		}
		if m, ok := snap.Collection.Message(messageID); ok {
			release = s.isReleaseRequest(m)
		}
	}

	path := s.store.PathFor(depositionID, ToDepositor)
	txn, err := s.store.Begin(ctx, path)
	if err != nil {
		return fmt.Errorf("opening status collection: %w", err)
	}
	defer txn.Release()

	st, ok := txn.Status(messageID)
	switch {
	case ok && st.ReadStatus == Yes:
		return nil
	case ok:
		st.ReadStatus = Yes
	default:
		st = Status{MessageID: messageID, DepositionID: depositionID, ReadStatus: Yes, ActionRequired: No, ForRelease: FlagOf(release)}
	}
	if err := txn.PutStatus(st); err != nil {
		return err
	}
	if _, err := txn.Commit(ctx); err != nil {
		return err
	}
	s.logger.Debug("message marked read", "deposition", depositionID, "message_id", messageID)
	return nil
}

// Tag sets the action-required and for-release flags of a message. The read
// flag is only changed on a message already marked read, which is how a
// message is marked unread again. A message without a status row gets one.
func (s *Service) Tag(ctx context.Context, depositionID string, tag Status) error {
	if tag.MessageID == "" {
		return &Error{Kind: KindInvalidRecord, Op: "tag", Resource: depositionID, Err: fmt.Errorf("missing message_id")}
	}
	path := s.store.PathFor(depositionID, ToDepositor)
	txn, err := s.store.Begin(ctx, path)
	if err != nil {
		return fmt.Errorf("opening status collection: %w", err)
	}
	defer txn.Release()

	st, ok := txn.Status(tag.MessageID)
	if ok {
		st.ActionRequired = tag.ActionRequired
		if st.ReadStatus == Yes && tag.ReadStatus != "" {
			st.ReadStatus = tag.ReadStatus
		}
		st.ForRelease = tag.ForRelease
	} else {
		st = tag
		if st.DepositionID == "" {
			st.DepositionID = depositionID
		}
	}
	if err := txn.PutStatus(st); err != nil {
		return err
	}
	_, err = txn.Commit(ctx)
	return err
}

func (s *Service) isReleaseRequest(m Message) bool {
	for _, subj := range s.releaseSubjects {
		if m.Subject == subj {
			return true
		}
	}
	return false
}
