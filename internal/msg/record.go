package msg

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the on-disk timestamp format of every record kind. Times are UTC.
const TimeLayout = "2006-01-02 15:04:05"

// Kind identifies which record kind a Record holds.
type Kind int

const (
	KindMessage Kind = iota + 1
	KindFileReference
	KindStatus
	KindOrigCommReference
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindFileReference:
		return "file_reference"
	case KindStatus:
		return "status"
	case KindOrigCommReference:
		return "origcomm_reference"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Record is one row of a collection. It is implemented by Message,
// FileReference, Status and OrigCommReference only.
type Record interface {
	Kind() Kind
	// ID returns the id of the message the record belongs to.
	ID() string
	record()
}

// Flag is a Y/N marker as stored in the collections.
type Flag string

const (
	Yes Flag = "Y"
	No  Flag = "N"
)

func (f Flag) Bool() bool { return f == Yes }

// FlagOf converts a bool into a Flag.
func FlagOf(b bool) Flag {
	if b {
		return Yes
	}
	return No
}

func normalizeFlag(f Flag) Flag {
	if f == "" {
		return No
	}
	return f
}

// Message is a single correspondence record.
type Message struct {
	OrdinalID       int       `json:"ordinal_id" yaml:"ordinal_id"`
	MessageID       string    `json:"message_id" yaml:"message_id"`
	DepositionID    string    `json:"deposition_data_set_id" yaml:"deposition_data_set_id"`
	Timestamp       time.Time `json:"timestamp" yaml:"timestamp"`
	Sender          string    `json:"sender" yaml:"sender"`
	ContextType     string    `json:"context_type,omitempty" yaml:"context_type,omitempty"`
	ContextValue    string    `json:"context_value,omitempty" yaml:"context_value,omitempty"`
	ParentMessageID string    `json:"parent_message_id" yaml:"parent_message_id"`
	Subject         string    `json:"message_subject" yaml:"message_subject"`
	Text            string    `json:"message_text" yaml:"message_text"`
	MessageType     string    `json:"message_type" yaml:"message_type"`
	SendStatus      Flag      `json:"send_status" yaml:"send_status"`
	Category        Category  `json:"content_type" yaml:"content_type"`
}

func (Message) Kind() Kind      { return KindMessage }
func (m Message) ID() string    { return m.MessageID }
func (Message) record()         {}
func (m Message) IsDraft() bool { return m.SendStatus == No }

// IsRoot reports whether the message has no parent.
func (m Message) IsRoot() bool { return m.ParentMessageID == "" || m.ParentMessageID == m.MessageID }

// ParentID returns the parent message id, or the message's own id for roots.
func (m Message) ParentID() string {
	if m.ParentMessageID == "" {
		return m.MessageID
	}
	return m.ParentMessageID
}

func (m Message) Time() time.Time { return m.Timestamp }

// IsArchived reports whether the message is an archived or forwarded copy
// rather than an original communication.
func (m Message) IsArchived() bool {
	t := strings.ToLower(m.MessageType)
	return strings.Contains(t, "archive") || strings.Contains(t, "forward")
}

// NeedsOrigCommReference reports whether the message type asks for a record
// of the communication it copies. Types carrying "noorig" opt out.
func (m Message) NeedsOrigCommReference() bool {
	return m.IsArchived() && !strings.Contains(strings.ToLower(m.MessageType), "noorig")
}

// IsNote reports whether the message is an annotator note that the depositor
// should be told about: anything that is not an archived copy.
func (m Message) IsNote() bool { return !m.IsArchived() }

// IsFlagged reports whether the message type marks an externally flagged note.
func (m Message) IsFlagged() bool { return strings.HasSuffix(m.MessageType, "_flag") }

// Defaults fills the fields a caller may leave empty: id, timestamp (UTC,
// truncated to the second), parent, type and send status.
func (m Message) Defaults(clock Clock, ids IDGenerator) Message {
	if m.MessageID == "" {
		m.MessageID = ids.New()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = clock.Now().UTC().Truncate(time.Second)
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
	return m
}

// FileReference associates an uploaded or archived file with a message.
type FileReference struct {
	OrdinalID       int    `json:"ordinal_id" yaml:"ordinal_id"`
	MessageID       string `json:"message_id" yaml:"message_id"`
	DepositionID    string `json:"deposition_data_set_id" yaml:"deposition_data_set_id"`
	ContentType     string `json:"content_type" yaml:"content_type"`
	ContentFormat   string `json:"content_format" yaml:"content_format"`
	PartitionNumber int    `json:"partition_number" yaml:"partition_number"`
	VersionID       int    `json:"version_id" yaml:"version_id"`
	StorageType     string `json:"storage_type" yaml:"storage_type"`
	UploadFileName  string `json:"upload_file_name,omitempty" yaml:"upload_file_name,omitempty"`
}

func (FileReference) Kind() Kind   { return KindFileReference }
func (f FileReference) ID() string { return f.MessageID }
func (FileReference) record()      {}

// FileKey is the uniqueness key of a FileReference.
type FileKey struct {
	MessageID       string
	ContentType     string
	VersionID       int
	PartitionNumber int
}

func (f FileReference) Key() FileKey {
	return FileKey{f.MessageID, f.ContentType, f.VersionID, f.PartitionNumber}
}

// Status carries the per-message read/action/release flags.
type Status struct {
	MessageID      string `json:"message_id" yaml:"message_id"`
	DepositionID   string `json:"deposition_data_set_id" yaml:"deposition_data_set_id"`
	ReadStatus     Flag   `json:"read_status" yaml:"read_status"`
	ActionRequired Flag   `json:"action_reqd" yaml:"action_reqd"`
	ForRelease     Flag   `json:"for_release" yaml:"for_release"`
}

func (Status) Kind() Kind   { return KindStatus }
func (s Status) ID() string { return s.MessageID }
func (Status) record()      {}

// OrigCommReference records where an archived or forwarded message came from.
type OrigCommReference struct {
	OrdinalID        int    `json:"ordinal_id" yaml:"ordinal_id"`
	MessageID        string `json:"message_id" yaml:"message_id"`
	DepositionID     string `json:"deposition_data_set_id" yaml:"deposition_data_set_id"`
	OrigMessageID    string `json:"orig_message_id,omitempty" yaml:"orig_message_id,omitempty"`
	OrigDepositionID string `json:"orig_deposition_data_set_id,omitempty" yaml:"orig_deposition_data_set_id,omitempty"`
	OrigTimestamp    string `json:"orig_timestamp,omitempty" yaml:"orig_timestamp,omitempty"`
	OrigSender       string `json:"orig_sender,omitempty" yaml:"orig_sender,omitempty"`
	OrigRecipient    string `json:"orig_recipient,omitempty" yaml:"orig_recipient,omitempty"`
	OrigSubject      string `json:"orig_message_subject,omitempty" yaml:"orig_message_subject,omitempty"`
	OrigAttachments  string `json:"orig_attachments,omitempty" yaml:"orig_attachments,omitempty"`
}

func (OrigCommReference) Kind() Kind   { return KindOrigCommReference }
func (o OrigCommReference) ID() string { return o.MessageID }
func (OrigCommReference) record()      {}

// Row attribute names, in on-disk column order.
var (
	MessageAttributes = []string{
		"ordinal_id", "message_id", "deposition_data_set_id", "timestamp", "sender",
		"context_type", "context_value", "parent_message_id", "message_subject",
		"message_text", "message_type", "send_status", "content_type",
	}
	FileReferenceAttributes = []string{
		"ordinal_id", "message_id", "deposition_data_set_id", "content_type", "content_format",
		"partition_number", "version_id", "storage_type", "upload_file_name",
	}
	StatusAttributes = []string{
		"message_id", "deposition_data_set_id", "read_status", "action_reqd", "for_release",
	}
	OrigCommReferenceAttributes = []string{
		"ordinal_id", "message_id", "deposition_data_set_id", "orig_message_id",
		"orig_deposition_data_set_id", "orig_timestamp", "orig_sender", "orig_recipient",
		"orig_message_subject", "orig_attachments",
	}
)

// Row returns the message as a row dictionary.
func (m Message) Row() map[string]string {
	ts := ""
	if !m.Timestamp.IsZero() {
		ts = m.Timestamp.UTC().Format(TimeLayout)
	}
	return map[string]string{
		"ordinal_id":             strconv.Itoa(m.OrdinalID),
		"message_id":             m.MessageID,
		"deposition_data_set_id": m.DepositionID,
		"timestamp":              ts,
		"sender":                 m.Sender,
		"context_type":           m.ContextType,
		"context_value":          m.ContextValue,
		"parent_message_id":      m.ParentMessageID,
		"message_subject":        m.Subject,
		"message_text":           m.Text,
		"message_type":           m.MessageType,
		"send_status":            string(m.SendStatus),
		"content_type":           string(m.Category),
	}
}

// MessageFromRow parses a row dictionary produced by Message.Row.
func MessageFromRow(row map[string]string) (Message, error) {
	m := Message{
		MessageID:       row["message_id"],
		DepositionID:    row["deposition_data_set_id"],
		Sender:          row["sender"],
		ContextType:     row["context_type"],
		ContextValue:    row["context_value"],
		ParentMessageID: row["parent_message_id"],
		Subject:         row["message_subject"],
		Text:            row["message_text"],
		MessageType:     row["message_type"],
		SendStatus:      Flag(row["send_status"]),
		Category:        Category(row["content_type"]),
	}
	if m.MessageID == "" {
		return Message{}, invalid("message row has no message_id")
	}
	var err error
	if m.OrdinalID, err = atoi(row["ordinal_id"], 0); err != nil {
		return Message{}, invalid("message %s: ordinal_id: %v", m.MessageID, err)
	}
	if ts := row["timestamp"]; ts != "" {
		if m.Timestamp, err = time.ParseInLocation(TimeLayout, ts, time.UTC); err != nil {
			return Message{}, invalid("message %s: timestamp: %v", m.MessageID, err)
		}
	}
	return m, nil
}

// Row returns the file reference as a row dictionary.
func (f FileReference) Row() map[string]string {
	return map[string]string{
		"ordinal_id":             strconv.Itoa(f.OrdinalID),
		"message_id":             f.MessageID,
		"deposition_data_set_id": f.DepositionID,
		"content_type":           f.ContentType,
		"content_format":         f.ContentFormat,
		"partition_number":       strconv.Itoa(f.PartitionNumber),
		"version_id":             strconv.Itoa(f.VersionID),
		"storage_type":           f.StorageType,
		"upload_file_name":       f.UploadFileName,
	}
}

// FileReferenceFromRow parses a row dictionary produced by FileReference.Row.
func FileReferenceFromRow(row map[string]string) (FileReference, error) {
	f := FileReference{
		MessageID:      row["message_id"],
		DepositionID:   row["deposition_data_set_id"],
		ContentType:    row["content_type"],
		ContentFormat:  row["content_format"],
		StorageType:    row["storage_type"],
		UploadFileName: row["upload_file_name"],
	}
	var err error
	if f.OrdinalID, err = atoi(row["ordinal_id"], 0); err != nil {
		return FileReference{}, invalid("file reference for %s: ordinal_id: %v", f.MessageID, err)
	}
	if f.PartitionNumber, err = atoi(row["partition_number"], 1); err != nil {
		return FileReference{}, invalid("file reference for %s: partition_number: %v", f.MessageID, err)
	}
	if f.VersionID, err = atoi(row["version_id"], 1); err != nil {
		return FileReference{}, invalid("file reference for %s: version_id: %v", f.MessageID, err)
	}
	return f, nil
}

// Row returns the status as a row dictionary.
func (s Status) Row() map[string]string {
	return map[string]string{
		"message_id":             s.MessageID,
		"deposition_data_set_id": s.DepositionID,
		"read_status":            string(s.ReadStatus),
		"action_reqd":            string(s.ActionRequired),
		"for_release":            string(s.ForRelease),
	}
}

// StatusFromRow parses a row dictionary produced by Status.Row.
func StatusFromRow(row map[string]string) (Status, error) {
	s := Status{
		MessageID:      row["message_id"],
		DepositionID:   row["deposition_data_set_id"],
		ReadStatus:     normalizeFlag(Flag(row["read_status"])),
		ActionRequired: normalizeFlag(Flag(row["action_reqd"])),
		ForRelease:     normalizeFlag(Flag(row["for_release"])),
	}
	if s.MessageID == "" {
		return Status{}, invalid("status row has no message_id")
	}
	return s, nil
}

// Row returns the original-communication reference as a row dictionary.
func (o OrigCommReference) Row() map[string]string {
	return map[string]string{
		"ordinal_id":                  strconv.Itoa(o.OrdinalID),
		"message_id":                  o.MessageID,
		"deposition_data_set_id":      o.DepositionID,
		"orig_message_id":             o.OrigMessageID,
		"orig_deposition_data_set_id": o.OrigDepositionID,
		"orig_timestamp":              o.OrigTimestamp,
		"orig_sender":                 o.OrigSender,
		"orig_recipient":              o.OrigRecipient,
		"orig_message_subject":        o.OrigSubject,
		"orig_attachments":            o.OrigAttachments,
	}
}

// OrigCommReferenceFromRow parses a row dictionary produced by OrigCommReference.Row.
func OrigCommReferenceFromRow(row map[string]string) (OrigCommReference, error) {
	o := OrigCommReference{
		MessageID:        row["message_id"],
		DepositionID:     row["deposition_data_set_id"],
		OrigMessageID:    row["orig_message_id"],
		OrigDepositionID: row["orig_deposition_data_set_id"],
		OrigTimestamp:    row["orig_timestamp"],
		OrigSender:       row["orig_sender"],
		OrigRecipient:    row["orig_recipient"],
		OrigSubject:      row["orig_message_subject"],
		OrigAttachments:  row["orig_attachments"],
	}
	if o.MessageID == "" {
		return OrigCommReference{}, invalid("origcomm reference row has no message_id")
	}
	var err error
	if o.OrdinalID, err = atoi(row["ordinal_id"], 0); err != nil {
		return OrigCommReference{}, invalid("origcomm reference for %s: ordinal_id: %v", o.MessageID, err)
	}
	return o, nil
}

func atoi(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}
