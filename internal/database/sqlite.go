// Package database is the relational backend of the message store. Every
// collection lives in one sqlite database, keyed by deposition id and
// category, with the same ordinal semantics as the flat files.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"msgstore/internal/database/migrations"
	"msgstore/internal/msg"
)

// SQLiteDatabase stores message collections in sqlite.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// NewSQLiteDatabase opens the database at path (a file path or ":memory:").
// Migrations are not applied; see migrations.MigrateUp.
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return NewSQLiteDatabaseFromDB(db, path), nil
}

// NewSQLiteDatabaseFromDB wraps an existing connection pool.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteDatabaseFromDB(db *sql.DB, path string) *SQLiteDatabase {
	return &SQLiteDatabase{db: db, path: path, now: time.Now}
}

// OpenConnection opens a sqlite connection pool with foreign keys enforced
// and a 5s busy timeout. File databases use write-ahead logging. In-memory
// databases are limited to one connection, since each connection would
// otherwise get its own empty database.
func OpenConnection(path string) (*sql.DB, error) {
	params := []string{"_foreign_keys=on", "_busy_timeout=5000"}
	memory := path == ":memory:"
	if !memory {
		params = append(params, "_journal_mode=WAL")
	}
	db, err := sql.Open("sqlite3", path+"?"+strings.Join(params, "&"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// DB exposes the connection pool for migrations and tools.
func (s *SQLiteDatabase) DB() *sql.DB { return s.db }

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string { return s.path }

// Load reads the collection addressed by ref. Found is false when the
// collection has no rows.
func (s *SQLiteDatabase) Load(ctx context.Context, ref msg.Ref) (msg.Snapshot, error) {
	var c msg.Collection
	var err error

	if c.Messages, err = s.loadMessages(ctx, ref); err != nil {
		return msg.Snapshot{Ref: ref}, err
	}
	if c.FileReferences, err = s.loadFileReferences(ctx, ref); err != nil {
		return msg.Snapshot{Ref: ref}, err
	}
	if c.Statuses, err = s.loadStatuses(ctx, ref); err != nil {
		return msg.Snapshot{Ref: ref}, err
	}
	if c.OrigCommReferences, err = s.loadOrigCommReferences(ctx, ref); err != nil {
		return msg.Snapshot{Ref: ref}, err
	}
	return msg.Snapshot{Ref: ref, Found: !c.Empty(), Collection: c}, nil
}

func (s *SQLiteDatabase) loadMessages(ctx context.Context, ref msg.Ref) ([]msg.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ordinal_id, message_id, deposition_id, timestamp, sender, context_type,
		       context_value, parent_message_id, subject, text, message_type, send_status, category
		FROM messages
		WHERE deposition_id = ? AND category = ?
		ORDER BY ordinal_id`, ref.DepositionID, string(ref.Category))
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []msg.Message
	for rows.Next() {
		var m msg.Message
		var ts, send, cat string
		if err := rows.Scan(&m.OrdinalID, &m.MessageID, &m.DepositionID, &ts, &m.Sender, &m.ContextType,
			&m.ContextValue, &m.ParentMessageID, &m.Subject, &m.Text, &m.MessageType, &send, &cat); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if m.Timestamp, err = time.ParseInLocation(msg.TimeLayout, ts, time.UTC); err != nil {
			return nil, fmt.Errorf("message %s: timestamp: %w", m.MessageID, err)
		}
		m.SendStatus = msg.Flag(send)
		m.Category = msg.Category(cat)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	return out, nil
}

func (s *SQLiteDatabase) loadFileReferences(ctx context.Context, ref msg.Ref) ([]msg.FileReference, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ordinal_id, message_id, deposition_id, content_type, content_format,
		       partition_number, version_id, storage_type, upload_file_name
		FROM file_references
		WHERE deposition_id = ? AND category = ?
		ORDER BY ordinal_id`, ref.DepositionID, string(ref.Category))
	if err != nil {
		return nil, fmt.Errorf("querying file references: %w", err)
	}
	defer rows.Close()

	var out []msg.FileReference
	for rows.Next() {
		var f msg.FileReference
		if err := rows.Scan(&f.OrdinalID, &f.MessageID, &f.DepositionID, &f.ContentType, &f.ContentFormat,
			&f.PartitionNumber, &f.VersionID, &f.StorageType, &f.UploadFileName); err != nil {
			return nil, fmt.Errorf("scanning file reference: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying file references: %w", err)
	}
	return out, nil
}

func (s *SQLiteDatabase) loadStatuses(ctx context.Context, ref msg.Ref) ([]msg.Status, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, deposition_id, read_status, action_reqd, for_release
		FROM statuses
		WHERE deposition_id = ? AND category = ?
		ORDER BY rowid`, ref.DepositionID, string(ref.Category))
	if err != nil {
		return nil, fmt.Errorf("querying statuses: %w", err)
	}
	defer rows.Close()

	var out []msg.Status
	for rows.Next() {
		var st msg.Status
		var read, action, release string
		if err := rows.Scan(&st.MessageID, &st.DepositionID, &read, &action, &release); err != nil {
			return nil, fmt.Errorf("scanning status: %w", err)
		}
		st.ReadStatus, st.ActionRequired, st.ForRelease = msg.Flag(read), msg.Flag(action), msg.Flag(release)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying statuses: %w", err)
	}
	return out, nil
}

func (s *SQLiteDatabase) loadOrigCommReferences(ctx context.Context, ref msg.Ref) ([]msg.OrigCommReference, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ordinal_id, message_id, deposition_id, orig_message_id, orig_deposition_id,
		       orig_timestamp, orig_sender, orig_recipient, orig_subject, orig_attachments
		FROM origcomm_references
		WHERE deposition_id = ? AND category = ?
		ORDER BY ordinal_id`, ref.DepositionID, string(ref.Category))
	if err != nil {
		return nil, fmt.Errorf("querying origcomm references: %w", err)
	}
	defer rows.Close()

	var out []msg.OrigCommReference
	for rows.Next() {
		var o msg.OrigCommReference
		if err := rows.Scan(&o.OrdinalID, &o.MessageID, &o.DepositionID, &o.OrigMessageID, &o.OrigDepositionID,
			&o.OrigTimestamp, &o.OrigSender, &o.OrigRecipient, &o.OrigSubject, &o.OrigAttachments); err != nil {
			return nil, fmt.Errorf("scanning origcomm reference: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying origcomm references: %w", err)
	}
	return out, nil
}

// Persist writes the rows changed by a transaction in one sqlite transaction.
// Messages are upserted (drafts may be rewritten), file references are
// inserted once, and statuses are upserted. Every row is stored under the
// category of ref. Tables the flat files carry in Collection.Extra have no
// place here and are not written.
func (s *SQLiteDatabase) Persist(ctx context.Context, ref msg.Ref, ch msg.Changes) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC().Format(time.RFC3339)
	for _, m := range ch.Messages {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (message_id, deposition_id, category, ordinal_id, timestamp, sender,
			                      context_type, context_value, parent_message_id, subject, text,
			                      message_type, send_status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (message_id) DO UPDATE SET
				send_status = excluded.send_status,
				subject     = excluded.subject,
				text        = excluded.text,
				timestamp   = excluded.timestamp,
				updated_at  = excluded.updated_at`,
			m.MessageID, ref.DepositionID, string(ref.Category), m.OrdinalID, m.Timestamp.UTC().Format(msg.TimeLayout),
			m.Sender, m.ContextType, m.ContextValue, m.ParentID(), m.Subject, m.Text,
			m.MessageType, string(m.SendStatus), now, now)
		if err != nil {
			return s.writeErr(ref, "message "+m.MessageID, err)
		}
	}

	for _, f := range ch.FileReferences {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO file_references (message_id, deposition_id, category, ordinal_id, content_type,
			                             content_format, partition_number, version_id, storage_type,
			                             upload_file_name, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (message_id, content_type, version_id, partition_number) DO NOTHING`,
			f.MessageID, ref.DepositionID, string(ref.Category), f.OrdinalID, f.ContentType,
			f.ContentFormat, f.PartitionNumber, f.VersionID, f.StorageType, f.UploadFileName, now)
		if err != nil {
			return s.writeErr(ref, "file reference for "+f.MessageID, err)
		}
	}

	for _, st := range ch.Statuses {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO statuses (message_id, deposition_id, category, read_status, action_reqd, for_release, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (message_id) DO UPDATE SET
				read_status = excluded.read_status,
				action_reqd = excluded.action_reqd,
				for_release = excluded.for_release,
				updated_at  = excluded.updated_at`,
			st.MessageID, ref.DepositionID, string(ref.Category), string(st.ReadStatus),
			string(st.ActionRequired), string(st.ForRelease), now)
		if err != nil {
			return s.writeErr(ref, "status for "+st.MessageID, err)
		}
	}

	for _, o := range ch.OrigCommReferences {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO origcomm_references (message_id, deposition_id, category, ordinal_id, orig_message_id,
			                                 orig_deposition_id, orig_timestamp, orig_sender, orig_recipient,
			                                 orig_subject, orig_attachments, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.MessageID, ref.DepositionID, string(ref.Category), o.OrdinalID, o.OrigMessageID,
			o.OrigDepositionID, o.OrigTimestamp, o.OrigSender, o.OrigRecipient, o.OrigSubject,
			o.OrigAttachments, now)
		if err != nil {
			return s.writeErr(ref, "origcomm reference for "+o.MessageID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// writeErr maps uniqueness violations to DUPLICATE_RECORD: another writer
// took the ordinal or id first.
func (s *SQLiteDatabase) writeErr(ref msg.Ref, what string, err error) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) && (serr.ExtendedCode == sqlite3.ErrConstraintUnique || serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
		return &msg.Error{Kind: msg.KindDuplicate, Op: "write " + what, Resource: ref.Path, Err: err}
	}
	return fmt.Errorf("writing %s: %w", what, err)
}

// Depositions returns the deposition ids that have at least one message.
func (s *SQLiteDatabase) Depositions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT deposition_id FROM messages ORDER BY deposition_id`)
	if err != nil {
		return nil, fmt.Errorf("listing depositions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning deposition: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Stats counts the rows of each kind.
type Stats struct {
	Messages       int
	FileReferences int
	Statuses       int

	OrigCommReferences int
}

func (s *SQLiteDatabase) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM messages),
		       (SELECT COUNT(*) FROM file_references),
		       (SELECT COUNT(*) FROM statuses),
		       (SELECT COUNT(*) FROM origcomm_references)`).Scan(&st.Messages, &st.FileReferences, &st.Statuses, &st.OrigCommReferences)
	if err != nil {
		return Stats{}, fmt.Errorf("counting rows: %w", err)
	}
	return st, nil
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
func (s *SQLiteDatabase) BackupTo(ctx context.Context, destPath string) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var _ msg.Persister = (*SQLiteDatabase)(nil)
