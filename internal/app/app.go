package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"msgstore/internal/config"
	"msgstore/internal/database"
	"msgstore/internal/database/migrations"
	"msgstore/internal/encryption"
	"msgstore/internal/flatfile"
	"msgstore/internal/lock"
	"msgstore/internal/metrics"
	"msgstore/internal/msg"
	"msgstore/internal/router"
	"msgstore/internal/thread"
	"msgstore/internal/vault"
)

// DatabaseSnapshotPrefix is the vault prefix database snapshots are stored under.
const DatabaseSnapshotPrefix = "db/"

// Options tune how a MsgApp reports to the terminal.
type Options struct {
	// Stderr receives log records at or above WARN, or INFO when Verbose.
	// Defaults to os.Stderr.
	Stderr  io.Writer
	Verbose bool
}

// MsgApp is the application layer between the CLI and msg.Service.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw identifiers, and manages the DB lifecycle on Close.
type MsgApp struct {
	cfg       *config.Config
	db        *database.SQLiteDatabase
	router    *router.Router
	vault     msg.Vault
	encryptor msg.Encryptor
	metrics   *metrics.Collector
	service   *msg.Service
	op        *Operation
	logger    *slog.Logger
	logFile   *os.File
}

// NewMsgApp creates a fully wired MsgApp from the given config.
// operation identifies the CLI command being run (e.g. "Submit", "Import").
// The caller must call Close when done.
func NewMsgApp(ctx context.Context, cfg *config.Config, operation string, opts Options) (*MsgApp, error) {
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelInfo
	}

	opID := time.Now().UTC().Format(msg.ArchiveStampLayout)
	logger, logFile, err := newLogger(cfg.LogDir, opID, opts.Stderr, level)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	a := &MsgApp{
		cfg:     cfg,
		metrics: metrics.New(),
		op:      NewOperation(operation, ""),
		logger:  logger,
		logFile: logFile,
	}
	if err := a.wire(ctx); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *MsgApp) wire(ctx context.Context) error {
	cfg := a.cfg
	log := &slogAdapter{l: a.logger}

	locker := lock.NewFileLocker(lock.Options{
		Timeout:        cfg.Store.LockTimeoutDuration(),
		RetryInterval:  cfg.Store.LockRetryDuration(),
		VirtualMarkers: cfg.Store.VirtualMarkers,
		Logger:         log,
		Metrics:        a.metrics,
	})
	flat := flatfile.NewStore(locker, flatfile.Options{
		MirrorRoot:    cfg.Store.MirrorRoot,
		PeekCacheSize: cfg.Store.PeekCacheSize,
		PeekCacheTTL:  cfg.Store.PeekCacheTTLDuration(),
		Logger:        log,
		Metrics:       a.metrics,
	})

	var backend msg.Backend
	if cfg.Database.Enabled() {
		db, err := database.NewDatabaseFromConfig(cfg.Database)
		if err != nil {
			return fmt.Errorf("creating database: %w", err)
		}
		a.db = db
		if cfg.Database.Type == "memory" {
			if err := migrations.MigrateUp(db.DB()); err != nil {
				return fmt.Errorf("migrating database: %w", err)
			}
		} else if err := db.CheckMigrations(); err != nil {
			return fmt.Errorf("database schema out of date (run 'msgstore db migrate'): %w", err)
		}
		backend = database.NewBackend(db, lock.NewMemoryLocker(cfg.Store.LockTimeoutDuration(), a.metrics), log, a.metrics)
	}

	a.router = router.New(flat, backend, router.Options{
		ArchiveRoot:    cfg.Store.ArchiveRoot,
		UseDatabase:    cfg.Database.UseDatabase,
		VirtualMarkers: cfg.Store.VirtualMarkers,
		Logger:         log,
	})

	if len(cfg.Vaults) > 0 {
		v, err := vault.NewVaultFromConfig(ctx, cfg.Vaults[0])
		if err != nil {
			return fmt.Errorf("creating vault: %w", err)
		}
		a.vault = v
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	a.encryptor = enc

	a.service = msg.NewService(a.router, a.vault, enc, flatfile.ArchiveCodec{}, log, msg.RealClock{}, msg.UUIDGenerator{}, a.metrics)
	a.service.SetReleaseSubjects(cfg.Store.ReleaseSubjects)
	return nil
}

// Metrics returns the collector the app's components report to.
func (a *MsgApp) Metrics() *metrics.Collector { return a.metrics }

// persistOperation saves the operation to the database, giving it an
// auto-increment ID. Without a database operations are only logged.
func (a *MsgApp) persistOperation(ctx context.Context, parameters string) error {
	a.op.Parameters = parameters
	a.logger.Info("operation started", "operation", a.op.Operation, "parameters", parameters)
	if a.db == nil || a.op.Persisted() {
		return nil
	}
	id, err := a.db.CreateOperation(ctx, a.op.Operation, parameters)
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.ID = id
	return nil
}

// Resolve parses a resource identifier.
func (a *MsgApp) Resolve(path string) (msg.Ref, error) {
	return a.router.Resolve(path)
}

// PathFor returns the collection path of a deposition under the archive root.
func (a *MsgApp) PathFor(depositionID string, c msg.Category) string {
	return a.router.PathFor(depositionID, c)
}

// Submit appends a message to the collection at path.
func (a *MsgApp) Submit(ctx context.Context, path string, sub msg.Submission) (msg.SubmitResult, error) {
	if err := a.persistOperation(ctx, path); err != nil {
		return msg.SubmitResult{}, err
	}
	res, err := a.service.Submit(ctx, path, sub)
	if err == nil && !res.OK {
		a.op.Status = "error"
	}
	return res, a.op.Fail(err)
}

// MarkRead records that a message was read.
func (a *MsgApp) MarkRead(ctx context.Context, depositionID, messageID string) error {
	if err := a.persistOperation(ctx, depositionID+" "+messageID); err != nil {
		return err
	}
	return a.op.Fail(a.service.MarkRead(ctx, depositionID, messageID))
}

// Tag sets the status flags of a message.
func (a *MsgApp) Tag(ctx context.Context, depositionID string, st msg.Status) error {
	params := fmt.Sprintf("%s %s read=%s action=%s release=%s", depositionID, st.MessageID, st.ReadStatus, st.ActionRequired, st.ForRelease)
	if err := a.persistOperation(ctx, params); err != nil {
		return err
	}
	return a.op.Fail(a.service.Tag(ctx, depositionID, st))
}

// Messages lists the messages of one collection that pass f.
func (a *MsgApp) Messages(ctx context.Context, depositionID string, c msg.Category, f msg.Filter) ([]msg.MessageView, error) {
	return a.service.Messages(ctx, depositionID, c, f)
}

// History returns the threaded correspondence of a deposition.
func (a *MsgApp) History(ctx context.Context, depositionID string) ([]thread.Entry[msg.Message], error) {
	return a.service.History(ctx, depositionID)
}

// Summary runs the global checks of a deposition.
func (a *MsgApp) Summary(ctx context.Context, depositionID string) (msg.Summary, error) {
	return a.service.Summary(ctx, depositionID)
}

// Archive stores an encrypted copy of a collection in the vault.
func (a *MsgApp) Archive(ctx context.Context, depositionID string, c msg.Category) (msg.ArchiveInfo, error) {
	if err := a.persistOperation(ctx, depositionID+" "+string(c)); err != nil {
		return msg.ArchiveInfo{}, err
	}
	info, err := a.service.Archive(ctx, depositionID, c)
	return info, a.op.Fail(err)
}

// FetchArchive unlocks the private key and writes the decrypted archive to w.
func (a *MsgApp) FetchArchive(ctx context.Context, key, passphrase string, w io.Writer) error {
	dc, err := a.encryptor.Unlock(passphrase)
	if err != nil {
		return fmt.Errorf("unlocking private key: %w", err)
	}
	return a.service.FetchArchive(ctx, key, dc, w)
}

// ListArchives returns the archive keys of a deposition.
func (a *MsgApp) ListArchives(ctx context.Context, depositionID string) ([]string, error) {
	return a.service.ListArchives(ctx, depositionID)
}

// SetupKeys generates the archive key pair.
func (a *MsgApp) SetupKeys(passphrase string) error {
	return a.encryptor.Setup(passphrase)
}

// ValidateVault checks that the configured vault is reachable.
func (a *MsgApp) ValidateVault(ctx context.Context) error {
	if a.vault == nil {
		return fmt.Errorf("no vaults configured")
	}
	return a.vault.ValidateSetup(ctx)
}

// Import copies the flat-file collections under the archive root into the
// database. With no depositions given, every deposition directory is copied.
func (a *MsgApp) Import(ctx context.Context, depositions []string) (router.TransferStats, error) {
	if a.db == nil {
		return router.TransferStats{}, fmt.Errorf("no database configured")
	}
	if len(depositions) == 0 {
		var err error
		depositions, err = router.ScanDepositions(a.cfg.Store.ArchiveRoot)
		if err != nil {
			return router.TransferStats{}, err
		}
	}
	if err := a.persistOperation(ctx, strings.Join(depositions, " ")); err != nil {
		return router.TransferStats{}, err
	}
	st, err := a.router.Import(ctx, depositions, a.cfg.Database.TransferWorkers)
	return st, a.op.Fail(err)
}

// Export writes database collections out as flat files under the archive
// root. With no depositions given, every deposition in the database is written.
func (a *MsgApp) Export(ctx context.Context, depositions []string) (router.TransferStats, error) {
	if a.db == nil {
		return router.TransferStats{}, fmt.Errorf("no database configured")
	}
	if len(depositions) == 0 {
		var err error
		depositions, err = a.db.Depositions(ctx)
		if err != nil {
			return router.TransferStats{}, err
		}
	}
	if err := a.persistOperation(ctx, strings.Join(depositions, " ")); err != nil {
		return router.TransferStats{}, err
	}
	st, err := a.router.Export(ctx, depositions, a.cfg.Database.TransferWorkers)
	return st, a.op.Fail(err)
}

// Operations returns the most recent recorded operations.
func (a *MsgApp) Operations(ctx context.Context, limit int) ([]database.Operation, error) {
	if a.db == nil {
		return nil, fmt.Errorf("no database configured")
	}
	return a.db.ListOperations(ctx, limit)
}

// DatabaseStats counts the rows held by the database.
func (a *MsgApp) DatabaseStats(ctx context.Context) (database.Stats, error) {
	if a.db == nil {
		return database.Stats{}, fmt.Errorf("no database configured")
	}
	return a.db.Stats(ctx)
}

// BackupDatabase snapshots the database, encrypts the snapshot and uploads
// it to the vault. It returns the vault key.
func (a *MsgApp) BackupDatabase(ctx context.Context) (string, error) {
	if a.db == nil {
		return "", fmt.Errorf("no database configured")
	}
	if a.vault == nil {
		return "", fmt.Errorf("no vaults configured")
	}

	dir, err := os.MkdirTemp("", "msgstore-db-backup-*")
	if err != nil {
		return "", fmt.Errorf("creating temp dir for db backup: %w", err)
	}
	defer os.RemoveAll(dir)

	plainPath := filepath.Join(dir, "snapshot.db")
	if err := a.db.BackupTo(ctx, plainPath); err != nil {
		return "", err
	}
	plain, err := os.Open(plainPath)
	if err != nil {
		return "", fmt.Errorf("opening db backup: %w", err)
	}
	defer plain.Close()

	sealed, err := os.Create(filepath.Join(dir, "snapshot.db.age"))
	if err != nil {
		return "", fmt.Errorf("creating encrypted db backup: %w", err)
	}
	defer sealed.Close()
	if err := a.encryptor.Encrypt(plain, sealed); err != nil {
		return "", fmt.Errorf("encrypting db backup: %w", err)
	}

	info, err := sealed.Stat()
	if err != nil {
		return "", fmt.Errorf("stat db backup: %w", err)
	}
	if _, err := sealed.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewinding db backup: %w", err)
	}

	key := DatabaseSnapshotPrefix + time.Now().UTC().Format(msg.ArchiveStampLayout) + ".sqlite.age"
	if err := a.vault.Put(ctx, key, sealed, info.Size()); err != nil {
		return "", fmt.Errorf("uploading db backup to vault: %w", err)
	}
	a.logger.Info("database snapshot uploaded", "key", key, "size", info.Size())
	return key, nil
}

// Close finalizes the operation, writes the metrics textfile and closes all
// resources.
func (a *MsgApp) Close() error {
	var firstErr error

	if a.op.Persisted() && a.db != nil {
		if err := a.db.FinishOperation(context.Background(), a.op.ID, a.op.Status); err != nil {
			firstErr = fmt.Errorf("finishing operation: %w", err)
		}
	}
	if err := a.metrics.WriteTextfile(a.cfg.Metrics.TextfilePath); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("writing metrics: %w", err)
	}
	if err := a.closeResources(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (a *MsgApp) closeResources() error {
	var err error
	if a.db != nil {
		if cerr := a.db.Close(); cerr != nil {
			err = fmt.Errorf("closing database: %w", cerr)
		}
		a.db = nil
	}
	if a.logFile != nil {
		a.logFile.Close()
		a.logFile = nil
	}
	return err
}

// Migrate applies pending schema migrations to the configured database.
func Migrate(cfg *config.Config) (migrations.Status, error) {
	db, err := database.NewDatabaseFromConfig(cfg.Database)
	if err != nil {
		return migrations.Status{}, fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if err := migrations.MigrateUp(db.DB()); err != nil {
		return migrations.Status{}, err
	}
	return migrations.ReadStatus(db.DB())
}

// MigrationStatus reports the schema version of the configured database.
func MigrationStatus(cfg *config.Config) (migrations.Status, error) {
	db, err := database.NewDatabaseFromConfig(cfg.Database)
	if err != nil {
		return migrations.Status{}, fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	return migrations.ReadStatus(db.DB())
}
