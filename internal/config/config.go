package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Config represents the main configuration for msgstore.
type Config struct {
	BaseDir    string           `toml:"base_dir" validate:"required"`
	LogDir     string           `toml:"log_dir"`
	Store      StoreConfig      `toml:"store"`
	Database   DatabaseConfig   `toml:"database"`
	Vaults     []VaultConfig    `toml:"vaults" validate:"dive"`
	Encryption EncryptionConfig `toml:"encryption"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// StoreConfig holds settings of the flat-file collections and their locks.
// Durations are Go duration strings ("60s", "250ms").
type StoreConfig struct {
	ArchiveRoot    string   `toml:"archive_root" validate:"required"`
	MirrorRoot     string   `toml:"mirror_root,omitempty"`
	LockTimeout    string   `toml:"lock_timeout,omitempty" validate:"omitempty,duration"`
	LockRetry      string   `toml:"lock_retry,omitempty" validate:"omitempty,duration"`
	VirtualMarkers []string `toml:"virtual_markers,omitempty"`
	PeekCacheSize  int      `toml:"peek_cache_size,omitempty" validate:"gte=0"`
	PeekCacheTTL   string   `toml:"peek_cache_ttl,omitempty" validate:"omitempty,duration"`
	// ReleaseSubjects are the subjects of depositor messages that request
	// release of the entry.
	ReleaseSubjects []string `toml:"release_subjects,omitempty"`
}

// LockTimeoutDuration returns the parsed lock timeout, or 0 when unset.
func (s StoreConfig) LockTimeoutDuration() time.Duration { return parseDuration(s.LockTimeout) }

// LockRetryDuration returns the parsed lock retry interval, or 0 when unset.
func (s StoreConfig) LockRetryDuration() time.Duration { return parseDuration(s.LockRetry) }

// PeekCacheTTLDuration returns the parsed peek cache TTL, or 0 when unset.
func (s StoreConfig) PeekCacheTTLDuration() time.Duration { return parseDuration(s.PeekCacheTTL) }

// DatabaseConfig represents configuration for the relational backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
// An empty Type disables the database.
type DatabaseConfig struct {
	Type    string `toml:"type" validate:"omitempty,oneof=sqlite memory"`
	DataDir string `toml:"data_dir,omitempty" validate:"required_if=Type sqlite"`
	// UseDatabase routes every collection to the database instead of flat files.
	UseDatabase bool `toml:"use_database"`
	// TransferWorkers bounds the depositions copied in parallel by db import
	// and db export.
	TransferWorkers int `toml:"transfer_workers,omitempty" validate:"gte=0"`
}

// Enabled reports whether a database backend is configured.
func (d DatabaseConfig) Enabled() bool { return d.Type != "" }

// VaultConfig represents configuration for an archive vault.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type" validate:"required,oneof=memory filesystem s3"`
	Name string `toml:"name" validate:"required"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty" validate:"required_if=Type s3"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty" validate:"omitempty,url"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty" validate:"required_if=Type filesystem"`
}

// EncryptionConfig holds paths to the age key pair used for archive encryption.
type EncryptionConfig struct {
	Type           string `toml:"type" validate:"omitempty,oneof=age test"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
	// Armor writes archives in the PEM-style ASCII armor format.
	Armor bool `toml:"armor,omitempty"`
}

// MetricsConfig controls the prometheus textfile export written after each command.
type MetricsConfig struct {
	TextfilePath string `toml:"textfile_path,omitempty"`
}

// NewConfig creates a new Config with the provided base directory and default paths.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Store: StoreConfig{
			ArchiveRoot: filepath.Join(baseDir, "archive"),
			LockTimeout: "60s",
			LockRetry:   "1s",
		},
		Database: DatabaseConfig{
			Type:            "sqlite",
			DataDir:         filepath.Join(baseDir, "db"),
			TransferWorkers: 4,
		},
		Vaults: []VaultConfig{
			{Type: "filesystem", Name: "local", FSVaultRoot: filepath.Join(baseDir, "vault")},
		},
		Encryption: EncryptionConfig{
			PublicKeyPath:  filepath.Join(baseDir, "keys", "msgstore.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "msgstore.key"),
		},
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks the struct tags of cfg.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s fails %q (%d problems)", fe.Namespace(), fe.Tag(), len(verrs))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads and validates a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes cfg to path. It refuses to overwrite an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := Validate(cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
