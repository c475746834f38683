package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	original := &Config{
		BaseDir: "/srv/msgstore",
		LogDir:  "/srv/msgstore/log",
		Store: StoreConfig{
			ArchiveRoot:    "/data/archive",
			MirrorRoot:     "/data/deposit",
			LockTimeout:    "30s",
			LockRetry:      "250ms",
			VirtualMarkers: []string{"/dummy/"},
			PeekCacheSize:  64,
			ReleaseSubjects: []string{"Release request", "Request to release"},
		},
		Database: DatabaseConfig{Type: "sqlite", DataDir: "/srv/msgstore/db", UseDatabase: true},
		Vaults: []VaultConfig{
			{Type: "s3", Name: "offsite", S3Bucket: "correspondence", S3Region: "eu-west-2"},
		},
		Encryption: EncryptionConfig{
			PublicKeyPath:  "/srv/msgstore/keys/msgstore.pub",
			PrivateKeyPath: "/srv/msgstore/keys/msgstore.key",
		},
		Metrics: MetricsConfig{TextfilePath: "/var/lib/node_exporter/msgstore.prom"},
	}

	var buf bytes.Buffer
	m := &Manager{}

	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.BaseDir != original.BaseDir {
		t.Errorf("BaseDir = %q, want %q", got.BaseDir, original.BaseDir)
	}
	if got.Store.MirrorRoot != "/data/deposit" {
		t.Errorf("Store.MirrorRoot = %q, want %q", got.Store.MirrorRoot, "/data/deposit")
	}
	if got.Store.LockRetryDuration() != 250*time.Millisecond {
		t.Errorf("LockRetryDuration() = %v, want 250ms", got.Store.LockRetryDuration())
	}
	if got.Store.PeekCacheSize != 64 {
		t.Errorf("Store.PeekCacheSize = %d, want 64", got.Store.PeekCacheSize)
	}
	if len(got.Store.ReleaseSubjects) != 2 || got.Store.ReleaseSubjects[1] != "Request to release" {
		t.Errorf("Store.ReleaseSubjects = %v", got.Store.ReleaseSubjects)
	}
	if !got.Database.UseDatabase {
		t.Error("Database.UseDatabase = false, want true")
	}
	if len(got.Vaults) != 1 {
		t.Fatalf("len(Vaults) = %d, want 1", len(got.Vaults))
	}
	if got.Vaults[0].S3Bucket != "correspondence" {
		t.Errorf("Vault.S3Bucket = %q, want %q", got.Vaults[0].S3Bucket, "correspondence")
	}
	if got.Metrics.TextfilePath != original.Metrics.TextfilePath {
		t.Errorf("Metrics.TextfilePath = %q, want %q", got.Metrics.TextfilePath, original.Metrics.TextfilePath)
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("/data/msgstore")

	if cfg.LogDir != "/data/msgstore/log" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/data/msgstore/log")
	}
	if cfg.Store.ArchiveRoot != "/data/msgstore/archive" {
		t.Errorf("Store.ArchiveRoot = %q, want %q", cfg.Store.ArchiveRoot, "/data/msgstore/archive")
	}
	if cfg.Store.LockTimeoutDuration() != 60*time.Second {
		t.Errorf("LockTimeoutDuration() = %v, want 60s", cfg.Store.LockTimeoutDuration())
	}
	if cfg.Database.TransferWorkers != 4 {
		t.Errorf("Database.TransferWorkers = %d, want 4", cfg.Database.TransferWorkers)
	}
	if cfg.Encryption.PublicKeyPath != "/data/msgstore/keys/msgstore.pub" {
		t.Errorf("Encryption.PublicKeyPath = %q", cfg.Encryption.PublicKeyPath)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("Validate(NewConfig()) error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "memory database", mutate: func(c *Config) { c.Database = DatabaseConfig{Type: "memory"} }},
		{name: "database disabled", mutate: func(c *Config) { c.Database = DatabaseConfig{} }},
		{
			name:    "missing archive root",
			mutate:  func(c *Config) { c.Store.ArchiveRoot = "" },
			wantErr: "ArchiveRoot",
		},
		{
			name:    "bad duration",
			mutate:  func(c *Config) { c.Store.LockTimeout = "sixty seconds" },
			wantErr: "duration",
		},
		{
			name:    "unknown database type",
			mutate:  func(c *Config) { c.Database.Type = "postgres" },
			wantErr: "oneof",
		},
		{
			name:    "sqlite without data dir",
			mutate:  func(c *Config) { c.Database.DataDir = "" },
			wantErr: "DataDir",
		},
		{
			name:    "s3 vault without bucket",
			mutate:  func(c *Config) { c.Vaults = []VaultConfig{{Type: "s3", Name: "remote"}} },
			wantErr: "S3Bucket",
		},
		{
			name:    "unknown vault type",
			mutate:  func(c *Config) { c.Vaults[0].Type = "ftp" },
			wantErr: "Type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig("/data/msgstore")
			tt.mutate(cfg)

			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestInit(t *testing.T) {
	t.Run("creates config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "msgstore.toml")

		if err := Init(path, NewConfig(dir)); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("config file not created: %v", err)
		}
	})

	t.Run("fails if file already exists", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "msgstore.toml")
		cfg := NewConfig(dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("first Init() error = %v", err)
		}
		if err := Init(path, cfg); err == nil {
			t.Fatal("second Init() expected error")
		}
	})

	t.Run("rejects invalid config", func(t *testing.T) {
		dir := t.TempDir()
		cfg := NewConfig(dir)
		cfg.Store.ArchiveRoot = ""

		if err := Init(filepath.Join(dir, "msgstore.toml"), cfg); err == nil {
			t.Fatal("Init() expected validation error")
		}
	})
}

func TestReadFromFile(t *testing.T) {
	t.Run("reads valid config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "msgstore.toml")
		cfg := NewConfig(dir)
		cfg.Database = DatabaseConfig{Type: "memory"}

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.Database.Type != "memory" {
			t.Errorf("Database.Type = %q, want memory", got.Database.Type)
		}
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		if _, err := ReadFromFile("/nonexistent/path/msgstore.toml"); err == nil {
			t.Fatal("ReadFromFile() expected error for missing file")
		}
	})

	t.Run("returns error for invalid file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "msgstore.toml")
		if err := os.WriteFile(path, []byte("base_dir = \"/x\"\n[store]\nlock_retry = \"soon\"\n"), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := ReadFromFile(path); err == nil {
			t.Fatal("ReadFromFile() expected validation error")
		}
	})
}
