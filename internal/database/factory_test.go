package database

import (
	"os"
	"path/filepath"
	"testing"

	"msgstore/internal/config"
)

func TestNewDatabaseFromConfig(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "db")

	tests := []struct {
		name    string
		cfg     config.DatabaseConfig
		wantErr bool
	}{
		{name: "memory database", cfg: config.DatabaseConfig{Type: "memory"}},
		{name: "sqlite database", cfg: config.DatabaseConfig{Type: "sqlite", DataDir: dataDir}},
		{name: "sqlite database without data_dir", cfg: config.DatabaseConfig{Type: "sqlite"}, wantErr: true},
		{name: "unknown database type", cfg: config.DatabaseConfig{Type: "unknown"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewDatabaseFromConfig(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Error("NewDatabaseFromConfig() expected error, got nil")
				}
				if got != nil {
					t.Error("NewDatabaseFromConfig() should return nil on error")
					got.Close()
				}
				return
			}
			if err != nil {
				t.Fatalf("NewDatabaseFromConfig() unexpected error: %v", err)
			}
			defer got.Close()
		})
	}

	if _, err := os.Stat(filepath.Join(dataDir, "messages.db")); err != nil {
		t.Errorf("sqlite database file not created: %v", err)
	}
}
