package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetDefaults(t *testing.T) {
	t.Run("uses env vars when set", func(t *testing.T) {
		t.Setenv("MSGSTORE_CONFIG_PATH", "/custom/config.toml")
		t.Setenv("MSGSTORE_HOME", "/custom/msgstore")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		if defaults["config_path"] != "/custom/config.toml" {
			t.Errorf("config_path = %q, want %q", defaults["config_path"], "/custom/config.toml")
		}
		if defaults["base_dir"] != "/custom/msgstore" {
			t.Errorf("base_dir = %q, want %q", defaults["base_dir"], "/custom/msgstore")
		}
		if defaults["log_dir"] != "/custom/msgstore/log" {
			t.Errorf("log_dir = %q, want %q", defaults["log_dir"], "/custom/msgstore/log")
		}
	})

	t.Run("falls back to home dir defaults", func(t *testing.T) {
		t.Setenv("MSGSTORE_CONFIG_PATH", "")
		t.Setenv("MSGSTORE_HOME", "")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		homeDir, _ := os.UserHomeDir()

		wantConfig := filepath.Join(homeDir, ".config", "msgstore.toml")
		if defaults["config_path"] != wantConfig {
			t.Errorf("config_path = %q, want %q", defaults["config_path"], wantConfig)
		}

		wantBase := filepath.Join(homeDir, ".local", "share", "msgstore")
		if defaults["base_dir"] != wantBase {
			t.Errorf("base_dir = %q, want %q", defaults["base_dir"], wantBase)
		}
	})
}

func TestLoadEnv(t *testing.T) {
	const key = "MSGSTORE_LOADENV_TEST"

	t.Run("missing file", func(t *testing.T) {
		chdir(t, t.TempDir())
		if err := LoadEnv(); err != nil {
			t.Fatalf("LoadEnv() error = %v", err)
		}
	})

	t.Run("reads file without overriding", func(t *testing.T) {
		dir := t.TempDir()
		env := key + "=from-file\nMSGSTORE_HOME=/from/file\n"
		if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0644); err != nil {
			t.Fatal(err)
		}
		chdir(t, dir)
		t.Setenv("MSGSTORE_HOME", "/from/env")
		t.Cleanup(func() { os.Unsetenv(key) })

		if err := LoadEnv(); err != nil {
			t.Fatalf("LoadEnv() error = %v", err)
		}
		if got := os.Getenv(key); got != "from-file" {
			t.Errorf("%s = %q, want %q", key, got, "from-file")
		}
		if got := os.Getenv("MSGSTORE_HOME"); got != "/from/env" {
			t.Errorf("MSGSTORE_HOME = %q, want the existing value", got)
		}
	})
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, added in Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
