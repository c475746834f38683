package vault

import (
	"context"
	"fmt"
	"os"

	"msgstore/internal/config"
	"msgstore/internal/msg"
)

// Environment variables holding static S3 credentials.
const (
	EnvS3AccessKeyID     = "MSGSTORE_S3_ACCESS_KEY_ID"
	EnvS3SecretAccessKey = "MSGSTORE_S3_SECRET_ACCESS_KEY"
)

// NewVaultFromConfig creates a Vault implementation based on the vault config type.
func NewVaultFromConfig(ctx context.Context, cfg config.VaultConfig) (msg.Vault, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryVault(cfg.Name), nil
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3 vault requires s3_bucket to be set")
		}
		return NewS3Vault(ctx, cfg.Name, S3Options{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     os.Getenv(EnvS3AccessKeyID),
			SecretAccessKey: os.Getenv(EnvS3SecretAccessKey),
		})
	case "filesystem":
		if cfg.FSVaultRoot == "" {
			return nil, fmt.Errorf("filesystem vault requires fs_vault_root to be set")
		}
		return NewFileSystemVault(cfg.Name, cfg.FSVaultRoot)
	default:
		return nil, fmt.Errorf("unknown vault type: %s", cfg.Type)
	}
}
