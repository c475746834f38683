package encryption

import (
	"fmt"

	"msgstore/internal/config"
	"msgstore/internal/msg"
)

// NewEncryptorFromConfig returns the archive encryptor named by cfg.Type.
// An empty type selects age.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (msg.Encryptor, error) {
	switch cfg.Type {
	case "age", "":
		if cfg.PublicKeyPath == "" || cfg.PrivateKeyPath == "" {
			return nil, fmt.Errorf("age encryption requires public_key_path and private_key_path")
		}
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
