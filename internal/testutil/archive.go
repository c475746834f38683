package testutil

import (
	"crypto/sha256"
	"encoding/hex"

	"msgstore/internal/encryption"
	"msgstore/internal/msg"
	"msgstore/internal/vault"
)

// NewTestVault returns an empty in-memory archive vault.
func NewTestVault() msg.Vault {
	return vault.NewMemoryVault("test-vault")
}

// NewTestEncryptor returns an encryptor that needs no key files.
func NewTestEncryptor() msg.Encryptor {
	return encryption.NewTestEncryptor()
}

// SHA256Hex is the checksum format recorded in ArchiveInfo.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
