package msg

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// ArchiveCodec serializes a collection for archiving.
type ArchiveCodec interface {
	Encode(w io.Writer, depositionID string, c Collection) error
}

// ArchiveStampLayout is the timestamp format of archive keys.
const ArchiveStampLayout = "20060102T150405Z"

// ArchiveKey returns "<deposition>/<category>/<stamp>.cif.age".
func ArchiveKey(depositionID string, c Category, t time.Time) string {
	return fmt.Sprintf("%s/%s/%s.cif.age", depositionID, c, t.UTC().Format(ArchiveStampLayout))
}

// ArchiveInfo describes a stored archive.
type ArchiveInfo struct {
	Key      string `json:"key" yaml:"key"`
	Messages int    `json:"messages" yaml:"messages"`
	// Size is the size of the encrypted archive.
	Size int64 `json:"size" yaml:"size"`
	// Checksum is the SHA-256 of the unencrypted collection.
	Checksum string `json:"checksum" yaml:"checksum"`
}

// Archive reads a collection under its lock, encrypts it and stores it in
// the vault.
func (s *Service) Archive(ctx context.Context, depositionID string, c Category) (ArchiveInfo, error) {
	if s.vault == nil || s.encryptor == nil || s.codec == nil {
		return ArchiveInfo{}, fmt.Errorf("archiving is not configured")
	}
	path := s.store.PathFor(depositionID, c)
	snap, err := s.store.Read(ctx, path)
	if err != nil {
		return ArchiveInfo{}, fmt.Errorf("reading collection: %w", err)
	}
	if !snap.Found {
		return ArchiveInfo{}, &Error{Kind: KindMissingCollection, Op: "archive", Resource: path}
	}

	var plain bytes.Buffer
	if err := s.codec.Encode(&plain, depositionID, snap.Collection); err != nil {
		return ArchiveInfo{}, fmt.Errorf("encoding collection: %w", err)
	}
	sum := sha256.Sum256(plain.Bytes())

	var sealed bytes.Buffer
	if err := s.encryptor.Encrypt(&plain, &sealed); err != nil {
		return ArchiveInfo{}, fmt.Errorf("encrypting collection: %w", err)
	}

	info := ArchiveInfo{
		Key:      ArchiveKey(depositionID, c, s.clock.Now()),
		Messages: len(snap.Collection.Messages),
		Size:     int64(sealed.Len()),
		Checksum: hex.EncodeToString(sum[:]),
	}
	if err := s.vault.Put(ctx, info.Key, &sealed, info.Size); err != nil {
		return ArchiveInfo{}, fmt.Errorf("uploading to vault: %w", err)
	}

	s.metrics.Archived(c, info.Size)
	s.logger.Info("collection archived", "key", info.Key, "messages", info.Messages, "size", info.Size)
	return info, nil
}

// FetchArchive downloads an archive and writes the decrypted collection to w.
func (s *Service) FetchArchive(ctx context.Context, key string, dc DecryptionContext, w io.Writer) error {
	if s.vault == nil {
		return fmt.Errorf("archiving is not configured")
	}
	var sealed bytes.Buffer
	if err := s.vault.Get(ctx, key, &sealed); err != nil {
		return fmt.Errorf("downloading archive: %w", err)
	}
	if err := dc.Decrypt(&sealed, w); err != nil {
		return fmt.Errorf("decrypting archive: %w", err)
	}
	return nil
}

// ListArchives returns the archive keys of a deposition sorted by category,
// then oldest first.
func (s *Service) ListArchives(ctx context.Context, depositionID string) ([]string, error) {
	if s.vault == nil {
		return nil, fmt.Errorf("archiving is not configured")
	}
	return s.vault.List(ctx, depositionID+"/")
}
