package msg

import (
	"context"
	"io"
)

// Vault stores encrypted collection archives. Keys are slash-separated
// ("<deposition>/<category>/<stamp>.cif.age").
type Vault interface {
	// Put stores an archive. size is the number of bytes that will be read from r.
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// Get retrieves an archive and writes it to w.
	Get(ctx context.Context, key string, w io.Writer) error

	// List returns the keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// ValidateSetup verifies that the vault is accessible and properly configured.
	ValidateSetup(ctx context.Context) error
}
