// Package vault stores encrypted collection archives under slash-separated
// keys in memory, on a local filesystem or in an S3 bucket.
package vault

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned by Get when no archive exists under the key.
var ErrNotFound = errors.New("archive not found")

// checkKey rejects keys that could escape the vault root.
func checkKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty archive key")
	}
	if strings.HasPrefix(key, "/") || path.Clean(key) != key {
		return fmt.Errorf("invalid archive key: %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || strings.HasPrefix(part, ".tmp-") {
			return fmt.Errorf("invalid archive key: %q", key)
		}
	}
	return nil
}
