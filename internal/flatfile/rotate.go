package flatfile

import (
	"fmt"
	"io"
	"os"

	"msgstore/internal/msg"
)

// Snapshots is the number of previous versions kept next to a collection file.
const Snapshots = 5

// SnapshotPath returns the path of the i-th previous version of path.
// PREV0 is the most recent.
func SnapshotPath(path string, i int) string {
	return fmt.Sprintf("%s.PREV%d", path, i)
}

// RotateSnapshots shifts PREV0..PREV3 up by one and copies the current file
// to PREV0. Missing sources are skipped. Copy errors are logged and do not
// stop the rotation.
func RotateSnapshots(path string, logger msg.Logger) {
	for i := Snapshots - 1; i >= 1; i-- {
		src := SnapshotPath(path, i-1)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := copyFile(src, SnapshotPath(path, i)); err != nil {
			logger.Warn("snapshot rotation failed", "src", src, "error", err)
		}
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := copyFile(path, SnapshotPath(path, 0)); err != nil {
		logger.Warn("snapshot rotation failed", "src", path, "error", err)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
