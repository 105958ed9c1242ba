package fileops

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dverbeek/dirsync/pkg/plog"
	"github.com/dverbeek/dirsync/pkg/util"
)

// TrashDirName is the per-tree soft-delete directory. Files removed by the
// engine are moved here instead of being deleted outright, so a bad run can
// be recovered by hand.
const TrashDirName = ".dirsync-trash"

// Trash soft-deletes path by moving it into the trash directory under root,
// bucketed by run timestamp. If the move fails (cross-device, permissions),
// it falls back to a permanent delete and logs the downgrade.
func Trash(root, path string) error {
	rel, err := filepath.Rel(root, path)
	if err != nil || filepath.IsAbs(rel) {
		// Not inside root; no sensible trash location. Delete permanently.
		rel = filepath.Base(path)
	}

	bucket := time.Now().Format("20060102_150405")
	trashPath := filepath.Join(root, TrashDirName, bucket, rel)
	if err := os.MkdirAll(filepath.Dir(trashPath), util.UserWritableDirPerms); err == nil {
		if err := os.Rename(path, trashPath); err == nil {
			return nil
		}
	}

	plog.Warn("Soft delete unavailable, deleting permanently", "path", path)
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}
