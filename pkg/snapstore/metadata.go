package snapstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dverbeek/dirsync/pkg/plog"
	"github.com/dverbeek/dirsync/pkg/util"
)

const (
	metaSuffix       = ".meta.json"
	metaBackupSuffix = ".meta.backup.json"
)

// Metadata describes one rotated snapshot. It is persisted twice (primary and
// backup copy) so corruption of one file is recoverable from the other.
type Metadata struct {
	CreatedAt    time.Time `json:"createdAt"`
	Description  string    `json:"description,omitempty"`
	FileCount    int       `json:"fileCount"`
	Checksum     string    `json:"checksum,omitempty"` // SHA-256 of the snapshot file bytes
	Compressed   bool      `json:"compressed"`
	Partial      bool      `json:"partial"`
	BytesWritten int64     `json:"bytesWritten"`
	StoreVersion uint16    `json:"storeVersion"`
}

// metaPaths returns the primary and backup metadata paths for a snapshot file.
func metaPaths(snapshotPath string) (primary, backup string) {
	return snapshotPath + metaSuffix, snapshotPath + metaBackupSuffix
}

// writeMetadata persists meta atomically to both the primary and backup
// locations. A failure to write the backup copy is logged, not fatal: the
// primary is authoritative.
func writeMetadata(snapshotPath string, meta Metadata) error {
	primary, backup := metaPaths(snapshotPath)
	if err := writeMetadataFile(primary, meta); err != nil {
		return err
	}
	if err := writeMetadataFile(backup, meta); err != nil {
		plog.Warn("Failed to write backup metadata copy", "path", backup, "error", err)
	}
	return nil
}

func writeMetadataFile(path string, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot metadata: %w", err)
	}

	dir := filepath.Dir(path)
	tmpF, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp metadata file: %w", err)
	}
	tmpPath := tmpF.Name()
	defer func() {
		if tmpPath != "" {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpF.Write(data); err != nil {
		tmpF.Close()
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := tmpF.Chmod(util.UserWritableFilePerms); err != nil {
		plog.Debug("Failed to set metadata permissions", "path", tmpPath, "error", err)
	}
	if err := tmpF.Sync(); err != nil {
		tmpF.Close()
		return fmt.Errorf("failed to sync metadata: %w", err)
	}
	if err := tmpF.Close(); err != nil {
		return fmt.Errorf("failed to close metadata file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename metadata into place: %w", err)
	}
	tmpPath = ""
	return nil
}

// readMetadata loads a snapshot's metadata, falling back to the backup copy
// when the primary is missing or corrupt. A successful fallback repairs the
// primary.
func readMetadata(snapshotPath string) (Metadata, error) {
	primary, backup := metaPaths(snapshotPath)

	meta, primaryErr := readMetadataFile(primary)
	if primaryErr == nil {
		return meta, nil
	}

	meta, backupErr := readMetadataFile(backup)
	if backupErr != nil {
		return Metadata{}, fmt.Errorf("metadata unreadable (primary: %v, backup: %v)", primaryErr, backupErr)
	}

	plog.Warn("Primary metadata unreadable, recovered from backup copy", "path", primary, "error", primaryErr)
	if err := writeMetadataFile(primary, meta); err != nil {
		plog.Warn("Failed to repair primary metadata", "path", primary, "error", err)
	}
	return meta, nil
}

func readMetadataFile(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("invalid metadata in %s: %w", path, err)
	}
	return meta, nil
}
