package snapstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/pgzip"

	"github.com/dverbeek/dirsync/pkg/plog"
	"github.com/dverbeek/dirsync/pkg/preflight"
	"github.com/dverbeek/dirsync/pkg/progress"
	"github.com/dverbeek/dirsync/pkg/util"
)

const (
	// SnapshotDirName is the rotation directory, a sibling of the live store
	// file inside the tracked directory.
	SnapshotDirName = ".dirsync.snapshots"

	snapshotPrefix     = "index-"
	snapshotSuffix     = ".snap"
	snapshotGzSuffix   = ".snap.gz"
	partialSuffix      = ".partial"
	snapshotTimeLayout = "20060102-150405.000000000"

	// writeChunkSize is the unit of resumable progress. A chunk is atomic:
	// cancellation and resume happen only at chunk boundaries.
	writeChunkSize = 8 * 1024
)

// ErrInsufficientDiskSpace is returned when the snapshot directory's
// filesystem does not have the configured minimum free space.
var ErrInsufficientDiskSpace = errors.New("insufficient disk space for snapshot")

// ErrBackupTooLarge is returned when the live store file exceeds the
// configured maximum snapshot size.
var ErrBackupTooLarge = errors.New("store file exceeds maximum snapshot size")

// ErrChecksumMismatch is returned when a snapshot's on-disk bytes do not match
// its recorded checksum.
var ErrChecksumMismatch = errors.New("snapshot checksum mismatch")

// snapshotFileName builds the rotation file name for a creation timestamp.
func snapshotFileName(createdAt time.Time, compressed bool) string {
	name := snapshotPrefix + createdAt.UTC().Format(snapshotTimeLayout)
	if compressed {
		return name + snapshotGzSuffix
	}
	return name + snapshotSuffix
}

func isSnapshotFileName(name string) bool {
	return strings.HasPrefix(name, snapshotPrefix) &&
		(strings.HasSuffix(name, snapshotSuffix) || strings.HasSuffix(name, snapshotGzSuffix))
}

// createSnapshot copies the live store file at storePath into the rotation
// directory as a checksummed, optionally compressed snapshot. The copy is
// resumable: interruption leaves a partial temp file and partial=true
// metadata, and a later call continues from the recorded byte offset.
//
// bytesWritten in the metadata counts SOURCE bytes consumed at chunk
// boundaries; for compressed snapshots each resume session appends a fresh
// gzip member, which concatenates into a single valid stream.
func createSnapshot(ctx context.Context, storePath, rotationDir, description string, fileCount int, opts Options, tracker *progress.Tracker) (string, error) {
	srcInfo, err := os.Stat(storePath)
	if err != nil {
		return "", fmt.Errorf("failed to stat store file: %w", err)
	}

	if err := os.MkdirAll(rotationDir, util.UserWritableDirPerms); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	if opts.MaxSnapshotSizeMB > 0 && srcInfo.Size() > opts.MaxSnapshotSizeMB*1024*1024 {
		return "", fmt.Errorf("%w: %d bytes, limit %d MB", ErrBackupTooLarge, srcInfo.Size(), opts.MaxSnapshotSizeMB)
	}
	if opts.MinFreeSpaceMB > 0 {
		required := uint64(opts.MinFreeSpaceMB)*1024*1024 + uint64(srcInfo.Size())
		if err := preflight.CheckFreeSpace(rotationDir, required); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInsufficientDiskSpace, err)
		}
	}

	// A previous interrupted attempt leaves exactly one partial temp file.
	finalPath, meta, resumeOffset := findResumable(rotationDir, opts.Compress)
	if finalPath == "" {
		meta = Metadata{
			CreatedAt:    time.Now().UTC(),
			Description:  description,
			FileCount:    fileCount,
			Compressed:   opts.Compress,
			Partial:      true,
			StoreVersion: FormatVersion,
		}
		finalPath = filepath.Join(rotationDir, snapshotFileName(meta.CreatedAt, opts.Compress))
	} else {
		plog.Info("Resuming interrupted snapshot", "path", finalPath, "offset", resumeOffset)
		meta.Description = description
	}
	tempPath := finalPath + partialSuffix

	if err := copyResumable(ctx, storePath, tempPath, finalPath, srcInfo.Size(), resumeOffset, &meta, opts.Compress, tracker); err != nil {
		return "", err
	}

	checksum, err := hashSnapshotFile(tempPath)
	if err != nil {
		return "", fmt.Errorf("failed to checksum snapshot: %w", err)
	}
	meta.Checksum = checksum
	meta.Partial = false

	if err := os.Rename(tempPath, finalPath); err != nil {
		return "", fmt.Errorf("failed to rename snapshot into place: %w", err)
	}
	if err := writeMetadata(finalPath, meta); err != nil {
		return "", err
	}
	return finalPath, nil
}

// findResumable looks for a partial temp file with matching partial metadata.
// Returns the final snapshot path, its metadata and the source byte offset to
// resume from, or "" when there is nothing to resume.
func findResumable(rotationDir string, compress bool) (string, Metadata, int64) {
	entries, err := os.ReadDir(rotationDir)
	if err != nil {
		return "", Metadata{}, 0
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), partialSuffix) {
			continue
		}
		finalPath := filepath.Join(rotationDir, strings.TrimSuffix(e.Name(), partialSuffix))
		meta, err := readMetadata(finalPath)
		if err != nil || !meta.Partial || meta.BytesWritten <= 0 || meta.Compressed != compress {
			// Unusable leftovers are discarded, the copy restarts clean.
			os.Remove(filepath.Join(rotationDir, e.Name()))
			continue
		}
		return finalPath, meta, meta.BytesWritten
	}
	return "", Metadata{}, 0
}

// copyResumable streams the store file into tempPath in fixed chunks, updating
// partial metadata and the progress tracker after every chunk. ctx is polled
// between chunks; cancellation leaves the partial state intact for resume.
func copyResumable(ctx context.Context, srcPath, tempPath, finalPath string, totalSize, offset int64, meta *Metadata, compress bool, tracker *progress.Tracker) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open store file: %w", err)
	}
	defer src.Close()

	if offset > totalSize {
		// Store file shrank since the interrupted attempt; restart.
		offset = 0
	}
	if offset > 0 {
		if _, err := src.Seek(offset, io.SeekStart); err != nil {
			return fmt.Errorf("failed to seek to resume offset: %w", err)
		}
	} else {
		os.Remove(tempPath)
	}

	out, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, util.UserWritableFilePerms)
	if err != nil {
		return fmt.Errorf("failed to open snapshot temp file: %w", err)
	}
	defer out.Close()

	if offset > 0 && !compress {
		// A crash between a chunk write and its metadata update leaves the
		// temp file longer than the recorded offset; drop the tail so the
		// chunk is not duplicated on resume.
		if err := out.Truncate(offset); err != nil {
			return fmt.Errorf("failed to trim partial snapshot: %w", err)
		}
	}

	var dst io.Writer = out
	var gz *pgzip.Writer
	if compress {
		gz = pgzip.NewWriter(out)
		dst = gz
	}

	tracker.Start(totalSize, fmt.Sprintf("Writing snapshot %s", filepath.Base(finalPath)))
	if offset > 0 {
		tracker.Update(offset, "resumed")
	}

	buf := make([]byte, writeChunkSize)
	written := offset
	for written < totalSize {
		select {
		case <-ctx.Done():
			// Flush the compressor so the bytes of every completed chunk are
			// durable, then leave the partial metadata for a later resume.
			if gz != nil {
				gz.Close()
			}
			out.Sync()
			return ctx.Err()
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return fmt.Errorf("failed to write snapshot chunk: %w", err)
			}
			written += int64(n)
			meta.BytesWritten = written
			if err := writeMetadata(finalPath, *meta); err != nil {
				return err
			}
			tracker.Update(written, "")
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("failed to read store file: %w", readErr)
		}
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to finalize compressed snapshot: %w", err)
		}
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	tracker.Finish("snapshot written")
	return nil
}

func hashSnapshotFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// verifySnapshotChecksum compares the snapshot's on-disk bytes against its
// recorded checksum. Snapshots whose metadata carries no checksum (partial or
// pre-upgrade) are never trusted.
func verifySnapshotChecksum(snapshotPath string, meta Metadata) error {
	if meta.Checksum == "" {
		return fmt.Errorf("%w: no recorded checksum for %s", ErrChecksumMismatch, snapshotPath)
	}
	actual, err := hashSnapshotFile(snapshotPath)
	if err != nil {
		return fmt.Errorf("failed to hash snapshot %s: %w", snapshotPath, err)
	}
	if actual != meta.Checksum {
		return fmt.Errorf("%w: %s (recorded %s, actual %s)", ErrChecksumMismatch, snapshotPath, meta.Checksum, actual)
	}
	return nil
}

// pruneSnapshots removes the oldest rotation entries beyond the retention
// count, including their metadata files. Removal failures are logged, not
// fatal.
func pruneSnapshots(rotationDir string, maxSnapshots int) {
	if maxSnapshots <= 0 {
		return
	}
	infos, err := listSnapshots(rotationDir)
	if err != nil {
		plog.Warn("Failed to list snapshots for pruning", "dir", rotationDir, "error", err)
		return
	}
	if len(infos) <= maxSnapshots {
		return
	}

	// listSnapshots returns newest first.
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Meta.CreatedAt.After(infos[j].Meta.CreatedAt)
	})
	for _, victim := range infos[maxSnapshots:] {
		plog.Info("Pruning old snapshot", "path", victim.Path)
		primary, backup := metaPaths(victim.Path)
		for _, p := range []string{victim.Path, primary, backup} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				plog.Warn("Failed to remove pruned snapshot file", "path", p, "error", err)
			}
		}
	}
}
