// Package fileops provides the atomic single-file operations the sync engine
// is built on: copy and move via temp-file-plus-atomic-rename, optional
// post-copy content verification, and timestamp preservation.
package fileops

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dverbeek/dirsync/pkg/identity"
	"github.com/dverbeek/dirsync/pkg/plog"
	"github.com/dverbeek/dirsync/pkg/pool"
	"github.com/dverbeek/dirsync/pkg/util"
)

// tempPattern is the name pattern for in-flight copies. The '~' prefix marks
// them as temporary so leftover files are easy to spot.
const tempPattern = ".~dirsync-*.tmp"

// Copier performs atomic file operations. The zero value is not usable;
// construct with NewCopier.
type Copier struct {
	verify       bool
	ioBufferPool *pool.FixedBufferPool
	times        TimesSetter
}

// NewCopier creates a Copier. When verify is true, every copy re-hashes the
// written temp file against the source before the final rename.
func NewCopier(verify bool, bufferSizeKB int) *Copier {
	if bufferSizeKB <= 0 {
		bufferSizeKB = 256
	}
	return &Copier{
		verify:       verify,
		ioBufferPool: pool.NewFixedBuffer(int64(bufferSizeKB) * 1024),
		times:        platformTimesSetter{},
	}
}

// SetTimesSetter overrides the timestamp capability, primarily for testing.
func (c *Copier) SetTimesSetter(ts TimesSetter) {
	c.times = ts
}

// AtomicCopy copies src to dst. The destination's parent directories are
// created if absent; content is written to a temp file in dst's directory and
// atomically renamed into place, so dst is never left partially written. On
// any failure the temp file is removed and the original error returned.
func (c *Copier) AtomicCopy(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	srcInfo, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat source file %s: %w", src, err)
	}
	if !srcInfo.Mode().IsRegular() {
		return fmt.Errorf("source %s is not a regular file", src)
	}

	dstDir := filepath.Dir(dst)
	if err := os.MkdirAll(dstDir, util.WithUserWritePermission(util.UserWritableDirPerms)); err != nil {
		return fmt.Errorf("failed to create destination directory %s: %w", dstDir, err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file %s: %w", src, err)
	}
	defer in.Close()

	// Temp file must live in the SAME directory as dst: os.Rename is only
	// atomic within one filesystem.
	out, err := os.CreateTemp(dstDir, tempPattern)
	if err != nil {
		return fmt.Errorf("failed to create temporary file in %s: %w", dstDir, err)
	}
	tempPath := out.Name()
	// If the rename succeeds, tempPath is set to "" making this a no-op.
	defer func() {
		if tempPath != "" {
			os.Remove(tempPath)
		}
	}()

	bufPtr := c.ioBufferPool.Get()
	defer c.ioBufferPool.Put(bufPtr)

	if _, err := io.CopyBuffer(out, in, *bufPtr); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy content from %s to %s: %w", src, tempPath, err)
	}

	if err := out.Chmod(srcInfo.Mode().Perm()); err != nil {
		out.Close()
		return fmt.Errorf("failed to set permissions on temporary file %s: %w", tempPath, err)
	}

	// Sync ensures data reaches the disk (or at least the OS cache) before the
	// rename commits the file.
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("failed to sync temporary file %s: %w", tempPath, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file %s: %w", tempPath, err)
	}

	if c.verify {
		srcHash, err := identity.HashFile(src)
		if err != nil {
			return fmt.Errorf("failed to hash source for verification %s: %w", src, err)
		}
		tmpHash, err := identity.HashFile(tempPath)
		if err != nil {
			return fmt.Errorf("failed to hash copy for verification %s: %w", tempPath, err)
		}
		if srcHash != tmpHash {
			return fmt.Errorf("verification failed: copy of %s does not match source", src)
		}
	}

	// Timestamps are applied to the temp file after close; closing may itself
	// touch the modification time.
	if err := c.times.SetTimes(tempPath, srcInfo); err != nil {
		// Timestamp preservation is best-effort. The copy itself is good.
		plog.Warn("Failed to preserve timestamps", "path", tempPath, "error", err)
	}

	if err := os.Rename(tempPath, dst); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", tempPath, dst, err)
	}
	tempPath = ""
	return nil
}

// AtomicMove copies src to dst and then removes src. If the source removal
// fails, the just-written dst is removed again so the operation is
// all-or-nothing.
func (c *Copier) AtomicMove(ctx context.Context, src, dst string) error {
	if err := c.AtomicCopy(ctx, src, dst); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		// Roll the destination back so we never end up with both halves of a
		// move claiming to be authoritative.
		if rbErr := os.Remove(dst); rbErr != nil {
			plog.Warn("Failed to roll back destination after move failure", "path", dst, "error", rbErr)
		}
		return fmt.Errorf("failed to remove source file after copy %s: %w", src, err)
	}
	return nil
}

// Rename moves a file within the target tree via os.Rename, creating the
// destination's parent directories first. Used for relocate-in-place, where
// identical content already exists at a different target path.
func (c *Copier) Rename(src, dst string) error {
	dstDir := filepath.Dir(dst)
	if err := os.MkdirAll(dstDir, util.WithUserWritePermission(util.UserWritableDirPerms)); err != nil {
		return fmt.Errorf("failed to create destination directory %s: %w", dstDir, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to relocate %s to %s: %w", src, dst, err)
	}
	return nil
}
