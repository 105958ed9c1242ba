// Package preflight provides validation checks that run before a sync or
// snapshot operation begins. The checks are stateless except for the
// writability probe, which creates and removes a temporary file.
package preflight

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dverbeek/dirsync/pkg/util"
)

// CheckSourceAccessible validates that the source path exists and is a directory.
func CheckSourceAccessible(srcPath string) error {
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("source directory %s does not exist", srcPath)
		}
		return fmt.Errorf("cannot stat source directory %s: %w", srcPath, err)
	}

	if !srcInfo.IsDir() {
		return fmt.Errorf("source path %s is not a directory", srcPath)
	}

	return nil
}

// CheckTargetAccessible ensures the target path is usable: if it exists it must
// be a directory, and if it does not exist its parent must be accessible so a
// later MkdirAll can succeed.
func CheckTargetAccessible(targetPath string) error {
	info, err := os.Stat(targetPath)
	if os.IsNotExist(err) {
		parentDir := filepath.Dir(targetPath)
		if _, err := os.Stat(parentDir); os.IsNotExist(err) {
			return fmt.Errorf("target path and its parent directory do not exist: %s", parentDir)
		} else if err != nil {
			return fmt.Errorf("cannot access parent directory %s: %w", parentDir, err)
		}
		return nil
	} else if err != nil {
		return fmt.Errorf("cannot access target path: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("target path exists but is not a directory: %s", targetPath)
	}

	return nil
}

// CheckTargetWritable ensures the target directory can be created and is
// writable by performing filesystem modifications.
func CheckTargetWritable(targetPath string) error {
	if err := os.MkdirAll(targetPath, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create target directory %s: %w", targetPath, err)
	}

	// A thorough write check: create and delete a temporary file.
	tempFile := filepath.Join(targetPath, ".dirsync-writetest.tmp")
	f, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("target directory %s is not writable: %w", targetPath, err)
	}
	f.Close()
	_ = os.Remove(tempFile)
	return nil
}

// CheckNotNested rejects source/target pairs where one directory contains the
// other. A nested pair would make the engine copy files into their own source
// tree, or remove files it is reading from.
func CheckNotNested(srcPath, targetPath string) error {
	absSrc, err := filepath.Abs(srcPath)
	if err != nil {
		return fmt.Errorf("cannot resolve source path %s: %w", srcPath, err)
	}
	absTarget, err := filepath.Abs(targetPath)
	if err != nil {
		return fmt.Errorf("cannot resolve target path %s: %w", targetPath, err)
	}

	if absSrc == absTarget {
		return fmt.Errorf("source and target are the same directory: %s", absSrc)
	}
	if util.IsSubpath(absSrc, absTarget) {
		return fmt.Errorf("target directory %s is inside source directory %s", absTarget, absSrc)
	}
	if util.IsSubpath(absTarget, absSrc) {
		return fmt.Errorf("source directory %s is inside target directory %s", absSrc, absTarget)
	}
	return nil
}

// CheckFreeSpace verifies that the filesystem holding path has at least
// requiredBytes available. Returns nil when requiredBytes is zero.
func CheckFreeSpace(path string, requiredBytes uint64) error {
	if requiredBytes == 0 {
		return nil
	}

	free, err := freeSpace(path)
	if err != nil {
		return fmt.Errorf("cannot determine free space for %s: %w", path, err)
	}
	if free < requiredBytes {
		return fmt.Errorf("insufficient free space on %s: %d bytes available, %d required",
			path, free, requiredBytes)
	}
	return nil
}
