// Package identity computes the comparison key used to decide whether two
// files correspond. Depending on the configured mode the key is the base name,
// the parent-dir-qualified name, or a SHA-256 digest of the content.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dverbeek/dirsync/pkg/pool"
)

// Mode selects the identity strategy.
type Mode int

const (
	// FileName compares files by base name only.
	FileName Mode = iota
	// FileNameAndParent compares by parent directory name joined with the base
	// name. Disambiguates same-named files in different folders without
	// reading content.
	FileNameAndParent
	// ContentHash compares by SHA-256 digest of the file content.
	ContentHash
)

// String returns the mode name as used in configuration files.
func (m Mode) String() string {
	switch m {
	case FileName:
		return "filename"
	case FileNameAndParent:
		return "filename_and_parent"
	case ContentHash:
		return "content_hash"
	default:
		return fmt.Sprintf("identity.Mode(%d)", int(m))
	}
}

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "filename":
		return FileName, nil
	case "filename_and_parent":
		return FileNameAndParent, nil
	case "content_hash", "sha256":
		return ContentHash, nil
	default:
		return 0, fmt.Errorf("unknown hash mode %q", s)
	}
}

// hashChunkSize is the read size for streaming content hashes.
const hashChunkSize = 64 * 1024

// hashBufferPool is shared across caches; buffers are only held for the
// duration of a single HashFile call.
var hashBufferPool = pool.NewFixedBuffer(hashChunkSize)

// Cache computes and memoizes identities for the lifetime of one sync run.
// It is owned by a single mapping run and is not safe for concurrent use.
type Cache struct {
	mode    Mode
	entries map[string]string
}

// NewCache creates an empty identity cache for the given mode.
func NewCache(mode Mode) *Cache {
	return &Cache{
		mode:    mode,
		entries: make(map[string]string),
	}
}

// Mode returns the cache's identity mode.
func (c *Cache) Mode() Mode { return c.mode }

// Identity returns the comparison key for path, computing and caching it on
// first use. For ContentHash an unreadable file is an error; it is never
// silently skipped.
func (c *Cache) Identity(path string) (string, error) {
	if id, ok := c.entries[path]; ok {
		return id, nil
	}

	var id string
	switch c.mode {
	case FileName:
		id = filepath.Base(path)
	case FileNameAndParent:
		parent := filepath.Base(filepath.Dir(path))
		id = parent + "/" + filepath.Base(path)
	case ContentHash:
		digest, err := HashFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to hash %s: %w", path, err)
		}
		id = digest
	default:
		return "", fmt.Errorf("unknown identity mode %d", c.mode)
	}

	c.entries[path] = id
	return id, nil
}

// Prime seeds the cache with a previously computed identity, typically loaded
// from a snapshot store so unchanged files are not rehashed.
func (c *Cache) Prime(path, id string) {
	c.entries[path] = id
}

// Match reports whether two files correspond under the cache's mode.
// Both files must exist; under ContentHash a size mismatch short-circuits
// before any content is read.
func (c *Cache) Match(pathA, pathB string) (bool, error) {
	infoA, err := os.Stat(pathA)
	if err != nil {
		return false, err
	}
	infoB, err := os.Stat(pathB)
	if err != nil {
		return false, err
	}
	if c.mode == ContentHash && infoA.Size() != infoB.Size() {
		return false, nil
	}

	idA, err := c.Identity(pathA)
	if err != nil {
		return false, err
	}
	idB, err := c.Identity(pathB)
	if err != nil {
		return false, err
	}
	return idA == idB, nil
}

// Clear discards all cached identities.
func (c *Cache) Clear() {
	c.entries = make(map[string]string)
}

// HashFile streams the file through SHA-256 in fixed-size chunks and returns
// the hex digest.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	bufPtr := hashBufferPool.Get()
	defer hashBufferPool.Put(bufPtr)

	h := sha256.New()
	if _, err := io.CopyBuffer(h, f, *bufPtr); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
