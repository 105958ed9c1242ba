// Package snapstore persists a directory's last-known file identity index so
// repeated sync runs do not rehash unchanged files. The live store is a single
// binary file inside the tracked directory, guarded by a lock file; prior
// versions rotate into a sibling snapshot directory as checksummed, optionally
// compressed, resumable copies with recoverable metadata.
package snapstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dverbeek/dirsync/pkg/lockfile"
	"github.com/dverbeek/dirsync/pkg/plog"
	"github.com/dverbeek/dirsync/pkg/progress"
	"github.com/dverbeek/dirsync/pkg/util"
)

// StoreFileName is the live store file inside the tracked directory.
const StoreFileName = ".dirsync.index"

// State tracks where a store instance is in its lifecycle.
type State int

const (
	Uninitialized State = iota
	Loaded
	Saving
	Restoring
)

// Options configures a store's snapshot behavior. Zero values select the
// defaults below.
type Options struct {
	// MaxSnapshots is the rotation retention count.
	MaxSnapshots int
	// MinFreeSpaceMB rejects snapshot writes when the target filesystem has
	// less than this much headroom beyond the snapshot itself.
	MinFreeSpaceMB int64
	// MaxSnapshotSizeMB rejects snapshotting store files larger than this.
	MaxSnapshotSizeMB int64
	// Compress gzip-compresses rotated snapshots and zstd-compresses the live
	// store payload.
	Compress bool
	// LockTimeout bounds how long Save and Restore wait for another process to
	// release the store lock.
	LockTimeout time.Duration
	// Progress receives chunk-level updates during snapshot writes.
	Progress progress.Func
}

const (
	defaultMaxSnapshots  = 5
	defaultMinFreeMB     = 100
	defaultMaxSnapshotMB = 1000
	defaultLockTimeout   = 10 * time.Second
	defaultAppID         = "dirsync"
)

func (o Options) withDefaults() Options {
	if o.MaxSnapshots == 0 {
		o.MaxSnapshots = defaultMaxSnapshots
	}
	if o.MinFreeSpaceMB == 0 {
		o.MinFreeSpaceMB = defaultMinFreeMB
	}
	if o.MaxSnapshotSizeMB == 0 {
		o.MaxSnapshotSizeMB = defaultMaxSnapshotMB
	}
	if o.LockTimeout == 0 {
		o.LockTimeout = defaultLockTimeout
	}
	return o
}

// Store is the persistent identity index for one tracked directory.
// A Store is not safe for concurrent use by multiple goroutines; cross-process
// access is serialized by the lock file during Save and Restore.
type Store struct {
	dir         string // tracked directory
	path        string // live store file
	rotationDir string
	opts        Options
	state       State
	lastUpdate  time.Time
	entries     map[string]Entry // keyed by slash-separated relative path
	liveCount   int              // entry count of the on-disk live file
	lock        *lockfile.Lock
}

// Open loads (or initializes) the store for dir. A missing store file yields
// an empty, Loaded store; a corrupt one is an error so the caller can decide
// whether to restore a snapshot.
func Open(dir string, opts Options) (*Store, error) {
	s := &Store{
		dir:         dir,
		path:        filepath.Join(dir, StoreFileName),
		rotationDir: filepath.Join(dir, SnapshotDirName),
		opts:        opts.withDefaults(),
		entries:     make(map[string]Entry),
	}

	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		s.state = Loaded
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open store file %s: %w", s.path, err)
	}
	defer f.Close()

	idx, err := decodeIndex(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load store %s: %w", s.path, err)
	}
	s.entries = idx.entries
	s.lastUpdate = idx.lastUpdate
	s.liveCount = len(s.entries)
	s.state = Loaded
	return s, nil
}

// Dir returns the tracked directory.
func (s *Store) Dir() string { return s.dir }

// State returns the store's lifecycle state.
func (s *Store) State() State { return s.state }

// LastUpdate returns the timestamp recorded by the last save.
func (s *Store) LastUpdate() time.Time { return s.lastUpdate }

// Len returns the number of tracked files.
func (s *Store) Len() int { return len(s.entries) }

// Lookup returns the stored entry for a slash-separated relative path.
func (s *Store) Lookup(relPath string) (Entry, bool) {
	e, ok := s.entries[util.RelPathKey(relPath)]
	return e, ok
}

// Entries returns a copy of the tracked entry map.
func (s *Store) Entries() map[string]Entry {
	out := make(map[string]Entry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// Replace swaps the in-memory index for a freshly built one. The change is not
// durable until Save.
func (s *Store) Replace(entries map[string]Entry) {
	s.entries = make(map[string]Entry, len(entries))
	for k, v := range entries {
		s.entries[util.RelPathKey(k)] = v
	}
}

// Acquire takes the store's cross-process lock, waiting up to the configured
// timeout. Callers that mutate the store outside Save/Restore use this for
// scoped acquisition; Release is safe to call in a defer even after failures.
func (s *Store) Acquire(ctx context.Context) error {
	if s.lock != nil {
		return nil
	}
	lock, err := lockfile.Acquire(ctx, s.dir, defaultAppID, s.opts.LockTimeout)
	if err != nil {
		return err
	}
	s.lock = lock
	return nil
}

// Release drops the store lock if held.
func (s *Store) Release() {
	if s.lock != nil {
		s.lock.Release()
		s.lock = nil
	}
}

// Save persists the in-memory index: the existing store file (if any) rotates
// into the snapshot directory first, then the live file is atomically
// replaced and old snapshots are pruned. The whole operation holds the store
// lock; a holder that does not release within the timeout surfaces as
// lockfile.ErrLockTimeout.
func (s *Store) Save(ctx context.Context, description string) error {
	if err := s.Acquire(ctx); err != nil {
		return err
	}
	defer s.Release()

	s.state = Saving
	defer func() { s.state = Loaded }()

	tracker := progress.NewTracker(s.opts.Progress)

	// Rotate the previous version before overwriting it.
	if _, err := os.Stat(s.path); err == nil {
		snapPath, err := createSnapshot(ctx, s.path, s.rotationDir, description, s.liveCount, s.opts, tracker)
		if err != nil {
			return fmt.Errorf("failed to snapshot previous store: %w", err)
		}
		plog.Debug("Rotated previous store", "snapshot", snapPath)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat store file: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	s.lastUpdate = time.Now().UTC()
	if err := s.writeLive(); err != nil {
		return err
	}
	s.liveCount = len(s.entries)

	pruneSnapshots(s.rotationDir, s.opts.MaxSnapshots)
	return nil
}

// writeLive atomically replaces the live store file with the in-memory index.
func (s *Store) writeLive() error {
	tmpF, err := os.CreateTemp(s.dir, StoreFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp store file: %w", err)
	}
	tmpPath := tmpF.Name()
	defer func() {
		if tmpPath != "" {
			os.Remove(tmpPath)
		}
	}()

	idx := index{lastUpdate: s.lastUpdate, entries: s.entries}
	if err := encodeIndex(tmpF, idx, s.opts.Compress); err != nil {
		tmpF.Close()
		return err
	}
	if err := tmpF.Chmod(util.UserWritableFilePerms); err != nil {
		plog.Debug("Failed to set store permissions", "path", tmpPath, "error", err)
	}
	if err := tmpF.Sync(); err != nil {
		tmpF.Close()
		return fmt.Errorf("failed to sync store file: %w", err)
	}
	if err := tmpF.Close(); err != nil {
		return fmt.Errorf("failed to close store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to rename store file into place: %w", err)
	}
	tmpPath = ""
	return nil
}

// SnapshotInfo pairs a rotation entry with its metadata.
type SnapshotInfo struct {
	Path string
	Meta Metadata
}

// List enumerates rotated snapshots, newest first. Partial temp files are
// excluded; entries with unreadable metadata are skipped with a warning.
func (s *Store) List() ([]SnapshotInfo, error) {
	return listSnapshots(s.rotationDir)
}

func listSnapshots(rotationDir string) ([]SnapshotInfo, error) {
	entries, err := os.ReadDir(rotationDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	var infos []SnapshotInfo
	for _, e := range entries {
		if e.IsDir() || !isSnapshotFileName(e.Name()) {
			continue
		}
		path := filepath.Join(rotationDir, e.Name())
		meta, err := readMetadata(path)
		if err != nil {
			plog.Warn("Skipping snapshot with unreadable metadata", "path", path, "error", err)
			continue
		}
		if meta.Partial {
			continue
		}
		infos = append(infos, SnapshotInfo{Path: path, Meta: meta})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Meta.CreatedAt.After(infos[j].Meta.CreatedAt)
	})
	return infos, nil
}

// FindCriteria filters snapshots in Find. Zero values are unset.
type FindCriteria struct {
	From                time.Time
	To                  time.Time
	DescriptionContains string
	MinFiles            int
	MaxFiles            int
}

// Find returns the snapshots matching every set criterion, newest first.
func (s *Store) Find(c FindCriteria) ([]SnapshotInfo, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []SnapshotInfo
	for _, info := range all {
		if !c.From.IsZero() && info.Meta.CreatedAt.Before(c.From) {
			continue
		}
		if !c.To.IsZero() && info.Meta.CreatedAt.After(c.To) {
			continue
		}
		if c.DescriptionContains != "" && !containsFold(info.Meta.Description, c.DescriptionContains) {
			continue
		}
		if c.MinFiles > 0 && info.Meta.FileCount < c.MinFiles {
			continue
		}
		if c.MaxFiles > 0 && info.Meta.FileCount > c.MaxFiles {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
