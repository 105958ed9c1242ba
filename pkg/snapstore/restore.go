package snapstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/pgzip"

	"github.com/dverbeek/dirsync/pkg/plog"
	"github.com/dverbeek/dirsync/pkg/progress"
	"github.com/dverbeek/dirsync/pkg/util"
)

// ErrNoSnapshot is returned when no rotated snapshot matches the selector.
var ErrNoSnapshot = errors.New("no matching snapshot found")

// Selector picks the snapshot to restore. Exactly one of MostRecent, Nearest,
// Description or Path should be set; Files optionally narrows the restore to a
// subset of tracked paths.
type Selector struct {
	// MostRecent restores the newest snapshot.
	MostRecent bool
	// Nearest restores the snapshot whose creation time is closest to this.
	Nearest time.Time
	// Description restores the newest snapshot whose description contains
	// this substring (case-insensitive).
	Description string
	// Path restores an explicit snapshot file.
	Path string
	// Files limits the restore to these relative paths: only their entries
	// are replaced in the live index, everything else currently tracked is
	// preserved.
	Files []string
}

// Restore replaces the live index (or a subset of it) with the contents of a
// rotated snapshot. Before anything is mutated the candidate's checksum and
// format version are verified, and the current store is itself rotated as a
// safety net.
func (s *Store) Restore(ctx context.Context, sel Selector) error {
	if err := s.Acquire(ctx); err != nil {
		return err
	}
	defer s.Release()

	s.state = Restoring
	defer func() { s.state = Loaded }()

	candidate, err := s.selectSnapshot(sel)
	if err != nil {
		return err
	}
	plog.Info("Restoring snapshot", "path", candidate.Path, "createdAt", candidate.Meta.CreatedAt)

	// Gate on integrity and compatibility before touching live state.
	if err := verifySnapshotChecksum(candidate.Path, candidate.Meta); err != nil {
		return err
	}
	if candidate.Meta.StoreVersion > FormatVersion {
		return fmt.Errorf("%w: snapshot version %d, supported %d",
			ErrVersionIncompatible, candidate.Meta.StoreVersion, FormatVersion)
	}

	idx, err := readSnapshotIndex(candidate.Path, candidate.Meta)
	if err != nil {
		return err
	}

	// Safety net: the state being overwritten becomes a snapshot too.
	if _, err := os.Stat(s.path); err == nil {
		tracker := progress.NewTracker(s.opts.Progress)
		if _, err := createSnapshot(ctx, s.path, s.rotationDir, "pre-restore safety net", s.liveCount, s.opts, tracker); err != nil {
			return fmt.Errorf("failed to snapshot current store before restore: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat store file: %w", err)
	}

	if len(sel.Files) > 0 {
		// Partial restore: listed paths take the snapshot's state, whether
		// that means replacing the entry or dropping one the snapshot does
		// not know about. Everything else is preserved.
		for _, f := range sel.Files {
			key := util.RelPathKey(f)
			if e, ok := idx.entries[key]; ok {
				s.entries[key] = e
			} else {
				delete(s.entries, key)
			}
		}
	} else {
		s.entries = idx.entries
	}

	s.lastUpdate = idx.lastUpdate
	if err := s.writeLive(); err != nil {
		return err
	}
	s.liveCount = len(s.entries)

	pruneSnapshots(s.rotationDir, s.opts.MaxSnapshots)
	return nil
}

func (s *Store) selectSnapshot(sel Selector) (SnapshotInfo, error) {
	if sel.Path != "" {
		meta, err := readMetadata(sel.Path)
		if err != nil {
			return SnapshotInfo{}, fmt.Errorf("failed to read metadata for %s: %w", sel.Path, err)
		}
		return SnapshotInfo{Path: sel.Path, Meta: meta}, nil
	}

	infos, err := s.List()
	if err != nil {
		return SnapshotInfo{}, err
	}
	if len(infos) == 0 {
		return SnapshotInfo{}, ErrNoSnapshot
	}

	switch {
	case sel.MostRecent:
		return infos[0], nil
	case !sel.Nearest.IsZero():
		best := infos[0]
		bestDelta := absDuration(infos[0].Meta.CreatedAt.Sub(sel.Nearest))
		for _, info := range infos[1:] {
			if d := absDuration(info.Meta.CreatedAt.Sub(sel.Nearest)); d < bestDelta {
				best, bestDelta = info, d
			}
		}
		return best, nil
	case sel.Description != "":
		for _, info := range infos {
			if containsFold(info.Meta.Description, sel.Description) {
				return info, nil
			}
		}
		return SnapshotInfo{}, fmt.Errorf("%w: no description matching %q", ErrNoSnapshot, sel.Description)
	default:
		return SnapshotInfo{}, errors.New("empty snapshot selector")
	}
}

// readSnapshotIndex decodes a rotated snapshot file, decompressing the gzip
// layer when present.
func readSnapshotIndex(path string, meta Metadata) (index, error) {
	f, err := os.Open(path)
	if err != nil {
		return index{}, fmt.Errorf("failed to open snapshot %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if meta.Compressed || strings.HasSuffix(filepath.Base(path), snapshotGzSuffix) {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return index{}, fmt.Errorf("failed to decompress snapshot %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	idx, err := decodeIndex(r)
	if err != nil {
		return index{}, fmt.Errorf("failed to decode snapshot %s: %w", path, err)
	}
	return idx, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
