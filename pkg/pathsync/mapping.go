// Package pathsync implements the mapping-driven diff-and-transfer engine: it
// walks a source and a target tree, buckets files by identity, and issues
// atomic transfer, relocate and removal operations through a transaction so a
// run is recoverable from partial failure.
package pathsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dverbeek/dirsync/pkg/fileops"
	"github.com/dverbeek/dirsync/pkg/identity"
	"github.com/dverbeek/dirsync/pkg/plog"
	"github.com/dverbeek/dirsync/pkg/preflight"
	"github.com/dverbeek/dirsync/pkg/snapstore"
	"github.com/dverbeek/dirsync/pkg/transaction"
	"github.com/dverbeek/dirsync/pkg/util"
)

// ConfirmFunc gates mirror-mode removals. It receives a prompt and the list
// of paths queued for removal; returning false skips the removal phase as a
// deliberate no-op, not an error.
type ConfirmFunc func(prompt string, paths []string) bool

// Mapping is one configured source-to-target sync. Construct it from
// configuration, call Validate once, then Setup and Backup per run; the
// run-scoped state is discarded by Clean.
type Mapping struct {
	Name      string
	SourceDir string
	TargetDir string
	// FileTypes is an extension allow-list; empty allows all files.
	FileTypes []string
	Mode      Mode
	FileMode  FileMode
	HashMode  identity.Mode
	// ExcludeDirs are never walked, copied or removed.
	ExcludeDirs []string
	// ExcludeRemovalDirs may be copied but are never deleted.
	ExcludeRemovalDirs []string
	WillRun            bool
	// VerifyTransfers re-hashes every copy against its source before the
	// final rename.
	VerifyTransfers bool
	// SnapshotOptions configures the mapping's snapshot store.
	SnapshotOptions snapstore.Options

	confirm ConfirmFunc

	// run-scoped state, created by Setup and discarded by Clean
	cache           *identity.Cache
	copier          *fileops.Copier
	store           *snapstore.Store
	src             *treeIndex
	tgt             *treeIndex
	newEntries      map[string]snapstore.Entry
	removedSources  map[string]struct{}
	failures        []Failure
	modifiedTargets []string
	metrics         Metrics
	// staleRemovalRan is set when the mirror removal phase was confirmed and
	// executed; strict set-equality verification only applies then.
	staleRemovalRan bool
}

// Validate checks the mapping's configuration: both paths must be usable and
// neither directory may contain the other. Exclusion entries given as
// absolute paths are normalized to root-relative form.
func (m *Mapping) Validate() error {
	if m.SourceDir == "" || m.TargetDir == "" {
		return fmt.Errorf("mapping %s: source and target directories must be specified", m.Name)
	}

	src, err := util.ExpandPath(m.SourceDir)
	if err != nil {
		return fmt.Errorf("mapping %s: invalid source directory: %w", m.Name, err)
	}
	tgt, err := util.ExpandPath(m.TargetDir)
	if err != nil {
		return fmt.Errorf("mapping %s: invalid target directory: %w", m.Name, err)
	}
	m.SourceDir, m.TargetDir = src, tgt

	if err := preflight.CheckNotNested(m.SourceDir, m.TargetDir); err != nil {
		return fmt.Errorf("mapping %s: %w", m.Name, err)
	}

	m.ExcludeDirs = m.normalizeExcludes(m.ExcludeDirs)
	m.ExcludeRemovalDirs = m.normalizeExcludes(m.ExcludeRemovalDirs)
	return nil
}

func (m *Mapping) normalizeExcludes(entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if filepath.IsAbs(e) {
			switch {
			case util.IsSubpath(m.SourceDir, e):
				rel, _ := filepath.Rel(m.SourceDir, e)
				e = rel
			case util.IsSubpath(m.TargetDir, e):
				rel, _ := filepath.Rel(m.TargetDir, e)
				e = rel
			}
		}
		out = append(out, util.RelPathKey(e))
	}
	return out
}

// SetConfirmFunc installs the removal confirmation gate used by mirror modes.
// Without one, stale content is never removed.
func (m *Mapping) SetConfirmFunc(f ConfirmFunc) {
	m.confirm = f
}

// Failures returns the failures accumulated by the current run.
func (m *Mapping) Failures() []Failure { return m.failures }

// ModifiedTargetFiles returns the target paths touched by the current run.
func (m *Mapping) ModifiedTargetFiles() []string { return m.modifiedTargets }

// Metrics returns the run's counters.
func (m *Mapping) Metrics() *Metrics { return &m.metrics }

func (m *Mapping) String() string {
	return fmt.Sprintf("Mapping{%s: %s -> %s, mode=%s, hash=%s, types=%v}",
		m.Name, m.SourceDir, m.TargetDir, m.Mode, m.HashMode, m.FileTypes)
}

// Setup loads the mapping's snapshot store and walks both trees, building the
// identity indices. With overwrite, stored identities are ignored and every
// source file is rehashed. warnDuplicates logs source buckets holding more
// than one file.
func (m *Mapping) Setup(ctx context.Context, overwrite, warnDuplicates bool) error {
	if err := preflight.CheckSourceAccessible(m.SourceDir); err != nil {
		return err
	}
	if err := preflight.CheckTargetAccessible(m.TargetDir); err != nil {
		return err
	}

	store, err := snapstore.Open(m.SourceDir, m.SnapshotOptions)
	if err != nil {
		return fmt.Errorf("failed to open snapshot store for %s: %w", m.SourceDir, err)
	}
	m.store = store
	m.cache = identity.NewCache(m.HashMode)
	m.copier = fileops.NewCopier(m.VerifyTransfers, 0)
	m.newEntries = make(map[string]snapstore.Entry)
	m.removedSources = make(map[string]struct{})

	lookupStore := m.store
	if overwrite {
		lookupStore = nil
	}
	src, err := walkTree(ctx, m.SourceDir, m.cache, lookupStore, m.FileTypes, m.ExcludeDirs, m.newEntries)
	if err != nil {
		return fmt.Errorf("failed to walk source %s: %w", m.SourceDir, err)
	}
	m.src = src

	if warnDuplicates {
		for _, id := range m.src.bucketID {
			if paths := m.src.buckets[id]; len(paths) > 1 {
				plog.Warn("Duplicate content in source", "identity", id, "paths", paths)
			}
		}
	}

	// The target index is always built fresh; nothing persists for it.
	tgt, err := walkTree(ctx, m.TargetDir, m.cache, nil, m.FileTypes, m.ExcludeDirs, nil)
	if err != nil {
		if os.IsNotExist(err) {
			tgt = newTreeIndex(m.TargetDir)
		} else {
			return fmt.Errorf("failed to walk target %s: %w", m.TargetDir, err)
		}
	}
	m.tgt = tgt
	return nil
}

// Backup plans and executes the sync. With dryRun, every decision is computed
// and logged but nothing is executed or persisted. On success the tree is
// verified against the mode's invariants; a verification failure rolls the
// transferred files back and is recorded as a failure.
func (m *Mapping) Backup(ctx context.Context, dryRun bool) error {
	if m.src == nil || m.tgt == nil {
		return fmt.Errorf("mapping %s: Backup called before Setup", m.Name)
	}

	txn := transaction.New()
	m.planDirs(txn, dryRun)
	if m.FileMode != DirsOnly {
		m.planFiles(txn, dryRun)
	}

	if err := txn.Execute(ctx); err != nil {
		m.recordFailure(FailureBackupOperation, err.Error(), m.TargetDir, m.SourceDir)
		return err
	}

	if m.Mode.IsMirror() {
		if err := m.removeStale(ctx, dryRun); err != nil {
			return err
		}
	}

	if dryRun {
		plog.Info("Dry run complete, no changes made", "mapping", m.Name)
		return nil
	}

	if err := m.verify(ctx, txn); err != nil {
		return err
	}
	if err := m.persistIndex(ctx); err != nil {
		return err
	}
	m.metrics.Log(m.Name)
	return nil
}

// planDirs queues creation of directories present in source but not target,
// so even empty directories replicate.
func (m *Mapping) planDirs(txn *transaction.Transaction, dryRun bool) {
	var missing []string
	for dir := range m.src.dirs {
		if _, ok := m.tgt.dirs[dir]; !ok {
			missing = append(missing, dir)
		}
	}
	sort.Strings(missing)

	for _, dir := range missing {
		target := filepath.Join(m.TargetDir, filepath.FromSlash(dir))
		plog.Info("Creating directory", "path", target)
		if dryRun {
			continue
		}
		txn.Add(fmt.Sprintf("create directory %s", target),
			func(ctx context.Context) error {
				if err := os.MkdirAll(target, util.UserWritableDirPerms); err != nil {
					m.recordFailure(FailureDirectoryOperation, err.Error(), target, "")
					return err
				}
				m.metrics.DirsCreated.Add(1)
				return nil
			},
			func() error {
				// Only remove what the step created and only if it stayed empty.
				err := os.Remove(target)
				if err != nil && !os.IsNotExist(err) {
					return err
				}
				return nil
			})
	}
}

// planFiles queues the per-bucket transfer decisions.
func (m *Mapping) planFiles(txn *transaction.Transaction, dryRun bool) {
	// Relocations consume target files; a consumed file cannot serve a second
	// relocation in the same run.
	consumed := make(map[string]struct{})

	for _, id := range m.src.bucketID {
		srcPaths := m.src.buckets[id]
		tgtPaths := m.tgt.buckets[id]

		if len(tgtPaths) == 0 {
			// Identity absent from target: transfer. The duplicate-tolerant
			// modes collapse a bucket to one physical target file.
			if m.Mode.TolerateDuplicates() {
				m.planTransfer(txn, srcPaths[0], dryRun)
				for _, extra := range srcPaths[1:] {
					plog.Info("Skipping duplicate content", "path", m.src.abs(extra), "kept", srcPaths[0])
					m.metrics.FilesSkipped.Add(1)
				}
			} else {
				for _, rel := range srcPaths {
					m.planTransfer(txn, rel, dryRun)
				}
			}
			continue
		}

		for _, rel := range srcPaths {
			switch {
			case m.tgt.idByPath[rel] == id:
				// Already present at the mapped path; a move just retires the
				// now-redundant source file.
				if m.Mode == PushRemove {
					m.planRemoveSource(txn, rel, dryRun)
				}
			case m.Mode.TolerateDuplicates():
				// Content exists somewhere in the target; tolerate the layout
				// difference instead of churning renames between runs.
				plog.Info("Content already present in target", "path", m.src.abs(rel))
				m.metrics.FilesSkipped.Add(1)
			case len(tgtPaths) > 1:
				// Ambiguous: several target files share the identity, no safe
				// pick for relocation. Transfer unconditionally.
				m.planTransfer(txn, rel, dryRun)
			default:
				// The mapped path holds different content; overwrite it by
				// copy. A rename onto it could not restore the overwritten
				// file on rollback.
				if _, occupied := m.tgt.idByPath[rel]; occupied {
					m.planTransfer(txn, rel, dryRun)
					continue
				}
				if _, used := consumed[tgtPaths[0]]; used {
					m.planTransfer(txn, rel, dryRun)
					continue
				}
				consumed[tgtPaths[0]] = struct{}{}
				m.planRelocate(txn, tgtPaths[0], rel, dryRun)
				if m.Mode == PushRemove {
					m.planRemoveSource(txn, rel, dryRun)
				}
			}
		}
	}
}

// planTransfer queues a copy (or move for PushRemove) of one source file to
// its mapped target path. Per-file errors are recorded as failures and do not
// abort the transaction.
func (m *Mapping) planTransfer(txn *transaction.Transaction, rel string, dryRun bool) {
	src := m.src.abs(rel)
	dst := filepath.Join(m.TargetDir, filepath.FromSlash(rel))
	move := m.Mode == PushRemove

	if _, err := os.Stat(dst); err == nil {
		plog.Info("Replacing file", "path", dst)
	} else {
		plog.Info("Creating file", "path", dst)
	}
	if dryRun {
		return
	}

	desc := fmt.Sprintf("copy %s to %s", src, dst)
	if move {
		desc = fmt.Sprintf("move %s to %s", src, dst)
	}
	txn.Add(desc,
		func(ctx context.Context) error {
			var err error
			if move {
				err = m.copier.AtomicMove(ctx, src, dst)
			} else {
				err = m.copier.AtomicCopy(ctx, src, dst)
			}
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				m.recordFailure(FailureMoveFile, err.Error(), dst, src)
				return nil
			}
			if move {
				m.removedSources[rel] = struct{}{}
				m.metrics.FilesMoved.Add(1)
			} else {
				m.metrics.FilesCopied.Add(1)
			}
			m.modifiedTargets = append(m.modifiedTargets, dst)
			return nil
		},
		func() error {
			if move {
				// Undo a move by moving the file home again.
				if err := m.copier.AtomicMove(context.Background(), dst, src); err != nil && !errors.Is(err, os.ErrNotExist) {
					return err
				}
				delete(m.removedSources, rel)
				return nil
			}
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				return err
			}
			return nil
		})
}

// planRelocate queues a rename within the target tree, moving content that
// already exists at fromRel to its newly mapped path.
func (m *Mapping) planRelocate(txn *transaction.Transaction, fromRel, toRel string, dryRun bool) {
	from := filepath.Join(m.TargetDir, filepath.FromSlash(fromRel))
	to := filepath.Join(m.TargetDir, filepath.FromSlash(toRel))

	plog.Info("Relocating file within target", "from", from, "to", to)
	if dryRun {
		return
	}

	txn.Add(fmt.Sprintf("relocate %s to %s", from, to),
		func(ctx context.Context) error {
			if err := m.copier.Rename(from, to); err != nil {
				m.recordFailure(FailureMoveFile, err.Error(), to, from)
				return nil
			}
			m.metrics.FilesRelocated.Add(1)
			m.modifiedTargets = append(m.modifiedTargets, to)
			return nil
		},
		func() error {
			if err := m.copier.Rename(to, from); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			return nil
		})
}

// planRemoveSource queues removal of a source file whose content is already
// present at its mapped target path. The target is re-checked at execution
// time; a missing target records a failure instead of removing the source.
func (m *Mapping) planRemoveSource(txn *transaction.Transaction, rel string, dryRun bool) {
	if isPathExcluded(rel, m.ExcludeRemovalDirs) {
		return
	}
	src := m.src.abs(rel)
	dst := filepath.Join(m.TargetDir, filepath.FromSlash(rel))

	plog.Info("Removing file already backed up", "path", src)
	if dryRun {
		return
	}

	txn.Add(fmt.Sprintf("remove backed-up source file %s", src),
		func(ctx context.Context) error {
			if _, err := os.Stat(dst); err != nil {
				m.recordFailure(FailureRemoveSourceFileTargetMissing, "backup file not found", dst, src)
				return nil
			}
			if err := fileops.Trash(m.SourceDir, src); err != nil {
				m.recordFailure(FailureRemoveSourceFile, err.Error(), dst, src)
				return nil
			}
			m.removedSources[rel] = struct{}{}
			m.metrics.FilesRemoved.Add(1)
			return nil
		},
		nil)
}

// removeStale implements the mirror removal phase: target content whose
// identity is absent from the source is removed, gated on explicit
// confirmation. Declining is a no-op.
func (m *Mapping) removeStale(ctx context.Context, dryRun bool) error {
	var staleFiles []string
	for _, rel := range m.tgt.files {
		// The target index predates the transfer phase. A path that exists in
		// the source was just refreshed at its mapped location, so its pre-copy
		// identity must not mark it stale.
		if _, ok := m.src.idByPath[rel]; ok {
			continue
		}
		if m.Mode.TolerateDuplicates() {
			// Content still lives in the source under another path; tolerated.
			if _, ok := m.src.buckets[m.tgt.idByPath[rel]]; ok {
				continue
			}
		}
		if isPathExcluded(rel, m.ExcludeDirs) || isPathExcluded(rel, m.ExcludeRemovalDirs) {
			continue
		}
		staleFiles = append(staleFiles, rel)
	}

	staleSet := make(map[string]struct{}, len(staleFiles))
	for _, rel := range staleFiles {
		staleSet[rel] = struct{}{}
	}
	// A directory is only stale if no surviving target file lives under it
	// (tolerated duplicates and removal-excluded files keep their parents).
	survivorUnder := func(dir string) bool {
		for _, rel := range m.tgt.files {
			if _, gone := staleSet[rel]; gone {
				continue
			}
			if strings.HasPrefix(rel, dir+"/") {
				return true
			}
		}
		return false
	}

	var staleDirs []string
	for dir := range m.tgt.dirs {
		if _, ok := m.src.dirs[dir]; ok {
			continue
		}
		if isPathExcluded(dir, m.ExcludeDirs) || isPathExcluded(dir, m.ExcludeRemovalDirs) {
			continue
		}
		if survivorUnder(dir) {
			continue
		}
		staleDirs = append(staleDirs, dir)
	}
	// Deepest first, so nested stale directories vanish before their parents.
	sort.Sort(sort.Reverse(sort.StringSlice(staleDirs)))

	if len(staleFiles) == 0 && len(staleDirs) == 0 {
		plog.Info("No stale files or directories to remove", "mapping", m.Name)
		m.staleRemovalRan = true
		return nil
	}

	var paths []string
	for _, rel := range staleFiles {
		paths = append(paths, filepath.Join(m.TargetDir, filepath.FromSlash(rel)))
	}
	for _, dir := range staleDirs {
		paths = append(paths, filepath.Join(m.TargetDir, filepath.FromSlash(dir)))
	}

	if dryRun {
		for _, p := range paths {
			plog.Info("Would remove stale path", "path", p)
		}
		return nil
	}

	if m.confirm == nil || !m.confirm(fmt.Sprintf("Remove %d stale paths from %s?", len(paths), m.TargetDir), paths) {
		plog.Info("Removal not confirmed, leaving stale content in place", "mapping", m.Name)
		return nil
	}
	m.staleRemovalRan = true

	txn := transaction.New()
	for _, rel := range staleFiles {
		target := filepath.Join(m.TargetDir, filepath.FromSlash(rel))
		txn.Add(fmt.Sprintf("remove stale file %s", target),
			func(ctx context.Context) error {
				plog.Info("Removing stale file", "path", target)
				if err := fileops.Trash(m.TargetDir, target); err != nil {
					m.recordFailure(FailureRemoveStaleFile, err.Error(), target, "")
					return nil
				}
				m.metrics.FilesRemoved.Add(1)
				return nil
			},
			nil)
	}
	for _, dir := range staleDirs {
		target := filepath.Join(m.TargetDir, filepath.FromSlash(dir))
		txn.Add(fmt.Sprintf("remove stale directory %s", target),
			func(ctx context.Context) error {
				plog.Info("Removing stale directory", "path", target)
				if err := fileops.Trash(m.TargetDir, target); err != nil {
					m.recordFailure(FailureRemoveStaleDirectory, err.Error(), target, "")
					return nil
				}
				m.metrics.DirsRemoved.Add(1)
				return nil
			},
			nil)
	}
	return txn.Execute(ctx)
}

// verify re-walks both trees and checks the mode's post-conditions. A
// violation rolls the transfer transaction back and is recorded as a failure.
func (m *Mapping) verify(ctx context.Context, txn *transaction.Transaction) error {
	state := NewMappingState(m)
	defer state.Clear()

	if err := state.ValidateSource(ctx); err != nil {
		m.recordFailure(FailureBackupOperation, err.Error(), "", m.SourceDir)
		return err
	}
	if err := state.ValidateTarget(ctx); err != nil {
		m.recordFailure(FailureBackupOperation, err.Error(), m.TargetDir, "")
		return err
	}
	if err := state.VerifyIntegrity(); err != nil {
		plog.Error("Integrity verification failed, rolling back", "mapping", m.Name, "error", err)
		txn.Rollback()
		m.recordFailure(FailureHashVerification, err.Error(), m.TargetDir, m.SourceDir)
		return err
	}
	return nil
}

// persistIndex saves the refreshed identity index to the snapshot store so
// the next run can skip rehashing unchanged files.
func (m *Mapping) persistIndex(ctx context.Context) error {
	entries := make(map[string]snapstore.Entry, len(m.newEntries))
	for rel, e := range m.newEntries {
		if _, gone := m.removedSources[rel]; gone {
			continue
		}
		entries[rel] = e
	}
	m.store.Replace(entries)

	desc := fmt.Sprintf("%s run %s", m.Mode, time.Now().UTC().Format("2006-01-02 15:04"))
	if err := m.store.Save(ctx, desc); err != nil {
		return fmt.Errorf("failed to persist identity index: %w", err)
	}
	return nil
}

// Clean discards the run-scoped state: failures, the modified-file list and
// the identity cache.
func (m *Mapping) Clean() {
	m.failures = nil
	m.modifiedTargets = nil
	if m.cache != nil {
		m.cache.Clear()
	}
	m.src = nil
	m.tgt = nil
	m.newEntries = nil
	m.removedSources = nil
	m.store = nil
	m.staleRemovalRan = false
	m.metrics.Reset()
}

func (m *Mapping) recordFailure(kind FailureKind, message, targetPath, sourcePath string) {
	m.failures = append(m.failures, Failure{
		Kind:       kind,
		Message:    message,
		TargetPath: targetPath,
		SourcePath: sourcePath,
	})
}
