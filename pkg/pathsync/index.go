package pathsync

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/dverbeek/dirsync/pkg/fileops"
	"github.com/dverbeek/dirsync/pkg/identity"
	"github.com/dverbeek/dirsync/pkg/lockfile"
	"github.com/dverbeek/dirsync/pkg/snapstore"
	"github.com/dverbeek/dirsync/pkg/util"
)

// treeIndex is one walked directory tree: its files and directories as
// slash-separated relative paths, bucketed by identity.
type treeIndex struct {
	root     string
	files    []string // walk order
	dirs     map[string]struct{}
	bucketID []string            // identities in first-seen order
	buckets  map[string][]string // identity -> rel paths, walk order
	idByPath map[string]string
}

func newTreeIndex(root string) *treeIndex {
	return &treeIndex{
		root:     root,
		dirs:     make(map[string]struct{}),
		buckets:  make(map[string][]string),
		idByPath: make(map[string]string),
	}
}

func (t *treeIndex) add(relPath, id string) {
	t.files = append(t.files, relPath)
	if _, seen := t.buckets[id]; !seen {
		t.bucketID = append(t.bucketID, id)
	}
	t.buckets[id] = append(t.buckets[id], relPath)
	t.idByPath[relPath] = id
}

func (t *treeIndex) abs(relPath string) string {
	return filepath.Join(t.root, filepath.FromSlash(relPath))
}

// isEngineArtifact reports whether a name belongs to the engine itself and
// must never be synced or counted as tree content.
func isEngineArtifact(name string) bool {
	switch name {
	case snapstore.StoreFileName, snapstore.SnapshotDirName, lockfile.LockFileName, fileops.TrashDirName:
		return true
	}
	return strings.HasPrefix(name, ".~dirsync")
}

// matchesFileTypes applies the extension allow-list; an empty list allows all.
func matchesFileTypes(name string, fileTypes []string) bool {
	if len(fileTypes) == 0 {
		return true
	}
	lower := strings.ToLower(name)
	for _, ext := range fileTypes {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

// isPathExcluded matches a relative path against exclusion entries by path
// prefix, so excluding "cache" covers everything under it.
func isPathExcluded(relPath string, excludes []string) bool {
	for _, ex := range excludes {
		if ex == "" {
			continue
		}
		if relPath == ex || strings.HasPrefix(relPath, ex+"/") {
			return true
		}
	}
	return false
}

// walkTree builds the index for root. When store is non-nil (source walks),
// identities of files whose size and mtime are unchanged are reused from the
// store instead of recomputed; newEntries receives the refreshed record for
// every indexed file.
func walkTree(ctx context.Context, root string, cache *identity.Cache, store *snapstore.Store,
	fileTypes, excludeDirs []string, newEntries map[string]snapstore.Entry) (*treeIndex, error) {

	idx := newTreeIndex(root)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		relKey := util.RelPathKey(rel)

		if isEngineArtifact(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if isPathExcluded(relKey, excludeDirs) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			idx.dirs[relKey] = struct{}{}
			return nil
		}
		if !d.Type().IsRegular() || !matchesFileTypes(d.Name(), fileTypes) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		// Stored identities are only reusable for content hashing; the name
		// modes are cheaper to recompute than to look up.
		if store != nil && cache.Mode() == identity.ContentHash {
			if e, ok := store.Lookup(relKey); ok && e.Size == info.Size() && e.ModTime == info.ModTime().UnixNano() {
				cache.Prime(path, e.Identity)
			}
		}
		id, err := cache.Identity(path)
		if err != nil {
			return err
		}

		idx.add(relKey, id)
		if newEntries != nil {
			newEntries[relKey] = snapstore.Entry{
				Identity: id,
				Size:     info.Size(),
				ModTime:  info.ModTime().UnixNano(),
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return idx, nil
}
