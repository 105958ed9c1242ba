package pathsync

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/dverbeek/dirsync/pkg/identity"
	"github.com/dverbeek/dirsync/pkg/snapstore"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatalf("read %s: %v", rel, err)
	}
	return string(data)
}

func fileExists(root, rel string) bool {
	_, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel)))
	return err == nil
}

func newTestMapping(t *testing.T, mode Mode, hash identity.Mode) *Mapping {
	t.Helper()
	base := t.TempDir()
	m := &Mapping{
		Name:      "test",
		SourceDir: filepath.Join(base, "src"),
		TargetDir: filepath.Join(base, "dst"),
		Mode:      mode,
		HashMode:  hash,
		WillRun:   true,
	}
	if err := os.MkdirAll(m.SourceDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(m.TargetDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	return m
}

func runBackup(t *testing.T, m *Mapping) {
	t.Helper()
	if err := m.Setup(context.Background(), false, false); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if err := m.Backup(context.Background(), false); err != nil {
		t.Fatalf("Backup failed: %v", err)
	}
	if len(m.Failures()) != 0 {
		t.Fatalf("unexpected failures: %v", m.Failures())
	}
}

func TestPushCopiesTree(t *testing.T) {
	m := newTestMapping(t, Push, identity.ContentHash)
	writeFile(t, m.SourceDir, "a.txt", "alpha")
	writeFile(t, m.SourceDir, "sub/b.txt", "beta")
	if err := os.MkdirAll(filepath.Join(m.SourceDir, "empty"), 0755); err != nil {
		t.Fatal(err)
	}

	runBackup(t, m)

	if got := readFile(t, m.TargetDir, "a.txt"); got != "alpha" {
		t.Errorf("a.txt = %q", got)
	}
	if got := readFile(t, m.TargetDir, "sub/b.txt"); got != "beta" {
		t.Errorf("sub/b.txt = %q", got)
	}
	// Empty directories replicate too.
	if !fileExists(m.TargetDir, "empty") {
		t.Error("empty directory not created at target")
	}
	// Source is untouched by Push.
	if !fileExists(m.SourceDir, "a.txt") {
		t.Error("Push must not remove source files")
	}
	if got := m.Metrics().FilesCopied.Load(); got != 2 {
		t.Errorf("FilesCopied = %d, want 2", got)
	}
}

func TestPushIdempotence(t *testing.T) {
	m := newTestMapping(t, Push, identity.ContentHash)
	writeFile(t, m.SourceDir, "a.txt", "alpha")
	writeFile(t, m.SourceDir, "sub/b.txt", "beta")

	runBackup(t, m)
	m.Clean()

	runBackup(t, m)
	if n := len(m.ModifiedTargetFiles()); n != 0 {
		t.Errorf("second run modified %d target files, want 0: %v", n, m.ModifiedTargetFiles())
	}
}

func TestPushRemoveCompleteness(t *testing.T) {
	m := newTestMapping(t, PushRemove, identity.ContentHash)
	writeFile(t, m.SourceDir, "a.txt", "alpha")
	writeFile(t, m.SourceDir, "sub/b.txt", "beta")

	runBackup(t, m)

	if got := readFile(t, m.TargetDir, "a.txt"); got != "alpha" {
		t.Errorf("a.txt = %q", got)
	}
	if got := readFile(t, m.TargetDir, "sub/b.txt"); got != "beta" {
		t.Errorf("sub/b.txt = %q", got)
	}
	if fileExists(m.SourceDir, "a.txt") || fileExists(m.SourceDir, "sub/b.txt") {
		t.Error("PushRemove must remove transferred source files")
	}
}

func TestMirrorConvergence(t *testing.T) {
	m := newTestMapping(t, Mirror, identity.ContentHash)
	m.SetConfirmFunc(func(prompt string, paths []string) bool { return true })
	writeFile(t, m.SourceDir, "keep.txt", "keep")
	writeFile(t, m.SourceDir, "b.txt", "bee")
	writeFile(t, m.SourceDir, "old/only.txt", "old")

	runBackup(t, m)
	m.Clean()

	// Delete b.txt and the old directory from source; re-run.
	if err := os.Remove(filepath.Join(m.SourceDir, "b.txt")); err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(filepath.Join(m.SourceDir, "old")); err != nil {
		t.Fatal(err)
	}

	runBackup(t, m)

	if fileExists(m.TargetDir, "b.txt") {
		t.Error("stale b.txt still present at target")
	}
	if fileExists(m.TargetDir, "old") {
		t.Error("stale directory still present at target")
	}
	if got := readFile(t, m.TargetDir, "keep.txt"); got != "keep" {
		t.Errorf("keep.txt = %q", got)
	}
}

func TestMirrorKeepsModifiedFile(t *testing.T) {
	m := newTestMapping(t, Mirror, identity.ContentHash)
	m.SetConfirmFunc(func(prompt string, paths []string) bool { return true })
	writeFile(t, m.SourceDir, "a.txt", "version 1")

	runBackup(t, m)
	m.Clean()

	// Modify the source; the refreshed target copy must survive the
	// removal phase.
	writeFile(t, m.SourceDir, "a.txt", "version 2")

	runBackup(t, m)

	if got := readFile(t, m.TargetDir, "a.txt"); got != "version 2" {
		t.Errorf("a.txt = %q, want the refreshed content", got)
	}
}

func TestMirrorRemovesDuplicateTargetCopy(t *testing.T) {
	m := newTestMapping(t, Mirror, identity.ContentHash)
	m.SetConfirmFunc(func(prompt string, paths []string) bool { return true })
	writeFile(t, m.SourceDir, "one.txt", "shared")
	writeFile(t, m.TargetDir, "one.txt", "shared")
	// Same content at a path the source does not have: strict mirror drops it.
	writeFile(t, m.TargetDir, "leftover.txt", "shared")

	runBackup(t, m)

	if fileExists(m.TargetDir, "leftover.txt") {
		t.Error("path absent from source must be removed by a strict mirror")
	}
	if !fileExists(m.TargetDir, "one.txt") {
		t.Error("mapped path must be kept")
	}
}

func TestMirrorDuplicatesKeepsAlternateLayout(t *testing.T) {
	m := newTestMapping(t, MirrorDuplicates, identity.ContentHash)
	m.SetConfirmFunc(func(prompt string, paths []string) bool { return true })
	writeFile(t, m.SourceDir, "one.txt", "shared")
	writeFile(t, m.TargetDir, "elsewhere/copy.txt", "shared")

	runBackup(t, m)

	// Content exists in the source, so the alternate layout is tolerated.
	if !fileExists(m.TargetDir, "elsewhere/copy.txt") {
		t.Error("duplicate-tolerant mirror must keep content present in source")
	}
}

func TestMirrorDeclinedConfirmationIsNoop(t *testing.T) {
	m := newTestMapping(t, Mirror, identity.ContentHash)
	m.SetConfirmFunc(func(prompt string, paths []string) bool { return true })
	writeFile(t, m.SourceDir, "keep.txt", "keep")
	writeFile(t, m.SourceDir, "b.txt", "bee")

	runBackup(t, m)
	m.Clean()

	if err := os.Remove(filepath.Join(m.SourceDir, "b.txt")); err != nil {
		t.Fatal(err)
	}
	m.SetConfirmFunc(func(prompt string, paths []string) bool { return false })

	runBackup(t, m)

	if !fileExists(m.TargetDir, "b.txt") {
		t.Error("declined confirmation must leave stale content in place")
	}
}

func TestDuplicateCollapse(t *testing.T) {
	m := newTestMapping(t, PushDuplicates, identity.ContentHash)
	writeFile(t, m.SourceDir, "one.txt", "same content")
	writeFile(t, m.SourceDir, "two.txt", "same content")

	runBackup(t, m)

	count := 0
	for _, rel := range []string{"one.txt", "two.txt"} {
		if fileExists(m.TargetDir, rel) {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one physical file at target, found %d", count)
	}
	if got := m.Metrics().FilesSkipped.Load(); got != 1 {
		t.Errorf("FilesSkipped = %d, want 1", got)
	}
}

func TestRelocateInPlace(t *testing.T) {
	m := newTestMapping(t, Push, identity.ContentHash)
	writeFile(t, m.SourceDir, "old-name.txt", "stable content")

	runBackup(t, m)
	m.Clean()

	// Rename in source; the target should be renamed, not re-copied.
	if err := os.Rename(
		filepath.Join(m.SourceDir, "old-name.txt"),
		filepath.Join(m.SourceDir, "new-name.txt")); err != nil {
		t.Fatal(err)
	}

	runBackup(t, m)

	if fileExists(m.TargetDir, "old-name.txt") {
		t.Error("old target path still exists after relocation")
	}
	if got := readFile(t, m.TargetDir, "new-name.txt"); got != "stable content" {
		t.Errorf("new-name.txt = %q", got)
	}
	if got := m.Metrics().FilesRelocated.Load(); got != 1 {
		t.Errorf("FilesRelocated = %d, want 1", got)
	}
	if got := m.Metrics().FilesCopied.Load(); got != 0 {
		t.Errorf("FilesCopied = %d, want 0 (content must not be rewritten)", got)
	}
}

func TestNoRelocateOntoOccupiedPath(t *testing.T) {
	m := newTestMapping(t, Push, identity.ContentHash)
	writeFile(t, m.SourceDir, "x.txt", "current")
	// The content lives at y.txt, but x.txt already holds something else.
	writeFile(t, m.TargetDir, "y.txt", "current")
	writeFile(t, m.TargetDir, "x.txt", "unrelated")

	runBackup(t, m)

	if got := readFile(t, m.TargetDir, "x.txt"); got != "current" {
		t.Errorf("x.txt = %q", got)
	}
	// The occupied path is refreshed by copy, never by renaming y.txt over it.
	if got := readFile(t, m.TargetDir, "y.txt"); got != "current" {
		t.Errorf("y.txt = %q, must be untouched", got)
	}
	if got := m.Metrics().FilesRelocated.Load(); got != 0 {
		t.Errorf("FilesRelocated = %d, want 0", got)
	}
}

func TestAmbiguousDuplicatesFallBackToTransfer(t *testing.T) {
	m := newTestMapping(t, Push, identity.ContentHash)
	writeFile(t, m.SourceDir, "file.txt", "shared")
	// Two target files share the identity but neither is at the mapped path.
	writeFile(t, m.TargetDir, "copy1.txt", "shared")
	writeFile(t, m.TargetDir, "copy2.txt", "shared")

	runBackup(t, m)

	// Conservative fallback: the mapped path is filled by a fresh transfer
	// and neither ambiguous candidate is touched.
	if got := readFile(t, m.TargetDir, "file.txt"); got != "shared" {
		t.Errorf("file.txt = %q", got)
	}
	if !fileExists(m.TargetDir, "copy1.txt") || !fileExists(m.TargetDir, "copy2.txt") {
		t.Error("ambiguous duplicates must not be moved")
	}
}

func TestExcludeDirsNeverTouched(t *testing.T) {
	m := newTestMapping(t, Push, identity.ContentHash)
	m.ExcludeDirs = []string{"private"}
	writeFile(t, m.SourceDir, "a.txt", "alpha")
	writeFile(t, m.SourceDir, "private/secret.txt", "secret")

	runBackup(t, m)

	if fileExists(m.TargetDir, "private/secret.txt") {
		t.Error("excluded directory content was copied")
	}
	if !fileExists(m.TargetDir, "a.txt") {
		t.Error("non-excluded file missing")
	}
}

func TestExcludeRemovalDirsSurviveMirror(t *testing.T) {
	m := newTestMapping(t, Mirror, identity.ContentHash)
	m.ExcludeRemovalDirs = []string{"archive"}
	m.SetConfirmFunc(func(prompt string, paths []string) bool { return true })
	writeFile(t, m.SourceDir, "a.txt", "alpha")
	writeFile(t, m.TargetDir, "archive/old.txt", "precious")
	writeFile(t, m.TargetDir, "stale.txt", "stale")

	runBackup(t, m)

	if !fileExists(m.TargetDir, "archive/old.txt") {
		t.Error("removal-excluded content was deleted")
	}
	if fileExists(m.TargetDir, "stale.txt") {
		t.Error("stale file outside exclusions should be removed")
	}
}

func TestFileTypeFilter(t *testing.T) {
	m := newTestMapping(t, Push, identity.ContentHash)
	m.FileTypes = []string{".txt"}
	writeFile(t, m.SourceDir, "doc.txt", "text")
	writeFile(t, m.SourceDir, "image.png", "not really a png")

	runBackup(t, m)

	if !fileExists(m.TargetDir, "doc.txt") {
		t.Error("allowed file type missing at target")
	}
	if fileExists(m.TargetDir, "image.png") {
		t.Error("disallowed file type was copied")
	}
}

func TestDryRunMakesNoChanges(t *testing.T) {
	m := newTestMapping(t, Push, identity.ContentHash)
	writeFile(t, m.SourceDir, "a.txt", "alpha")

	if err := m.Setup(context.Background(), false, false); err != nil {
		t.Fatal(err)
	}
	if err := m.Backup(context.Background(), true); err != nil {
		t.Fatalf("dry-run Backup failed: %v", err)
	}

	if fileExists(m.TargetDir, "a.txt") {
		t.Error("dry run copied a file")
	}
	if fileExists(m.SourceDir, snapstore.StoreFileName) {
		t.Error("dry run persisted the identity index")
	}
}

func TestSnapshotStorePersistsAcrossRuns(t *testing.T) {
	m := newTestMapping(t, Push, identity.ContentHash)
	writeFile(t, m.SourceDir, "a.txt", "alpha")

	runBackup(t, m)

	if !fileExists(m.SourceDir, snapstore.StoreFileName) {
		t.Fatal("identity index not persisted after run")
	}
	store, err := snapstore.Open(m.SourceDir, snapstore.Options{})
	if err != nil {
		t.Fatal(err)
	}
	e, ok := store.Lookup("a.txt")
	if !ok {
		t.Fatal("a.txt missing from persisted index")
	}
	if e.Identity == "" || e.Size != int64(len("alpha")) {
		t.Errorf("stored entry = %+v", e)
	}

	// The engine's own artifacts never count as tree content.
	m.Clean()
	runBackup(t, m)
	if fileExists(m.TargetDir, snapstore.StoreFileName) {
		t.Error("store file was copied to the target")
	}
}

func TestHashModeFileName(t *testing.T) {
	m := newTestMapping(t, Push, identity.FileName)
	writeFile(t, m.SourceDir, "a.txt", "version one")
	// Same name, different content: under FileName identity these match, so
	// no transfer happens.
	writeFile(t, m.TargetDir, "a.txt", "version two")

	runBackup(t, m)

	if got := readFile(t, m.TargetDir, "a.txt"); got != "version two" {
		t.Errorf("FileName identity should not have replaced target content, got %q", got)
	}
}

func TestDirsOnlyMode(t *testing.T) {
	m := newTestMapping(t, Push, identity.ContentHash)
	m.FileMode = DirsOnly
	writeFile(t, m.SourceDir, "sub/a.txt", "alpha")

	runBackup(t, m)

	if !fileExists(m.TargetDir, "sub") {
		t.Error("directory structure not replicated")
	}
	if fileExists(m.TargetDir, "sub/a.txt") {
		t.Error("DirsOnly must not transfer files")
	}
}

func TestValidateRejectsNestedPaths(t *testing.T) {
	base := t.TempDir()
	m := &Mapping{
		Name:      "nested",
		SourceDir: filepath.Join(base, "src"),
		TargetDir: filepath.Join(base, "src", "inner"),
	}
	if err := m.Validate(); err == nil {
		t.Error("Validate must reject a target inside the source")
	}
}

func TestUnreadableSourceFileFailsSetup(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("permission bits do not bind as root")
	}
	m := newTestMapping(t, Push, identity.ContentHash)
	writeFile(t, m.SourceDir, "locked.txt", "no access")
	path := filepath.Join(m.SourceDir, "locked.txt")
	if err := os.Chmod(path, 0000); err != nil {
		t.Fatal(err)
	}
	defer os.Chmod(path, 0644)

	err := m.Setup(context.Background(), false, false)
	if err == nil {
		t.Error("unreadable file must surface as a hash-computation failure")
	}
}
