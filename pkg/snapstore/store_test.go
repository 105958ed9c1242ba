package snapstore

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dverbeek/dirsync/pkg/lockfile"
)

func testOptions() Options {
	return Options{
		MaxSnapshots:      3,
		MinFreeSpaceMB:    1,
		MaxSnapshotSizeMB: 10,
		LockTimeout:       2 * time.Second,
	}
}

func testEntries() map[string]Entry {
	return map[string]Entry{
		"a.txt":     {Identity: "hash-a", Size: 10, ModTime: 1000},
		"sub/b.txt": {Identity: "hash-b", Size: 20, ModTime: 2000},
		"sub/c.txt": {Identity: "hash-c", Size: 30, ModTime: 3000},
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run(map[bool]string{false: "plain", true: "compressed"}[compress], func(t *testing.T) {
			dir := t.TempDir()
			opts := testOptions()
			opts.Compress = compress

			s, err := Open(dir, opts)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if s.State() != Loaded {
				t.Errorf("fresh store state = %v, want Loaded", s.State())
			}
			s.Replace(testEntries())
			if err := s.Save(context.Background(), "initial"); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			reopened, err := Open(dir, opts)
			if err != nil {
				t.Fatalf("reopen failed: %v", err)
			}
			if reopened.Len() != 3 {
				t.Fatalf("reopened Len = %d, want 3", reopened.Len())
			}
			e, ok := reopened.Lookup("sub/b.txt")
			if !ok || e.Identity != "hash-b" || e.Size != 20 || e.ModTime != 2000 {
				t.Errorf("Lookup(sub/b.txt) = %+v, %v", e, ok)
			}
		})
	}
}

func TestVersion1Migration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, StoreFileName)

	// Hand-build a version 1 file: entries carry no size or mtime.
	var buf []byte
	buf = append(buf, storeMagic[:]...)
	buf = binary.BigEndian.AppendUint16(buf, 1)
	buf = append(buf, 0) // flags
	buf = binary.BigEndian.AppendUint64(buf, uint64(time.Now().UnixNano()))
	buf = binary.BigEndian.AppendUint32(buf, 1)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len("old.txt")))
	buf = append(buf, "old.txt"...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len("hash-old")))
	buf = append(buf, "hash-old"...)
	if err := os.WriteFile(path, buf, 0644); err != nil {
		t.Fatal(err)
	}

	s, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("Open of v1 store failed: %v", err)
	}
	e, ok := s.Lookup("old.txt")
	if !ok {
		t.Fatal("v1 entry not migrated")
	}
	if e.Size != -1 {
		t.Errorf("migrated Size = %d, want -1 (forces rehash)", e.Size)
	}
}

func TestNewerVersionRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, StoreFileName)

	var buf []byte
	buf = append(buf, storeMagic[:]...)
	buf = binary.BigEndian.AppendUint16(buf, FormatVersion+1)
	buf = append(buf, 0)
	if err := os.WriteFile(path, buf, 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Open(dir, testOptions())
	if !errors.Is(err, ErrVersionIncompatible) {
		t.Fatalf("expected ErrVersionIncompatible, got %v", err)
	}
}

func TestRotationAndPrune(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.MaxSnapshots = 2

	s, err := Open(dir, opts)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		entries := testEntries()
		entries["changing.txt"] = Entry{Identity: string(rune('a' + i)), Size: int64(i)}
		s.Replace(entries)
		if err := s.Save(context.Background(), "run"); err != nil {
			t.Fatalf("Save %d failed: %v", i, err)
		}
	}

	infos, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	// 4 saves rotate 3 previous versions, retention keeps 2.
	if len(infos) != 2 {
		t.Fatalf("List returned %d snapshots, want 2", len(infos))
	}
	if !infos[0].Meta.CreatedAt.After(infos[1].Meta.CreatedAt) {
		t.Error("List should return newest first")
	}
}

func TestMutualExclusion(t *testing.T) {
	dir := t.TempDir()

	first, err := Open(dir, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}

	opts := testOptions()
	opts.LockTimeout = 300 * time.Millisecond
	second, err := Open(dir, opts)
	if err != nil {
		t.Fatal(err)
	}
	second.Replace(testEntries())
	if err := second.Save(context.Background(), "blocked"); !errors.Is(err, lockfile.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}

	first.Release()
	if err := second.Save(context.Background(), "unblocked"); err != nil {
		t.Fatalf("Save after release failed: %v", err)
	}
}

func TestChecksumGate(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	s.Replace(testEntries())
	if err := s.Save(context.Background(), "v1"); err != nil {
		t.Fatal(err)
	}
	s.Replace(map[string]Entry{"only.txt": {Identity: "hash-only"}})
	if err := s.Save(context.Background(), "v2"); err != nil {
		t.Fatal(err)
	}

	infos, err := s.List()
	if err != nil || len(infos) == 0 {
		t.Fatalf("List = %v, %v", infos, err)
	}

	// Flip a byte in the snapshot body.
	data, err := os.ReadFile(infos[0].Path)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)/2] ^= 0xFF
	if err := os.WriteFile(infos[0].Path, data, 0644); err != nil {
		t.Fatal(err)
	}

	err = s.Restore(context.Background(), Selector{MostRecent: true})
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}

	// Live store must be untouched.
	reopened, err := Open(dir, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := reopened.Lookup("only.txt"); !ok {
		t.Error("live store was modified by a failed restore")
	}
}

func TestRestoreMostRecent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	s.Replace(testEntries())
	if err := s.Save(context.Background(), "full set"); err != nil {
		t.Fatal(err)
	}
	s.Replace(map[string]Entry{"only.txt": {Identity: "hash-only"}})
	if err := s.Save(context.Background(), "reduced"); err != nil {
		t.Fatal(err)
	}

	// Most recent snapshot holds the "full set" state.
	if err := s.Restore(context.Background(), Selector{MostRecent: true}); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if s.Len() != 3 {
		t.Errorf("restored Len = %d, want 3", s.Len())
	}
	if _, ok := s.Lookup("a.txt"); !ok {
		t.Error("a.txt missing after restore")
	}
}

func TestPartialRestore(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	s.Replace(testEntries())
	if err := s.Save(context.Background(), "v1"); err != nil {
		t.Fatal(err)
	}

	// Mutate: a changed, b dropped, d added.
	current := map[string]Entry{
		"a.txt":     {Identity: "hash-a-changed", Size: 11, ModTime: 1100},
		"sub/c.txt": {Identity: "hash-c", Size: 30, ModTime: 3000},
		"d.txt":     {Identity: "hash-d", Size: 40, ModTime: 4000},
	}
	s.Replace(current)
	if err := s.Save(context.Background(), "v2"); err != nil {
		t.Fatal(err)
	}

	if err := s.Restore(context.Background(), Selector{MostRecent: true, Files: []string{"a.txt"}}); err != nil {
		t.Fatalf("partial Restore failed: %v", err)
	}

	if e, _ := s.Lookup("a.txt"); e.Identity != "hash-a" {
		t.Errorf("a.txt identity = %q, want reverted hash-a", e.Identity)
	}
	if _, ok := s.Lookup("d.txt"); !ok {
		t.Error("d.txt should be preserved by partial restore")
	}
	if _, ok := s.Lookup("sub/b.txt"); ok {
		t.Error("sub/b.txt was not in the restore set and should stay absent")
	}
}

func TestRestoreByDescription(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	// A save's description labels the snapshot it rotates, so the state
	// written by "seed" ends up in the snapshot described "before migration".
	s.Replace(testEntries())
	if err := s.Save(context.Background(), "seed"); err != nil {
		t.Fatal(err)
	}
	s.Replace(map[string]Entry{"x.txt": {Identity: "hash-x"}})
	if err := s.Save(context.Background(), "before migration"); err != nil {
		t.Fatal(err)
	}
	s.Replace(map[string]Entry{"y.txt": {Identity: "hash-y"}})
	if err := s.Save(context.Background(), "after migration"); err != nil {
		t.Fatal(err)
	}

	if err := s.Restore(context.Background(), Selector{Description: "BEFORE"}); err != nil {
		t.Fatalf("Restore by description failed: %v", err)
	}
	if s.Len() != 3 {
		t.Errorf("restored Len = %d, want 3", s.Len())
	}
}

func TestFind(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	s.Replace(testEntries())
	if err := s.Save(context.Background(), "seed"); err != nil {
		t.Fatal(err)
	}
	s.Replace(testEntries())
	if err := s.Save(context.Background(), "nightly run"); err != nil {
		t.Fatal(err)
	}
	s.Replace(testEntries())
	if err := s.Save(context.Background(), "manual run"); err != nil {
		t.Fatal(err)
	}

	byDesc, err := s.Find(FindCriteria{DescriptionContains: "nightly"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byDesc) != 1 {
		t.Fatalf("Find(nightly) returned %d, want 1", len(byDesc))
	}

	none, err := s.Find(FindCriteria{To: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("Find(old window) returned %d, want 0", len(none))
	}
}

func TestMetadataBackupRecovery(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	s.Replace(testEntries())
	if err := s.Save(context.Background(), "v1"); err != nil {
		t.Fatal(err)
	}
	s.Replace(testEntries())
	if err := s.Save(context.Background(), "v2"); err != nil {
		t.Fatal(err)
	}

	infos, err := s.List()
	if err != nil || len(infos) == 0 {
		t.Fatalf("List = %v, %v", infos, err)
	}
	primary, _ := metaPaths(infos[0].Path)
	if err := os.WriteFile(primary, []byte("{corrupt"), 0644); err != nil {
		t.Fatal(err)
	}

	recovered, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(recovered) != len(infos) {
		t.Fatalf("List after primary corruption returned %d, want %d", len(recovered), len(infos))
	}
}
