package fileops

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestAtomicCopyCreatesParentsAndContent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src", "file.txt")
	dst := filepath.Join(dir, "dst", "deep", "nested", "file.txt")
	writeFile(t, src, "payload")

	c := NewCopier(true, 64)
	if err := c.AtomicCopy(context.Background(), src, dst); err != nil {
		t.Fatalf("AtomicCopy: %v", err)
	}
	if got := readFile(t, dst); got != "payload" {
		t.Errorf("destination content = %q, want %q", got, "payload")
	}
	// Source must be untouched by a copy.
	if got := readFile(t, src); got != "payload" {
		t.Errorf("source content changed to %q", got)
	}
}

func TestAtomicCopyPreservesModTime(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "file.txt")
	dst := filepath.Join(dir, "out", "file.txt")
	writeFile(t, src, "payload")

	past := time.Now().Add(-48 * time.Hour).Truncate(time.Second)
	if err := os.Chtimes(src, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	c := NewCopier(false, 64)
	if err := c.AtomicCopy(context.Background(), src, dst); err != nil {
		t.Fatalf("AtomicCopy: %v", err)
	}

	info, err := os.Stat(dst)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !info.ModTime().Truncate(time.Second).Equal(past) {
		t.Errorf("mod time not preserved: got %v, want %v", info.ModTime(), past)
	}
}

func TestAtomicCopyLeavesNoTempOnFailure(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "missing.txt")
	dst := filepath.Join(dir, "dst", "file.txt")

	c := NewCopier(false, 64)
	if err := c.AtomicCopy(context.Background(), src, dst); err == nil {
		t.Fatal("expected error for missing source")
	}

	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Error("destination exists after failed copy")
	}
	entries, _ := os.ReadDir(filepath.Join(dir, "dst"))
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp") {
			t.Errorf("leftover temp file: %s", e.Name())
		}
	}
}

func TestAtomicCopyCancelled(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "file.txt")
	writeFile(t, src, "payload")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewCopier(false, 64)
	err := c.AtomicCopy(ctx, src, filepath.Join(dir, "out.txt"))
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestAtomicMoveRemovesSource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "file.txt")
	dst := filepath.Join(dir, "out", "file.txt")
	writeFile(t, src, "payload")

	c := NewCopier(true, 64)
	if err := c.AtomicMove(context.Background(), src, dst); err != nil {
		t.Fatalf("AtomicMove: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("source still exists after move")
	}
	if got := readFile(t, dst); got != "payload" {
		t.Errorf("destination content = %q", got)
	}
}

func TestRenameRelocatesWithinTree(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "old", "file.txt")
	dst := filepath.Join(dir, "new", "file.txt")
	writeFile(t, src, "payload")

	c := NewCopier(false, 64)
	if err := c.Rename(src, dst); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("source still exists after rename")
	}
	if got := readFile(t, dst); got != "payload" {
		t.Errorf("destination content = %q", got)
	}
}

func TestTrashMovesIntoTrashDir(t *testing.T) {
	root := t.TempDir()
	victim := filepath.Join(root, "sub", "file.txt")
	writeFile(t, victim, "bye")

	if err := Trash(root, victim); err != nil {
		t.Fatalf("Trash: %v", err)
	}
	if _, err := os.Stat(victim); !os.IsNotExist(err) {
		t.Error("file still present after trash")
	}

	// The file must exist somewhere under the trash dir, preserving its rel path.
	found := false
	filepath.Walk(filepath.Join(root, TrashDirName), func(path string, info os.FileInfo, err error) error {
		if err == nil && info != nil && !info.IsDir() && filepath.Base(path) == "file.txt" {
			found = true
		}
		return nil
	})
	if !found {
		t.Error("trashed file not found under trash directory")
	}
}
