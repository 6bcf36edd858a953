package file

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCopyAtomicCreatesParents(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "a", "b", "out.txt")
	if err := CopyAtomic(dest, strings.NewReader("hello")); err != nil {
		t.Fatalf("CopyAtomic: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("content = %q", got)
	}
}

func TestWriteAtomicKeepsOldFileOnFailure(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.txt")
	if err := CopyAtomic(dest, strings.NewReader("v1")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	boom := errors.New("boom")
	err := WriteAtomic(dest, func(w io.Writer) error {
		_, _ = io.WriteString(w, "partial")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	got, _ := os.ReadFile(dest)
	if string(got) != "v1" {
		t.Fatalf("old content replaced: %q", got)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("temp file left behind: %d entries", len(entries))
	}
}

func TestEmptyPaths(t *testing.T) {
	if err := EnsureDir(""); err == nil {
		t.Fatal("expected error for empty dir")
	}
	if err := CopyAtomic("", strings.NewReader("")); err == nil {
		t.Fatal("expected error for empty filename")
	}
}
