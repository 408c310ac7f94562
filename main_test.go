package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpandPatternLiteralFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "F")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := expandPattern(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != path {
		t.Fatalf("got %v, want [%s]", got, path)
	}
}

func TestExpandPatternGlob(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.txt", "b.txt", "c.md"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	got, err := expandPattern(filepath.Join(dir, "*.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d matches, want 2: %v", len(got), got)
	}
}

func TestExpandPatternNoMatch(t *testing.T) {
	dir := t.TempDir()
	if _, err := expandPattern(filepath.Join(dir, "*.nope")); err == nil {
		t.Fatal("expected an error for a pattern with no matches")
	}
}

func TestRunBundleRejectsDirectory(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "subdir")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	archivePath := filepath.Join(dir, "A")
	err := runBundle(archivePath, []string{sub})
	if err == nil {
		t.Fatal("expected an error bundling a directory argument")
	}
}
