package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestUniquePath(t *testing.T) {
	dir := t.TempDir()

	first := uniquePath(dir, "report.pdf")
	if first != filepath.Join(dir, "report.pdf") {
		t.Fatalf("fresh name should be used as-is, got %s", first)
	}
	if err := os.WriteFile(first, []byte("a"), 0o644); err != nil {
		t.Fatalf("writing: %v", err)
	}

	second := uniquePath(dir, "report.pdf")
	if second != filepath.Join(dir, "report (1).pdf") {
		t.Fatalf("expected a numbered name, got %s", second)
	}
	if err := os.WriteFile(second, []byte("b"), 0o644); err != nil {
		t.Fatalf("writing: %v", err)
	}

	third := uniquePath(dir, "report.pdf")
	if third != filepath.Join(dir, "report (2).pdf") {
		t.Fatalf("expected the counter to advance, got %s", third)
	}
}

func TestUniquePathNoExtension(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("a"), 0o644); err != nil {
		t.Fatalf("writing: %v", err)
	}

	got := uniquePath(dir, "README")
	if got != filepath.Join(dir, "README (1)") {
		t.Fatalf("expected README (1), got %s", got)
	}
}
