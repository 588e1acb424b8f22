package isolation

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCopyTreeCopiesFilesAndSkipsExcludes(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "copy")

	writeFile(t, filepath.Join(src, "main.go"), "package main")
	writeFile(t, filepath.Join(src, "node_modules", "pkg", "index.js"), "ignored")
	writeFile(t, filepath.Join(src, ".git", "HEAD"), "ref: refs/heads/main")

	if err := CopyTree(src, dst, []string{"node_modules", ".git"}); err != nil {
		t.Fatalf("CopyTree: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dst, "main.go")); err != nil {
		t.Errorf("expected main.go to be copied: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dst, "node_modules")); !os.IsNotExist(err) {
		t.Errorf("expected node_modules to be excluded, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dst, ".git")); !os.IsNotExist(err) {
		t.Errorf("expected .git to be excluded, stat err = %v", err)
	}
}

func TestCopyTreePreservesSymlinks(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "copy")

	writeFile(t, filepath.Join(src, "real.txt"), "hello")
	if err := os.Symlink("real.txt", filepath.Join(src, "link.txt")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	if err := CopyTree(src, dst, nil); err != nil {
		t.Fatalf("CopyTree: %v", err)
	}

	target, err := os.Readlink(filepath.Join(dst, "link.txt"))
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if target != "real.txt" {
		t.Errorf("symlink target = %q, want real.txt", target)
	}
}

func TestCopyTreeGlobExclude(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "copy")

	writeFile(t, filepath.Join(src, "a.pyc"), "x")
	writeFile(t, filepath.Join(src, "a.py"), "x")

	if err := CopyTree(src, dst, []string{"*.pyc"}); err != nil {
		t.Fatalf("CopyTree: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dst, "a.pyc")); !os.IsNotExist(err) {
		t.Errorf("expected a.pyc excluded")
	}
	if _, err := os.Stat(filepath.Join(dst, "a.py")); err != nil {
		t.Errorf("expected a.py copied: %v", err)
	}
}
