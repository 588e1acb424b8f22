package isolation

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

// CopyTree recursively copies src into dst, skipping any path component
// that matches an exclude glob. Symlinks are recreated as symlinks rather than
// followed, so a link pointing outside src's filesystem never gets
// dereferenced into the copy. Unreadable files are skipped rather than
// aborting the whole copy. Large trees are fanned out across
// runtime.NumCPU() workers.
func CopyTree(src, dst string, excludes []string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("isolation: mkdir %s: %w", dst, err)
	}

	type job struct{ relPath string }
	jobs := make(chan job, 256)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				if err := copyOne(src, dst, j.relPath); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			}
		}()
	}

	walkErr := filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		rel, err := filepath.Rel(src, path)
		if err != nil || rel == "." {
			return nil
		}
		if excluded(rel, d.Name(), excludes) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return os.MkdirAll(filepath.Join(dst, rel), 0o755)
		}
		jobs <- job{relPath: rel}
		return nil
	})
	close(jobs)
	wg.Wait()

	if walkErr != nil {
		return fmt.Errorf("isolation: walk %s: %w", src, walkErr)
	}
	return firstErr
}

func excluded(rel, base string, excludes []string) bool {
	for _, pat := range excludes {
		if ok, _ := filepath.Match(pat, base); ok {
			return true
		}
		if ok, _ := filepath.Match(pat, rel); ok {
			return true
		}
	}
	return false
}

func copyOne(src, dst, rel string) error {
	srcPath := filepath.Join(src, rel)
	dstPath := filepath.Join(dst, rel)

	info, err := os.Lstat(srcPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return nil // unreadable: skip
	}

	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(srcPath)
		if err != nil {
			return nil
		}
		_ = os.Remove(dstPath)
		return os.Symlink(target, dstPath)
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return fmt.Errorf("isolation: mkdir %s: %w", filepath.Dir(dstPath), err)
	}

	in, err := os.Open(srcPath)
	if err != nil {
		return nil // unreadable: skip
	}
	defer in.Close()

	out, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("isolation: create %s: %w", dstPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("isolation: copy %s: %w", rel, err)
	}
	return nil
}
