package workspace

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Prepare creates the per-run scratch directory root/runID. The returned
// cleanup removes it and is safe to call more than once.
func Prepare(root, runID string) (dir string, cleanup func() error, err error) {
	if root == "" {
		return "", nil, fmt.Errorf("workspace root is required")
	}
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return "", nil, fmt.Errorf("invalid run id %q", runID)
	}

	dir = filepath.Join(root, runID)
	if _, err := os.Stat(dir); err == nil {
		return "", nil, fmt.Errorf("workspace %s already exists", dir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", nil, err
	}
	cleanup = func() error { return os.RemoveAll(dir) }
	return dir, cleanup, nil
}

// Resolve joins rel onto the workspace dir, refusing paths that escape it.
// An empty or "." rel resolves to dir itself.
func Resolve(dir, rel string) (string, error) {
	if rel == "" || rel == "." {
		return dir, nil
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute paths are not allowed: %s", rel)
	}
	cleaned := filepath.Clean(rel)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", rel)
	}

	joined := filepath.Join(dir, cleaned)
	relCheck, err := filepath.Rel(dir, joined)
	if err != nil || relCheck == ".." || strings.HasPrefix(relCheck, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", rel)
	}
	return joined, nil
}

// CopyTree copies a local source tree into dst, skipping VCS metadata and
// shipgate state directories.
func CopyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("source path is not a directory: %s", src)
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return os.MkdirAll(dst, 0755)
		}
		if shouldSkip(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		destPath := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(destPath, 0755)
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, destPath, info.Mode())
	})
}

// IsLocalSource reports whether source names an existing local directory.
func IsLocalSource(source string) bool {
	if source == "" || strings.Contains(source, "://") {
		return false
	}
	info, err := os.Stat(source)
	return err == nil && info.IsDir()
}

func shouldSkip(rel string) bool {
	parts := strings.Split(rel, string(filepath.Separator))
	switch parts[0] {
	case ".git", ".shipgate":
		return true
	}
	return false
}

func copyFile(src, dest string, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode.Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
