package fileops

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathTraversal reports a path that resolves outside its allowed base directory.
var ErrPathTraversal = errors.New("path traversal detected")

// ValidateAndNormalizePath resolves filePath against baseDir and verifies the
// result stays inside baseDir. Relative paths are joined with baseDir; absolute
// paths are taken as-is. The returned path has its directory resolved but keeps
// the final element as named, so a symlink is operated on rather than its
// target. Both the link and whatever it points to must lie inside baseDir.
func ValidateAndNormalizePath(filePath, baseDir string) (string, error) {
	if strings.TrimSpace(baseDir) == "" {
		return "", errors.New("validate path: base directory is required")
	}
	if strings.TrimSpace(filePath) == "" {
		return "", errors.New("validate path: file path is required")
	}

	base, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("validate path: resolve base: %w", err)
	}
	base, err = resolveExisting(base)
	if err != nil {
		return "", fmt.Errorf("validate path: resolve base: %w", err)
	}

	candidate := filepath.Clean(filePath)
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(base, candidate)
	}
	dir, err := resolveExisting(filepath.Dir(candidate))
	if err != nil {
		return "", fmt.Errorf("validate path: resolve %s: %w", filePath, err)
	}
	named := filepath.Join(dir, filepath.Base(candidate))
	if !within(base, named) || named == base {
		return "", fmt.Errorf("%w: %s is outside %s", ErrPathTraversal, filePath, baseDir)
	}

	target, err := resolveExisting(named)
	if err != nil {
		return "", fmt.Errorf("validate path: resolve %s: %w", filePath, err)
	}
	if !within(base, target) {
		return "", fmt.Errorf("%w: %s is outside %s", ErrPathTraversal, filePath, baseDir)
	}
	return named, nil
}

func within(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}

// resolveExisting evaluates symlinks on the longest existing prefix of path and
// re-appends the missing remainder, so paths to files that do not exist yet can
// still be checked.
func resolveExisting(path string) (string, error) {
	path = filepath.Clean(path)
	var missing []string
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, missing[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return path, nil
		}
		missing = append(missing, filepath.Base(current))
		current = parent
	}
}

// CheckFileExists reports whether path exists. A missing file is (false, nil);
// any other stat failure is returned.
func CheckFileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
