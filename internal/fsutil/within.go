package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Within reports whether writing or removing path stays strictly below root
// once symbolic links in root and in the parent directories of path are
// resolved. The last element of path is not resolved: removing or replacing a
// link acts on the link itself.
func Within(root, path string) (bool, error) {
	realRoot, err := resolve(root)
	if err != nil {
		return false, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false, err
	}
	parent, err := resolve(filepath.Dir(abs))
	if err != nil {
		return false, err
	}
	rel, err := filepath.Rel(realRoot, filepath.Join(parent, filepath.Base(abs)))
	if err != nil {
		return false, nil
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)), nil
}

// resolve evaluates the symlinks of the longest existing prefix of path and
// appends the missing tail unchanged. A dangling link in the prefix is an
// error, since creating through it would land wherever it points.
func resolve(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	var tail []string
	for {
		real, err := filepath.EvalSymlinks(p)
		if err == nil {
			return filepath.Join(append([]string{real}, tail...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		if _, lerr := os.Lstat(p); lerr == nil {
			return "", fmt.Errorf("dangling symlink %s: %w", p, err)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", err
		}
		tail = append([]string{filepath.Base(p)}, tail...)
		p = parent
	}
}
