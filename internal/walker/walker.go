// Package walker enumerates the regular files of a directory tree.
//
// Symbolic links are followed, but every directory is entered at most once by
// its resolved real path, so linked cycles always terminate.
package walker

import (
	"context"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/sirupsen/logrus"
	"github.com/y0ug/antideface/internal/database/models"
)

// DefaultExclude lists transient or administrative directory names.
var DefaultExclude = []string{".git", ".svn", "cache", "upgrade", "node_modules"}

// Options configures which entries the walker skips.
type Options struct {
	// Exclude holds base names skipped wherever they appear.
	Exclude []string
	// ExcludePaths holds absolute paths skipped exactly (state files).
	ExcludePaths []string
	// Skip reports whether an absolute path is skipped. It is consulted on
	// every entry, so its answer may change between walks.
	Skip   func(path string) bool
	Logger *logrus.Logger
}

// Walker walks directory trees. It holds no state between walks.
type Walker struct {
	exclude      map[string]struct{}
	excludePaths map[string]struct{}
	skip         func(string) bool
	logger       *logrus.Logger
}

var errStop = errors.New("walk stopped")

// New creates a Walker from opts.
func New(opts Options) *Walker {
	w := &Walker{
		exclude:      make(map[string]struct{}, len(opts.Exclude)),
		excludePaths: make(map[string]struct{}, len(opts.ExcludePaths)),
		skip:         opts.Skip,
		logger:       opts.Logger,
	}
	if w.logger == nil {
		w.logger = logrus.StandardLogger()
	}
	for _, name := range opts.Exclude {
		if name = strings.TrimSpace(name); name != "" {
			w.exclude[name] = struct{}{}
		}
	}
	for _, p := range opts.ExcludePaths {
		if p == "" {
			continue
		}
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		w.excludePaths[filepath.Clean(p)] = struct{}{}
	}
	return w
}

// Without returns a walker that additionally skips paths. It is used to keep
// nested scan targets out of their parent's walk.
func (w *Walker) Without(paths ...string) *Walker {
	if len(paths) == 0 {
		return w
	}
	out := *w
	out.excludePaths = make(map[string]struct{}, len(w.excludePaths)+len(paths))
	for p := range w.excludePaths {
		out.excludePaths[p] = struct{}{}
	}
	for _, p := range paths {
		if abs, err := filepath.Abs(p); err == nil {
			out.excludePaths[filepath.Clean(abs)] = struct{}{}
		}
	}
	return &out
}

// Skips reports whether the walk would leave path out.
func (w *Walker) Skips(path string) bool {
	path = filepath.Clean(path)
	return w.skipped(path, filepath.Base(path))
}

func (w *Walker) skipped(path, name string) bool {
	if _, ok := w.exclude[name]; ok {
		return true
	}
	if _, ok := w.excludePaths[path]; ok {
		return true
	}
	return w.skip != nil && w.skip(path)
}

// Walk returns a lazy sequence over the regular files under root. Failures on
// individual entries are yielded as ("", err) and the walk continues. Each
// range over the sequence re-walks the tree from disk.
func (w *Walker) Walk(ctx context.Context, root string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			yield("", models.NewPathError("walk", root, err))
			return
		}
		info, err := os.Stat(absRoot)
		if err != nil {
			yield("", models.NewPathError("walk", absRoot, err))
			return
		}
		if !info.IsDir() {
			if info.Mode().IsRegular() {
				yield(absRoot, nil)
			}
			return
		}

		visited := make(map[string]struct{})
		if real, err := filepath.EvalSymlinks(absRoot); err == nil {
			visited[real] = struct{}{}
		}

		stopped := false
		emit := func(path string, err error) error {
			if !yield(path, err) {
				stopped = true
				return errStop
			}
			return nil
		}

		walkErr := godirwalk.Walk(absRoot, &godirwalk.Options{
			FollowSymbolicLinks: true,
			Callback: func(path string, de *godirwalk.Dirent) error {
				if ctx.Err() != nil {
					stopped = true
					return errStop
				}
				if path == absRoot {
					return nil
				}
				if w.skipped(path, de.Name()) {
					return godirwalk.SkipThis
				}

				isDir := de.IsDir()
				if de.IsSymlink() {
					target, err := os.Stat(path)
					if err != nil {
						if err := emit("", models.NewPathError("stat", path, err)); err != nil {
							return err
						}
						return godirwalk.SkipThis
					}
					if target.Mode().IsRegular() {
						return emit(path, nil)
					}
					if !target.IsDir() {
						return godirwalk.SkipThis
					}
					isDir = true
				}

				if isDir {
					real, err := filepath.EvalSymlinks(path)
					if err != nil {
						if err := emit("", models.NewPathError("resolve", path, err)); err != nil {
							return err
						}
						return godirwalk.SkipThis
					}
					if _, seen := visited[real]; seen {
						w.logger.WithFields(logrus.Fields{
							"path":      path,
							"real_path": real,
						}).Warn("Directory already visited; breaking symlink cycle")
						if err := emit("", models.NewPathError("walk", path, models.ErrSymlinkLoop)); err != nil {
							return err
						}
						return godirwalk.SkipThis
					}
					visited[real] = struct{}{}
					return nil
				}

				if de.IsRegular() {
					return emit(path, nil)
				}
				return nil
			},
			ErrorCallback: func(path string, err error) godirwalk.ErrorAction {
				if stopped || errors.Is(err, errStop) {
					return godirwalk.Halt
				}
				w.logger.WithError(err).WithField("path", path).Warn("Skipping unreadable entry")
				if emit("", models.NewPathError("walk", path, err)) != nil {
					return godirwalk.Halt
				}
				return godirwalk.SkipNode
			},
		})
		if walkErr != nil && !stopped && !errors.Is(walkErr, errStop) {
			yield("", models.NewPathError("walk", absRoot, walkErr))
		}
	}
}

// Collect walks root and returns every file path plus the skipped-entry errors.
func (w *Walker) Collect(ctx context.Context, root string) ([]string, []error) {
	var files []string
	var errs []error
	for path, err := range w.Walk(ctx, root) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		files = append(files, path)
	}
	return files, errs
}
