// Package watcher turns filesystem events under a tree into debounced
// check triggers.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/karrick/godirwalk"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce is the quiet period before a trigger fires.
const DefaultDebounce = 2 * time.Second

// Options configures a Watcher.
type Options struct {
	Debounce time.Duration
	// Exclude holds directory or file base names whose events are ignored.
	Exclude []string
	// Ignore reports whether events on path are ignored.
	Ignore func(path string) bool
	Logger *logrus.Logger
}

// Watcher watches directory trees recursively.
type Watcher struct {
	fs       *fsnotify.Watcher
	debounce time.Duration
	exclude  map[string]struct{}
	ignore   func(string) bool
	logger   *logrus.Logger
	roots    []string
}

// New creates a Watcher. Call Close when done.
func New(opts Options) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	w := &Watcher{
		fs:       fw,
		debounce: opts.Debounce,
		exclude:  make(map[string]struct{}, len(opts.Exclude)),
		ignore:   opts.Ignore,
		logger:   opts.Logger,
	}
	for _, name := range opts.Exclude {
		w.exclude[name] = struct{}{}
	}
	return w, nil
}

// Close releases the underlying watches.
func (w *Watcher) Close() error {
	return w.fs.Close()
}

// Add watches root and every directory below it. Symbolic links are not
// followed.
func (w *Watcher) Add(root string) error {
	root, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	w.roots = append(w.roots, root)
	return w.addTree(root)
}

func (w *Watcher) addTree(root string) error {
	return godirwalk.Walk(root, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if !de.IsDir() {
				return nil
			}
			if path != root && w.ignored(path) {
				return godirwalk.SkipThis
			}
			return w.fs.Add(path)
		},
		ErrorCallback: func(path string, err error) godirwalk.ErrorAction {
			w.logger.WithError(err).WithField("path", path).Warn("Cannot watch directory")
			return godirwalk.SkipNode
		},
		Unsorted: true,
	})
}

func (w *Watcher) ignored(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(w.relative(path)), "/") {
		if _, ok := w.exclude[part]; ok {
			return true
		}
	}
	base := filepath.Base(path)
	// Temp files of atomic replacements.
	if strings.HasPrefix(base, ".") && strings.Contains(base, ".tmp-") {
		return true
	}
	return w.ignore != nil && w.ignore(path)
}

func (w *Watcher) relative(path string) string {
	for _, root := range w.roots {
		if rel, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(rel, "..") {
			return rel
		}
	}
	return filepath.Base(path)
}

// Run calls trigger once events have been quiet for the debounce period.
// Triggers never overlap. Run returns when ctx ends.
func (w *Watcher) Run(ctx context.Context, trigger func(context.Context)) {
	fire := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-fire:
				trigger(ctx)
			}
		}
	}()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		<-done
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if w.ignored(ev.Name) {
				continue
			}
			if ev.Op&fsnotify.Create == fsnotify.Create {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(ev.Name); err != nil {
						w.logger.WithError(err).WithField("path", ev.Name).Warn("Cannot watch new directory")
					}
				}
			}
			w.logger.WithFields(logrus.Fields{"path": ev.Name, "op": ev.Op.String()}).Debug("Filesystem event")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("Watch error")
		}
	}
}
