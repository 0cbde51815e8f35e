// Package restore reverts drifted files from their backups or removes them.
package restore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/y0ug/antideface/internal/database/models"
	"github.com/y0ug/antideface/internal/fsutil"
)

// DefaultBackupSuffix names the companion backup of a protected path.
const DefaultBackupSuffix = ".bak"

// AddedPolicy decides what Restore does with files absent from the baseline.
type AddedPolicy string

const (
	// AddedReport leaves added files alone.
	AddedReport AddedPolicy = "report"
	// AddedRemoveFlagged removes added files carrying a high-severity finding.
	AddedRemoveFlagged AddedPolicy = "remove-flagged"
	// AddedRemove removes every added file.
	AddedRemove AddedPolicy = "remove"
)

// ParseAddedPolicy parses a policy name; empty means AddedReport.
func ParseAddedPolicy(s string) (AddedPolicy, error) {
	switch p := AddedPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return AddedReport, nil
	case AddedReport, AddedRemoveFlagged, AddedRemove:
		return p, nil
	default:
		return "", fmt.Errorf("unknown added policy %q", s)
	}
}

// Classifier reports findings for a single file.
type Classifier interface {
	Scan(path string) []models.Finding
}

// Options configures a Restorer.
type Options struct {
	// BackupSuffix is appended to a path to locate its backup when no
	// explicit ref exists.
	BackupSuffix string
	// BackupRefs maps protected paths to designated backup paths.
	BackupRefs  map[string]string
	AddedPolicy AddedPolicy
	Classifier  Classifier
	Logger      *logrus.Logger
}

// Restorer applies remediation to individual paths. At most one action per
// path is in flight at any time.
type Restorer struct {
	suffix     string
	refs       map[string]string
	policy     AddedPolicy
	classifier Classifier
	logger     *logrus.Logger

	mu    sync.Mutex
	locks map[string]*pathLock

	backupsMu sync.RWMutex
	backups   map[string]struct{}
}

type pathLock struct {
	sync.Mutex
	refs int
}

// New creates a Restorer.
func New(opts Options) *Restorer {
	if opts.BackupSuffix == "" {
		opts.BackupSuffix = DefaultBackupSuffix
	}
	if opts.AddedPolicy == "" {
		opts.AddedPolicy = AddedReport
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	refs := make(map[string]string, len(opts.BackupRefs))
	backups := make(map[string]struct{}, len(opts.BackupRefs))
	for protected, backup := range opts.BackupRefs {
		refs[filepath.Clean(protected)] = filepath.Clean(backup)
		backups[filepath.Clean(backup)] = struct{}{}
	}
	return &Restorer{
		backups:    backups,
		suffix:     opts.BackupSuffix,
		refs:       refs,
		policy:     opts.AddedPolicy,
		classifier: opts.Classifier,
		logger:     opts.Logger,
		locks:      make(map[string]*pathLock),
	}
}

// BackupPath returns where the backup of path lives.
func (r *Restorer) BackupPath(path string) string {
	path = filepath.Clean(path)
	if ref, ok := r.refs[path]; ok {
		return ref
	}
	return path + r.suffix
}

// BackupSuffix returns the configured backup suffix.
func (r *Restorer) BackupSuffix() string {
	return r.suffix
}

// BackupFiles maps each protected path to its backup location.
func (r *Restorer) BackupFiles(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, r.BackupPath(p))
	}
	return out
}

// TrackBackups marks the backup locations of paths as engine-owned. Only
// tracked backups are hidden from walks; any other file carrying the backup
// suffix is an ordinary file.
func (r *Restorer) TrackBackups(paths []string) {
	r.backupsMu.Lock()
	defer r.backupsMu.Unlock()
	for _, p := range paths {
		r.backups[r.BackupPath(p)] = struct{}{}
	}
}

// IsBackup reports whether path is a tracked backup location.
func (r *Restorer) IsBackup(path string) bool {
	r.backupsMu.RLock()
	defer r.backupsMu.RUnlock()
	_, ok := r.backups[filepath.Clean(path)]
	return ok
}

func (r *Restorer) lock(path string) func() {
	r.mu.Lock()
	l, ok := r.locks[path]
	if !ok {
		l = &pathLock{}
		r.locks[path] = l
	}
	l.refs++
	r.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, path)
		}
		r.mu.Unlock()
	}
}

// Restore remediates path according to its verdict. Modified and Missing
// files are reverted from their backup, or removed when none exists. Added
// files are handled per the AddedPolicy. Failures are returned, never
// retried.
func (r *Restorer) Restore(ctx context.Context, path string, verdict models.Verdict) (models.RestoreOutcome, error) {
	if err := ctx.Err(); err != nil {
		return models.Skipped, err
	}
	path = filepath.Clean(path)
	unlock := r.lock(path)
	defer unlock()

	var (
		outcome models.RestoreOutcome
		err     error
	)
	switch verdict {
	case models.Modified, models.Missing:
		outcome, err = r.revert(path)
	case models.Added:
		outcome, err = r.added(path)
	default:
		outcome = models.Skipped
	}

	entry := r.logger.WithFields(logrus.Fields{
		"path":    path,
		"verdict": verdict.String(),
		"outcome": outcome.String(),
	})
	if err != nil {
		entry.WithError(err).Error("Restoration failed")
	} else if outcome != models.Skipped {
		entry.Warn("Restoration applied")
	} else {
		entry.Debug("Restoration skipped")
	}
	return outcome, err
}

// RestoreAll remediates every drifted entry and returns one result per entry.
func (r *Restorer) RestoreAll(ctx context.Context, entries []models.VerdictEntry) []models.RestoreResult {
	results := make([]models.RestoreResult, 0, len(entries))
	for _, e := range entries {
		if e.Verdict == models.Unchanged {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		outcome, err := r.Restore(ctx, e.Path, e.Verdict)
		res := models.RestoreResult{Path: e.Path, Verdict: e.Verdict, Outcome: outcome}
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results
}

func (r *Restorer) revert(path string) (models.RestoreOutcome, error) {
	backup := r.BackupPath(path)
	in, err := os.Open(backup)
	if errors.Is(err, fs.ErrNotExist) {
		if err := removeIfPresent(path); err != nil {
			return models.Skipped, models.NewPathError("remove", path, err)
		}
		return models.Removed, nil
	}
	if err != nil {
		return models.Skipped, fmt.Errorf("%w: %s: %v", models.ErrBackupUnreadable, backup, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return models.Skipped, fmt.Errorf("%w: %s: %v", models.ErrBackupUnreadable, backup, err)
	}
	if info.IsDir() {
		return models.Skipped, fmt.Errorf("%w: %s is a directory", models.ErrBackupUnreadable, backup)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return models.Skipped, models.NewPathError("restore", path, err)
	}
	if err := fsutil.CopyAtomic(in, path, info.Mode().Perm()); err != nil {
		return models.Skipped, models.NewPathError("restore", path, err)
	}
	return models.Reverted, nil
}

func (r *Restorer) added(path string) (models.RestoreOutcome, error) {
	switch r.policy {
	case AddedRemove:
	case AddedRemoveFlagged:
		if !r.flagged(path) {
			return models.Skipped, nil
		}
	default:
		return models.Skipped, nil
	}
	if err := removeIfPresent(path); err != nil {
		return models.Skipped, models.NewPathError("remove", path, err)
	}
	return models.Removed, nil
}

func (r *Restorer) flagged(path string) bool {
	if r.classifier == nil {
		return false
	}
	for _, f := range r.classifier.Scan(path) {
		if f.Severity == models.SeverityHigh {
			return true
		}
	}
	return false
}

// Delete removes path. It is the explicit removal action taken on a
// reported finding.
func (r *Restorer) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path = filepath.Clean(path)
	unlock := r.lock(path)
	defer unlock()

	if err := os.Remove(path); err != nil {
		err = models.NewPathError("delete", path, err)
		r.logger.WithField("path", path).WithError(err).Error("Deletion failed")
		return err
	}
	r.logger.WithFields(logrus.Fields{
		"path":    path,
		"outcome": models.Removed.String(),
	}).Warn("File deleted")
	return nil
}

// Backup (re)creates the backup copy of path.
func (r *Restorer) Backup(path string) error {
	path = filepath.Clean(path)
	unlock := r.lock(path)
	defer unlock()

	info, err := os.Stat(path)
	if err != nil {
		return models.NewPathError("backup", path, err)
	}
	backup := r.BackupPath(path)
	if err := os.MkdirAll(filepath.Dir(backup), 0o755); err != nil {
		return models.NewPathError("backup", backup, err)
	}
	if err := fsutil.CopyFileAtomic(path, backup, info.Mode().Perm()); err != nil {
		return models.NewPathError("backup", backup, err)
	}
	r.TrackBackups([]string{path})
	r.logger.WithFields(logrus.Fields{"path": path, "backup": backup}).Info("Backup written")
	return nil
}

// BackupAll backs up each path and returns the per-path failures.
func (r *Restorer) BackupAll(paths []string) []error {
	var errs []error
	for _, p := range paths {
		if err := r.Backup(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func removeIfPresent(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
