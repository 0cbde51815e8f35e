// Package integrity detects drift between a file tree and its trusted baseline.
// It never remediates; callers decide what to do with the verdicts.
package integrity

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/y0ug/antideface/internal/database/models"
	"github.com/y0ug/antideface/internal/fingerprint"
)

// Checker compares current digests against a baseline.
type Checker struct {
	fp     *fingerprint.Fingerprinter
	logger *logrus.Logger
}

// NewChecker creates a Checker hashing files with fp.
func NewChecker(fp *fingerprint.Fingerprinter, logger *logrus.Logger) *Checker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Checker{fp: fp, logger: logger}
}

// Check walks root and classifies every file against baseline. Baseline
// entries outside root are ignored. Files that vanish during the pass are
// reported Missing. A non-nil error means ctx ended the pass early.
func (c *Checker) Check(ctx context.Context, root string, baseline models.Baseline) (*models.CheckReport, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, models.NewPathError("check", root, err)
	}

	result, err := c.fp.Hash(ctx, absRoot)
	if err != nil {
		return nil, err
	}

	current := make(map[string]string, len(result.Records))
	for path, rec := range result.Records {
		current[path] = rec.Digest
	}

	report := &models.CheckReport{
		Root:      absRoot,
		CheckedAt: time.Now().UTC(),
		Entries:   Diff(scope(baseline, absRoot), current),
		Errors:    result.Errors,
	}

	counts := report.Counts()
	c.logger.WithFields(logrus.Fields{
		"root":      absRoot,
		"unchanged": counts[models.Unchanged],
		"modified":  counts[models.Modified],
		"added":     counts[models.Added],
		"missing":   counts[models.Missing],
		"errors":    len(report.Errors),
	}).Info("Integrity check finished")
	return report, nil
}

// Diff classifies the union of baseline and current paths, sorted by path.
func Diff(baseline map[string]string, current map[string]string) []models.VerdictEntry {
	entries := make([]models.VerdictEntry, 0, len(current)+len(baseline))
	for path, digest := range current {
		expected, ok := baseline[path]
		switch {
		case !ok:
			entries = append(entries, models.VerdictEntry{Path: path, Verdict: models.Added, Current: digest})
		case expected == digest:
			entries = append(entries, models.VerdictEntry{Path: path, Verdict: models.Unchanged, Expected: expected, Current: digest})
		default:
			entries = append(entries, models.VerdictEntry{Path: path, Verdict: models.Modified, Expected: expected, Current: digest})
		}
	}
	for path, expected := range baseline {
		if _, ok := current[path]; !ok {
			entries = append(entries, models.VerdictEntry{Path: path, Verdict: models.Missing, Expected: expected})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries
}

func scope(baseline models.Baseline, root string) map[string]string {
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	scoped := make(map[string]string, len(baseline.Files))
	for path, digest := range baseline.Files {
		if path == root || strings.HasPrefix(path, prefix) {
			scoped[path] = digest
		}
	}
	return scoped
}
