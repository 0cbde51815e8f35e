// Package antideface sequences baseline builds, integrity checks, restores and
// pattern scans over a managed installation.
package antideface

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/y0ug/antideface/internal/antideface/apis"
	"github.com/y0ug/antideface/internal/database"
	"github.com/y0ug/antideface/internal/database/models"
	"github.com/y0ug/antideface/internal/fingerprint"
	"github.com/y0ug/antideface/internal/fsutil"
	"github.com/y0ug/antideface/internal/integrity"
	"github.com/y0ug/antideface/internal/notifications"
	"github.com/y0ug/antideface/internal/restore"
	"github.com/y0ug/antideface/internal/scanner"
	"github.com/y0ug/antideface/internal/walker"
)

// MonitorConfig holds the configuration and collaborators of a Monitor.
type MonitorConfig struct {
	Config      *Config
	Database    database.Database
	Notifier    *notifications.Notifier
	VulnClients []apis.VulnClient
	Rules       []scanner.Rule
	BackupRefs  map[string]string
	Logger      *logrus.Logger
}

// Status is a snapshot of the installation for the presentation layer.
type Status struct {
	State     models.State        `json:"state"`
	Root      string              `json:"root"`
	LastCheck *models.CheckReport `json:"last_check,omitempty"`
	LastScan  *models.ScanReport  `json:"last_scan,omitempty"`
}

// Monitor is the engine entry point. Build, Check and TeardownState are
// serialized; restores are serialized per path.
type Monitor struct {
	Config MonitorConfig

	cfg           *Config
	db            database.Database
	walker        *walker.Walker
	fingerprinter *fingerprint.Fingerprinter
	checker       *integrity.Checker
	restorer      *restore.Restorer
	scanner       *scanner.Scanner
	sem           *semaphore.Weighted
	logger        *logrus.Logger

	opMu sync.Mutex

	mu        sync.RWMutex
	state     models.State
	lastCheck *models.CheckReport
	lastScan  *models.ScanReport
}

// NewMonitor initializes a new Monitor.
func NewMonitor(config MonitorConfig, maxConcurrency int64) *Monitor {
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cfg := config.Config
	if maxConcurrency <= 0 {
		maxConcurrency = fingerprint.DefaultConcurrency
	}

	excludePaths := config.Database.StatePaths()
	excludePaths = append(excludePaths, cfg.RulesFile, cfg.BackupRefsFile)

	sc := scanner.New(scanner.Options{
		Rules:    config.Rules,
		MaxBytes: cfg.MaxScanBytes,
		Logger:   logger,
	})
	restorer := restore.New(restore.Options{
		BackupSuffix: cfg.BackupSuffix,
		BackupRefs:   config.BackupRefs,
		AddedPolicy:  cfg.AddedPolicy,
		Classifier:   sc,
		Logger:       logger,
	})
	restorer.TrackBackups(cfg.Protected)

	w := walker.New(walker.Options{
		Exclude:      cfg.Exclude,
		ExcludePaths: excludePaths,
		Skip:         restorer.IsBackup,
		Logger:       logger,
	})
	fp := fingerprint.New(w, maxConcurrency, logger)

	return &Monitor{
		Config:        config,
		cfg:           cfg,
		db:            config.Database,
		walker:        w,
		fingerprinter: fp,
		checker:       integrity.NewChecker(fp, logger),
		restorer:      restorer,
		scanner:       sc,
		sem:           semaphore.NewWeighted(maxConcurrency),
		logger:        logger,
	}
}

// LoadState derives the lifecycle state from the stored baseline.
func (m *Monitor) LoadState(ctx context.Context) models.State {
	state := models.StateUninitialized
	if b, err := m.db.LoadBaseline(ctx); err == nil && b.Version >= models.BaselineVersion {
		state = models.StateBaselined
	}
	m.setState(state)
	return state
}

// State returns the current lifecycle state.
func (m *Monitor) State() models.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Status returns the state and the most recent reports.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		State:     m.state,
		Root:      m.cfg.Root,
		LastCheck: m.lastCheck,
		LastScan:  m.lastScan,
	}
}

func (m *Monitor) setState(s models.State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		m.logger.WithFields(logrus.Fields{"from": prev.String(), "to": s.String()}).Info("State changed")
	}
}

// Build fingerprints root (the configured root when empty) and replaces the
// stored baseline. An interrupted build is never saved.
func (m *Monitor) Build(ctx context.Context, root string) (models.Baseline, []error, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.build(ctx, m.rootOrDefault(root))
}

func (m *Monitor) build(ctx context.Context, root string) (models.Baseline, []error, error) {
	baseline, errs, err := m.fingerprinter.Build(ctx, root)
	if err != nil {
		return models.Baseline{}, errs, fmt.Errorf("baseline build interrupted: %w", err)
	}
	if err := m.db.SaveBaseline(ctx, baseline); err != nil {
		return baseline, errs, fmt.Errorf("failed to save baseline: %w", err)
	}
	m.mu.Lock()
	m.lastCheck = nil
	m.mu.Unlock()
	m.setState(models.StateBaselined)
	return baseline, errs, nil
}

// Check compares root against baseline. With a nil baseline the stored one
// is used; when none is usable a new baseline is built instead and the
// report is marked Bootstrapped.
func (m *Monitor) Check(ctx context.Context, root string, baseline *models.Baseline) (*models.CheckReport, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	root = m.rootOrDefault(root)

	if baseline == nil {
		stored, err := m.db.LoadBaseline(ctx)
		switch {
		case err == nil && stored.Version >= models.BaselineVersion:
			baseline = &stored
		case err == nil:
			m.logger.WithField("version", stored.Version).Warn("Legacy baseline found; rebuilding")
			return m.bootstrap(ctx, root)
		case errors.Is(err, models.ErrBaselineNotFound):
			m.logger.Info("No baseline found; building one")
			return m.bootstrap(ctx, root)
		case errors.Is(err, models.ErrCorruptBaseline):
			m.logger.WithError(err).Warn("Baseline corrupt; rebuilding")
			return m.bootstrap(ctx, root)
		default:
			return nil, fmt.Errorf("failed to load baseline: %w", err)
		}
	}

	report, err := m.checker.Check(ctx, root, *baseline)
	if err != nil {
		return nil, err
	}
	if report.Clean() {
		m.setState(models.StateClean)
	} else {
		m.setState(models.StateDrifted)
	}
	m.mu.Lock()
	m.lastCheck = report
	m.mu.Unlock()
	return report, nil
}

func (m *Monitor) bootstrap(ctx context.Context, root string) (*models.CheckReport, error) {
	_, errs, err := m.build(ctx, root)
	if err != nil {
		return nil, err
	}
	report := &models.CheckReport{
		Root:         root,
		Bootstrapped: true,
		CheckedAt:    time.Now().UTC(),
		Errors:       errs,
	}
	m.mu.Lock()
	m.lastCheck = report
	m.mu.Unlock()
	return report, nil
}

// Restore remediates a single path against the stored baseline.
func (m *Monitor) Restore(ctx context.Context, path string) (models.RestoreResult, error) {
	path, err := m.managedPath("restore", path)
	if err != nil {
		return models.RestoreResult{Path: path}, err
	}
	baseline, err := m.db.LoadBaseline(ctx)
	if err != nil {
		return models.RestoreResult{Path: path}, fmt.Errorf("cannot restore without a baseline: %w", err)
	}
	verdict, err := verdictFor(path, baseline)
	if err != nil {
		return models.RestoreResult{Path: path}, err
	}

	outcome, err := m.restorer.Restore(ctx, path, verdict)
	result := models.RestoreResult{Path: path, Verdict: verdict, Outcome: outcome}
	if err != nil {
		result.Error = err.Error()
		return result, err
	}
	if outcome != models.Skipped && m.State() == models.StateDrifted {
		m.setState(models.StateBaselined)
	}
	return result, nil
}

// RestoreDrift remediates every drifted entry of report.
func (m *Monitor) RestoreDrift(ctx context.Context, report *models.CheckReport) []models.RestoreResult {
	var (
		allowed []models.VerdictEntry
		refused []models.RestoreResult
	)
	for _, e := range report.Drifted() {
		if _, err := m.managedPath("restore", e.Path); err != nil {
			m.logger.WithField("path", e.Path).WithError(err).Warn("Restore refused")
			refused = append(refused, models.RestoreResult{Path: e.Path, Verdict: e.Verdict, Error: err.Error()})
			continue
		}
		allowed = append(allowed, e)
	}
	results := append(m.restorer.RestoreAll(ctx, allowed), refused...)
	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}
	if failed == 0 && m.State() == models.StateDrifted {
		m.setState(models.StateBaselined)
	}
	return results
}

// managedPath resolves path and requires it to lie strictly below the root,
// symbolic links included.
func (m *Monitor) managedPath(op, path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path, err
	}
	inside, err := fsutil.Within(m.cfg.Root, abs)
	if err != nil {
		return abs, fmt.Errorf("%s %s: %w: %v", op, abs, models.ErrNotAuthorized, err)
	}
	if !inside {
		return abs, fmt.Errorf("%s %s: %w: outside %s", op, abs, models.ErrNotAuthorized, m.cfg.Root)
	}
	return abs, nil
}

func verdictFor(path string, baseline models.Baseline) (models.Verdict, error) {
	expected, tracked := baseline.Digest(path)
	current, err := fingerprint.Digest(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if tracked {
			return models.Missing, nil
		}
		return models.Unchanged, nil
	case err != nil:
		return models.Unchanged, models.NewPathError("restore", path, err)
	case !tracked:
		return models.Added, nil
	case current != expected:
		return models.Modified, nil
	default:
		return models.Unchanged, nil
	}
}

// Delete removes a file reported by a scan.
func (m *Monitor) Delete(ctx context.Context, path string) error {
	path, err := m.managedPath("delete", path)
	if err != nil {
		return err
	}
	return m.restorer.Delete(ctx, path)
}

// Backup (re)creates the backups of paths, or of the protected paths when
// none are given.
func (m *Monitor) Backup(paths []string) []error {
	if len(paths) == 0 {
		paths = m.cfg.Protected
	}
	return m.restorer.BackupAll(paths)
}

// TeardownState deletes the baseline and the backups of the protected paths.
func (m *Monitor) TeardownState(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	var errs []error
	if err := m.db.DeleteBaseline(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to delete baseline: %w", err))
	}
	for _, backup := range m.restorer.BackupFiles(m.cfg.Protected) {
		if err := os.Remove(backup); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, models.NewPathError("teardown", backup, err))
		}
	}

	m.mu.Lock()
	m.lastCheck = nil
	m.lastScan = nil
	m.mu.Unlock()
	m.setState(models.StateUninitialized)
	m.logger.Warn("Engine state torn down")
	return errors.Join(errs...)
}

// Ignored reports whether path is engine state or otherwise left out of
// baselines, so changes to it never count as drift.
func (m *Monitor) Ignored(path string) bool {
	return m.walker.Skips(path)
}

// Targets discovers the scan targets of the configured installation.
func (m *Monitor) Targets() ([]Target, []error) {
	return DiscoverTargets(m.cfg.Root, m.cfg.ContentDir)
}

// Scan runs the pattern scanner over each target independently. A failing
// target records its errors and the others still report. When the scan
// deadline or ctx ends the pass, files already started complete, no new file
// is started, and the report is marked Partial.
func (m *Monitor) Scan(ctx context.Context, targets []Target) *models.ScanReport {
	var discoverErrs []error
	if len(targets) == 0 {
		targets, discoverErrs = m.Targets()
	}
	if m.cfg.ScanDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ScanDeadline)
		defer cancel()
	}

	report := &models.ScanReport{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
	for _, t := range targets {
		if ctx.Err() != nil {
			break
		}
		report.Targets = append(report.Targets, m.scanTarget(ctx, t, nestedRoots(t, targets)))
	}
	if len(discoverErrs) > 0 && len(report.Targets) > 0 {
		report.Targets[0].Errors = append(report.Targets[0].Errors, discoverErrs...)
	}
	report.Partial = ctx.Err() != nil
	report.FinishedAt = time.Now().UTC()

	m.logger.WithFields(logrus.Fields{
		"scan_id":  report.ID,
		"targets":  len(report.Targets),
		"findings": len(report.Findings()),
		"partial":  report.Partial,
	}).Info("Scan finished")

	m.mu.Lock()
	m.lastScan = report
	m.mu.Unlock()
	return report
}

// nestedRoots lists the roots of the other targets strictly below t, which
// report their own files.
func nestedRoots(t Target, targets []Target) []string {
	var roots []string
	for _, other := range targets {
		rel, err := filepath.Rel(t.Root, other.Root)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		roots = append(roots, other.Root)
	}
	return roots
}

func (m *Monitor) scanTarget(ctx context.Context, t Target, nested []string) models.TargetReport {
	tr := models.TargetReport{Label: t.Label, Root: t.Root}
	logger := m.logger.WithFields(logrus.Fields{"target": t.Label, "root": t.Root})

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for path, err := range m.walker.Without(nested...).Walk(ctx, t.Root) {
		if err != nil {
			mu.Lock()
			tr.Errors = append(tr.Errors, err)
			mu.Unlock()
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if err := m.sem.Acquire(ctx, 1); err != nil {
			break
		}

		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			defer m.sem.Release(1)
			findings := m.scanner.Scan(p)
			mu.Lock()
			tr.FilesScanned++
			tr.Findings = append(tr.Findings, findings...)
			mu.Unlock()
		}(path)
	}
	wg.Wait()

	sort.Slice(tr.Findings, func(i, j int) bool {
		if tr.Findings[i].Path != tr.Findings[j].Path {
			return tr.Findings[i].Path < tr.Findings[j].Path
		}
		return tr.Findings[i].RuleID < tr.Findings[j].RuleID
	})

	if t.Component != nil && ctx.Err() == nil {
		tr.Vulnerabilities = m.lookupVulnerabilities(ctx, *t.Component)
	}

	if len(tr.Errors) > 0 {
		logger.WithField("errors", len(tr.Errors)).Warn("Target scanned with errors")
	}
	return tr
}

// lookupVulnerabilities asks every feed about component. Feed failures mean
// no data for that feed.
func (m *Monitor) lookupVulnerabilities(ctx context.Context, component models.Component) []models.Vulnerability {
	var vulns []models.Vulnerability
	for _, client := range m.Config.VulnClients {
		found, err := client.Lookup(ctx, component)
		if err != nil {
			m.logger.WithFields(logrus.Fields{
				"api":       client.ProviderName(),
				"component": component.Name,
			}).WithError(err).Warn("Vulnerability lookup failed")
			continue
		}
		vulns = append(vulns, found...)
	}
	return vulns
}

// Start begins the periodic check and scan process.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Monitoring stopped due to context cancellation")
			return
		default:
			m.RunCheck(ctx)
			m.RunScan(ctx)
			select {
			case <-ctx.Done():
				m.logger.Info("Monitoring stopped due to context cancellation")
				return
			case <-ticker.C:
				// Continue to next iteration
			}
		}
	}
}

// RunCheck checks the configured root, restores drift when auto-restore is
// enabled, and notifies about drift.
func (m *Monitor) RunCheck(ctx context.Context) *models.CheckReport {
	report, err := m.Check(ctx, "", nil)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.WithError(err).Error("Integrity check failed")
		}
		return nil
	}
	if report.Bootstrapped || report.Clean() {
		return report
	}

	drifted := report.Drifted()
	message := fmt.Sprintf("%d file(s) drifted from the baseline under %s:\n%s",
		len(drifted), report.Root, summarizeEntries(drifted, 20))
	if m.cfg.AutoRestore {
		results := m.RestoreDrift(ctx, report)
		message += "\n\n" + summarizeRestores(results)
	}
	m.Config.Notifier.Send("File Integrity Drift", message)
	return report
}

// RunScan scans every discovered target and notifies about findings and
// known vulnerabilities not already reported by the previous scan.
func (m *Monitor) RunScan(ctx context.Context) *models.ScanReport {
	previous := m.Status().LastScan
	report := m.Scan(ctx, nil)
	findings, vulns := newAlerts(previous, report)

	if len(findings) > 0 {
		var b strings.Builder
		for i, f := range findings {
			if i == 20 {
				fmt.Fprintf(&b, "... and %d more\n", len(findings)-i)
				break
			}
			fmt.Fprintf(&b, "[%s] %s: %s\n", f.Severity, f.Issue, f.Path)
		}
		m.Config.Notifier.Send("Unwanted Files Detected", b.String())
	}
	for _, v := range vulns {
		m.Config.Notifier.Send("Vulnerability Detected",
			fmt.Sprintf("A vulnerability has been detected in %s: %s", v.Component.Name, v.Title))
	}
	return report
}

// newAlerts returns the findings and vulnerabilities of current that previous
// did not carry. With no previous scan everything is new.
func newAlerts(previous, current *models.ScanReport) ([]models.Finding, []models.Vulnerability) {
	type vulnKey struct {
		provider, kind, name, version, title string
	}
	keyOf := func(v models.Vulnerability) vulnKey {
		return vulnKey{v.Provider, v.Component.Kind, v.Component.Name, v.Component.Version, v.Title}
	}

	seenFindings := make(map[[2]string]struct{})
	seenVulns := make(map[vulnKey]struct{})
	if previous != nil {
		for _, f := range previous.Findings() {
			seenFindings[[2]string{f.Path, f.RuleID}] = struct{}{}
		}
		for _, t := range previous.Targets {
			for _, v := range t.Vulnerabilities {
				seenVulns[keyOf(v)] = struct{}{}
			}
		}
	}

	var findings []models.Finding
	for _, f := range current.Findings() {
		if _, ok := seenFindings[[2]string{f.Path, f.RuleID}]; !ok {
			findings = append(findings, f)
		}
	}
	var vulns []models.Vulnerability
	for _, t := range current.Targets {
		for _, v := range t.Vulnerabilities {
			if _, ok := seenVulns[keyOf(v)]; !ok {
				seenVulns[keyOf(v)] = struct{}{}
				vulns = append(vulns, v)
			}
		}
	}
	return findings, vulns
}

func (m *Monitor) rootOrDefault(root string) string {
	if root == "" {
		return m.cfg.Root
	}
	if abs, err := filepath.Abs(root); err == nil {
		return abs
	}
	return root
}

func summarizeEntries(entries []models.VerdictEntry, limit int) string {
	var b strings.Builder
	for i, e := range entries {
		if i == limit {
			fmt.Fprintf(&b, "... and %d more\n", len(entries)-i)
			break
		}
		fmt.Fprintf(&b, "%s %s\n", e.Verdict, e.Path)
	}
	return b.String()
}

func summarizeRestores(results []models.RestoreResult) string {
	counts := make(map[models.RestoreOutcome]int)
	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
			continue
		}
		counts[r.Outcome]++
	}
	return fmt.Sprintf("Auto-restore: %d reverted, %d removed, %d skipped, %d failed",
		counts[models.Reverted], counts[models.Removed], counts[models.Skipped], failed)
}
