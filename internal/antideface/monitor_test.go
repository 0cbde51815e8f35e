package antideface

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/y0ug/antideface/internal/antideface/apis"
	"github.com/y0ug/antideface/internal/database"
	"github.com/y0ug/antideface/internal/database/models"
	"github.com/y0ug/antideface/internal/notifications"
	"github.com/y0ug/antideface/internal/restore"
	"github.com/y0ug/antideface/internal/walker"
)

type mockVulnClient struct {
	vulns []models.Vulnerability
	err   error
	calls int
}

func (m *mockVulnClient) Lookup(ctx context.Context, c models.Component) ([]models.Vulnerability, error) {
	m.calls++
	return m.vulns, m.err
}

func (m *mockVulnClient) SetRateLimiter(*apis.RateLimiter) {}

func (m *mockVulnClient) ProviderName() string { return "mock" }

type fixture struct {
	root    string
	db      *database.FileDB
	monitor *Monitor
	logs    *bytes.Buffer
}

func newFixture(t *testing.T, clients ...apis.VulnClient) *fixture {
	t.Helper()
	root := t.TempDir()
	stateDir := t.TempDir()

	var logs bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&logs)
	logger.SetLevel(logrus.DebugLevel)

	db, err := database.NewFileDB(filepath.Join(stateDir, "baseline.json"), logger)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &Config{
		Root:         root,
		ContentDir:   filepath.Join(root, "wp-content"),
		Exclude:      walker.DefaultExclude,
		Protected:    []string{filepath.Join(root, "index.php")},
		BackupSuffix: restore.DefaultBackupSuffix,
		AddedPolicy:  restore.AddedReport,
		PollInterval: time.Minute,
	}
	m := NewMonitor(MonitorConfig{
		Config:      cfg,
		Database:    db,
		VulnClients: clients,
		Logger:      logger,
	}, 4)
	return &fixture{root: root, db: db, monitor: m, logs: &logs}
}

func (f *fixture) write(t *testing.T, rel, content string) string {
	t.Helper()
	p := filepath.Join(f.root, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestCheckBootstrapsWithoutBaseline(t *testing.T) {
	f := newFixture(t)
	f.write(t, "index.php", "<?php require 'wp-blog-header.php';")
	ctx := context.Background()

	if s := f.monitor.LoadState(ctx); s != models.StateUninitialized {
		t.Fatalf("expected uninitialized, got %s", s)
	}

	report, err := f.monitor.Check(ctx, "", nil)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !report.Bootstrapped || len(report.Entries) != 0 {
		t.Fatalf("expected bootstrap report, got %+v", report)
	}
	if s := f.monitor.State(); s != models.StateBaselined {
		t.Errorf("expected baselined, got %s", s)
	}
	if _, err := f.db.LoadBaseline(ctx); err != nil {
		t.Errorf("baseline not saved: %v", err)
	}

	report, err = f.monitor.Check(ctx, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if report.Bootstrapped || !report.Clean() {
		t.Errorf("expected clean comparison, got %+v", report)
	}
	if s := f.monitor.State(); s != models.StateClean {
		t.Errorf("expected clean, got %s", s)
	}
}

func TestCheckRebuildsCorruptBaseline(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.php", "a")
	if err := os.WriteFile(f.db.StatePaths()[0], []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	report, err := f.monitor.Check(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !report.Bootstrapped {
		t.Error("expected corrupt baseline to trigger a rebuild")
	}
	b, err := f.db.LoadBaseline(context.Background())
	if err != nil || b.Len() != 1 {
		t.Errorf("expected rebuilt baseline with 1 file, got %d (%v)", b.Len(), err)
	}
}

func TestCheckRebuildsLegacyBaseline(t *testing.T) {
	f := newFixture(t)
	p := f.write(t, "a.php", "a")
	legacy := `{"` + p + `":"0cc175b9c0f1b6a831c399e269772661"}`
	os.WriteFile(f.db.StatePaths()[0], []byte(legacy), 0o600)

	report, err := f.monitor.Check(context.Background(), "", nil)
	if err != nil || !report.Bootstrapped {
		t.Fatalf("expected legacy baseline rebuild, got %+v (%v)", report, err)
	}
	b, _ := f.db.LoadBaseline(context.Background())
	if b.Version != models.BaselineVersion {
		t.Errorf("expected version %d, got %d", models.BaselineVersion, b.Version)
	}
}

func TestDriftAndRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	index := f.write(t, "index.php", "<?php // original")
	other := f.write(t, "wp-includes/load.php", "<?php // load")

	if errs := f.monitor.Backup(nil); len(errs) != 0 {
		t.Fatalf("Backup failed: %v", errs)
	}
	baseline, errs, err := f.monitor.Build(ctx, "")
	if err != nil || len(errs) != 0 {
		t.Fatalf("Build failed: %v %v", err, errs)
	}
	if _, ok := baseline.Digest(index + restore.DefaultBackupSuffix); ok {
		t.Error("backup file must not be part of the baseline")
	}

	f.write(t, "index.php", "<?php echo 'hacked by';")
	os.Remove(other)
	added := f.write(t, "wp-content/uploads/x.php", "<?php eval($_POST['c']);")

	report, err := f.monitor.Check(ctx, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]models.Verdict{}
	for _, e := range report.Drifted() {
		got[e.Path] = e.Verdict
	}
	if got[index] != models.Modified || got[other] != models.Missing || got[added] != models.Added || len(got) != 3 {
		t.Fatalf("unexpected drift %v", got)
	}
	if s := f.monitor.State(); s != models.StateDrifted {
		t.Fatalf("expected drifted, got %s", s)
	}

	res, err := f.monitor.Restore(ctx, index)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if res.Outcome != models.Reverted || res.Verdict != models.Modified {
		t.Errorf("unexpected result %+v", res)
	}
	data, _ := os.ReadFile(index)
	if string(data) != "<?php // original" {
		t.Errorf("index.php not reverted: %q", data)
	}
	if s := f.monitor.State(); s != models.StateBaselined {
		t.Errorf("expected baselined after restore, got %s", s)
	}

	res, err = f.monitor.Restore(ctx, added)
	if err != nil || res.Outcome != models.Skipped {
		t.Errorf("added file must be left alone by default, got %+v (%v)", res, err)
	}
	if _, err := os.Stat(added); err != nil {
		t.Errorf("added file removed: %v", err)
	}

	if err := f.monitor.Delete(ctx, added); err != nil {
		t.Errorf("Delete failed: %v", err)
	}
}

func TestRestoreDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "index.php", "original")
	f.monitor.Backup(nil)
	f.monitor.Build(ctx, "")
	tampered := f.write(t, "wp-login.php", "login")
	f.monitor.Build(ctx, "")
	f.write(t, "wp-login.php", "tampered")
	f.write(t, "index.php", "tampered")

	report, _ := f.monitor.Check(ctx, "", nil)
	results := f.monitor.RestoreDrift(ctx, report)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %+v", results)
	}
	outcomes := map[string]models.RestoreOutcome{}
	for _, r := range results {
		outcomes[filepath.Base(r.Path)] = r.Outcome
	}
	if outcomes["index.php"] != models.Reverted || outcomes["wp-login.php"] != models.Removed {
		t.Errorf("unexpected outcomes %v", outcomes)
	}
	if _, err := os.Stat(tampered); !os.IsNotExist(err) {
		t.Errorf("expected %s removed", tampered)
	}

	report, _ = f.monitor.Check(ctx, "", nil)
	if len(report.Drifted()) != 1 {
		t.Errorf("only the removed file should remain drifted, got %+v", report.Drifted())
	}
}

func TestRestoreWithoutBaseline(t *testing.T) {
	f := newFixture(t)
	p := f.write(t, "index.php", "x")
	if _, err := f.monitor.Restore(context.Background(), p); !errors.Is(err, models.ErrBaselineNotFound) {
		t.Errorf("expected ErrBaselineNotFound, got %v", err)
	}
}

func TestTeardownState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	index := f.write(t, "index.php", "x")
	f.monitor.Backup(nil)
	f.monitor.Build(ctx, "")

	if err := f.monitor.TeardownState(ctx); err != nil {
		t.Fatalf("TeardownState failed: %v", err)
	}
	if _, err := f.db.LoadBaseline(ctx); !errors.Is(err, models.ErrBaselineNotFound) {
		t.Errorf("baseline survived teardown: %v", err)
	}
	if _, err := os.Stat(index + restore.DefaultBackupSuffix); !os.IsNotExist(err) {
		t.Error("backup survived teardown")
	}
	if _, err := os.Stat(index); err != nil {
		t.Errorf("live file must survive teardown: %v", err)
	}
	if s := f.monitor.State(); s != models.StateUninitialized {
		t.Errorf("expected uninitialized, got %s", s)
	}
	if err := f.monitor.TeardownState(ctx); err != nil {
		t.Errorf("second teardown failed: %v", err)
	}
}

func TestScanPartialFailure(t *testing.T) {
	f := newFixture(t)
	good := filepath.Join(f.root, "good")
	f.write(t, "good/shell.php", "<?php system($_GET['c']);")
	f.write(t, "good/clean.php", "<?php echo 1;")

	report := f.monitor.Scan(context.Background(), []Target{
		{Label: "missing", Root: filepath.Join(f.root, "does-not-exist")},
		{Label: "good", Root: good},
	})

	if len(report.Targets) != 2 {
		t.Fatalf("expected 2 target reports, got %d", len(report.Targets))
	}
	missing, _ := report.Target("missing")
	if len(missing.Errors) != 1 || len(missing.Findings) != 0 {
		t.Errorf("expected one error for the missing target, got %+v", missing)
	}
	goodReport, _ := report.Target("good")
	if len(goodReport.Errors) != 0 || goodReport.FilesScanned != 2 {
		t.Errorf("unexpected good target report %+v", goodReport)
	}
	if len(goodReport.Findings) != 1 || goodReport.Findings[0].Issue != models.IssueSystemCall {
		t.Errorf("expected one SystemCall finding, got %+v", goodReport.Findings)
	}
	if report.ID == "" || report.Partial {
		t.Errorf("unexpected report header %+v", report)
	}
}

func TestScanUnreadableTarget(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks are bypassed for root")
	}
	f := newFixture(t)
	locked := filepath.Join(f.root, "locked")
	f.write(t, "locked/a.php", "eval(")
	f.write(t, "open/b.php", "eval(")
	os.Chmod(locked, 0o000)
	t.Cleanup(func() { os.Chmod(locked, 0o755) })

	report := f.monitor.Scan(context.Background(), []Target{
		{Label: "locked", Root: locked},
		{Label: "open", Root: filepath.Join(f.root, "open")},
	})
	lockedReport, _ := report.Target("locked")
	if len(lockedReport.Errors) != 1 {
		t.Errorf("expected one recorded error, got %v", lockedReport.Errors)
	}
	openReport, _ := report.Target("open")
	if len(openReport.Findings) != 1 {
		t.Errorf("expected findings for the readable target, got %+v", openReport.Findings)
	}
}

func TestScanCancelledIsPartial(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.php", "eval(")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := f.monitor.Scan(ctx, []Target{{Label: "root", Root: f.root}})
	if !report.Partial {
		t.Error("expected partial report")
	}
	if len(report.Findings()) != 0 {
		t.Errorf("no file should start after cancellation, got %+v", report.Findings())
	}
}

func TestScanDiscoversTargetsAndFeeds(t *testing.T) {
	failing := &mockVulnClient{err: errors.New("connection refused")}
	feed := &mockVulnClient{vulns: []models.Vulnerability{{Provider: "mock", Title: "RCE"}}}
	f := newFixture(t, failing, feed)
	f.write(t, "index.php", "<?php")
	f.write(t, "wp-content/plugins/hello/hello.php", "<?php\n/*\nPlugin Name: Hello Dolly\nVersion: 1.7.2\n*/")
	f.write(t, "wp-content/themes/bad/style.css", "/*\nTheme Name: Bad\nVersion: 1.0\n*/")
	f.write(t, "wp-content/themes/bad/run.sh", "#!/bin/sh")

	report := f.monitor.Scan(context.Background(), nil)
	labels := map[string]bool{}
	for _, tr := range report.Targets {
		labels[tr.Label] = true
	}
	for _, want := range []string{"root", "content", "plugin:hello", "theme:bad"} {
		if !labels[want] {
			t.Errorf("missing target %s in %v", want, labels)
		}
	}

	plugin, _ := report.Target("plugin:hello")
	if len(plugin.Vulnerabilities) != 1 || plugin.Vulnerabilities[0].Title != "RCE" {
		t.Errorf("expected feed data despite a failing feed, got %+v", plugin.Vulnerabilities)
	}
	if failing.calls != 2 || feed.calls != 2 {
		t.Errorf("expected one lookup per component per feed, got %d/%d", failing.calls, feed.calls)
	}

	theme, _ := report.Target("theme:bad")
	if len(theme.Findings) != 1 || theme.Findings[0].Issue != models.IssueDisallowedExtension {
		t.Errorf("unexpected theme findings %+v", theme.Findings)
	}
	if st := f.monitor.Status(); st.LastScan != report {
		t.Error("status does not expose the last scan")
	}
}

func TestRunCheckAutoRestore(t *testing.T) {
	f := newFixture(t)
	f.monitor.cfg.AutoRestore = true
	ctx := context.Background()
	index := f.write(t, "index.php", "original")
	f.monitor.Backup(nil)
	f.monitor.Build(ctx, "")
	f.write(t, "index.php", "defaced")

	report := f.monitor.RunCheck(ctx)
	if report == nil || report.Clean() {
		t.Fatalf("expected drift report, got %+v", report)
	}
	data, _ := os.ReadFile(index)
	if string(data) != "original" {
		t.Errorf("auto-restore did not revert: %q", data)
	}
	if s := f.monitor.State(); s != models.StateBaselined {
		t.Errorf("expected baselined, got %s", s)
	}
}

func TestBuildInterruptedIsNotSaved(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.php", "a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, err := f.monitor.Build(ctx, ""); err == nil {
		t.Fatal("expected interrupted build error")
	}
	if _, err := f.db.LoadBaseline(context.Background()); !errors.Is(err, models.ErrBaselineNotFound) {
		t.Errorf("interrupted build was saved: %v", err)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.write(t, "index.php", "x")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.monitor.Start(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for f.monitor.Status().LastScan == nil {
		select {
		case <-deadline:
			t.Fatal("first cycle did not complete")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}
	if s := f.monitor.State(); s != models.StateBaselined {
		t.Errorf("expected first cycle to bootstrap, got %s", s)
	}
}

func TestRestoreAndDeleteStayInsideRoot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	outside := filepath.Join(t.TempDir(), "keep.txt")
	if err := os.WriteFile(outside, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := f.monitor.Restore(ctx, outside); !errors.Is(err, models.ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized, got %v", err)
	}
	if err := f.monitor.Delete(ctx, outside); !errors.Is(err, models.ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized, got %v", err)
	}
	if err := f.monitor.Delete(ctx, f.root); !errors.Is(err, models.ErrNotAuthorized) {
		t.Errorf("expected the root itself to be refused, got %v", err)
	}
	if _, err := os.Stat(outside); err != nil {
		t.Errorf("file outside the root was touched: %v", err)
	}
}

func TestDeleteRefusesSymlinkEscape(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	outside := t.TempDir()
	victim := filepath.Join(outside, "victim.txt")
	if err := os.WriteFile(victim, []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(f.root, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	through := filepath.Join(f.root, "link", "victim.txt")
	if err := f.monitor.Delete(ctx, through); !errors.Is(err, models.ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized, got %v", err)
	}
	if _, err := f.monitor.Restore(ctx, through); !errors.Is(err, models.ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized, got %v", err)
	}
	if _, err := os.Stat(victim); err != nil {
		t.Fatalf("file outside the root was removed: %v", err)
	}
}

func TestRestoreDriftRefusesSymlinkEscape(t *testing.T) {
	f := newFixture(t)
	outside := t.TempDir()
	victim := filepath.Join(outside, "victim.php")
	if err := os.WriteFile(victim, []byte("<?php"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(f.root, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	through := filepath.Join(f.root, "link", "victim.php")
	report := &models.CheckReport{Root: f.root, Entries: []models.VerdictEntry{
		{Path: through, Verdict: models.Modified},
	}}
	results := f.monitor.RestoreDrift(context.Background(), report)
	if len(results) != 1 || results[0].Path != through || results[0].Error == "" || results[0].Outcome != models.Skipped {
		t.Errorf("expected the linked file to be refused, got %+v", results)
	}
	if _, err := os.Stat(victim); err != nil {
		t.Fatalf("file outside the root was removed: %v", err)
	}
	if !bytes.Contains(f.logs.Bytes(), []byte("Restore refused")) {
		t.Error("expected the refusal to be logged")
	}
}

func TestScanAndCheckSeeUntrackedBackupSuffix(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "index.php", "<?php echo 1;")
	f.monitor.Backup(nil)
	f.monitor.Build(ctx, "")

	shell := f.write(t, "wp-content/uploads/shell.php.bak", "<?php eval($_GET['x']);")

	report, err := f.monitor.Check(ctx, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	drifted := report.Drifted()
	if len(drifted) != 1 || drifted[0].Path != shell || drifted[0].Verdict != models.Added {
		t.Errorf("expected only the new .bak file as Added, got %+v", drifted)
	}

	found := 0
	for _, fd := range f.monitor.Scan(ctx, nil).Findings() {
		if fd.Path == shell && fd.Issue == models.IssueUnauthorizedEval {
			found++
		}
		if fd.Path == filepath.Join(f.root, "index.php.bak") {
			t.Errorf("the protected backup must not be scanned: %+v", fd)
		}
	}
	if found != 1 {
		t.Errorf("expected one eval finding for %s, got %d", shell, found)
	}
}

func TestScanReportsNestedFilesOnce(t *testing.T) {
	f := newFixture(t)
	shell := f.write(t, "wp-content/plugins/foo/shell.php", "<?php\n/*\nPlugin Name: Foo\n*/ eval($x);")

	report := f.monitor.Scan(context.Background(), nil)
	for _, tr := range report.Targets {
		for _, fd := range tr.Findings {
			if fd.Path == shell && tr.Label != "plugin:foo" {
				t.Errorf("%s also reported by target %s", shell, tr.Label)
			}
		}
	}
	evals := 0
	for _, fd := range report.Findings() {
		if fd.Path == shell && fd.RuleID == "eval" {
			evals++
		}
	}
	if evals != 1 {
		t.Errorf("expected one eval finding in the report, got %d", evals)
	}
}

func TestNewAlertsOnlyReportsChanges(t *testing.T) {
	hello := models.Component{Kind: "plugin", Name: "hello", Version: "1.0"}
	first := &models.ScanReport{Targets: []models.TargetReport{{
		Label:           "plugin:hello",
		Findings:        []models.Finding{{Path: "/a.php", RuleID: "eval"}},
		Vulnerabilities: []models.Vulnerability{{Provider: "mock", Component: hello, Title: "RCE"}},
	}}}

	findings, vulns := newAlerts(nil, first)
	if len(findings) != 1 || len(vulns) != 1 {
		t.Fatalf("first scan must report everything, got %d/%d", len(findings), len(vulns))
	}

	if findings, vulns := newAlerts(first, first); len(findings) != 0 || len(vulns) != 0 {
		t.Errorf("an unchanged scan must not alert, got %+v %+v", findings, vulns)
	}

	second := &models.ScanReport{Targets: []models.TargetReport{{
		Label: "plugin:hello",
		Findings: []models.Finding{
			{Path: "/a.php", RuleID: "eval"},
			{Path: "/a.php", RuleID: "system"},
		},
		Vulnerabilities: []models.Vulnerability{
			{Provider: "mock", Component: hello, Title: "RCE"},
			{Provider: "mock", Component: hello, Title: "XSS"},
		},
	}}}
	findings, vulns = newAlerts(first, second)
	if len(findings) != 1 || findings[0].RuleID != "system" {
		t.Errorf("expected only the new finding, got %+v", findings)
	}
	if len(vulns) != 1 || vulns[0].Title != "XSS" {
		t.Errorf("expected only the new vulnerability, got %+v", vulns)
	}
}

func TestRunScanNotifiesOnlyNewFindings(t *testing.T) {
	f := newFixture(t)
	logger := logrus.New()
	var sent bytes.Buffer
	logger.SetOutput(&sent)
	n, err := notifications.NewNotifier(&notifications.NotificationConfig{ShoutrrrURLs: []string{"logger://"}}, logger)
	if err != nil {
		t.Fatalf("NewNotifier failed: %v", err)
	}
	f.monitor.Config.Notifier = n
	ctx := context.Background()
	f.write(t, "wp-content/uploads/a.php", "<?php eval($x);")

	alerts := func() int { return bytes.Count(sent.Bytes(), []byte("Unwanted Files Detected")) }

	f.monitor.RunScan(ctx)
	if alerts() != 1 {
		t.Fatalf("expected one alert for the first scan, got %d", alerts())
	}
	f.monitor.RunScan(ctx)
	if alerts() != 1 {
		t.Errorf("unchanged findings must not be notified again, got %d alerts", alerts())
	}
	f.write(t, "wp-content/uploads/b.php", "<?php passthru($x);")
	f.monitor.RunScan(ctx)
	if alerts() != 2 {
		t.Errorf("expected a second alert for the new finding, got %d", alerts())
	}
}
