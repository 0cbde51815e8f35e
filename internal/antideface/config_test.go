package antideface

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/y0ug/antideface/internal/restore"
	"golang.org/x/time/rate"
)

func TestLoadConfigRequiresRoot(t *testing.T) {
	t.Setenv("ANTIDEFACE_ROOT", "")
	if _, err := LoadConfig(); err == nil {
		t.Error("expected error without ANTIDEFACE_ROOT")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	root := t.TempDir()
	for _, k := range []string{
		"ANTIDEFACE_CONTENT_DIR", "ANTIDEFACE_EXCLUDE", "ANTIDEFACE_PROTECTED",
		"ANTIDEFACE_ADDED_POLICY", "ANTIDEFACE_BACKUP_SUFFIX", "POLL_INTERVAL_MINUTES",
		"SCAN_DEADLINE_MINUTES", "ANTIDEFACE_CONCURRENCY", "RATE_LIMITS", "ANTIDEFACE_AUTO_RESTORE",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("ANTIDEFACE_ROOT", root)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ContentDir != filepath.Join(root, "wp-content") {
		t.Errorf("unexpected content dir %s", cfg.ContentDir)
	}
	if cfg.PollInterval != 5*time.Minute || cfg.ScanDeadline != 0 || cfg.Concurrency != 8 {
		t.Errorf("unexpected durations %+v", cfg)
	}
	if cfg.AddedPolicy != restore.AddedReport || cfg.BackupSuffix != ".bak" || cfg.AutoRestore {
		t.Errorf("unexpected policy defaults %+v", cfg)
	}
	if len(cfg.Protected) != 1 || cfg.Protected[0] != filepath.Join(root, "index.php") {
		t.Errorf("unexpected protected paths %v", cfg.Protected)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	root := t.TempDir()
	t.Setenv("ANTIDEFACE_ROOT", root)
	t.Setenv("ANTIDEFACE_CONTENT_DIR", "content")
	t.Setenv("ANTIDEFACE_EXCLUDE", ".git, vendor")
	t.Setenv("ANTIDEFACE_PROTECTED", "index.php,/etc/wp/wp-config.php")
	t.Setenv("ANTIDEFACE_ADDED_POLICY", "remove-flagged")
	t.Setenv("ANTIDEFACE_AUTO_RESTORE", "true")
	t.Setenv("SCAN_DEADLINE_MINUTES", "3")
	t.Setenv("RATE_LIMITS", "WPVulnDB:0.5:2")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ContentDir != filepath.Join(root, "content") {
		t.Errorf("unexpected content dir %s", cfg.ContentDir)
	}
	if len(cfg.Exclude) != 2 || cfg.Exclude[1] != "vendor" {
		t.Errorf("unexpected exclude %v", cfg.Exclude)
	}
	if cfg.Protected[1] != "/etc/wp/wp-config.php" {
		t.Errorf("unexpected protected %v", cfg.Protected)
	}
	if cfg.AddedPolicy != restore.AddedRemoveFlagged || !cfg.AutoRestore || cfg.ScanDeadline != 3*time.Minute {
		t.Errorf("unexpected overrides %+v", cfg)
	}
	if len(cfg.RateLimits) != 1 || cfg.RateLimits[0].Rate != rate.Limit(0.5) || cfg.RateLimits[0].Burst != 2 {
		t.Errorf("unexpected rate limits %+v", cfg.RateLimits)
	}

	t.Setenv("ANTIDEFACE_ADDED_POLICY", "shred")
	if _, err := LoadConfig(); err == nil {
		t.Error("expected invalid policy error")
	}
}

func TestParseRateLimits(t *testing.T) {
	if _, err := parseRateLimits("WPVulnDB:1"); err == nil {
		t.Error("expected error for missing burst")
	}
	if _, err := parseRateLimits("WPVulnDB:x:1"); err == nil {
		t.Error("expected error for invalid rate")
	}
	limits, err := parseRateLimits("a:1:1, b:2:3")
	if err != nil || len(limits) != 2 || limits[1].APIName != "b" {
		t.Errorf("unexpected limits %+v (%v)", limits, err)
	}
}
