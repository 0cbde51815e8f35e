package antideface

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/y0ug/antideface/internal/restore"
	"github.com/y0ug/antideface/internal/scanner"
	"github.com/y0ug/antideface/internal/walker"
	"golang.org/x/time/rate"
)

// Config holds the engine configuration.
type Config struct {
	Root           string
	ContentDir     string
	Exclude        []string
	Protected      []string
	RulesFile      string
	BackupSuffix   string
	BackupRefsFile string
	AddedPolicy    restore.AddedPolicy
	AutoRestore    bool
	PollInterval   time.Duration
	ScanDeadline   time.Duration
	Concurrency    int64
	MaxScanBytes   int64
	Watch          bool
	WPVulnDBURL    string
	WPVulnDBToken  string
	RateLimits     []RateLimitConfig
}

// RateLimitConfig defines rate limiting settings per API.
type RateLimitConfig struct {
	APIName string
	Rate    rate.Limit // Requests per second
	Burst   int        // Maximum burst size
}

// LoadConfig loads the engine configuration from environment variables.
func LoadConfig() (*Config, error) {
	root := os.Getenv("ANTIDEFACE_ROOT")
	if root == "" {
		return nil, fmt.Errorf("ANTIDEFACE_ROOT environment variable is required")
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("invalid ANTIDEFACE_ROOT: %w", err)
	}

	contentDir := os.Getenv("ANTIDEFACE_CONTENT_DIR")
	if contentDir == "" {
		contentDir = filepath.Join(root, "wp-content")
	} else if !filepath.IsAbs(contentDir) {
		contentDir = filepath.Join(root, contentDir)
	}

	exclude := walker.DefaultExclude
	if v := os.Getenv("ANTIDEFACE_EXCLUDE"); v != "" {
		exclude = splitList(v)
	}

	protected := []string{filepath.Join(root, "index.php")}
	if v := os.Getenv("ANTIDEFACE_PROTECTED"); v != "" {
		protected = nil
		for _, p := range splitList(v) {
			if !filepath.IsAbs(p) {
				p = filepath.Join(root, p)
			}
			protected = append(protected, filepath.Clean(p))
		}
	}

	addedPolicy, err := restore.ParseAddedPolicy(os.Getenv("ANTIDEFACE_ADDED_POLICY"))
	if err != nil {
		return nil, fmt.Errorf("invalid ANTIDEFACE_ADDED_POLICY: %w", err)
	}

	backupSuffix := os.Getenv("ANTIDEFACE_BACKUP_SUFFIX")
	if backupSuffix == "" {
		backupSuffix = restore.DefaultBackupSuffix
	}

	pollInterval, err := strconv.Atoi(os.Getenv("POLL_INTERVAL_MINUTES"))
	if err != nil || pollInterval <= 0 {
		pollInterval = 5 // Default to 5 minutes
		logrus.Infof("Invalid or missing POLL_INTERVAL_MINUTES. Defaulting to %d minutes.", pollInterval)
	}

	scanDeadline, err := strconv.Atoi(os.Getenv("SCAN_DEADLINE_MINUTES"))
	if err != nil || scanDeadline < 0 {
		scanDeadline = 0
	}

	concurrency, err := strconv.ParseInt(os.Getenv("ANTIDEFACE_CONCURRENCY"), 10, 64)
	if err != nil || concurrency <= 0 {
		concurrency = 8
		logrus.Infof("Invalid or missing ANTIDEFACE_CONCURRENCY. Defaulting to %d.", concurrency)
	}

	maxScanBytes, err := strconv.ParseInt(os.Getenv("ANTIDEFACE_MAX_SCAN_BYTES"), 10, 64)
	if err != nil || maxScanBytes <= 0 {
		maxScanBytes = scanner.DefaultMaxBytes
	}

	rateLimits, err := parseRateLimits(os.Getenv("RATE_LIMITS"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse RATE_LIMITS: %w", err)
	}

	return &Config{
		Root:           root,
		ContentDir:     contentDir,
		Exclude:        exclude,
		Protected:      protected,
		RulesFile:      os.Getenv("ANTIDEFACE_RULES_FILE"),
		BackupSuffix:   backupSuffix,
		BackupRefsFile: os.Getenv("ANTIDEFACE_BACKUP_REFS"),
		AddedPolicy:    addedPolicy,
		AutoRestore:    parseBool(os.Getenv("ANTIDEFACE_AUTO_RESTORE")),
		PollInterval:   time.Duration(pollInterval) * time.Minute,
		ScanDeadline:   time.Duration(scanDeadline) * time.Minute,
		Concurrency:    concurrency,
		MaxScanBytes:   maxScanBytes,
		Watch:          parseBool(os.Getenv("ANTIDEFACE_WATCH")),
		WPVulnDBURL:    os.Getenv("WPVULNDB_API_URL"),
		WPVulnDBToken:  os.Getenv("WPVULNDB_API_TOKEN"),
		RateLimits:     rateLimits,
	}, nil
}

// parseRateLimits parses rate limits from a comma-separated list of API:rate:burst.
func parseRateLimits(input string) ([]RateLimitConfig, error) {
	var rateLimits []RateLimitConfig
	if input == "" {
		return rateLimits, nil // No rate limits defined
	}
	for _, entry := range strings.Split(input, ",") {
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid rate limit entry: %s", entry)
		}
		apiName := strings.TrimSpace(parts[0])
		rateValue, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid rate value in entry '%s': %w", entry, err)
		}
		burstValue, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil {
			return nil, fmt.Errorf("invalid burst value in entry '%s': %w", entry, err)
		}
		rateLimits = append(rateLimits, RateLimitConfig{
			APIName: apiName,
			Rate:    rate.Limit(rateValue),
			Burst:   burstValue,
		})
	}
	return rateLimits, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(s))
	return b
}
