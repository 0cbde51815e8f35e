package antideface

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/y0ug/antideface/internal/antideface/apis"
	"github.com/y0ug/antideface/internal/database"
	"github.com/y0ug/antideface/internal/notifications"
	"github.com/y0ug/antideface/internal/restore"
	"github.com/y0ug/antideface/internal/scanner"
)

// Setup loads the rules, backup references, notifier and vulnerability
// clients named by cfg and returns a ready Monitor.
func Setup(cfg *Config, db database.Database, logger *logrus.Logger) (*Monitor, error) {
	rules := scanner.DefaultRules()
	if cfg.RulesFile != "" {
		loaded, err := scanner.LoadRules(cfg.RulesFile)
		if err != nil {
			return nil, err
		}
		rules = loaded
		logger.WithFields(logrus.Fields{"file": cfg.RulesFile, "rules": len(rules)}).Info("Scan rules loaded")
	}

	var refs map[string]string
	if cfg.BackupRefsFile != "" {
		loaded, err := restore.LoadBackupRefs(cfg.BackupRefsFile)
		if err != nil {
			return nil, err
		}
		refs = loaded
		logger.WithField("refs", len(refs)).Info("Backup references loaded")
	}

	notificationCfg, err := notifications.LoadNotificationConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load notification configuration: %w", err)
	}
	notifier, err := notifications.NewNotifier(notificationCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize notifier: %w", err)
	}
	if notifier == nil {
		logger.Info("No SHOUTRRR_URLS configured. Notifications disabled.")
	}

	return NewMonitor(MonitorConfig{
		Config:      cfg,
		Database:    db,
		Notifier:    notifier,
		VulnClients: VulnClients(cfg, logger),
		Rules:       rules,
		BackupRefs:  refs,
		Logger:      logger,
	}, cfg.Concurrency), nil
}

// VulnClients builds the configured vulnerability feed clients with their
// rate limiters.
func VulnClients(cfg *Config, logger *logrus.Logger) []apis.VulnClient {
	var clients []apis.VulnClient
	if cfg.WPVulnDBToken != "" {
		clients = append(clients, apis.NewWPVulnDBClient(cfg.WPVulnDBURL, cfg.WPVulnDBToken))
		logger.Info("WPVulnDB client initialized")
	} else {
		logger.Warn("WPVulnDB API token not provided. Skipping vulnerability lookups.")
	}

	for _, client := range clients {
		for _, rl := range cfg.RateLimits {
			if rl.APIName == client.ProviderName() {
				limiter := apis.NewRateLimiter(rl.Rate, rl.Burst)
				logger.Infof("Setting rate limiter for %s: %v req/s, burst %d",
					client.ProviderName(), rl.Rate, rl.Burst)
				client.SetRateLimiter(limiter)
			}
		}
	}
	return clients
}
