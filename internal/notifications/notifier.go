package notifications

import (
	"github.com/containrrr/shoutrrr/pkg/router"
	"github.com/containrrr/shoutrrr/pkg/types"
	"github.com/sirupsen/logrus"
)

// Notifier handles sending notifications via Shoutrrr. A nil Notifier
// discards messages.
type Notifier struct {
	sr     *router.ServiceRouter
	logger *logrus.Logger
}

// NewNotifier initializes a new Notifier with the configured Shoutrrr URLs.
// It returns nil when notifications are disabled.
func NewNotifier(cfg *NotificationConfig, logger *logrus.Logger) (*Notifier, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	sr, err := router.New(nil, cfg.ShoutrrrURLs...)
	if err != nil {
		return nil, err
	}
	return &Notifier{sr: sr, logger: logger}, nil
}

// Send sends a notification message to all configured services.
func (n *Notifier) Send(title, message string) {
	if n == nil || n.sr == nil {
		return
	}
	params := types.Params{
		"title": title,
	}
	failed := 0
	for _, err := range n.sr.Send(message, &params) {
		if err != nil {
			failed++
			n.logger.WithError(err).Error("Failed to send notification")
		}
	}
	if failed == 0 {
		n.logger.WithField("title", title).Info("Notification sent successfully")
	}
}
